package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/aschepis/backscratcher/chatcore/chat"
	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/samber/lo"
)

// Catalog serves the characters, personas, credentials and models defined
// in a Config. Returned values are copies.
type Catalog struct {
	cfg *Config
}

// NewCatalog creates a catalog over cfg.
func NewCatalog(cfg *Config) *Catalog {
	return &Catalog{cfg: cfg}
}

func (c *Catalog) GetCharacter(_ context.Context, id string) (*chat.Character, error) {
	ch, ok := c.cfg.Characters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", chat.ErrCharacterNotFound, id)
	}
	cp := *ch
	return &cp, nil
}

func (c *Catalog) GetPersona(_ context.Context, id string) (*chat.Persona, error) {
	p, ok := c.cfg.Personas[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", chat.ErrPersonaNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (c *Catalog) GetModel(_ context.Context, id string) (*chat.Model, error) {
	m, ok := c.cfg.Models[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", chat.ErrModelNotFound, id)
	}
	cp := *m
	return &cp, nil
}

// GetCredential returns the credential with its custom overrides encoded
// into Config.
func (c *Catalog) GetCredential(_ context.Context, id string) (*llm.Credential, error) {
	cc, ok := c.cfg.Credentials[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", chat.ErrCredentialNotFound, id)
	}
	cred := cc.Credential
	cred.ExtraHeaders = lo.Assign(cc.ExtraHeaders)
	if len(cc.Custom) > 0 {
		raw, err := json.Marshal(cc.Custom)
		if err != nil {
			return nil, llm.NewConfigError(fmt.Sprintf("credential %s has invalid custom config", id), err)
		}
		cred.Config = raw
	}
	return &cred, nil
}

// CredentialIDs returns credential ids in sorted order.
func (c *Catalog) CredentialIDs() []string {
	ids := lo.Keys(c.cfg.Credentials)
	sort.Strings(ids)
	return ids
}

// Characters returns every character sorted by id.
func (c *Catalog) Characters() []chat.Character {
	out := lo.MapToSlice(c.cfg.Characters, func(_ string, ch *chat.Character) chat.Character { return *ch })
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Models returns every model sorted by id.
func (c *Catalog) Models() []chat.Model {
	out := lo.MapToSlice(c.cfg.Models, func(_ string, m *chat.Model) chat.Model { return *m })
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
