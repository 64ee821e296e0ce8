// Package conversations persists chat sessions, their messages and message
// variants in sqlite.
package conversations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/aschepis/backscratcher/chatcore/chat"
	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Store handles persistence of sessions.
// It implements chat.SessionStore.
type Store struct {
	db      *sql.DB
	logger  zerolog.Logger
	writeMu sync.Mutex
	now     func() time.Time
}

// NewStore creates a store on a migrated database.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "conversations").Logger(),
		now:    time.Now,
	}
}

// CreateSession inserts s. A missing ID is generated.
func (s *Store) CreateSession(ctx context.Context, session chat.Session) (chat.Session, error) {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := s.now()
	session.CreatedAt, session.UpdatedAt = now, now
	session.Messages = nil
	session.Variants = map[string]chat.Variant{}

	query := sq.Insert("sessions").
		Columns("id", "character_id", "persona_id", "title", "model_id", "created_at", "updated_at").
		Values(session.ID, session.CharacterID, session.PersonaID, session.Title, session.ModelID,
			now.UnixMilli(), now.UnixMilli())
	if err := s.exec(ctx, query); err != nil {
		return chat.Session{}, fmt.Errorf("insert session: %w", err)
	}
	s.logger.Debug().Str("sessionID", session.ID).Str("characterID", session.CharacterID).Msg("Created session")
	return session, nil
}

// GetSession loads a session with its messages in order and every variant.
func (s *Store) GetSession(ctx context.Context, id string) (*chat.Session, error) {
	query := sq.Select("id", "character_id", "persona_id", "title", "model_id", "created_at", "updated_at").
		From("sessions").
		Where(sq.Eq{"id": id})
	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	session, err := scanSession(s.db.QueryRowContext(ctx, queryStr, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", chat.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	if session.Messages, err = s.loadMessages(ctx, id); err != nil {
		return nil, err
	}
	variants, err := s.loadVariants(ctx, id)
	if err != nil {
		return nil, err
	}
	session.Variants = make(map[string]chat.Variant, len(variants))
	byMessage := lo.GroupBy(variants, func(v chat.Variant) string { return v.MessageID })
	for i := range session.Messages {
		for _, v := range byMessage[session.Messages[i].ID] {
			session.Messages[i].VariantIDs = append(session.Messages[i].VariantIDs, v.ID)
			session.Variants[v.ID] = v
		}
	}
	return &session, nil
}

// ListSessions returns sessions without messages, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]chat.Session, error) {
	query := sq.Select("id", "character_id", "persona_id", "title", "model_id", "created_at", "updated_at").
		From("sessions").
		OrderBy("updated_at DESC", "id ASC")
	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []chat.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

// DeleteSession removes a session with its messages and variants.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", chat.ErrSessionNotFound, id)
	}
	return nil
}

// SetSessionModel changes the model used by later turns.
func (s *Store) SetSessionModel(ctx context.Context, id, modelID string) error {
	query := sq.Update("sessions").
		Set("model_id", modelID).
		Set("updated_at", s.now().UnixMilli()).
		Where(sq.Eq{"id": id})
	return s.exec(ctx, query)
}

// AppendMessage adds m after the session's last message.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, m chat.StoredMessage) (chat.StoredMessage, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	m.SessionID = sessionID

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.StoredMessage{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE id = ?", sessionID).Scan(&exists); err != nil {
		return chat.StoredMessage{}, fmt.Errorf("check session: %w", err)
	}
	if exists == 0 {
		return chat.StoredMessage{}, fmt.Errorf("%w: %s", chat.ErrSessionNotFound, sessionID)
	}
	var position int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(position), -1) + 1 FROM session_messages WHERE session_id = ?", sessionID,
	).Scan(&position); err != nil {
		return chat.StoredMessage{}, fmt.Errorf("next position: %w", err)
	}

	insert := sq.Insert("session_messages").
		Columns("id", "session_id", "position", "role", "content", "reasoning", "selected_variant_id", "created_at").
		Values(m.ID, sessionID, position, string(m.Role), m.Content, nullString(m.Reasoning),
			nullString(m.SelectedVariantID), m.CreatedAt.UnixMilli())
	if err := execTx(ctx, tx, insert); err != nil {
		return chat.StoredMessage{}, fmt.Errorf("insert message: %w", err)
	}
	touch := sq.Update("sessions").Set("updated_at", s.now().UnixMilli()).Where(sq.Eq{"id": sessionID})
	if err := execTx(ctx, tx, touch); err != nil {
		return chat.StoredMessage{}, fmt.Errorf("touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return chat.StoredMessage{}, fmt.Errorf("commit message: %w", err)
	}
	return m, nil
}

// AddVariant stores v and selects it, copying its text onto the message.
func (s *Store) AddVariant(ctx context.Context, messageID string, v chat.Variant) (chat.Variant, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.now()
	}
	v.MessageID = messageID

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Variant{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := sq.Insert("message_variants").
		Columns("id", "message_id", "content", "reasoning", "created_at").
		Values(v.ID, messageID, v.Content, nullString(v.Reasoning), v.CreatedAt.UnixMilli())
	if err := execTx(ctx, tx, insert); err != nil {
		if isForeignKey(err) {
			return chat.Variant{}, fmt.Errorf("%w: %s", chat.ErrMessageNotFound, messageID)
		}
		return chat.Variant{}, fmt.Errorf("insert variant: %w", err)
	}
	if err := selectVariant(ctx, tx, messageID, v); err != nil {
		return chat.Variant{}, err
	}
	if err := tx.Commit(); err != nil {
		return chat.Variant{}, fmt.Errorf("commit variant: %w", err)
	}
	return v, nil
}

// SelectVariant makes an existing variant the message's content.
func (s *Store) SelectVariant(ctx context.Context, messageID, variantID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var v chat.Variant
	var reasoning sql.NullString
	err = tx.QueryRowContext(ctx,
		"SELECT id, content, reasoning FROM message_variants WHERE id = ? AND message_id = ?", variantID, messageID,
	).Scan(&v.ID, &v.Content, &reasoning)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: variant %s", chat.ErrMessageNotFound, variantID)
	}
	if err != nil {
		return fmt.Errorf("load variant: %w", err)
	}
	v.Reasoning = reasoning.String
	if err := selectVariant(ctx, tx, messageID, v); err != nil {
		return err
	}
	return tx.Commit()
}

func selectVariant(ctx context.Context, tx *sql.Tx, messageID string, v chat.Variant) error {
	update := sq.Update("session_messages").
		Set("content", v.Content).
		Set("reasoning", nullString(v.Reasoning)).
		Set("selected_variant_id", v.ID).
		Where(sq.Eq{"id": messageID})
	queryStr, args, err := update.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	res, err := tx.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return fmt.Errorf("select variant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", chat.ErrMessageNotFound, messageID)
	}
	return nil
}

func (s *Store) loadMessages(ctx context.Context, sessionID string) ([]chat.StoredMessage, error) {
	query := sq.Select("id", "role", "content", "reasoning", "selected_variant_id", "created_at").
		From("session_messages").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("position ASC")
	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []chat.StoredMessage
	for rows.Next() {
		var (
			m                   chat.StoredMessage
			role                string
			reasoning, selected sql.NullString
			createdAt           int64
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &reasoning, &selected, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.SessionID = sessionID
		m.Role = llm.Role(role)
		m.Reasoning = reasoning.String
		m.SelectedVariantID = selected.String
		m.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) loadVariants(ctx context.Context, sessionID string) ([]chat.Variant, error) {
	query := sq.Select("v.id", "v.message_id", "v.content", "v.reasoning", "v.created_at").
		From("message_variants v").
		Join("session_messages m ON m.id = v.message_id").
		Where(sq.Eq{"m.session_id": sessionID}).
		OrderBy("v.created_at ASC", "v.rowid ASC")
	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("load variants: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []chat.Variant
	for rows.Next() {
		var (
			v         chat.Variant
			reasoning sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&v.ID, &v.MessageID, &v.Content, &reasoning, &createdAt); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		v.Reasoning = reasoning.String
		v.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, v)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (chat.Session, error) {
	var (
		session            chat.Session
		createdAt, updated int64
	)
	err := row.Scan(&session.ID, &session.CharacterID, &session.PersonaID, &session.Title, &session.ModelID,
		&createdAt, &updated)
	if err != nil {
		return chat.Session{}, err
	}
	session.CreatedAt = time.UnixMilli(createdAt)
	session.UpdatedAt = time.UnixMilli(updated)
	return session, nil
}

func (s *Store) exec(ctx context.Context, query sq.Sqlizer) error {
	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.db.ExecContext(ctx, queryStr, args...)
	return err
}

func execTx(ctx context.Context, tx *sql.Tx, query sq.Sqlizer) error {
	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	_, err = tx.ExecContext(ctx, queryStr, args...)
	return err
}

func isForeignKey(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
