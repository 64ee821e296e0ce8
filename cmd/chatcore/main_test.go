package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/chatcore/app"
	"github.com/aschepis/backscratcher/chatcore/config"
	"github.com/aschepis/backscratcher/chatcore/usage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func fakeModels() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"gpt-x","object":"model","owned_by":"acme"},{"id":"gpt-y","object":"model","owned_by":"acme"}]}`))
	})
}

func writeConfig(t *testing.T, providerURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := fmt.Sprintf(`database:
  path: %s
pricing:
  cache: memory
credentials:
  good:
    provider_id: openai
    api_key: sk-test
    base_url: %s
  bad:
    provider_id: openai
    api_key: sk-wrong
    base_url: %s
`, filepath.Join(dir, "chatcore.db"), providerURL, providerURL)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func seedUsage(t *testing.T, configPath string, records ...usage.Record) {
	t.Helper()
	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	core, err := app.Build(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer core.Close() //nolint:errcheck
	for _, rec := range records {
		_, err := core.Usage.Add(context.Background(), rec)
		require.NoError(t, err)
	}
}

func tokens(n int64) *int64 { return &n }

func TestNoCommand(t *testing.T) {
	_, stderr, err := runCLI(t)
	assert.ErrorIs(t, err, errUsage)
	assert.Contains(t, stderr, "Commands:")
}

func TestUnknownCommand(t *testing.T) {
	srv := httptest.NewServer(fakeModels())
	defer srv.Close()
	_, stderr, err := runCLI(t, "--config", writeConfig(t, srv.URL), "frobnicate")
	assert.ErrorIs(t, err, errUsage)
	assert.Contains(t, stderr, `Unknown command "frobnicate"`)
}

func TestModels(t *testing.T) {
	srv := httptest.NewServer(fakeModels())
	defer srv.Close()
	cfg := writeConfig(t, srv.URL)

	out, _, err := runCLI(t, "--config", cfg, "models", "good")
	require.NoError(t, err)
	assert.Contains(t, out, "gpt-x")
	assert.Contains(t, out, "gpt-y")
	assert.Contains(t, out, "acme")

	_, _, err = runCLI(t, "--config", cfg, "models", "missing")
	assert.Error(t, err)

	_, _, err = runCLI(t, "--config", cfg, "models")
	assert.ErrorIs(t, err, errUsage)
}

func TestVerify(t *testing.T) {
	srv := httptest.NewServer(fakeModels())
	defer srv.Close()
	cfg := writeConfig(t, srv.URL)

	out, _, err := runCLI(t, "--config", cfg, "verify", "good")
	require.NoError(t, err)
	assert.Equal(t, "good: valid\n", out)

	out, _, err = runCLI(t, "--config", cfg, "verify", "bad")
	assert.ErrorIs(t, err, errInvalidKey)
	assert.Contains(t, out, "HTTP 401")
	assert.Contains(t, out, "Incorrect API key provided")
}

func TestUsageCommands(t *testing.T) {
	srv := httptest.NewServer(fakeModels())
	defer srv.Close()
	cfg := writeConfig(t, srv.URL)

	old := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	recent := time.Date(2024, 3, 5, 9, 30, 0, 0, time.UTC)
	seedUsage(t, cfg,
		usage.Record{
			Timestamp: old, ProviderID: "openai", ModelID: "gpt-x", CharacterID: "ava",
			OperationType: usage.OperationChat, Success: true,
			PromptTokens: tokens(10), CompletionTokens: tokens(5), TotalTokens: tokens(15),
		},
		usage.Record{
			Timestamp: recent, ProviderID: "anthropic", ModelID: "claude", CharacterID: "ava",
			OperationType: usage.OperationChat, Success: false, ErrorMessage: "boom",
		},
	)

	out, _, err := runCLI(t, "--config", cfg, "usage", "stats", "--json")
	require.NoError(t, err)
	assert.Equal(t, int64(2), gjson.Get(out, "totalRequests").Int())
	assert.Equal(t, int64(1), gjson.Get(out, "failedRequests").Int())
	assert.Equal(t, int64(15), gjson.Get(out, "totalTokens").Int())

	out, _, err = runCLI(t, "--config", cfg, "usage", "stats", "--end", "2024-01-10")
	require.NoError(t, err)
	assert.Contains(t, out, "PROVIDER")
	assert.Contains(t, out, "openai")
	assert.NotContains(t, out, "anthropic")

	out, _, err = runCLI(t, "--config", cfg, "usage", "export", "--provider", "anthropic")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "boom")

	exportPath := filepath.Join(t.TempDir(), "usage.csv")
	out, _, err = runCLI(t, "--config", cfg, "usage", "export", "--out", exportPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 2 records")
	f, err := os.Open(exportPath)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck
	records, err := usage.ReadCSV(f)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	out, _, err = runCLI(t, "--config", cfg, "usage", "clear", "--before", "2024-02-01")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 1 records")

	out, _, err = runCLI(t, "--config", cfg, "usage", "stats", "--json")
	require.NoError(t, err)
	assert.Equal(t, int64(1), gjson.Get(out, "totalRequests").Int())
}

func TestUsageClearNeedsCutoff(t *testing.T) {
	srv := httptest.NewServer(fakeModels())
	defer srv.Close()
	cfg := writeConfig(t, srv.URL)

	tests := []struct {
		name string
		args []string
	}{
		{"no cutoff", []string{"usage", "clear"}},
		{"both cutoffs", []string{"usage", "clear", "--before", "2024-01-01", "--older-than-days", "3"}},
		{"no subcommand", []string{"usage"}},
		{"unknown subcommand", []string{"usage", "purge"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runCLI(t, append([]string{"--config", cfg}, tt.args...)...)
			if err != errUsage {
				t.Errorf("run(%v) error = %v, want errUsage", tt.args, err)
			}
		})
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in       string
		endOfDay bool
		want     time.Time
	}{
		{"2024-03-05", false, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)},
		{"2024-03-05", true, time.Date(2024, 3, 5, 23, 59, 59, 999999999, time.UTC)},
		{"2024-03-05T10:00:00Z", true, time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := parseTime(tt.in, tt.endOfDay)
		if err != nil {
			t.Errorf("parseTime(%q) error: %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseTime(%q, %v) = %v, want %v", tt.in, tt.endOfDay, got, tt.want)
		}
	}

	_, err := parseTime("next tuesday", false)
	assert.Error(t, err)
}
