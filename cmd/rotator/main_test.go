package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goodtune/rotator/internal/config"
	"github.com/goodtune/rotator/internal/rotation"
	"github.com/goodtune/rotator/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`storage:
  type: bolt
  path: %s
logging:
  level: error
metrics:
  enabled: false
rotation:
  reclaim_schedule: ""
`, filepath.Join(dir, "rotator.bolt"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// run executes the CLI with the given config and returns stdout.
func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()

	// Flag variables and Changed marks survive between Execute calls.
	outputFormat = formatText
	accountName, accountEmail = "", ""
	sessionResetAt, sessionResetIn = "", ""
	for _, name := range []string{"name", "email"} {
		accountsUpdateCmd.Flags().Lookup(name).Changed = false
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		outputFormat = formatText
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestAccountLifecycleThroughCLI(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := run(t, cfgPath, "-o", "json", "accounts", "add", "a@example.com", "--name", "Alpha")
	require.NoError(t, err)
	var created rotation.AccountView
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, "a@example.com", created.Email)
	assert.Equal(t, "Alpha", created.DisplayName)

	_, err = run(t, cfgPath, "accounts", "add", "A@example.com", "--name", "")
	assert.ErrorIs(t, err, rotation.ErrConflict)
	assert.Equal(t, 4, exitCode(err))

	out, err = run(t, cfgPath, "-o", "json", "sessions", "start", created.ID, "anthropic")
	require.NoError(t, err)
	var session storage.Session
	require.NoError(t, json.Unmarshal([]byte(out), &session))
	assert.Equal(t, created.ID, session.AccountID)

	out, err = run(t, cfgPath, "sessions", "active")
	require.NoError(t, err)
	assert.Contains(t, out, session.ID)

	out, err = run(t, cfgPath, "-o", "json", "sessions", "rotate", "--in", "1h")
	require.NoError(t, err)
	var result rotation.RotationResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.NotNil(t, result.EndedSession)
	assert.Equal(t, storage.EndReasonQuotaExhausted, result.EndedSession.EndReason)
	assert.True(t, result.NeedsUserChoice, "only gemini is left")
	assert.Nil(t, result.NewSession)

	out, err = run(t, cfgPath, "-o", "yaml", "summary")
	require.NoError(t, err)
	assert.Contains(t, out, "total: 1")
	assert.Contains(t, out, "partially_limited: 1")

	_, err = run(t, cfgPath, "accounts", "show", "missing")
	assert.ErrorIs(t, err, rotation.ErrNotFound)
}

func TestAccountsUpdateOnlyChangesPassedFlags(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := run(t, cfgPath, "-o", "json", "accounts", "add", "c@example.com", "--name", "Gamma")
	require.NoError(t, err)
	var created rotation.AccountView
	require.NoError(t, json.Unmarshal([]byte(out), &created))

	out, err = run(t, cfgPath, "-o", "json", "accounts", "update", created.ID, "--email", "c2@example.com")
	require.NoError(t, err)
	var updated rotation.AccountView
	require.NoError(t, json.Unmarshal([]byte(out), &updated))
	assert.Equal(t, "c2@example.com", updated.Email)
	assert.Equal(t, "Gamma", updated.DisplayName)

	_, err = run(t, cfgPath, "accounts", "update", created.ID)
	assert.ErrorIs(t, err, rotation.ErrInvalidInput)
	assert.Equal(t, 2, exitCode(err))
}

func TestCommandsRunWhileDaemonHoldsStore(t *testing.T) {
	cfgPath := writeTestConfig(t)
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	daemon, err := newApp(cfg, zerolog.Nop(), openDaemonStorage)
	require.NoError(t, err)
	defer daemon.Close()
	require.NoError(t, storeHealth(daemon.store, cfg.Rotation.Owner)(context.Background()))

	out, err := run(t, cfgPath, "-o", "json", "accounts", "add", "d@example.com", "--name", "")
	require.NoError(t, err)
	var created rotation.AccountView
	require.NoError(t, json.Unmarshal([]byte(out), &created))

	_, err = run(t, cfgPath, "sessions", "start", created.ID, "anthropic")
	require.NoError(t, err)

	count, err := daemon.pool.ReclaimExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)

	active, err := daemon.pool.ActiveSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, created.ID, active.AccountID)
}

func TestEndFlagsDefaultToManual(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := run(t, cfgPath, "-o", "json", "accounts", "add", "b@example.com", "--name", "")
	require.NoError(t, err)
	var created rotation.AccountView
	require.NoError(t, json.Unmarshal([]byte(out), &created))

	_, err = run(t, cfgPath, "sessions", "start", created.ID, "gemini")
	require.NoError(t, err)

	out, err = run(t, cfgPath, "-o", "json", "sessions", "end")
	require.NoError(t, err)
	var ended storage.Session
	require.NoError(t, json.Unmarshal([]byte(out), &ended))
	assert.Equal(t, storage.EndReasonManual, ended.EndReason)
}

func TestPrinter(t *testing.T) {
	value := map[string]any{"b": 2, "a": []string{"x", "y"}}

	var buf bytes.Buffer
	p, err := newPrinter("JSON", &buf)
	require.NoError(t, err)
	require.NoError(t, p.print(value, nil))
	assert.JSONEq(t, `{"a":["x","y"],"b":2}`, buf.String())

	buf.Reset()
	p, err = newPrinter("yaml", &buf)
	require.NoError(t, err)
	require.NoError(t, p.print(value, nil))
	assert.Equal(t, "a:\n  - x\n  - y\nb: 2\n", buf.String())

	buf.Reset()
	p, err = newPrinter("", &buf)
	require.NoError(t, err)
	require.NoError(t, p.print(value, func(w io.Writer) { fprintf(w, "a\tb\nlonger\tc\n") }))
	assert.Equal(t, "a       b\nlonger  c\n", buf.String())

	_, err = newPrinter("xml", &buf)
	assert.Error(t, err)
}

func TestWriteYAMLQuotesAmbiguousStrings(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeYAML(&buf, map[string]string{"id": "123", "at": "2025-06-01T10:00:00Z"}))

	out := buf.String()
	assert.True(t, strings.Contains(out, `at: "2025-06-01T10:00:00Z"`) || strings.Contains(out, `at: '2025-06-01T10:00:00Z'`), out)
	assert.True(t, strings.Contains(out, `id: "123"`) || strings.Contains(out, `id: '123'`), out)
}

func TestResolveReset(t *testing.T) {
	got, err := resolveReset("2025-06-01T12:00:00+02:00", "")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)))

	before := time.Now().UTC()
	got, err = resolveReset("", "90m")
	require.NoError(t, err)
	assert.WithinDuration(t, before.Add(90*time.Minute), *got, 5*time.Second)

	got, err = resolveReset("", "")
	require.NoError(t, err)
	assert.Nil(t, got)

	for _, tc := range [][2]string{{"2025-06-01T12:00:00", ""}, {"", "-1h"}, {"", "soon"}, {"2025-06-01T12:00:00Z", "1h"}} {
		_, err := resolveReset(tc[0], tc[1])
		assert.ErrorIs(t, err, rotation.ErrInvalidInput, "%v", tc)
	}
}

func TestRedactDSN(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"postgres://rotator:secret@db:5432/rotator?sslmode=disable", "postgres://rotator:xxxxx@db:5432/rotator?sslmode=disable"},
		{"host=db user=rotator password=secret dbname=rotator", "host=db user=rotator password=xxxxx dbname=rotator"},
		{"file:/var/lib/rotator/rotator.db", "file:/var/lib/rotator/rotator.db"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, redactDSN(tt.in))
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", rotation.ErrInvalidInput), 2},
		{rotation.ErrNotFound, 3},
		{rotation.ErrConflict, 4},
		{rotation.ErrQuotaExhausted, 5},
		{errors.New("boom"), 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(tt.err), "%v", tt.err)
	}
}

func TestFindUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  type: bolt\n  pth: /tmp/x\nlogging:\n  level: debug\n"), 0o600))

	unknown, err := findUnknownKeys(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"storage.pth"}, unknown)
}
