// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/health-sync/health-sync/internal/bootstrap"
)

var tokenRE = regexp.MustCompile(`hsr1\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)

type env struct {
	dir     string
	cfgFile string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)
	cfg := filepath.Join(dir, "health-sync.yaml")
	body := "state_dir: " + filepath.Join(dir, "state") + "\nlanguage: en\n"
	require.NoError(t, os.WriteFile(cfg, []byte(body), 0o600))

	origTerm := isTerminal
	isTerminal = func() bool { return false }
	t.Cleanup(func() { isTerminal = origTerm })
	return &env{dir: dir, cfgFile: cfg}
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(append([]string{"--config", e.cfgFile}, args...))
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

// userFiles creates the files a sync client leaves behind after onboarding.
func (e *env) userFiles(t *testing.T) (string, string) {
	t.Helper()
	dir := filepath.Join(e.dir, "user")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	cfg := filepath.Join(dir, "health-sync.toml")
	require.NoError(t, os.WriteFile(cfg, []byte("[app]\ndb = \"health.sqlite\"\n"), 0o600))
	creds := filepath.Join(dir, "health.sqlite")
	db, err := sql.Open("sqlite", creds)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE oauth_tokens (provider TEXT PRIMARY KEY, access_token TEXT NOT NULL)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	return cfg, creds
}

func TestRemoteEndToEnd(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "remote", "bootstrap", "--ttl", "1h")
	require.NoError(t, err, out)
	tok := tokenRE.FindString(out)
	require.NotEmpty(t, tok, out)

	cfg, creds := e.userFiles(t)
	archivePath := filepath.Join(e.dir, "reply.hsarchive")
	out, err = e.run(t, "remote", "run", tok, "--sync-config", cfg, "--credentials", creds, "--out", archivePath, "--keep-plaintext")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Encrypted 2 file(s)")
	assert.FileExists(t, cfg)

	targetDir := filepath.Join(e.dir, "operator")
	cfgTarget := filepath.Join(targetDir, "health-sync.toml")
	credsTarget := filepath.Join(targetDir, "health.sqlite")
	out, err = e.run(t, "remote", "finish", tok, archivePath, "--config-target", cfgTarget, "--credentials-target", credsTarget, "--remove-archive")
	require.NoError(t, err, out)
	assert.Contains(t, out, "imported and consumed")
	assert.FileExists(t, cfgTarget)
	assert.FileExists(t, credsTarget)
	assert.NoFileExists(t, archivePath)

	out, err = e.run(t, "remote", "sessions")
	require.NoError(t, err, out)
	assert.Contains(t, out, string(bootstrap.StateConsumed))

	out, err = e.run(t, "remote", "gc", "--consumed")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Removed 1 session(s).")

	out, err = e.run(t, "remote", "sessions")
	require.NoError(t, err, out)
	assert.Contains(t, out, "No remote bootstrap sessions.")
}

func TestRemoteFinishTwiceExitCode(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "remote", "bootstrap")
	require.NoError(t, err, out)
	tok := tokenRE.FindString(out)

	cfg, creds := e.userFiles(t)
	archivePath := filepath.Join(e.dir, "reply.hsarchive")
	_, err = e.run(t, "remote", "run", tok, "--sync-config", cfg, "--credentials", creds, "--out", archivePath, "--purge-plaintext")
	require.NoError(t, err)
	assert.NoFileExists(t, cfg)
	assert.NoFileExists(t, creds)

	targets := []string{"--config-target", filepath.Join(e.dir, "t.toml"), "--credentials-target", filepath.Join(e.dir, "t.sqlite")}
	_, err = e.run(t, append([]string{"remote", "finish", archivePath}, targets...)...)
	require.NoError(t, err)
	_, err = e.run(t, append([]string{"remote", "finish", tok, archivePath}, targets...)...)
	require.Error(t, err)
	assert.True(t, errors.Is(err, bootstrap.ErrAlreadyConsumed))
	assert.Equal(t, 5, ExitCode(err))
}

func TestRemoteBootstrapCopy(t *testing.T) {
	e := newEnv(t)
	var copied string
	orig := copyToClipboard
	copyToClipboard = func(s string) error { copied = s; return nil }
	defer func() { copyToClipboard = orig }()

	out, err := e.run(t, "remote", "bootstrap", "--copy")
	require.NoError(t, err)
	assert.Equal(t, tokenRE.FindString(out), copied)
	assert.Contains(t, out, "Token copied to clipboard.")
}

func TestRemoteRunRejectsConflictingPurgeFlags(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "remote", "run", "hsr1.x.y", "--purge-plaintext", "--keep-plaintext")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestRemoteRunBadToken(t *testing.T) {
	e := newEnv(t)
	cfg, creds := e.userFiles(t)
	_, err := e.run(t, "remote", "run", "hsr1.garbage", "--sync-config", cfg, "--credentials", creds, "--keep-plaintext")
	require.Error(t, err)
	assert.Equal(t, 6, ExitCode(err))
}

func TestRemoteBootstrapRejectsNegativeTTL(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "remote", "bootstrap", "--ttl", "-1h")
	require.Error(t, err)
}

func TestRemoteBootstrapRejectsTTLBeyondStoreRange(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "remote", "bootstrap", "--ttl", "2500000h")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--ttl")
	_, statErr := os.Stat(filepath.Join(e.dir, "state"))
	assert.True(t, os.IsNotExist(statErr), "no session store should be opened")
}

func TestConfirm(t *testing.T) {
	var out bytes.Buffer
	assert.True(t, confirm(strings.NewReader("y\n"), &out, "? "))
	assert.True(t, confirm(strings.NewReader("Ja\n"), &out, "? "))
	assert.False(t, confirm(strings.NewReader("\n"), &out, "? "))
	assert.False(t, confirm(strings.NewReader("no\n"), &out, "? "))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
	assert.Equal(t, 4, ExitCode(&bootstrap.PhaseError{Phase: bootstrap.PhaseFinish, Err: bootstrap.ErrExpiredSession}))
	assert.Equal(t, 9, ExitCode(bootstrap.ErrPartialImportFailure))
}

func TestDBMaintenanceUsesSessionDB(t *testing.T) {
	e := newEnv(t)
	var gotType, gotDSN string
	orig := runDBMaintenance
	runDBMaintenance = func(_ context.Context, dbType, dsn string) error {
		gotType, gotDSN = dbType, dsn
		return nil
	}
	defer func() { runDBMaintenance = orig }()

	out, err := e.run(t, "db", "maintenance")
	require.NoError(t, err)
	assert.Contains(t, out, "Maintenance completed successfully")
	assert.Equal(t, "sqlite", gotType)
	assert.Equal(t, filepath.Join(e.dir, "state", "sessions.db"), gotDSN)
}

func TestDBMaintenanceKeepsCause(t *testing.T) {
	e := newEnv(t)
	errLocked := errors.New("database is locked")
	orig := runDBMaintenance
	defer func() { runDBMaintenance = orig }()

	runDBMaintenance = func(context.Context, string, string) error { return errLocked }
	_, err := e.run(t, "db", "maintenance")
	require.Error(t, err)
	assert.ErrorIs(t, err, errLocked)
	assert.Contains(t, err.Error(), "Maintenance failed: database is locked")

	runDBMaintenance = func(ctx context.Context, _, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}
	_, err = e.run(t, "db", "maintenance", "--timeout", "10ms")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualError(t, err, "Maintenance timed out")
}

func TestDebugRedactsDSN(t *testing.T) {
	e := newEnv(t)
	t.Setenv("HEALTH_SYNC_DATABASE_DSN", "postgres://user:secret@db/health")
	t.Setenv("HEALTH_SYNC_DATABASE_TYPE", "postgres")
	out, err := e.run(t, "debug")
	require.NoError(t, err)
	assert.NotContains(t, out, "secret")
	assert.Contains(t, out, "HEALTH_SYNC_DATABASE_DSN=<redacted>")
}

func TestDebugRedactsDSNFlag(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "--database.type", "postgres", "--database.dsn", "postgres://user:hunter2@db/health", "debug")
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "database.dsn = <redacted>")
}
