// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

package core

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/health-sync/health-sync/internal/archive"
	"github.com/health-sync/health-sync/internal/bootstrap"
	"github.com/health-sync/health-sync/internal/bundle"
	"github.com/health-sync/health-sync/internal/importer"
	"github.com/health-sync/health-sync/internal/keystore"
	"github.com/health-sync/health-sync/internal/token"
)

const userConfig = "[app]\ndb = \"health.sqlite\"\n\n[oura]\nenabled = true\n"

func newOperator(t *testing.T) (*Operator, *keystore.Store) {
	t.Helper()
	ks, err := keystore.Open(context.Background(), keystore.Options{StateDir: filepath.Join(t.TempDir(), "state")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ks.Close() })
	return NewOperator(ks), ks
}

// userFiles writes a config file and a credentials database the way the
// sync client leaves them after onboarding.
func userFiles(t *testing.T) bundle.Paths {
	t.Helper()
	dir := t.TempDir()
	p := bundle.Paths{
		Config:      filepath.Join(dir, bundle.ConfigName),
		Credentials: filepath.Join(dir, bundle.CredentialsName),
	}
	require.NoError(t, os.WriteFile(p.Config, []byte(userConfig), 0o600))
	db, err := sql.Open("sqlite", p.Credentials)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE oauth_tokens (provider TEXT PRIMARY KEY, access_token TEXT NOT NULL, refresh_token TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO oauth_tokens VALUES ('oura', 'access', 'refresh')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	return p
}

func operatorTargets(t *testing.T) []importer.Target {
	dir := t.TempDir()
	return importer.DefaultTargets(filepath.Join(dir, bundle.ConfigName), filepath.Join(dir, bundle.CredentialsName))
}

func runUser(t *testing.T, tok string) string {
	t.Helper()
	out := filepath.Join(t.TempDir(), "reply"+archive.Extension)
	res, err := Run(context.Background(), RunRequest{Token: tok, Paths: userFiles(t), Out: out})
	require.NoError(t, err)
	require.Equal(t, out, res.ArchivePath)
	return out
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	op, ks := newOperator(t)

	boot, err := op.Bootstrap(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(boot.Token, token.Prefix))
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), boot.ExpiresAt, time.Minute)

	paths := userFiles(t)
	out := filepath.Join(t.TempDir(), "reply"+archive.Extension)
	runRes, err := Run(ctx, RunRequest{Token: boot.Token, Paths: paths, Out: out})
	require.NoError(t, err)
	assert.Equal(t, []string{bundle.ConfigName, bundle.CredentialsName}, runRes.Files)
	assert.Equal(t, boot.SessionID, runRes.SessionID)

	targets := operatorTargets(t)
	previous := []byte("[app]\nold = true\n")
	require.NoError(t, os.WriteFile(targets[0].Path, previous, 0o600))

	fin, err := op.Finish(ctx, FinishRequest{Ref: boot.Token, ArchivePath: out, Targets: targets})
	require.NoError(t, err)
	assert.Equal(t, bootstrap.StateConsumed, fin.Session.State)
	assert.Equal(t, 2, fin.Import.Written())

	got, err := os.ReadFile(targets[0].Path)
	require.NoError(t, err)
	assert.Equal(t, userConfig, string(got))
	wantCreds, err := os.ReadFile(paths.Credentials)
	require.NoError(t, err)
	gotCreds, err := os.ReadFile(targets[1].Path)
	require.NoError(t, err)
	assert.Equal(t, wantCreds, gotCreds)

	backup := fin.Import.Targets[0].Backup
	require.NotEmpty(t, backup)
	backupData, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Equal(t, previous, backupData)

	assert.False(t, ks.HasKey(boot.KeyID), "key of consumed session should be destroyed")
	_, err = os.Stat(out)
	assert.NoError(t, err, "archive kept without --remove-archive")

	_, err = op.Finish(ctx, FinishRequest{Ref: boot.Token, ArchivePath: out, Targets: targets})
	assert.ErrorIs(t, err, bootstrap.ErrAlreadyConsumed)
	got, err = os.ReadFile(targets[0].Path)
	require.NoError(t, err)
	assert.Equal(t, userConfig, string(got), "second finish must not touch targets")
	backups, err := importer.Backups(targets[0].Path)
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	entries, err := ks.DB().GetAllAuditLogEntries(ctx)
	require.NoError(t, err)
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, bootstrap.ActionSessionCreated)
	assert.Contains(t, actions, bootstrap.ActionSessionConsumed)
}

func TestFinishResolvesSessionFromArchive(t *testing.T) {
	ctx := context.Background()
	op, _ := newOperator(t)
	boot, err := op.Bootstrap(ctx, time.Hour)
	require.NoError(t, err)
	out := runUser(t, boot.Token)

	fin, err := op.Finish(ctx, FinishRequest{ArchivePath: out, Targets: operatorTargets(t), RemoveArchive: true})
	require.NoError(t, err)
	assert.Equal(t, boot.SessionID, fin.Session.ID)
	assert.True(t, fin.ArchiveRemoved)
	_, err = os.Stat(out)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFinishExpiredSessionNeverDecrypts(t *testing.T) {
	ctx := context.Background()
	op, ks := newOperator(t)
	boot, err := op.Bootstrap(ctx, 0)
	require.NoError(t, err)

	sess, err := ks.Lookup(ctx, boot.SessionID)
	require.NoError(t, err)
	assert.Equal(t, bootstrap.StateExpired, sess.State)

	_, err = Run(ctx, RunRequest{Token: boot.Token, Paths: userFiles(t), Out: filepath.Join(t.TempDir(), "x")})
	assert.ErrorIs(t, err, bootstrap.ErrExpiredSession)

	// The archive path does not exist: an expired session must fail before
	// the archive is even read.
	_, err = op.Finish(ctx, FinishRequest{Ref: boot.Token, ArchivePath: filepath.Join(t.TempDir(), "missing"), Targets: operatorTargets(t)})
	assert.ErrorIs(t, err, bootstrap.ErrExpiredSession)
	var pe *bootstrap.PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, bootstrap.PhaseFinish, pe.Phase)
}

func TestConcurrentFinishWritesOnce(t *testing.T) {
	ctx := context.Background()
	op, _ := newOperator(t)
	boot, err := op.Bootstrap(ctx, time.Hour)
	require.NoError(t, err)
	out := runUser(t, boot.Token)

	targets := operatorTargets(t)
	for _, tg := range targets {
		require.NoError(t, os.WriteFile(tg.Path, []byte("previous "+string(tg.Role)), 0o600))
	}

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = op.Finish(ctx, FinishRequest{Ref: boot.SessionID, ArchivePath: out, Targets: targets})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, bootstrap.ErrAlreadyConsumed)
	}
	assert.Equal(t, 1, ok)
	for _, tg := range targets {
		backups, err := importer.Backups(tg.Path)
		require.NoError(t, err)
		assert.Len(t, backups, 1, "target %s written more than once", tg.Path)
	}
}

func TestFinishPartialFailureCanBeRetried(t *testing.T) {
	ctx := context.Background()
	op, ks := newOperator(t)
	boot, err := op.Bootstrap(ctx, time.Hour)
	require.NoError(t, err)
	out := runUser(t, boot.Token)

	targets := operatorTargets(t)
	require.NoError(t, os.Mkdir(targets[1].Path, 0o700))

	_, err = op.Finish(ctx, FinishRequest{Ref: boot.Token, ArchivePath: out, Targets: targets})
	require.Error(t, err)
	assert.ErrorIs(t, err, bootstrap.ErrPartialImportFailure)
	var pie *importer.PartialImportError
	require.ErrorAs(t, err, &pie)
	var pe *bootstrap.PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, bootstrap.SessionSubject(boot.SessionID), pe.Subject)

	sess, err := ks.Lookup(ctx, boot.SessionID)
	require.NoError(t, err)
	assert.Equal(t, bootstrap.StatePending, sess.State)
	assert.True(t, sess.ClaimedUntil.IsZero(), "failed finish must release its claim")
	assert.True(t, ks.HasKey(boot.KeyID))

	require.NoError(t, os.Remove(targets[1].Path))
	fin, err := op.Finish(ctx, FinishRequest{Ref: boot.Token, ArchivePath: out, Targets: targets})
	require.NoError(t, err)
	assert.Equal(t, 2, fin.Import.Written())
}

func TestFinishRejectsArchiveForOtherSession(t *testing.T) {
	ctx := context.Background()
	op, _ := newOperator(t)
	a, err := op.Bootstrap(ctx, time.Hour)
	require.NoError(t, err)
	b, err := op.Bootstrap(ctx, time.Hour)
	require.NoError(t, err)
	out := runUser(t, a.Token)

	_, err = op.Finish(ctx, FinishRequest{Ref: b.Token, ArchivePath: out, Targets: operatorTargets(t)})
	assert.ErrorIs(t, err, bootstrap.ErrIntegrityFailure)

	sessions, err := op.ListSessions(ctx)
	require.NoError(t, err)
	for _, s := range sessions {
		assert.Equal(t, bootstrap.StatePending, s.State)
	}
}

func TestFinishTamperedArchive(t *testing.T) {
	ctx := context.Background()
	op, ks := newOperator(t)
	boot, err := op.Bootstrap(ctx, time.Hour)
	require.NoError(t, err)
	out := runUser(t, boot.Token)

	a, err := archive.ReadFile(out)
	require.NoError(t, err)
	a.Ciphertext[len(a.Ciphertext)/2] ^= 0x01
	require.NoError(t, archive.WriteFile(out, a))

	targets := operatorTargets(t)
	_, err = op.Finish(ctx, FinishRequest{Ref: boot.Token, ArchivePath: out, Targets: targets})
	assert.ErrorIs(t, err, bootstrap.ErrIntegrityFailure)
	_, statErr := os.Stat(targets[0].Path)
	assert.ErrorIs(t, statErr, os.ErrNotExist)

	sess, err := ks.Lookup(ctx, boot.SessionID)
	require.NoError(t, err)
	assert.Equal(t, bootstrap.StatePending, sess.State)
}

func TestFinishRejectsMutatedToken(t *testing.T) {
	ctx := context.Background()
	op, ks := newOperator(t)
	boot, err := op.Bootstrap(ctx, time.Hour)
	require.NoError(t, err)
	out := runUser(t, boot.Token)

	mut := []byte(boot.Token)
	i := len(token.Prefix) + 10
	if mut[i] == 'A' {
		mut[i] = 'B'
	} else {
		mut[i] = 'A'
	}
	_, err = op.Finish(ctx, FinishRequest{Ref: string(mut), ArchivePath: out, Targets: operatorTargets(t)})
	assert.ErrorIs(t, err, bootstrap.ErrIntegrityFailure)

	sess, err := ks.Lookup(ctx, boot.SessionID)
	require.NoError(t, err)
	assert.Equal(t, bootstrap.StatePending, sess.State)
}

func TestRunRejectsGarbageToken(t *testing.T) {
	out := filepath.Join(t.TempDir(), "reply"+archive.Extension)
	_, err := Run(context.Background(), RunRequest{Token: token.Prefix + "not-a-token", Paths: userFiles(t), Out: out})
	assert.ErrorIs(t, err, bootstrap.ErrIntegrityFailure)
	_, statErr := os.Stat(out)
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestRunPurgePlaintext(t *testing.T) {
	ctx := context.Background()
	op, _ := newOperator(t)
	boot, err := op.Bootstrap(ctx, time.Hour)
	require.NoError(t, err)

	paths := userFiles(t)
	res, err := Run(ctx, RunRequest{Token: boot.Token, Paths: paths, Out: filepath.Join(t.TempDir(), "a"+archive.Extension), PurgePlaintext: true})
	require.NoError(t, err)
	assert.Contains(t, res.Purged, paths.Config)
	assert.Contains(t, res.Purged, paths.Credentials)
	for _, p := range []string{paths.Config, paths.Credentials} {
		_, err := os.Stat(p)
		assert.ErrorIs(t, err, os.ErrNotExist)
	}
}

func TestPurgeAndList(t *testing.T) {
	ctx := context.Background()
	op, _ := newOperator(t)
	_, err := op.Bootstrap(ctx, 0)
	require.NoError(t, err)
	live, err := op.Bootstrap(ctx, time.Hour)
	require.NoError(t, err)

	removed, err := op.Purge(ctx, false)
	require.NoError(t, err)
	assert.Len(t, removed, 1)
	sessions, err := op.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, live.SessionID, sessions[0].ID)
}

func TestDefaultArchiveName(t *testing.T) {
	assert.Equal(t, "health-sync-remote-6f1c1f39"+archive.Extension, DefaultArchiveName("6f1c1f39-1e58-4d56-9d1d-0a4f3b8f5b10"))
	assert.Equal(t, "health-sync-remote-ab"+archive.Extension, DefaultArchiveName("ab"))
}
