// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

package importer

import (
	"bytes"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/health-sync/health-sync/internal/bootstrap"
	"github.com/health-sync/health-sync/internal/bundle"
)

func credentialsDB(t *testing.T, table string) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src.sqlite")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`CREATE TABLE ` + table + ` (provider TEXT PRIMARY KEY, access_token TEXT, refresh_token TEXT)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO ` + table + ` VALUES ('oura', 'a', 'r')`); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func testBundle(t *testing.T, config string) *bundle.Bundle {
	return &bundle.Bundle{Files: []bundle.File{
		{Name: bundle.ConfigName, Role: bundle.RoleConfig, Mode: 0o600, Data: []byte(config)},
		{Name: bundle.CredentialsName, Role: bundle.RoleCredentials, Mode: 0o600, Data: credentialsDB(t, "oauth_tokens")},
	}}
}

func targetsIn(dir string) []Target {
	return DefaultTargets(filepath.Join(dir, bundle.ConfigName), filepath.Join(dir, bundle.CredentialsName))
}

type stepClock struct{ t time.Time }

func (c *stepClock) Now() time.Time { return c.t }

func TestWriteFreshTargets(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	b := testBundle(t, "a = 1\n")
	res, err := New().Write(targetsIn(dir), b)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if res.Written() != 2 {
		t.Fatalf("written = %d, want 2", res.Written())
	}
	for i, r := range res.Targets {
		if r.Backup != "" {
			t.Fatalf("target %d has unexpected backup %s", i, r.Backup)
		}
		got, err := os.ReadFile(r.Path)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, b.Files[i].Data) {
			t.Fatalf("target %s content mismatch", r.Path)
		}
		info, _ := os.Stat(r.Path)
		if info.Mode().Perm() != 0o600 {
			t.Fatalf("target %s mode %o", r.Path, info.Mode().Perm())
		}
	}
}

func TestWriteBacksUpExisting(t *testing.T) {
	dir := t.TempDir()
	targets := targetsIn(dir)
	original := []byte("old = true\n")
	if err := os.WriteFile(targets[0].Path, original, 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := New().Write(targets, testBundle(t, "new = true\n"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	cfg := res.Targets[0]
	if cfg.Status != StatusWritten || cfg.Backup == "" {
		t.Fatalf("config result %+v", cfg)
	}
	backup, err := os.ReadFile(cfg.Backup)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(backup, original) {
		t.Fatalf("backup content %q, want %q", backup, original)
	}
	current, _ := os.ReadFile(targets[0].Path)
	if string(current) != "new = true\n" {
		t.Fatalf("target content %q", current)
	}
}

func TestWriteSkipsIdentical(t *testing.T) {
	dir := t.TempDir()
	targets := targetsIn(dir)
	b := testBundle(t, "same = 1\n")
	m := New()
	if _, err := m.Write(targets, b); err != nil {
		t.Fatal(err)
	}
	res, err := m.Write(targets, b)
	if err != nil {
		t.Fatalf("second Write: %v", err)
	}
	for _, r := range res.Targets {
		if r.Status != StatusUnchanged || r.Backup != "" {
			t.Fatalf("identical target rewritten: %+v", r)
		}
	}
	backups, _ := Backups(targets[0].Path)
	if len(backups) != 0 {
		t.Fatalf("unexpected backups %v", backups)
	}
}

func TestBackupsAreMonotonic(t *testing.T) {
	dir := t.TempDir()
	targets := targetsIn(dir)[:1]
	clock := &stepClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := New(WithClock(clock))
	var contents [][]byte
	for i := 0; i < 4; i++ {
		content := []byte(strings.Repeat("x", i+1) + " = 1\n")
		b := testBundle(t, string(content))
		if _, err := m.Write(targets, b); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		contents = append(contents, content)
		if i == 2 {
			// clock going backwards must not produce an older backup name
			clock.t = clock.t.Add(-time.Hour)
		}
	}
	backups, err := Backups(targets[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 3 {
		t.Fatalf("got %d backups, want 3: %v", len(backups), backups)
	}
	var prev time.Time
	for i, name := range backups {
		ts, ok := backupTime(targets[0].Path, name)
		if !ok {
			t.Fatalf("unparseable backup %s", name)
		}
		if i > 0 && !ts.After(prev) {
			t.Fatalf("backup %s not later than previous %s", ts, prev)
		}
		prev = ts
		data, _ := os.ReadFile(name)
		if !bytes.Equal(data, contents[i]) {
			t.Fatalf("backup %d = %q, want %q", i, data, contents[i])
		}
	}
}

func TestWriteRejectsCredentialsWithoutTokensTable(t *testing.T) {
	dir := t.TempDir()
	targets := targetsIn(dir)
	b := testBundle(t, "a = 1\n")
	b.Files[1].Data = credentialsDB(t, "something_else")
	_, err := New().Write(targets, b)
	if !errors.Is(err, bootstrap.ErrPartialImportFailure) || !errors.Is(err, bootstrap.ErrMalformedBundle) {
		t.Fatalf("Write = %v", err)
	}
	if _, serr := os.Stat(targets[0].Path); !errors.Is(serr, os.ErrNotExist) {
		t.Fatal("config written although credentials were rejected")
	}
	assertNoStagedFiles(t, dir)
}

func TestPartialFailureThenRetry(t *testing.T) {
	dir := t.TempDir()
	targets := targetsIn(dir)
	// a directory in place of the credentials file makes that target fail
	if err := os.Mkdir(targets[1].Path, 0o700); err != nil {
		t.Fatal(err)
	}
	b := testBundle(t, "a = 1\n")
	_, err := New().Write(targets, b)
	var pe *PartialImportError
	if !errors.As(err, &pe) {
		t.Fatalf("Write = %v, want *PartialImportError", err)
	}
	if !errors.Is(err, bootstrap.ErrPartialImportFailure) {
		t.Fatal("partial import error does not match sentinel")
	}
	if pe.Results[0].Status != StatusNotAttempted || pe.Results[1].Status != StatusFailed {
		t.Fatalf("statuses %+v", pe.Results)
	}
	if !strings.Contains(err.Error(), targets[1].Path) {
		t.Fatalf("error %q does not name failing target", err)
	}
	assertNoStagedFiles(t, dir)

	if err := os.Remove(targets[1].Path); err != nil {
		t.Fatal(err)
	}
	res, err := New().Write(targets, b)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Written() != 2 {
		t.Fatalf("retry wrote %d targets", res.Written())
	}
}

func TestInstallFailureReportsWrittenTargets(t *testing.T) {
	dir := t.TempDir()
	targets := targetsIn(dir)
	oldConfig := []byte("old = true\n")
	oldCreds := credentialsDB(t, "oauth_tokens")
	if err := os.WriteFile(targets[0].Path, oldConfig, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(targets[1].Path, oldCreds, 0o600); err != nil {
		t.Fatal(err)
	}
	b := testBundle(t, "new = true\n")

	m := New(WithClock(&stepClock{t: time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)}))
	errDiskFull := errors.New("no space left on device")
	m.rename = func(oldpath, newpath string) error {
		if newpath == targets[1].Path {
			return errDiskFull
		}
		return os.Rename(oldpath, newpath)
	}
	_, err := m.Write(targets, b)
	var pe *PartialImportError
	if !errors.As(err, &pe) {
		t.Fatalf("Write = %v, want *PartialImportError", err)
	}
	if !errors.Is(err, errDiskFull) {
		t.Fatalf("cause lost: %v", err)
	}
	written, failed := pe.Results[0], pe.Results[1]
	if written.Status != StatusWritten || failed.Status != StatusFailed {
		t.Fatalf("statuses %s, %s", written.Status, failed.Status)
	}
	got, err := os.ReadFile(targets[0].Path)
	if err != nil || !bytes.Equal(got, b.Files[0].Data) {
		t.Fatalf("config target = %q, %v", got, err)
	}
	backup, err := os.ReadFile(written.Backup)
	if err != nil || !bytes.Equal(backup, oldConfig) {
		t.Fatalf("config backup = %q, %v", backup, err)
	}
	got, err = os.ReadFile(targets[1].Path)
	if err != nil || !bytes.Equal(got, oldCreds) {
		t.Fatal("failed target must keep its previous content")
	}
	assertNoStagedFiles(t, dir)

	m.rename = os.Rename
	res, err := m.Write(targets, b)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Targets[0].Status != StatusUnchanged || res.Targets[1].Status != StatusWritten {
		t.Fatalf("retry statuses %s, %s", res.Targets[0].Status, res.Targets[1].Status)
	}
	backups, err := Backups(targets[0].Path)
	if err != nil || len(backups) != 1 {
		t.Fatalf("config backups after retry = %v, %v", backups, err)
	}
}

func TestStagedCheckOverride(t *testing.T) {
	b := testBundle(t, "a = 1\n")
	b.Files[1].Data = credentialsDB(t, "something_else")

	dir := t.TempDir()
	res, err := New(WithStagedCheck(bundle.RoleCredentials, nil)).Write(targetsIn(dir), b)
	if err != nil {
		t.Fatalf("disabled check: %v", err)
	}
	if res.Written() != 2 {
		t.Fatalf("wrote %d targets", res.Written())
	}

	errRejected := errors.New("rejected")
	reject := WithStagedCheck(bundle.RoleConfig, func(string) error { return errRejected })
	dir = t.TempDir()
	_, err = New(reject).Write(targetsIn(dir), testBundle(t, "a = 1\n"))
	if !errors.Is(err, bootstrap.ErrMalformedBundle) {
		t.Fatalf("config check: %v", err)
	}
	assertNoStagedFiles(t, dir)
}

func TestValidateTargets(t *testing.T) {
	b := testBundle(t, "a = 1\n")
	m := New()
	if err := m.Validate(b, nil); !errors.Is(err, bootstrap.ErrMalformedBundle) {
		t.Fatalf("no targets: %v", err)
	}
	dup := []Target{{Role: bundle.RoleConfig, Path: "x"}, {Role: bundle.RoleCredentials, Path: "x"}}
	if err := m.Validate(b, dup); !errors.Is(err, bootstrap.ErrMalformedBundle) {
		t.Fatalf("duplicate targets: %v", err)
	}
	if err := m.Validate(b, []Target{{Role: "other", Path: "y"}}); !errors.Is(err, bootstrap.ErrMalformedBundle) {
		t.Fatalf("unknown role target: %v", err)
	}
}

func assertNoStagedFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".import-") {
			t.Fatalf("staged file left behind: %s", e.Name())
		}
	}
}
