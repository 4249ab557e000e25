// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"path/filepath"
	"testing"
)

// newTestStore opens a file-backed SQLite store in a temp dir and closes it
// when the test ends.
func newTestStore(t *testing.T) (*BunStore, string) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "sessions.db")
	s, err := Open(context.Background(), TypeSQLite, dsn)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, dsn
}
