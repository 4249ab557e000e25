// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

package bundle

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"

	_ "modernc.org/sqlite"
)

// walMode reports whether the SQLite header at path declares WAL journaling.
func walMode(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()
	hdr := make([]byte, sqliteHeaderSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		// too short to be a database; Validate reports it
		return false, nil
	}
	return string(hdr[:len(sqliteMagic)]) == sqliteMagic && hdr[18] == 2 && hdr[19] == 2, nil
}

// checkpoint folds the write-ahead log of a WAL-mode database back into the
// main file so that reading the file alone yields every committed row.
func checkpoint(path string) error {
	wal, err := walMode(path)
	if err != nil || !wal {
		return err
	}
	u := url.URL{Scheme: "file", Path: path}
	db, err := sql.Open("sqlite", u.String())
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint %s: %w", path, err)
	}
	return nil
}
