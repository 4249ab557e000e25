// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

package importer

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite"
)

// RequiredTables must exist in an imported credentials database.
var RequiredTables = []string{"oauth_tokens"}

// CheckCredentialsDB opens the SQLite database at path read-only and checks
// that it passes a quick integrity check and has every table in
// RequiredTables.
func CheckCredentialsDB(path string) error {
	u := url.URL{Scheme: "file", Path: path, RawQuery: "mode=ro&immutable=1"}
	db, err := sql.Open("sqlite", u.String())
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	var result string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("open credentials database: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("credentials database is corrupt: %s", result)
	}
	for _, table := range RequiredTables {
		var n int
		if err := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n); err != nil {
			return fmt.Errorf("read schema: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("credentials database has no %s table", table)
		}
	}
	return nil
}
