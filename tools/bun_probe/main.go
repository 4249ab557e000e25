//go:build tools_probe

// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

// bun_probe opens a session database, applies migrations and prints the
// number of stored sessions. Build with -tags tools_probe.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/health-sync/health-sync/internal/db"
)

func main() {
	dbType := flag.String("type", db.TypeSQLite, "database type (sqlite, postgres, mysql)")
	dsn := flag.String("dsn", "", "database DSN")
	flag.Parse()
	if *dsn == "" {
		fmt.Fprintln(os.Stderr, "bun_probe: -dsn is required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := db.Open(ctx, *dbType, *dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bun_probe: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	sessions, err := store.ListBootstrapSessions(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bun_probe: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("bun_probe: %s ok, %d session(s)\n", store, len(sessions))
}
