// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

// Command health-sync is the health-sync command line.
//
// Usage:
//
//	go run . [flags]
//	./health-sync remote bootstrap
//
// See --help for the available commands.
package main

import (
	"os"

	"github.com/health-sync/health-sync/internal/logging"
	"github.com/health-sync/health-sync/ui/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		logging.Errorf("%v", err)
		os.Exit(cli.ExitCode(err))
	}
}
