// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

// Package cli implements the health-sync command line using Cobra. Commands
// load configuration, open the session store when they need it and delegate
// the protocol work to internal/core.
package cli
