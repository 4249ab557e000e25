// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

// Package bootstrap models remote bootstrap sessions and their lifecycle.
//
// A session starts pending and ends either consumed (set exactly once by a
// successful finish) or expired (derived from ExpiresAt at read time, never
// by a timer). The Registry enforces one-time consumption with
// compare-and-set updates in the backing store: a finish first claims the
// session, performs its import, and only then commits the claim. Failed
// imports release the claim so the same archive can be retried.
//
// The package also defines the error taxonomy shared by the token, archive,
// importer and keystore packages, and PhaseError, which tags an error with
// the protocol phase and the session or file it concerns.
package bootstrap
