// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.
//
// Package security provides lightweight secret handling helpers used to keep
// sensitive data (age identities, decrypted credential files) in redacting
// wrappers and to scope their lifetime to a single call.
package security
