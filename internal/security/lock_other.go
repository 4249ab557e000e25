// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

//go:build !unix

package security

func lock(Secret) func() { return func() {} }
