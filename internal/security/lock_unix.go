// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

//go:build unix

package security

import "golang.org/x/sys/unix"

// lock pins the secret's pages in RAM so they are not written to swap.
// Failure is not fatal: RLIMIT_MEMLOCK is often tiny for unprivileged users.
func lock(s Secret) func() {
	if len(s) == 0 {
		return func() {}
	}
	if err := unix.Mlock(s); err != nil {
		return func() {}
	}
	return func() { _ = unix.Munlock(s) }
}
