// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

// Package model holds the plain records persisted by the operator's session
// store. They carry no behaviour; state derivation lives in package bootstrap.
package model

import (
	"fmt"
	"time"
)

// Stored session statuses. "expired" is never written: it is derived from
// ExpiresAt whenever a pending row is read.
const (
	SessionStatusPending  = "pending"
	SessionStatusConsumed = "consumed"
)

// BootstrapSession is the persisted form of a remote bootstrap session. The
// private key never appears here; it lives in the key directory under KeyID.
type BootstrapSession struct {
	ID             string
	KeyID          string
	PublicKey      string
	Fingerprint    string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Status         string
	ConsumedAt     time.Time // zero while pending
	ClaimID        string    // empty when unclaimed
	ClaimExpiresAt time.Time
}

// String returns a short identifier suitable for log lines.
func (s BootstrapSession) String() string {
	return fmt.Sprintf("%s (key %s)", s.ID, s.KeyID)
}

// AuditLogEntry is a single row of the operator audit trail.
type AuditLogEntry struct {
	ID        int
	Timestamp time.Time
	Username  string
	Action    string
	Details   string
}
