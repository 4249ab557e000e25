// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/health-sync/health-sync/internal/model"
)

// Timestamps are stored as Unix nanoseconds in BIGINT columns so that
// comparisons behave identically on every supported engine. Zero means unset.

// BootstrapSessionModel maps the bootstrap_sessions table.
type BootstrapSessionModel struct {
	bun.BaseModel  `bun:"table:bootstrap_sessions"`
	ID             string `bun:"id,pk"`
	KeyID          string `bun:"key_id"`
	PublicKey      string `bun:"public_key"`
	Fingerprint    string `bun:"fingerprint"`
	CreatedAt      int64  `bun:"created_at"`
	ExpiresAt      int64  `bun:"expires_at"`
	Status         string `bun:"status"`
	ConsumedAt     int64  `bun:"consumed_at"`
	ClaimID        string `bun:"claim_id"`
	ClaimExpiresAt int64  `bun:"claim_expires_at"`
}

// AuditLogModel maps the audit_log table.
type AuditLogModel struct {
	bun.BaseModel `bun:"table:audit_log"`
	ID            int    `bun:"id,pk,autoincrement"`
	Timestamp     int64  `bun:"timestamp"`
	Username      string `bun:"username"`
	Action        string `bun:"action"`
	Details       string `bun:"details"`
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func bootstrapSessionToModel(s model.BootstrapSession) BootstrapSessionModel {
	return BootstrapSessionModel{
		ID:             s.ID,
		KeyID:          s.KeyID,
		PublicKey:      s.PublicKey,
		Fingerprint:    s.Fingerprint,
		CreatedAt:      toNanos(s.CreatedAt),
		ExpiresAt:      toNanos(s.ExpiresAt),
		Status:         s.Status,
		ConsumedAt:     toNanos(s.ConsumedAt),
		ClaimID:        s.ClaimID,
		ClaimExpiresAt: toNanos(s.ClaimExpiresAt),
	}
}

func bootstrapSessionModelToModel(m BootstrapSessionModel) model.BootstrapSession {
	return model.BootstrapSession{
		ID:          m.ID,
		KeyID:       m.KeyID,
		PublicKey:   m.PublicKey,
		Fingerprint: m.Fingerprint,
		CreatedAt:   fromNanos(m.CreatedAt),
		// a zero-TTL session has ExpiresAt == CreatedAt, never the zero time
		ExpiresAt:      time.Unix(0, m.ExpiresAt).UTC(),
		Status:         m.Status,
		ConsumedAt:     fromNanos(m.ConsumedAt),
		ClaimID:        m.ClaimID,
		ClaimExpiresAt: fromNanos(m.ClaimExpiresAt),
	}
}

func auditLogModelToModel(a AuditLogModel) model.AuditLogEntry {
	return model.AuditLogEntry{
		ID:        a.ID,
		Timestamp: fromNanos(a.Timestamp),
		Username:  a.Username,
		Action:    a.Action,
		Details:   a.Details,
	}
}
