// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os/user"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/health-sync/health-sync/internal/model"
)

// BunStore persists bootstrap sessions and audit entries. All state changes
// to a session are single conditional UPDATE statements, so concurrent
// callers in this or other processes are serialised by the database.
type BunStore struct {
	bun    *bun.DB
	dbType string
}

// DB exposes the underlying bun handle for maintenance tooling and tests.
func (s *BunStore) DB() *bun.DB { return s.bun }

// Type returns the database type the store was opened with.
func (s *BunStore) Type() string { return s.dbType }

// Close releases the connection pool.
func (s *BunStore) Close() error { return s.bun.Close() }

// SaveBootstrapSession inserts a new session row.
func (s *BunStore) SaveBootstrapSession(ctx context.Context, bs model.BootstrapSession) error {
	m := bootstrapSessionToModel(bs)
	_, err := s.bun.NewInsert().Model(&m).Exec(ctx)
	return MapDBError(err)
}

// GetBootstrapSession returns the session with id, or (nil, nil).
func (s *BunStore) GetBootstrapSession(ctx context.Context, id string) (*model.BootstrapSession, error) {
	return s.getBootstrapSession(ctx, "id = ?", id)
}

// GetBootstrapSessionByKeyID returns the session owning keyID, or (nil, nil).
func (s *BunStore) GetBootstrapSessionByKeyID(ctx context.Context, keyID string) (*model.BootstrapSession, error) {
	return s.getBootstrapSession(ctx, "key_id = ?", keyID)
}

func (s *BunStore) getBootstrapSession(ctx context.Context, where string, arg any) (*model.BootstrapSession, error) {
	var m BootstrapSessionModel
	err := s.bun.NewSelect().Model(&m).Where(where, arg).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	out := bootstrapSessionModelToModel(m)
	return &out, nil
}

// ListBootstrapSessions returns every session, newest first.
func (s *BunStore) ListBootstrapSessions(ctx context.Context) ([]model.BootstrapSession, error) {
	var ms []BootstrapSessionModel
	if err := s.bun.NewSelect().Model(&ms).OrderExpr("created_at DESC, id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.BootstrapSession, 0, len(ms))
	for _, m := range ms {
		out = append(out, bootstrapSessionModelToModel(m))
	}
	return out, nil
}

// ClaimBootstrapSession sets claimID on a pending, unexpired session that is
// not held by a live claim. It reports whether the row was taken.
func (s *BunStore) ClaimBootstrapSession(ctx context.Context, id, claimID string, now, leaseUntil time.Time) (bool, error) {
	ts := now.UnixNano()
	res, err := s.bun.NewUpdate().
		Model((*BootstrapSessionModel)(nil)).
		Set("claim_id = ?", claimID).
		Set("claim_expires_at = ?", leaseUntil.UnixNano()).
		Where("id = ?", id).
		Where("status = ?", model.SessionStatusPending).
		Where("expires_at > ?", ts).
		WhereGroup(" AND ", func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.Where("claim_id = ''").WhereOr("claim_expires_at <= ?", ts)
		}).
		Exec(ctx)
	return affectedOne(res, err)
}

// ReleaseBootstrapSessionClaim clears claimID from a still pending session.
// Releasing a claim that was already lost is not an error.
func (s *BunStore) ReleaseBootstrapSessionClaim(ctx context.Context, id, claimID string) error {
	_, err := s.bun.NewUpdate().
		Model((*BootstrapSessionModel)(nil)).
		Set("claim_id = ''").
		Set("claim_expires_at = 0").
		Where("id = ?", id).
		Where("status = ?", model.SessionStatusPending).
		Where("claim_id = ?", claimID).
		Exec(ctx)
	return err
}

// ConsumeBootstrapSession moves a session held by claimID to consumed.
func (s *BunStore) ConsumeBootstrapSession(ctx context.Context, id, claimID string, now time.Time) (bool, error) {
	res, err := s.bun.NewUpdate().
		Model((*BootstrapSessionModel)(nil)).
		Set("status = ?", model.SessionStatusConsumed).
		Set("consumed_at = ?", now.UnixNano()).
		Set("claim_id = ''").
		Set("claim_expires_at = 0").
		Where("id = ?", id).
		Where("status = ?", model.SessionStatusPending).
		Where("claim_id = ?", claimID).
		Exec(ctx)
	return affectedOne(res, err)
}

// DeleteBootstrapSessions removes the sessions with the given IDs.
func (s *BunStore) DeleteBootstrapSessions(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.bun.NewDelete().
		Model((*BootstrapSessionModel)(nil)).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// LogAction records an audit trail event attributed to the current OS user.
func (s *BunStore) LogAction(ctx context.Context, action, details string) error {
	_, err := ExecRaw(ctx, s.bun, "INSERT INTO audit_log (timestamp, username, action, details) VALUES (?, ?, ?, ?)",
		time.Now().UnixNano(), currentUsername(), action, details)
	return MapDBError(err)
}

// GetAllAuditLogEntries returns the audit trail, most recent first.
func (s *BunStore) GetAllAuditLogEntries(ctx context.Context) ([]model.AuditLogEntry, error) {
	var am []AuditLogModel
	if err := s.bun.NewSelect().Model(&am).OrderExpr("timestamp DESC, id DESC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.AuditLogEntry, 0, len(am))
	for _, a := range am {
		out = append(out, auditLogModelToModel(a))
	}
	return out, nil
}

func currentUsername() string {
	u, err := user.Current()
	if err != nil {
		return "unknown"
	}
	// strip a Windows DOMAIN\ prefix
	if parts := strings.Split(u.Username, `\`); len(parts) > 1 {
		return parts[1]
	}
	return u.Username
}

// String describes the store for log lines.
func (s *BunStore) String() string { return fmt.Sprintf("db(%s)", s.dbType) }
