// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/health-sync/health-sync/internal/model"
)

// DefaultClaimLease bounds how long a crashed finish can block a session.
const DefaultClaimLease = 10 * time.Minute

// SessionStore is the persistence the registry needs. The Claim and Consume
// methods must be single compare-and-set statements and report whether the
// row was changed.
type SessionStore interface {
	SaveBootstrapSession(ctx context.Context, s model.BootstrapSession) error
	GetBootstrapSession(ctx context.Context, id string) (*model.BootstrapSession, error)
	GetBootstrapSessionByKeyID(ctx context.Context, keyID string) (*model.BootstrapSession, error)
	ListBootstrapSessions(ctx context.Context) ([]model.BootstrapSession, error)
	ClaimBootstrapSession(ctx context.Context, id, claimID string, now, leaseUntil time.Time) (bool, error)
	ReleaseBootstrapSessionClaim(ctx context.Context, id, claimID string) error
	ConsumeBootstrapSession(ctx context.Context, id, claimID string, now time.Time) (bool, error)
	DeleteBootstrapSessions(ctx context.Context, ids []string) (int, error)
}

// Registry tracks session state and enforces one-time consumption.
type Registry struct {
	store SessionStore
	audit AuditWriter
	clock Clock
	lease time.Duration
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithClock sets the clock used for expiry and claim leases.
func WithClock(c Clock) RegistryOption {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithAuditWriter sets the audit sink. The default discards events.
func WithAuditWriter(w AuditWriter) RegistryOption {
	return func(r *Registry) {
		if w != nil {
			r.audit = w
		}
	}
}

// WithClaimLease overrides DefaultClaimLease.
func WithClaimLease(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.lease = d
		}
	}
}

// NewRegistry returns a Registry backed by store.
func NewRegistry(store SessionStore, opts ...RegistryOption) *Registry {
	r := &Registry{
		store: store,
		audit: nopAuditWriter{},
		clock: SystemClock{},
		lease: DefaultClaimLease,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now returns the registry clock's current time.
func (r *Registry) Now() time.Time { return r.clock.Now() }

// Create persists a new pending session.
func (r *Registry) Create(ctx context.Context, m model.BootstrapSession) (*Session, error) {
	m.Status = model.SessionStatusPending
	m.ClaimID = ""
	m.ConsumedAt = time.Time{}
	m.ClaimExpiresAt = time.Time{}
	if err := r.store.SaveBootstrapSession(ctx, m); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	_ = r.audit.LogAction(ctx, ActionSessionCreated, fmt.Sprintf("session: %s, key: %s, expires: %s", m.ID, m.KeyID, m.ExpiresAt.UTC().Format(time.RFC3339)))
	return sessionFromModel(&m, r.clock.Now()), nil
}

// Get resolves a session by ID.
func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	m, err := r.store.GetBootstrapSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrUnknownSession
	}
	return sessionFromModel(m, r.clock.Now()), nil
}

// GetByKeyID resolves a session by the ID of its key pair.
func (r *Registry) GetByKeyID(ctx context.Context, keyID string) (*Session, error) {
	m, err := r.store.GetBootstrapSessionByKeyID(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrUnknownSession
	}
	return sessionFromModel(m, r.clock.Now()), nil
}

// List returns every stored session, newest first.
func (r *Registry) List(ctx context.Context) ([]*Session, error) {
	rows, err := r.store.ListBootstrapSessions(ctx)
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()
	out := make([]*Session, 0, len(rows))
	for i := range rows {
		out = append(out, sessionFromModel(&rows[i], now))
	}
	return out, nil
}

// Claim takes exclusive hold of a pending session for one finish attempt.
// Exactly one concurrent caller succeeds; the others get ErrAlreadyConsumed,
// or ErrExpiredSession/ErrUnknownSession when that is why the CAS failed.
func (r *Registry) Claim(ctx context.Context, id string) (string, error) {
	claimID := uuid.NewString()
	now := r.clock.Now()
	ok, err := r.store.ClaimBootstrapSession(ctx, id, claimID, now, now.Add(r.lease))
	if err != nil {
		return "", fmt.Errorf("claim session: %w", err)
	}
	if ok {
		return claimID, nil
	}
	s, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if serr := s.Err(); serr != nil {
		return "", serr
	}
	return "", fmt.Errorf("%w: held by a concurrent finish until %s", ErrAlreadyConsumed, s.ClaimedUntil.UTC().Format(time.RFC3339))
}

// Release drops a claim without consuming the session.
func (r *Registry) Release(ctx context.Context, id, claimID string) error {
	return r.store.ReleaseBootstrapSessionClaim(ctx, id, claimID)
}

// Commit marks a claimed session consumed. It fails if the claim was lost,
// for example because the lease ran out and another finish took over.
func (r *Registry) Commit(ctx context.Context, id, claimID string) error {
	ok, err := r.store.ConsumeBootstrapSession(ctx, id, claimID, r.clock.Now())
	if err != nil {
		return fmt.Errorf("consume session: %w", err)
	}
	if !ok {
		s, gerr := r.Get(ctx, id)
		if gerr != nil {
			return gerr
		}
		if serr := s.Err(); serr != nil {
			return serr
		}
		return fmt.Errorf("%w: claim lost", ErrAlreadyConsumed)
	}
	_ = r.audit.LogAction(ctx, ActionSessionConsumed, "session: "+id)
	return nil
}

// MarkConsumed atomically moves a pending session to consumed. Under
// concurrent callers only one observes success.
func (r *Registry) MarkConsumed(ctx context.Context, id string) error {
	claimID, err := r.Claim(ctx, id)
	if err != nil {
		return err
	}
	return r.Commit(ctx, id, claimID)
}

// Purge deletes expired sessions, and consumed ones when includeConsumed is
// set. It returns the sessions removed so callers can drop their key files.
func (r *Registry) Purge(ctx context.Context, includeConsumed bool) ([]*Session, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var victims []*Session
	var ids []string
	for _, s := range all {
		if s.State == StateExpired || (includeConsumed && s.State == StateConsumed) {
			victims = append(victims, s)
			ids = append(ids, s.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := r.store.DeleteBootstrapSessions(ctx, ids); err != nil {
		return nil, fmt.Errorf("delete sessions: %w", err)
	}
	for _, s := range victims {
		_ = r.audit.LogAction(ctx, ActionSessionPurged, fmt.Sprintf("session: %s, state: %s", s.ID, s.State))
	}
	return victims, nil
}
