// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

package bootstrap

import (
	"fmt"
	"math"
	"time"

	"github.com/health-sync/health-sync/internal/model"
)

// State is the lifecycle state of a bootstrap session as seen by callers.
type State string

const (
	// StatePending is the initial state; the session can be finished.
	StatePending State = "pending"
	// StateConsumed is terminal and set only by a successful finish.
	StateConsumed State = "consumed"
	// StateExpired is terminal and derived from ExpiresAt at access time.
	StateExpired State = "expired"
)

// DefaultTTL is the session lifetime used when the operator does not pass one.
const DefaultTTL = 24 * time.Hour

// MaxExpiry is the latest expiry the session store can represent; times are
// persisted as Unix nanoseconds.
var MaxExpiry = time.Unix(0, math.MaxInt64).UTC()

// CheckTTL rejects a ttl that is negative or whose expiry, counted from now,
// lies beyond MaxExpiry.
func CheckTTL(now time.Time, ttl time.Duration) error {
	if ttl < 0 {
		return fmt.Errorf("ttl must not be negative, got %s", ttl)
	}
	if exp := now.Add(ttl); exp.After(MaxExpiry) || exp.Before(now) {
		return fmt.Errorf("ttl %s expires after %s", ttl, MaxExpiry.Format(time.RFC3339))
	}
	return nil
}

// Session is a bootstrap session with its state resolved against a clock.
// It never carries private key material.
type Session struct {
	ID          string
	KeyID       string
	PublicKey   string
	Fingerprint string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ConsumedAt  time.Time
	State       State
	// ClaimedUntil is non-zero while a finish holds the session.
	ClaimedUntil time.Time
}

// IsExpired reports whether the session's lifetime has elapsed at now. A
// session is expired from ExpiresAt onwards, so a zero TTL expires at once.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Terminal reports whether the session can no longer be finished.
func (s *Session) Terminal() bool {
	return s.State == StateConsumed || s.State == StateExpired
}

// Err returns the error a finish against this session must fail with, or
// nil for a pending session.
func (s *Session) Err() error {
	switch s.State {
	case StateConsumed:
		return ErrAlreadyConsumed
	case StateExpired:
		return ErrExpiredSession
	}
	return nil
}

// sessionFromModel resolves the stored row into a Session. Consumed wins over
// expired: a session finished before its expiry stays consumed forever.
func sessionFromModel(m *model.BootstrapSession, now time.Time) *Session {
	s := &Session{
		ID:          m.ID,
		KeyID:       m.KeyID,
		PublicKey:   m.PublicKey,
		Fingerprint: m.Fingerprint,
		CreatedAt:   m.CreatedAt,
		ExpiresAt:   m.ExpiresAt,
		ConsumedAt:  m.ConsumedAt,
		State:       StatePending,
	}
	switch {
	case m.Status == model.SessionStatusConsumed:
		s.State = StateConsumed
	case s.IsExpired(now):
		s.State = StateExpired
	case m.ClaimID != "" && now.Before(m.ClaimExpiresAt):
		s.ClaimedUntil = m.ClaimExpiresAt
	}
	return s
}
