// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

// Package keystore owns the operator's bootstrap state: the per-session age
// key files, the token MAC key and the session database.
//
// Layout under the state directory (all private to the operator):
//
//	token.key          32-byte token MAC key, created once
//	keys/<keyId>.key   age X25519 identity of one session
//	sessions.db        SQLite session store (unless another DSN is configured)
package keystore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/google/uuid"

	"github.com/health-sync/health-sync/internal/bootstrap"
	"github.com/health-sync/health-sync/internal/db"
	"github.com/health-sync/health-sync/internal/logging"
	"github.com/health-sync/health-sync/internal/model"
	"github.com/health-sync/health-sync/internal/security"
	"github.com/health-sync/health-sync/internal/token"
)

const (
	keysDirName      = "keys"
	tokenKeyFileName = "token.key"
	sessionsDBName   = "sessions.db"
	keyFileSuffix    = ".key"
)

var keyIDPattern = regexp.MustCompile(`^k[0-9a-f]{16}$`)

// ValidKeyID reports whether id has the shape of a key ID issued by this
// package.
func ValidKeyID(id string) bool { return keyIDPattern.MatchString(id) }

// Options configures Open.
type Options struct {
	// StateDir holds key files and the token key. Required.
	StateDir string
	// DBType and DSN select the session database. The default is a SQLite
	// file inside StateDir.
	DBType string
	DSN    string
	// Clock overrides the wall clock for expiry decisions.
	Clock bootstrap.Clock
	// Audit overrides the audit sink. The default writes to the session
	// database's audit_log table.
	Audit bootstrap.AuditWriter
	// ClaimLease overrides bootstrap.DefaultClaimLease.
	ClaimLease time.Duration
}

// SessionsDBPath is the default SQLite session database inside stateDir.
func SessionsDBPath(stateDir string) string {
	return filepath.Join(stateDir, sessionsDBName)
}

// Store is an open operator key store. It is safe for concurrent use; the
// session database serialises state changes, including across processes.
type Store struct {
	dir      string
	keysDir  string
	tokenKey security.Secret
	db       *db.BunStore
	audit    bootstrap.AuditWriter
	registry *bootstrap.Registry
}

// Open prepares the state directory and opens the session database.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.StateDir == "" {
		return nil, errors.New("keystore: state directory not set")
	}
	dir, err := filepath.Abs(opts.StateDir)
	if err != nil {
		return nil, err
	}
	keysDir := filepath.Join(dir, keysDirName)
	if err := os.MkdirAll(keysDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	// MkdirAll leaves existing directories alone; tighten them explicitly.
	for _, d := range []string{dir, keysDir} {
		if err := os.Chmod(d, 0o700); err != nil {
			return nil, fmt.Errorf("secure state directory: %w", err)
		}
	}
	key, err := loadOrCreateTokenKey(filepath.Join(dir, tokenKeyFileName))
	if err != nil {
		return nil, err
	}

	dbType, dsn := opts.DBType, opts.DSN
	if dbType == "" {
		dbType = db.TypeSQLite
	}
	if dsn == "" {
		if dbType != db.TypeSQLite {
			key.Zero()
			return nil, fmt.Errorf("keystore: a DSN is required for database type %s", dbType)
		}
		dsn = SessionsDBPath(dir)
	}
	sessions, err := db.Open(ctx, dbType, dsn)
	if err != nil {
		key.Zero()
		return nil, err
	}

	s := &Store{dir: dir, keysDir: keysDir, tokenKey: key, db: sessions, audit: opts.Audit}
	if s.audit == nil {
		s.audit = sessions
	}
	s.registry = bootstrap.NewRegistry(sessions,
		bootstrap.WithClock(opts.Clock),
		bootstrap.WithAuditWriter(s.audit),
		bootstrap.WithClaimLease(opts.ClaimLease),
	)
	logging.Debugf("keystore opened at %s (%s)", dir, sessions)
	return s, nil
}

// Close zeroes the token key and closes the session database.
func (s *Store) Close() error {
	s.tokenKey.Zero()
	return s.db.Close()
}

// Dir returns the absolute state directory.
func (s *Store) Dir() string { return s.dir }

// Registry exposes the session state machine.
func (s *Store) Registry() *bootstrap.Registry { return s.registry }

// DB exposes the session database.
func (s *Store) DB() *db.BunStore { return s.db }

// LogAction writes an audit event through the configured sink.
func (s *Store) LogAction(ctx context.Context, action, details string) error {
	return s.audit.LogAction(ctx, action, details)
}

// CreateSession generates a fresh key pair, stores a pending session that
// expires after ttl and returns the token for the user plus the session ID.
// A zero ttl yields a session that is already expired.
func (s *Store) CreateSession(ctx context.Context, ttl time.Duration) (string, string, error) {
	now := s.registry.Now()
	if err := bootstrap.CheckTTL(now, ttl); err != nil {
		return "", "", err
	}
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("generate key pair: %w", err)
	}
	keyID, err := newKeyID()
	if err != nil {
		return "", "", err
	}
	if err := s.writeKeyFile(keyID, identity); err != nil {
		return "", "", err
	}
	recipient := identity.Recipient().String()
	sess, err := s.registry.Create(ctx, model.BootstrapSession{
		ID:          uuid.NewString(),
		KeyID:       keyID,
		PublicKey:   recipient,
		Fingerprint: token.Fingerprint(recipient),
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	})
	if err != nil {
		_ = s.DestroyKey(keyID)
		return "", "", err
	}
	tok, err := token.Encode(token.Token{
		SessionID:   sess.ID,
		KeyID:       sess.KeyID,
		Fingerprint: sess.Fingerprint,
		ExpiresAt:   sess.ExpiresAt,
		Recipient:   sess.PublicKey,
	}, s.tokenKey)
	if err != nil {
		return "", "", fmt.Errorf("encode token: %w", err)
	}
	return tok, sess.ID, nil
}

// Lookup resolves ref, which may be a token, a session ID or a key ID. A
// token must carry a valid MAC and agree with the stored key ID and
// fingerprint; otherwise ErrIntegrityFailure is returned.
func (s *Store) Lookup(ctx context.Context, ref string) (*bootstrap.Session, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case token.LooksLikeToken(ref):
		tok, err := token.Verify(ref, s.tokenKey)
		if err != nil {
			return nil, err
		}
		sess, err := s.registry.Get(ctx, tok.SessionID)
		if err != nil {
			return nil, err
		}
		if sess.KeyID != tok.KeyID || sess.Fingerprint != tok.Fingerprint || sess.PublicKey != tok.Recipient ||
			!tok.ExpiresAt.Equal(sess.ExpiresAt.Truncate(time.Second)) {
			return nil, fmt.Errorf("%w: token does not match stored session", bootstrap.ErrIntegrityFailure)
		}
		return sess, nil
	case ValidKeyID(ref):
		return s.registry.GetByKeyID(ctx, ref)
	default:
		if _, err := uuid.Parse(ref); err != nil {
			return nil, bootstrap.ErrUnknownSession
		}
		return s.registry.Get(ctx, ref)
	}
}

// MarkConsumed atomically consumes a pending session. Only one of many
// concurrent callers succeeds; the others get ErrAlreadyConsumed.
func (s *Store) MarkConsumed(ctx context.Context, sessionID string) error {
	return s.registry.MarkConsumed(ctx, sessionID)
}

// List returns all sessions with their current state.
func (s *Store) List(ctx context.Context) ([]*bootstrap.Session, error) {
	return s.registry.List(ctx)
}

// PurgeOptions selects what Purge removes besides expired sessions.
type PurgeOptions struct {
	IncludeConsumed bool
}

// Purge deletes expired sessions, and consumed ones if requested, together
// with their key files.
func (s *Store) Purge(ctx context.Context, opts PurgeOptions) ([]*bootstrap.Session, error) {
	removed, err := s.registry.Purge(ctx, opts.IncludeConsumed)
	if err != nil {
		return nil, err
	}
	for _, sess := range removed {
		if err := s.DestroyKey(sess.KeyID); err != nil {
			logging.Warnf("remove key file for session %s: %v", sess.ID, err)
		}
	}
	return removed, nil
}

// PurgeExpired deletes expired sessions and their key files.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	removed, err := s.Purge(ctx, PurgeOptions{})
	return len(removed), err
}

func newKeyID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate key id: %w", err)
	}
	return "k" + hex.EncodeToString(b[:]), nil
}
