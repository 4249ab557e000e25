// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

package keystore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/health-sync/health-sync/internal/security"
	"github.com/health-sync/health-sync/internal/token"
)

// ErrKeyMissing is returned when a session's private key file is gone.
var ErrKeyMissing = errors.New("session private key not found")

func (s *Store) keyPath(keyID string) (string, error) {
	if !ValidKeyID(keyID) {
		return "", fmt.Errorf("invalid key id %q", keyID)
	}
	return filepath.Join(s.keysDir, keyID+keyFileSuffix), nil
}

func (s *Store) writeKeyFile(keyID string, identity *age.X25519Identity) error {
	p, err := s.keyPath(keyID)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create key file: %w", err)
	}
	secret := security.FromString(identity.String() + "\n")
	defer secret.Zero()
	if _, err := f.Write(secret); err != nil {
		_ = f.Close()
		_ = os.Remove(p)
		return fmt.Errorf("write key file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(p)
		return fmt.Errorf("write key file: %w", err)
	}
	return f.Close()
}

// WithPrivateKey loads the identity for keyID, runs fn with it and wipes the
// loaded key bytes when fn returns.
func (s *Store) WithPrivateKey(ctx context.Context, keyID string, fn func(age.Identity) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.keyPath(keyID)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrKeyMissing, keyID)
	}
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}
	return security.Scoped(raw, func(sec security.Secret) error {
		identity, err := age.ParseX25519Identity(strings.TrimSpace(string(sec)))
		if err != nil {
			return fmt.Errorf("parse key file %s: %w", keyID, err)
		}
		return fn(identity)
	})
}

// DestroyKey removes the private key file of keyID. A missing file is not
// an error.
func (s *Store) DestroyKey(keyID string) error {
	p, err := s.keyPath(keyID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// HasKey reports whether the private key file of keyID exists.
func (s *Store) HasKey(keyID string) bool {
	p, err := s.keyPath(keyID)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// loadOrCreateTokenKey reads the token MAC key at path, creating it with
// fresh random bytes on first use. The key is written to a temporary file
// and hard-linked into place, so concurrent first uses agree on one
// complete key.
func loadOrCreateTokenKey(path string) (security.Secret, error) {
	sec, err := readTokenKey(path)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return sec, err
	}

	key := make(security.Secret, token.KeySize)
	defer key.Zero()
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate token key: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".token.key.tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create token key: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return nil, err
	}
	if _, err := tmp.Write(key); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("write token key: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("write token key: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	if err := os.Link(tmpName, path); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("install token key: %w", err)
	}
	return readTokenKey(path)
}

func readTokenKey(path string) (security.Secret, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defer clear(data)
	if len(data) != token.KeySize {
		return nil, fmt.Errorf("token key %s has %d bytes, want %d", path, len(data), token.KeySize)
	}
	return security.FromBytes(data), nil
}
