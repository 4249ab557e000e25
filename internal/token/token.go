// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

// Package token encodes and verifies remote bootstrap tokens.
//
// A token is a copy-pasteable string
//
//	hsr1.<base64url(payload)>.<base64url(mac)>
//
// where payload is the deterministic CBOR encoding of the session ID, key ID,
// public key fingerprint, expiry and the age recipient the user encrypts to,
// and mac is a keyed BLAKE3 hash of the payload bytes under the operator's
// token key. Encoding is a pure function of those fields.
//
// Anyone can Parse a token and check it is well formed and that the embedded
// recipient matches its fingerprint. Only the operator, holding the token
// key, can Verify that it was issued by their store.
package token

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/health-sync/health-sync/internal/bootstrap"
	"github.com/health-sync/health-sync/internal/codec"
)

// Prefix starts every version 1 token.
const Prefix = "hsr1."

const (
	payloadVersion = 1
	// KeySize is the length of the operator token key.
	KeySize        = 32
	fingerprintLen = 16
)

var b64 = base64.RawURLEncoding.Strict()

// Token is the decoded content of a bootstrap token.
type Token struct {
	SessionID   string
	KeyID       string
	Fingerprint string // hex
	ExpiresAt   time.Time
	// Recipient is the age X25519 public key archives are encrypted to.
	Recipient string
}

// IsExpired reports whether the token's session has expired at now.
func (t *Token) IsExpired(now time.Time) bool { return !now.Before(t.ExpiresAt) }

type payload struct {
	Version     uint8  `cbor:"1,keyasint"`
	SessionID   []byte `cbor:"2,keyasint"`
	KeyID       string `cbor:"3,keyasint"`
	Fingerprint []byte `cbor:"4,keyasint"`
	ExpiresAt   int64  `cbor:"5,keyasint"`
	Recipient   string `cbor:"6,keyasint"`
}

// Fingerprint returns the hex fingerprint of an age recipient string.
func Fingerprint(recipient string) string {
	sum := blake3.Sum256([]byte(recipient))
	return hex.EncodeToString(sum[:fingerprintLen])
}

// LooksLikeToken reports whether ref has the token prefix. It does not
// validate anything else.
func LooksLikeToken(ref string) bool {
	return strings.HasPrefix(strings.TrimSpace(ref), Prefix)
}

// Encode builds the token string for t under the operator token key.
func Encode(t Token, key []byte) (string, error) {
	if len(key) != KeySize {
		return "", fmt.Errorf("token key must be %d bytes, got %d", KeySize, len(key))
	}
	sid, err := uuid.Parse(t.SessionID)
	if err != nil {
		return "", fmt.Errorf("session id: %w", err)
	}
	fp, err := hex.DecodeString(t.Fingerprint)
	if err != nil || len(fp) != fingerprintLen {
		return "", fmt.Errorf("fingerprint must be %d hex bytes", fingerprintLen)
	}
	if Fingerprint(t.Recipient) != t.Fingerprint {
		return "", fmt.Errorf("fingerprint does not match recipient")
	}
	raw, err := codec.Marshal(payload{
		Version:     payloadVersion,
		SessionID:   sid[:],
		KeyID:       t.KeyID,
		Fingerprint: fp,
		ExpiresAt:   t.ExpiresAt.Unix(),
		Recipient:   t.Recipient,
	})
	if err != nil {
		return "", fmt.Errorf("encode token payload: %w", err)
	}
	mac, err := computeMAC(key, raw)
	if err != nil {
		return "", err
	}
	return Prefix + b64.EncodeToString(raw) + "." + b64.EncodeToString(mac), nil
}

// Parse decodes s and checks that it is well formed and internally
// consistent. It does not check the MAC. Every failure wraps
// bootstrap.ErrIntegrityFailure.
func Parse(s string) (*Token, error) {
	t, _, _, err := split(s)
	return t, err
}

// Verify parses s and checks its MAC under key in constant time.
func Verify(s string, key []byte) (*Token, error) {
	t, raw, mac, err := split(s)
	if err != nil {
		return nil, err
	}
	want, err := computeMAC(key, raw)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(mac, want) != 1 {
		return nil, fmt.Errorf("%w: token MAC mismatch", bootstrap.ErrIntegrityFailure)
	}
	return t, nil
}

func split(s string) (*Token, []byte, []byte, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, Prefix) {
		return nil, nil, nil, malformed("missing %q prefix", Prefix)
	}
	body, macPart, ok := strings.Cut(strings.TrimPrefix(s, Prefix), ".")
	if !ok || strings.Contains(macPart, ".") {
		return nil, nil, nil, malformed("expected two dot-separated parts")
	}
	raw, err := b64.DecodeString(body)
	if err != nil {
		return nil, nil, nil, malformed("payload encoding: %v", err)
	}
	mac, err := b64.DecodeString(macPart)
	if err != nil || len(mac) != blake3Size {
		return nil, nil, nil, malformed("mac encoding")
	}
	var p payload
	if err := codec.Unmarshal(raw, &p); err != nil {
		return nil, nil, nil, malformed("payload: %v", err)
	}
	if p.Version != payloadVersion {
		return nil, nil, nil, malformed("payload version %d", p.Version)
	}
	sid, err := uuid.FromBytes(p.SessionID)
	if err != nil {
		return nil, nil, nil, malformed("session id: %v", err)
	}
	if p.KeyID == "" || len(p.Fingerprint) != fingerprintLen || p.Recipient == "" {
		return nil, nil, nil, malformed("missing fields")
	}
	t := &Token{
		SessionID:   sid.String(),
		KeyID:       p.KeyID,
		Fingerprint: hex.EncodeToString(p.Fingerprint),
		ExpiresAt:   time.Unix(p.ExpiresAt, 0).UTC(),
		Recipient:   p.Recipient,
	}
	if Fingerprint(t.Recipient) != t.Fingerprint {
		return nil, nil, nil, malformed("recipient does not match fingerprint")
	}
	return t, raw, mac, nil
}

const blake3Size = 32

func computeMAC(key, raw []byte) ([]byte, error) {
	h, err := blake3.NewKeyed(key)
	if err != nil {
		return nil, fmt.Errorf("token mac: %w", err)
	}
	_, _ = h.Write(raw)
	return h.Sum(nil), nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: malformed token: %s", bootstrap.ErrIntegrityFailure, fmt.Sprintf(format, args...))
}
