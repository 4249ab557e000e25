// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

// Package archive implements the encrypted container a user sends back to
// the operator.
//
// An archive is a CBOR map carrying a plaintext header (magic, format
// version, session reference, creation time, compression, manifest) and an
// encrypted body. The body is the zstd-compressed CBOR encoding of a
// bundle.Bundle sealed with XChaCha20-Poly1305 under a random data key. The
// data key is wrapped to the session's age X25519 recipient. Every header
// field is bound to the ciphertext as associated data, so changing any of
// them fails authentication.
package archive

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/health-sync/health-sync/internal/bootstrap"
	"github.com/health-sync/health-sync/internal/codec"
)

const (
	// Magic identifies a health-sync archive.
	Magic = "hsync-archive"
	// FormatVersion is the only container version this package reads and writes.
	FormatVersion = 1
	// CompressionZstd is the only supported body compression.
	CompressionZstd = "zstd"
	// Extension is the conventional archive file suffix.
	Extension = ".hsarchive"

	// MaxSize bounds archives accepted by ReadFile and Unmarshal.
	MaxSize = 256 << 20
)

// SessionRef names the session an archive was produced for.
type SessionRef struct {
	SessionID   string `cbor:"sessionId"`
	KeyID       string `cbor:"keyId"`
	Fingerprint string `cbor:"fingerprint"`
}

// ManifestEntry describes one file in the encrypted body.
type ManifestEntry struct {
	Name     string `cbor:"name"`
	Role     string `cbor:"role"`
	Mode     uint32 `cbor:"mode"`
	Size     int64  `cbor:"size"`
	Checksum []byte `cbor:"checksum"`
}

// Archive is the on-disk container.
type Archive struct {
	Magic         string          `cbor:"magic"`
	FormatVersion uint            `cbor:"formatVersion"`
	SessionRef    SessionRef      `cbor:"sessionRef"`
	CreatedAt     int64           `cbor:"createdAt"`
	Compression   string          `cbor:"compression"`
	WrappedKey    []byte          `cbor:"wrappedKey"`
	Nonce         []byte          `cbor:"nonce"`
	Ciphertext    []byte          `cbor:"ciphertext"`
	AuthTag       []byte          `cbor:"authTag"`
	Manifest      []ManifestEntry `cbor:"manifest"`
}

// Header is the part of an archive readable without knowing its version.
type Header struct {
	Magic         string     `cbor:"magic"`
	FormatVersion uint       `cbor:"formatVersion"`
	SessionRef    SessionRef `cbor:"sessionRef"`
}

// Created returns the archive creation time.
func (a *Archive) Created() time.Time { return time.Unix(a.CreatedAt, 0).UTC() }

func (h Header) check() error {
	if h.Magic != Magic {
		return fmt.Errorf("%w: not a health-sync archive", bootstrap.ErrUnsupportedFormatVersion)
	}
	if h.FormatVersion != FormatVersion {
		return fmt.Errorf("%w: format version %d, want %d", bootstrap.ErrUnsupportedFormatVersion, h.FormatVersion, FormatVersion)
	}
	return nil
}

// PeekHeader decodes only the magic, version and session reference of an
// encoded archive. Unknown magic or version yields
// ErrUnsupportedFormatVersion; undecodable input yields ErrIntegrityFailure.
func PeekHeader(data []byte) (*Header, error) {
	var h Header
	if err := codec.UnmarshalPartial(data, &h); err != nil {
		return nil, fmt.Errorf("%w: archive header: %v", bootstrap.ErrIntegrityFailure, err)
	}
	if err := h.check(); err != nil {
		return nil, err
	}
	return &h, nil
}

// Marshal encodes a into its canonical byte form.
func Marshal(a *Archive) ([]byte, error) {
	return codec.Marshal(a)
}

// Unmarshal decodes an archive, checking the header before the body.
func Unmarshal(data []byte) (*Archive, error) {
	if len(data) > MaxSize {
		return nil, fmt.Errorf("%w: archive exceeds %d bytes", bootstrap.ErrIntegrityFailure, MaxSize)
	}
	if _, err := PeekHeader(data); err != nil {
		return nil, err
	}
	var a Archive
	if err := codec.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: archive: %v", bootstrap.ErrIntegrityFailure, err)
	}
	return &a, nil
}

// ReadFile loads and decodes the archive at path.
func ReadFile(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(io.LimitReader(f, MaxSize+1))
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// WriteFile encodes a and writes it to path with mode 0600. An existing file
// is replaced atomically.
func WriteFile(path string, a *Archive) error {
	data, err := Marshal(a)
	if err != nil {
		return fmt.Errorf("encode archive: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()
	if err := tmp.Chmod(0o600); err != nil {
		return err
	}
	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	ok = true
	return nil
}
