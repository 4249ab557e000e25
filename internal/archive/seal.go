// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

package archive

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/health-sync/health-sync/internal/bootstrap"
	"github.com/health-sync/health-sync/internal/bundle"
	"github.com/health-sync/health-sync/internal/codec"
)

const (
	dataKeySize = chacha20poly1305.KeySize
	tagSize     = chacha20poly1305.Overhead

	// maxBodySize bounds the decompressed body.
	maxBodySize = 4 * bundle.MaxFileSize
)

// associatedData is the authenticated header. Field order is irrelevant:
// the codec sorts keys deterministically.
type associatedData struct {
	Magic         string          `cbor:"1,keyasint"`
	FormatVersion uint            `cbor:"2,keyasint"`
	SessionRef    SessionRef      `cbor:"3,keyasint"`
	CreatedAt     int64           `cbor:"4,keyasint"`
	Compression   string          `cbor:"5,keyasint"`
	WrappedKey    []byte          `cbor:"6,keyasint"`
	Manifest      []ManifestEntry `cbor:"7,keyasint"`
}

func (a *Archive) associatedData() ([]byte, error) {
	return codec.Marshal(associatedData{
		Magic:         a.Magic,
		FormatVersion: a.FormatVersion,
		SessionRef:    a.SessionRef,
		CreatedAt:     a.CreatedAt,
		Compression:   a.Compression,
		WrappedKey:    a.WrappedKey,
		Manifest:      a.Manifest,
	})
}

// Encrypt seals b for the age recipient of the referenced session. The
// bundle's plaintext buffers are left untouched; intermediate copies are
// zeroed before returning.
func Encrypt(b *bundle.Bundle, recipient string, ref SessionRef, now time.Time) (*Archive, error) {
	rcpt, err := age.ParseX25519Recipient(recipient)
	if err != nil {
		return nil, fmt.Errorf("parse recipient: %w", err)
	}
	if b == nil || len(b.Files) == 0 {
		return nil, fmt.Errorf("%w: empty bundle", bootstrap.ErrMalformedBundle)
	}

	payload, err := codec.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	defer clear(payload)
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	compressed := enc.EncodeAll(payload, nil)
	_ = enc.Close()
	defer clear(compressed)

	dataKey := make([]byte, dataKeySize)
	defer clear(dataKey)
	if _, err := rand.Read(dataKey); err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}
	wrapped, err := wrapKey(dataKey, rcpt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	a := &Archive{
		Magic:         Magic,
		FormatVersion: FormatVersion,
		SessionRef:    ref,
		CreatedAt:     now.Unix(),
		Compression:   CompressionZstd,
		WrappedKey:    wrapped,
		Nonce:         nonce,
		Manifest:      buildManifest(b),
	}
	aad, err := a.associatedData()
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	aead, err := chacha20poly1305.NewX(dataKey)
	if err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, compressed, aad)
	a.Ciphertext = sealed[:len(sealed)-tagSize]
	a.AuthTag = sealed[len(sealed)-tagSize:]
	return a, nil
}

func wrapKey(dataKey []byte, rcpt age.Recipient) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, rcpt)
	if err != nil {
		return nil, fmt.Errorf("wrap data key: %w", err)
	}
	if _, err := w.Write(dataKey); err != nil {
		return nil, fmt.Errorf("wrap data key: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("wrap data key: %w", err)
	}
	return buf.Bytes(), nil
}

func buildManifest(b *bundle.Bundle) []ManifestEntry {
	m := make([]ManifestEntry, 0, len(b.Files))
	for _, f := range b.Files {
		sum := blake3.Sum256(f.Data)
		m = append(m, ManifestEntry{
			Name:     f.Name,
			Role:     string(f.Role),
			Mode:     f.Mode,
			Size:     int64(len(f.Data)),
			Checksum: sum[:],
		})
	}
	return m
}

// Decrypt opens a with identity. Header problems are reported before the
// identity is used. Any authentication, decoding or manifest mismatch is an
// ErrIntegrityFailure and no plaintext is returned.
func Decrypt(a *Archive, identity age.Identity) (*bundle.Bundle, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil archive", bootstrap.ErrIntegrityFailure)
	}
	if err := (Header{Magic: a.Magic, FormatVersion: a.FormatVersion}).check(); err != nil {
		return nil, err
	}
	if a.Compression != CompressionZstd {
		return nil, fmt.Errorf("%w: compression %q", bootstrap.ErrUnsupportedFormatVersion, a.Compression)
	}
	if len(a.Nonce) != chacha20poly1305.NonceSizeX || len(a.AuthTag) != tagSize {
		return nil, integrity("bad nonce or tag length")
	}

	dataKey, err := unwrapKey(a.WrappedKey, identity)
	if err != nil {
		return nil, err
	}
	defer clear(dataKey)

	aad, err := a.associatedData()
	if err != nil {
		return nil, integrity("encode header: %v", err)
	}
	aead, err := chacha20poly1305.NewX(dataKey)
	if err != nil {
		return nil, integrity("%v", err)
	}
	sealed := make([]byte, 0, len(a.Ciphertext)+tagSize)
	sealed = append(sealed, a.Ciphertext...)
	sealed = append(sealed, a.AuthTag...)
	compressed, err := openSealed(aead, a.Nonce, sealed, aad)
	if err != nil {
		return nil, err
	}
	defer clear(compressed)

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBodySize), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	defer dec.Close()
	payload, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		clear(payload)
		return nil, integrity("decompress body: %v", err)
	}
	defer clear(payload)

	var b bundle.Bundle
	if err := codec.Unmarshal(payload, &b); err != nil {
		b.Zero()
		return nil, integrity("decode body: %v", err)
	}
	if err := verifyManifest(a.Manifest, &b); err != nil {
		b.Zero()
		return nil, err
	}
	return &b, nil
}

func openSealed(aead cipher.AEAD, nonce, sealed, aad []byte) ([]byte, error) {
	out, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, integrity("authentication tag mismatch")
	}
	return out, nil
}

func unwrapKey(wrapped []byte, identity age.Identity) ([]byte, error) {
	if identity == nil {
		return nil, errors.New("no identity")
	}
	r, err := age.Decrypt(bytes.NewReader(wrapped), identity)
	if err != nil {
		var nm *age.NoIdentityMatchError
		if errors.As(err, &nm) {
			return nil, integrity("archive was not encrypted to this session key")
		}
		return nil, integrity("unwrap data key: %v", err)
	}
	key, err := io.ReadAll(io.LimitReader(r, dataKeySize+1))
	if err != nil {
		clear(key)
		return nil, integrity("unwrap data key: %v", err)
	}
	if len(key) != dataKeySize {
		clear(key)
		return nil, integrity("wrapped data key has wrong length")
	}
	return key, nil
}

func verifyManifest(m []ManifestEntry, b *bundle.Bundle) error {
	if len(m) != len(b.Files) {
		return integrity("manifest lists %d files, body has %d", len(m), len(b.Files))
	}
	for i, e := range m {
		f := b.Files[i]
		if e.Name != f.Name || e.Role != string(f.Role) || e.Mode != f.Mode || e.Size != int64(len(f.Data)) {
			return integrity("manifest entry %d (%s) does not match body", i, e.Name)
		}
		sum := blake3.Sum256(f.Data)
		if subtle.ConstantTimeCompare(sum[:], e.Checksum) != 1 {
			return integrity("checksum mismatch for %s", e.Name)
		}
	}
	return nil
}

func integrity(format string, args ...any) error {
	return fmt.Errorf("%w: %s", bootstrap.ErrIntegrityFailure, fmt.Sprintf(format, args...))
}
