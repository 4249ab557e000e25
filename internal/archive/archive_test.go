// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"filippo.io/age"

	"github.com/health-sync/health-sync/internal/bootstrap"
	"github.com/health-sync/health-sync/internal/bundle"
	"github.com/health-sync/health-sync/internal/codec"
)

func testBundle() *bundle.Bundle {
	db := make([]byte, 2048)
	copy(db, "SQLite format 3\x00")
	binary.BigEndian.PutUint16(db[16:18], 1024)
	return &bundle.Bundle{Files: []bundle.File{
		{Name: bundle.ConfigName, Role: bundle.RoleConfig, Mode: 0o600, Data: []byte("[withings]\nclient_id = \"abc\"\n")},
		{Name: bundle.CredentialsName, Role: bundle.RoleCredentials, Mode: 0o600, Data: db},
	}}
}

func newIdentity(t *testing.T) *age.X25519Identity {
	t.Helper()
	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	return id
}

var testRef = SessionRef{SessionID: "6f1c1f39-1e58-4d56-9d1d-0a4f3b8f5b10", KeyID: "k00112233aabbccdd", Fingerprint: "00112233445566778899aabbccddeeff"}

func sealed(t *testing.T, id *age.X25519Identity) *Archive {
	t.Helper()
	a, err := Encrypt(testBundle(), id.Recipient().String(), testRef, time.Unix(1_800_000_000, 0))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return a
}

func TestRoundTrip(t *testing.T) {
	id := newIdentity(t)
	a := sealed(t, id)
	if a.Magic != Magic || a.FormatVersion != FormatVersion || a.SessionRef != testRef {
		t.Fatalf("unexpected header %+v", a)
	}
	if len(a.Manifest) != 2 || a.Manifest[1].Size != 2048 {
		t.Fatalf("unexpected manifest %+v", a.Manifest)
	}

	data, err := Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(data, []byte("client_id")) {
		t.Fatal("archive contains plaintext")
	}
	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	got, err := Decrypt(decoded, id)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	want := testBundle()
	if len(got.Files) != len(want.Files) {
		t.Fatalf("got %d files", len(got.Files))
	}
	for i := range want.Files {
		g, w := got.Files[i], want.Files[i]
		if g.Name != w.Name || g.Role != w.Role || g.Mode != w.Mode || !bytes.Equal(g.Data, w.Data) {
			t.Fatalf("file %d differs: %+v", i, g)
		}
	}
}

func TestDecryptWrongKey(t *testing.T) {
	a := sealed(t, newIdentity(t))
	b, err := Decrypt(a, newIdentity(t))
	if !errors.Is(err, bootstrap.ErrIntegrityFailure) {
		t.Fatalf("Decrypt with other key = %v, want integrity failure", err)
	}
	if b != nil {
		t.Fatal("plaintext returned on failure")
	}
}

func TestTamperDetected(t *testing.T) {
	id := newIdentity(t)
	tests := map[string]func(a *Archive){
		"ciphertext": func(a *Archive) { a.Ciphertext[0] ^= 1 },
		"tag":        func(a *Archive) { a.AuthTag[3] ^= 0x80 },
		"nonce":      func(a *Archive) { a.Nonce[0] ^= 1 },
		"session":    func(a *Archive) { a.SessionRef.SessionID = "00000000-0000-4000-8000-000000000000" },
		"created":    func(a *Archive) { a.CreatedAt++ },
		"manifest":   func(a *Archive) { a.Manifest[0].Mode = 0o644 },
		"checksum":   func(a *Archive) { a.Manifest[1].Checksum[0] ^= 1 },
		"wrappedKey": func(a *Archive) { a.WrappedKey[len(a.WrappedKey)-1] ^= 1 },
		"short tag":  func(a *Archive) { a.AuthTag = a.AuthTag[:8] },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			a := sealed(t, id)
			mutate(a)
			if _, err := Decrypt(a, id); !errors.Is(err, bootstrap.ErrIntegrityFailure) {
				t.Fatalf("Decrypt = %v, want integrity failure", err)
			}
		})
	}
}

func TestUnsupportedVersion(t *testing.T) {
	id := newIdentity(t)
	a := sealed(t, id)
	a.FormatVersion = 2
	if _, err := Decrypt(a, id); !errors.Is(err, bootstrap.ErrUnsupportedFormatVersion) {
		t.Fatalf("Decrypt = %v", err)
	}
	data, err := Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Unmarshal(data); !errors.Is(err, bootstrap.ErrUnsupportedFormatVersion) {
		t.Fatalf("Unmarshal = %v", err)
	}

	a.FormatVersion = FormatVersion
	a.Magic = "something-else"
	data, _ = Marshal(a)
	if _, err := PeekHeader(data); !errors.Is(err, bootstrap.ErrUnsupportedFormatVersion) {
		t.Fatalf("PeekHeader = %v", err)
	}
}

func TestFutureFieldsReportVersionFirst(t *testing.T) {
	// a newer writer may add fields; the version check must win over the
	// unknown-field rejection of the strict decoder
	type future struct {
		Archive
		Extra string `cbor:"extra"`
	}
	a := sealed(t, newIdentity(t))
	a.FormatVersion = 2
	data, err := codec.Marshal(future{Archive: *a, Extra: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Unmarshal(data); !errors.Is(err, bootstrap.ErrUnsupportedFormatVersion) {
		t.Fatalf("Unmarshal = %v", err)
	}
}

func TestUnmarshalGarbage(t *testing.T) {
	for _, in := range [][]byte{nil, []byte("not cbor at all"), {0xa1, 0x61}} {
		if _, err := Unmarshal(in); !errors.Is(err, bootstrap.ErrIntegrityFailure) && !errors.Is(err, bootstrap.ErrUnsupportedFormatVersion) {
			t.Fatalf("Unmarshal(%x) = %v", in, err)
		}
	}
}

func TestWriteReadFile(t *testing.T) {
	id := newIdentity(t)
	a := sealed(t, id)
	path := filepath.Join(t.TempDir(), "out"+Extension)
	if err := WriteFile(path, a); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("archive mode %o, want 600", perm)
	}
	back, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if _, err := Decrypt(back, id); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if back.Created() != time.Unix(1_800_000_000, 0).UTC() {
		t.Fatalf("Created = %v", back.Created())
	}
}

func TestEncryptRejectsBadRecipient(t *testing.T) {
	if _, err := Encrypt(testBundle(), "age1nope", testRef, time.Now()); err == nil {
		t.Fatal("expected error")
	}
}
