// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

// Package bundle defines the set of secret files moved from a user's machine
// to the operator during a remote bootstrap.
package bundle

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/health-sync/health-sync/internal/bootstrap"
)

// Role identifies what a bundled file is used for on the operator side.
type Role string

const (
	RoleConfig      Role = "config"
	RoleCredentials Role = "credentials"
)

// Default file names for each role.
const (
	ConfigName      = "health-sync.toml"
	CredentialsName = "health.sqlite"
)

// MaxFileSize caps a single bundled file.
const MaxFileSize = 64 << 20

// RequiredRoles must each be present exactly once in a valid bundle.
var RequiredRoles = []Role{RoleConfig, RoleCredentials}

// File is one named secret file.
type File struct {
	Name string `cbor:"1,keyasint"`
	Role Role   `cbor:"2,keyasint"`
	Mode uint32 `cbor:"3,keyasint"`
	Data []byte `cbor:"4,keyasint"`
}

// Bundle is an ordered collection of secret files.
type Bundle struct {
	Files []File `cbor:"1,keyasint"`
}

// File returns the file with the given role, or nil.
func (b *Bundle) File(role Role) *File {
	if b == nil {
		return nil
	}
	for i := range b.Files {
		if b.Files[i].Role == role {
			return &b.Files[i]
		}
	}
	return nil
}

// Zero clears the contents of every file.
func (b *Bundle) Zero() {
	if b == nil {
		return
	}
	for i := range b.Files {
		clear(b.Files[i].Data)
	}
}

// Paths locates the files to collect on the user's machine.
type Paths struct {
	Config      string
	Credentials string
}

// Collect reads the files named by p into a Bundle. Files keep their base
// name and permission bits. A credentials database in WAL mode is
// checkpointed first.
func Collect(p Paths) (*Bundle, error) {
	sources := []struct {
		role Role
		path string
	}{
		{RoleConfig, p.Config},
		{RoleCredentials, p.Credentials},
	}
	for _, src := range sources {
		if src.path == "" {
			return nil, fmt.Errorf("%w: no path for %s file", bootstrap.ErrMalformedBundle, src.role)
		}
	}
	b := &Bundle{}
	for _, src := range sources {
		if src.role == RoleCredentials {
			if err := checkpoint(src.path); err != nil {
				b.Zero()
				return nil, bootstrap.Wrap(bootstrap.PhaseRun, bootstrap.FileSubject(src.path), err)
			}
		}
		f, err := readFile(src.path, src.role)
		if err != nil {
			b.Zero()
			return nil, bootstrap.Wrap(bootstrap.PhaseRun, bootstrap.FileSubject(src.path), err)
		}
		b.Files = append(b.Files, *f)
	}
	return b, nil
}

func readFile(p string, role Role) (*File, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: not a regular file", bootstrap.ErrMalformedBundle)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", bootstrap.ErrMalformedBundle, MaxFileSize)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	return &File{
		Name: filepathBase(p),
		Role: role,
		Mode: uint32(info.Mode().Perm()),
		Data: data,
	}, nil
}

func filepathBase(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Base(p)
}

// ValidName reports whether name is a plain file name that cannot escape a
// target directory.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return false
	}
	return fs.ValidPath(name)
}

// Validate checks that b is structurally complete: every required role is
// present once, names are safe, sizes are bounded, the config parses as TOML
// and the credentials file is a well formed SQLite database image.
func Validate(b *Bundle) error {
	if b == nil || len(b.Files) == 0 {
		return fmt.Errorf("%w: empty bundle", bootstrap.ErrMalformedBundle)
	}
	seen := make(map[Role]bool, len(b.Files))
	names := make(map[string]bool, len(b.Files))
	var errs []error
	for _, f := range b.Files {
		if !ValidName(f.Name) {
			errs = append(errs, fmt.Errorf("unsafe file name %q", f.Name))
		}
		if names[f.Name] {
			errs = append(errs, fmt.Errorf("duplicate file name %q", f.Name))
		}
		names[f.Name] = true
		if seen[f.Role] {
			errs = append(errs, fmt.Errorf("duplicate %s file", f.Role))
		}
		seen[f.Role] = true
		if len(f.Data) > MaxFileSize {
			errs = append(errs, fmt.Errorf("%s: exceeds %d bytes", f.Name, MaxFileSize))
			continue
		}
		switch f.Role {
		case RoleConfig:
			if err := checkConfig(f.Data); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", f.Name, err))
			}
		case RoleCredentials:
			if err := CheckSQLiteImage(f.Data); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", f.Name, err))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown role %q", f.Name, f.Role))
		}
	}
	for _, r := range RequiredRoles {
		if !seen[r] {
			errs = append(errs, fmt.Errorf("missing %s file", r))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", bootstrap.ErrMalformedBundle, errors.Join(errs...))
	}
	return nil
}
