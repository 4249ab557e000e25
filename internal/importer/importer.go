// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

// Package importer installs a decrypted secret bundle into the operator's
// local configuration without losing what was there before.
//
// Every target is staged next to its destination first. Only when all
// targets are staged and checked does the importer start replacing files,
// one by one: the current file is copied to a timestamped backup, then the
// staged file is renamed over it. A target whose content is already
// identical is left alone.
package importer

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/health-sync/health-sync/internal/bootstrap"
	"github.com/health-sync/health-sync/internal/bundle"
	"github.com/health-sync/health-sync/internal/logging"
)

// Target maps a bundle role to a destination path.
type Target struct {
	Role bundle.Role
	Path string
}

// Status is the per-target outcome of Write.
type Status string

const (
	StatusWritten      Status = "written"
	StatusUnchanged    Status = "unchanged"
	StatusFailed       Status = "failed"
	StatusNotAttempted Status = "not-attempted"
)

// TargetResult reports what happened to one target.
type TargetResult struct {
	Target
	Status Status
	// Backup is the path of the copy made of the previous content, if any.
	Backup string
	Err    error
}

// Result is the outcome of a successful Write.
type Result struct {
	Targets []TargetResult
}

// Written counts targets whose content was replaced.
func (r *Result) Written() int {
	n := 0
	for _, t := range r.Targets {
		if t.Status == StatusWritten {
			n++
		}
	}
	return n
}

// PartialImportError reports a Write that did not complete. Results lists
// every target with its final status; targets marked written were replaced
// and have a backup of their previous content.
type PartialImportError struct {
	Results []TargetResult
}

func (e *PartialImportError) Error() string {
	var parts []string
	for _, r := range e.Results {
		s := fmt.Sprintf("%s=%s", r.Path, r.Status)
		if r.Err != nil {
			s += " (" + r.Err.Error() + ")"
		}
		parts = append(parts, s)
	}
	return fmt.Sprintf("%v: %s", bootstrap.ErrPartialImportFailure, strings.Join(parts, ", "))
}

// Is matches bootstrap.ErrPartialImportFailure.
func (e *PartialImportError) Is(target error) bool {
	return target == bootstrap.ErrPartialImportFailure
}

// Unwrap exposes the per-target causes.
func (e *PartialImportError) Unwrap() []error {
	var errs []error
	for _, r := range e.Results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errs
}

// Manager validates and writes bundles.
type Manager struct {
	clock  bootstrap.Clock
	checks map[bundle.Role]StagedCheck
	rename func(oldpath, newpath string) error
}

// StagedCheck inspects a staged file before it replaces its destination.
type StagedCheck func(path string) error

// Option customises a Manager.
type Option func(*Manager)

// WithClock sets the clock used for backup timestamps.
func WithClock(c bootstrap.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithStagedCheck replaces the check run on staged files of role. A nil
// check disables it.
func WithStagedCheck(role bundle.Role, check StagedCheck) Option {
	return func(m *Manager) { m.checks[role] = check }
}

// New returns a Manager. By default staged credential databases must open
// and contain the tables in RequiredTables.
func New(opts ...Option) *Manager {
	m := &Manager{
		clock:  bootstrap.SystemClock{},
		checks: map[bundle.Role]StagedCheck{bundle.RoleCredentials: CheckCredentialsDB},
		rename: os.Rename,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DefaultTargets returns the targets for the default file locations.
func DefaultTargets(configPath, credentialsPath string) []Target {
	return []Target{
		{Role: bundle.RoleConfig, Path: configPath},
		{Role: bundle.RoleCredentials, Path: credentialsPath},
	}
}

// Validate checks b's structure and that every target names a role present
// in b with a distinct destination.
func (m *Manager) Validate(b *bundle.Bundle, targets []Target) error {
	if err := bundle.Validate(b); err != nil {
		return err
	}
	if len(targets) == 0 {
		return fmt.Errorf("%w: no import targets", bootstrap.ErrMalformedBundle)
	}
	paths := make(map[string]bool, len(targets))
	for _, t := range targets {
		if t.Path == "" {
			return fmt.Errorf("%w: empty path for %s target", bootstrap.ErrMalformedBundle, t.Role)
		}
		if b.File(t.Role) == nil {
			return fmt.Errorf("%w: bundle has no %s file", bootstrap.ErrMalformedBundle, t.Role)
		}
		abs, err := filepath.Abs(t.Path)
		if err != nil {
			return err
		}
		if paths[abs] {
			return fmt.Errorf("%w: duplicate target %s", bootstrap.ErrMalformedBundle, t.Path)
		}
		paths[abs] = true
	}
	return nil
}

type pending struct {
	idx    int
	file   *bundle.File
	staged string
}

// Write validates b and installs it at targets. On any failure it returns a
// *PartialImportError describing each target; files already replaced keep
// their backups and staged files are removed.
func (m *Manager) Write(targets []Target, b *bundle.Bundle) (*Result, error) {
	if err := m.Validate(b, targets); err != nil {
		return nil, err
	}
	results := make([]TargetResult, len(targets))
	for i, t := range targets {
		results[i] = TargetResult{Target: t, Status: StatusNotAttempted}
	}

	var queue []pending
	cleanup := func() {
		for _, p := range queue {
			_ = os.Remove(p.staged)
		}
	}
	for i, t := range targets {
		f := b.File(t.Role)
		current, err := os.ReadFile(t.Path)
		switch {
		case err == nil && bytes.Equal(current, f.Data):
			results[i].Status = StatusUnchanged
			clear(current)
			continue
		case err != nil && !errors.Is(err, os.ErrNotExist):
			cleanup()
			return nil, m.fail(results, i, bootstrap.Wrap(bootstrap.PhaseFinish, bootstrap.FileSubject(t.Path), err))
		}
		clear(current)
		staged, err := stage(t.Path, f)
		if err == nil {
			if check := m.checks[t.Role]; check != nil {
				if cerr := check(staged); cerr != nil {
					_ = os.Remove(staged)
					err = fmt.Errorf("%w: %s: %v", bootstrap.ErrMalformedBundle, f.Name, cerr)
				}
			}
		}
		if err != nil {
			cleanup()
			return nil, m.fail(results, i, bootstrap.Wrap(bootstrap.PhaseFinish, bootstrap.FileSubject(t.Path), err))
		}
		queue = append(queue, pending{idx: i, file: f, staged: staged})
	}

	for n, p := range queue {
		t := targets[p.idx]
		backup, err := m.replace(t.Path, p.staged)
		if err != nil {
			for _, q := range queue[n:] {
				_ = os.Remove(q.staged)
			}
			results[p.idx].Backup = backup
			return nil, m.fail(results, p.idx, bootstrap.Wrap(bootstrap.PhaseFinish, bootstrap.FileSubject(t.Path), err))
		}
		results[p.idx].Status = StatusWritten
		results[p.idx].Backup = backup
		logging.Infof("imported %s into %s", p.file.Name, t.Path)
	}
	return &Result{Targets: results}, nil
}

func (m *Manager) fail(results []TargetResult, i int, err error) error {
	results[i].Status = StatusFailed
	results[i].Err = err
	return &PartialImportError{Results: results}
}

// replace backs up the current content of path, if any, then renames staged
// over it.
func (m *Manager) replace(path, staged string) (string, error) {
	backup, err := m.backup(path)
	if err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	if err := m.rename(staged, path); err != nil {
		return backup, fmt.Errorf("install: %w", err)
	}
	syncDir(filepath.Dir(path))
	return backup, nil
}

func stage(path string, f *bundle.File) (string, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".import-*")
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	if err := writeSynced(tmp, f.Data, fileMode(f.Mode)); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}

func writeSynced(f *os.File, data []byte, mode os.FileMode) error {
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func fileMode(m uint32) os.FileMode {
	perm := os.FileMode(m) & os.ModePerm
	if perm == 0 {
		return 0o600
	}
	return perm
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
