// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/health-sync/health-sync/internal/archive"
	"github.com/health-sync/health-sync/internal/bootstrap"
	"github.com/health-sync/health-sync/internal/bundle"
	"github.com/health-sync/health-sync/internal/logging"
	"github.com/health-sync/health-sync/internal/token"
)

// RunRequest describes the user side of a remote bootstrap.
type RunRequest struct {
	Token string
	Paths bundle.Paths
	// Out is the archive path. Empty selects DefaultArchiveName in the
	// current directory.
	Out string
	// PurgePlaintext deletes the collected files once the archive is on disk.
	PurgePlaintext bool
	Clock          bootstrap.Clock
}

// RunResult reports what Run produced.
type RunResult struct {
	ArchivePath string
	SessionID   string
	Files       []string
	Purged      []string
}

// DefaultArchiveName is the archive file name used when none is given.
func DefaultArchiveName(sessionID string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return "health-sync-remote-" + short + archive.Extension
}

// Run encrypts the user's secret files for the session named by the token.
// The token is checked for structure, fingerprint and expiry before any
// file is read.
func Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	clock := req.Clock
	if clock == nil {
		clock = bootstrap.SystemClock{}
	}
	tok, err := token.Parse(req.Token)
	if err != nil {
		return nil, bootstrap.Wrap(bootstrap.PhaseRun, "", err)
	}
	subject := bootstrap.SessionSubject(tok.SessionID)
	now := clock.Now()
	if tok.IsExpired(now) {
		return nil, bootstrap.Wrap(bootstrap.PhaseRun, subject, fmt.Errorf("%w at %s", bootstrap.ErrExpiredSession, tok.ExpiresAt.Format("2006-01-02 15:04:05 MST")))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b, err := bundle.Collect(req.Paths)
	if err != nil {
		return nil, bootstrap.Wrap(bootstrap.PhaseRun, subject, err)
	}
	defer b.Zero()
	if err := bundle.Validate(b); err != nil {
		return nil, bootstrap.Wrap(bootstrap.PhaseRun, subject, err)
	}

	a, err := archive.Encrypt(b, tok.Recipient, archive.SessionRef{
		SessionID:   tok.SessionID,
		KeyID:       tok.KeyID,
		Fingerprint: tok.Fingerprint,
	}, now)
	if err != nil {
		return nil, bootstrap.Wrap(bootstrap.PhaseRun, subject, err)
	}
	out := req.Out
	if out == "" {
		out = DefaultArchiveName(tok.SessionID)
	}
	if err := archive.WriteFile(out, a); err != nil {
		return nil, bootstrap.Wrap(bootstrap.PhaseRun, bootstrap.FileSubject(out), err)
	}
	logging.Debugf("wrote archive %s for session %s", out, tok.SessionID)

	res := &RunResult{ArchivePath: out, SessionID: tok.SessionID}
	for _, f := range b.Files {
		res.Files = append(res.Files, f.Name)
	}
	if req.PurgePlaintext {
		purged, err := PurgePlaintext(req.Paths)
		res.Purged = purged
		if err != nil {
			return res, bootstrap.Wrap(bootstrap.PhaseRun, subject, err)
		}
	}
	return res, nil
}

// PurgePlaintext removes the collected files and the SQLite side files that
// may hold copies of credential rows.
func PurgePlaintext(p bundle.Paths) ([]string, error) {
	var purged []string
	var errs []error
	candidates := []string{p.Config, p.Credentials, p.Credentials + "-wal", p.Credentials + "-shm", p.Credentials + "-journal"}
	for _, path := range candidates {
		err := os.Remove(path)
		switch {
		case err == nil:
			purged = append(purged, filepath.Clean(path))
		case errors.Is(err, os.ErrNotExist):
		default:
			errs = append(errs, err)
		}
	}
	return purged, errors.Join(errs...)
}
