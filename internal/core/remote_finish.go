// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

package core

import (
	"context"
	"fmt"
	"os"

	"filippo.io/age"

	"github.com/health-sync/health-sync/internal/archive"
	"github.com/health-sync/health-sync/internal/bootstrap"
	"github.com/health-sync/health-sync/internal/bundle"
	"github.com/health-sync/health-sync/internal/importer"
	"github.com/health-sync/health-sync/internal/logging"
)

// FinishRequest describes the operator's import of a returned archive.
type FinishRequest struct {
	// Ref names the session as a token, session ID or key ID. When empty
	// the session is taken from the archive header.
	Ref         string
	ArchivePath string
	Targets     []importer.Target
	// RemoveArchive deletes the archive after a successful import.
	RemoveArchive bool
}

// FinishResult reports a completed import.
type FinishResult struct {
	Session        *bootstrap.Session
	Import         *importer.Result
	ArchiveRemoved bool
}

// Finish decrypts the archive and imports it into the request's targets,
// consuming the session on success. A session that is already consumed or
// expired is rejected before any key material is read. A failed import
// leaves the session pending so the same archive can be retried.
func (o *Operator) Finish(ctx context.Context, req FinishRequest) (*FinishResult, error) {
	var sess *bootstrap.Session
	if req.Ref != "" {
		s, err := o.resolve(ctx, req.Ref)
		if err != nil {
			return nil, bootstrap.Wrap(bootstrap.PhaseFinish, "", err)
		}
		sess = s
	}

	a, err := archive.ReadFile(req.ArchivePath)
	if err != nil {
		return nil, bootstrap.Wrap(bootstrap.PhaseFinish, bootstrap.FileSubject(req.ArchivePath), err)
	}
	if sess == nil {
		s, err := o.resolve(ctx, a.SessionRef.SessionID)
		if err != nil {
			return nil, bootstrap.Wrap(bootstrap.PhaseFinish, bootstrap.SessionSubject(a.SessionRef.SessionID), err)
		}
		sess = s
	}
	subject := bootstrap.SessionSubject(sess.ID)
	if a.SessionRef.SessionID != sess.ID || a.SessionRef.KeyID != sess.KeyID || a.SessionRef.Fingerprint != sess.Fingerprint {
		return nil, bootstrap.Wrap(bootstrap.PhaseFinish, subject,
			fmt.Errorf("%w: archive was made for session %s", bootstrap.ErrIntegrityFailure, a.SessionRef.SessionID))
	}

	claimID, err := o.keys.Registry().Claim(ctx, sess.ID)
	if err != nil {
		return nil, bootstrap.Wrap(bootstrap.PhaseFinish, subject, err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		// a fresh context so cancellation of ctx still releases the claim
		if rerr := o.keys.Registry().Release(context.WithoutCancel(ctx), sess.ID, claimID); rerr != nil {
			logging.Warnf("release claim on session %s: %v", sess.ID, rerr)
		}
	}()

	res, err := o.decryptAndImport(ctx, sess, a, req.Targets)
	if err != nil {
		_ = o.keys.LogAction(ctx, bootstrap.ActionFinishFailed, fmt.Sprintf("session: %s, error: %v", sess.ID, err))
		return nil, bootstrap.Wrap(bootstrap.PhaseFinish, subject, err)
	}
	if err := o.keys.Registry().Commit(ctx, sess.ID, claimID); err != nil {
		return nil, bootstrap.Wrap(bootstrap.PhaseFinish, subject, err)
	}
	committed = true

	if err := o.keys.DestroyKey(sess.KeyID); err != nil {
		logging.Warnf("remove key file of consumed session %s: %v", sess.ID, err)
	}
	out := &FinishResult{Import: res}
	if req.RemoveArchive {
		if err := os.Remove(req.ArchivePath); err != nil {
			logging.Warnf("remove archive %s: %v", req.ArchivePath, err)
		} else {
			out.ArchiveRemoved = true
		}
	}
	out.Session, err = o.keys.Registry().Get(ctx, sess.ID)
	if err != nil {
		out.Session = sess
	}
	return out, nil
}

// resolve looks up a session and fails with its terminal-state error when
// it can no longer be finished.
func (o *Operator) resolve(ctx context.Context, ref string) (*bootstrap.Session, error) {
	sess, err := o.keys.Lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := sess.Err(); err != nil {
		return nil, bootstrap.Wrap(bootstrap.PhaseFinish, bootstrap.SessionSubject(sess.ID), err)
	}
	return sess, nil
}

func (o *Operator) decryptAndImport(ctx context.Context, sess *bootstrap.Session, a *archive.Archive, targets []importer.Target) (*importer.Result, error) {
	var b *bundle.Bundle
	err := o.keys.WithPrivateKey(ctx, sess.KeyID, func(id age.Identity) error {
		var derr error
		b, derr = archive.Decrypt(a, id)
		return derr
	})
	if err != nil {
		return nil, err
	}
	defer b.Zero()
	if err := o.importer.Validate(b, targets); err != nil {
		return nil, err
	}
	return o.importer.Write(targets, b)
}
