// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

// Package core implements the three phases of a remote bootstrap.
//
// The operator calls Operator.Bootstrap to mint a session and a token,
// which travels to the user over chat. The user calls Run with that token
// to encrypt their secret files into an archive. The archive travels back
// and the operator calls Operator.Finish to decrypt it and import it,
// which consumes the session.
package core

import (
	"context"
	"time"

	"github.com/health-sync/health-sync/internal/bootstrap"
	"github.com/health-sync/health-sync/internal/importer"
	"github.com/health-sync/health-sync/internal/keystore"
)

// Operator runs the operator side of the protocol against a key store.
type Operator struct {
	keys     *keystore.Store
	importer *importer.Manager
}

// OperatorOption customises an Operator.
type OperatorOption func(*Operator)

// WithImporter replaces the default import manager.
func WithImporter(m *importer.Manager) OperatorOption {
	return func(o *Operator) {
		if m != nil {
			o.importer = m
		}
	}
}

// NewOperator returns an Operator using keys for sessions and key material.
func NewOperator(keys *keystore.Store, opts ...OperatorOption) *Operator {
	o := &Operator{keys: keys, importer: importer.New()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ListSessions returns every stored session with its derived state.
func (o *Operator) ListSessions(ctx context.Context) ([]*bootstrap.Session, error) {
	return o.keys.List(ctx)
}

// Purge removes expired sessions, and consumed ones when includeConsumed is
// set, along with their key files.
func (o *Operator) Purge(ctx context.Context, includeConsumed bool) ([]*bootstrap.Session, error) {
	return o.keys.Purge(ctx, keystore.PurgeOptions{IncludeConsumed: includeConsumed})
}

// BootstrapResult is what the operator hands to the user.
type BootstrapResult struct {
	Token       string
	SessionID   string
	KeyID       string
	Fingerprint string
	ExpiresAt   time.Time
}

// Bootstrap creates a session valid for ttl and returns its token.
func (o *Operator) Bootstrap(ctx context.Context, ttl time.Duration) (*BootstrapResult, error) {
	tok, id, err := o.keys.CreateSession(ctx, ttl)
	if err != nil {
		return nil, bootstrap.Wrap(bootstrap.PhaseBootstrap, "", err)
	}
	sess, err := o.keys.Registry().Get(ctx, id)
	if err != nil {
		return nil, bootstrap.Wrap(bootstrap.PhaseBootstrap, bootstrap.SessionSubject(id), err)
	}
	return &BootstrapResult{
		Token:       tok,
		SessionID:   sess.ID,
		KeyID:       sess.KeyID,
		Fingerprint: sess.Fingerprint,
		ExpiresAt:   sess.ExpiresAt,
	}, nil
}
