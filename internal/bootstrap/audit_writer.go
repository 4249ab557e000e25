// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

package bootstrap

import "context"

// Audit actions written by the registry.
const (
	ActionSessionCreated  = "REMOTE_SESSION_CREATED"
	ActionSessionConsumed = "REMOTE_SESSION_CONSUMED"
	ActionSessionPurged   = "REMOTE_SESSION_PURGED"
	ActionFinishFailed    = "REMOTE_FINISH_FAILED"
)

// AuditWriter records operator-visible audit events.
type AuditWriter interface {
	LogAction(ctx context.Context, action, details string) error
}

type nopAuditWriter struct{}

func (nopAuditWriter) LogAction(context.Context, string, string) error { return nil }
