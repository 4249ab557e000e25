// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

package bootstrap

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownSession is returned when no session matches a reference.
	ErrUnknownSession = errors.New("unknown session")
	// ErrExpiredSession is returned for sessions past their expiry.
	ErrExpiredSession = errors.New("session expired")
	// ErrAlreadyConsumed is returned once a session has been finished, or
	// while another finish holds the session.
	ErrAlreadyConsumed = errors.New("session already consumed")
	// ErrIntegrityFailure covers MAC, authentication tag and checksum mismatches.
	ErrIntegrityFailure = errors.New("integrity check failed")
	// ErrUnsupportedFormatVersion is returned for archives of an unknown format.
	ErrUnsupportedFormatVersion = errors.New("unsupported archive format version")
	// ErrMalformedBundle is returned when a secret bundle fails validation.
	ErrMalformedBundle = errors.New("malformed secret bundle")
	// ErrPartialImportFailure is returned when some import targets were not written.
	ErrPartialImportFailure = errors.New("partial import failure")
)

// Phase names a step of the remote bootstrap protocol.
type Phase string

const (
	PhaseBootstrap Phase = "bootstrap"
	PhaseRun       Phase = "run"
	PhaseFinish    Phase = "finish"
)

// PhaseError attaches the protocol phase and the session or file that
// triggered a failure. Subject must never contain secret material.
type PhaseError struct {
	Phase   Phase
	Subject string
	Err     error
}

func (e *PhaseError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("%s: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Phase, e.Subject, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// Wrap returns err tagged with phase and subject. An err that is itself a
// PhaseError is returned unchanged so the innermost subject wins. Phase
// errors nested deeper, such as per-target causes of an aggregate, do not
// count.
func Wrap(phase Phase, subject string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*PhaseError); ok {
		return err
	}
	return &PhaseError{Phase: phase, Subject: subject, Err: err}
}

// SessionSubject formats a session identifier for PhaseError subjects.
func SessionSubject(id string) string { return "session " + id }

// FileSubject formats a file path for PhaseError subjects.
func FileSubject(path string) string { return "file " + path }
