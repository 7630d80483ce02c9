// Copyright 2026 the boar-with-shoes authors
// SPDX-License-Identifier: Apache-2.0

package boar

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrActiveSnapshot is returned when a new session is created
	// while another staged snapshot is still open.
	ErrActiveSnapshot = errors.New("boar: there already exists an active new snapshot")

	// ErrNoActiveSnapshot is returned when a staging operation is
	// called without a preceding CreateSession.
	ErrNoActiveSnapshot = errors.New("boar: there is no active snapshot")

	// ErrVerifyInProgress is returned when a verification sweep is
	// started while another one still has blobs queued.
	ErrVerifyInProgress = errors.New("boar: blob verification already in progress")
)

// UserError reports a condition caused by the caller rather than by a
// malfunction: a reserved session name, a name collision, a missing
// session.
type UserError struct {
	Msg string
}

func (e *UserError) Error() string {
	return "boar: " + e.Msg
}

// SessionNotFoundError is returned when a named session does not
// exist.
type SessionNotFoundError struct {
	Name string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("boar: no such session: %s", e.Name)
}

// IsUserError reports whether err is caller-caused: a UserError or a
// SessionNotFoundError.
func IsUserError(err error) bool {
	var ue *UserError
	var snf *SessionNotFoundError
	return errors.As(err, &ue) || errors.As(err, &snf)
}
