package domain

import "errors"

var (
	// ErrIllegalTransition is returned for a stage edge that is not in the graph,
	// or for any mutation attempted after a terminal stage.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrSessionNotFound is returned for an unknown or reaped session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrVersionNotFound is returned when a review references a missing lyric version.
	ErrVersionNotFound = errors.New("lyrics version not found")
	// ErrInvalidProgress is returned for progress outside 0-100 or regressing within a stage.
	ErrInvalidProgress = errors.New("invalid progress")
	// ErrResultNotReady is returned when the result is requested before completion.
	ErrResultNotReady = errors.New("session not completed")
)

// ErrSessionClosed is returned for mutations on a terminal session.
// It also matches ErrIllegalTransition under errors.Is.
var ErrSessionClosed error = closedError{}

type closedError struct{}

func (closedError) Error() string { return "session closed" }

func (closedError) Is(target error) bool { return target == ErrIllegalTransition }
