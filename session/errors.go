package session

import "errors"

var (
	ErrUnknownKind      = errors.New("unknown session kind")
	ErrMissingWorkoutID = errors.New("workout ID is required")
	ErrKindMismatch     = errors.New("sub-state kind does not match session kind")
)
