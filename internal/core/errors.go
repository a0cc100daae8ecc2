package core

import "errors"

// Error taxonomy. Everything the dispatcher surfaces to a client wraps one
// of the five base sentinels so the boundary can classify with errors.Is.
var (
	ErrValidation       = errors.New("validation error")
	ErrNotFound         = errors.New("not found")
	ErrStateConflict    = errors.New("state conflict")
	ErrPermissionDenied = errors.New("not visible")
	ErrStorage          = errors.New("storage error")
)

// Specific conflicts. Each wraps ErrStateConflict so callers can match
// either the precise condition or the class.
var (
	ErrAlreadyBound          = wrapConflict("connection already bound to a different agent")
	ErrAgentAlreadyConnected = wrapConflict("agent already has a live connection")
	ErrNotYetAssigned        = wrapConflict("agent not yet assigned by an operator")
	ErrAlreadyAssigned       = wrapConflict("agent already assigned")
	ErrAgentNotActive        = wrapConflict("agent is not active")
)

func wrapConflict(msg string) error {
	return &conflictError{msg: msg}
}

type conflictError struct{ msg string }

func (e *conflictError) Error() string { return e.msg }
func (e *conflictError) Unwrap() error { return ErrStateConflict }
