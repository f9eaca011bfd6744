package engine

import "errors"

// Sentinel errors classifying every engine failure. Callers match with
// errors.Is; the HTTP layer maps each class to a status code. Any error
// aborts the whole operation, there are no partial commits.
var (
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrState        = errors.New("invalid state")
	ErrTiming       = errors.New("timing constraint not met")
	ErrTransfer     = errors.New("transfer failed")
)
