package domain

import "errors"

// ErrInvalidTransition indicates a disallowed state-machine move. Callers
// wrap it with the concrete from/to pair.
var ErrInvalidTransition = errors.New("invalid state transition")
