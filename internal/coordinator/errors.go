package coordinator

import "errors"

var (
	ErrInvalidRequest  = errors.New("invalid session or user data")
	ErrSessionNotFound = errors.New("session not found")
	ErrUnknownEvent    = errors.New("unknown event")
)
