package chat

import "errors"

var (
	// ErrInvalidArgument marks malformed identities or missing required fields.
	// Rejected before any side effect.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound marks operations on conversation or message ids that do not exist.
	ErrNotFound = errors.New("not found")
)
