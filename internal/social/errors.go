package social

import "errors"

var (
	// ErrInvalidArgument marks malformed identities or missing fields.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConflict marks duplicate or contradictory social-graph state:
	// already friends, duplicate pending request, reverse pending request.
	ErrConflict = errors.New("conflict")

	// ErrNotFound marks operations on request or notification ids that do not exist.
	ErrNotFound = errors.New("not found")
)
