package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrActorRequired occurs when an audited mutation has no operator identity.
	ErrActorRequired = errors.New("actor required")
)
