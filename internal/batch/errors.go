package batch

import "errors"

var (
	// ErrNotFound means no batch exists for the requested id.
	ErrNotFound = errors.New("batch not found")
	// ErrMissingCredential means no provider credential was stored or supplied.
	ErrMissingCredential = errors.New("missing API key")
	// ErrValidation wraps rejected caller input.
	ErrValidation = errors.New("invalid request")
	// ErrCorruptRecord means a persisted batch violates a job invariant.
	// Callers should treat it as an internal error, not a user mistake.
	ErrCorruptRecord = errors.New("corrupt batch record")
)
