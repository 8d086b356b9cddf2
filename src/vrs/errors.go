package vrs

import "errors"

// Error kinds per spec §7: every failure the remote store can produce
// collapses into ErrNotFound, ErrConflict or ErrInternal; ErrIntegrity
// is raised by the client itself when a fetched value fails its checks.
var (
	// ErrNotFound is returned by Get when the key does not exist
	// remotely. Never retried.
	ErrNotFound = errors.New("vrs: not found")
	// ErrConflict is returned by Put when the server's stored version
	// does not match the expected version. Never retried by the
	// transport layer.
	ErrConflict = errors.New("vrs: version conflict")
	// ErrInternal wraps transport failures and anything unexpected from
	// the backend. Retried per the retry policy.
	ErrInternal = errors.New("vrs: internal error")
	// ErrIntegrity is returned by Get when the decrypted payload's
	// embedded version or key does not match the object's metadata.
	ErrIntegrity = errors.New("vrs: integrity check failed")

	errInvalidZbase32 = errors.New("vrs: invalid zbase32 input")
)
