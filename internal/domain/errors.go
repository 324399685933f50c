package domain

import "errors"

var (
	// ErrNotAuthorized: the caller lacks the role or ownership the
	// operation requires. Terminal for the call, do not retry.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrSessionNotFound: no live session for the given id. Also
	// returned for ended or expired sessions on join.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDuplicateSession: the store's uniqueness constraint fired
	// during create. Recovered internally as a rejoin, never surfaced.
	ErrDuplicateSession = errors.New("active session already exists for resource")

	// ErrCredentialConfig: signing secrets are absent from process
	// configuration. Every Start/Join fails with this until fixed.
	ErrCredentialConfig = errors.New("credential signer not configured")

	// ErrCredentialBuild: malformed inputs to the signer (empty
	// channel, zero uid, non-positive ttl).
	ErrCredentialBuild = errors.New("cannot build credential")

	// ErrUIDExhausted: transport uid allocation gave up after bounded
	// retries. Practically unreachable, but defined.
	ErrUIDExhausted = errors.New("transport uid space exhausted")

	// ErrStoreUnavailable / ErrStoreTimeout: durable store failures.
	// Safe to retry after backoff.
	ErrStoreUnavailable = errors.New("session store unavailable")
	ErrStoreTimeout     = errors.New("session store timeout")
)

// Retryable reports whether the caller may retry the same call after
// backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreTimeout) || errors.Is(err, ErrStoreUnavailable)
}
