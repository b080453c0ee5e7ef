package ledgerapi

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnauthorized means the access token was rejected. The client performs
	// one refresh-and-retry; a second rejection surfaces this error.
	ErrUnauthorized = errors.New("ledger: unauthorized")

	// ErrNotFound means the referenced entity vanished upstream. Not retried.
	ErrNotFound = errors.New("ledger: not found")
)

// RateLimitedError is the only retryable failure (HTTP 429).
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return "ledger: rate limited"
}

// RetryAfterDuration feeds the server's Retry-After into the retry
// combinator's delay.
func (e *RateLimitedError) RetryAfterDuration() time.Duration {
	return e.RetryAfter
}

// ValidationFault is a remote business-rule rejection, e.g. a duplicate
// customer name. Permanent: retrying the same request never succeeds.
type ValidationFault struct {
	Code   string
	Detail string
}

func (e *ValidationFault) Error() string {
	return fmt.Sprintf("ledger: validation fault %s: %s", e.Code, e.Detail)
}

// OptimisticLockError means a mutation carried a stale sync token. The caller
// must re-fetch the entity for a fresh token; retrying with the same token
// would loop forever.
type OptimisticLockError struct {
	EntityId string
}

func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("ledger: stale sync token for entity %s", e.EntityId)
}

// IsRetryable is the predicate handed to the retry combinator: only rate
// limiting is worth retrying at this layer.
func IsRetryable(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

// IsLockError reports whether err is a stale sync token rejection.
func IsLockError(err error) bool {
	var lock *OptimisticLockError
	return errors.As(err, &lock)
}
