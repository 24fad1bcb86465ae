package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, queue clients, and other
// infrastructure layers return these (optionally wrapped) so services can
// classify failures without depending on driver error types.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: record does not exist in the store
// - ErrConflict: record already exists (idempotent create hit an existing id)
// - ErrThrottled: dependency rejected the call due to rate/RU pressure
// - ErrTimeout: dependency did not answer in time
// - ErrUnavailable: dependency temporarily unreachable
//
// ErrThrottled, ErrTimeout, and ErrUnavailable are the transient classes the
// retry pipelines are allowed to retry.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrThrottled   = errors.New("throttled")
	ErrTimeout     = errors.New("timeout")
	ErrUnavailable = errors.New("unavailable")
)

// Transient reports whether err belongs to a retryable infrastructure class.
func Transient(err error) bool {
	return errors.Is(err, ErrThrottled) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrUnavailable)
}
