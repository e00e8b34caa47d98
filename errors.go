package liqsentinel

import "errors"

// Sentinel error categories from the error-handling taxonomy. Components wrap these
// with fmt.Errorf("...: %w", ErrX) so callers can classify with errors.Is.
var (
	// ErrTransientUpstream covers network errors, 429/5xx responses and timeouts.
	// The caller's unit of work (one refresh, one wallet scan) is skipped for this
	// cycle; it is never retried outside the fetcher's own backoff.
	ErrTransientUpstream = errors.New("transient upstream error")

	// ErrMalformedResponse covers JSON parse failures and schema mismatches. Not
	// retried; the affected position or wallet is skipped this cycle.
	ErrMalformedResponse = errors.New("malformed upstream response")

	// ErrPersistenceFailure covers durable-store write failures. In-memory state
	// still advances and the failure is logged; no backoff is applied to
	// further writes, and repeated failures do not stop the process.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrConfigError is unresolvable at startup; the process must exit 2.
	ErrConfigError = errors.New("configuration error")
)
