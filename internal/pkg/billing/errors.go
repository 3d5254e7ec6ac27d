package billing

import (
	"errors"
	"fmt"
)

// Closed error taxonomy for the billing core. Callers match on kind with
// errors.Is instead of parsing message text; no storage- or provider-specific
// error type crosses the service boundary.
var (
	// ErrValidation marks bad input or a domain-invariant violation. Never
	// retried, never mutates state.
	ErrValidation = errors.New("billing: validation failed")

	// ErrNotFound marks a typed miss for accounts, payment methods, invoices
	// or plans.
	ErrNotFound = errors.New("billing: not found")

	// ErrAlreadyExists marks a uniqueness conflict, e.g. a second billing
	// account for the same organization.
	ErrAlreadyExists = errors.New("billing: already exists")

	// ErrProviderTransient marks a retriable provider failure (rate limit,
	// connection error, timeout). The provider adapter retries these.
	ErrProviderTransient = errors.New("billing: transient provider error")

	// ErrProviderUnavailable is returned once the retry budget for transient
	// errors is exhausted. Distinct from the original error so callers can
	// tell "rejected" from "unreachable"; the provider-side effect of the
	// last attempt is unknown.
	ErrProviderUnavailable = errors.New("billing: provider unavailable")

	// ErrProviderRejected marks a permanent provider rejection (validation,
	// unknown resource, permission). Never retried.
	ErrProviderRejected = errors.New("billing: provider rejected request")

	// ErrSubscriptionCanceled is a provider rejection caused by operating on
	// an already-canceled subscription; the service translates it into a
	// validation failure at its boundary.
	ErrSubscriptionCanceled = fmt.Errorf("%w: subscription is canceled", ErrProviderRejected)

	// ErrSignatureVerification marks a webhook whose signature did not
	// verify. The event is rejected before any handler runs and is never
	// marked processed.
	ErrSignatureVerification = errors.New("billing: webhook signature verification failed")
)

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFoundErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
