package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// RetryPolicy retries provider calls that failed with ErrProviderTransient,
// using exponential backoff. Any other error aborts immediately. Once the
// attempt budget is spent the last transient error is wrapped in
// ErrProviderUnavailable.
type RetryPolicy struct {
	MaxAttempts    int
	attemptBuilder func() backoff.BackOff
}

// NewRetryPolicy builds a policy from the billing config.
func NewRetryPolicy(cfg Config) RetryPolicy {
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	base := cfg.RetryBaseDelay
	return RetryPolicy{
		MaxAttempts: attempts,
		attemptBuilder: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = base
			return bo
		},
	}
}

// Do runs fn under the policy. The operation name only feeds logging.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	builder := p.attemptBuilder
	if builder == nil {
		builder = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}

	attempt := 0
	wrapped := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrProviderTransient) {
			log.Warn().Str("op", op).Int("attempt", attempt).Err(err).Msg("transient provider error, will retry")
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(builder(), uint64(attempts-1)), ctx)
	err := backoff.Retry(wrapped, bo)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrProviderTransient) {
		log.Error().Str("op", op).Int("attempts", attempt).Err(err).Msg("provider retry budget exhausted")
		return fmt.Errorf("%w: %s failed after %d attempts: %v", ErrProviderUnavailable, op, attempt, err)
	}
	return err
}
