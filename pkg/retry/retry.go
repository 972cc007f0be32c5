package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
	"github.com/quantica-technologies/kafka-backup/pkg/metrics"
)

// Policy bounds retries of a single remote call.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// CallTimeout limits each attempt. Zero disables the per-attempt timeout.
	CallTimeout time.Duration
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		CallTimeout: 30 * time.Second,
	}
}

// Do runs fn until it succeeds, returns a non-transient error, or the
// attempt budget is spent. Exhaustion is reported as TRANSIENT_IO_ERROR
// wrapping the last failure.
func (p Policy) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	attempts := 0
	op := func() error {
		attempts++
		callCtx, cancel := p.callContext(ctx)
		defer cancel()

		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(apperrors.Wrap(ctx.Err(), apperrors.ErrCodeCancelled, operation+" cancelled"))
		}
		if errors.Is(err, context.Canceled) || !apperrors.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		metrics.Retries.WithLabelValues(operation).Inc()
	}

	err := backoff.RetryNotify(op, backoff.WithContext(p.backOff(), ctx), notify)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		if apperrors.IsKind(err, apperrors.ErrCodeCancelled) {
			return err
		}
		return apperrors.Wrap(err, apperrors.ErrCodeCancelled, operation+" cancelled")
	}
	if apperrors.IsTransient(err) && !apperrors.IsKind(err, apperrors.ErrCodeTransientIO) {
		return apperrors.Wrapf(err, apperrors.ErrCodeTransientIO, "%s failed after %d attempts", operation, attempts)
	}
	return err
}

func (p Policy) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.CallTimeout)
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = 100 * time.Millisecond
	}
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(b, uint64(attempts-1))
}
