package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy bounds attempts at a ledger call
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff"`
	// CallTimeout applies to each individual attempt, not to the whole sequence
	CallTimeout time.Duration `json:"call_timeout"`

	// Sleep waits between attempts; tests replace it to avoid real delays
	Sleep func(ctx context.Context, d time.Duration) error `json:"-"`
}

// DefaultRetryPolicy returns the policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    4,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		CallTimeout:    30 * time.Second,
	}
}

// Do runs fn until it succeeds, fails permanently, or attempts run out.
// Only transient errors and per-call timeouts are retried.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	backoff := p.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := p.call(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsUnconfirmed(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("ledger call cancelled: %w", ctx.Err())
		}
		if !IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		if err := sleep(ctx, backoff); err != nil {
			return fmt.Errorf("ledger call cancelled: %w", err)
		}
		backoff *= 2
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}

	return fmt.Errorf("ledger call failed after %d attempts: %w", attempts, lastErr)
}

// Submit runs a write that must not be applied twice. Failures known to have left the
// ledger untouched are retried like Do. After an unconfirmed attempt nothing is resubmitted:
// find is asked for the write instead, and when it is not visible the ErrUnconfirmed
// error is returned so the caller can keep its record pending.
func (p RetryPolicy) Submit(ctx context.Context, submit, find func(ctx context.Context) (Receipt, error)) (Receipt, error) {
	var receipt Receipt
	err := p.Do(ctx, func(ctx context.Context) error {
		var err error
		receipt, err = submit(ctx)
		return err
	})
	if err == nil || !IsUnconfirmed(err) {
		return receipt, err
	}

	var found Receipt
	ferr := p.Do(ctx, func(ctx context.Context) error {
		var err error
		found, err = find(ctx)
		return err
	})
	if ferr == nil {
		return found, nil
	}
	if !errors.Is(ferr, ErrNotFound) {
		return Receipt{}, errors.Join(err, fmt.Errorf("lookup after unconfirmed write: %w", ferr))
	}
	return Receipt{}, err
}

func (p RetryPolicy) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.CallTimeout <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && !IsUnconfirmed(err) && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: call timed out after %s: %v", ErrTransient, p.CallTimeout, err)
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
