package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(calls *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*calls = append(*calls, d)
		return nil
	}
}

func TestRetryPolicyRetriesTransientWithBackoff(t *testing.T) {
	var sleeps []time.Duration
	policy := RetryPolicy{MaxAttempts: 4, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 250 * time.Millisecond, Sleep: noSleep(&sleeps)}

	attempts := 0
	err := policy.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 4 {
			return ErrTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond}, sleeps)
}

func TestRetryPolicyStopsOnPermanentError(t *testing.T) {
	var sleeps []time.Duration
	policy := RetryPolicy{MaxAttempts: 5, Sleep: noSleep(&sleeps)}
	permanent := errors.New("bad request")

	attempts := 0
	err := policy.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, sleeps)
}

func TestRetryPolicyExhaustion(t *testing.T) {
	var sleeps []time.Duration
	policy := RetryPolicy{MaxAttempts: 3, Sleep: noSleep(&sleeps)}

	attempts := 0
	err := policy.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return ErrTransient
	})

	assert.ErrorIs(t, err, ErrTransient)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, attempts)
	assert.Len(t, sleeps, 2)
}

func TestRetryPolicyCallTimeoutIsTransient(t *testing.T) {
	var sleeps []time.Duration
	policy := RetryPolicy{MaxAttempts: 2, CallTimeout: 10 * time.Millisecond, Sleep: noSleep(&sleeps)}

	attempts := 0
	err := policy.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestMemoryLedgerNotes(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	receipt, err := l.SubmitNote(ctx, Signer{Address: "GANCHOR"}, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.TxRef)
	assert.Equal(t, int64(1), receipt.ConfirmedBlock)

	payload, err := l.ReadNote(ctx, receipt.TxRef)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(payload))

	_, err = l.ReadNote(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryLedgerMintRequiresOptIn(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	_, err := l.Mint(ctx, "GUSER", 1_000_000, "batch")
	assert.ErrorIs(t, err, ErrNotOptedIn)

	l.OptIn("GUSER")
	ok, err := l.OptInStatus(ctx, "GUSER")
	require.NoError(t, err)
	assert.True(t, ok)

	receipt, err := l.Mint(ctx, "GUSER", 1_000_000, "batch")
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.TxRef)
	assert.Len(t, l.Mints(), 1)
}

func TestMemoryLedgerFailNext(t *testing.T) {
	l := NewMemoryLedger()
	l.FailNext(1, ErrTransient)

	_, err := l.SubmitNote(context.Background(), Signer{}, []byte("x"))
	assert.ErrorIs(t, err, ErrTransient)
	_, err = l.SubmitNote(context.Background(), Signer{}, []byte("x"))
	assert.NoError(t, err)
	assert.Equal(t, 2, l.Submits())
}

func TestRetryPolicySubmitDoesNotRepeatUnconfirmedWrites(t *testing.T) {
	var sleeps []time.Duration
	policy := RetryPolicy{MaxAttempts: 3, Sleep: noSleep(&sleeps)}
	l := NewMemoryLedger()
	l.OptIn("GUSER")
	l.LoseNextReceipts(1)
	ctx := context.Background()

	receipt, err := policy.Submit(ctx,
		func(ctx context.Context) (Receipt, error) { return l.Mint(ctx, "GUSER", 3_000_000, "batch-1") },
		func(ctx context.Context) (Receipt, error) { return l.FindMint(ctx, "batch-1") })

	require.NoError(t, err)
	assert.Equal(t, 1, l.MintCalls())
	require.Len(t, l.Mints(), 1)
	assert.Equal(t, l.Mints()[0].TxRef, receipt.TxRef)
	assert.Empty(t, sleeps)
}

func TestRetryPolicySubmitKeepsUnconfirmedWhenNotFound(t *testing.T) {
	var sleeps []time.Duration
	policy := RetryPolicy{MaxAttempts: 3, Sleep: noSleep(&sleeps)}
	ctx := context.Background()

	submits := 0
	_, err := policy.Submit(ctx,
		func(ctx context.Context) (Receipt, error) {
			submits++
			return Receipt{}, fmt.Errorf("%w: horizon status 504", ErrUnconfirmed)
		},
		func(ctx context.Context) (Receipt, error) { return Receipt{}, ErrNotFound })

	assert.ErrorIs(t, err, ErrUnconfirmed)
	assert.False(t, IsTransient(err))
	assert.Equal(t, 1, submits)
}

func TestRetryPolicySubmitRetriesDefiniteFailures(t *testing.T) {
	var sleeps []time.Duration
	policy := RetryPolicy{MaxAttempts: 3, Sleep: noSleep(&sleeps)}
	l := NewMemoryLedger()
	l.FailNext(1, fmt.Errorf("%w: tx_bad_seq", ErrTransient))
	signer := Signer{Address: "GANCHOR"}
	ctx := context.Background()

	receipt, err := policy.Submit(ctx,
		func(ctx context.Context) (Receipt, error) { return l.SubmitNote(ctx, signer, []byte("x")) },
		func(ctx context.Context) (Receipt, error) { return l.FindNote(ctx, signer, []byte("x")) })

	require.NoError(t, err)
	assert.Equal(t, 2, l.Submits())
	assert.Equal(t, 1, l.Notes())
	found, err := l.FindNote(ctx, signer, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, receipt, found)

	_, err = l.FindNote(ctx, Signer{Address: "GOTHER"}, []byte("x"))
	assert.ErrorIs(t, err, ErrNotFound)
}
