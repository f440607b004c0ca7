package anchoring_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carbon-scribe/agri-credit/internal/observability/metrics"
	"carbon-scribe/agri-credit/internal/offsets"
	"carbon-scribe/agri-credit/internal/offsets/anchoring"
	"carbon-scribe/agri-credit/internal/offsets/events"
	"carbon-scribe/agri-credit/internal/offsets/store"
	"carbon-scribe/agri-credit/internal/offsets/verification"
	"carbon-scribe/agri-credit/pkg/ledger"
)

var (
	reviewedAt = time.Date(2026, 3, 5, 11, 0, 0, 0, time.UTC)
	signer     = ledger.Signer{Address: "GANCHOR", Seed: "SANCHOR"}
)

type fixture struct {
	repo     *store.MemoryStore
	ledger   *ledger.MemoryLedger
	svc      *anchoring.Service
	recorder *events.Recorder
	sleeps   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:     store.NewMemoryStore(),
		ledger:   ledger.NewMemoryLedger(),
		recorder: &events.Recorder{},
	}
	retry := ledger.RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		Sleep: func(ctx context.Context, d time.Duration) error {
			f.sleeps++
			return nil
		},
	}
	f.svc = anchoring.NewService(f.repo, f.ledger, retry, events.NewEmitter(f.recorder, zap.NewNop()),
		metrics.NewPipelineMetrics(prometheus.NewRegistry()), zap.NewNop())
	return f
}

// approvedResult stores a concluded request and returns its sealed result
func (f *fixture) approvedResult(t *testing.T, id string) *offsets.VerificationResult {
	t.Helper()
	ctx := context.Background()
	m := &offsets.Measurement{ID: "m-" + id, UserID: "user-1", Status: offsets.MeasurementMeasured, MeasuredAt: reviewedAt}
	req := &offsets.VerificationRequest{ID: "req-" + id, MeasurementID: m.ID, UserID: m.UserID, Status: offsets.RequestPending}
	require.NoError(t, f.repo.CreateSubmission(ctx, m, req))

	result := &offsets.VerificationResult{
		ID:                  id,
		RequestID:           req.ID,
		MeasurementID:       m.ID,
		UserID:              m.UserID,
		Decision:            offsets.RequestApproved,
		VerifiedSavingsKg:   1.25,
		VerifiedConfidence:  82,
		VerifiedDCUnits:     1.5,
		VerifiedTokenAmount: 1_500_000,
		ReviewerID:          "rev-a",
		ReviewedAt:          reviewedAt,
		MeasurementHash:     "measurement-hash",
	}
	hash, err := offsets.ComputeResultHash(result)
	require.NoError(t, err)
	result.ResultHash = hash

	require.NoError(t, f.repo.ConcludeReview(ctx, verification.Conclusion{
		RequestID: req.ID,
		From:      []offsets.RequestStatus{offsets.RequestPending},
		To:        offsets.RequestApproved,
		Result:    result,
		Now:       reviewedAt,
	}))
	return result
}

func TestAnchor_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	result := f.approvedResult(t, "res-1")

	first, err := f.svc.Anchor(ctx, result.ID, signer)
	require.NoError(t, err)
	assert.NotEmpty(t, first.TxRef)
	assert.Equal(t, int64(1), first.ConfirmedBlock)

	second, err := f.svc.Anchor(ctx, result.ID, signer)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.ledger.Submits())

	stored, err := f.repo.GetResult(ctx, result.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LedgerTxRef)
	assert.Equal(t, first.TxRef, *stored.LedgerTxRef)
	require.NotNil(t, stored.AnchoredAt)

	assert.Equal(t, []string{events.VerificationAnchored}, f.recorder.Types())
}

func TestAnchor_ConcurrentCallsSubmitOnce(t *testing.T) {
	f := newFixture(t)
	result := f.approvedResult(t, "res-1")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		refs = make(map[string]int)
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			receipt, err := f.svc.Anchor(context.Background(), result.ID, signer)
			if err != nil {
				t.Errorf("anchor failed: %v", err)
				return
			}
			mu.Lock()
			refs[receipt.TxRef]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, refs, 1)
	assert.Equal(t, 1, f.ledger.Submits())
}

func TestAnchor_RetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	result := f.approvedResult(t, "res-1")

	f.ledger.FailNext(2, ledger.ErrTransient)
	receipt, err := f.svc.Anchor(ctx, result.ID, signer)
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.TxRef)
	assert.Equal(t, 3, f.ledger.Submits())
	assert.Equal(t, 2, f.sleeps)
}

func TestAnchor_LedgerFailureLeavesResultUnanchored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	result := f.approvedResult(t, "res-1")

	f.ledger.FailNext(3, ledger.ErrTransient)
	_, err := f.svc.Anchor(ctx, result.ID, signer)
	assert.ErrorIs(t, err, offsets.ErrLedger)
	assert.ErrorIs(t, err, ledger.ErrTransient)

	stored, err := f.repo.GetResult(ctx, result.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LedgerTxRef)

	permanent := errors.New("bad signature")
	f.ledger.FailNext(1, permanent)
	_, err = f.svc.Anchor(ctx, result.ID, signer)
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 4, f.ledger.Submits(), "permanent errors are not retried")

	_, err = f.svc.Anchor(ctx, result.ID, signer)
	require.NoError(t, err, "a later attempt succeeds")
}

func TestAnchor_LostReceiptWritesOneNote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	result := f.approvedResult(t, "res-1")

	f.ledger.LoseNextReceipts(1)
	receipt, err := f.svc.Anchor(ctx, result.ID, signer)
	require.NoError(t, err)
	assert.Equal(t, 1, f.ledger.Submits())
	assert.Equal(t, 1, f.ledger.Notes())

	stored, err := f.repo.GetResult(ctx, result.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LedgerTxRef)
	assert.Equal(t, receipt.TxRef, *stored.LedgerTxRef)
}

func TestAnchor_UnconfirmedSubmissionIsHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := reviewedAt
	f.svc.WithClock(func() time.Time { return now }).WithSettleWindow(5 * time.Minute)
	result := f.approvedResult(t, "res-1")

	f.ledger.FailNext(1, fmt.Errorf("%w: horizon status 504", ledger.ErrUnconfirmed))
	_, err := f.svc.Anchor(ctx, result.ID, signer)
	assert.ErrorIs(t, err, offsets.ErrLedger)
	assert.ErrorIs(t, err, ledger.ErrUnconfirmed)
	assert.Equal(t, 1, f.ledger.Submits(), "unconfirmed submissions are not retried")

	n, err := f.svc.Reconcile(ctx, signer, 10)
	assert.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, f.ledger.Submits(), "held inside the settle window")

	now = now.Add(6 * time.Minute)
	receipt, err := f.svc.Anchor(ctx, result.ID, signer)
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.TxRef)
	assert.Equal(t, 2, f.ledger.Submits())
	assert.Equal(t, 1, f.ledger.Notes())
}

func TestAnchor_FindsNoteThatLandedLate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := reviewedAt
	f.svc.WithClock(func() time.Time { return now })
	result := f.approvedResult(t, "res-1")

	f.ledger.FailNext(1, fmt.Errorf("%w: connection reset", ledger.ErrUnconfirmed))
	_, err := f.svc.Anchor(ctx, result.ID, signer)
	require.ErrorIs(t, err, ledger.ErrUnconfirmed)

	// the earlier transaction makes it onto the ledger after all
	stored, err := f.repo.GetResult(ctx, result.ID)
	require.NoError(t, err)
	payload, err := offsets.NewAnchorPayload(stored).Encode()
	require.NoError(t, err)
	late, err := f.ledger.SubmitNote(ctx, signer, payload)
	require.NoError(t, err)

	now = now.Add(anchoring.DefaultSettleWindow + time.Minute)
	receipt, err := f.svc.Anchor(ctx, result.ID, signer)
	require.NoError(t, err)
	assert.Equal(t, late.TxRef, receipt.TxRef)
	assert.Equal(t, 1, f.ledger.Notes())
}

func TestAnchor_RefusesTamperedResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	result := f.approvedResult(t, "res-1")
	require.NoError(t, f.repo.QuarantineResult(ctx, result.ID, "manual hold"))

	_, err := f.svc.Anchor(ctx, result.ID, signer)
	assert.ErrorIs(t, err, offsets.ErrQuarantined)

	g := newFixture(t)
	bad := g.approvedResult(t, "res-2")
	// the stored result hash no longer covers the stored fields
	m := &offsets.Measurement{ID: "m-x", UserID: "user-1", MeasuredAt: reviewedAt}
	req := &offsets.VerificationRequest{ID: "req-x", MeasurementID: m.ID, UserID: "user-1", Status: offsets.RequestPending}
	require.NoError(t, g.repo.CreateSubmission(ctx, m, req))
	forged := *bad
	forged.ID = "res-forged"
	forged.RequestID = req.ID
	forged.VerifiedTokenAmount *= 100
	require.NoError(t, g.repo.ConcludeReview(ctx, verification.Conclusion{
		RequestID: req.ID,
		From:      []offsets.RequestStatus{offsets.RequestPending},
		To:        offsets.RequestApproved,
		Result:    &forged,
		Now:       reviewedAt,
	}))

	_, err = g.svc.Anchor(ctx, forged.ID, signer)
	var integrityErr *offsets.IntegrityError
	require.ErrorAs(t, err, &integrityErr)
	assert.Zero(t, g.ledger.Submits())

	stored, err := g.repo.GetResult(ctx, forged.ID)
	require.NoError(t, err)
	assert.True(t, stored.Quarantined)
	assert.Contains(t, g.recorder.Types(), events.IntegrityQuarantined)
}

func TestVerifyIntegrity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	result := f.approvedResult(t, "res-1")

	_, err := f.svc.VerifyIntegrity(ctx, result.ID)
	assert.ErrorIs(t, err, offsets.ErrNotFound, "not anchored yet")

	receipt, err := f.svc.Anchor(ctx, result.ID, signer)
	require.NoError(t, err)

	payload, err := f.svc.VerifyIntegrity(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, offsets.NewAnchorPayload(result), payload)

	retrieved, err := f.svc.Retrieve(ctx, receipt.TxRef)
	require.NoError(t, err)
	assert.Equal(t, int64(1_500_000), retrieved.TokenAmount)

	_, err = f.svc.Retrieve(ctx, "unknown")
	assert.ErrorIs(t, err, offsets.ErrNotFound)

	divergent := offsets.NewAnchorPayload(result)
	divergent.TokenAmount = 9_000_000
	data, err := divergent.Encode()
	require.NoError(t, err)
	f.ledger.Tamper(receipt.TxRef, data)

	onLedger, err := f.svc.VerifyIntegrity(ctx, result.ID)
	var integrityErr *offsets.IntegrityError
	require.ErrorAs(t, err, &integrityErr)
	assert.Equal(t, int64(9_000_000), onLedger.TokenAmount, "ledger copy is returned as authoritative")

	stored, err := f.repo.GetResult(ctx, result.ID)
	require.NoError(t, err)
	assert.True(t, stored.Quarantined)
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.approvedResult(t, "res-1")
	f.approvedResult(t, "res-2")
	f.approvedResult(t, "res-3")
	require.NoError(t, f.repo.QuarantineResult(ctx, "res-3", "hold"))

	_, err := f.svc.Anchor(ctx, "res-1", signer)
	require.NoError(t, err)

	n, err := f.svc.Reconcile(ctx, signer, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, f.ledger.Submits())

	pending, err := f.repo.ListUnanchoredResults(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
