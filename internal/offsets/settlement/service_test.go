package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carbon-scribe/agri-credit/internal/observability/metrics"
	"carbon-scribe/agri-credit/internal/offsets"
	"carbon-scribe/agri-credit/internal/offsets/calculation"
	"carbon-scribe/agri-credit/internal/offsets/events"
	"carbon-scribe/agri-credit/internal/offsets/settlement"
	"carbon-scribe/agri-credit/internal/offsets/store"
	"carbon-scribe/agri-credit/pkg/ledger"
)

var settleDay = time.Date(2026, 3, 5, 18, 0, 0, 0, time.UTC)

type fixture struct {
	repo     *store.MemoryStore
	ledger   *ledger.MemoryLedger
	svc      *settlement.Service
	recorder *events.Recorder
	now      time.Time
}

func newFixture(t *testing.T, cfg settlement.Config, locker settlement.Locker) *fixture {
	return newFixtureWithRetry(t, cfg, locker, ledger.RetryPolicy{MaxAttempts: 1})
}

func newFixtureWithRetry(t *testing.T, cfg settlement.Config, locker settlement.Locker, retry ledger.RetryPolicy) *fixture {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	f := &fixture{
		repo:     store.NewMemoryStore(),
		ledger:   ledger.NewMemoryLedger(),
		recorder: &events.Recorder{},
		now:      settleDay,
	}
	f.svc = settlement.NewService(f.repo, f.repo, calculation.NewEngine(calculation.DefaultConfig()), f.ledger,
		retry, locker, node, cfg,
		events.NewEmitter(f.recorder, zap.NewNop()), metrics.NewPipelineMetrics(prometheus.NewRegistry()), zap.NewNop()).
		WithClock(func() time.Time { return f.now })
	return f
}

type claim struct {
	id       string
	user     string
	savings  float64
	tokens   int64
	at       time.Time
	approved bool
	origin   string
	dest     string
}

func (f *fixture) add(t *testing.T, c claim) {
	t.Helper()
	if c.origin == "" {
		c.origin, c.dest = "westland", "rotterdam"
	}
	m := &offsets.Measurement{
		ID:     c.id,
		UserID: c.user,
		Activity: offsets.CarbonActivity{
			Type:              offsets.ActivityLocalPurchase,
			UserID:            c.user,
			ProductName:       "tomatoes",
			QuantityKg:        2,
			OriginRegion:      c.origin,
			DestinationRegion: c.dest,
			ActivityDate:      c.at.Add(-time.Hour),
		},
		Calculation: offsets.CalculationResult{SavingsKg: c.savings, DCUnits: c.savings, TokenAmount: c.tokens},
		Status:      offsets.MeasurementMeasured,
		Confidence:  80,
		MeasuredAt:  c.at,
	}
	if c.approved {
		approvedAt := c.at.Add(time.Minute)
		m.ApprovedAt = &approvedAt
	}
	req := &offsets.VerificationRequest{ID: "req-" + c.id, MeasurementID: c.id, UserID: c.user, Status: offsets.RequestApproved}
	require.NoError(t, f.repo.CreateSubmission(context.Background(), m, req))
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 5, hour, minute, 0, 0, time.UTC)
}

func TestRunSettlement_ApprovesWithinCap(t *testing.T) {
	f := newFixture(t, settlement.DefaultConfig(), nil)
	ctx := context.Background()
	f.add(t, claim{id: "m1", user: "user-1", savings: 3, tokens: 3_000_000, at: at(9, 0), approved: true})
	f.add(t, claim{id: "m2", user: "user-1", savings: 2, tokens: 2_000_000, at: at(10, 0), approved: true})
	f.add(t, claim{id: "m3", user: "user-1", savings: 2, tokens: 2_000_000, at: at(11, 0)})

	report, err := f.svc.RunSettlement(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 2, report.Outcomes[offsets.OutcomeApproved])

	total, err := f.repo.DailyTotal(ctx, "user-1", offsets.DayKey(settleDay))
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), total.SettledAmount)

	rewards, err := f.svc.Rewards(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, rewards, 2)
	for _, r := range rewards {
		assert.Equal(t, offsets.RewardApproved, r.Status)
	}

	m1, err := f.repo.GetMeasurement(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, offsets.MeasurementVerified, m1.Status)

	m3, err := f.repo.GetMeasurement(ctx, "m3")
	require.NoError(t, err)
	assert.Equal(t, offsets.MeasurementMeasured, m3.Status, "unapproved measurements are not settled")

	again, err := f.svc.RunSettlement(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Processed)
}

func TestRunSettlement_DailyCap(t *testing.T) {
	cfg := settlement.DefaultConfig()
	cfg.DailyCap = 5_000_000
	cfg.Concurrency = 1
	f := newFixture(t, cfg, nil)
	ctx := context.Background()
	f.add(t, claim{id: "m1", user: "user-1", savings: 3, tokens: 3_000_000, at: at(9, 0), approved: true})
	f.add(t, claim{id: "m2", user: "user-1", savings: 3, tokens: 3_000_000, at: at(10, 0), approved: true})
	f.add(t, claim{id: "m3", user: "user-1", savings: 2, tokens: 2_000_000, at: at(11, 0), approved: true})
	f.add(t, claim{id: "m4", user: "user-2", savings: 4, tokens: 4_000_000, at: at(11, 0), approved: true})

	report, err := f.svc.RunSettlement(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Outcomes[offsets.OutcomeApproved])
	assert.Equal(t, 1, report.Outcomes[offsets.OutcomeCapExceeded])

	m2, err := f.repo.GetMeasurement(ctx, "m2")
	require.NoError(t, err)
	assert.True(t, m2.SettlementFlagged)
	assert.Contains(t, m2.SettlementFlagReason, "daily cap exceeded")
	assert.Nil(t, m2.RewardID)

	total, err := f.repo.DailyTotal(ctx, "user-1", offsets.DayKey(settleDay))
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), total.SettledAmount)

	other, err := f.repo.DailyTotal(ctx, "user-2", offsets.DayKey(settleDay))
	require.NoError(t, err)
	assert.Equal(t, int64(4_000_000), other.SettledAmount, "caps are per user")

	assert.Contains(t, f.recorder.Types(), events.SettlementFlagged)
}

func TestRunSettlement_ConcurrentClaimsNeverExceedCap(t *testing.T) {
	cfg := settlement.DefaultConfig()
	cfg.DailyCap = 5_000_000
	cfg.Concurrency = 8
	cfg.MaxDailyActivities = 0
	f := newFixture(t, cfg, nil)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		f.add(t, claim{id: fmt.Sprintf("m%02d", i), user: "user-1", savings: 1, tokens: 1_000_000, at: at(8, i), approved: true})
	}

	report, err := f.svc.RunSettlement(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, report.Processed)
	assert.Equal(t, 5, report.Outcomes[offsets.OutcomeApproved])
	assert.Equal(t, 15, report.Outcomes[offsets.OutcomeCapExceeded])

	total, err := f.repo.DailyTotal(ctx, "user-1", offsets.DayKey(settleDay))
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), total.SettledAmount)
}

func TestSettleMeasurement_Anomalies(t *testing.T) {
	history := func(f *fixture) {
		for i := 1; i <= 3; i++ {
			f.add(t, claim{id: fmt.Sprintf("h%d", i), user: "user-1", savings: 1, tokens: 1_000_000, at: at(9, 0).Add(-time.Duration(i) * 24 * time.Hour)})
		}
	}

	tests := []struct {
		name    string
		setup   func(f *fixture)
		claim   claim
		outcome offsets.Outcome
		reason  string
	}{
		{
			name:    "savings fifty times the trailing average",
			setup:   history,
			claim:   claim{id: "m1", user: "user-1", savings: 50, tokens: 50_000_000, at: at(9, 0), approved: true},
			outcome: offsets.OutcomeManualReview,
			reason:  "trailing average",
		},
		{
			name:    "savings exactly at the multiplier",
			setup:   history,
			claim:   claim{id: "m1", user: "user-1", savings: 10, tokens: 10_000_000, at: at(9, 0), approved: true},
			outcome: offsets.OutcomeApproved,
		},
		{
			name:    "no history",
			claim:   claim{id: "m1", user: "user-1", savings: 40, tokens: 40_000_000, at: at(9, 0), approved: true},
			outcome: offsets.OutcomeApproved,
		},
		{
			name:    "implausible transport distance",
			claim:   claim{id: "m1", user: "user-1", savings: 1, tokens: 1_000_000, at: at(9, 0), approved: true, origin: "kenya", dest: "netherlands"},
			outcome: offsets.OutcomeManualReview,
			reason:  "transport distance",
		},
		{
			name:    "no reward amount",
			claim:   claim{id: "m1", user: "user-1", savings: 0.05, tokens: 0, at: at(9, 0), approved: true},
			outcome: offsets.OutcomeManualReview,
			reason:  "no reward amount",
		},
		{
			name: "more activities than the daily ceiling",
			setup: func(f *fixture) {
				for i := 0; i < 10; i++ {
					f.add(t, claim{id: fmt.Sprintf("d%d", i), user: "user-1", savings: 1, tokens: 1_000_000, at: at(7, i)})
				}
			},
			claim:   claim{id: "m1", user: "user-1", savings: 1, tokens: 1_000_000, at: at(9, 0), approved: true},
			outcome: offsets.OutcomeManualReview,
			reason:  "daily ceiling",
		},
		{
			name: "exactly at the daily ceiling",
			setup: func(f *fixture) {
				for i := 0; i < 9; i++ {
					f.add(t, claim{id: fmt.Sprintf("d%d", i), user: "user-1", savings: 1, tokens: 1_000_000, at: at(7, i)})
				}
			},
			claim:   claim{id: "m1", user: "user-1", savings: 1, tokens: 1_000_000, at: at(9, 0), approved: true},
			outcome: offsets.OutcomeApproved,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, settlement.DefaultConfig(), nil)
			ctx := context.Background()
			if tt.setup != nil {
				tt.setup(f)
			}
			f.add(t, tt.claim)
			m, err := f.repo.GetMeasurement(ctx, tt.claim.id)
			require.NoError(t, err)

			outcome, err := f.svc.SettleMeasurement(ctx, m)
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, outcome)

			stored, err := f.repo.GetMeasurement(ctx, tt.claim.id)
			require.NoError(t, err)
			if tt.outcome == offsets.OutcomeManualReview {
				assert.True(t, stored.SettlementFlagged)
				assert.Contains(t, stored.SettlementFlagReason, tt.reason)
				assert.Nil(t, stored.RewardID)
			} else {
				assert.Equal(t, offsets.MeasurementVerified, stored.Status)
				require.NotNil(t, stored.RewardID)
			}
		})
	}
}

func TestSettleMeasurement_AlreadySettledIsSkipped(t *testing.T) {
	f := newFixture(t, settlement.DefaultConfig(), nil)
	ctx := context.Background()
	f.add(t, claim{id: "m1", user: "user-1", savings: 1, tokens: 1_000_000, at: at(9, 0), approved: true})
	m, err := f.repo.GetMeasurement(ctx, "m1")
	require.NoError(t, err)

	outcome, err := f.svc.SettleMeasurement(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, offsets.OutcomeApproved, outcome)

	outcome, err = f.svc.SettleMeasurement(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, offsets.OutcomeSkipped, outcome)

	rewards, err := f.svc.Rewards(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, rewards, 1)
}

// settledFixture settles one approved measurement per user
func settledFixture(t *testing.T, locker settlement.Locker, tokens map[string]int64) *fixture {
	t.Helper()
	return settle(t, newFixture(t, settlement.DefaultConfig(), locker), tokens)
}

func settle(t *testing.T, f *fixture, tokens map[string]int64) *fixture {
	t.Helper()
	i := 0
	for user, amount := range tokens {
		f.add(t, claim{id: "m-" + user, user: user, savings: 1, tokens: amount, at: at(9, i), approved: true})
		i++
	}
	report, err := f.svc.RunSettlement(context.Background())
	require.NoError(t, err)
	require.Equal(t, len(tokens), report.Outcomes[offsets.OutcomeApproved])
	return f
}

func TestRunMint(t *testing.T) {
	f := settledFixture(t, nil, map[string]int64{
		"user-1": 2_000_000,
		"user-2": 2_000_000,
		"user-3": 2_000_000,
		"user-4": 50_000,
	})
	ctx := context.Background()
	require.NoError(t, f.svc.RegisterWallet(ctx, "user-1", "GUSER1"))
	require.NoError(t, f.svc.RegisterWallet(ctx, "user-2", "GUSER2"))
	require.NoError(t, f.svc.RegisterWallet(ctx, "user-4", "GUSER4"))
	f.ledger.OptIn("GUSER1")
	f.ledger.OptIn("GUSER4")

	report, err := f.svc.RunMint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Users, "user-4 is below the minimum batch")
	assert.Equal(t, 1, report.Paid)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, int64(2_000_000), report.Amount)

	mints := f.ledger.Mints()
	require.Len(t, mints, 1)
	assert.Equal(t, "GUSER1", mints[0].Address)
	assert.Equal(t, int64(2_000_000), mints[0].Amount)

	paid, err := f.svc.Rewards(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, paid, 1)
	assert.Equal(t, offsets.RewardPaid, paid[0].Status)
	require.NotNil(t, paid[0].TxRef)
	assert.Equal(t, mints[0].TxRef, *paid[0].TxRef)

	for _, user := range []string{"user-2", "user-3", "user-4"} {
		rewards, err := f.svc.Rewards(ctx, user)
		require.NoError(t, err)
		require.Len(t, rewards, 1)
		assert.Equal(t, offsets.RewardApproved, rewards[0].Status, user)
	}

	assert.Contains(t, f.recorder.Types(), events.RewardPaid)
}

func TestRunMint_FailureReturnsRewardsToApproved(t *testing.T) {
	f := settledFixture(t, nil, map[string]int64{"user-1": 2_000_000})
	ctx := context.Background()
	require.NoError(t, f.svc.RegisterWallet(ctx, "user-1", "GUSER1"))
	f.ledger.OptIn("GUSER1")

	f.ledger.FailNext(1, errors.New("tx_bad_seq"))
	report, err := f.svc.RunMint(ctx)
	assert.ErrorIs(t, err, offsets.ErrLedger)
	assert.Equal(t, 1, report.Failed)

	rewards, err := f.svc.Rewards(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, rewards, 1)
	assert.Equal(t, offsets.RewardApproved, rewards[0].Status)
	assert.Contains(t, rewards[0].FailureReason, "tx_bad_seq")
	assert.Nil(t, rewards[0].TxRef)

	report, err = f.svc.RunMint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Paid)
	assert.Len(t, f.ledger.Mints(), 1)
}

func retryingFixture(t *testing.T) *fixture {
	t.Helper()
	f := settle(t, newFixtureWithRetry(t, settlement.DefaultConfig(), nil, ledger.RetryPolicy{MaxAttempts: 3}),
		map[string]int64{"user-1": 3_000_000})
	require.NoError(t, f.svc.RegisterWallet(context.Background(), "user-1", "GUSER1"))
	f.ledger.OptIn("GUSER1")
	return f
}

func TestRunMint_LostReceiptIsNotPaidTwice(t *testing.T) {
	f := retryingFixture(t)
	ctx := context.Background()

	// the payment lands but the gateway answers with a timeout
	f.ledger.LoseNextReceipts(1)
	report, err := f.svc.RunMint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Paid)
	assert.Equal(t, int64(3_000_000), report.Amount)

	assert.Equal(t, 1, f.ledger.MintCalls())
	mints := f.ledger.Mints()
	require.Len(t, mints, 1)
	assert.Equal(t, int64(3_000_000), mints[0].Amount)

	rewards, err := f.svc.Rewards(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, rewards, 1)
	assert.Equal(t, offsets.RewardPaid, rewards[0].Status)
	require.NotNil(t, rewards[0].BatchID)
	assert.Equal(t, *rewards[0].BatchID, mints[0].Reference)
	require.NotNil(t, rewards[0].TxRef)
	assert.Equal(t, mints[0].TxRef, *rewards[0].TxRef)
}

func TestRunMint_UnconfirmedBatchStaysMintingUntilReconciled(t *testing.T) {
	f := retryingFixture(t)
	ctx := context.Background()

	f.ledger.FailNext(1, fmt.Errorf("%w: horizon status 504", ledger.ErrUnconfirmed))
	report, err := f.svc.RunMint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pending)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 1, f.ledger.MintCalls(), "an unconfirmed payment is never resubmitted")

	rewards, err := f.svc.Rewards(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, rewards, 1)
	assert.Equal(t, offsets.RewardMinting, rewards[0].Status)
	batchID := *rewards[0].BatchID

	report, err = f.svc.RunMint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Users, "minting rewards are not picked up again")

	recon, err := f.svc.ReconcileMints(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, recon.Batches, "still inside the settle window")

	// the transaction surfaces on the ledger after the lookup
	late, err := f.ledger.Mint(ctx, "GUSER1", 3_000_000, batchID)
	require.NoError(t, err)

	f.now = f.now.Add(11 * time.Minute)
	recon, err = f.svc.ReconcileMints(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recon.Paid)

	rewards, err = f.svc.Rewards(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, offsets.RewardPaid, rewards[0].Status)
	require.NotNil(t, rewards[0].TxRef)
	assert.Equal(t, late.TxRef, *rewards[0].TxRef)
	assert.Len(t, f.ledger.Mints(), 1)
}

func TestReconcileMints_RevertsBatchTheLedgerNeverSaw(t *testing.T) {
	f := retryingFixture(t)
	ctx := context.Background()

	f.ledger.FailNext(1, fmt.Errorf("%w: connection reset", ledger.ErrUnconfirmed))
	_, err := f.svc.RunMint(ctx)
	require.NoError(t, err)

	f.now = f.now.Add(11 * time.Minute)
	recon, err := f.svc.ReconcileMints(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recon.Reverted)

	rewards, err := f.svc.Rewards(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, offsets.RewardApproved, rewards[0].Status)
	assert.Nil(t, rewards[0].BatchID)

	report, err := f.svc.RunMint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Paid)
	require.Len(t, f.ledger.Mints(), 1)
	assert.Equal(t, int64(3_000_000), f.ledger.Mints()[0].Amount)
}

func TestRunMint_SkipsUserWithMintInFlight(t *testing.T) {
	locker := settlement.NewLocalLocker()
	f := settledFixture(t, locker, map[string]int64{"user-1": 2_000_000})
	ctx := context.Background()
	require.NoError(t, f.svc.RegisterWallet(ctx, "user-1", "GUSER1"))
	f.ledger.OptIn("GUSER1")

	unlock, ok, err := locker.TryLock(ctx, "mint:user-1")
	require.NoError(t, err)
	require.True(t, ok)

	report, err := f.svc.RunMint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, f.ledger.Mints())

	unlock()
	report, err = f.svc.RunMint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Paid)
}

func TestConfirmMint_RequiresLedgerReference(t *testing.T) {
	f := newFixture(t, settlement.DefaultConfig(), nil)
	err := f.svc.ConfirmMint(context.Background(), "user-1", "batch-1", "")
	assert.ErrorIs(t, err, offsets.ErrValidation)

	err = f.svc.ConfirmMint(context.Background(), "user-1", "batch-1", "tx-1")
	assert.ErrorIs(t, err, offsets.ErrNotFound)
}

func TestRegisterWallet_Validation(t *testing.T) {
	f := newFixture(t, settlement.DefaultConfig(), nil)
	assert.ErrorIs(t, f.svc.RegisterWallet(context.Background(), "user-1", ""), offsets.ErrValidation)
}

func TestLocalLocker(t *testing.T) {
	l := settlement.NewLocalLocker()
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "mint:user-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "mint:user-1")
	require.NoError(t, err)
	assert.False(t, ok)

	other, ok, err := l.TryLock(ctx, "mint:user-2")
	require.NoError(t, err)
	assert.True(t, ok)
	other()

	unlock()
	again, ok, err := l.TryLock(ctx, "mint:user-1")
	require.NoError(t, err)
	assert.True(t, ok)
	again()
}

func TestScheduler(t *testing.T) {
	f := settledFixture(t, nil, map[string]int64{"user-1": 2_000_000})
	ctx := context.Background()
	require.NoError(t, f.svc.RegisterWallet(ctx, "user-1", "GUSER1"))
	f.ledger.OptIn("GUSER1")

	_, err := settlement.NewScheduler(f.svc, "every tuesday", zap.NewNop())
	assert.Error(t, err)

	s, err := settlement.NewScheduler(f.svc, "0 0 3 * * *", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())
	s.Stop()

	s.RunOnce(ctx)
	rewards, err := f.svc.Rewards(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, rewards, 1)
	assert.Equal(t, offsets.RewardPaid, rewards[0].Status)
}
