package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"carbon-scribe/agri-credit/internal/observability/metrics"
	"carbon-scribe/agri-credit/internal/offsets"
	"carbon-scribe/agri-credit/internal/offsets/calculation"
	"carbon-scribe/agri-credit/internal/offsets/events"
	"carbon-scribe/agri-credit/pkg/ledger"
)

// Config holds settlement limits and batching
type Config struct {
	// DailyCap is the per-user daily token cap in minor units
	DailyCap           int64         `json:"daily_cap"`
	AnomalyMultiplier  float64       `json:"anomaly_multiplier"`
	TrailingWindow     time.Duration `json:"trailing_window"`
	MaxDailyActivities int           `json:"max_daily_activities"`
	MaxTransportKm     float64       `json:"max_transport_km"`
	// MinBatchAmount is the smallest per-user total worth a mint, in minor units
	MinBatchAmount int64  `json:"min_batch_amount"`
	BatchSize      int    `json:"batch_size"`
	Concurrency    int    `json:"concurrency"`
	Schedule       string `json:"schedule"`
	// MintSettleWindow is how long a claimed batch may stay minting before the
	// ledger is asked whether its payment landed. It must outlive the ledger's transaction timeout.
	MintSettleWindow time.Duration `json:"mint_settle_window"`
}

// DefaultConfig returns the standard settlement configuration
func DefaultConfig() Config {
	return Config{
		DailyCap:           100_000_000,
		AnomalyMultiplier:  10,
		TrailingWindow:     7 * 24 * time.Hour,
		MaxDailyActivities: 10,
		MaxTransportKm:     1000,
		MinBatchAmount:     100_000,
		BatchSize:          200,
		Concurrency:        4,
		Schedule:           "0 */15 * * * *",
		MintSettleWindow:   10 * time.Minute,
	}
}

// Report summarizes one settlement pass
type Report struct {
	Processed int                     `json:"processed"`
	Outcomes  map[offsets.Outcome]int `json:"outcomes"`
}

// MintReport summarizes one mint pass
type MintReport struct {
	Users   int   `json:"users"`
	Paid    int   `json:"paid"`
	Amount  int64 `json:"amount"`
	Skipped int   `json:"skipped"`
	Failed  int   `json:"failed"`
	// Pending batches were submitted without confirmation and stay minting
	Pending int `json:"pending"`
}

// ReconcileReport summarizes one pass over stale minting batches
type ReconcileReport struct {
	Batches  int `json:"batches"`
	Paid     int `json:"paid"`
	Reverted int `json:"reverted"`
}

// Service converts approved measurements into rewards and mints them
type Service struct {
	repo    Repository
	stats   Stats
	engine  *calculation.Engine
	tokens  ledger.TokenLedger
	retry   ledger.RetryPolicy
	locker  Locker
	node    *snowflake.Node
	cfg     Config
	emitter *events.Emitter
	metrics *metrics.PipelineMetrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewService creates a new settlement service
func NewService(
	repo Repository,
	stats Stats,
	engine *calculation.Engine,
	tokens ledger.TokenLedger,
	retry ledger.RetryPolicy,
	locker Locker,
	node *snowflake.Node,
	cfg Config,
	emitter *events.Emitter,
	m *metrics.PipelineMetrics,
	logger *zap.Logger,
) *Service {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MintSettleWindow <= 0 {
		cfg.MintSettleWindow = DefaultConfig().MintSettleWindow
	}
	return &Service{
		repo:    repo,
		stats:   stats,
		engine:  engine,
		tokens:  tokens,
		retry:   retry,
		locker:  locker,
		node:    node,
		cfg:     cfg,
		emitter: emitter,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock replaces the time source
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RunSettlement settles every approved, unsettled measurement
func (s *Service) RunSettlement(ctx context.Context) (*Report, error) {
	pending, err := s.repo.ListSettleable(ctx, s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list settleable measurements: %w", err)
	}

	report := &Report{Outcomes: make(map[offsets.Outcome]int)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i := range pending {
		m := &pending[i]
		g.Go(func() error {
			outcome, err := s.SettleMeasurement(gctx, m)
			if err != nil {
				return fmt.Errorf("failed to settle measurement %s: %w", m.ID, err)
			}
			mu.Lock()
			report.Processed++
			report.Outcomes[outcome]++
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()

	s.logger.Info("Settlement pass finished",
		zap.Int("candidates", len(pending)),
		zap.Int("processed", report.Processed),
		zap.Int("approved", report.Outcomes[offsets.OutcomeApproved]),
		zap.Int("manual_review", report.Outcomes[offsets.OutcomeManualReview]),
		zap.Int("cap_exceeded", report.Outcomes[offsets.OutcomeCapExceeded]))
	return report, err
}

// SettleMeasurement runs the anomaly checks and the daily cap for one measurement.
// Anomalies and cap breaches flag the measurement for manual review and are returned as outcomes.
func (s *Service) SettleMeasurement(ctx context.Context, m *offsets.Measurement) (offsets.Outcome, error) {
	reason, err := s.anomaly(ctx, m)
	if err != nil {
		return "", err
	}
	if reason == "" && m.Calculation.TokenAmount <= 0 {
		reason = "measurement carries no reward amount"
	}
	if reason != "" {
		return offsets.OutcomeManualReview, s.flag(ctx, m, reason, offsets.OutcomeManualReview)
	}

	now := s.now().UTC()
	reward, err := s.repo.SettleMeasurement(ctx, Settlement{
		MeasurementID: m.ID,
		UserID:        m.UserID,
		RewardID:      uuid.NewString(),
		Amount:        m.Calculation.TokenAmount,
		Cap:           s.cfg.DailyCap,
		Day:           offsets.DayKey(now),
		Now:           now,
	})
	switch {
	case errors.Is(err, offsets.ErrCapExceeded):
		total, terr := s.repo.DailyTotal(ctx, m.UserID, offsets.DayKey(now))
		if terr != nil {
			return "", terr
		}
		reason := fmt.Sprintf("daily cap exceeded: settled %d + claim %d > cap %d", total.SettledAmount, m.Calculation.TokenAmount, s.cfg.DailyCap)
		return offsets.OutcomeCapExceeded, s.flag(ctx, m, reason, offsets.OutcomeCapExceeded)
	case errors.Is(err, offsets.ErrConflict):
		s.logger.Info("Measurement settled elsewhere", zap.String("measurement_id", m.ID))
		s.metrics.Settlement(string(offsets.OutcomeSkipped))
		return offsets.OutcomeSkipped, nil
	case err != nil:
		return "", err
	}

	s.logger.Info("Measurement settled",
		zap.String("measurement_id", m.ID),
		zap.String("reward_id", reward.ID),
		zap.String("user_id", m.UserID),
		zap.Int64("token_amount", reward.TokenAmount))
	s.metrics.Settlement(string(offsets.OutcomeApproved))
	s.emitter.Emit(ctx, events.Event{Type: events.RewardApproved, UserID: m.UserID, MeasurementID: m.ID, RewardID: reward.ID})
	return offsets.OutcomeApproved, nil
}

// anomaly returns a non-empty reason when the activity pattern looks implausible
func (s *Service) anomaly(ctx context.Context, m *offsets.Measurement) (string, error) {
	if s.cfg.MaxTransportKm > 0 && m.Activity.OriginRegion != "" && m.Activity.DestinationRegion != "" {
		distance, _ := s.engine.Distance(m.Activity.OriginRegion, m.Activity.DestinationRegion)
		if distance > s.cfg.MaxTransportKm {
			return fmt.Sprintf("implausible transport distance %.0f km between %s and %s", distance, m.Activity.OriginRegion, m.Activity.DestinationRegion), nil
		}
	}

	if s.cfg.AnomalyMultiplier > 0 {
		to := m.MeasuredAt
		from := to.Add(-s.cfg.TrailingWindow)
		avg, n, err := s.stats.AverageSavings(ctx, m.UserID, m.Activity.Type, from, to, m.ID)
		if err != nil {
			return "", fmt.Errorf("failed to load savings history: %w", err)
		}
		if n > 0 && avg > 0 && m.Calculation.SavingsKg > s.cfg.AnomalyMultiplier*avg {
			return fmt.Sprintf("savings %.3f kg exceed %.0fx trailing average %.3f kg for %s", m.Calculation.SavingsKg, s.cfg.AnomalyMultiplier, avg, m.Activity.Type), nil
		}
	}

	if s.cfg.MaxDailyActivities > 0 {
		count, err := s.stats.DailyActivityCount(ctx, m.UserID, m.MeasuredAt)
		if err != nil {
			return "", fmt.Errorf("failed to count daily activities: %w", err)
		}
		if count > s.cfg.MaxDailyActivities {
			return fmt.Sprintf("%d activities on %s exceed daily ceiling %d", count, offsets.DayKey(m.MeasuredAt), s.cfg.MaxDailyActivities), nil
		}
	}
	return "", nil
}

func (s *Service) flag(ctx context.Context, m *offsets.Measurement, reason string, outcome offsets.Outcome) error {
	if err := s.repo.FlagMeasurement(ctx, m.ID, reason, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to flag measurement: %w", err)
	}
	s.logger.Warn("Measurement routed to manual review",
		zap.String("measurement_id", m.ID),
		zap.String("user_id", m.UserID),
		zap.String("outcome", string(outcome)),
		zap.String("reason", reason))
	s.metrics.Settlement(string(outcome))
	s.emitter.Emit(ctx, events.Event{Type: events.SettlementFlagged, UserID: m.UserID, MeasurementID: m.ID,
		Attributes: map[string]string{"outcome": string(outcome), "reason": reason}})
	return nil
}

// RunMint requests one mint per user for their approved rewards
func (s *Service) RunMint(ctx context.Context) (*MintReport, error) {
	rewards, err := s.repo.ListApprovedRewards(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list approved rewards: %w", err)
	}

	byUser := make(map[string][]offsets.RewardRecord)
	for _, r := range rewards {
		byUser[r.UserID] = append(byUser[r.UserID], r)
	}
	users := make([]string, 0, len(byUser))
	for userID := range byUser {
		users = append(users, userID)
	}
	sort.Strings(users)

	report := &MintReport{}
	var (
		mu   sync.Mutex
		errs []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, userID := range users {
		batch := byUser[userID]
		var total int64
		for _, r := range batch {
			total += r.TokenAmount
		}
		if total < s.cfg.MinBatchAmount {
			s.logger.Debug("Reward total below minimum batch",
				zap.String("user_id", userID),
				zap.Int64("total", total))
			continue
		}

		report.Users++
		g.Go(func() error {
			paid, err := s.mintUser(gctx, userID, batch, total)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case ledger.IsUnconfirmed(err):
				report.Pending++
			case err != nil:
				report.Failed++
				errs = append(errs, err)
			case paid:
				report.Paid++
				report.Amount += total
			default:
				report.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("Mint pass finished",
		zap.Int("users", report.Users),
		zap.Int("paid", report.Paid),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("pending", report.Pending),
		zap.Int64("amount", report.Amount))
	return report, errors.Join(errs...)
}

// mintUser mints one user's batch. It reports false without error when the user is skipped.
func (s *Service) mintUser(ctx context.Context, userID string, batch []offsets.RewardRecord, total int64) (bool, error) {
	unlock, ok, err := s.locker.TryLock(ctx, "mint:"+userID)
	if err != nil {
		return false, fmt.Errorf("failed to lock user %s: %w", userID, err)
	}
	if !ok {
		s.logger.Info("Mint already in flight for user", zap.String("user_id", userID))
		s.metrics.Mint("in_flight", 0)
		return false, nil
	}
	defer unlock()

	wallet, err := s.repo.GetWallet(ctx, userID)
	if errors.Is(err, offsets.ErrNotFound) {
		s.logger.Warn("User has no wallet, rewards stay approved", zap.String("user_id", userID))
		s.metrics.Mint("no_wallet", 0)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var optedIn bool
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		optedIn, err = s.tokens.OptInStatus(ctx, wallet.Address)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%w: failed to check opt-in for %s: %w", offsets.ErrLedger, userID, err)
	}
	if !optedIn {
		s.logger.Warn("Wallet has not opted in, rewards stay approved",
			zap.String("user_id", userID),
			zap.String("address", wallet.Address))
		s.metrics.Mint("not_opted_in", 0)
		return false, nil
	}

	ids := make([]string, len(batch))
	for i, r := range batch {
		ids[i] = r.ID
	}
	batchID := s.node.Generate().String()
	if err := s.repo.ClaimRewards(ctx, ids, batchID, s.now().UTC()); err != nil {
		if errors.Is(err, offsets.ErrConflict) {
			s.logger.Info("Rewards claimed by another mint", zap.String("user_id", userID))
			return false, nil
		}
		return false, fmt.Errorf("failed to claim rewards: %w", err)
	}
	s.emitter.Emit(ctx, events.Event{Type: events.RewardMinting, UserID: userID,
		Attributes: map[string]string{"batch_id": batchID, "amount": fmt.Sprint(total)}})

	receipt, err := s.retry.Submit(ctx,
		func(ctx context.Context) (ledger.Receipt, error) {
			return s.tokens.Mint(ctx, wallet.Address, total, batchID)
		},
		func(ctx context.Context) (ledger.Receipt, error) {
			return s.tokens.FindMint(ctx, batchID)
		})
	if ledger.IsUnconfirmed(err) {
		// the payment may still land; reverting now could pay the rewards twice
		s.metrics.Mint("unconfirmed", 0)
		s.logger.Warn("Mint outcome unknown, batch stays minting",
			zap.String("user_id", userID),
			zap.String("batch_id", batchID),
			zap.Int64("amount", total),
			zap.Error(err))
		return false, fmt.Errorf("%w: mint for %s: %w", offsets.ErrLedger, userID, err)
	}
	if err != nil {
		s.metrics.Mint("failed", 0)
		s.logger.Error("Mint failed, returning rewards to approved",
			zap.String("user_id", userID),
			zap.String("batch_id", batchID),
			zap.Int64("amount", total),
			zap.Error(err))
		if rerr := s.repo.RevertMint(ctx, batchID, err.Error()); rerr != nil {
			return false, errors.Join(fmt.Errorf("%w: mint for %s: %w", offsets.ErrLedger, userID, err), fmt.Errorf("failed to revert batch %s: %w", batchID, rerr))
		}
		return false, fmt.Errorf("%w: mint for %s: %w", offsets.ErrLedger, userID, err)
	}

	if err := s.ConfirmMint(ctx, userID, batchID, receipt.TxRef); err != nil {
		s.logger.Error("Minted but failed to record confirmation",
			zap.String("batch_id", batchID),
			zap.String("tx_ref", receipt.TxRef),
			zap.Error(err))
		return false, err
	}
	s.metrics.Mint("paid", total)
	return true, nil
}

// ReconcileMints settles batches left minting for longer than the settle window.
// A batch whose payment is on the ledger becomes paid; one the ledger never saw
// returns to approved, since its transaction can no longer be applied.
func (s *Service) ReconcileMints(ctx context.Context) (*ReconcileReport, error) {
	stale, err := s.repo.ListStaleMinting(ctx, s.now().UTC().Add(-s.cfg.MintSettleWindow), s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list minting rewards: %w", err)
	}

	batches := make(map[string]string)
	var order []string
	for _, r := range stale {
		if r.BatchID == nil {
			continue
		}
		if _, ok := batches[*r.BatchID]; !ok {
			batches[*r.BatchID] = r.UserID
			order = append(order, *r.BatchID)
		}
	}

	report := &ReconcileReport{Batches: len(order)}
	var errs []error
	for _, batchID := range order {
		userID := batches[batchID]
		var receipt ledger.Receipt
		err := s.retry.Do(ctx, func(ctx context.Context) error {
			var err error
			receipt, err = s.tokens.FindMint(ctx, batchID)
			return err
		})
		switch {
		case err == nil:
			if err := s.ConfirmMint(ctx, userID, batchID, receipt.TxRef); err != nil {
				errs = append(errs, err)
				continue
			}
			report.Paid++
		case errors.Is(err, ledger.ErrNotFound):
			if err := s.repo.RevertMint(ctx, batchID, "mint not found on ledger"); err != nil {
				errs = append(errs, fmt.Errorf("failed to revert batch %s: %w", batchID, err))
				continue
			}
			s.logger.Warn("Minting batch never reached the ledger, rewards back to approved",
				zap.String("user_id", userID),
				zap.String("batch_id", batchID))
			s.metrics.Mint("reverted", 0)
			report.Reverted++
		default:
			errs = append(errs, fmt.Errorf("%w: failed to look up batch %s: %w", offsets.ErrLedger, batchID, err))
		}
	}

	if report.Batches > 0 {
		s.logger.Info("Minting batches reconciled",
			zap.Int("batches", report.Batches),
			zap.Int("paid", report.Paid),
			zap.Int("reverted", report.Reverted))
	}
	return report, errors.Join(errs...)
}

// ConfirmMint marks a minting batch paid. Rewards never become paid without a ledger reference.
func (s *Service) ConfirmMint(ctx context.Context, userID, batchID, txRef string) error {
	if txRef == "" {
		return fmt.Errorf("%w: confirmation requires a ledger reference", offsets.ErrValidation)
	}
	n, err := s.repo.CompleteMint(ctx, batchID, txRef, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to complete mint: %w", err)
	}
	s.logger.Info("Rewards paid",
		zap.String("user_id", userID),
		zap.String("batch_id", batchID),
		zap.String("tx_ref", txRef),
		zap.Int("rewards", n))
	s.emitter.Emit(ctx, events.Event{Type: events.RewardPaid, UserID: userID,
		Attributes: map[string]string{"batch_id": batchID, "tx_ref": txRef}})
	return nil
}

// RegisterWallet links a user to the ledger address that receives their rewards
func (s *Service) RegisterWallet(ctx context.Context, userID, address string) error {
	if userID == "" || address == "" {
		return fmt.Errorf("%w: user id and address are required", offsets.ErrValidation)
	}
	return s.repo.SaveWallet(ctx, &offsets.UserWallet{UserID: userID, Address: address})
}

// Rewards lists a user's reward records
func (s *Service) Rewards(ctx context.Context, userID string) ([]offsets.RewardRecord, error) {
	return s.repo.ListRewards(ctx, userID)
}
