package anchoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"carbon-scribe/agri-credit/internal/observability/metrics"
	"carbon-scribe/agri-credit/internal/offsets"
	"carbon-scribe/agri-credit/internal/offsets/events"
	"carbon-scribe/agri-credit/pkg/ledger"
	"carbon-scribe/agri-credit/pkg/locks"
)

// Repository persists anchor references on verification results
type Repository interface {
	GetResult(ctx context.Context, id string) (*offsets.VerificationResult, error)
	// RecordAnchor sets the ledger reference once; it returns ErrAlreadyAnchored if one exists
	RecordAnchor(ctx context.Context, resultID, txRef string, block int64, at time.Time) error
	QuarantineResult(ctx context.Context, id, reason string) error
	ListUnanchoredResults(ctx context.Context, limit int) ([]offsets.VerificationResult, error)
}

// DefaultSettleWindow outlasts the ledger's transaction timeout
const DefaultSettleWindow = 6 * time.Minute

// Service writes verification outcomes to the ledger and checks them against it
type Service struct {
	repo    Repository
	ledger  ledger.NoteLedger
	retry   ledger.RetryPolicy
	locks   *locks.Keyed
	emitter *events.Emitter
	metrics *metrics.PipelineMetrics
	logger  *zap.Logger
	now     func() time.Time

	// results whose last submission went unconfirmed, by time of that attempt
	mu           sync.Mutex
	unconfirmed  map[string]time.Time
	settleWindow time.Duration
}

// NewService creates a new anchoring service
func NewService(repo Repository, notes ledger.NoteLedger, retry ledger.RetryPolicy, emitter *events.Emitter, m *metrics.PipelineMetrics, logger *zap.Logger) *Service {
	return &Service{
		repo:    repo,
		ledger:  notes,
		retry:   retry,
		locks:   locks.NewKeyed(),
		emitter: emitter,
		metrics: m,
		logger:  logger,
		now:     time.Now,

		unconfirmed:  make(map[string]time.Time),
		settleWindow: DefaultSettleWindow,
	}
}

// WithClock replaces the time source
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithSettleWindow sets how long an unconfirmed submission blocks a new one
func (s *Service) WithSettleWindow(d time.Duration) *Service {
	s.settleWindow = d
	return s
}

// Anchor submits a result to the ledger and records the receipt.
// A result that already carries a txRef returns that receipt without a new submission.
func (s *Service) Anchor(ctx context.Context, resultID string, signer ledger.Signer) (ledger.Receipt, error) {
	unlock := s.locks.Lock(resultID)
	defer unlock()

	r, err := s.repo.GetResult(ctx, resultID)
	if err != nil {
		return ledger.Receipt{}, err
	}
	if receipt, ok := anchored(r); ok {
		s.logger.Info("Result already anchored",
			zap.String("result_id", r.ID),
			zap.String("tx_ref", receipt.TxRef))
		s.metrics.Anchor("already_anchored")
		return receipt, nil
	}
	if r.Quarantined {
		return ledger.Receipt{}, fmt.Errorf("%w: result %s: %s", offsets.ErrQuarantined, r.ID, r.QuarantineReason)
	}

	computed, err := offsets.ComputeResultHash(r)
	if err != nil {
		return ledger.Receipt{}, err
	}
	if computed != r.ResultHash {
		integrityErr := &offsets.IntegrityError{Entity: "verification_result", ID: r.ID, Expected: r.ResultHash, Actual: computed}
		s.quarantine(ctx, r, integrityErr)
		return ledger.Receipt{}, integrityErr
	}

	payload, err := offsets.NewAnchorPayload(r).Encode()
	if err != nil {
		return ledger.Receipt{}, err
	}

	if since, waiting := s.awaiting(r.ID); waiting {
		return ledger.Receipt{}, fmt.Errorf("%w: result %s has an unconfirmed submission from %s", offsets.ErrLedger, r.ID, since.Format(time.RFC3339))
	}

	// a note from an earlier attempt may have landed after its receipt was lost
	receipt, err := s.findNote(ctx, signer, payload)
	if errors.Is(err, ledger.ErrNotFound) {
		receipt, err = s.retry.Submit(ctx,
			func(ctx context.Context) (ledger.Receipt, error) { return s.ledger.SubmitNote(ctx, signer, payload) },
			func(ctx context.Context) (ledger.Receipt, error) { return s.ledger.FindNote(ctx, signer, payload) })
	}
	if ledger.IsUnconfirmed(err) {
		s.mu.Lock()
		s.unconfirmed[r.ID] = s.now()
		s.mu.Unlock()
		s.metrics.Anchor("unconfirmed")
		s.logger.Warn("Anchor submission unconfirmed, holding result",
			zap.String("result_id", r.ID),
			zap.Duration("settle_window", s.settleWindow),
			zap.Error(err))
		return ledger.Receipt{}, fmt.Errorf("%w: anchor of result %s unconfirmed: %w", offsets.ErrLedger, r.ID, err)
	}
	if err != nil {
		s.metrics.Anchor("failed")
		s.logger.Error("Failed to anchor verification result",
			zap.String("result_id", r.ID),
			zap.Error(err))
		return ledger.Receipt{}, fmt.Errorf("%w: failed to anchor result %s: %w", offsets.ErrLedger, r.ID, err)
	}

	s.mu.Lock()
	delete(s.unconfirmed, r.ID)
	s.mu.Unlock()

	err = s.repo.RecordAnchor(ctx, r.ID, receipt.TxRef, receipt.ConfirmedBlock, s.now().UTC())
	if errors.Is(err, offsets.ErrAlreadyAnchored) {
		// another process won the race; its receipt is the one on record
		current, gerr := s.repo.GetResult(ctx, r.ID)
		if gerr != nil {
			return ledger.Receipt{}, gerr
		}
		if stored, ok := anchored(current); ok {
			s.logger.Warn("Result anchored concurrently, keeping first receipt",
				zap.String("result_id", r.ID),
				zap.String("tx_ref", stored.TxRef),
				zap.String("discarded_tx_ref", receipt.TxRef))
			return stored, nil
		}
	}
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("failed to record anchor: %w", err)
	}

	s.logger.Info("Verification result anchored",
		zap.String("result_id", r.ID),
		zap.String("tx_ref", receipt.TxRef),
		zap.Int64("confirmed_block", receipt.ConfirmedBlock))
	s.metrics.Anchor("anchored")
	s.emitter.Emit(ctx, events.Event{Type: events.VerificationAnchored, UserID: r.UserID, MeasurementID: r.MeasurementID, RequestID: r.RequestID, ResultID: r.ID,
		Attributes: map[string]string{"tx_ref": receipt.TxRef}})
	return receipt, nil
}

// Retrieve reads an anchored payload back from the ledger
func (s *Service) Retrieve(ctx context.Context, txRef string) (offsets.AnchorPayload, error) {
	var data []byte
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		data, err = s.ledger.ReadNote(ctx, txRef)
		return err
	})
	if errors.Is(err, ledger.ErrNotFound) {
		return offsets.AnchorPayload{}, fmt.Errorf("%w: ledger note %s", offsets.ErrNotFound, txRef)
	}
	if err != nil {
		return offsets.AnchorPayload{}, fmt.Errorf("%w: failed to read note %s: %w", offsets.ErrLedger, txRef, err)
	}
	return offsets.DecodeAnchorPayload(data)
}

// VerifyIntegrity compares a stored result with its ledger copy.
// The ledger copy is authoritative and is returned on success; a mismatch quarantines the stored result.
func (s *Service) VerifyIntegrity(ctx context.Context, resultID string) (offsets.AnchorPayload, error) {
	r, err := s.repo.GetResult(ctx, resultID)
	if err != nil {
		return offsets.AnchorPayload{}, err
	}
	receipt, ok := anchored(r)
	if !ok {
		return offsets.AnchorPayload{}, fmt.Errorf("%w: result %s is not anchored", offsets.ErrNotFound, r.ID)
	}

	onLedger, err := s.Retrieve(ctx, receipt.TxRef)
	if err != nil {
		return offsets.AnchorPayload{}, err
	}
	ledgerHash, err := onLedger.Hash()
	if err != nil {
		return offsets.AnchorPayload{}, err
	}
	storedHash, err := offsets.ComputeResultHash(r)
	if err != nil {
		return offsets.AnchorPayload{}, err
	}

	if ledgerHash != storedHash || ledgerHash != r.ResultHash {
		integrityErr := &offsets.IntegrityError{Entity: "verification_result", ID: r.ID, Expected: ledgerHash, Actual: storedHash}
		s.quarantine(ctx, r, integrityErr)
		return onLedger, integrityErr
	}
	return onLedger, nil
}

// Reconcile anchors every result that has no ledger reference yet
func (s *Service) Reconcile(ctx context.Context, signer ledger.Signer, limit int) (int, error) {
	results, err := s.repo.ListUnanchoredResults(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list unanchored results: %w", err)
	}

	count := 0
	var errs []error
	for _, r := range results {
		if _, err := s.Anchor(ctx, r.ID, signer); err != nil {
			errs = append(errs, err)
			continue
		}
		count++
	}
	return count, errors.Join(errs...)
}

func (s *Service) quarantine(ctx context.Context, r *offsets.VerificationResult, cause *offsets.IntegrityError) {
	s.logger.Error("Verification result integrity check failed",
		zap.String("result_id", r.ID),
		zap.String("expected_hash", cause.Expected),
		zap.String("actual_hash", cause.Actual))
	s.metrics.IntegrityFailure("verification_result")
	if err := s.repo.QuarantineResult(ctx, r.ID, cause.Error()); err != nil {
		s.logger.Error("Failed to quarantine result", zap.String("result_id", r.ID), zap.Error(err))
	}
	s.emitter.Emit(ctx, events.Event{Type: events.IntegrityQuarantined, UserID: r.UserID, MeasurementID: r.MeasurementID, RequestID: r.RequestID, ResultID: r.ID})
}

// awaiting reports whether an unconfirmed submission for the result is still inside the settle window
func (s *Service) awaiting(resultID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	since, ok := s.unconfirmed[resultID]
	if !ok {
		return time.Time{}, false
	}
	return since, s.now().Before(since.Add(s.settleWindow))
}

func (s *Service) findNote(ctx context.Context, signer ledger.Signer, payload []byte) (ledger.Receipt, error) {
	var receipt ledger.Receipt
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		receipt, err = s.ledger.FindNote(ctx, signer, payload)
		return err
	})
	return receipt, err
}

func anchored(r *offsets.VerificationResult) (ledger.Receipt, bool) {
	if r.LedgerTxRef == nil || *r.LedgerTxRef == "" {
		return ledger.Receipt{}, false
	}
	receipt := ledger.Receipt{TxRef: *r.LedgerTxRef}
	if r.ConfirmedBlock != nil {
		receipt.ConfirmedBlock = *r.ConfirmedBlock
	}
	return receipt, true
}
