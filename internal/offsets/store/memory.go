package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"carbon-scribe/agri-credit/internal/offsets"
	"carbon-scribe/agri-credit/internal/offsets/anchoring"
	"carbon-scribe/agri-credit/internal/offsets/settlement"
	"carbon-scribe/agri-credit/internal/offsets/verification"
)

var (
	_ verification.Repository = (*MemoryStore)(nil)
	_ anchoring.Repository    = (*MemoryStore)(nil)
	_ settlement.Repository   = (*MemoryStore)(nil)
	_ settlement.Stats        = (*MemoryStore)(nil)
)

// MemoryStore keeps pipeline state in process. One mutex makes every operation atomic.
type MemoryStore struct {
	mu           sync.Mutex
	measurements map[string]*offsets.Measurement
	requests     map[string]*offsets.VerificationRequest
	results      map[string]*offsets.VerificationResult
	reviewers    map[string]*offsets.Reviewer
	cursors      map[string]string
	rewards      map[string]*offsets.RewardRecord
	totals       map[string]*offsets.UserDailyTotal
	wallets      map[string]*offsets.UserWallet
	now          func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		measurements: make(map[string]*offsets.Measurement),
		requests:     make(map[string]*offsets.VerificationRequest),
		results:      make(map[string]*offsets.VerificationResult),
		reviewers:    make(map[string]*offsets.Reviewer),
		cursors:      make(map[string]string),
		rewards:      make(map[string]*offsets.RewardRecord),
		totals:       make(map[string]*offsets.UserDailyTotal),
		wallets:      make(map[string]*offsets.UserWallet),
		now:          time.Now,
	}
}

func (s *MemoryStore) CreateSubmission(_ context.Context, m *offsets.Measurement, req *offsets.VerificationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.measurements[m.ID]; ok {
		return fmt.Errorf("%w: measurement %s already exists", offsets.ErrConflict, m.ID)
	}
	if _, ok := s.requests[req.ID]; ok {
		return fmt.Errorf("%w: request %s already exists", offsets.ErrConflict, req.ID)
	}
	now := s.now().UTC()
	s.measurements[m.ID] = stamp(cloneMeasurement(m), now)
	r := cloneRequest(req)
	r.CreatedAt, r.UpdatedAt = now, now
	s.requests[req.ID] = r
	return nil
}

func stamp(m *offsets.Measurement, now time.Time) *offsets.Measurement {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	return m
}

func (s *MemoryStore) GetMeasurement(_ context.Context, id string) (*offsets.Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.measurements[id]
	if !ok {
		return nil, fmt.Errorf("%w: measurement %s", offsets.ErrNotFound, id)
	}
	return cloneMeasurement(m), nil
}

func (s *MemoryStore) GetRequest(_ context.Context, id string) (*offsets.VerificationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: verification request %s", offsets.ErrNotFound, id)
	}
	return cloneRequest(r), nil
}

func (s *MemoryStore) GetResultByRequest(_ context.Context, requestID string) (*offsets.VerificationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.results {
		if r.RequestID == requestID {
			return cloneResult(r), nil
		}
	}
	return nil, fmt.Errorf("%w: result for request %s", offsets.ErrNotFound, requestID)
}

func (s *MemoryStore) GetResult(_ context.Context, id string) (*offsets.VerificationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	if !ok {
		return nil, fmt.Errorf("%w: verification result %s", offsets.ErrNotFound, id)
	}
	return cloneResult(r), nil
}

func (s *MemoryStore) AssignReviewer(_ context.Context, a verification.Assignment) (*offsets.Reviewer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[a.RequestID]
	if !ok {
		return nil, fmt.Errorf("%w: verification request %s", offsets.ErrNotFound, a.RequestID)
	}
	if req.Status != a.From || req.AssignedReviewer != nil {
		return nil, fmt.Errorf("%w: request %s is %s", offsets.ErrConflict, req.ID, req.Status)
	}

	for _, role := range a.Roles {
		var pool []*offsets.Reviewer
		for _, r := range s.reviewers {
			if r.Role == role && r.Active && r.HasCapacity() {
				pool = append(pool, r)
			}
		}
		if len(pool) == 0 {
			continue
		}
		sort.Slice(pool, func(i, j int) bool { return pool[i].ID < pool[j].ID })

		picked := nextInRotation(pool, s.cursors[string(role)], func(r *offsets.Reviewer) string { return r.ID })
		s.cursors[string(role)] = picked.ID
		picked.ActiveAssignments++

		id := picked.ID
		at := a.Now
		req.Status = a.To
		req.AssignedReviewer = &id
		req.AssignedAt = &at
		req.UpdatedAt = a.Now
		out := *picked
		return &out, nil
	}
	return nil, offsets.ErrNoReviewerAvailable
}

// nextInRotation returns the first item whose key sorts after last, wrapping to the start
func nextInRotation[T any](sorted []T, last string, key func(T) string) T {
	for _, item := range sorted {
		if key(item) > last {
			return item
		}
	}
	return sorted[0]
}

func (s *MemoryStore) ConcludeReview(_ context.Context, c verification.Conclusion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[c.RequestID]
	if !ok {
		return fmt.Errorf("%w: verification request %s", offsets.ErrNotFound, c.RequestID)
	}
	if !slices.Contains(c.From, req.Status) {
		return &offsets.TransitionError{Entity: "verification_request", ID: req.ID, Current: string(req.Status), Target: string(c.To)}
	}
	if err := checkReviewer(req.ID, req.AssignedReviewer, c.ReviewerID); err != nil {
		return err
	}
	if c.Result != nil {
		for _, r := range s.results {
			if r.RequestID == req.ID {
				return fmt.Errorf("%w: request %s already has a result", offsets.ErrConflict, req.ID)
			}
		}
	}
	var m *offsets.Measurement
	if c.Measurement != nil {
		if m, ok = s.measurements[req.MeasurementID]; !ok {
			return fmt.Errorf("%w: measurement %s", offsets.ErrNotFound, req.MeasurementID)
		}
	}

	if req.AssignedReviewer != nil {
		if r, ok := s.reviewers[*req.AssignedReviewer]; ok && r.ActiveAssignments > 0 {
			r.ActiveAssignments--
		}
	}
	req.Status = c.To
	req.Comments = append(req.Comments, c.Comments...)
	req.UpdatedAt = c.Now
	if verification.IsTerminal(c.To) {
		at := c.Now
		req.CompletedAt = &at
	} else {
		req.AssignedReviewer = nil
		req.AssignedAt = nil
	}

	if c.Result != nil {
		r := cloneResult(c.Result)
		r.CreatedAt = c.Now
		s.results[r.ID] = r
	}
	if m != nil {
		applyMeasurementUpdate(m, c.Measurement, c.Now)
	}
	return nil
}

func checkReviewer(requestID string, assigned *string, reviewerID string) error {
	if reviewerID == "" {
		if assigned != nil {
			return fmt.Errorf("%w: request %s is assigned", offsets.ErrConflict, requestID)
		}
		return nil
	}
	if assigned == nil || *assigned != reviewerID {
		return fmt.Errorf("%w: request %s", offsets.ErrNotAssigned, requestID)
	}
	return nil
}

func applyMeasurementUpdate(m *offsets.Measurement, u *verification.MeasurementUpdate, now time.Time) {
	m.Status = u.Status
	m.Calculation.SavingsKg = u.SavingsKg
	m.Calculation.DCUnits = u.DCUnits
	m.Calculation.TokenAmount = u.TokenAmount
	m.Confidence = u.Confidence
	m.IntegrityHash = u.IntegrityHash
	if u.ApprovedAt != nil {
		at := *u.ApprovedAt
		m.ApprovedAt = &at
	}
	m.UpdatedAt = now
}

func (s *MemoryStore) Escalate(_ context.Context, e verification.Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[e.RequestID]
	if !ok {
		return fmt.Errorf("%w: verification request %s", offsets.ErrNotFound, e.RequestID)
	}
	if req.Status != offsets.RequestInReview {
		return &offsets.TransitionError{Entity: "verification_request", ID: req.ID, Current: string(req.Status), Target: string(offsets.RequestEscalated)}
	}
	if req.AssignedReviewer != nil {
		if r, ok := s.reviewers[*req.AssignedReviewer]; ok && r.ActiveAssignments > 0 {
			r.ActiveAssignments--
		}
	}
	req.Status = offsets.RequestEscalated
	req.Priority = offsets.PriorityUrgent
	req.AssignedReviewer = nil
	req.AssignedAt = nil
	req.EscalationReason = e.Reason
	req.Comments = append(req.Comments, offsets.Comment{Author: e.Author, Kind: "escalation", Text: e.Reason, CreatedAt: e.Now})
	req.UpdatedAt = e.Now
	return nil
}

func (s *MemoryStore) Resubmit(_ context.Context, r verification.Resubmission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[r.RequestID]
	if !ok {
		return fmt.Errorf("%w: verification request %s", offsets.ErrNotFound, r.RequestID)
	}
	if req.Status != offsets.RequestResubmissionRequired {
		return &offsets.TransitionError{Entity: "verification_request", ID: req.ID, Current: string(req.Status), Target: string(offsets.RequestPending)}
	}
	if _, ok := s.measurements[r.NewMeasurement.ID]; ok {
		return fmt.Errorf("%w: measurement %s already exists", offsets.ErrConflict, r.NewMeasurement.ID)
	}
	if old, ok := s.measurements[req.MeasurementID]; ok {
		old.Status = offsets.MeasurementRejected
		old.UpdatedAt = r.Now
	}

	s.measurements[r.NewMeasurement.ID] = stamp(cloneMeasurement(r.NewMeasurement), r.Now)
	req.MeasurementID = r.NewMeasurement.ID
	req.Status = offsets.RequestPending
	req.Priority = r.Priority
	req.SavingsKg = r.NewMeasurement.Calculation.SavingsKg
	req.Confidence = r.NewMeasurement.Confidence
	req.EvidenceCount = len(r.NewMeasurement.Evidence)
	req.ResubmissionCount++
	req.Comments = append(req.Comments, r.Comment)
	req.UpdatedAt = r.Now
	return nil
}

func (s *MemoryStore) AppendComment(_ context.Context, requestID string, comment offsets.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return fmt.Errorf("%w: verification request %s", offsets.ErrNotFound, requestID)
	}
	req.Comments = append(req.Comments, comment)
	return nil
}

func (s *MemoryStore) ListUnassigned(ctx context.Context, limit int) ([]offsets.VerificationRequest, error) {
	return s.ListRequests(ctx, unassignedFilter(limit))
}

func unassignedFilter(limit int) verification.Filter {
	return verification.Filter{
		Statuses:   []offsets.RequestStatus{offsets.RequestPending, offsets.RequestEscalated},
		Unassigned: true,
		Limit:      limit,
	}
}

func (s *MemoryStore) ListRequests(_ context.Context, f verification.Filter) ([]offsets.VerificationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []offsets.VerificationRequest
	for _, r := range s.requests {
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
			continue
		}
		if f.Unassigned && r.AssignedReviewer != nil {
			continue
		}
		if f.Priority != nil && r.Priority != *f.Priority {
			continue
		}
		if f.ReviewerID != "" && (r.AssignedReviewer == nil || *r.AssignedReviewer != f.ReviewerID) {
			continue
		}
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		out = append(out, *cloneRequest(r))
	}
	sortRequests(out)
	return page(out, f.Offset, f.Limit), nil
}

// sortRequests orders most urgent first, then oldest first
func sortRequests(reqs []offsets.VerificationRequest) {
	sort.SliceStable(reqs, func(i, j int) bool {
		if reqs[i].Priority != reqs[j].Priority {
			return reqs[i].Priority > reqs[j].Priority
		}
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
		}
		return reqs[i].ID < reqs[j].ID
	})
}

func page[T any](items []T, offset, limit int) []T {
	if offset > len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (s *MemoryStore) QuarantineMeasurement(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.measurements[id]
	if !ok {
		return fmt.Errorf("%w: measurement %s", offsets.ErrNotFound, id)
	}
	m.Quarantined = true
	m.QuarantineReason = reason
	return nil
}

func (s *MemoryStore) SaveReviewer(_ context.Context, r *offsets.Reviewer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *r
	if existing, ok := s.reviewers[r.ID]; ok {
		out.ActiveAssignments = existing.ActiveAssignments
		out.CreatedAt = existing.CreatedAt
	} else if out.CreatedAt.IsZero() {
		out.CreatedAt = s.now().UTC()
	}
	s.reviewers[r.ID] = &out
	return nil
}

func (s *MemoryStore) ListReviewers(_ context.Context) ([]offsets.Reviewer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]offsets.Reviewer, 0, len(s.reviewers))
	for _, r := range s.reviewers {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) RecordAnchor(_ context.Context, resultID, txRef string, block int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[resultID]
	if !ok {
		return fmt.Errorf("%w: verification result %s", offsets.ErrNotFound, resultID)
	}
	if r.LedgerTxRef != nil {
		return fmt.Errorf("%w: %s", offsets.ErrAlreadyAnchored, resultID)
	}
	r.LedgerTxRef = &txRef
	r.ConfirmedBlock = &block
	r.AnchoredAt = &at
	return nil
}

func (s *MemoryStore) QuarantineResult(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	if !ok {
		return fmt.Errorf("%w: verification result %s", offsets.ErrNotFound, id)
	}
	r.Quarantined = true
	r.QuarantineReason = reason
	return nil
}

func (s *MemoryStore) ListUnanchoredResults(_ context.Context, limit int) ([]offsets.VerificationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []offsets.VerificationResult
	for _, r := range s.results {
		if r.LedgerTxRef == nil && !r.Quarantined {
			out = append(out, *cloneResult(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReviewedAt.Equal(out[j].ReviewedAt) {
			return out[i].ReviewedAt.Before(out[j].ReviewedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, 0, limit), nil
}

func settleable(m *offsets.Measurement) bool {
	return m.Status == offsets.MeasurementMeasured && m.ApprovedAt != nil &&
		!m.SettlementFlagged && !m.Quarantined && m.RewardID == nil
}

func (s *MemoryStore) ListSettleable(_ context.Context, limit int) ([]offsets.Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []offsets.Measurement
	for _, m := range s.measurements {
		if settleable(m) {
			out = append(out, *cloneMeasurement(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].MeasuredAt.Equal(out[j].MeasuredAt) {
			return out[i].MeasuredAt.Before(out[j].MeasuredAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, 0, limit), nil
}

func (s *MemoryStore) FlagMeasurement(_ context.Context, id, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.measurements[id]
	if !ok {
		return fmt.Errorf("%w: measurement %s", offsets.ErrNotFound, id)
	}
	m.SettlementFlagged = true
	m.SettlementFlagReason = reason
	m.FlaggedAt = &at
	m.UpdatedAt = at
	return nil
}

func (s *MemoryStore) SettleMeasurement(_ context.Context, st settlement.Settlement) (*offsets.RewardRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.measurements[st.MeasurementID]
	if !ok {
		return nil, fmt.Errorf("%w: measurement %s", offsets.ErrNotFound, st.MeasurementID)
	}
	if !settleable(m) {
		return nil, fmt.Errorf("%w: measurement %s is no longer settleable", offsets.ErrConflict, m.ID)
	}

	key := st.UserID + "/" + st.Day
	total, ok := s.totals[key]
	if !ok {
		total = &offsets.UserDailyTotal{UserID: st.UserID, Day: st.Day}
	}
	if st.Cap > 0 && total.SettledAmount+st.Amount > st.Cap {
		return nil, offsets.ErrCapExceeded
	}
	total.SettledAmount += st.Amount
	total.SettledCount++
	s.totals[key] = total

	reward := &offsets.RewardRecord{
		ID:                   st.RewardID,
		UserID:               st.UserID,
		SourceMeasurementIDs: []string{m.ID},
		TokenAmount:          st.Amount,
		Status:               offsets.RewardApproved,
		CreatedAt:            st.Now,
		UpdatedAt:            st.Now,
	}
	s.rewards[reward.ID] = reward

	rewardID := reward.ID
	at := st.Now
	m.Status = offsets.MeasurementVerified
	m.RewardID = &rewardID
	m.SettledAt = &at
	m.UpdatedAt = st.Now

	out := cloneReward(reward)
	return out, nil
}

func (s *MemoryStore) DailyTotal(_ context.Context, userID, day string) (offsets.UserDailyTotal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.totals[userID+"/"+day]; ok {
		return *t, nil
	}
	return offsets.UserDailyTotal{UserID: userID, Day: day}, nil
}

func (s *MemoryStore) ListApprovedRewards(_ context.Context, limit int) ([]offsets.RewardRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []offsets.RewardRecord
	for _, r := range s.rewards {
		if r.Status == offsets.RewardApproved {
			out = append(out, *cloneReward(r))
		}
	}
	sortRewards(out)
	return page(out, 0, limit), nil
}

func (s *MemoryStore) ListRewards(_ context.Context, userID string) ([]offsets.RewardRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []offsets.RewardRecord
	for _, r := range s.rewards {
		if r.UserID == userID {
			out = append(out, *cloneReward(r))
		}
	}
	sortRewards(out)
	return out, nil
}

func sortRewards(rs []offsets.RewardRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

func (s *MemoryStore) ClaimRewards(_ context.Context, ids []string, batchID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		r, ok := s.rewards[id]
		if !ok || r.Status != offsets.RewardApproved {
			return fmt.Errorf("%w: reward %s is not approved", offsets.ErrConflict, id)
		}
	}
	for _, id := range ids {
		r := s.rewards[id]
		b := batchID
		r.Status = offsets.RewardMinting
		r.BatchID = &b
		r.FailureReason = ""
		r.UpdatedAt = at
	}
	return nil
}

func (s *MemoryStore) CompleteMint(_ context.Context, batchID, txRef string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.rewards {
		if r.BatchID != nil && *r.BatchID == batchID && r.Status == offsets.RewardMinting {
			ref, mintedAt := txRef, at
			r.Status = offsets.RewardPaid
			r.TxRef = &ref
			r.MintedAt = &mintedAt
			r.UpdatedAt = at
			n++
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: no minting rewards in batch %s", offsets.ErrNotFound, batchID)
	}
	return n, nil
}

func (s *MemoryStore) RevertMint(_ context.Context, batchID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rewards {
		if r.BatchID != nil && *r.BatchID == batchID && r.Status == offsets.RewardMinting {
			r.Status = offsets.RewardApproved
			r.BatchID = nil
			r.FailureReason = reason
		}
	}
	return nil
}

// ListStaleMinting returns minting rewards last touched before the cutoff, oldest first
func (s *MemoryStore) ListStaleMinting(_ context.Context, before time.Time, limit int) ([]offsets.RewardRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []offsets.RewardRecord
	for _, r := range s.rewards {
		if r.Status == offsets.RewardMinting && r.UpdatedAt.Before(before) {
			out = append(out, *cloneReward(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*offsets.UserWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("%w: wallet for user %s", offsets.ErrNotFound, userID)
	}
	out := *w
	return &out, nil
}

func (s *MemoryStore) SaveWallet(_ context.Context, w *offsets.UserWallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *w
	if out.CreatedAt.IsZero() {
		out.CreatedAt = s.now().UTC()
	}
	s.wallets[w.UserID] = &out
	return nil
}

func (s *MemoryStore) AverageSavings(_ context.Context, userID string, activityType offsets.ActivityType, from, to time.Time, excludeID string) (float64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		sum float64
		n   int
	)
	for _, m := range s.measurements {
		if m.UserID != userID || m.Activity.Type != activityType || m.ID == excludeID || m.Status == offsets.MeasurementRejected {
			continue
		}
		if m.MeasuredAt.Before(from) || !m.MeasuredAt.Before(to) {
			continue
		}
		sum += m.Calculation.SavingsKg
		n++
	}
	if n == 0 {
		return 0, 0, nil
	}
	return sum / float64(n), n, nil
}

func (s *MemoryStore) DailyActivityCount(_ context.Context, userID string, t time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	day := offsets.DayKey(t)
	n := 0
	for _, m := range s.measurements {
		if m.UserID == userID && m.Status != offsets.MeasurementRejected && offsets.DayKey(m.MeasuredAt) == day {
			n++
		}
	}
	return n, nil
}

func cloneMeasurement(m *offsets.Measurement) *offsets.Measurement {
	out := *m
	out.Evidence = slices.Clone(m.Evidence)
	out.Calculation.Steps = slices.Clone(m.Calculation.Steps)
	return &out
}

func cloneRequest(r *offsets.VerificationRequest) *offsets.VerificationRequest {
	out := *r
	out.Comments = slices.Clone(r.Comments)
	return &out
}

func cloneResult(r *offsets.VerificationResult) *offsets.VerificationResult {
	out := *r
	out.Checklist = slices.Clone(r.Checklist)
	return &out
}

func cloneReward(r *offsets.RewardRecord) *offsets.RewardRecord {
	out := *r
	out.SourceMeasurementIDs = slices.Clone(r.SourceMeasurementIDs)
	return &out
}
