package verification

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"carbon-scribe/agri-credit/internal/offsets"
)

// TierLimits caps in-flight workflow operations per priority tier
type TierLimits struct {
	Normal int64 `json:"normal"`
	High   int64 `json:"high"`
	Urgent int64 `json:"urgent"`
}

// DefaultTierLimits returns the standard per-tier concurrency
func DefaultTierLimits() TierLimits {
	return TierLimits{Normal: 8, High: 4, Urgent: 2}
}

// TierLimiter bounds concurrent work per priority. Excess callers wait.
type TierLimiter struct {
	tiers map[offsets.Priority]*semaphore.Weighted
}

// NewTierLimiter creates a limiter; non-positive limits fall back to defaults
func NewTierLimiter(limits TierLimits) *TierLimiter {
	def := DefaultTierLimits()
	pick := func(v, d int64) int64 {
		if v <= 0 {
			return d
		}
		return v
	}
	return &TierLimiter{tiers: map[offsets.Priority]*semaphore.Weighted{
		offsets.PriorityNormal: semaphore.NewWeighted(pick(limits.Normal, def.Normal)),
		offsets.PriorityHigh:   semaphore.NewWeighted(pick(limits.High, def.High)),
		offsets.PriorityUrgent: semaphore.NewWeighted(pick(limits.Urgent, def.Urgent)),
	}}
}

// Acquire blocks until a slot in the priority's tier is free
func (l *TierLimiter) Acquire(ctx context.Context, p offsets.Priority) (func(), error) {
	sem, ok := l.tiers[p]
	if !ok {
		sem = l.tiers[offsets.PriorityNormal]
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire %s tier slot: %w", p, err)
	}
	return func() { sem.Release(1) }, nil
}
