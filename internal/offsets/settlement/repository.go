package settlement

import (
	"context"
	"time"

	"carbon-scribe/agri-credit/internal/offsets"
)

// Settlement is one check-and-increment of a user's daily total
type Settlement struct {
	MeasurementID string
	UserID        string
	RewardID      string
	Amount        int64
	// Cap is the daily limit in minor units; the increment is refused with ErrCapExceeded past it
	Cap int64
	Day string
	Now time.Time
}

// Repository persists settlement state
type Repository interface {
	// ListSettleable returns approved, unflagged, unquarantined measurements without a reward
	ListSettleable(ctx context.Context, limit int) ([]offsets.Measurement, error)
	FlagMeasurement(ctx context.Context, id, reason string, at time.Time) error

	// SettleMeasurement atomically checks the cap, increments the daily total,
	// creates an approved reward and marks the measurement verified.
	SettleMeasurement(ctx context.Context, s Settlement) (*offsets.RewardRecord, error)
	DailyTotal(ctx context.Context, userID, day string) (offsets.UserDailyTotal, error)

	ListApprovedRewards(ctx context.Context, limit int) ([]offsets.RewardRecord, error)
	ListRewards(ctx context.Context, userID string) ([]offsets.RewardRecord, error)
	// ClaimRewards moves all ids from approved to minting under batchID, or none of them
	ClaimRewards(ctx context.Context, ids []string, batchID string, at time.Time) error
	// CompleteMint moves a batch from minting to paid with its ledger reference
	CompleteMint(ctx context.Context, batchID, txRef string, at time.Time) (int, error)
	// RevertMint returns an unconfirmed batch to approved
	RevertMint(ctx context.Context, batchID, reason string) error
	// ListStaleMinting returns minting rewards claimed before the given time
	ListStaleMinting(ctx context.Context, before time.Time, limit int) ([]offsets.RewardRecord, error)

	GetWallet(ctx context.Context, userID string) (*offsets.UserWallet, error)
	SaveWallet(ctx context.Context, w *offsets.UserWallet) error
}

// Stats answers the activity-pattern questions behind anomaly checks
type Stats interface {
	// AverageSavings is the user's mean savings for an activity type over [from, to), excluding one measurement
	AverageSavings(ctx context.Context, userID string, activityType offsets.ActivityType, from, to time.Time, excludeID string) (avg float64, n int, err error)
	// DailyActivityCount counts the user's measurements on the UTC day of t
	DailyActivityCount(ctx context.Context, userID string, t time.Time) (int, error)
}
