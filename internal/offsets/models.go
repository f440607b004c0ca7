package offsets

import (
	"time"

	"gorm.io/datatypes"
)

// ActivityType is the kind of sustainable activity a user reports
type ActivityType string

const (
	ActivityLocalPurchase      ActivityType = "local_purchase"
	ActivityOrganicFarming     ActivityType = "organic_farming"
	ActivityRenewableEnergy    ActivityType = "renewable_energy"
	ActivityWasteReduction     ActivityType = "waste_reduction"
	ActivityTransportReduction ActivityType = "transport_reduction"
	ActivityPackagingReduction ActivityType = "packaging_reduction"
)

// Valid reports whether t is a known activity type
func (t ActivityType) Valid() bool {
	switch t {
	case ActivityLocalPurchase, ActivityOrganicFarming, ActivityRenewableEnergy,
		ActivityWasteReduction, ActivityTransportReduction, ActivityPackagingReduction:
		return true
	}
	return false
}

// MeasurementMethod describes how the activity data was captured
type MeasurementMethod string

const (
	MethodSensor         MeasurementMethod = "sensor"
	MethodAutomated      MeasurementMethod = "automated"
	MethodManualVerified MeasurementMethod = "manual_verified"
	MethodManual         MeasurementMethod = "manual"
	MethodSelfReported   MeasurementMethod = "self_reported"
)

// EvidenceType is the kind of supporting artefact attached to a measurement
type EvidenceType string

const (
	EvidenceReceipt       EvidenceType = "receipt"
	EvidencePhoto         EvidenceType = "photo"
	EvidenceGPS           EvidenceType = "gps"
	EvidenceSensorReading EvidenceType = "sensor_reading"
	EvidenceInvoice       EvidenceType = "invoice"
	EvidenceCertificate   EvidenceType = "certificate"
	EvidenceMeterReading  EvidenceType = "meter_reading"
)

// Valid reports whether t is a known evidence type
func (t EvidenceType) Valid() bool {
	switch t {
	case EvidenceReceipt, EvidencePhoto, EvidenceGPS, EvidenceSensorReading,
		EvidenceInvoice, EvidenceCertificate, EvidenceMeterReading:
		return true
	}
	return false
}

// MeasurementStatus represents the lifecycle status of a measurement
type MeasurementStatus string

const (
	MeasurementPending  MeasurementStatus = "pending"
	MeasurementMeasured MeasurementStatus = "measured"
	MeasurementVerified MeasurementStatus = "verified"
	MeasurementRejected MeasurementStatus = "rejected"
)

// RequestStatus represents the status of a verification request
type RequestStatus string

const (
	RequestPending              RequestStatus = "pending"
	RequestInReview             RequestStatus = "in_review"
	RequestApproved             RequestStatus = "approved"
	RequestRejected             RequestStatus = "rejected"
	RequestResubmissionRequired RequestStatus = "resubmission_required"
	RequestEscalated            RequestStatus = "escalated"
)

// Priority orders verification work. Higher values are served first.
type Priority int

const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
	PriorityUrgent Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// ReviewerRole determines which verification tiers a reviewer may serve
type ReviewerRole string

const (
	RoleReviewer ReviewerRole = "reviewer"
	RoleSenior   ReviewerRole = "senior"
)

// RewardStatus represents the forward-only lifecycle of a reward
type RewardStatus string

const (
	RewardPending  RewardStatus = "pending"
	RewardApproved RewardStatus = "approved"
	RewardMinting  RewardStatus = "minting"
	RewardPaid     RewardStatus = "paid"
	RewardRejected RewardStatus = "rejected"
)

// CarbonActivity is the immutable description of what the user did
type CarbonActivity struct {
	Type              ActivityType `json:"type" gorm:"size:32;index"`
	UserID            string       `json:"user_id" gorm:"size:64"`
	ProductName       string       `json:"product_name" gorm:"size:128"`
	ProductCategory   string       `json:"product_category" gorm:"size:64"`
	QuantityKg        float64      `json:"quantity_kg"`
	OriginRegion      string       `json:"origin_region" gorm:"size:64"`
	DestinationRegion string       `json:"destination_region" gorm:"size:64"`
	FarmingMethod     string       `json:"farming_method" gorm:"size:32"`
	TransportMethod   string       `json:"transport_method" gorm:"size:32"`
	PackagingType     string       `json:"packaging_type" gorm:"size:32"`
	ActivityDate      time.Time    `json:"activity_date"`
}

// CalculationStep records one intermediate value of a calculation
type CalculationStep struct {
	Name    string  `json:"name"`
	Formula string  `json:"formula"`
	Value   float64 `json:"value"`
	Unit    string  `json:"unit"`
}

// CalculationResult holds emissions in kg CO2e and the derived credit amounts
type CalculationResult struct {
	TransportEmissionsKg  float64 `json:"transport_emissions_kg"`
	ProductionEmissionsKg float64 `json:"production_emissions_kg"`
	PackagingEmissionsKg  float64 `json:"packaging_emissions_kg"`
	TotalEmissionsKg      float64 `json:"total_emissions_kg"`
	BaselineEmissionsKg   float64 `json:"baseline_emissions_kg"`
	SavingsKg             float64 `json:"savings_kg"`
	ReductionPercent      float64 `json:"reduction_percent"`
	DistanceKm            float64 `json:"distance_km"`
	Multiplier            float64 `json:"multiplier"`
	DCUnits               float64 `json:"dc_units"`
	// TokenAmount is in integer minor units
	TokenAmount int64                                `json:"token_amount"`
	Steps       datatypes.JSONSlice[CalculationStep] `json:"steps"`
}

// ReceiptDetail describes a purchase receipt
type ReceiptDetail struct {
	Vendor   string  `json:"vendor"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// GPSDetail is a location fix captured with the evidence
type GPSDetail struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	AccuracyM float64 `json:"accuracy_m,omitempty"`
	// GeoJSON optionally carries the raw feature from the capturing device
	GeoJSON string `json:"geojson,omitempty"`
}

// SensorDetail is a single sensor or meter reading
type SensorDetail struct {
	SensorID string  `json:"sensor_id"`
	Reading  float64 `json:"reading"`
	Unit     string  `json:"unit"`
}

// CertificateDetail identifies an organic or origin certificate
type CertificateDetail struct {
	Issuer     string     `json:"issuer"`
	Number     string     `json:"number"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

// Evidence is a supporting artefact with its own content hash
type Evidence struct {
	Type        EvidenceType       `json:"type"`
	ContentHash string             `json:"content_hash"`
	URI         string             `json:"uri,omitempty"`
	CapturedAt  time.Time          `json:"captured_at"`
	Receipt     *ReceiptDetail     `json:"receipt,omitempty"`
	GPS         *GPSDetail         `json:"gps,omitempty"`
	Sensor      *SensorDetail      `json:"sensor,omitempty"`
	Certificate *CertificateDetail `json:"certificate,omitempty"`
}

// MeasurementMetadata holds free-text context. It never contributes to the integrity hash.
type MeasurementMetadata struct {
	Notes    *string  `json:"notes,omitempty"`
	FarmName *string  `json:"farm_name,omitempty"`
	DeviceID *string  `json:"device_id,omitempty"`
	Source   *string  `json:"source,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// Location is a latitude/longitude pair in degrees
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Measurement is a scored, hash-protected claim about an activity. Measurements are never deleted.
type Measurement struct {
	ID     string `json:"id" gorm:"primaryKey;size:96"`
	UserID string `json:"user_id" gorm:"size:64;not null;index"`

	Activity    CarbonActivity    `json:"activity" gorm:"embedded;embeddedPrefix:activity_"`
	Calculation CalculationResult `json:"calculation" gorm:"embedded;embeddedPrefix:calc_"`

	Method        MeasurementMethod                       `json:"method" gorm:"size:32"`
	Evidence      datatypes.JSONSlice[Evidence]           `json:"evidence"`
	Confidence    float64                                 `json:"confidence"`
	Status        MeasurementStatus                       `json:"status" gorm:"size:16;index"`
	IntegrityHash string                                  `json:"integrity_hash" gorm:"size:64"`
	Metadata      datatypes.JSONType[MeasurementMetadata] `json:"metadata"`
	Latitude      *float64                                `json:"latitude,omitempty"`
	Longitude     *float64                                `json:"longitude,omitempty"`
	MeasuredAt    time.Time                               `json:"measured_at" gorm:"index"`

	// Cross references and lifecycle markers
	RequestID  *string    `json:"request_id,omitempty" gorm:"size:64"`
	RewardID   *string    `json:"reward_id,omitempty" gorm:"size:64"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	SettledAt  *time.Time `json:"settled_at,omitempty"`

	Quarantined      bool   `json:"quarantined" gorm:"index"`
	QuarantineReason string `json:"quarantine_reason,omitempty"`

	SettlementFlagged    bool       `json:"settlement_flagged" gorm:"index"`
	SettlementFlagReason string     `json:"settlement_flag_reason,omitempty"`
	FlaggedAt            *time.Time `json:"flagged_at,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// Location returns the capture location when one was supplied
func (m *Measurement) Location() (Location, bool) {
	if m.Latitude == nil || m.Longitude == nil {
		return Location{}, false
	}
	return Location{Latitude: *m.Latitude, Longitude: *m.Longitude}, true
}

// Comment is an entry in a verification request's ordered log
type Comment struct {
	Author    string    `json:"author"`
	Kind      string    `json:"kind"` // comment, rejection, feedback, escalation, system
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// VerificationRequest tracks the review of one measurement
type VerificationRequest struct {
	ID            string        `json:"id" gorm:"primaryKey;size:64"`
	MeasurementID string        `json:"measurement_id" gorm:"size:96;not null;index"`
	UserID        string        `json:"user_id" gorm:"size:64;index"`
	SubmittedBy   string        `json:"submitted_by" gorm:"size:64"`
	Status        RequestStatus `json:"status" gorm:"size:32;index"`
	Priority      Priority      `json:"priority" gorm:"index"`

	// Routing snapshot of the measurement at submission
	SavingsKg     float64 `json:"savings_kg"`
	Confidence    float64 `json:"confidence"`
	EvidenceCount int     `json:"evidence_count"`

	AssignedReviewer *string    `json:"assigned_reviewer,omitempty" gorm:"size:64;index"`
	AssignedAt       *time.Time `json:"assigned_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`

	EscalationReason  string                       `json:"escalation_reason,omitempty"`
	ResubmissionCount int                          `json:"resubmission_count"`
	Comments          datatypes.JSONSlice[Comment] `json:"comments"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// ChecklistItem is one check performed during review
type ChecklistItem struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Adjustments are reviewer overrides of computed values
type Adjustments struct {
	SavingsKg  *float64 `json:"savings_kg,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	DCUnits    *float64 `json:"dc_units,omitempty"`
}

// Empty reports whether no override is present
func (a *Adjustments) Empty() bool {
	return a == nil || (a.SavingsKg == nil && a.Confidence == nil && a.DCUnits == nil)
}

// OriginalValues retains computed values replaced by reviewer adjustments
type OriginalValues struct {
	Adjusted    bool    `json:"adjusted"`
	SavingsKg   float64 `json:"savings_kg"`
	Confidence  float64 `json:"confidence"`
	DCUnits     float64 `json:"dc_units"`
	TokenAmount int64   `json:"token_amount"`
}

// VerificationResult is written exactly once per terminal decision.
// Only the ledger anchor fields may change afterwards.
type VerificationResult struct {
	ID            string        `json:"id" gorm:"primaryKey;size:64"`
	RequestID     string        `json:"request_id" gorm:"size:64;uniqueIndex"`
	MeasurementID string        `json:"measurement_id" gorm:"size:96;index"`
	UserID        string        `json:"user_id" gorm:"size:64;index"`
	Decision      RequestStatus `json:"decision" gorm:"size:32"`

	VerifiedSavingsKg   float64 `json:"verified_savings_kg"`
	VerifiedConfidence  float64 `json:"verified_confidence"`
	VerifiedDCUnits     float64 `json:"verified_dc_units"`
	VerifiedTokenAmount int64   `json:"verified_token_amount"`

	Checklist      datatypes.JSONSlice[ChecklistItem]  `json:"checklist"`
	OriginalValues datatypes.JSONType[OriginalValues] `json:"original_values"`
	ReviewerID     string                              `json:"reviewer_id" gorm:"size:64"`
	Automatic      bool                                `json:"automatic"`
	Reason         string                              `json:"reason,omitempty"`
	ReviewedAt     time.Time                           `json:"reviewed_at"`

	MeasurementHash string `json:"measurement_hash" gorm:"size:64"`
	ResultHash      string `json:"result_hash" gorm:"size:64"`

	LedgerTxRef    *string    `json:"ledger_tx_ref,omitempty" gorm:"size:128"`
	ConfirmedBlock *int64     `json:"confirmed_block,omitempty"`
	AnchoredAt     *time.Time `json:"anchored_at,omitempty"`

	Quarantined      bool   `json:"quarantined" gorm:"index"`
	QuarantineReason string `json:"quarantine_reason,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// Reviewer is a member of the reviewer registry
type Reviewer struct {
	ID                string       `json:"id" gorm:"primaryKey;size:64"`
	Name              string       `json:"name" gorm:"size:128"`
	Role              ReviewerRole `json:"role" gorm:"size:16;index"`
	Active            bool         `json:"active" gorm:"index"`
	ActiveAssignments int          `json:"active_assignments"`
	Capacity          int          `json:"capacity"`
	CreatedAt         time.Time    `json:"created_at" gorm:"autoCreateTime"`
}

// HasCapacity reports whether the reviewer can take another request. Zero capacity is unbounded.
func (r *Reviewer) HasCapacity() bool {
	return r.Capacity <= 0 || r.ActiveAssignments < r.Capacity
}

// ReviewerCursor stores the last reviewer picked per pool for round-robin
type ReviewerCursor struct {
	Pool           string `gorm:"primaryKey;size:32"`
	LastReviewerID string `gorm:"size:64"`
}

// RewardRecord is a settled reward. Status only moves forward.
type RewardRecord struct {
	ID                   string                      `json:"id" gorm:"primaryKey;size:64"`
	UserID               string                      `json:"user_id" gorm:"size:64;not null;index"`
	SourceMeasurementIDs datatypes.JSONSlice[string] `json:"source_measurement_ids"`
	TokenAmount          int64                       `json:"token_amount"`
	Status               RewardStatus                `json:"status" gorm:"size:16;index"`
	BatchID              *string                     `json:"batch_id,omitempty" gorm:"size:32;index"`
	TxRef                *string                     `json:"tx_ref,omitempty" gorm:"size:128"`
	FailureReason        string                      `json:"failure_reason,omitempty"`
	MintedAt             *time.Time                  `json:"minted_at,omitempty"`
	CreatedAt            time.Time                   `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt            time.Time                   `json:"updated_at" gorm:"autoUpdateTime"`
}

// UserDailyTotal accumulates settled tokens per user per UTC day
type UserDailyTotal struct {
	UserID        string `gorm:"primaryKey;size:64"`
	Day           string `gorm:"primaryKey;size:10"` // YYYY-MM-DD
	SettledAmount int64
	SettledCount  int
}

// UserWallet maps a user to the ledger address that receives minted tokens
type UserWallet struct {
	UserID    string    `json:"user_id" gorm:"primaryKey;size:64"`
	Address   string    `json:"address" gorm:"size:64;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// DayKey formats t as the UTC day used by daily totals
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
