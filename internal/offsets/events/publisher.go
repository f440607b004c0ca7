package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event types
const (
	MeasurementSubmitted  = "measurement.submitted"
	VerificationAssigned  = "verification.assigned"
	VerificationApproved  = "verification.approved"
	VerificationRejected  = "verification.rejected"
	VerificationEscalated = "verification.escalated"
	VerificationResubmit  = "verification.resubmission_required"
	VerificationAnchored  = "verification.anchored"
	IntegrityQuarantined  = "integrity.quarantined"
	SettlementFlagged     = "settlement.flagged"
	RewardApproved        = "reward.approved"
	RewardMinting         = "reward.minting"
	RewardPaid            = "reward.paid"
)

// Event is a pipeline notification carrying cross-reference ids
type Event struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	OccurredAt    time.Time         `json:"occurred_at"`
	UserID        string            `json:"user_id,omitempty"`
	MeasurementID string            `json:"measurement_id,omitempty"`
	RequestID     string            `json:"request_id,omitempty"`
	ResultID      string            `json:"result_id,omitempty"`
	RewardID      string            `json:"reward_id,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// Publisher delivers pipeline events
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Emitter stamps events and publishes them; delivery failures are logged, never returned
type Emitter struct {
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewEmitter creates an emitter. A nil publisher drops all events.
func NewEmitter(publisher Publisher, logger *zap.Logger) *Emitter {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Emitter{publisher: publisher, logger: logger, now: time.Now}
}

// Emit publishes ev after filling its id and timestamp
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if e == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.now().UTC()
	}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.Warn("Failed to publish pipeline event",
			zap.String("event_type", ev.Type),
			zap.String("event_id", ev.ID),
			zap.Error(err))
	}
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	URL            string        `json:"url"`
	Name           string        `json:"name"`
	SubjectPrefix  string        `json:"subject_prefix"`
	ReconnectWait  time.Duration `json:"reconnect_wait"`
	MaxReconnects  int           `json:"max_reconnects"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
}

// NATSPublisher publishes events as JSON on "<prefix>.<type>" subjects
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher connects to NATS
func NewNATSPublisher(cfg NATSConfig, logger *zap.Logger) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "offsets"
	}
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

// Publish sends ev to its subject
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.conn.Publish(p.prefix+"."+ev.Type, payload)
}

// Close drains pending messages and closes the connection
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// NopPublisher discards events
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, len(r.events))
	for i, ev := range r.events {
		types[i] = ev.Type
	}
	return types
}
