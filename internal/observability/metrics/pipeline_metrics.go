package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics counts outcomes of the measurement, verification and settlement stages.
// All methods are safe on a nil receiver.
type PipelineMetrics struct {
	measurements      *prometheus.CounterVec
	verifications     *prometheus.CounterVec
	escalations       prometheus.Counter
	anchors           *prometheus.CounterVec
	integrityFailures *prometheus.CounterVec
	settlements       *prometheus.CounterVec
	mints             *prometheus.CounterVec
	mintedTokens      prometheus.Counter
}

// NewPipelineMetrics creates and registers the pipeline collectors
func NewPipelineMetrics(registerer prometheus.Registerer) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &PipelineMetrics{
		measurements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offsets_measurements_total",
			Help: "Submitted measurements by routing outcome.",
		}, []string{"outcome"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offsets_verifications_total",
			Help: "Concluded verification requests by decision.",
		}, []string{"decision"}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offsets_escalations_total",
			Help: "Verification requests escalated to senior reviewers.",
		}),
		anchors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offsets_anchors_total",
			Help: "Ledger anchoring attempts by result.",
		}, []string{"result"}),
		integrityFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offsets_integrity_failures_total",
			Help: "Hash mismatches that quarantined a record.",
		}, []string{"entity"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offsets_settlements_total",
			Help: "Settlement checks by outcome.",
		}, []string{"outcome"}),
		mints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offsets_mints_total",
			Help: "Mint batches by result.",
		}, []string{"result"}),
		mintedTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offsets_minted_token_minor_units_total",
			Help: "Token minor units confirmed on the ledger.",
		}),
	}

	registerer.MustRegister(
		m.measurements,
		m.verifications,
		m.escalations,
		m.anchors,
		m.integrityFailures,
		m.settlements,
		m.mints,
		m.mintedTokens,
	)
	return m
}

func (m *PipelineMetrics) MeasurementRouted(outcome string) {
	if m == nil {
		return
	}
	m.measurements.WithLabelValues(outcome).Inc()
}

func (m *PipelineMetrics) VerificationConcluded(decision string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(decision).Inc()
}

func (m *PipelineMetrics) Escalated() {
	if m == nil {
		return
	}
	m.escalations.Inc()
}

func (m *PipelineMetrics) Anchor(result string) {
	if m == nil {
		return
	}
	m.anchors.WithLabelValues(result).Inc()
}

func (m *PipelineMetrics) IntegrityFailure(entity string) {
	if m == nil {
		return
	}
	m.integrityFailures.WithLabelValues(entity).Inc()
}

func (m *PipelineMetrics) Settlement(outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(outcome).Inc()
}

// Mint records a mint batch result; amount counts only for successful mints
func (m *PipelineMetrics) Mint(result string, amount int64) {
	if m == nil {
		return
	}
	m.mints.WithLabelValues(result).Inc()
	if result == "paid" && amount > 0 {
		m.mintedTokens.Add(float64(amount))
	}
}
