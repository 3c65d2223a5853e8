// Package metrics exposes admission counters and gauges to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"trade-admission/internal/interfaces"
	"trade-admission/internal/types"
)

const namespace = "admission"

// Recorder implements interfaces.AdmissionMetrics on a Prometheus registry.
type Recorder struct {
	// Decisions counts admission checks by outcome and blocking stage.
	decisions *prometheus.CounterVec
	// CooldownBlocks counts cooldown rejections by exit-reason category.
	cooldownBlocks *prometheus.CounterVec
	overrides      prometheus.Counter
	latency        prometheus.Histogram

	fills         *prometheus.CounterVec
	failureEvents *prometheus.CounterVec

	afternoonBlock prometheus.Gauge
	riskOff        prometheus.Gauge
	efMorning      prometheus.Gauge
	efNoFollow     prometheus.Gauge

	overrideRatio prometheus.Gauge
	guardTripped  prometheus.Gauge
	rollovers     prometheus.Counter
}

var _ interfaces.AdmissionMetrics = (*Recorder)(nil)

// New registers the admission metrics on reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Recorder{
		decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gate",
				Name:      "decisions_total",
				Help:      "Admission checks by outcome and blocking stage",
			},
			[]string{"allowed", "stage"},
		),
		cooldownBlocks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cooldown",
				Name:      "blocks_total",
				Help:      "Entries rejected by an active cooldown, by exit-reason category",
			},
			[]string{"category"},
		),
		overrides: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cooldown",
				Name:      "overrides_total",
				Help:      "Cooldowns bypassed by an override rule",
			},
		),
		latency: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gate",
				Name:      "check_latency_ms",
				Help:      "Time to evaluate one admission check in milliseconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		),
		fills: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "fills_total",
				Help:      "Fills recorded into the trade ledger by action",
			},
			[]string{"action"}, // ENTER, EXIT, PARTIAL_EXIT, STOP_LOSS
		),
		failureEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sensor",
				Name:      "failure_events_total",
				Help:      "Early-failure exits reported to the market sensor",
			},
			[]string{"subtype"},
		),
		afternoonBlock: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sensor",
				Name:      "afternoon_block_active",
				Help:      "Afternoon block latch (1=active)",
			},
		),
		riskOff: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sensor",
				Name:      "risk_off_active",
				Help:      "Risk-off latch (1=active)",
			},
		),
		efMorning: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sensor",
				Name:      "ef_morning",
				Help:      "Early-failure events before the morning cutoff this session",
			},
		),
		efNoFollow: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sensor",
				Name:      "ef_no_follow",
				Help:      "No-follow early-failure events this session",
			},
		),
		overrideRatio: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cooldown",
				Name:      "override_ratio_percent",
				Help:      "Overrides as a percentage of no-follow cooldown blocks",
			},
		),
		guardTripped: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cooldown",
				Name:      "abuse_guard_tripped",
				Help:      "Override abuse guard latch (1=tripped)",
			},
		),
		rollovers: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "rollovers_total",
				Help:      "Completed session rollovers",
			},
		),
	}
}

func (r *Recorder) ObserveDecision(d types.Decision, took time.Duration) {
	stage := string(d.Stage)
	if d.Allowed {
		stage = "none"
	}
	r.decisions.WithLabelValues(boolLabel(d.Allowed), stage).Inc()
	if d.Stage == types.StageCooldown && d.Category != "" {
		r.cooldownBlocks.WithLabelValues(d.Category).Inc()
	}
	if d.Override {
		r.overrides.Inc()
	}
	r.latency.Observe(float64(took.Microseconds()) / 1000)
}

func (r *Recorder) ObserveFill(action string) {
	r.fills.WithLabelValues(action).Inc()
}

func (r *Recorder) ObserveFailureEvent(subtype string) {
	r.failureEvents.WithLabelValues(subtype).Inc()
}

func (r *Recorder) SetSensor(st types.SensorState) {
	r.afternoonBlock.Set(boolGauge(st.AfternoonBlockActive))
	r.riskOff.Set(boolGauge(st.RiskOffActive))
	r.efMorning.Set(float64(st.EFMorning))
	r.efNoFollow.Set(float64(st.EFNoFollow))
}

func (r *Recorder) SetOverrideGuard(ratioPct float64, tripped bool) {
	r.overrideRatio.Set(ratioPct)
	r.guardTripped.Set(boolGauge(tripped))
}

func (r *Recorder) ObserveRollover() {
	r.rollovers.Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
