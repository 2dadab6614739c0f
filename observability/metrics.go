package observability

import (
	"math"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loaner/core/events"
	loanererrors "loaner/core/errors"
)

// Metrics groups the daemon's Prometheus collectors. Each instance owns its
// registry so tests can build several side by side.
type Metrics struct {
	registry *prometheus.Registry

	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	events     *prometheus.CounterVec

	poolLiquid      *prometheus.GaugeVec
	poolMarket      *prometheus.GaugeVec
	poolOutstanding *prometheus.GaugeVec

	auditFailures    prometheus.Counter
	auditRuns        prometheus.Counter
	snapshotDuration prometheus.Histogram
	snapshotLast     prometheus.Gauge
	snapshotErrors   prometheus.Counter
}

// NewMetrics registers every collector under the namespace.
func NewMetrics(namespace string) *Metrics {
	if strings.TrimSpace(namespace) == "" {
		namespace = "loaner"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ops",
			Name:      "total",
			Help:      "Protocol operations segmented by module, operation and outcome.",
		}, []string{"module", "op", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ops",
			Name:      "duration_seconds",
			Help:      "Latency distribution of protocol operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"module", "op"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Protocol events emitted by type.",
		}, []string{"type"}),
		poolLiquid: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "liquid",
			Help:      "Idle pool liquidity in whole currency units.",
		}, []string{"pool"}),
		poolMarket: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "market_deposit",
			Help:      "Funds parked in the yield vault in whole currency units.",
		}, []string{"pool"}),
		poolOutstanding: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "outstanding",
			Help:      "Principal lent out and not yet reclaimed in whole currency units.",
		}, []string{"pool"}),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "failures_total",
			Help:      "Conservation checks that failed.",
		}),
		auditRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "runs_total",
			Help:      "Completed audit runs.",
		}),
		snapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "duration_seconds",
			Help:      "Time taken to capture and persist a snapshot.",
			Buckets:   prometheus.DefBuckets,
		}),
		snapshotLast: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "last_success_timestamp",
			Help:      "Unix time of the last persisted snapshot.",
		}),
		snapshotErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "errors_total",
			Help:      "Snapshots that failed to persist.",
		}),
	}
	m.registry.MustRegister(
		m.operations,
		m.latency,
		m.events,
		m.poolLiquid,
		m.poolMarket,
		m.poolOutstanding,
		m.auditFailures,
		m.auditRuns,
		m.snapshotDuration,
		m.snapshotLast,
		m.snapshotErrors,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveOp records an operation and its outcome. The outcome label is the
// error kind so dashboards can separate authorization failures from state
// conflicts.
func (m *Metrics) ObserveOp(module, op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(module, op, Outcome(err)).Inc()
	m.latency.WithLabelValues(module, op).Observe(elapsed.Seconds())
}

// Outcome maps an operation error to a metrics label.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	switch loanererrors.Kind(err) {
	case loanererrors.ErrUnauthorized:
		return "unauthorized"
	case loanererrors.ErrInvalidState, loanererrors.ErrLoanNotSettled, loanererrors.ErrStakeLocked:
		return "conflict"
	case loanererrors.ErrInsufficientFunds, loanererrors.ErrInsufficientLiquidity:
		return "insufficient"
	case loanererrors.ErrInvalidBorrower, loanererrors.ErrInvalidAmount:
		return "invalid"
	case loanererrors.ErrNotFound:
		return "not_found"
	case loanererrors.ErrModulePaused:
		return "paused"
	default:
		return "error"
	}
}

// SetPool publishes a pool's balances.
func (m *Metrics) SetPool(pool string, liquid, market, outstanding *big.Int) {
	if m == nil {
		return
	}
	m.poolLiquid.WithLabelValues(pool).Set(units(liquid))
	m.poolMarket.WithLabelValues(pool).Set(units(market))
	m.poolOutstanding.WithLabelValues(pool).Set(units(outstanding))
}

// RecordAudit counts an audit run and its failed checks.
func (m *Metrics) RecordAudit(failures int) {
	if m == nil {
		return
	}
	m.auditRuns.Inc()
	if failures > 0 {
		m.auditFailures.Add(float64(failures))
	}
}

// RecordSnapshot records a snapshot attempt.
func (m *Metrics) RecordSnapshot(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.snapshotErrors.Inc()
		return
	}
	m.snapshotDuration.Observe(elapsed.Seconds())
	m.snapshotLast.SetToCurrentTime()
}

// Emit implements events.Emitter by counting events per type.
func (m *Metrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	m.events.WithLabelValues(evt.EventType()).Inc()
}

var wei = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

func units(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), wei).Float64()
	if math.IsInf(f, 0) {
		return math.MaxFloat64
	}
	return f
}
