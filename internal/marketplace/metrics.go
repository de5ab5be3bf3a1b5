package marketplace

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Counters
	tasksCreated    prometheus.Counter
	offersSubmitted prometheus.Counter
	offersAccepted  prometheus.Counter
	tasksSettled    *prometheus.CounterVec
	coinsMoved      *prometheus.CounterVec
	conflicts       *prometheus.CounterVec
	failures        *prometheus.CounterVec
	txRetries       *prometheus.CounterVec

	// Gauges
	escrowedCoins prometheus.Gauge
	walletCoins   prometheus.Gauge
	auditDrift    prometheus.Gauge
	replicasTotal prometheus.Gauge
	leaderStatus  *prometheus.GaugeVec

	// Histograms
	opDuration *prometheus.HistogramVec
}

// NewMetrics creates the marketplace metrics and registers them with reg.
// A nil reg registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		tasksCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "marketplace_tasks_created_total",
				Help: "Total number of tasks posted with an escrowed bounty",
			},
		),
		offersSubmitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "marketplace_offers_submitted_total",
				Help: "Total number of offers submitted",
			},
		),
		offersAccepted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "marketplace_offers_accepted_total",
				Help: "Total number of offers accepted",
			},
		),
		tasksSettled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketplace_tasks_settled_total",
				Help: "Total number of tasks whose bounty was released",
			},
			[]string{"outcome"},
		),
		coinsMoved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketplace_coins_moved_total",
				Help: "EngiCoins moved through the ledger",
			},
			[]string{"kind"},
		),
		conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketplace_cas_conflicts_total",
				Help: "Conditional writes that matched no rows because another caller acted first",
			},
			[]string{"op"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketplace_persistence_faults_total",
				Help: "Unexpected store failures",
			},
			[]string{"op"},
		),
		txRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketplace_tx_retries_total",
				Help: "Transactions re-run after a serialization or lock failure",
			},
			[]string{"op"},
		),
		escrowedCoins: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "marketplace_escrowed_coins",
				Help: "Bounties held for open and in-progress tasks",
			},
		),
		walletCoins: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "marketplace_wallet_coins",
				Help: "Sum of all user balances",
			},
		),
		auditDrift: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "marketplace_conservation_drift_coins",
				Help: "Difference between held coins and external deposits minus withdrawals (0 when balanced)",
			},
		),
		replicasTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "marketplace_replicas_total",
				Help: "Total number of registered replicas (distributed mode)",
			},
		),
		leaderStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketplace_leader_status",
				Help: "Leader status (1 if leader, 0 otherwise)",
			},
			[]string{"replica_id"},
		),
		opDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketplace_operation_duration_seconds",
				Help:    "Escrow operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op", "result"},
		),
	}

	// Register all metrics
	reg.MustRegister(
		m.tasksCreated,
		m.offersSubmitted,
		m.offersAccepted,
		m.tasksSettled,
		m.coinsMoved,
		m.conflicts,
		m.failures,
		m.txRetries,
		m.escrowedCoins,
		m.walletCoins,
		m.auditDrift,
		m.replicasTotal,
		m.leaderStatus,
		m.opDuration,
	)

	return m
}

// The helpers below are nil-safe so components run without metrics.

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = kindLabel(err)
		switch Kind(err) {
		case ErrConcurrencyConflict:
			m.conflicts.WithLabelValues(op).Inc()
		case ErrPersistence:
			m.failures.WithLabelValues(op).Inc()
		}
	}
	m.opDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

func (m *Metrics) taskCreated(bounty int64) {
	if m == nil {
		return
	}
	m.tasksCreated.Inc()
	m.coinsMoved.WithLabelValues("escrow").Add(float64(bounty))
}

func (m *Metrics) offerSubmitted() {
	if m == nil {
		return
	}
	m.offersSubmitted.Inc()
}

func (m *Metrics) offerAccepted() {
	if m == nil {
		return
	}
	m.offersAccepted.Inc()
}

func (m *Metrics) taskSettled(outcome string, amount int64) {
	if m == nil {
		return
	}
	m.tasksSettled.WithLabelValues(outcome).Inc()
	m.coinsMoved.WithLabelValues(outcome).Add(float64(amount))
}

func (m *Metrics) txRetried(op string) {
	if m == nil {
		return
	}
	m.txRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) audited(report *AuditReport) {
	if m == nil {
		return
	}
	m.escrowedCoins.Set(float64(report.Escrowed))
	m.walletCoins.Set(float64(report.Balances))
	m.auditDrift.Set(float64(report.Drift()))
}

func (m *Metrics) setReplicas(n int) {
	if m == nil {
		return
	}
	m.replicasTotal.Set(float64(n))
}

func (m *Metrics) setLeader(replicaID string, leader bool) {
	if m == nil {
		return
	}
	v := 0.0
	if leader {
		v = 1
	}
	m.leaderStatus.WithLabelValues(replicaID).Set(v)
}

func kindLabel(err error) string {
	switch Kind(err) {
	case ErrValidation:
		return "validation"
	case ErrInsufficientFunds:
		return "insufficient_funds"
	case ErrNotAuthorized:
		return "not_authorized"
	case ErrInvalidState:
		return "invalid_state"
	case ErrConcurrencyConflict:
		return "concurrency_conflict"
	case ErrNotFound:
		return "not_found"
	default:
		return "persistence"
	}
}
