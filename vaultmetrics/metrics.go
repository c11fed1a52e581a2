// Package vaultmetrics exposes the engine's activity as Prometheus
// metrics: vault counts by phase, signatures fetched, fee-bumps issued,
// and broadcasts by kind and outcome.
package vaultmetrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the engine's counters and gauges. The engine updates
// SigsFetched, FeeBumps and Broadcasts as it runs; it does not set
// VaultsByPhase or DerivationIndex, which stay at zero unless a caller
// sets them. A nil *Metrics is not valid; use NewMetrics or NoOp.
type Metrics struct {
	VaultsByPhase   *prometheus.GaugeVec
	SigsFetched     *prometheus.CounterVec
	FeeBumps        prometheus.Counter
	Broadcasts      *prometheus.CounterVec
	DerivationIndex prometheus.Gauge
}

// NewMetrics constructs a fresh set of metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		VaultsByPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vaultd",
			Name:      "vaults_by_phase",
			Help:      "Number of vaults currently in each lifecycle phase.",
		}, []string{"phase"}),

		SigsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaultd",
			Name:      "sigs_fetched_total",
			Help:      "Signatures fetched from the sig-server, by transaction kind.",
		}, []string{"kind"}),

		FeeBumps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vaultd",
			Name:      "fee_bumps_total",
			Help:      "Fee-bump inputs appended to revocation transactions.",
		}),

		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaultd",
			Name:      "broadcasts_total",
			Help:      "Transactions broadcast, by kind and outcome.",
		}, []string{"kind", "outcome"}),

		DerivationIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vaultd",
			Name:      "derivation_index",
			Help:      "Next derivation index to be handed out for a fresh vault.",
		}),
	}

	reg.MustRegister(
		m.VaultsByPhase,
		m.SigsFetched,
		m.FeeBumps,
		m.Broadcasts,
		m.DerivationIndex,
	)
	return m
}

// NoOp returns a Metrics backed by an unregistered registry, for tests and
// callers that don't want to wire a /metrics endpoint.
func NoOp() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// ObserveBroadcast records a broadcast attempt's outcome for a transaction
// kind ("unvault", "cancel", "emergency", "unvault-emergency", "spend").
func (m *Metrics) ObserveBroadcast(kind, outcome string) {
	m.Broadcasts.WithLabelValues(kind, outcome).Inc()
}

// ObserveSigFetched records a successful signature fetch for a
// transaction kind.
func (m *Metrics) ObserveSigFetched(kind string) {
	m.SigsFetched.WithLabelValues(kind).Inc()
}

// SetVaultsByPhase resets the vaults-by-phase gauge to the given counts,
// overwriting any phase not present in counts to zero.
func (m *Metrics) SetVaultsByPhase(counts map[string]int) {
	for _, phase := range []string{
		"funded", "secured", "active", "unvaulting",
		"spent", "cancelled", "emergencied",
	} {
		m.VaultsByPhase.WithLabelValues(phase).Set(float64(counts[phase]))
	}
}
