package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's collectors. A fresh registry per instance keeps
// tests independent of the global default registry.
type Metrics struct {
	Registry *prometheus.Registry

	VaultBalance    *prometheus.GaugeVec
	VaultReserved   *prometheus.GaugeVec
	ReservedDrift   *prometheus.GaugeVec
	SessionsStarted prometheus.Counter
	SessionsClosed  *prometheus.CounterVec
	RoundsPlayed    *prometheus.CounterVec
	IntegrityErrors *prometheus.CounterVec
	HttpRequests    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		VaultBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dive_vault_balance",
			Help: "Funds custodied by the vault",
		}, []string{"vault"}),
		VaultReserved: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dive_vault_reserved",
			Help: "Funds reserved against live sessions",
		}, []string{"vault"}),
		ReservedDrift: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dive_vault_reserved_drift",
			Help: "Stored reservation total minus the sum over live sessions",
		}, []string{"vault"}),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dive_sessions_started_total",
			Help: "Sessions started",
		}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dive_sessions_closed_total",
			Help: "Sessions closed by terminal status",
		}, []string{"status"}),
		RoundsPlayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dive_rounds_total",
			Help: "Rounds resolved by outcome",
		}, []string{"outcome"}),
		IntegrityErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dive_integrity_errors_total",
			Help: "Tampering or accounting integrity errors",
		}, []string{"kind"}),
		HttpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "endpoint", "status"}),
	}

	m.Registry.MustRegister(
		m.VaultBalance,
		m.VaultReserved,
		m.ReservedDrift,
		m.SessionsStarted,
		m.SessionsClosed,
		m.RoundsPlayed,
		m.IntegrityErrors,
		m.HttpRequests,
	)
	return m
}
