// Package metrics exports Prometheus metrics about sync cycles and credential
// checks. Metrics live in a private registry so a process can serve them on
// /metrics or write them to a node exporter textfile after a one-shot run.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Checkmk/checkmk-sub025/internal/connector"
)

const namespace = "ldapsync"

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	SyncRuns          *prometheus.CounterVec
	SyncDuration      *prometheus.HistogramVec
	SyncQueries       *prometheus.GaugeVec
	SyncOutcomes      *prometheus.CounterVec
	UsersRemoved      *prometheus.CounterVec
	PluginFailures    *prometheus.CounterVec
	LastSync          *prometheus.GaugeVec
	BreakerState      *prometheus.GaugeVec
	BreakerTransition *prometheus.CounterVec
	CredentialChecks  *prometheus.CounterVec
}

// New creates the collectors. With process set, the Go runtime and process
// collectors are registered as well.
func New(process bool) *Metrics {
	reg := prometheus.NewRegistry()
	if process {
		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SyncRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_runs_total",
				Help:      "Sync cycles by connection and result",
			},
			[]string{"connection", "result"}, // "success", "failure", "skipped"
		),

		SyncDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_duration_seconds",
				Help:      "Duration of completed sync cycles",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"connection"},
		),

		SyncQueries: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sync_queries",
				Help:      "Directory page requests of the last sync cycle",
			},
			[]string{"connection"},
		),

		SyncOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_users_total",
				Help:      "Directory users handled by sync cycles, by outcome",
			},
			[]string{"connection", "outcome"},
		),

		UsersRemoved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_users_removed_total",
				Help:      "Local users removed because they vanished from the directory",
			},
			[]string{"connection"},
		),

		PluginFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_plugin_failures_total",
				Help:      "Users whose attribute sync failed",
			},
			[]string{"connection"},
		),

		LastSync: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_sync_timestamp_seconds",
				Help:      "Unix time of the last completed sync cycle",
			},
			[]string{"connection"},
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per connection (0=closed, 1=half-open, 2=open)",
			},
			[]string{"connection"},
		),

		BreakerTransition: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"connection", "from", "to"},
		),

		CredentialChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_checks_total",
				Help:      "Credential checks by result",
			},
			[]string{"result"},
		),
	}
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveSync records the result of one DoSync call.
func (m *Metrics) ObserveSync(connectionID string, summary *connector.Summary, err error) {
	switch {
	case errors.Is(err, connector.ErrSyncInProgress), errors.Is(err, connector.ErrConnectionDisabled):
		m.SyncRuns.WithLabelValues(connectionID, "skipped").Inc()
		return
	case summary == nil:
		m.SyncRuns.WithLabelValues(connectionID, "failure").Inc()
		return
	case err != nil:
		m.SyncRuns.WithLabelValues(connectionID, "failure").Inc()
	default:
		m.SyncRuns.WithLabelValues(connectionID, "success").Inc()
		m.LastSync.WithLabelValues(connectionID).Set(float64(summary.Started.Add(summary.Duration).Unix()))
	}

	m.SyncDuration.WithLabelValues(connectionID).Observe(summary.Duration.Seconds())
	m.SyncQueries.WithLabelValues(connectionID).Set(float64(summary.Queries))
	for _, o := range summary.Outcomes {
		m.SyncOutcomes.WithLabelValues(connectionID, o.Kind.String()).Inc()
	}
	m.UsersRemoved.WithLabelValues(connectionID).Add(float64(len(summary.Removed)))
	m.PluginFailures.WithLabelValues(connectionID).Add(float64(len(summary.Failures)))
}

// ObserveCredentials records the verdict of a credential check.
func (m *Metrics) ObserveCredentials(result connector.CredentialResult, err error) {
	label := result.Kind.String()
	if err != nil && result.Kind == connector.NoOpinion {
		label = "error"
	}
	m.CredentialChecks.WithLabelValues(label).Inc()
}

// WriteTextfile writes every metric to path in the text exposition format.
// The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
