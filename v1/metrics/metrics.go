package metrics

import "github.com/prometheus/client_golang/prometheus"

// Outcome labels for IntentCounter.
const (
	OutcomeGranted     = "granted"
	OutcomeDenied      = "denied"
	OutcomeStale       = "stale"
	OutcomeReleased    = "released"
	OutcomeUnavailable = "unavailable"
)

var (
	// IntentCounter tracks handled intents by kind and outcome.
	IntentCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adlock_intents_total",
		Help: "Total number of lock intents handled",
	}, []string{"intent", "outcome"})
	// BroadcastCounter tracks fan-out events published.
	BroadcastCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "adlock_broadcasts_total",
		Help: "Total number of fan-out lock events",
	})
	// UnicastCounter tracks events sent to a single connection.
	UnicastCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "adlock_unicasts_total",
		Help: "Total number of unicast events",
	})
	// DroppedCounter tracks events dropped on full connection buffers.
	DroppedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "adlock_dropped_events_total",
		Help: "Total number of events dropped for slow connections",
	})
	// ExpiryCounter tracks passive expiries announced by the watcher.
	ExpiryCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "adlock_passive_expiries_total",
		Help: "Total number of lock expiries detected without a client intent",
	})
	// ConnectionGauge reports the number of live client connections.
	ConnectionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "adlock_connections",
		Help: "Current number of connected clients",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers adlock metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(IntentCounter, BroadcastCounter, UnicastCounter, DroppedCounter, ExpiryCounter, ConnectionGauge)
}
