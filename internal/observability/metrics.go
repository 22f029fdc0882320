package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters and gauges for one lag study run.
// Each Metrics owns its registry so repeated runs in one process (tests, the
// validate command) never collide on registration.
type Metrics struct {
	Registry *prometheus.Registry

	StormsLoaded           prometheus.Counter
	MortalityRecordsLoaded prometheus.Counter
	SuppressedCounts       prometheus.Counter
	RecordsRejected        *prometheus.CounterVec // labels: dataset={storms,mortality}, reason

	StormsQualifying prometheus.Counter
	StormsSkipped    *prometheus.CounterVec // labels: reason
	ResultsProduced  prometheus.Counter

	SignificantLags    prometheus.Gauge
	RunDurationSeconds prometheus.Gauge
	LastRunSuccess     prometheus.Gauge
}

// NewMetrics creates all run metrics and registers them on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		StormsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "storm_overdose",
			Name:      "storms_loaded_total",
			Help:      "Storm events parsed from the storm table.",
		}),
		MortalityRecordsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "storm_overdose",
			Name:      "mortality_records_loaded_total",
			Help:      "County-month mortality rows parsed.",
		}),
		SuppressedCounts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "storm_overdose",
			Name:      "mortality_suppressed_total",
			Help:      "Mortality rows whose death count was suppressed or non-numeric.",
		}),
		RecordsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storm_overdose",
			Name:      "records_rejected_total",
			Help:      "Input rows dropped or left unjoinable, by dataset and reason.",
		}, []string{"dataset", "reason"}),
		StormsQualifying: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "storm_overdose",
			Name:      "storms_qualifying_total",
			Help:      "Storms passing the damage or direct-death threshold.",
		}),
		StormsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storm_overdose",
			Name:      "storms_skipped_total",
			Help:      "Qualifying storms that produced no lag rows, by reason.",
		}, []string{"reason"}),
		ResultsProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "storm_overdose",
			Name:      "lag_results_total",
			Help:      "Storm x lag result rows produced.",
		}),
		SignificantLags: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "storm_overdose",
			Name:      "significant_lags",
			Help:      "Number of lag windows with p below the significance level.",
		}),
		RunDurationSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "storm_overdose",
			Name:      "run_duration_seconds",
			Help:      "Wall time of the last run.",
		}),
		LastRunSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "storm_overdose",
			Name:      "last_run_success",
			Help:      "1 when the last run produced and stored results, 0 otherwise.",
		}),
	}

	m.Registry.MustRegister(
		m.StormsLoaded,
		m.MortalityRecordsLoaded,
		m.SuppressedCounts,
		m.RecordsRejected,
		m.StormsQualifying,
		m.StormsSkipped,
		m.ResultsProduced,
		m.SignificantLags,
		m.RunDurationSeconds,
		m.LastRunSuccess,
	)

	return m
}

// WriteTextfile dumps the registry in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}
