// Package metrics exposes Prometheus instrumentation for the download
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the pipeline collectors. A nil *Metrics is valid and
// records nothing, keeping instrumentation optional in tests.
type Metrics struct {
	jobsTotal     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	invoicesTotal prometheus.Counter
	packagesTotal prometheus.Counter
	fallbackTotal prometheus.Counter
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer
// for the process-wide registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		jobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fiscalia",
			Subsystem: "downloads",
			Name:      "jobs_total",
			Help:      "Download jobs by terminal status.",
		}, []string{"status"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fiscalia",
			Subsystem: "downloads",
			Name:      "stage_duration_seconds",
			Help:      "Latency of each pipeline stage.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
		invoicesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fiscalia",
			Subsystem: "downloads",
			Name:      "invoices_extracted_total",
			Help:      "Invoice records extracted from packages.",
		}),
		packagesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fiscalia",
			Subsystem: "downloads",
			Name:      "packages_downloaded_total",
			Help:      "Packages fetched from the remote service.",
		}),
		fallbackTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fiscalia",
			Subsystem: "downloads",
			Name:      "metadata_fallback_total",
			Help:      "CFDI requests that fell back to metadata.",
		}),
	}
}

// JobFinished records a job reaching a terminal status.
func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(status).Inc()
}

// StageObserved records one stage latency in seconds.
func (m *Metrics) StageObserved(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(seconds)
}

// InvoicesExtracted adds to the extraction counter.
func (m *Metrics) InvoicesExtracted(n int) {
	if m == nil {
		return
	}
	m.invoicesTotal.Add(float64(n))
}

// PackageDownloaded counts one fetched package.
func (m *Metrics) PackageDownloaded() {
	if m == nil {
		return
	}
	m.packagesTotal.Inc()
}

// FallbackApplied counts one CFDI to metadata fallback.
func (m *Metrics) FallbackApplied() {
	if m == nil {
		return
	}
	m.fallbackTotal.Inc()
}
