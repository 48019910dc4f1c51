// Package metrics holds the Prometheus collectors of the download engine.
// All methods are nil-safe so components can run without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"media-stream/internal/domain"
)

type Metrics struct {
	JobsStarted     prometheus.Counter
	JobOutcomes     *prometheus.CounterVec
	TickFailures    prometheus.Counter
	TimeToBuffer    *prometheus.HistogramVec
	ActiveDownloads prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mediastream",
			Name:      "download_jobs_started_total",
			Help:      "Download jobs handed to the orchestrator.",
		}),
		JobOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediastream",
			Name:      "download_job_outcomes_total",
			Help:      "Download jobs by terminal state.",
		}, []string{"state"}),
		TickFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mediastream",
			Name:      "download_tick_failures_total",
			Help:      "Status queries that failed during polling.",
		}),
		TimeToBuffer: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mediastream",
			Name:      "download_time_to_buffer_seconds",
			Help:      "Time from job start until the buffering threshold was reached.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
		}, []string{"kind"}),
		ActiveDownloads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mediastream",
			Name:      "active_downloads",
			Help:      "Downloads currently running.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.JobsStarted, m.JobOutcomes, m.TickFailures, m.TimeToBuffer, m.ActiveDownloads)
	}
	return m
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsStarted.Inc()
	m.ActiveDownloads.Inc()
}

func (m *Metrics) JobEnded(state domain.JobState) {
	if m == nil {
		return
	}
	m.JobOutcomes.WithLabelValues(string(state)).Inc()
	m.ActiveDownloads.Dec()
}

func (m *Metrics) TickFailed() {
	if m == nil {
		return
	}
	m.TickFailures.Inc()
}

func (m *Metrics) Buffered(kind domain.MediaKind, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TimeToBuffer.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}
