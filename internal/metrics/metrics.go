// Package metrics registers the Prometheus instrumentation for the
// control surface and satisfies the small per-package Metrics interfaces
// (stream.Metrics, thumbnail.Metrics) so those packages stay free of a
// direct Prometheus import.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry owns every collector registered for the server process. It is
// constructed once at boot and handed to the components that need it.
type Registry struct {
	streamSpawns  *prometheus.CounterVec
	streamDeaths  *prometheus.CounterVec
	streamViewers *prometheus.GaugeVec

	thumbRoundErrors  prometheus.Counter
	thumbRoundSeconds prometheus.Histogram

	mobileSessionsStarted prometheus.Counter
	mobileSessionsEnded   *prometheus.CounterVec
}

// NewRegistry registers all collectors against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		streamSpawns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dss_stream_spawns_total",
			Help: "Total number of FFmpeg process spawns per stream id.",
		}, []string{"stream_id"}),
		streamDeaths: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dss_stream_deaths_total",
			Help: "Total number of unexpected FFmpeg process deaths per stream id.",
		}, []string{"stream_id"}),
		streamViewers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dss_stream_viewers",
			Help: "Current viewer reference count per stream id.",
		}, []string{"stream_id"}),
		thumbRoundErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "dss_thumbnail_round_errors_total",
			Help: "Total number of failed thumbnail jobs across all rounds.",
		}),
		thumbRoundSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dss_thumbnail_round_duration_seconds",
			Help:    "Duration of one thumbnail scheduler round.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
		mobileSessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "dss_mobile_sessions_started_total",
			Help: "Total number of mobile ingest sessions started.",
		}),
		mobileSessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dss_mobile_sessions_ended_total",
			Help: "Total number of mobile ingest sessions ended, by whether an error occurred.",
		}, []string{"outcome"}),
	}
}

// StreamSpawned implements stream.Metrics.
func (r *Registry) StreamSpawned(id string) {
	r.streamSpawns.WithLabelValues(id).Inc()
}

// StreamDied implements stream.Metrics.
func (r *Registry) StreamDied(id string) {
	r.streamDeaths.WithLabelValues(id).Inc()
}

// ViewersSet implements stream.Metrics.
func (r *Registry) ViewersSet(id string, n int) {
	r.streamViewers.WithLabelValues(id).Set(float64(n))
}

// RoundErrors implements thumbnail.Metrics.
func (r *Registry) RoundErrors(n int) {
	r.thumbRoundErrors.Add(float64(n))
}

// RoundDuration implements thumbnail.Metrics.
func (r *Registry) RoundDuration(d time.Duration) {
	r.thumbRoundSeconds.Observe(d.Seconds())
}

// MobileSessionStarted records a new mobile ingest session.
func (r *Registry) MobileSessionStarted() {
	r.mobileSessionsStarted.Inc()
}

// MobileSessionEnded records a mobile ingest session's teardown outcome.
func (r *Registry) MobileSessionEnded(hadError bool) {
	outcome := "ok"
	if hadError {
		outcome = "error"
	}
	r.mobileSessionsEnded.WithLabelValues(outcome).Inc()
}
