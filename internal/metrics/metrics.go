// Package metrics exposes pipeline counters on a private Prometheus
// registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	FramesCaptured    prometheus.Counter
	CaptureReconnects prometheus.Counter
	DetectionsTotal   *prometheus.CounterVec
	RefinementsTotal  prometheus.Counter
	ScenesAnalyzed    prometheus.Counter
	SceneFailures     prometheus.Counter
	EventsOpened      prometheus.Counter
	EventsClosed      prometheus.Counter
	AlertsPublished   prometheus.Counter
}

// New builds the metric set on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		FramesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchtower_frames_captured_total",
			Help: "Frames read from the video source.",
		}),
		CaptureReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchtower_capture_reconnects_total",
			Help: "Reconnect attempts after a capture failure.",
		}),
		DetectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_detections_total",
			Help: "Stage-1 detections by class.",
		}, []string{"class"}),
		RefinementsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchtower_refinements_total",
			Help: "Stage-2 refinement passes executed.",
		}),
		ScenesAnalyzed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchtower_scenes_analyzed_total",
			Help: "Scene analyses completed.",
		}),
		SceneFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchtower_scene_failures_total",
			Help: "Scene analyses that failed or timed out.",
		}),
		EventsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchtower_events_opened_total",
			Help: "Security events opened.",
		}),
		EventsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchtower_events_closed_total",
			Help: "Security events closed.",
		}),
		AlertsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchtower_alerts_published_total",
			Help: "Alert messages published.",
		}),
	}
	reg.MustRegister(
		m.FramesCaptured, m.CaptureReconnects, m.DetectionsTotal,
		m.RefinementsTotal, m.ScenesAnalyzed, m.SceneFailures,
		m.EventsOpened, m.EventsClosed, m.AlertsPublished,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
