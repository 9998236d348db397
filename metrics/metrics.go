// Package metrics exports relay activity as Prometheus metrics.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"camera-stream-relay/relay"
)

const namespace = "camera_relay"

// Metrics implements relay.Observer on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	transitions  *prometheus.CounterVec
	terminations *prometheus.CounterVec
	subscribers  *prometheus.GaugeVec
	attached     *prometheus.CounterVec
	detached     *prometheus.CounterVec
	frames       *prometheus.CounterVec
	frameBytes   *prometheus.HistogramVec
	dropped      *prometheus.CounterVec
	reconnects   *prometheus.CounterVec
}

// New creates the collectors, including the Go runtime and process ones.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "number of session state transitions",
		}, []string{"camera", "state"}),
		terminations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_failures_total",
			Help:      "number of sessions that stopped because their source failed",
		}, []string{"camera"}),
		subscribers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "number of attached viewers",
		}, []string{"camera", "transport"}),
		attached: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribers_attached_total",
			Help:      "number of viewers attached",
		}, []string{"transport"}),
		detached: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribers_detached_total",
			Help:      "number of viewers detached, by reason",
		}, []string{"transport", "reason"}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_encoded_total",
			Help:      "number of frames encoded and published",
		}, []string{"camera"}),
		frameBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_bytes",
			Help:      "size of encoded frames",
			Buckets:   prometheus.ExponentialBuckets(4<<10, 2, 8),
		}, []string{"camera"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "number of frames dropped, by reason",
		}, []string{"camera", "reason"}),
		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_reconnects_total",
			Help:      "number of upstream reconnects",
		}, []string{"camera"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Watch exports the live sessions of r, counted by state at scrape time.
func (m *Metrics) Watch(r *relay.Registry) {
	m.registry.MustRegister(&sessionCollector{
		registry: r,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sessions"),
			"number of stream sessions by state",
			[]string{"state"}, nil,
		),
	})
}

type sessionCollector struct {
	registry *relay.Registry
	desc     *prometheus.Desc
}

func (c *sessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *sessionCollector) Collect(ch chan<- prometheus.Metric) {
	counts := make(map[relay.State]int)
	for _, s := range c.registry.Sessions() {
		counts[s.State()]++
	}
	for _, st := range []relay.State{relay.StateStarting, relay.StateStreaming, relay.StateDraining} {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[st]), st.String())
	}
}

func reason(err error) string {
	var terminal *relay.TerminalError
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, relay.ErrTimeout):
		return "slow"
	case errors.Is(err, relay.ErrPeerClosed):
		return "peer_closed"
	case errors.As(err, &terminal):
		return "terminated"
	default:
		return "error"
	}
}

func (m *Metrics) SessionStateChanged(cameraID string, state relay.State, err error) {
	m.transitions.WithLabelValues(cameraID, state.String()).Inc()
	if state == relay.StateStopped && err != nil && !errors.Is(err, relay.ErrSessionStopped) {
		m.terminations.WithLabelValues(cameraID).Inc()
	}
}

func (m *Metrics) SubscriberAttached(cameraID, transport string) {
	m.subscribers.WithLabelValues(cameraID, transport).Inc()
	m.attached.WithLabelValues(transport).Inc()
}

func (m *Metrics) SubscriberDetached(cameraID, transport string, err error) {
	m.subscribers.WithLabelValues(cameraID, transport).Dec()
	m.detached.WithLabelValues(transport, reason(err)).Inc()
}

func (m *Metrics) FrameEncoded(cameraID string, size int) {
	m.frames.WithLabelValues(cameraID).Inc()
	m.frameBytes.WithLabelValues(cameraID).Observe(float64(size))
}

func (m *Metrics) FrameDropped(cameraID, reason string) {
	m.dropped.WithLabelValues(cameraID, reason).Inc()
}

func (m *Metrics) SourceReconnected(cameraID string) {
	m.reconnects.WithLabelValues(cameraID).Inc()
}
