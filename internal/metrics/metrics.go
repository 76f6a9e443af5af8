// Package metrics owns the prometheus collectors of the tracker. Every method
// is safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ns = "presence"

	LabelResult    = "result"
	LabelState     = "state"
	LabelKind      = "kind"
	LabelOperation = "operation"
	LabelStatus    = "status"
	LabelTopic     = "topic"
	LabelMethod    = "method"
	LabelPath      = "path"

	ResultApplied    = "applied"
	ResultIgnored    = "ignored"
	ResultPaused     = "paused"
	ResultMalformed  = "malformed"
	ResultRejected   = "rejected"
	ResultSuccess    = "success"
	ResultError      = "error"
	ResultSuperseded = "superseded"
)

// Metrics groups every collector.
type Metrics struct {
	LiveMessages      *prometheus.CounterVec
	ConnectionState   *prometheus.GaugeVec
	ReconnectAttempts prometheus.Counter
	ReconnectDelay    prometheus.Histogram

	Workers      prometheus.Gauge
	StaleWorkers prometheus.Gauge
	Mutations    *prometheus.CounterVec

	CleanupRuns        prometheus.Counter
	CleanupTransitions prometheus.Counter
	CleanupSeconds     prometheus.Histogram

	UpstreamRequests *prometheus.CounterVec
	UpstreamSeconds  *prometheus.HistogramVec
	HistoryRequests  *prometheus.CounterVec

	DroppedEvents *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPSeconds  *prometheus.HistogramVec
}

// New registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LiveMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "live_messages_total", Namespace: ns, Subsystem: "live",
			Help: "Messages received on the live channel, by outcome.",
		}, []string{LabelResult}),
		ConnectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "connection_state", Namespace: ns, Subsystem: "live",
			Help: "Current live channel state; the active state is 1.",
		}, []string{LabelState}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "reconnect_attempts_total", Namespace: ns, Subsystem: "live",
			Help: "Reconnects scheduled after a transport failure.",
		}),
		ReconnectDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "reconnect_delay_seconds", Namespace: ns, Subsystem: "live",
			Buckets: []float64{1, 2, 4, 8, 16, 30},
			Help:    "Delay before each scheduled reconnect.",
		}),

		Workers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "workers", Namespace: ns, Subsystem: "store",
			Help: "Workers held in the presence store.",
		}),
		StaleWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stale_workers", Namespace: ns, Subsystem: "store",
			Help: "Workers considered stale at the last cleanup pass.",
		}),
		Mutations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mutations_total", Namespace: ns, Subsystem: "store",
			Help: "Committed store mutations, by kind.",
		}, []string{LabelKind}),

		CleanupRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "runs_total", Namespace: ns, Subsystem: "cleanup",
			Help: "Cleanup passes executed.",
		}),
		CleanupTransitions: factory.NewCounter(prometheus.CounterOpts{
			Name: "transitions_total", Namespace: ns, Subsystem: "cleanup",
			Help: "Workers that crossed the stale threshold in either direction.",
		}),
		CleanupSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "duration_seconds", Namespace: ns, Subsystem: "cleanup",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1},
			Help:    "Time taken by one cleanup pass.",
		}),

		UpstreamRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "requests_total", Namespace: ns, Subsystem: "upstream",
			Help: "Requests to the snapshot and history endpoints.",
		}, []string{LabelOperation, LabelStatus}),
		UpstreamSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "request_duration_seconds", Namespace: ns, Subsystem: "upstream",
			Buckets: prometheus.DefBuckets,
			Help:    "Latency of upstream requests.",
		}, []string{LabelOperation}),
		HistoryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "requests_total", Namespace: ns, Subsystem: "history",
			Help: "History fetches, by outcome.",
		}, []string{LabelResult}),

		DroppedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dropped_events_total", Namespace: ns, Subsystem: "realtime",
			Help: "Change signals discarded because a subscriber was full.",
		}, []string{LabelTopic}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "requests_total", Namespace: ns, Subsystem: "http",
			Help: "HTTP requests served.",
		}, []string{LabelMethod, LabelPath, LabelStatus}),
		HTTPSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "request_duration_seconds", Namespace: ns, Subsystem: "http",
			Buckets: prometheus.DefBuckets,
			Help:    "HTTP request latency.",
		}, []string{LabelMethod, LabelPath}),
	}
}

func (m *Metrics) ObserveLiveMessage(result string) {
	if m == nil {
		return
	}
	m.LiveMessages.WithLabelValues(result).Inc()
}

// SetConnectionState marks state as the only active connection state.
func (m *Metrics) SetConnectionState(state string) {
	if m == nil {
		return
	}
	m.ConnectionState.Reset()
	m.ConnectionState.WithLabelValues(state).Set(1)
}

func (m *Metrics) ObserveReconnect(delay time.Duration) {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
	m.ReconnectDelay.Observe(delay.Seconds())
}

func (m *Metrics) ObserveMutation(kind string, workers int) {
	if m == nil {
		return
	}
	m.Mutations.WithLabelValues(kind).Inc()
	m.Workers.Set(float64(workers))
}

func (m *Metrics) ObserveCleanup(stale int, transitions int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CleanupRuns.Inc()
	m.CleanupTransitions.Add(float64(transitions))
	m.StaleWorkers.Set(float64(stale))
	m.CleanupSeconds.Observe(elapsed.Seconds())
}

// ObserveUpstream records one upstream call. A zero status means the request
// failed before a response was received.
func (m *Metrics) ObserveUpstream(operation string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := "transport_error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.UpstreamRequests.WithLabelValues(operation, label).Inc()
	m.UpstreamSeconds.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveHistory(result string) {
	if m == nil {
		return
	}
	m.HistoryRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveDroppedEvent(topic string) {
	if m == nil {
		return
	}
	m.DroppedEvents.WithLabelValues(topic).Inc()
}

func (m *Metrics) ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPSeconds.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
