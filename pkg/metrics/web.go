package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WebMetrics provides observability for the web adapter's event loop.
//
// The loop calls these from a single goroutine except RecordResponse,
// RecordBytesSent and RecordTaskDuration, which workers call concurrently.
// If no implementation is supplied the adapter uses a no-op one.
type WebMetrics interface {
	// RecordConnectionAccepted counts an accepted client socket.
	RecordConnectionAccepted()

	// RecordConnectionClosed counts a torn down client socket.
	RecordConnectionClosed()

	// RecordConnectionRejected counts a socket refused at accept time.
	//
	// Parameters:
	//   - reason: "busy" (connection table full) or "rate" (accept limiter)
	RecordConnectionRejected(reason string)

	// SetActiveConnections updates the live connection gauge.
	SetActiveConnections(count int)

	// RecordResponse counts a response by HTTP status code.
	RecordResponse(status int)

	// RecordBytesSent adds to the total bytes written to clients.
	RecordBytesSent(bytes int64)

	// RecordQueueRejected counts a task the worker queue refused.
	RecordQueueRejected()

	// RecordTimerEviction counts a connection closed for inactivity.
	RecordTimerEviction()

	// RecordTaskDuration observes how long a worker spent on one task.
	//
	// Parameters:
	//   - kind: "read", "write" or "process"
	RecordTaskDuration(kind string, d time.Duration)
}

type webMetrics struct {
	connectionsAccepted prometheus.Counter
	connectionsClosed   prometheus.Counter
	connectionsRejected *prometheus.CounterVec
	activeConnections   prometheus.Gauge
	responses           *prometheus.CounterVec
	bytesSent           prometheus.Counter
	queueRejected       prometheus.Counter
	timerEvictions      prometheus.Counter
	taskDuration        *prometheus.HistogramVec
}

// NewWebMetrics creates a Prometheus-backed WebMetrics.
//
// Returns a no-op implementation if InitRegistry has not been called.
func NewWebMetrics() WebMetrics {
	if !IsEnabled() {
		return NewNoopWebMetrics()
	}
	return newWebMetrics(GetRegistry())
}

func newWebMetrics(reg prometheus.Registerer) *webMetrics {
	return &webMetrics{
		connectionsAccepted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dittoweb_connections_accepted_total",
			Help: "Total number of accepted client connections",
		}),
		connectionsClosed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dittoweb_connections_closed_total",
			Help: "Total number of closed client connections",
		}),
		connectionsRejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittoweb_connections_rejected_total",
				Help: "Connections refused at accept time by reason",
			},
			[]string{"reason"},
		),
		activeConnections: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "dittoweb_connections_active",
			Help: "Current number of open client connections",
		}),
		responses: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittoweb_responses_total",
				Help: "Responses sent by status code",
			},
			[]string{"status"},
		),
		bytesSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dittoweb_bytes_sent_total",
			Help: "Total bytes written to clients",
		}),
		queueRejected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dittoweb_queue_rejected_total",
			Help: "Tasks dropped because the worker queue was full",
		}),
		timerEvictions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dittoweb_idle_evictions_total",
			Help: "Connections closed after being idle too long",
		}),
		taskDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dittoweb_task_duration_milliseconds",
				Help: "Time workers spend on one task",
				Buckets: []float64{
					0.1, // 100us
					1,   // 1ms
					10,  // 10ms
					100, // 100ms
					1000,
				},
			},
			[]string{"kind"},
		),
	}
}

func (m *webMetrics) RecordConnectionAccepted() { m.connectionsAccepted.Inc() }
func (m *webMetrics) RecordConnectionClosed()   { m.connectionsClosed.Inc() }

func (m *webMetrics) RecordConnectionRejected(reason string) {
	m.connectionsRejected.WithLabelValues(reason).Inc()
}

func (m *webMetrics) SetActiveConnections(count int) {
	m.activeConnections.Set(float64(count))
}

func (m *webMetrics) RecordResponse(status int) {
	m.responses.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *webMetrics) RecordBytesSent(bytes int64) {
	if bytes > 0 {
		m.bytesSent.Add(float64(bytes))
	}
}

func (m *webMetrics) RecordQueueRejected() { m.queueRejected.Inc() }
func (m *webMetrics) RecordTimerEviction() { m.timerEvictions.Inc() }

func (m *webMetrics) RecordTaskDuration(kind string, d time.Duration) {
	m.taskDuration.WithLabelValues(kind).Observe(float64(d.Microseconds()) / 1000)
}

// NewNoopWebMetrics returns a WebMetrics that records nothing.
func NewNoopWebMetrics() WebMetrics {
	return noopWebMetrics{}
}

type noopWebMetrics struct{}

func (noopWebMetrics) RecordConnectionAccepted()                {}
func (noopWebMetrics) RecordConnectionClosed()                  {}
func (noopWebMetrics) RecordConnectionRejected(string)          {}
func (noopWebMetrics) SetActiveConnections(int)                 {}
func (noopWebMetrics) RecordResponse(int)                       {}
func (noopWebMetrics) RecordBytesSent(int64)                    {}
func (noopWebMetrics) RecordQueueRejected()                     {}
func (noopWebMetrics) RecordTimerEviction()                     {}
func (noopWebMetrics) RecordTaskDuration(string, time.Duration) {}
