package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by the HTTP surface and the
// dispatch loops.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
	dispatchCyclesTotal    *prometheus.CounterVec
	messagesSentTotal      *prometheus.CounterVec
	messagesFailedTotal    *prometheus.CounterVec
	messagesCancelledTotal *prometheus.CounterVec
	retriesScheduledTotal  *prometheus.CounterVec
	sendDuration           *prometheus.HistogramVec
	candidatesEnqueued     prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "parcel_notify",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "parcel_notify",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		dispatchCyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "parcel_notify",
				Name:      "dispatch_cycles_total",
				Help:      "Total number of dispatch cycles by result (ok, skipped, error).",
			},
			[]string{"result"},
		),
		messagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "parcel_notify",
				Name:      "messages_sent_total",
				Help:      "Total number of messages handed off to the SMS provider.",
			},
			[]string{"intent"},
		),
		messagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "parcel_notify",
				Name:      "messages_failed_total",
				Help:      "Total number of messages that ended in failed state by reason.",
			},
			[]string{"intent", "reason"},
		),
		messagesCancelledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "parcel_notify",
				Name:      "messages_cancelled_total",
				Help:      "Total number of messages cancelled before send by ineligibility.",
			},
			[]string{"intent"},
		),
		retriesScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "parcel_notify",
				Name:      "retries_scheduled_total",
				Help:      "Total number of messages scheduled for a backoff retry.",
			},
			[]string{"intent"},
		),
		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "parcel_notify",
				Name:      "send_duration_seconds",
				Help:      "Provider send duration in seconds grouped by intent.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"intent"},
		),
		candidatesEnqueued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "parcel_notify",
				Name:      "candidates_enqueued_total",
				Help:      "Total number of reminder candidates enqueued by the selector.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.dispatchCyclesTotal,
		m.messagesSentTotal,
		m.messagesFailedTotal,
		m.messagesCancelledTotal,
		m.retriesScheduledTotal,
		m.sendDuration,
		m.candidatesEnqueued,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncDispatchCycle(result string) {
	if m == nil {
		return
	}
	m.dispatchCyclesTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *Metrics) IncMessageSent(intent string) {
	if m == nil {
		return
	}
	m.messagesSentTotal.WithLabelValues(normalizeLabel(intent)).Inc()
}

func (m *Metrics) IncMessageFailed(intent string, reason string) {
	if m == nil {
		return
	}
	m.messagesFailedTotal.WithLabelValues(normalizeLabel(intent), normalizeLabel(reason)).Inc()
}

func (m *Metrics) IncMessageCancelled(intent string) {
	if m == nil {
		return
	}
	m.messagesCancelledTotal.WithLabelValues(normalizeLabel(intent)).Inc()
}

func (m *Metrics) IncRetryScheduled(intent string) {
	if m == nil {
		return
	}
	m.retriesScheduledTotal.WithLabelValues(normalizeLabel(intent)).Inc()
}

func (m *Metrics) ObserveSendDuration(intent string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.sendDuration.WithLabelValues(normalizeLabel(intent)).Observe(seconds)
}

func (m *Metrics) IncCandidatesEnqueued() {
	if m == nil {
		return
	}
	m.candidatesEnqueued.Inc()
}

func (m *Metrics) recordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
