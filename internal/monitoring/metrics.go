package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "whatsapp_calling"

// Metrics holds all Prometheus metrics of the calling engine. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Webhook metrics
	WebhookDeliveries *prometheus.CounterVec
	WebhookEvents     prometheus.Counter
	WebhookDropped    *prometheus.CounterVec

	// Call lifecycle metrics
	CallEvents   *prometheus.CounterVec
	CallOutcomes *prometheus.CounterVec

	// Rate limiting metrics
	RateDecisions     *prometheus.CounterVec
	RateRecordedTotal prometheus.Counter

	// Notification metrics
	Notifications *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New registers the metrics on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		WebhookDeliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_deliveries_total",
				Help:      "Webhook deliveries by whether they carried any usable event",
			},
			[]string{"result"},
		),
		WebhookEvents: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Normalized call events accepted from webhooks",
			},
		),
		WebhookDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_entries_dropped_total",
				Help:      "Webhook call entries dropped during normalization",
			},
			[]string{"reason"},
		),
		CallEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "call_events_total",
				Help:      "Call events applied by the state machine",
			},
			[]string{"signal", "result"},
		),
		CallOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "call_outcomes_total",
				Help:      "Terminal call outcomes",
			},
			[]string{"outcome"},
		),
		RateDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_decisions_total",
				Help:      "Outbound call rate limit decisions",
			},
			[]string{"decision"},
		),
		RateRecordedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_recorded_total",
				Help:      "Outbound calls counted against a contact window",
			},
		),
		Notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Notifications pushed to sessions",
			},
			[]string{"type", "result"},
		),
		CircuitBreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"breaker"},
		),
		gatherer: reg,
	}
}

// GinHandler serves the registry in the Prometheus text format.
func (m *Metrics) GinHandler() gin.HandlerFunc {
	var h http.Handler = promhttp.Handler()
	if m != nil && m.gatherer != nil {
		h = promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
	}
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Middleware is a Gin middleware for collecting HTTP metrics
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) WebhookReceived(events int) {
	if m == nil {
		return
	}
	result := "events"
	if events == 0 {
		result = "empty"
	}
	m.WebhookDeliveries.WithLabelValues(result).Inc()
	m.WebhookEvents.Add(float64(events))
}

func (m *Metrics) WebhookEntryDropped(reason string) {
	if m == nil {
		return
	}
	m.WebhookDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) CallEventHandled(signal, result string) {
	if m == nil {
		return
	}
	if signal == "" {
		signal = "none"
	}
	m.CallEvents.WithLabelValues(signal, result).Inc()
}

func (m *Metrics) CallOutcome(outcome string) {
	if m == nil {
		return
	}
	m.CallOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RateDecision(allowed bool) {
	if m == nil {
		return
	}
	d := "denied"
	if allowed {
		d = "allowed"
	}
	m.RateDecisions.WithLabelValues(d).Inc()
}

func (m *Metrics) RateRecorded() {
	if m == nil {
		return
	}
	m.RateRecordedTotal.Inc()
}

func (m *Metrics) NotificationSent(eventType string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(eventType, "sent").Inc()
}

func (m *Metrics) NotificationDropped(eventType string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(eventType, "dropped").Inc()
}

// SetCircuitBreakerState records a gobreaker state name.
func (m *Metrics) SetCircuitBreakerState(breaker, state string) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(breaker).Set(v)
}
