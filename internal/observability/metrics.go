package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gateway",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	sessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Normalized session events by type.",
		},
		[]string{"type"},
	)
	webhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook delivery attempts by result (delivered, failed, dropped).",
		},
		[]string{"result"},
	)
	webhookDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "gateway",
			Subsystem: "webhook",
			Name:      "delivery_duration_seconds",
			Help:      "Webhook delivery duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	sessionGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "session",
			Name:      "count",
			Help:      "Sessions by bucket (total, active, pairing).",
		},
		[]string{"bucket"},
	)
	memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "system",
			Name:      "memory_usage_percent",
			Help:      "System memory usage percent at the last sample.",
		},
	)
	realtimeDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "realtime",
			Name:      "dropped_total",
			Help:      "Events dropped from slow real-time subscribers.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			sessionEvents,
			webhookDeliveries, webhookDuration,
			sessionGauge, memoryUsage,
			realtimeDropped,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSessionEvent(eventType string) {
	RegisterMetrics()
	sessionEvents.WithLabelValues(eventType).Inc()
}

func RecordWebhookDelivery(result string, duration time.Duration) {
	RegisterMetrics()
	webhookDeliveries.WithLabelValues(result).Inc()
	if duration > 0 {
		webhookDuration.Observe(duration.Seconds())
	}
}

func SetSessionCounts(total, active, pairing int) {
	RegisterMetrics()
	sessionGauge.WithLabelValues("total").Set(float64(total))
	sessionGauge.WithLabelValues("active").Set(float64(active))
	sessionGauge.WithLabelValues("pairing").Set(float64(pairing))
}

func SetMemoryUsage(percent float64) {
	RegisterMetrics()
	memoryUsage.Set(percent)
}

func RecordRealtimeDrop() {
	RegisterMetrics()
	realtimeDropped.Inc()
}
