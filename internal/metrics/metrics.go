package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "code"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "code"},
	)

	// Broker
	brokerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_connection_state",
			Help: "Current broker connection state (1 for the active state).",
		},
		[]string{"state"},
	)
	brokerPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_messages_published_total",
			Help: "Total number of messages published and confirmed by the broker.",
		},
	)
	brokerPublishRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_publish_retries_total",
			Help: "Total number of publish retries after transient failures.",
		},
	)
	brokerConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_messages_consumed_total",
			Help: "Total number of deliveries received from the broker.",
		},
	)
	brokerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_errors_total",
			Help: "Total number of broker-related errors.",
		},
		[]string{"component", "operation"},
	)
	publishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broker_publish_duration_seconds",
			Help:    "Time spent publishing a single message including confirm (seconds).",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Fanout
	fanoutSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_notifications_sent_total",
			Help: "Total number of notifications handed to the broker by the fanout stage.",
		},
	)
	fanoutFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_notifications_failed_total",
			Help: "Total number of notifications that exhausted fanout retries.",
		},
	)
	fanoutRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_retries_total",
			Help: "Total number of fanout send retries (failed attempts).",
		},
	)
	fanoutReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_notifications_reclaimed_total",
			Help: "Total number of stuck sent notifications returned to created.",
		},
	)
	fanoutProcessing = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fanout_processing_duration_seconds",
			Help:    "Time spent sending a single notification to the broker (seconds).",
			Buckets: prometheus.DefBuckets,
		},
	)
	fanoutLagSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fanout_lag_seconds",
			Help:    "Lag between notification creation and fanout attempt (seconds).",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	// Dedup
	dedupDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dedup_first_seen_total",
			Help: "Total number of notifications passed through as first occurrence.",
		},
	)
	dedupSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dedup_suppressed_total",
			Help: "Total number of duplicate deliveries suppressed.",
		},
	)
	dedupExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dedup_expired_total",
			Help: "Total number of notifications expired on first sight.",
		},
	)
	dedupEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dedup_entries_count",
			Help: "Current number of entries in the dedup cache.",
		},
	)

	// Confirmations
	confirmAcked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "confirmations_acked_total",
			Help: "Total number of deliveries acked after a client confirm.",
		},
	)
	confirmNacked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "confirmations_nacked_total",
			Help: "Total number of deliveries nacked.",
		},
		[]string{"reason", "requeue"},
	)
	confirmRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "confirmations_retries_total",
			Help: "Total number of delivery resends triggered by missed confirmations.",
		},
	)
	confirmPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "confirmations_pending_count",
			Help: "Current number of in-flight confirmation records.",
		},
	)
	deliveryToAck = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "delivery_to_ack_seconds",
			Help:    "Time between first send to a client and its confirmation (seconds).",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// WebSockets
	wsSessionsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_sessions_opened_total",
			Help: "Total number of websocket sessions established.",
		},
	)
	wsSessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_sessions_closed_total",
			Help: "Total number of websocket sessions closed.",
		},
		[]string{"reason"},
	)
	wsActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_active_sessions",
			Help: "Current number of open websocket sessions.",
		},
	)
	wsFramesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_frames_sent_total",
			Help: "Total number of frames written to clients.",
		},
		[]string{"kind"},
	)

	// Notifications (DB gauges)
	notificationStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notification_status_count",
			Help: "Current count of notification rows by status.",
		},
		[]string{"status"},
	)
)

var brokerStates = []string{"disconnected", "connecting", "connected", "closing"}

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,

			brokerState,
			brokerPublished,
			brokerPublishRetries,
			brokerConsumed,
			brokerErrors,
			publishDuration,

			fanoutSent,
			fanoutFailed,
			fanoutRetries,
			fanoutReclaimed,
			fanoutProcessing,
			fanoutLagSeconds,

			dedupDelivered,
			dedupSuppressed,
			dedupExpired,
			dedupEntries,

			confirmAcked,
			confirmNacked,
			confirmRetries,
			confirmPending,
			deliveryToAck,

			wsSessionsOpened,
			wsSessionsClosed,
			wsActiveSessions,
			wsFramesSent,

			notificationStatus,
		)
		registerRedisMetrics()
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// --- HTTP ---
func ObserveHTTPRequest(method, route, code string, d time.Duration) {
	httpRequests.WithLabelValues(method, route, code).Inc()
	httpDuration.WithLabelValues(method, route, code).Observe(d.Seconds())
}

// --- Broker ---
func SetBrokerState(state string) {
	for _, s := range brokerStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		brokerState.WithLabelValues(s).Set(v)
	}
}
func IncBrokerPublished()    { brokerPublished.Inc() }
func IncBrokerPublishRetry() { brokerPublishRetries.Inc() }
func IncBrokerConsumed()     { brokerConsumed.Inc() }
func IncBrokerError(component, operation string) {
	brokerErrors.WithLabelValues(component, operation).Inc()
}
func ObservePublishDuration(d time.Duration) { publishDuration.Observe(d.Seconds()) }

// --- Fanout ---
func IncFanoutSent()                          { fanoutSent.Inc() }
func IncFanoutFailed()                        { fanoutFailed.Inc() }
func IncFanoutRetry()                         { fanoutRetries.Inc() }
func ObserveFanoutProcessing(d time.Duration) { fanoutProcessing.Observe(d.Seconds()) }
func AddFanoutReclaimed(n int) {
	if n > 0 {
		fanoutReclaimed.Add(float64(n))
	}
}
func ObserveFanoutLagSeconds(sec float64) {
	if sec < 0 {
		sec = 0
	}
	fanoutLagSeconds.Observe(sec)
}

// --- Dedup ---
func IncDedupFirstSeen()  { dedupDelivered.Inc() }
func IncDedupSuppressed() { dedupSuppressed.Inc() }
func IncDedupExpired()    { dedupExpired.Inc() }
func SetDedupEntries(n int) {
	if n < 0 {
		n = 0
	}
	dedupEntries.Set(float64(n))
}

// --- Confirmations ---
func IncConfirmAcked() { confirmAcked.Inc() }
func IncConfirmNacked(reason string, requeue bool) {
	confirmNacked.WithLabelValues(reason, fmtBool(requeue)).Inc()
}
func IncConfirmRetry() { confirmRetries.Inc() }
func SetConfirmPending(n int) {
	if n < 0 {
		n = 0
	}
	confirmPending.Set(float64(n))
}
func ObserveDeliveryToAck(d time.Duration) { deliveryToAck.Observe(d.Seconds()) }

// --- WebSockets ---
func IncWSSessionOpened()              { wsSessionsOpened.Inc() }
func IncWSSessionClosed(reason string) { wsSessionsClosed.WithLabelValues(reason).Inc() }
func IncWSFrameSent(kind string)       { wsFramesSent.WithLabelValues(kind).Inc() }
func SetWSActiveSessions(n int) {
	if n < 0 {
		n = 0
	}
	wsActiveSessions.Set(float64(n))
}

// --- Gauges (DB collectors) ---
func SetNotificationStatusCount(status string, count int64) {
	if count < 0 {
		count = 0
	}
	notificationStatus.WithLabelValues(status).Set(float64(count))
}

// helpers
func fmtBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func fmtInt(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [32]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
