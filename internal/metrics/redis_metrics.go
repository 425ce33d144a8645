package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	redisRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_requests_total",
			Help: "Total number of Redis requests",
		},
		[]string{"operation"}, // set, consume
	)

	redisErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_errors_total",
			Help: "Total number of Redis errors",
		},
		[]string{"operation"},
	)

	// время ответа Redis (гистограмма)
	redisRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_request_duration_seconds",
			Help:    "Redis request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	ticketsIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_tickets_issued_total",
			Help: "Total number of websocket tickets issued.",
		},
	)

	ticketsConsumedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_tickets_consumed_total",
			Help: "Total number of websocket tickets consumed at session start.",
		},
	)

	ticketsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_tickets_rejected_total",
			Help: "Total number of websocket tickets rejected.",
		},
		[]string{"reason"}, // invalid, used
	)
)

var redisRegisterOnce sync.Once

// Вызывается из metrics.Register()
func registerRedisMetrics() {
	redisRegisterOnce.Do(func() {
		prometheus.MustRegister(
			redisRequestsTotal,
			redisErrorsTotal,
			redisRequestDuration,
			ticketsIssuedTotal,
			ticketsConsumedTotal,
			ticketsRejectedTotal,
		)
	})
}

// --- Public helpers ---

func IncRedisRequest(op string) {
	redisRequestsTotal.WithLabelValues(op).Inc()
}

func IncRedisError(op string) {
	redisErrorsTotal.WithLabelValues(op).Inc()
}

func ObserveRedisDuration(op string, d time.Duration) {
	redisRequestDuration.WithLabelValues(op).Observe(d.Seconds())
}

func IncTicketIssued()   { ticketsIssuedTotal.Inc() }
func IncTicketConsumed() { ticketsConsumedTotal.Inc() }
func IncTicketRejected(reason string) {
	ticketsRejectedTotal.WithLabelValues(reason).Inc()
}
