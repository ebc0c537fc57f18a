package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 推送连接重连次数。
	StreamReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_stream_reconnects_total",
			Help: "Total number of stream reconnect attempts.",
		},
	)

	// 推送消息处理结果。
	StreamMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_stream_messages_total",
			Help: "Stream frames processed by result.",
		},
		[]string{"result"}, // delivered | dropped | ignored | error
	)

	// 提交服务调用。
	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_submissions_total",
			Help: "Bundle submissions by execution mode and result.",
		},
		[]string{"mode", "result"}, // result = ok | error
	)

	SubmissionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trader_submission_duration_seconds",
			Help:    "Duration of submission service calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"mode"},
	)

	// 限流等待时长。
	RateLimitWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trader_rate_limit_wait_seconds",
			Help:    "Time spent waiting for rate limiter capacity.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	// 限价单状态迁移。
	OrderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_order_transitions_total",
			Help: "Limit order status transitions.",
		},
		[]string{"status"},
	)

	ActiveOrders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_active_orders",
			Help: "Number of limit orders currently active.",
		},
	)
)

// ObserveDuration 记录自 start 起的耗时。
func ObserveDuration(v interface{}, start time.Time, labels ...string) {
	duration := time.Since(start).Seconds()

	switch metric := v.(type) {
	case *prometheus.HistogramVec:
		metric.WithLabelValues(labels...).Observe(duration)
	case prometheus.Histogram:
		metric.Observe(duration)
	default:
	}
}

func IncStreamMessage(result string) {
	StreamMessages.WithLabelValues(result).Inc()
}

func IncSubmission(mode, result string) {
	Submissions.WithLabelValues(mode, result).Inc()
}

func IncOrderTransition(status string) {
	OrderTransitions.WithLabelValues(status).Inc()
}
