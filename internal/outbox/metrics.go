package outbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tutordesk"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "queue_size",
			Help:      "Number of outbox items by status",
		},
		[]string{"status"},
	)

	itemsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "enqueued_total",
			Help:      "Enqueue calls by topic and result (created, deduplicated)",
		},
		[]string{"topic", "result"},
	)

	itemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "processed_total",
			Help:      "Handled items by topic and outcome (processed, retry, failed, no_handler, lock_lost)",
		},
		[]string{"topic", "outcome"},
	)

	handlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "handler_duration_seconds",
			Help:      "Time spent in topic handlers",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"topic"},
	)

	itemsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "claimed_total",
			Help:      "Total items claimed by this worker. Sum of processed_total should match this.",
		},
	)

	ticksSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "ticks_skipped_total",
			Help:      "Worker ticks skipped because the previous tick was still running",
		},
	)

	itemsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "recovered_total",
			Help:      "Items returned from processing after their worker was lost",
		},
	)
)

func recordEnqueued(topic, result string) {
	itemsEnqueued.WithLabelValues(topic, result).Inc()
}

func recordProcessed(topic, outcome string) {
	itemsProcessed.WithLabelValues(topic, outcome).Inc()
}

func recordHandlerDuration(topic string, d time.Duration) {
	handlerDuration.WithLabelValues(topic).Observe(d.Seconds())
}

func recordClaimed(count int) {
	itemsClaimed.Add(float64(count))
}

// RecordQueueStats updates queue size metrics.
func RecordQueueStats(stats *Stats) {
	queueSize.WithLabelValues(string(StatusPending)).Set(float64(stats.Pending))
	queueSize.WithLabelValues(string(StatusProcessing)).Set(float64(stats.Processing))
	queueSize.WithLabelValues(string(StatusProcessed)).Set(float64(stats.Processed))
	queueSize.WithLabelValues(string(StatusFailed)).Set(float64(stats.Failed))
}
