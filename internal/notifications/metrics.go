package notifications

import (
	"time"

	"github.com/bissquit/tutordesk/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tutordesk"

var (
	notificationsScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "scheduled_total",
			Help:      "Due notifications handed to the outbox by the scheduling loop",
		},
		[]string{"channel"},
	)

	notificationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "delivered_total",
			Help:      "Delivery handler outcomes (sent, skipped, no_address, error)",
		},
		[]string{"channel", "outcome"},
	)

	notificationSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "send_duration_seconds",
			Help:      "Time to send notification",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"channel"},
	)
)

func recordScheduled(channel domain.NotificationChannel, count int) {
	notificationsScheduled.WithLabelValues(string(channel)).Add(float64(count))
}

func recordDelivered(channel domain.NotificationChannel, outcome string) {
	notificationsDelivered.WithLabelValues(string(channel), outcome).Inc()
}

func recordSendDuration(channel domain.NotificationChannel, duration time.Duration) {
	notificationSendDuration.WithLabelValues(string(channel)).Observe(duration.Seconds())
}
