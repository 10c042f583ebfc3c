// Package metrics exposes Prometheus metrics for the mailer worker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesProcessed counts consumed entries by mode and terminal outcome.
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "formrelay",
			Subsystem: "mailer",
			Name:      "messages_processed_total",
			Help:      "Total number of stream entries processed by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	// SendDuration measures SMTP send duration in seconds.
	SendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "formrelay",
			Subsystem: "mailer",
			Name:      "send_duration_seconds",
			Help:      "SMTP send duration in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// RetriesEnqueued counts envelopes appended to the retry stream.
	RetriesEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "formrelay",
			Subsystem: "mailer",
			Name:      "retries_enqueued_total",
			Help:      "Total number of retry envelopes enqueued",
		},
	)

	// DeadLetters counts dead-letter appends by reason.
	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "formrelay",
			Subsystem: "mailer",
			Name:      "dead_letters_total",
			Help:      "Total number of messages appended to the dead-letter list by reason",
		},
		[]string{"reason"},
	)

	// EntriesReclaimed counts stalled entries taken over at startup.
	EntriesReclaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "formrelay",
			Subsystem: "mailer",
			Name:      "entries_reclaimed_total",
			Help:      "Total number of stalled stream entries reclaimed from other consumers",
		},
		[]string{"mode"},
	)

	// AttachmentObjectsReaped counts blobs deleted from the object store.
	AttachmentObjectsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "formrelay",
			Subsystem: "mailer",
			Name:      "attachment_objects_reaped_total",
			Help:      "Total number of attachment objects deleted from the object store",
		},
	)

	// RetriesInFlight tracks retry tasks waiting out their delay or sending.
	RetriesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "formrelay",
			Subsystem: "mailer",
			Name:      "retries_in_flight",
			Help:      "Number of retry tasks currently delayed or executing",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
