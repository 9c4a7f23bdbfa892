// Package metrics holds the prometheus collectors shared across
// imapserver, smtpserver and queue, plus a panic counter every long-lived
// goroutine increments before re-raising or dropping a recovered panic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "corvid_panic_total",
		Help: "Number of unhandled panics recovered, by package.",
	},
	[]string{"pkg"},
)

// PanicInc records a recovered panic originating in pkg.
func PanicInc(pkg string) {
	metricPanic.WithLabelValues(pkg).Inc()
}

var (
	IMAPConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corvid_imap_connection_total",
			Help: "Incoming IMAP connections.",
		},
		[]string{"service"}, // imap, imaps
	)

	IMAPCommands = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "corvid_imap_command_duration_seconds",
			Help:    "IMAP command duration by result.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 20},
		},
		[]string{"cmd", "result"}, // ok, badsyntax, usererror, servererror, ioerror, panic
	)

	IMAPFetchBatches = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "corvid_imap_fetch_batch_size",
			Help:    "Number of UIDs covered by one batched facet fetch.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	SMTPConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corvid_smtp_connection_total",
			Help: "Incoming SMTP/LMTP connections.",
		},
		[]string{"service"}, // smtp, submission, lmtp
	)

	QueueDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "corvid_queue_delivery_duration_seconds",
			Help:    "Outbound delivery attempt duration.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 20, 30, 60, 120},
		},
		[]string{"attempt", "result"}, // ok, temperror, permerror, error
	)

	QueueHold = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "corvid_queue_hold",
			Help: "Queued deliveries currently on hold.",
		},
	)
)
