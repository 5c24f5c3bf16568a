// Package metrics defines package-level Prometheus metric variables for
// url-catcher. Call Register() once at startup to expose them on the default
// registry, or RegisterWith() to use an isolated registry in tests.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Submissions counts every POST that reached the gate, by outcome.
	// Valid outcomes: accepted, throttled, bad_list_name, wrong_challenge,
	// invalid_url, misconfigured, storage_error.
	Submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "urlcatcher_submissions_total",
		Help: "Submissions handled by the gate, by outcome.",
	}, []string{"outcome"})

	// FloodRejected counts requests turned away by the global flood guard
	// before reaching the gate.
	FloodRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "urlcatcher_flood_rejected_total",
		Help: "Requests rejected by the global flood guard.",
	})

	// Notifications counts curator notice delivery attempts, by result.
	// Valid results: sent, failed, queued, dropped.
	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "urlcatcher_notifications_total",
		Help: "Curator notifications, by result (sent|failed|queued|dropped).",
	}, []string{"result"})

	// OutboxPending is the number of undelivered notices in the outbox.
	OutboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "urlcatcher_outbox_pending",
		Help: "Curator notifications waiting for redelivery.",
	})

	// LedgerEntries is the number of identity files in the throttle ledger.
	LedgerEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "urlcatcher_ledger_entries",
		Help: "Identity files currently stored by the throttle ledger.",
	})

	// LedgerPruned counts identity files removed by the janitor.
	LedgerPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "urlcatcher_ledger_pruned_total",
		Help: "Expired identity files removed from the throttle ledger.",
	})

	// OutboxDBSizeBytes is the size of the bbolt outbox file.
	OutboxDBSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "urlcatcher_outbox_db_size_bytes",
		Help: "Size of the notification outbox database file.",
	})
)

// Register registers all metrics with prometheus.DefaultRegisterer.
// Call once at process startup.
func Register() {
	RegisterWith(prometheus.DefaultRegisterer)
}

// RegisterWith registers all metrics with the given registerer.
// Use an isolated prometheus.NewRegistry() in tests to avoid conflicts.
func RegisterWith(reg prometheus.Registerer) {
	reg.MustRegister(
		Submissions,
		FloodRejected,
		Notifications,
		OutboxPending,
		LedgerEntries,
		LedgerPruned,
		OutboxDBSizeBytes,
	)
}
