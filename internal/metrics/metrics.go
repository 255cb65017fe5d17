// Package metrics defines the Prometheus counters shared by the pipeline
// stages. Counters are registered once on the default registry; callers
// expose them however they serve /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngested counts provisional records accepted from adapters,
	// labeled by source kind.
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changetrail_events_ingested_total",
		Help: "The total number of provisional records accepted from capture adapters",
	}, []string{"source_kind"})

	// MalformedRejected counts records the normalizer dead-lettered.
	MalformedRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "changetrail_malformed_rejected_total",
		Help: "The total number of malformed records quarantined by the normalizer",
	})

	// DuplicatesDiscarded counts events dropped by the dedup window.
	// Duplicates are expected operation, not errors.
	DuplicatesDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "changetrail_duplicates_discarded_total",
		Help: "The total number of duplicate change reports collapsed by the dedup window",
	})

	// ReorderFlags counts events committed past the reorder-hold timeout.
	ReorderFlags = promauto.NewCounter(prometheus.CounterOpts{
		Name: "changetrail_reorder_flags_total",
		Help: "The total number of events committed with the reordered flag",
	})

	// RecordsAppended counts audit records durably appended to the ledger.
	RecordsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "changetrail_records_appended_total",
		Help: "The total number of audit records appended to the ledger",
	})

	// Deliveries counts successful deliveries, labeled by consumer.
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changetrail_deliveries_total",
		Help: "The total number of audit records delivered to consumers",
	}, []string{"consumer"})

	// DeliveryRetries counts redelivery attempts after a missed ack.
	DeliveryRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changetrail_delivery_retries_total",
		Help: "The total number of redelivery attempts",
	}, []string{"consumer"})

	// DeadLetters counts quarantined items, labeled by stage.
	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changetrail_dead_letters_total",
		Help: "The total number of items moved to the dead-letter table",
	}, []string{"stage"})

	// DriftDetected counts drift reports, labeled by kind.
	DriftDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changetrail_drift_detected_total",
		Help: "The total number of drift reports emitted by the reconciler",
	}, []string{"kind"})
)
