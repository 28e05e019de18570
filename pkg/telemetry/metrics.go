package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Event bus ───────────────────────────────────────────────────────────────

	BusPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskpulse",
		Subsystem: "bus",
		Name:      "events_published_total",
		Help:      "Total events published, labelled by event type.",
	}, []string{"event_type"})

	BusPublishRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskpulse",
		Subsystem: "bus",
		Name:      "publish_retries_total",
		Help:      "Total publish attempts retried after a transient broker error.",
	})

	BusDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskpulse",
		Subsystem: "bus",
		Name:      "dead_lettered_total",
		Help:      "Total events parked on the dead-letter topic after retry exhaustion.",
	})

	// ─── Lifecycle producer ──────────────────────────────────────────────────────

	ProducerMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskpulse",
		Subsystem: "producer",
		Name:      "mutations_total",
		Help:      "Total task store mutations, labelled by operation and outcome.",
	}, []string{"operation", "outcome"})

	ProducerPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskpulse",
		Subsystem: "producer",
		Name:      "publish_failures_total",
		Help:      "Mutations whose lifecycle event could not be published (degraded mode).",
	}, []string{"event_type"})

	// ─── Reminder scheduler ──────────────────────────────────────────────────────

	RemindersScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskpulse",
		Subsystem: "reminder",
		Name:      "scheduled_total",
		Help:      "Total reminder entries inserted or replaced in the queue.",
	})

	RemindersTriggered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskpulse",
		Subsystem: "reminder",
		Name:      "triggered_total",
		Help:      "Total reminders fired.",
	})

	RemindersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskpulse",
		Subsystem: "reminder",
		Name:      "cancelled_total",
		Help:      "Total pending reminders cancelled on task completion or deletion.",
	})

	ReminderQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskpulse",
		Subsystem: "reminder",
		Name:      "queue_depth",
		Help:      "Pending reminder entries currently held in the in-memory queue.",
	})

	ReminderSnapshotFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskpulse",
		Subsystem: "reminder",
		Name:      "snapshot_failures_total",
		Help:      "Durable snapshot writes that failed and will be retried next interval.",
	})

	// ─── Recurring processor ─────────────────────────────────────────────────────

	RecurringGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskpulse",
		Subsystem: "recurring",
		Name:      "instances_generated_total",
		Help:      "Total recurring task instances materialized.",
	})

	RecurringConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskpulse",
		Subsystem: "recurring",
		Name:      "generation_conflicts_total",
		Help:      "Instance creations skipped because the occurrence already existed.",
	})

	RecurringScans = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskpulse",
		Subsystem: "recurring",
		Name:      "scans_total",
		Help:      "Total scan passes, labelled by leadership outcome.",
	}, []string{"outcome"})

	// ─── Notification fan-out ────────────────────────────────────────────────────

	NotifyConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskpulse",
		Subsystem: "notify",
		Name:      "connections",
		Help:      "Live notification stream connections.",
	})

	NotifyDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskpulse",
		Subsystem: "notify",
		Name:      "delivered_total",
		Help:      "Notifications enqueued to connection channels, labelled by event type.",
	}, []string{"event_type"})

	NotifyDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskpulse",
		Subsystem: "notify",
		Name:      "notifications_dropped_total",
		Help:      "Notifications dropped because a connection channel was full.",
	})

	NotifyCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskpulse",
		Subsystem: "notify",
		Name:      "coalesced_total",
		Help:      "Notifications merged into a multiple-updates message by rate limiting.",
	})

	NotifyCapacityRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskpulse",
		Subsystem: "notify",
		Name:      "capacity_rejections_total",
		Help:      "Stream connections rejected because the per-owner cap was reached.",
	})

	// ─── Audit log writer ────────────────────────────────────────────────────────

	AuditEventsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskpulse",
		Subsystem: "audit",
		Name:      "events_written_total",
		Help:      "Events durably appended to the audit log.",
	})

	AuditFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskpulse",
		Subsystem: "audit",
		Name:      "flushes_total",
		Help:      "Buffer flushes, labelled by trigger (size, interval, shutdown).",
	}, []string{"trigger"})

	AuditFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskpulse",
		Subsystem: "audit",
		Name:      "flush_duration_seconds",
		Help:      "Durable batch append latency in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
	})

	// ─── Consumers (shared) ──────────────────────────────────────────────────────

	ConsumerDuplicates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskpulse",
		Subsystem: "consumer",
		Name:      "duplicate_events_total",
		Help:      "Redelivered events skipped by the idempotency cache, labelled by group.",
	}, []string{"group"})

	ConsumerRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskpulse",
		Subsystem: "consumer",
		Name:      "rejected_events_total",
		Help:      "Malformed events rejected at the deserialization boundary, labelled by group.",
	}, []string{"group"})
)
