// Package metrics holds the Prometheus instruments the engine updates
// while trading. They are registered on the default registry and served
// at /metrics by the status API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersSubmitted counts orders handed to the brokerage, by type.
	OrdersSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assist_orders_submitted_total",
			Help: "Orders submitted to the brokerage",
		},
		[]string{"type"},
	)

	// OrdersFailed counts submissions the brokerage rejected.
	OrdersFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assist_orders_failed_total",
			Help: "Order submissions rejected by the brokerage",
		},
	)

	// CommandsRejected counts candidates dropped at admission, by reason.
	CommandsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assist_commands_rejected_total",
			Help: "Candidate commands dropped by admission control",
		},
		[]string{"reason"},
	)

	// FillsApplied counts individual fills folded into the ledger.
	FillsApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assist_fills_applied_total",
			Help: "Fill events applied to the holdings ledger",
		},
	)

	// EmergencyTriggers counts emergency rule firings.
	EmergencyTriggers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assist_emergency_triggers_total",
			Help: "Emergency suppressions entered or refreshed",
		},
	)

	// HoldLock flips to 1 while order submission is locked waiting for a
	// fill reconciliation.
	HoldLock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assist_hold_lock",
			Help: "1 while order submission is locked pending fill reconciliation",
		},
	)

	// QueueDepth is the current dispatcher queue length.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assist_command_queue_depth",
			Help: "Commands waiting in the dispatcher queue",
		},
	)

	// SequenceState is the lifecycle controller's current state; series
	// are labeled and flipped 0/1 to keep dashboards simple.
	SequenceState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "assist_sequence_state",
			Help: "Lifecycle state indicator (one labeled series per state)",
		},
		[]string{"state"},
	)
)
