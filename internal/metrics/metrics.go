// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careflow_rounds_total",
			Help: "Dispatch rounds run, by result.",
		},
		[]string{"result"},
	)
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careflow_attempts_total",
			Help: "Contact attempts by kind (initial, retry) and result (dispatched, skipped, error).",
		},
		[]string{"kind", "result"},
	)
	OutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careflow_outcomes_total",
			Help: "Recorded attempt outcomes.",
		},
		[]string{"outcome"},
	)
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careflow_alert_transitions_total",
			Help: "Alert lifecycle transitions.",
		},
		[]string{"transition", "level"},
	)
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careflow_retries_total",
			Help: "Retry scheduler decisions (scheduled, exhausted).",
		},
		[]string{"decision"},
	)
	ChannelDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "careflow_channel_duration_seconds",
			Help:    "Duration of contact channel calls.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"result"},
	)
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careflow_notifications_total",
			Help: "Reviewer notifications by status.",
		},
		[]string{"status"},
	)
)
