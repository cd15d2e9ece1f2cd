// Package metrics defines the prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coalesce_scans_total",
			Help: "Total number of window scans executed",
		},
		[]string{"result"},
	)

	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coalesce_scan_duration_seconds",
			Help:    "Time taken to run one window scan",
			Buckets: prometheus.DefBuckets,
		},
	)

	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coalesce_alerts_created_total",
			Help: "Total number of alerts created",
		},
		[]string{"window_type"},
	)

	AlertsUpdated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coalesce_alerts_updated_total",
			Help: "Total number of alerts updated",
		},
		[]string{"window_type"},
	)

	RuleFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coalesce_rule_failures_total",
			Help: "Total number of rule evaluations skipped due to errors",
		},
		[]string{"stage"},
	)

	SessionsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coalesce_sessions_opened_total",
			Help: "Total number of session windows opened",
		},
	)

	SessionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coalesce_sessions_closed_total",
			Help: "Total number of session windows closed",
		},
		[]string{"reason"},
	)

	WorkerTasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coalesce_worker_tasks_processed_total",
			Help: "Total number of tasks processed by worker pools",
		},
		[]string{"pool"},
	)
)
