// Package observability exposes the Prometheus metrics for the pipeline.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobTransitions counts stage transitions by the stage entered.
	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storytime",
		Name:      "job_transitions_total",
		Help:      "Job stage transitions by entered stage.",
	}, []string{"stage"})

	// AdmissionDenials counts rejected submissions by denial reason.
	AdmissionDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storytime",
		Name:      "admission_denials_total",
		Help:      "Denied job submissions by reason.",
	}, []string{"reason"})

	// WebhookDeliveries counts webhook delivery outcomes.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storytime",
		Name:      "webhook_deliveries_total",
		Help:      "Webhook delivery attempts by outcome.",
	}, []string{"outcome"})

	// StageDuration observes how long each pipeline stage takes.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "storytime",
		Name:      "stage_duration_seconds",
		Help:      "Wall time spent in each pipeline stage.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"stage"})
)
