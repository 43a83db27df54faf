// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DocumentsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_documents_submitted_total",
		Help: "Documents accepted for processing.",
	})

	DocumentsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_documents_finished_total",
		Help: "Documents that reached a terminal state, by status.",
	}, []string{"status"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Wall time per pipeline stage.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"stage"})

	OCRCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_ocr_calls_total",
		Help: "OCR adapter invocations, by provider and outcome.",
	}, []string{"provider", "outcome"})

	LLMCostUSD = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_llm_cost_usd_total",
		Help: "Cumulative LLM spend in USD.",
	})

	RegistryLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_registry_lookups_total",
		Help: "Company register lookups, by outcome.",
	}, []string{"outcome"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_queue_depth",
		Help: "Jobs waiting for a worker.",
	})

	DuplicatesFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_duplicates_found_total",
		Help: "Documents flagged as duplicates of an earlier upload.",
	})
)
