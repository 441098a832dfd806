// Package metrics registers the Prometheus instruments shared by the
// HTTP server and the pipeline workers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StageRuns counts pipeline stage executions by stage and outcome
	// (ok, failed, skipped).
	StageRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "noteloom",
		Name:      "pipeline_stage_runs_total",
		Help:      "Pipeline stage executions by stage and outcome.",
	}, []string{"stage", "outcome"})

	// StageDuration observes wall-clock seconds per stage execution.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "noteloom",
		Name:      "pipeline_stage_duration_seconds",
		Help:      "Pipeline stage duration in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"stage"})

	// LLMCalls counts model invocations by provider and kind
	// (generate, embed).
	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "noteloom",
		Name:      "llm_calls_total",
		Help:      "LLM invocations by provider and call kind.",
	}, []string{"provider", "kind"})

	// LLMTokens counts tokens reported by providers.
	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "noteloom",
		Name:      "llm_tokens_total",
		Help:      "Tokens consumed, as reported by providers.",
	}, []string{"provider"})

	// Uploads counts document uploads by result (accepted, duplicate, rejected).
	Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "noteloom",
		Name:      "document_uploads_total",
		Help:      "Document uploads by result.",
	}, []string{"result"})

	// Questions counts question answering requests by result
	// (answered, no_context, error).
	Questions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "noteloom",
		Name:      "questions_total",
		Help:      "Question answering requests by result.",
	}, []string{"result"})
)
