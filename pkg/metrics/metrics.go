// Package metrics holds the Prometheus collectors shared across the
// pipeline components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EntriesProcessed counts consumed stream entries by kind and outcome.
	EntriesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enod_ai_stream_entries_processed_total",
		Help: "Stream entries processed, by entry kind and terminal outcome.",
	}, []string{"kind", "outcome"})

	// PendingReclaimed counts pending entries force-acked by the sweep.
	PendingReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enod_ai_stream_pending_reclaimed_total",
		Help: "Stale pending stream entries reclaimed by the periodic sweep.",
	})

	// LLMQueueDepth tracks calls waiting on or holding an LLM permit.
	LLMQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "enod_ai_llm_queue_depth",
		Help: "Analysis requests queued on or holding the LLM concurrency gate.",
	})

	// LLMInFlight tracks requests currently inside the HTTP call.
	LLMInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "enod_ai_llm_in_flight",
		Help: "LLM HTTP requests currently in flight.",
	})

	// AnomaliesDetected counts metric events scored as anomalous.
	AnomaliesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enod_ai_anomalies_detected_total",
		Help: "Metric events the detector flagged as anomalous.",
	})

	// RetrainRuns counts detector retrain executions by result.
	RetrainRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enod_ai_detector_retrain_runs_total",
		Help: "Detector retrain executions, by result.",
	}, []string{"result"})
)
