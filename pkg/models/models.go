// Package models defines the typed boundary values flowing through the
// analysis pipeline: stream entries, metric and alert payloads, and the
// rows persisted to ai_analysis_results.
package models

import "time"

// Entry kinds carried in the "type" field of a stream entry.
const (
	KindMetric = "metric"
	KindAlert  = "alert"
)

// Analysis types written to ai_analysis_results.analysis_type.
const (
	AnalysisTypeLLM       = "llm_analysis"
	AnalysisTypeAnomaly   = "anomaly_detection"
	AnalysisTypeDuplicate = "duplicate_reference"
)

// Analysis reasons recorded in result metadata and used to select the
// LLM prompt template.
const (
	ReasonFirstOccurrence = "first_occurrence"
	ReasonEscalation      = "escalation"
	ReasonRecovery        = "recovery"
	ReasonDuplicate       = "duplicate_same_severity"
)

// StreamEntry is one entry read from the durable stream. Data is the raw
// JSON-encoded payload; Kind is "metric" or "alert".
type StreamEntry struct {
	ID   string
	Kind string
	Data string
}

// MetricEvent is the payload of a "metric" entry. Value is kept untyped
// at the boundary: producers have been observed to send numbers, numeric
// strings, and garbage, and the detector owns the coercion rules.
type MetricEvent struct {
	Name   string            `json:"metric_name"`
	Value  any               `json:"metric_value"`
	Labels map[string]string `json:"labels,omitempty"`
}

// AlertEvent is the payload of an "alert" entry.
type AlertEvent struct {
	AlertID string       `json:"alert_id"`
	Payload AlertPayload `json:"payload"`
}

// AlertPayload mirrors the Alertmanager-style alert body written by the
// collector: labels carry identity (alertname, instance, severity) and
// annotations carry free text (description, summary).
type AlertPayload struct {
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
}

// AlertName returns the alertname label, empty when absent.
func (p AlertPayload) AlertName() string { return p.Labels["alertname"] }

// Instance returns the instance label, empty when absent.
func (p AlertPayload) Instance() string { return p.Labels["instance"] }

// Severity returns the severity label, defaulting to "warning" the way
// the producer does when the label is missing.
func (p AlertPayload) Severity() string {
	if s, ok := p.Labels["severity"]; ok && s != "" {
		return s
	}
	return "warning"
}

// Description returns the description annotation, empty when absent.
func (p AlertPayload) Description() string { return p.Annotations["description"] }

// ClassificationInput is the narrow value the deduplicator operates on.
type ClassificationInput struct {
	AlertName string
	Instance  string
	Severity  string
}

// DetectionResult is the outcome of scoring one metric event.
// Err is a short machine-readable reason when the value could not be
// scored; IsAnomaly is always false in that case.
type DetectionResult struct {
	IsAnomaly    bool
	AnomalyScore float64
	ModelVersion string
	Err          string
}

// AnalysisRef identifies the most recent analyzed alert for a
// (alert_name, instance) pair, joined to its llm_analysis row.
type AnalysisRef struct {
	AlertID    string
	Severity   string
	AnalysisID string
	CreatedAt  time.Time
}

// AnalysisRow is one persisted ai_analysis_results row as read back by
// the ops API.
type AnalysisRow struct {
	ID                  string         `json:"id"`
	AlertID             *string        `json:"alert_id,omitempty"`
	AnalysisType        string         `json:"analysis_type"`
	ModelName           string         `json:"model_name"`
	AnalysisData        map[string]any `json:"analysis_data"`
	ConfidenceScore     float64        `json:"confidence_score"`
	ReferenceAnalysisID *string        `json:"reference_analysis_id,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}
