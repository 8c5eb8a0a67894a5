// Package dedup implements resource-aware alert deduplication: each
// incoming alert is classified against the last analyzed alert of the
// same (alert_name, instance) pair, and only severity transitions reach
// the LLM.
package dedup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/EnodAI/EnodAI/pkg/models"
)

// severityLevels totally orders severities; unknown values rank lowest.
var severityLevels = map[string]int{
	"critical": 3,
	"warning":  2,
	"info":     1,
}

// Store is the subset of the persistence gateway the deduplicator uses.
type Store interface {
	FindLastAnalysis(ctx context.Context, alertName, instance string) (*models.AnalysisRef, error)
	MarkAlertDuplicate(ctx context.Context, alertID, refAlertID, refAnalysisID, reason string) error
}

// Decision is the classification outcome. Prior is non-nil whenever a
// previous analysis exists, so a skip decision carries the reference the
// duplicate marker needs.
type Decision struct {
	ShouldAnalyze bool
	Reason        string
	Prior         *models.AnalysisRef
}

// Deduplicator classifies alerts and records duplicates.
type Deduplicator struct {
	store Store
}

// New creates a deduplicator.
func New(store Store) *Deduplicator {
	if store == nil {
		panic("dedup.New: store must not be nil")
	}
	return &Deduplicator{store: store}
}

// Classify decides whether the alert warrants LLM analysis.
//
//	no prior analysis      -> analyze, first_occurrence
//	severity increased     -> analyze, escalation
//	severity decreased     -> analyze, recovery
//	severity unchanged     -> skip,    duplicate_same_severity
func (d *Deduplicator) Classify(ctx context.Context, in models.ClassificationInput) (Decision, error) {
	prior, err := d.store.FindLastAnalysis(ctx, in.AlertName, in.Instance)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to look up prior analysis: %w", err)
	}

	if prior == nil {
		slog.Info("First occurrence", "alert", in.AlertName, "instance", in.Instance)
		return Decision{ShouldAnalyze: true, Reason: models.ReasonFirstOccurrence}, nil
	}

	oldLevel := severityLevel(prior.Severity)
	newLevel := severityLevel(in.Severity)

	switch {
	case newLevel > oldLevel:
		slog.Warn("Escalation detected",
			"alert", in.AlertName, "from", prior.Severity, "to", in.Severity)
		return Decision{ShouldAnalyze: true, Reason: models.ReasonEscalation, Prior: prior}, nil
	case newLevel < oldLevel:
		slog.Info("Recovery detected",
			"alert", in.AlertName, "from", prior.Severity, "to", in.Severity)
		return Decision{ShouldAnalyze: true, Reason: models.ReasonRecovery, Prior: prior}, nil
	default:
		slog.Debug("Duplicate detected", "alert", in.AlertName, "severity", in.Severity)
		return Decision{ShouldAnalyze: false, Reason: models.ReasonDuplicate, Prior: prior}, nil
	}
}

// FindLastAnalysis exposes the prior-analysis lookup.
func (d *Deduplicator) FindLastAnalysis(ctx context.Context, alertName, instance string) (*models.AnalysisRef, error) {
	return d.store.FindLastAnalysis(ctx, alertName, instance)
}

// MarkDuplicate flags the alert as a duplicate of refAlertID and records
// the duplicate_reference row pointing at refAnalysisID. Both writes
// happen in one transaction inside the store.
func (d *Deduplicator) MarkDuplicate(ctx context.Context, alertID, refAlertID, refAnalysisID, reason string) error {
	if err := d.store.MarkAlertDuplicate(ctx, alertID, refAlertID, refAnalysisID, reason); err != nil {
		return err
	}
	slog.Debug("Alert marked as duplicate", "alert_id", alertID, "reason", reason)
	return nil
}

func severityLevel(severity string) int {
	if lvl, ok := severityLevels[severity]; ok {
		return lvl
	}
	return 1
}
