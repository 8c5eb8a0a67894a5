package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/EnodAI/EnodAI/pkg/models"
)

// Querier is the subset of *pgxpool.Pool the store needs. Narrowing the
// dependency keeps the store testable with a mock pool.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Store is the persistence gateway: every write and read the pipeline
// performs goes through a typed operation here. Callers never see SQL.
type Store struct {
	db             Querier
	commandTimeout time.Duration
}

// NewStore creates the persistence gateway.
func NewStore(db Querier, commandTimeout time.Duration) *Store {
	if db == nil {
		panic("NewStore: db must not be nil")
	}
	if commandTimeout <= 0 {
		commandTimeout = 10 * time.Second
	}
	return &Store{db: db, commandTimeout: commandTimeout}
}

// opCtx bounds a single statement by the configured command timeout.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.commandTimeout)
}

// InsertAnomalyResult records an anomaly_detection row for a metric event.
// Confidence is |anomaly_score| clamped to [0,1].
func (s *Store) InsertAnomalyResult(ctx context.Context, modelVersion string, data map[string]any, score float64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	payload, err := marshalJSON(data)
	if err != nil {
		return err
	}
	confidence := clamp01(math.Abs(score))

	_, err = s.db.Exec(ctx, `
		INSERT INTO ai_analysis_results
		(alert_id, analysis_type, model_name, analysis_data, confidence_score)
		VALUES (NULL, $1, $2, $3, $4)`,
		models.AnalysisTypeAnomaly, modelVersion, payload, confidence)
	if err != nil {
		return fmt.Errorf("failed to insert anomaly result: %w", err)
	}
	return nil
}

// InsertLLMResult records a successful llm_analysis row.
func (s *Store) InsertLLMResult(ctx context.Context, alertID, modelName string, analysis map[string]any, confidence float64, reason string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	payload, err := marshalJSON(analysis)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(map[string]any{"analysis_reason": reason})
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO ai_analysis_results
		(alert_id, analysis_type, model_name, analysis_data, confidence_score, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		alertID, models.AnalysisTypeLLM, modelName, payload, clamp01(confidence), metadata)
	if err != nil {
		return fmt.Errorf("failed to insert llm result: %w", err)
	}
	return nil
}

// InsertLLMFailure records a terminal llm_analysis failure row with
// confidence 0.0 so the alert still satisfies the one-terminal-row rule.
func (s *Store) InsertLLMFailure(ctx context.Context, alertID, modelName, errMsg, reason string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	payload, err := marshalJSON(map[string]any{"error": errMsg})
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(map[string]any{
		"analysis_reason": reason,
		"failure":         true,
	})
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO ai_analysis_results
		(alert_id, analysis_type, model_name, analysis_data, confidence_score, metadata)
		VALUES ($1, $2, $3, $4, 0.0, $5)`,
		alertID, models.AnalysisTypeLLM, modelName, payload, metadata)
	if err != nil {
		return fmt.Errorf("failed to insert llm failure: %w", err)
	}
	return nil
}

// MarkAlertDuplicate flags the alert as a duplicate and inserts its
// duplicate_reference row in one transaction, so a reader never observes
// a duplicate alert without its reference analysis.
func (s *Store) MarkAlertDuplicate(ctx context.Context, alertID, refAlertID, refAnalysisID, reason string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	metadata, err := marshalJSON(map[string]any{"analysis_reason": reason})
	if err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE alerts
		SET is_duplicate = TRUE,
		    reference_alert_id = $1
		WHERE id = $2`,
		refAlertID, alertID); err != nil {
		return fmt.Errorf("failed to mark alert duplicate: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO ai_analysis_results
		(alert_id, analysis_type, reference_analysis_id, model_name, analysis_data, confidence_score, metadata)
		VALUES ($1, $2, $3, 'deduplication', $4, 1.0, $5)`,
		alertID, models.AnalysisTypeDuplicate, refAnalysisID,
		`{"duplicate": true, "message": "Same alert already analyzed"}`,
		metadata); err != nil {
		return fmt.Errorf("failed to insert duplicate reference: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit duplicate marking: %w", err)
	}
	return nil
}

// FindLastAnalysis returns the most recent non-duplicate alert for
// (alertName, instance) that has an llm_analysis row, or nil when the
// pair has never been analyzed.
func (s *Store) FindLastAnalysis(ctx context.Context, alertName, instance string) (*models.AnalysisRef, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var ref models.AnalysisRef
	err := s.db.QueryRow(ctx, `
		SELECT a.id, a.severity, a.created_at, r.id
		FROM alerts a
		INNER JOIN ai_analysis_results r
		    ON a.id = r.alert_id
		    AND r.analysis_type = $3
		WHERE a.alert_name = $1
		  AND a.labels->>'instance' = $2
		  AND a.is_duplicate = FALSE
		ORDER BY a.created_at DESC
		LIMIT 1`,
		alertName, instance, models.AnalysisTypeLLM).
		Scan(&ref.AlertID, &ref.Severity, &ref.CreatedAt, &ref.AnalysisID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find last analysis: %w", err)
	}
	return &ref, nil
}

// FetchTrainingValues returns up to limit of the most recent metric
// values, newest first. NULLs and NaNs are replaced with zero so the
// detector always receives finite input.
func (s *Store) FetchTrainingValues(ctx context.Context, limit int) ([]float64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		SELECT metric_value FROM metrics
		ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch training values: %w", err)
	}
	defer rows.Close()

	values := make([]float64, 0, limit)
	for rows.Next() {
		var v *float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan training value: %w", err)
		}
		switch {
		case v == nil, math.IsNaN(*v), math.IsInf(*v, 0):
			values = append(values, 0)
		default:
			values = append(values, *v)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read training values: %w", err)
	}
	return values, nil
}

// ListAnalyses returns persisted analysis rows for the ops API, newest
// first. analysisType filters by type when non-empty.
func (s *Store) ListAnalyses(ctx context.Context, analysisType string, limit, offset int) ([]models.AnalysisRow, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		SELECT id, alert_id, analysis_type, model_name, analysis_data,
		       confidence_score, reference_analysis_id, metadata, created_at
		FROM ai_analysis_results
		WHERE ($1 = '' OR analysis_type = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		analysisType, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	defer rows.Close()

	results := make([]models.AnalysisRow, 0, limit)
	for rows.Next() {
		var (
			row          models.AnalysisRow
			analysisData []byte
			metadata     []byte
		)
		if err := rows.Scan(&row.ID, &row.AlertID, &row.AnalysisType, &row.ModelName,
			&analysisData, &row.ConfidenceScore, &row.ReferenceAnalysisID,
			&metadata, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan analysis row: %w", err)
		}
		if len(analysisData) > 0 {
			_ = json.Unmarshal(analysisData, &row.AnalysisData)
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &row.Metadata)
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read analysis rows: %w", err)
	}
	return results, nil
}

// Ping verifies connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.db.Ping(ctx)
}

// marshalJSON encodes a value for a jsonb parameter. Postgres infers
// jsonb from the target column, so the parameter is sent as text.
func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal json payload: %w", err)
	}
	return string(b), nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
