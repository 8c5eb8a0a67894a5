// Package consumer runs the stream-draining loop: it dispatches each
// entry by kind to the detector or the LLM pipeline and acknowledges
// every entry that reached a terminal outcome.
package consumer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/EnodAI/EnodAI/pkg/config"
	"github.com/EnodAI/EnodAI/pkg/dedup"
	"github.com/EnodAI/EnodAI/pkg/metrics"
	"github.com/EnodAI/EnodAI/pkg/models"
)

// llmDefaultConfidence is recorded for successful llm_analysis rows; the
// backend does not report one.
const llmDefaultConfidence = 0.85

// StreamClient is the stream surface the loop consumes.
type StreamClient interface {
	Read(ctx context.Context, maxBatch int64, block time.Duration) ([]models.StreamEntry, error)
	Ack(ctx context.Context, id string)
	ReclaimStale(ctx context.Context, idleThreshold time.Duration) (int, error)
}

// Detector scores metric events.
type Detector interface {
	Detect(ev models.MetricEvent) models.DetectionResult
}

// Analyzer dispatches alerts for root-cause analysis. A result map
// containing an "error" key is a failed attempt.
type Analyzer interface {
	Analyze(ctx context.Context, alert models.AlertPayload, reason string) map[string]any
	Model() string
}

// Classifier decides whether an alert needs analysis and records
// duplicates.
type Classifier interface {
	Classify(ctx context.Context, in models.ClassificationInput) (dedup.Decision, error)
	MarkDuplicate(ctx context.Context, alertID, refAlertID, refAnalysisID, reason string) error
}

// ResultStore persists terminal analysis outcomes.
type ResultStore interface {
	InsertAnomalyResult(ctx context.Context, modelVersion string, data map[string]any, score float64) error
	InsertLLMResult(ctx context.Context, alertID, modelName string, analysis map[string]any, confidence float64, reason string) error
	InsertLLMFailure(ctx context.Context, alertID, modelName, errMsg, reason string) error
}

// Consumer is the pipeline loop. Construct with New, then Start; Stop
// waits for the in-flight batch to finish.
type Consumer struct {
	cfg      config.ConsumerConfig
	stream   StreamClient
	detector Detector
	analyzer Analyzer
	dedup    Classifier
	store    ResultStore

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wires the consumer. All dependencies are required.
func New(cfg config.ConsumerConfig, stream StreamClient, det Detector, analyzer Analyzer, classifier Classifier, store ResultStore) *Consumer {
	if stream == nil || det == nil || analyzer == nil || classifier == nil || store == nil {
		panic("consumer.New: all dependencies must be non-nil")
	}
	return &Consumer{
		cfg:      cfg,
		stream:   stream,
		detector: det,
		analyzer: analyzer,
		dedup:    classifier,
		store:    store,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the consume loop in a goroutine.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop signals the loop to stop and waits for the current batch to
// complete. Safe to call multiple times.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()

	log := slog.With("component", "consumer")
	log.Info("Consumer started")

	for iter := 0; ; iter++ {
		select {
		case <-c.stopCh:
			log.Info("Consumer shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, consumer shutting down")
			return
		default:
		}

		// Interleave the pending-entry sweep with normal consumption so
		// entries orphaned by crashed peers don't wedge the group.
		if c.cfg.SweepEvery > 0 && iter%c.cfg.SweepEvery == 0 {
			if n, err := c.stream.ReclaimStale(ctx, c.cfg.ReclaimIdle); err != nil {
				log.Error("Pending sweep failed", "error", err)
			} else if n > 0 {
				log.Warn("Reclaimed stale pending entries", "count", n)
				metrics.PendingReclaimed.Add(float64(n))
			}
		}

		batch, err := c.stream.Read(ctx, c.cfg.ReadBatch, c.cfg.ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("Stream read failed", "error", err)
			c.sleep(c.cfg.ErrorBackoff)
			continue
		}
		if len(batch) == 0 {
			c.sleep(c.cfg.IdleSleep)
			continue
		}

		for _, entry := range batch {
			c.dispatch(ctx, entry)
			// Terminal outcome reached (success, persisted failure, or
			// poison-skip): ack unconditionally. Redelivery is not a
			// retry mechanism; durability lives in ai_analysis_results.
			c.stream.Ack(ctx, entry.ID)
		}
	}
}

// sleep waits for d or until stop is signalled.
func (c *Consumer) sleep(d time.Duration) {
	select {
	case <-c.stopCh:
	case <-time.After(d):
	}
}

func (c *Consumer) dispatch(ctx context.Context, entry models.StreamEntry) {
	switch entry.Kind {
	case models.KindMetric:
		c.processMetric(ctx, entry)
	case models.KindAlert:
		c.processAlert(ctx, entry)
	default:
		slog.Warn("Unknown message type", "id", entry.ID, "type", entry.Kind)
		metrics.EntriesProcessed.WithLabelValues(entry.Kind, "unknown_kind").Inc()
	}
}

func (c *Consumer) processMetric(ctx context.Context, entry models.StreamEntry) {
	var ev models.MetricEvent
	if err := json.Unmarshal([]byte(entry.Data), &ev); err != nil {
		slog.Error("Failed to parse metric payload", "id", entry.ID, "error", err)
		metrics.EntriesProcessed.WithLabelValues(models.KindMetric, "malformed").Inc()
		return
	}

	result := c.detector.Detect(ev)
	if result.Err != "" {
		slog.Debug("Metric not scorable", "metric", ev.Name, "reason", result.Err)
		metrics.EntriesProcessed.WithLabelValues(models.KindMetric, "unscorable").Inc()
		return
	}
	if !result.IsAnomaly {
		metrics.EntriesProcessed.WithLabelValues(models.KindMetric, "normal").Inc()
		return
	}

	slog.Warn("Anomaly detected", "metric", ev.Name, "value", ev.Value, "score", result.AnomalyScore)
	metrics.AnomaliesDetected.Inc()

	data := map[string]any{
		"metric_name":   ev.Name,
		"metric_value":  ev.Value,
		"anomaly_score": result.AnomalyScore,
	}
	if err := c.store.InsertAnomalyResult(ctx, result.ModelVersion, data, result.AnomalyScore); err != nil {
		// The results table missed this one; the entry still acks, the
		// stream is not the durable record.
		slog.Error("Failed to persist anomaly result", "metric", ev.Name, "error", err)
		metrics.EntriesProcessed.WithLabelValues(models.KindMetric, "persist_failed").Inc()
		return
	}
	metrics.EntriesProcessed.WithLabelValues(models.KindMetric, "anomaly").Inc()
}

func (c *Consumer) processAlert(ctx context.Context, entry models.StreamEntry) {
	var ev models.AlertEvent
	if err := json.Unmarshal([]byte(entry.Data), &ev); err != nil {
		slog.Error("Failed to parse alert payload", "id", entry.ID, "error", err)
		metrics.EntriesProcessed.WithLabelValues(models.KindAlert, "malformed").Inc()
		return
	}

	log := slog.With("alert_id", ev.AlertID, "alert", ev.Payload.AlertName())

	decision, err := c.dedup.Classify(ctx, models.ClassificationInput{
		AlertName: ev.Payload.AlertName(),
		Instance:  ev.Payload.Instance(),
		Severity:  ev.Payload.Severity(),
	})
	if err != nil {
		log.Error("Classification failed", "error", err)
		metrics.EntriesProcessed.WithLabelValues(models.KindAlert, "classify_failed").Inc()
		return
	}

	if !decision.ShouldAnalyze {
		if decision.Prior == nil {
			// Skip with no surviving reference: nothing to point the
			// duplicate row at, log and move on.
			log.Warn("Duplicate without reference analysis, skipping")
			metrics.EntriesProcessed.WithLabelValues(models.KindAlert, "duplicate_unreferenced").Inc()
			return
		}
		if err := c.dedup.MarkDuplicate(ctx, ev.AlertID,
			decision.Prior.AlertID, decision.Prior.AnalysisID, decision.Reason); err != nil {
			log.Error("Failed to mark duplicate", "error", err)
			metrics.EntriesProcessed.WithLabelValues(models.KindAlert, "persist_failed").Inc()
			return
		}
		metrics.EntriesProcessed.WithLabelValues(models.KindAlert, "duplicate").Inc()
		return
	}

	c.analyzeAlert(ctx, log, ev, decision.Reason)
}

// analyzeAlert runs the bounded-retry LLM dispatch and persists either
// the analysis or a terminal failure row.
func (c *Consumer) analyzeAlert(ctx context.Context, log *slog.Logger, ev models.AlertEvent, reason string) {
	var lastErr string
	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		analysis := c.analyzer.Analyze(ctx, ev.Payload, reason)

		errVal, failed := analysis["error"]
		if !failed {
			if err := c.store.InsertLLMResult(ctx, ev.AlertID, c.analyzer.Model(),
				analysis, llmDefaultConfidence, reason); err != nil {
				log.Error("Failed to persist LLM analysis", "error", err)
				metrics.EntriesProcessed.WithLabelValues(models.KindAlert, "persist_failed").Inc()
				return
			}
			log.Info("LLM analysis completed", "reason", reason, "attempt", attempt)
			metrics.EntriesProcessed.WithLabelValues(models.KindAlert, "analyzed").Inc()
			return
		}

		lastErr, _ = errVal.(string)
		log.Warn("LLM analysis attempt failed",
			"attempt", attempt, "max_attempts", c.cfg.RetryAttempts, "error", lastErr)

		if attempt < c.cfg.RetryAttempts {
			if !c.waitRetryBackoff(ctx) {
				// Shutdown interrupted the backoff. The entry acks
				// regardless, so the terminal failure row must land
				// before we return.
				break
			}
		}
	}

	// Written on a cancellation-free context: the ack is unconditional,
	// so this row must survive shutdown.
	if err := c.store.InsertLLMFailure(context.WithoutCancel(ctx), ev.AlertID, c.analyzer.Model(), lastErr, reason); err != nil {
		log.Error("Failed to persist LLM failure row", "error", err)
		metrics.EntriesProcessed.WithLabelValues(models.KindAlert, "persist_failed").Inc()
		return
	}
	log.Error("LLM analysis exhausted retries, failure persisted", "error", lastErr)
	metrics.EntriesProcessed.WithLabelValues(models.KindAlert, "llm_failed").Inc()
}

// waitRetryBackoff waits out the retry backoff. It returns false when
// shutdown or cancellation interrupted the wait.
func (c *Consumer) waitRetryBackoff(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	case <-time.After(c.cfg.RetryBackoff):
		return true
	}
}
