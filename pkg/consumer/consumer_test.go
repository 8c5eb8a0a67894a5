package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EnodAI/EnodAI/pkg/config"
	"github.com/EnodAI/EnodAI/pkg/dedup"
	"github.com/EnodAI/EnodAI/pkg/models"
)

type fakeStream struct {
	mu      sync.Mutex
	batches [][]models.StreamEntry
	acked   []string
}

func (f *fakeStream) Read(_ context.Context, _ int64, _ time.Duration) ([]models.StreamEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeStream) Ack(_ context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
}

func (f *fakeStream) ReclaimStale(_ context.Context, _ time.Duration) (int, error) {
	return 0, nil
}

func (f *fakeStream) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

type fakeDetector struct {
	result models.DetectionResult
}

func (f *fakeDetector) Detect(_ models.MetricEvent) models.DetectionResult {
	return f.result
}

type fakeAnalyzer struct {
	mu      sync.Mutex
	results []map[string]any
	calls   int
}

func (f *fakeAnalyzer) Analyze(_ context.Context, _ models.AlertPayload, _ string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) == 0 {
		return map[string]any{"root_cause": "x"}
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r
}

func (f *fakeAnalyzer) Model() string { return "llama2" }

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeClassifier struct {
	decision dedup.Decision
	err      error

	marked [][4]string
}

func (f *fakeClassifier) Classify(_ context.Context, _ models.ClassificationInput) (dedup.Decision, error) {
	return f.decision, f.err
}

func (f *fakeClassifier) MarkDuplicate(_ context.Context, alertID, refAlertID, refAnalysisID, reason string) error {
	f.marked = append(f.marked, [4]string{alertID, refAlertID, refAnalysisID, reason})
	return nil
}

type storedLLMResult struct {
	alertID    string
	model      string
	analysis   map[string]any
	confidence float64
	reason     string
}

type fakeStore struct {
	anomalyScores []float64
	llmResults    []storedLLMResult
	llmFailures   []string
	insertErr     error
}

func (f *fakeStore) InsertAnomalyResult(_ context.Context, _ string, _ map[string]any, score float64) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.anomalyScores = append(f.anomalyScores, score)
	return nil
}

func (f *fakeStore) InsertLLMResult(_ context.Context, alertID, modelName string, analysis map[string]any, confidence float64, reason string) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.llmResults = append(f.llmResults, storedLLMResult{alertID, modelName, analysis, confidence, reason})
	return nil
}

func (f *fakeStore) InsertLLMFailure(_ context.Context, _, _, errMsg, _ string) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.llmFailures = append(f.llmFailures, errMsg)
	return nil
}

func testConsumerConfig() config.ConsumerConfig {
	return config.ConsumerConfig{
		ReadBatch:     10,
		ReadBlock:     time.Millisecond,
		IdleSleep:     time.Millisecond,
		ErrorBackoff:  time.Millisecond,
		SweepEvery:    50,
		ReclaimIdle:   5 * time.Minute,
		RetryAttempts: 2,
		RetryBackoff:  time.Millisecond,
	}
}

type deps struct {
	stream     *fakeStream
	detector   *fakeDetector
	analyzer   *fakeAnalyzer
	classifier *fakeClassifier
	store      *fakeStore
}

func newTestConsumer(d deps) (*Consumer, deps) {
	if d.stream == nil {
		d.stream = &fakeStream{}
	}
	if d.detector == nil {
		d.detector = &fakeDetector{}
	}
	if d.analyzer == nil {
		d.analyzer = &fakeAnalyzer{}
	}
	if d.classifier == nil {
		d.classifier = &fakeClassifier{}
	}
	if d.store == nil {
		d.store = &fakeStore{}
	}
	c := New(testConsumerConfig(), d.stream, d.detector, d.analyzer, d.classifier, d.store)
	return c, d
}

func metricEntry(id, data string) models.StreamEntry {
	return models.StreamEntry{ID: id, Kind: models.KindMetric, Data: data}
}

func alertEntry(id, data string) models.StreamEntry {
	return models.StreamEntry{ID: id, Kind: models.KindAlert, Data: data}
}

func TestNew_NilDependencyPanics(t *testing.T) {
	assert.Panics(t, func() {
		New(testConsumerConfig(), nil, &fakeDetector{}, &fakeAnalyzer{}, &fakeClassifier{}, &fakeStore{})
	})
}

func TestProcessMetric_AnomalyPersisted(t *testing.T) {
	c, d := newTestConsumer(deps{detector: &fakeDetector{result: models.DetectionResult{
		IsAnomaly:    true,
		AnomalyScore: -0.8,
		ModelVersion: "if_v1",
	}}})

	c.dispatch(context.Background(), metricEntry("1-0", `{"metric_name":"cpu_usage","metric_value":99.1}`))

	require.Len(t, d.store.anomalyScores, 1)
	assert.Equal(t, -0.8, d.store.anomalyScores[0])
}

func TestProcessMetric_NormalNotPersisted(t *testing.T) {
	c, d := newTestConsumer(deps{detector: &fakeDetector{result: models.DetectionResult{
		AnomalyScore: -0.2,
		ModelVersion: "if_v1",
	}}})

	c.dispatch(context.Background(), metricEntry("1-0", `{"metric_name":"cpu_usage","metric_value":55.0}`))

	assert.Empty(t, d.store.anomalyScores)
}

func TestProcessMetric_UnscorableNotPersisted(t *testing.T) {
	c, d := newTestConsumer(deps{detector: &fakeDetector{result: models.DetectionResult{
		Err: "Missing metric_value",
	}}})

	c.dispatch(context.Background(), metricEntry("1-0", `{"metric_name":"cpu_usage"}`))

	assert.Empty(t, d.store.anomalyScores)
}

func TestProcessMetric_MalformedPayload(t *testing.T) {
	c, d := newTestConsumer(deps{})

	c.dispatch(context.Background(), metricEntry("1-0", "{{{"))

	assert.Empty(t, d.store.anomalyScores)
	assert.Zero(t, d.analyzer.calls)
}

func TestProcessAlert_FirstOccurrenceAnalyzed(t *testing.T) {
	c, d := newTestConsumer(deps{
		classifier: &fakeClassifier{decision: dedup.Decision{
			ShouldAnalyze: true,
			Reason:        models.ReasonFirstOccurrence,
		}},
		analyzer: &fakeAnalyzer{results: []map[string]any{
			{"root_cause": map[string]any{"problem": "memory pressure"}},
		}},
	})

	c.dispatch(context.Background(), alertEntry("2-0",
		`{"alert_id":"alert-1","payload":{"labels":{"alertname":"HighCPU","severity":"critical","instance":"web-01"}}}`))

	require.Len(t, d.store.llmResults, 1)
	got := d.store.llmResults[0]
	assert.Equal(t, "alert-1", got.alertID)
	assert.Equal(t, "llama2", got.model)
	assert.Equal(t, llmDefaultConfidence, got.confidence)
	assert.Equal(t, models.ReasonFirstOccurrence, got.reason)
	assert.Equal(t, 1, d.analyzer.calls)
}

func TestProcessAlert_DuplicateMarked(t *testing.T) {
	prior := &models.AnalysisRef{AlertID: "alert-0", Severity: "critical", AnalysisID: "analysis-0"}
	c, d := newTestConsumer(deps{classifier: &fakeClassifier{decision: dedup.Decision{
		ShouldAnalyze: false,
		Reason:        models.ReasonDuplicate,
		Prior:         prior,
	}}})

	c.dispatch(context.Background(), alertEntry("2-0",
		`{"alert_id":"alert-1","payload":{"labels":{"alertname":"HighCPU","severity":"critical"}}}`))

	require.Len(t, d.classifier.marked, 1)
	assert.Equal(t, [4]string{"alert-1", "alert-0", "analysis-0", models.ReasonDuplicate}, d.classifier.marked[0])
	// Duplicates never reach the LLM.
	assert.Zero(t, d.analyzer.calls)
	assert.Empty(t, d.store.llmResults)
}

func TestProcessAlert_DuplicateWithoutReferenceSkipped(t *testing.T) {
	c, d := newTestConsumer(deps{classifier: &fakeClassifier{decision: dedup.Decision{
		ShouldAnalyze: false,
		Reason:        models.ReasonDuplicate,
	}}})

	c.dispatch(context.Background(), alertEntry("2-0",
		`{"alert_id":"alert-1","payload":{"labels":{"alertname":"HighCPU"}}}`))

	assert.Empty(t, d.classifier.marked)
	assert.Zero(t, d.analyzer.calls)
}

func TestProcessAlert_ClassifyErrorNoWrites(t *testing.T) {
	c, d := newTestConsumer(deps{classifier: &fakeClassifier{err: errors.New("db down")}})

	c.dispatch(context.Background(), alertEntry("2-0",
		`{"alert_id":"alert-1","payload":{"labels":{"alertname":"HighCPU"}}}`))

	assert.Zero(t, d.analyzer.calls)
	assert.Empty(t, d.store.llmResults)
	assert.Empty(t, d.store.llmFailures)
}

func TestAnalyzeAlert_RetryThenSuccess(t *testing.T) {
	c, d := newTestConsumer(deps{
		classifier: &fakeClassifier{decision: dedup.Decision{
			ShouldAnalyze: true,
			Reason:        models.ReasonEscalation,
		}},
		analyzer: &fakeAnalyzer{results: []map[string]any{
			{"error": "timeout"},
			{"root_cause": "x"},
		}},
	})

	c.dispatch(context.Background(), alertEntry("2-0",
		`{"alert_id":"alert-1","payload":{"labels":{"alertname":"HighCPU","severity":"critical"}}}`))

	assert.Equal(t, 2, d.analyzer.calls)
	require.Len(t, d.store.llmResults, 1)
	assert.Empty(t, d.store.llmFailures)
	assert.Equal(t, models.ReasonEscalation, d.store.llmResults[0].reason)
}

func TestAnalyzeAlert_ExhaustedRetriesPersistsFailure(t *testing.T) {
	c, d := newTestConsumer(deps{
		classifier: &fakeClassifier{decision: dedup.Decision{
			ShouldAnalyze: true,
			Reason:        models.ReasonFirstOccurrence,
		}},
		analyzer: &fakeAnalyzer{results: []map[string]any{
			{"error": "timeout"},
			{"error": "connection refused"},
		}},
	})

	c.dispatch(context.Background(), alertEntry("2-0",
		`{"alert_id":"alert-1","payload":{"labels":{"alertname":"HighCPU"}}}`))

	assert.Equal(t, 2, d.analyzer.calls)
	assert.Empty(t, d.store.llmResults)
	// The terminal failure row carries the last attempt's error.
	require.Len(t, d.store.llmFailures, 1)
	assert.Equal(t, "connection refused", d.store.llmFailures[0])
}

func TestAnalyzeAlert_StopDuringBackoffPersistsFailure(t *testing.T) {
	cfg := testConsumerConfig()
	cfg.RetryBackoff = 10 * time.Second

	stream := &fakeStream{batches: [][]models.StreamEntry{{
		alertEntry("3-0", `{"alert_id":"alert-1","payload":{"labels":{"alertname":"HighCPU","severity":"critical"}}}`),
	}}}
	analyzer := &fakeAnalyzer{results: []map[string]any{{"error": "timeout"}}}
	classifier := &fakeClassifier{decision: dedup.Decision{
		ShouldAnalyze: true,
		Reason:        models.ReasonFirstOccurrence,
	}}
	store := &fakeStore{}
	c := New(cfg, stream, &fakeDetector{}, analyzer, classifier, store)

	c.Start(context.Background())
	require.Eventually(t, func() bool {
		return analyzer.callCount() == 1
	}, time.Second, 5*time.Millisecond)

	// Stop lands inside the 10s retry backoff. The alert must still end
	// with a terminal failure row before its ack, never a bare ack.
	c.Stop()

	assert.Empty(t, store.llmResults)
	require.Len(t, store.llmFailures, 1)
	assert.Equal(t, "timeout", store.llmFailures[0])
	assert.Equal(t, []string{"3-0"}, stream.ackedIDs())
}

func TestRun_AcksEveryTerminalEntry(t *testing.T) {
	stream := &fakeStream{batches: [][]models.StreamEntry{{
		metricEntry("1-0", `{"metric_name":"cpu_usage","metric_value":55.0}`),
		metricEntry("1-1", "not json"),
		alertEntry("1-2", `{"alert_id":"alert-1","payload":{"labels":{"alertname":"HighCPU"}}}`),
		{ID: "1-3", Kind: "mystery", Data: "{}"},
	}}}
	c, _ := newTestConsumer(deps{
		stream: stream,
		classifier: &fakeClassifier{decision: dedup.Decision{
			ShouldAnalyze: true,
			Reason:        models.ReasonFirstOccurrence,
		}},
	})

	c.Start(context.Background())
	assert.Eventually(t, func() bool {
		return len(stream.ackedIDs()) == 4
	}, time.Second, 5*time.Millisecond)
	c.Stop()

	assert.Equal(t, []string{"1-0", "1-1", "1-2", "1-3"}, stream.ackedIDs())
}

func TestRun_AcksEvenWhenPersistFails(t *testing.T) {
	stream := &fakeStream{batches: [][]models.StreamEntry{{
		metricEntry("1-0", `{"metric_name":"cpu_usage","metric_value":99.1}`),
	}}}
	c, _ := newTestConsumer(deps{
		stream: stream,
		detector: &fakeDetector{result: models.DetectionResult{
			IsAnomaly:    true,
			AnomalyScore: -0.8,
			ModelVersion: "if_v1",
		}},
		store: &fakeStore{insertErr: errors.New("db down")},
	})

	c.Start(context.Background())
	assert.Eventually(t, func() bool {
		return len(stream.ackedIDs()) == 1
	}, time.Second, 5*time.Millisecond)
	c.Stop()
}

func TestStop_Idempotent(t *testing.T) {
	c, _ := newTestConsumer(deps{})
	c.Start(context.Background())
	c.Stop()
	c.Stop()
}
