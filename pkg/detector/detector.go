package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/EnodAI/EnodAI/pkg/config"
	"github.com/EnodAI/EnodAI/pkg/metrics"
	"github.com/EnodAI/EnodAI/pkg/models"
)

// Detection error strings surfaced in DetectionResult.Err.
const (
	errMissingValue   = "Missing metric_value"
	errNonFiniteValue = "Non-finite value"
	errInvalidValue   = "Invalid value"
)

const (
	bootstrapSamples = 1000
	bootstrapMean    = 50
	bootstrapStd     = 10
)

// TrainingSource supplies historical metric values for retraining.
type TrainingSource interface {
	FetchTrainingValues(ctx context.Context, limit int) ([]float64, error)
}

// Detector owns the scorer lifecycle: load-or-bootstrap on Init, pure
// in-memory scoring on Detect, and artifact replacement on Retrain.
type Detector struct {
	cfg    config.DetectorConfig
	source TrainingSource

	mu    sync.RWMutex
	model *model

	retraining atomic.Bool
}

// New creates the detector. source may be nil only when Retrain is never
// called (tests).
func New(cfg config.DetectorConfig, source TrainingSource) *Detector {
	return &Detector{cfg: cfg, source: source}
}

// Init loads the persisted artifact, or bootstraps one when none exists
// so Detect never fails for lack of a fitted model. Bootstrap uses a
// fixed-seed Gaussian, and persists, so restarts are stable.
func (d *Detector) Init() error {
	m, err := load(d.cfg.ModelPath)
	switch {
	case err == nil:
		slog.Info("Model loaded from disk", "path", d.cfg.ModelPath)
	case errors.Is(err, os.ErrNotExist):
		slog.Info("No existing model found, bootstrapping", "path", d.cfg.ModelPath)
		m = &model{}
		m.fit(bootstrapData())
		if err := m.save(d.cfg.ModelPath); err != nil {
			return fmt.Errorf("failed to persist bootstrap model: %w", err)
		}
	default:
		return fmt.Errorf("failed to load model: %w", err)
	}

	d.mu.Lock()
	d.model = m
	d.mu.Unlock()
	return nil
}

// Detect scores a single metric event. It is pure given the fitted
// model: no I/O, and identical input yields identical output until the
// next retrain swaps the artifact.
func (d *Detector) Detect(ev models.MetricEvent) models.DetectionResult {
	value, errStr := coerceValue(ev.Value)
	if errStr != "" {
		if errStr == errNonFiniteValue {
			slog.Warn("Non-finite metric value detected", "metric", ev.Name)
		}
		return models.DetectionResult{IsAnomaly: false, Err: errStr}
	}

	d.mu.RLock()
	m := d.model
	d.mu.RUnlock()
	if m == nil {
		return models.DetectionResult{IsAnomaly: false, Err: "Model not initialized"}
	}

	return models.DetectionResult{
		IsAnomaly:    m.predict(value) == -1,
		AnomalyScore: m.score(value),
		ModelVersion: ModelVersion,
	}
}

// Retrain fetches recent metric history, fits a fresh scaler+forest,
// persists the artifact atomically, and swaps it in. It runs at most
// once at a time; a trigger during a running retrain is a no-op. Detect
// keeps seeing the previous artifact until the swap.
func (d *Detector) Retrain(ctx context.Context) error {
	if !d.retraining.CompareAndSwap(false, true) {
		slog.Warn("Retrain already in progress, skipping")
		return nil
	}
	defer d.retraining.Store(false)

	slog.Info("Starting model retraining")
	values, err := d.source.FetchTrainingValues(ctx, d.cfg.TrainingLimit)
	if err != nil {
		metrics.RetrainRuns.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to fetch training data: %w", err)
	}
	if len(values) == 0 {
		slog.Warn("No data found for training")
		metrics.RetrainRuns.WithLabelValues("no_data").Inc()
		return nil
	}

	m := &model{}
	m.fit(values)
	if err := m.save(d.cfg.ModelPath); err != nil {
		metrics.RetrainRuns.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to persist retrained model: %w", err)
	}

	d.mu.Lock()
	d.model = m
	d.mu.Unlock()

	slog.Info("Model retrained", "samples", len(values), "path", d.cfg.ModelPath)
	metrics.RetrainRuns.WithLabelValues("success").Inc()
	return nil
}

// coerceValue turns the untyped boundary value into a finite float64, or
// returns the reason it cannot.
func coerceValue(raw any) (float64, string) {
	switch v := raw.(type) {
	case nil:
		return 0, errMissingValue
	case float64:
		if !isFinite(v) {
			return 0, errNonFiniteValue
		}
		return v, ""
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, errInvalidValue
		}
		if !isFinite(f) {
			return 0, errNonFiniteValue
		}
		return f, ""
	default:
		return 0, errInvalidValue
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// bootstrapData draws the cold-start training set: 1000 samples from a
// fixed-seed Gaussian (mean 50, std 10).
func bootstrapData() []float64 {
	rng := rand.New(rand.NewPCG(randomSeed, randomSeed))
	data := make([]float64, bootstrapSamples)
	for i := range data {
		data[i] = rng.NormFloat64()*bootstrapStd + bootstrapMean
	}
	return data
}
