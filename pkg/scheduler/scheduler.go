// Package scheduler drives the periodic model jobs: nightly retraining,
// six-hourly evaluation, and on-demand retrain triggers from the API.
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Cron expressions for the periodic jobs.
const (
	retrainSpec  = "0 2 * * *"   // daily at 02:00 local
	evaluateSpec = "0 */6 * * *" // every six hours
)

// Retrainer is the model surface the scheduler drives.
type Retrainer interface {
	Retrain(ctx context.Context) error
}

// Scheduler owns the cron engine. Jobs run on their own goroutines, so
// a long retrain never stalls the schedule or the consumer loop.
type Scheduler struct {
	cron      *cron.Cron
	retrainer Retrainer
	ctx       context.Context

	mu            sync.Mutex
	manualRunning bool
	manualQueued  bool
}

// New creates the scheduler. ctx bounds every job run and the manual
// trigger; cancel it on shutdown.
func New(ctx context.Context, retrainer Retrainer) *Scheduler {
	if retrainer == nil {
		panic("scheduler.New: retrainer must not be nil")
	}
	return &Scheduler{
		cron:      cron.New(),
		retrainer: retrainer,
		ctx:       ctx,
	}
}

// Start registers the periodic jobs and starts the cron engine.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(retrainSpec, s.runRetrain); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(evaluateSpec, s.runEvaluate); err != nil {
		return err
	}
	s.cron.Start()
	slog.Info("Model scheduler started",
		"retrain_schedule", retrainSpec, "evaluate_schedule", evaluateSpec)
	return nil
}

// Stop halts the cron engine and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("Model scheduler stopped")
}

// TriggerRetrain enqueues a one-shot retrain and reports whether it
// started immediately. A trigger while a manual retrain is running
// queues exactly one follow-up run; further triggers replace that
// queued run. The scheduled nightly job is unaffected.
func (s *Scheduler) TriggerRetrain() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.manualRunning {
		s.manualQueued = true
		slog.Info("Manual retrain already running, queued a follow-up run")
		return false
	}
	s.manualRunning = true
	slog.Info("Manual model retraining triggered")
	go s.runManual()
	return true
}

// runManual drains the manual-trigger queue: the triggered run, plus at
// most one follow-up queued while it was running.
func (s *Scheduler) runManual() {
	for {
		s.runRetrain()

		s.mu.Lock()
		if !s.manualQueued {
			s.manualRunning = false
			s.mu.Unlock()
			return
		}
		s.manualQueued = false
		s.mu.Unlock()
	}
}

func (s *Scheduler) runRetrain() {
	slog.Info("Starting scheduled model retraining")
	if err := s.retrainer.Retrain(s.ctx); err != nil {
		slog.Error("Model retraining failed", "error", err)
		return
	}
	slog.Info("Model retraining completed")
}

// runEvaluate is the model-quality evaluation hook. Scoring against a
// labeled baseline needs ground-truth anomaly labels the store does not
// collect yet, so the job only reports that it ran.
func (s *Scheduler) runEvaluate() {
	slog.Info("Model evaluation hook ran; no labeled baseline configured")
}
