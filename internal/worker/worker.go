package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DukeRupert/meanas/internal/metrics"
	"github.com/DukeRupert/meanas/internal/repository"
)

// Worker manages background job processing with concurrent workers.
type Worker struct {
	store    repository.Store
	handlers map[string]JobHandler
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	// Synchronization
	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New creates a new Worker with the given configuration.
// The worker must be started with Start() and stopped with Stop().
func New(store repository.Store, config Config, logger *slog.Logger) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Worker{
		store:    store,
		handlers: make(map[string]JobHandler),
		config:   config,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}, nil
}

// Register adds a job handler to the worker.
// The handler's Type() must be unique. Call this before Start().
func (w *Worker) Register(handler JobHandler) {
	jobType := handler.Type()
	if _, exists := w.handlers[jobType]; exists {
		w.logger.Warn("Overwriting existing handler", "job_type", jobType)
	}
	w.handlers[jobType] = handler
	w.logger.Debug("Registered job handler", "job_type", jobType)
}

// Start recovers stale jobs left by a previous process and then begins
// polling with the configured number of concurrent workers.
func (w *Worker) Start(ctx context.Context) {
	if _, err := w.RecoverStaleJobs(ctx); err != nil {
		w.logger.Error("Failed to recover stale jobs", "error", err)
	}

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.runWorker(ctx, i+1)
	}

	w.logger.Info("Worker started", "concurrency", w.config.Concurrency, "job_types", w.JobTypes())
}

// Stop signals all workers to stop and waits for them to finish.
// It respects the configured ShutdownTimeout.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopCh)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Worker stopped gracefully")
	case <-time.After(w.config.ShutdownTimeout):
		w.logger.Warn("Worker shutdown timeout exceeded, some jobs may still be running")
	}
}

// RecoverStaleJobs resets jobs that have been running longer than the
// stale threshold, which happens when a worker dies mid-job. It is run on
// start and periodically by the scheduler.
func (w *Worker) RecoverStaleJobs(ctx context.Context) (int64, error) {
	count, err := w.store.RecoverStaleJobs(ctx, w.now().Add(-w.config.StaleJobThreshold))
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}

	if count > 0 {
		metrics.StaleJobsRecovered.Add(float64(count))
		w.logger.Warn("Recovered stale jobs", "count", count, "threshold", w.config.StaleJobThreshold)
	}

	return count, nil
}

// runWorker is the main loop for a worker goroutine.
// It continuously polls for jobs until stopCh is closed.
func (w *Worker) runWorker(ctx context.Context, workerID int) {
	defer w.wg.Done()

	logger := w.logger.With("worker_id", workerID)
	logger.Debug("Worker started")

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			logger.Debug("Worker stopping")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain everything that is due before waiting for the next tick.
			for {
				err := w.ProcessNext(ctx, logger)
				if errors.Is(err, repository.ErrNoJobs) {
					break
				}
				if err != nil {
					logger.Error("Failed to process job", "error", err)
					break
				}
				select {
				case <-w.stopCh:
					return
				default:
				}
			}
		}
	}
}

// ProcessNext claims and executes a single due job.
// Returns repository.ErrNoJobs if nothing is due.
func (w *Worker) ProcessNext(ctx context.Context, logger *slog.Logger) error {
	job, err := w.store.DequeueJob(ctx, w.now())
	if err != nil {
		return err
	}

	logger = logger.With("job_id", job.ID, "job_type", job.JobType, "attempt", job.Attempts)
	logger.Info("Processing job")
	metrics.JobStarted(job.JobType)
	start := time.Now()

	if err := w.executeJob(ctx, job); err != nil {
		logger.Error("Job failed", "error", err)
		outcome := w.markJobFailed(ctx, job, err)
		metrics.JobFinished(job.JobType, outcome, time.Since(start))
		return nil
	}

	logger.Info("Job completed")
	metrics.JobFinished(job.JobType, metrics.JobOutcomeCompleted, time.Since(start))
	if err := w.store.CompleteJob(ctx, job.ID, w.now()); err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}

	return nil
}

// executeJob runs the appropriate handler for the job with a timeout context.
func (w *Worker) executeJob(ctx context.Context, job repository.Job) error {
	handler, ok := w.handlers[job.JobType]
	if !ok {
		return NewPermanentError(fmt.Errorf("no handler registered for job type: %s", job.JobType))
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	return handler.Handle(jobCtx, job.Payload)
}

// markJobFailed records the failed attempt and returns its metrics
// outcome. Permanent errors and jobs out of attempts are marked failed;
// everything else is rescheduled with exponential backoff.
func (w *Worker) markJobFailed(ctx context.Context, job repository.Job, jobErr error) string {
	now := w.now()
	params := repository.FailJobParams{
		ID:           job.ID,
		ErrorMessage: jobErr.Error(),
		FailedAt:     now,
	}

	outcome := metrics.JobOutcomeFailed
	switch {
	case IsPermanent(jobErr):
		w.logger.Warn("Job failed with permanent error, will not retry", "job_id", job.ID, "error", params.ErrorMessage)
	case job.Attempts >= job.MaxAttempts:
		w.logger.Warn("Job exhausted its attempts", "job_id", job.ID, "attempts", job.Attempts)
	default:
		retryAt := now.Add(w.config.Backoff(job.Attempts))
		params.RetryAt = &retryAt
		outcome = metrics.JobOutcomeRetried
	}

	if err := w.store.FailJob(ctx, params); err != nil {
		w.logger.Error("Failed to mark job as failed", "job_id", job.ID, "error", err)
	}
	return outcome
}

// JobTypes lists the registered job types.
func (w *Worker) JobTypes() []string {
	types := make([]string, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}
	return types
}
