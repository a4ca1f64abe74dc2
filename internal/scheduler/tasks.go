package scheduler

import (
	"context"
	"log/slog"
)

// Sweeper expires subscriptions whose end date has passed.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// StaleJobRecoverer resets jobs left running by a crashed worker.
type StaleJobRecoverer interface {
	RecoverStaleJobs(ctx context.Context) (int64, error)
}

// ExpirySweep wraps a Sweeper as a Task.
func ExpirySweep(sweeper Sweeper, logger *slog.Logger) Task {
	return func(ctx context.Context) error {
		n, err := sweeper.Sweep(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("expiry sweep finished", "expired", n)
		}
		return nil
	}
}

// StaleJobRecovery wraps a StaleJobRecoverer as a Task.
func StaleJobRecovery(r StaleJobRecoverer, logger *slog.Logger) Task {
	return func(ctx context.Context) error {
		n, err := r.RecoverStaleJobs(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Warn("recovered stale jobs", "count", n)
		}
		return nil
	}
}
