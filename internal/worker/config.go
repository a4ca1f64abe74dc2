package worker

import (
	"fmt"
	"time"
)

// Config tunes the activation worker. DefaultConfig documents the
// defaults.
type Config struct {
	// Concurrency is the number of polling goroutines.
	Concurrency int

	// PollInterval is the idle wait between empty dequeues.
	PollInterval time.Duration

	// JobTimeout bounds one attempt; its context is cancelled after it.
	JobTimeout time.Duration

	// ShutdownTimeout bounds how long Stop waits for running attempts.
	ShutdownTimeout time.Duration

	// StaleJobThreshold is how long a job may stay running before it is
	// assumed to belong to a crashed process and reset to pending.
	StaleJobThreshold time.Duration

	// RetryBaseDelay doubles after every failed attempt up to RetryMaxDelay.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// DefaultConfig polls every two seconds with two goroutines. Activation
// is a few store writes, so one minute per attempt is generous.
func DefaultConfig() Config {
	return Config{
		Concurrency:       2,
		PollInterval:      2 * time.Second,
		JobTimeout:        1 * time.Minute,
		ShutdownTimeout:   30 * time.Second,
		StaleJobThreshold: 10 * time.Minute,
		RetryBaseDelay:    5 * time.Second,
		RetryMaxDelay:     10 * time.Minute,
	}
}

// Validate rejects configurations that would busy-poll or recover jobs
// that are still running.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.Concurrency > 100 {
		return fmt.Errorf("concurrency too high (max 100), got %d", c.Concurrency)
	}
	if c.PollInterval < 1*time.Second {
		return fmt.Errorf("poll interval must be at least 1 second, got %v", c.PollInterval)
	}
	if c.JobTimeout < 1*time.Second {
		return fmt.Errorf("job timeout must be at least 1 second, got %v", c.JobTimeout)
	}
	if c.ShutdownTimeout < 1*time.Second {
		return fmt.Errorf("shutdown timeout must be at least 1 second, got %v", c.ShutdownTimeout)
	}
	if c.StaleJobThreshold < 1*time.Minute {
		return fmt.Errorf("stale job threshold must be at least 1 minute, got %v", c.StaleJobThreshold)
	}
	if c.StaleJobThreshold <= c.JobTimeout {
		return fmt.Errorf("stale job threshold (%v) must exceed job timeout (%v)", c.StaleJobThreshold, c.JobTimeout)
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < base <= max, got %v/%v", c.RetryBaseDelay, c.RetryMaxDelay)
	}
	return nil
}

// Backoff returns the delay before retrying a job that has failed
// attempts times.
func (c Config) Backoff(attempts int32) time.Duration {
	d := c.RetryBaseDelay
	for i := int32(1); i < attempts; i++ {
		d *= 2
		if d >= c.RetryMaxDelay {
			return c.RetryMaxDelay
		}
	}
	return min(d, c.RetryMaxDelay)
}
