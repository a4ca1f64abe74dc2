package metrics

import "time"

// Outcomes of a single job attempt.
const (
	JobOutcomeCompleted = "completed"
	JobOutcomeRetried   = "retried"
	JobOutcomeFailed    = "failed"
)

// JobStarted marks a claimed job as in flight.
func JobStarted(jobType string) {
	JobsInFlight.WithLabelValues(jobType).Inc()
}

// JobFinished ends an attempt started with JobStarted.
func JobFinished(jobType, outcome string, elapsed time.Duration) {
	JobsInFlight.WithLabelValues(jobType).Dec()
	JobAttemptsTotal.WithLabelValues(jobType, outcome).Inc()
	JobDuration.WithLabelValues(jobType, outcome).Observe(elapsed.Seconds())
}
