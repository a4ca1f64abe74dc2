// Package ai defines the text/vision completion collaborator used by the
// metered analysis endpoints, plus the retry and error vocabulary shared
// by its implementations.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Provider produces an engineering analysis for a set of images.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// Analyze sends the prompt and image URLs to the completion API.
	Analyze(ctx context.Context, params AnalyzeParams) (*AnalysisResult, error)
}

// AnalyzeParams contains parameters for one analysis.
type AnalyzeParams struct {
	Kind        string            // preprocess, postprocess or errorcheck
	Title       string            // Project title
	Description string            // User's description of the model
	Parameters  map[string]string // Extra form fields (mass, materials, solver...)
	ImageURLs   []string          // Publicly reachable image URLs
	UserID      string            // For logging only
}

// AnalysisResult is the provider's answer.
type AnalysisResult struct {
	Text  string    // Markdown answer
	Usage UsageInfo // Token usage information
}

// UsageInfo tracks API usage for monitoring
type UsageInfo struct {
	Model        string        // AI model used
	InputTokens  int           // Tokens in the request
	OutputTokens int           // Tokens in the response
	Duration     time.Duration // Request duration
}

// ProviderConfig contains common configuration for AI providers
type ProviderConfig struct {
	MaxRetries     int           // Maximum attempts for transient errors
	RetryBaseDelay time.Duration // Base delay for exponential backoff
	RequestTimeout time.Duration // Timeout for individual requests
	BaseURL        string        // Override of the API endpoint, for tests and proxies
}

// WithDefaults fills unset fields.
func (c ProviderConfig) WithDefaults() ProviderConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Minute
	}
	return c
}

// Error codes for AI provider operations
var (
	// EAIRateLimit indicates the API rate limit has been exceeded
	EAIRateLimit = errors.New("ai provider rate limit exceeded")

	// EAIInvalidRequest indicates the provider rejected the input
	EAIInvalidRequest = errors.New("ai provider rejected the request")

	// EAIContentPolicy indicates the input violates content policy
	EAIContentPolicy = errors.New("input violates content policy")

	// EAITimeout indicates the request timed out
	EAITimeout = errors.New("ai request timed out")

	// EAIUnavailable indicates the AI service is temporarily unavailable
	EAIUnavailable = errors.New("ai service temporarily unavailable")

	// EAIUnauthorized indicates invalid API credentials
	EAIUnauthorized = errors.New("ai provider authentication failed")
)

// IsRetryable returns true if the error is a transient error that can be retried
func IsRetryable(err error) bool {
	return errors.Is(err, EAIRateLimit) ||
		errors.Is(err, EAITimeout) ||
		errors.Is(err, EAIUnavailable)
}

// WrapError wraps an error with context about the AI operation
func WrapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("ai %s: %w", operation, err)
}

// Retry calls fn until it succeeds, returns a non-retryable error, or
// MaxRetries attempts have been made. Delays double from RetryBaseDelay.
func Retry[T any](ctx context.Context, cfg ProviderConfig, logger *slog.Logger, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt >= cfg.MaxRetries {
			break
		}

		delay := cfg.RetryBaseDelay * time.Duration(1<<(attempt-1))
		logger.Info("Retrying AI request", "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	return zero, lastErr
}
