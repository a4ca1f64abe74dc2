// Package mock provides an in-process ai.Provider for development and tests.
package mock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DukeRupert/meanas/internal/ai"
)

// Provider is a mock AI provider for testing and development
type Provider struct {
	logger *slog.Logger

	mu sync.Mutex

	// Configurable responses for testing
	Response *ai.AnalysisResult
	Err      error
	Delay    time.Duration

	// Call tracking for testing
	Calls      int
	LastParams ai.AnalyzeParams
}

// New creates a new mock AI provider
func New(logger *slog.Logger) *Provider {
	return &Provider{logger: logger}
}

func (p *Provider) Name() string { return "mock" }

// Analyze returns the configured response, or a canned one that echoes
// the request.
func (p *Provider) Analyze(ctx context.Context, params ai.AnalyzeParams) (*ai.AnalysisResult, error) {
	p.mu.Lock()
	p.Calls++
	p.LastParams = params
	resp, err, delay := p.Response, p.Err, p.Delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ai.EAITimeout
		}
	}

	if err != nil {
		return nil, err
	}
	if resp != nil {
		return resp, nil
	}

	p.logger.Debug("mock analysis", "kind", params.Kind, "images", len(params.ImageURLs))

	return &ai.AnalysisResult{
		Text: fmt.Sprintf("## %s\n\nMock %s analysis of %d image(s).", params.Title, params.Kind, len(params.ImageURLs)),
		Usage: ai.UsageInfo{
			Model:        "mock",
			InputTokens:  100,
			OutputTokens: 50,
		},
	}, nil
}

// CallCount returns the number of Analyze calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Calls
}

var _ ai.Provider = (*Provider)(nil)
