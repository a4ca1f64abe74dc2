// Package openai implements ai.Provider with the OpenAI chat completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/DukeRupert/meanas/internal/ai"
)

const (
	// APIBaseURL is the chat completions endpoint
	APIBaseURL = "https://api.openai.com/v1/chat/completions"

	// DefaultModel is the default vision-capable model
	DefaultModel = "gpt-4o-2024-05-13"

	maxTokens   = 3000
	temperature = 0.25
)

// Config contains configuration for the OpenAI provider
type Config struct {
	APIKey         string
	Model          string
	ProviderConfig ai.ProviderConfig
}

// Provider implements ai.Provider.
type Provider struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

// New creates a new OpenAI provider
func New(config Config, logger *slog.Logger) (*Provider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	config.ProviderConfig = config.ProviderConfig.WithDefaults()
	if config.ProviderConfig.BaseURL == "" {
		config.ProviderConfig.BaseURL = APIBaseURL
	}

	return &Provider{
		config: config,
		client: &http.Client{Timeout: config.ProviderConfig.RequestTimeout},
		logger: logger,
	}, nil
}

func (p *Provider) Name() string { return "openai" }

// Analyze sends one user message holding the prompt text and every image URL.
func (p *Provider) Analyze(ctx context.Context, params ai.AnalyzeParams) (*ai.AnalysisResult, error) {
	start := time.Now()

	content := []contentPart{{
		Type: "text",
		Text: ai.SystemPrompt + "\n\n" + ai.BuildPrompt(params),
	}}
	for _, u := range params.ImageURLs {
		content = append(content, contentPart{Type: "image_url", ImageURL: &imageURL{URL: u}})
	}

	body, err := json.Marshal(apiRequest{
		Model:       p.config.Model,
		Messages:    []apiMessage{{Role: "user", Content: content}},
		Temperature: temperature,
		TopP:        1,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, ai.WrapError("marshal request", err)
	}

	resp, err := ai.Retry(ctx, p.config.ProviderConfig, p.logger, func(ctx context.Context) (*apiResponse, error) {
		return p.execute(ctx, body)
	})
	if err != nil {
		return nil, ai.WrapError("analyze", err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, ai.WrapError("parse response", fmt.Errorf("empty completion"))
	}
	if resp.Choices[0].FinishReason == "content_filter" {
		return nil, ai.WrapError("analyze", ai.EAIContentPolicy)
	}

	return &ai.AnalysisResult{
		Text: resp.Choices[0].Message.Content,
		Usage: ai.UsageInfo{
			Model:        resp.Model,
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			Duration:     time.Since(start),
		},
	}, nil
}

func (p *Provider) execute(ctx context.Context, body []byte) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.ProviderConfig.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ai.EAITimeout
		}
		// Network errors are typically retryable
		return nil, ai.EAIUnavailable
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(resp.StatusCode, raw)
	}

	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &out, nil
}

// mapHTTPError maps HTTP status codes to ai errors
func mapHTTPError(statusCode int, body []byte) error {
	var errResp apiErrorResponse
	_ = json.Unmarshal(body, &errResp)

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ai.EAIUnauthorized
	case http.StatusTooManyRequests:
		return ai.EAIRateLimit
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ai.EAITimeout
	case http.StatusBadRequest:
		if errResp.Error.Code == "content_policy_violation" {
			return ai.EAIContentPolicy
		}
		return fmt.Errorf("%w: %s", ai.EAIInvalidRequest, errResp.Error.Message)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return ai.EAIUnavailable
	default:
		return fmt.Errorf("API error (status %d): %s", statusCode, errResp.Error.Message)
	}
}

// API request/response types

type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	Temperature float64      `json:"temperature"`
	TopP        float64      `json:"top_p"`
	MaxTokens   int          `json:"max_tokens"`
}

type apiMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type apiResponse struct {
	ID      string      `json:"id"`
	Model   string      `json:"model"`
	Choices []apiChoice `json:"choices"`
	Usage   apiUsage    `json:"usage"`
}

type apiChoice struct {
	Message      apiChoiceMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

type apiChoiceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

var _ ai.Provider = (*Provider)(nil)
