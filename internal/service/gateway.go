package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"casepilot/internal/domain"
	"casepilot/internal/logger"
	"casepilot/internal/prompts"
	"github.com/go-resty/resty/v2"
)

// AnalysisError is the closed failure taxonomy for AI calls. Kind is one of
// ErrKindTransient, ErrKindFatal, ErrKindSchemaInvalid, ErrKindPayloadTooLarge,
// or ErrKindRetriesExhausted; callers never see raw transport errors.
type AnalysisError struct {
	Kind   domain.ErrorKind
	Detail string
	Cause  error
}

func (e *AnalysisError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("analysis %s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("analysis %s: %s", e.Kind, e.Detail)
}

func (e *AnalysisError) Unwrap() error {
	return e.Cause
}

// AnalysisCase is one structured case parsed from the model output.
type AnalysisCase struct {
	Module       string   `json:"module"`
	Name         string   `json:"name"`
	Level        string   `json:"level"`
	Precondition string   `json:"precondition"`
	Steps        []string `json:"steps"`
	Expected     string   `json:"expected"`
}

// AnalysisResult is the validated output of one successful model call.
type AnalysisResult struct {
	Cases []AnalysisCase `json:"cases"`
}

// Analyzer is the contract the orchestrator's workers call per document unit.
type Analyzer interface {
	Analyze(ctx context.Context, unit *domain.DocumentUnit) (*AnalysisResult, error)
}

// GatewayConfig holds configuration for the AI gateway.
type GatewayConfig struct {
	Model          string
	APIKey         string
	BaseURL        string
	MaxDocSize     int64
	RetryCount     int
	RetryBaseDelay time.Duration
	BackoffFactor  float64
	AttemptTimeout time.Duration
}

// AIGateway wraps an OpenAI-compatible vision endpoint with retry and
// backoff. It is stateless between calls.
type AIGateway struct {
	client         *resty.Client
	model          string
	endpoint       string
	maxDocSize     int64
	retryCount     int
	retryBaseDelay time.Duration
	backoffFactor  float64
	attemptTimeout time.Duration

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewAIGateway creates a new AI gateway.
// Parameters:
//   - cfg: gateway configuration including model, endpoint, and retry policy.
//
// Returns:
//   - *AIGateway: initialized gateway.
func NewAIGateway(cfg *GatewayConfig) *AIGateway {
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	retryCount := cfg.RetryCount
	if retryCount < 1 {
		retryCount = 1
	}
	backoff := cfg.BackoffFactor
	if backoff <= 0 {
		backoff = 2.0
	}
	attemptTimeout := cfg.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = 60 * time.Second
	}

	return &AIGateway{
		client:         client,
		model:          cfg.Model,
		endpoint:       strings.TrimSuffix(baseURL, "/") + "/chat/completions",
		maxDocSize:     cfg.MaxDocSize,
		retryCount:     retryCount,
		retryBaseDelay: cfg.RetryBaseDelay,
		backoffFactor:  backoff,
		attemptTimeout: attemptTimeout,
		sleep:          sleepCtx,
	}
}

// GetModel returns the model name being used.
func (g *AIGateway) GetModel() string {
	return g.model
}

// OpenAI-compatible Chat Completion API request/response structures
type chatRequest struct {
	Model          string              `json:"model"`
	Messages       []chatMessage       `json:"messages"`
	MaxTokens      int                 `json:"max_tokens"`
	ResponseFormat *chatResponseFormat `json:"response_format,omitempty"`
}

type chatResponseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string for system, []interface{} for user with images
}

type chatTextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type chatImageContent struct {
	Type     string       `json:"type"`
	ImageURL chatImageURL `json:"image_url"`
}

type chatImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Analyze sends one document unit to the vision model and returns the
// parsed case set. Transient failures (timeout, rate limit, transport, 5xx)
// are retried up to the configured attempt count with exponential backoff;
// fatal failures and schema-invalid responses are returned immediately.
func (g *AIGateway) Analyze(ctx context.Context, unit *domain.DocumentUnit) (*AnalysisResult, error) {
	if g.maxDocSize > 0 && int64(len(unit.Data)) > g.maxDocSize {
		return nil, &AnalysisError{
			Kind:   domain.ErrKindPayloadTooLarge,
			Detail: fmt.Sprintf("document is %d bytes, limit %d", len(unit.Data), g.maxDocSize),
		}
	}

	var lastTransient error
	for attempt := 1; attempt <= g.retryCount; attempt++ {
		if attempt > 1 {
			// Delay before attempt k is base * factor^(k-2).
			delay := time.Duration(float64(g.retryBaseDelay) * math.Pow(g.backoffFactor, float64(attempt-2)))
			logger.CtxWarn(ctx, "Retrying analysis: attempt=%d/%d, delay=%s, unit=%d",
				attempt, g.retryCount, delay, unit.Index)
			if err := g.sleep(ctx, delay); err != nil {
				return nil, &AnalysisError{Kind: domain.ErrKindTransient, Detail: "backoff interrupted", Cause: err}
			}
		}

		result, err := g.attempt(ctx, unit)
		if err == nil {
			return result, nil
		}

		var ae *AnalysisError
		if errors.As(err, &ae) && ae.Kind == domain.ErrKindTransient {
			lastTransient = err
			continue
		}
		return nil, err
	}

	return nil, &AnalysisError{
		Kind:   domain.ErrKindRetriesExhausted,
		Detail: fmt.Sprintf("gave up after %d attempts", g.retryCount),
		Cause:  lastTransient,
	}
}

// attempt performs a single model call with its own deadline.
func (g *AIGateway) attempt(ctx context.Context, unit *domain.DocumentUnit) (*AnalysisResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, g.attemptTimeout)
	defer cancel()

	dataURL := fmt.Sprintf("data:%s;base64,%s",
		mimeType(unit.Format), base64.StdEncoding.EncodeToString(unit.Data))

	req := chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{
				Role:    "system",
				Content: prompts.AnalysisSystemPrompt,
			},
			{
				Role: "user",
				Content: []interface{}{
					chatTextContent{
						Type: "text",
						Text: prompts.AnalysisUserPrompt,
					},
					chatImageContent{
						Type: "image_url",
						ImageURL: chatImageURL{
							URL:    dataURL,
							Detail: "auto", // better text recognition on dense documents
						},
					},
				},
			},
		},
		MaxTokens:      2000,
		ResponseFormat: &chatResponseFormat{Type: "json_object"},
	}

	var resp chatResponse
	httpResp, err := g.client.R().
		SetContext(attemptCtx).
		SetBody(req).
		SetResult(&resp).
		Post(g.endpoint)

	if err != nil {
		// Transport failures and missed deadlines are both transient.
		return nil, &AnalysisError{Kind: domain.ErrKindTransient, Detail: "request failed", Cause: err}
	}

	status := httpResp.StatusCode()
	if status < 200 || status >= 300 {
		// Result is only decoded on success; pull the error body by hand.
		detail := fmt.Sprintf("HTTP %d", status)
		var errBody chatResponse
		if json.Unmarshal(httpResp.Body(), &errBody) == nil && errBody.Error != nil {
			detail = fmt.Sprintf("HTTP %d: %s", status, errBody.Error.Message)
		}
		if status == 408 || status == 429 || status >= 500 {
			return nil, &AnalysisError{Kind: domain.ErrKindTransient, Detail: detail}
		}
		return nil, &AnalysisError{Kind: domain.ErrKindFatal, Detail: detail}
	}

	if resp.Error != nil {
		return nil, &AnalysisError{Kind: domain.ErrKindFatal, Detail: resp.Error.Message}
	}
	if len(resp.Choices) == 0 {
		return nil, &AnalysisError{Kind: domain.ErrKindSchemaInvalid, Detail: "no choices in response"}
	}

	return parseAnalysisContent(resp.Choices[0].Message.Content)
}

// parseAnalysisContent validates the model output against the expected case
// schema. A response that does not parse is fatal: the model is unlikely to
// self-correct on an identical retry.
func parseAnalysisContent(content string) (*AnalysisResult, error) {
	content = stripJSONFence(content)

	var result AnalysisResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, &AnalysisError{Kind: domain.ErrKindSchemaInvalid, Detail: "response is not valid JSON", Cause: err}
	}
	if result.Cases == nil {
		return nil, &AnalysisError{Kind: domain.ErrKindSchemaInvalid, Detail: "response has no cases field"}
	}
	for i, c := range result.Cases {
		if strings.TrimSpace(c.Name) == "" {
			return nil, &AnalysisError{
				Kind:   domain.ErrKindSchemaInvalid,
				Detail: fmt.Sprintf("case %d has no name", i),
			}
		}
		if c.Level != "" && !domain.CaseLevel(c.Level).Valid() {
			return nil, &AnalysisError{
				Kind:   domain.ErrKindSchemaInvalid,
				Detail: fmt.Sprintf("case %d has unknown level %q", i, c.Level),
			}
		}
	}
	return &result, nil
}

// stripJSONFence removes a surrounding ```json markdown fence if present.
func stripJSONFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func mimeType(format string) string {
	switch format {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "bmp":
		return "image/bmp"
	case "webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
