package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	appmetrics "github.com/scamguard/backend/internal/metrics"
	"github.com/scamguard/backend/internal/storage/models"
	"github.com/scamguard/backend/pkg/circuitbreaker"
	apperrors "github.com/scamguard/backend/pkg/errors"
	"github.com/scamguard/backend/pkg/logger"
	"github.com/scamguard/backend/pkg/retry"
)

const maxReasons = 5

// ErrMalformedVerdict is returned when the model reply cannot be read as a
// classification.
var ErrMalformedVerdict = errors.New("malformed classification verdict")

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

type Client struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
	JSON         bool
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func NewClient(cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		IsFailure:        func(err error) bool { return err != nil && retryable(err) },
		OnStateChange:    appmetrics.RecordBreakerState,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		ShouldRetry:    retryable,
		Operation:      "llm",
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM client initialized", zap.String("model", cfg.Model))

	return &Client{
		client:      openai.NewClientWithConfig(oc),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	chat := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	if req.JSON {
		chat.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	return circuitbreaker.ExecuteWithResult(ctx, c.cb, func() (*CompletionResponse, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*CompletionResponse, error) {
			resp, err := c.client.CreateChatCompletion(ctx, chat)
			if err != nil {
				return nil, fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return nil, fmt.Errorf("completion returned no choices")
			}

			appmetrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(resp.Usage.PromptTokens))
			appmetrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(resp.Usage.CompletionTokens))

			logger.Debug("LLM completion generated",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			return &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}, nil
		})
	})
}

const classifySystemPrompt = `You review job postings forwarded by WhatsApp users and decide whether they are recruitment scams.

Warning signs include upfront fees, requests for ID documents or bank details before an interview,
unrealistic pay for little work, pressure to move to another chat app, vague company identity,
and payment in crypto or gift cards.

Reply with a JSON object only:
{"classification": "Legit" | "Suspicious" | "Likely Scam",
 "trust_score": 0-100 (100 means fully trustworthy),
 "confidence": 0.0-1.0,
 "reasons": ["short reason", ...]}`

// ClassifyPosting asks the model for a verdict on one job posting.
func (c *Client) ClassifyPosting(ctx context.Context, posting string) (*models.AnalysisResult, error) {
	posting = strings.TrimSpace(posting)
	if posting == "" {
		return nil, apperrors.NewValidationError("EMPTY_POSTING", "job posting text is empty")
	}

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: classifySystemPrompt,
		UserPrompt:   "Job posting:\n\n" + posting,
		JSON:         true,
	})
	if err != nil {
		return nil, apperrors.NewExternalError("llm", "failed to classify posting").WithCause(err)
	}

	result, err := ParseVerdict(resp.Content)
	if err != nil {
		logger.Warn("Unreadable classification verdict", zap.String("content", truncate(resp.Content, 200)), zap.Error(err))
		return nil, err
	}

	appmetrics.Classifications.WithLabelValues(result.Classification).Inc()
	appmetrics.ClassifierConfidence.Observe(result.Confidence)

	logger.Info("Posting classified",
		zap.String("classification", result.Classification),
		zap.Float64("trust_score", result.TrustScore),
		zap.Float64("confidence", result.Confidence),
	)
	return result, nil
}

type verdict struct {
	Classification string   `json:"classification"`
	TrustScore     *float64 `json:"trust_score"`
	Confidence     *float64 `json:"confidence"`
	Reasons        []string `json:"reasons"`
}

// ParseVerdict reads the model's JSON reply. Labels are matched case
// insensitively; scores are clamped to their ranges.
func ParseVerdict(content string) (*models.AnalysisResult, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var v verdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}

	label := ""
	for _, known := range models.KnownClassifications {
		if strings.EqualFold(strings.TrimSpace(v.Classification), known) {
			label = known
			break
		}
	}
	if label == "" {
		return nil, fmt.Errorf("%w: unknown classification %q", ErrMalformedVerdict, v.Classification)
	}
	if v.TrustScore == nil || v.Confidence == nil {
		return nil, fmt.Errorf("%w: missing trust_score or confidence", ErrMalformedVerdict)
	}

	reasons := make([]string, 0, len(v.Reasons))
	for _, r := range v.Reasons {
		if r = strings.TrimSpace(r); r != "" && len(reasons) < maxReasons {
			reasons = append(reasons, r)
		}
	}

	return &models.AnalysisResult{
		Classification: label,
		TrustScore:     clamp(*v.TrustScore, 0, 100),
		Confidence:     clamp(*v.Confidence, 0, 1),
		Reasons:        reasons,
	}, nil
}

// retryable skips retries for requests the API rejected outright.
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	return !errors.Is(err, context.Canceled)
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
