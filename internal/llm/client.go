package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"schoolbot/server/internal/apperrors"
	"schoolbot/server/internal/config"
	"schoolbot/server/internal/interfaces"
)

const (
	maxRetries = 3
	retryDelay = 1 * time.Second
)

// Client wraps the OpenAI client for any OpenAI-compatible chat endpoint.
type Client struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	retryDelay  time.Duration
	breaker     *gobreaker.CircuitBreaker
	logger      *zap.Logger
}

// NewClient creates a chat client from the llm config section.
func NewClient(cfg config.LLMConfig, logger *zap.Logger) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout + 5*time.Second}

	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("llm")

	c := &Client{
		client:      openai.NewClientWithConfig(oc),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		retryDelay:  retryDelay,
		logger:      logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return c
}

// Complete sends a chat completion request with retries behind the breaker.
func (c *Client) Complete(ctx context.Context, req interfaces.CompletionRequest) (string, error) {
	if len(req.Messages) == 0 {
		return "", apperrors.NewValidation("completion request has no messages")
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.completeWithRetry(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", apperrors.NewUnavailable("language model temporarily unavailable").WithCause(err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return "", apperrors.NewTimeout("language model request").WithCause(err)
		}
		return "", apperrors.NewExternal("llm", err)
	}
	return out.(string), nil
}

func (c *Client) completeWithRetry(ctx context.Context, req interfaces.CompletionRequest) (string, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}

		reply, err := c.doComplete(ctx, req)
		if err == nil {
			return reply, nil
		}

		lastErr = err
		if !IsRetryable(err) {
			return "", err
		}
		c.logger.Debug("retrying completion", zap.Int("attempt", attempt+1), zap.Error(err))
	}

	return "", fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) doComplete(ctx context.Context, req interfaces.CompletionRequest) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	temperature := c.temperature
	if req.Temperature > 0 {
		temperature = req.Temperature
	}
	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// BreakerState exposes the breaker state as 0 closed, 1 half-open, 2 open.
func (c *Client) BreakerState() int {
	switch c.breaker.State() {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// IsRetryable reports whether a failed upstream call is worth another attempt:
// timeouts, refused connections, HTTP 429 and 5xx.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "rate limit")
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
