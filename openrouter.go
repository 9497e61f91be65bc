package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// Statuses worth retrying: request timeout, rate limiting, and
// server-side errors. Everything else fails immediately.
var retryableStatuses = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// APIError is a non-2xx reply from the OpenRouter API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is transient.
func (e *APIError) Retryable() bool {
	return retryableStatuses[e.StatusCode]
}

// ClientConfig configures an OpenRouterClient.
type ClientConfig struct {
	APIKey         string
	BaseURL        string
	RequestTimeout time.Duration
	Retry          RetryConfig

	// Jitter returns a value in [0,1); overridable in tests. The jitter
	// keeps the N parallel per-model retries from synchronizing into a
	// storm against a rate-limited upstream.
	Jitter func() float64
}

// OpenRouterClient issues chat-completion calls against the OpenRouter
// API, transparently retrying transient failures with jittered
// exponential backoff. It holds no per-call mutable state, so a single
// client is safe for concurrent use across all council models.
type OpenRouterClient struct {
	cfg        ClientConfig
	httpClient *http.Client
}

// NewOpenRouterClient creates a client from the given configuration,
// filling in defaults for anything unset.
func NewOpenRouterClient(cfg ClientConfig) *OpenRouterClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}
	if cfg.Retry.Multiplier <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Jitter == nil {
		cfg.Jitter = rand.Float64
	}
	return &OpenRouterClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// QueryModel queries a single model, retrying transient failures up to
// the configured budget. The returned error is terminal: either
// non-retryable or the budget is exhausted.
func (c *OpenRouterClient) QueryModel(ctx context.Context, model string, messages []OpenRouterMessage) (*ModelReply, error) {
	if model == "" {
		return nil, fmt.Errorf("model identifier must not be empty")
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("messages must not be empty")
	}

	attempts := c.cfg.Retry.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		reply, err := c.doRequest(ctx, model, messages)
		if err == nil {
			return reply, nil
		}
		lastErr = err

		if !isRetryable(err) || attempt == attempts-1 {
			break
		}

		delay := c.backoffDelay(attempt)
		log.Debug("retrying model query", "model", model, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, lastErr
}

// backoffDelay computes the wait after attempt k:
// min(initial*multiplier^k + jitter, max).
func (c *OpenRouterClient) backoffDelay(attempt int) time.Duration {
	r := c.cfg.Retry
	backoff := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(attempt))
	backoff += c.cfg.Jitter() * float64(time.Second)
	if max := float64(r.MaxDelay); backoff > max {
		backoff = max
	}
	return time.Duration(backoff)
}

// isRetryable classifies a terminal-or-not failure: retryable API
// statuses and network timeouts are transient, everything else
// (bad request, auth, cancellation) is not.
func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// doRequest performs one HTTP round trip.
func (c *OpenRouterClient) doRequest(ctx context.Context, model string, messages []OpenRouterMessage) (*ModelReply, error) {
	payload := OpenRouterRequest{
		Model:    model,
		Messages: messages,
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL, bytes.NewBuffer(payloadBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	var apiResponse openRouterAPIResponse
	if err := json.Unmarshal(bodyBytes, &apiResponse); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if len(apiResponse.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	message := apiResponse.Choices[0].Message
	return &ModelReply{
		Content:          message.Content,
		Usage:            apiResponse.Usage,
		ReasoningDetails: message.ReasoningDetails,
	}, nil
}

// ModelResult is the terminal outcome of one model's query in a
// parallel fan-out: a reply or a terminal error, never both.
type ModelResult struct {
	Reply *ModelReply
	Err   error
}

// QueryModelsParallel queries multiple models concurrently and waits
// for every call to settle. Per-model failures are captured in the
// result map, never propagated as a group error: graceful degradation
// is the caller's decision.
func (c *OpenRouterClient) QueryModelsParallel(ctx context.Context, models []string, messages []OpenRouterMessage) map[string]ModelResult {
	g := new(errgroup.Group)

	results := make([]ModelResult, len(models))
	for i, model := range models {
		i, model := i, model
		g.Go(func() error {
			reply, err := c.QueryModel(ctx, model, messages)
			if err != nil {
				log.Error("model query failed", "model", model, "error", err)
			}
			results[i] = ModelResult{Reply: reply, Err: err}
			return nil
		})
	}

	// Goroutines never return errors, so Wait only blocks until all
	// calls reach a terminal state.
	_ = g.Wait()

	out := make(map[string]ModelResult, len(models))
	for i, model := range models {
		out[model] = results[i]
	}
	return out
}
