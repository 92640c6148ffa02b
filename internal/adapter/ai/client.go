// Package ai implements the classifier client over an OpenAI-compatible
// chat completions API, plus the JSON extraction and schema validation
// applied to everything the model returns.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/adapter/observability"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/config"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/service/ratelimiter"
)

// BudgetKey is the shared rate limit bucket every pipeline process draws
// classifier requests from.
const BudgetKey = "classifier"

// budgetWaitCeiling bounds how long a call waits inline for the shared
// budget before handing the delay back to the queue instead.
const budgetWaitCeiling = 2 * time.Second

// Client implements domain.Classifier against a chat completions endpoint.
type Client struct {
	cfg     config.Config
	hc      *http.Client
	sem     *semaphore.Weighted
	limiter ratelimiter.Limiter
}

// New constructs the classifier client. limiter may be nil when no shared
// budget is configured; the per-process semaphore still applies.
func New(cfg config.Config, limiter ratelimiter.Limiter) *Client {
	maxConc := int64(cfg.LLMMaxConcurrency)
	if maxConc < 1 {
		maxConc = 1
	}
	return &Client{
		cfg:     cfg,
		hc:      &http.Client{Timeout: cfg.LLMTimeout()},
		sem:     semaphore.NewWeighted(maxConc),
		limiter: limiter,
	}
}

// waitForBudget consults the shared token bucket. Short shortages are
// absorbed inline; longer ones are returned as a retry-after error so the
// job goes back to the queue with the delay instead of parking a worker.
func (c *Client) waitForBudget(ctx domain.Context) error {
	if c.limiter == nil {
		return nil
	}
	for {
		allowed, retryAfter, err := c.limiter.Allow(ctx, BudgetKey, 1)
		if err != nil || allowed {
			// The limiter fails open on Redis errors.
			return nil
		}
		if retryAfter > budgetWaitCeiling {
			return domain.RetryAfter(domain.ErrUpstreamRateLimit, retryAfter)
		}
		if retryAfter <= 0 {
			retryAfter = 50 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryAfter):
		}
	}
}

// ChatJSON sends one chat completion request and returns the raw message
// content. Retries cover 429s, 5xx and timeouts; other 4xx are permanent.
func (c *Client) ChatJSON(ctx domain.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	if c.cfg.LLMAPIKey == "" {
		return "", fmt.Errorf("op=ai.ChatJSON: %w: LLM_API_KEY missing", domain.ErrInvalidArgument)
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("op=ai.ChatJSON: %w", err)
	}
	defer c.sem.Release(1)

	if err := c.waitForBudget(ctx); err != nil {
		return "", fmt.Errorf("op=ai.ChatJSON: %w", err)
	}

	body := map[string]any{
		"model":       c.cfg.LLMModel,
		"temperature": 0.1,
		"max_tokens":  maxTokens,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
	}
	b, _ := json.Marshal(body)

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}

	endpoint := c.cfg.LLMBaseURL + "/chat/completions"
	op := func() error {
		start := time.Now()
		// Recreate the request each attempt to avoid reusing consumed bodies.
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
		if err != nil {
			return backoff.Permanent(err)
		}
		r.Header.Set("Authorization", "Bearer "+c.cfg.LLMAPIKey)
		r.Header.Set("Content-Type", "application/json")

		resp, err := c.hc.Do(r)
		if err != nil {
			if isTimeout(err) {
				observability.RecordClassifierRequest("chat", "timeout", time.Since(start))
				slog.Warn("classifier request timed out", slog.String("endpoint", endpoint))
				return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
			}
			observability.RecordClassifierRequest("chat", "network_error", time.Since(start))
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			observability.RecordClassifierRequest("chat", "network_error", time.Since(start))
			return err
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			observability.RecordClassifierRequest("chat", "rate_limited", time.Since(start))
			slog.Warn("classifier rate limited",
				slog.Int("status", resp.StatusCode),
				slog.String("retry_after", resp.Header.Get("Retry-After")))
			return fmt.Errorf("%w: chat status 429", domain.ErrUpstreamRateLimit)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			observability.RecordClassifierRequest("chat", "client_error", time.Since(start))
			slog.Error("classifier 4xx",
				slog.Int("status", resp.StatusCode),
				slog.String("body", snippet(bodyBytes, 512)))
			return backoff.Permanent(fmt.Errorf("%w: chat status %d", domain.ErrInvalidArgument, resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			observability.RecordClassifierRequest("chat", "server_error", time.Since(start))
			slog.Error("classifier non-2xx",
				slog.Int("status", resp.StatusCode),
				slog.String("body", snippet(bodyBytes, 512)))
			return fmt.Errorf("%w: chat status %d", domain.ErrInternal, resp.StatusCode)
		}

		if err := json.Unmarshal(bodyBytes, &out); err != nil {
			observability.RecordClassifierRequest("chat", "decode_error", time.Since(start))
			return err
		}
		observability.RecordClassifierRequest("chat", "ok", time.Since(start))
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	initial, maxInterval, maxElapsed := c.cfg.ClassifierBackoff()
	expo.InitialInterval = initial
	expo.MaxInterval = maxInterval
	expo.MaxElapsedTime = maxElapsed

	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return "", fmt.Errorf("op=ai.ChatJSON: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("op=ai.ChatJSON: %w: empty choices", domain.ErrSchemaInvalid)
	}
	return out.Choices[0].Message.Content, nil
}

// Ping probes the completions endpoint's model listing. It bypasses the
// rate budget; readiness polls must not eat into classification throughput.
func (c *Client) Ping(ctx domain.Context) error {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.LLMBaseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("op=ai.Ping: %w", err)
	}
	r.Header.Set("Authorization", "Bearer "+c.cfg.LLMAPIKey)
	resp, err := c.hc.Do(r)
	if err != nil {
		return fmt.Errorf("op=ai.Ping: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("op=ai.Ping: %w: models status %d", domain.ErrInternal, resp.StatusCode)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

func snippet(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
