// Package llm talks to the remote model endpoint used for classification,
// embedding and reply generation. All three calls go through the shared
// bounded-retry wrapper and validate the response shape before accepting it.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/brandon/mailpipe/internal/retry"
	"github.com/brandon/mailpipe/pkg/types"
)

const (
	defaultAttempts  = 3
	defaultBaseDelay = 500 * time.Millisecond

	// maxBodyChars bounds how much message body is shipped to the remote
	// endpoint per call.
	maxBodyChars = 4000
)

// Client is an HTTP client for the remote LLM-style endpoint.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger

	attempts  int
	baseDelay time.Duration
}

// NewClient creates a client for the given endpoint. Requests are paced to
// stay under typical provider rate limits.
func NewClient(endpoint, apiKey string, logger *logrus.Logger) *Client {
	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(2), 5),
		logger:     logger,
		attempts:   defaultAttempts,
		baseDelay:  defaultBaseDelay,
	}
}

// Enabled reports whether a remote endpoint is configured at all.
func (c *Client) Enabled() bool {
	return c.endpoint != ""
}

type classifyRequest struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type classifyResponse struct {
	Category string `json:"category"`
}

// Classify asks the remote endpoint for a category label. The returned
// label must belong to the closed category set; anything else is treated
// as a retryable failure. After exhausting retries the call degrades to
// Uncategorized so a permanently failing classifier never loses a message.
func (c *Client) Classify(ctx context.Context, subject, body string) types.Category {
	if !c.Enabled() {
		return types.CategoryUncategorized
	}

	return retry.DoWithFallback(ctx, c.attempts, c.baseDelay, types.CategoryUncategorized,
		func(ctx context.Context) (types.Category, error) {
			var resp classifyResponse
			if err := c.post(ctx, "/classify", classifyRequest{
				Subject: subject,
				Body:    truncate(body, maxBodyChars),
			}, &resp); err != nil {
				return "", err
			}
			category, err := types.ParseCategory(resp.Category)
			if err != nil {
				return "", fmt.Errorf("classifier returned invalid label: %w", err)
			}
			return category, nil
		})
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns the embedding vector for a text snippet.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("llm endpoint not configured")
	}

	return retry.Do(ctx, c.attempts, c.baseDelay, func(ctx context.Context) ([]float32, error) {
		var resp embedResponse
		if err := c.post(ctx, "/embed", embedRequest{Text: truncate(text, maxBodyChars)}, &resp); err != nil {
			return nil, err
		}
		if len(resp.Embedding) == 0 {
			return nil, fmt.Errorf("embedding response was empty")
		}
		return resp.Embedding, nil
	})
}

type generateRequest struct {
	Body    string   `json:"body"`
	Context []string `json:"context"`
}

type generateResponse struct {
	Reply string `json:"reply"`
}

// GenerateReply produces a suggested reply for a message body, grounded
// on the supplied context snippets.
func (c *Client) GenerateReply(ctx context.Context, body string, contextSnippets []string) (string, error) {
	if !c.Enabled() {
		return "", fmt.Errorf("llm endpoint not configured")
	}

	return retry.Do(ctx, c.attempts, c.baseDelay, func(ctx context.Context) (string, error) {
		var resp generateResponse
		if err := c.post(ctx, "/generate", generateRequest{
			Body:    truncate(body, maxBodyChars),
			Context: contextSnippets,
		}, &resp); err != nil {
			return "", err
		}
		if resp.Reply == "" {
			return "", fmt.Errorf("generation response was empty")
		}
		return resp.Reply, nil
	})
}

// post issues one JSON request/response exchange against the endpoint.
func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// truncate bounds s to max bytes, backing off to a rune boundary so the
// cut never produces invalid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
