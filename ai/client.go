// Package ai wraps the external text-generation service behind a rate-limited,
// timeout-bounded gateway. The HTTP client is minimal and hand-rolled against
// the OpenAI-compatible chat completions surface; tests inject a fake server
// via BaseURL and HTTPClient.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrUnavailable signals the AI service could not produce a reply (timeout,
// network error, or non-2xx response). Callers substitute a static fallback.
var ErrUnavailable = errors.New("ai service unavailable")

// ErrRateLimited signals the gateway refused to call out because a rate
// limit window is exhausted. Callers reply with a deterministic wait message.
var ErrRateLimited = errors.New("ai rate limit exceeded")

// Responder produces a reply to a viewer's question.
type Responder interface {
	Ask(ctx context.Context, viewerName, question string) (string, error)
}

// Client calls an OpenAI-compatible chat completions endpoint.
type Client struct {
	BaseURL    string
	APIKey     string
	Model      string
	BotName    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Ask sends the persona prompt plus the viewer's question and returns the
// model's reply. Any transport or upstream failure maps to ErrUnavailable.
func (c *Client) Ask(ctx context.Context, viewerName, question string) (string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := fmt.Sprintf("You are %s, a witty but kind livestream co-host. Keep answers concise. User %s says: %s",
		c.BotName, viewerName, question)
	body, err := json.Marshal(chatRequest{
		Model:       c.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: 0.6,
		MaxTokens:   120,
	})
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", ErrUnavailable, err)
	}

	url := strings.TrimSuffix(c.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.http().Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", ErrUnavailable)
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}
