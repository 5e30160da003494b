// Package llm is the messages-API client the agents think with. Requests
// ride go-retryablehttp so transient failures (429, 5xx, socket hiccups)
// retry with the policy the rest of the system assumes.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1/messages"
	apiVersion     = "2023-06-01"
)

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completer produces one model response for a system prompt plus history.
type Completer interface {
	Complete(ctx context.Context, system string, messages []Message) (string, error)
}

// Client calls the hosted messages API.
type Client struct {
	apiKey    string
	model     string
	maxTokens int
	baseURL   string
	rc        *retryablehttp.Client
}

// NewClient builds a Client for the given model. The logger receives
// retry chatter at debug level.
func NewClient(apiKey, model string, maxTokens int, logger *slog.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Backoff = retryBackoff
	rc.HTTPClient.Timeout = 120 * time.Second
	if logger != nil {
		rc.Logger = logger
	} else {
		rc.Logger = nil
	}
	return &Client{
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
		baseURL:   defaultBaseURL,
		rc:        rc,
	}
}

// retryBackoff waits attempt x 5s on 429 and a flat 2s otherwise.
func retryBackoff(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		return time.Duration(attemptNum+1) * 5 * time.Second
	}
	return 2 * time.Second
}

type request struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system"`
	Messages  []Message `json:"messages"`
}

type response struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends the conversation and returns the model's text.
func (c *Client) Complete(ctx context.Context, system string, messages []Message) (string, error) {
	body, err := json.Marshal(request{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    system,
		Messages:  messages,
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.rc.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var out response
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != nil {
			return "", fmt.Errorf("llm error (%s): %s", out.Error.Type, out.Error.Message)
		}
		return "", fmt.Errorf("llm status %d", resp.StatusCode)
	}

	var text string
	for _, block := range out.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return "", fmt.Errorf("llm returned no text content")
	}
	return text, nil
}
