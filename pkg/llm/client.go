// Package llm dispatches root-cause analysis requests to the Ollama
// generate endpoint, throttled to a fixed number of concurrent calls.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/sync/semaphore"

	"github.com/EnodAI/EnodAI/pkg/config"
	"github.com/EnodAI/EnodAI/pkg/metrics"
	"github.com/EnodAI/EnodAI/pkg/models"
)

// Client is the throttled LLM dispatcher. Analyze never returns a Go
// error: every failure mode is reported inside the result map, so the
// consumer's control flow stays uniform.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	sem        *semaphore.Weighted
}

// generateRequest is the Ollama /api/generate request body.
type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// generateResponse is the subset of the Ollama response we consume: the
// response field carries a JSON-encoded string to be parsed again.
type generateResponse struct {
	Response string `json:"response"`
}

// NewClient creates the dispatcher. MaxConcurrent bounds in-flight
// generate calls process-wide.
func NewClient(cfg config.OllamaConfig) *Client {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Client{
		baseURL:    cfg.URL(),
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		sem:        semaphore.NewWeighted(maxConcurrent),
	}
}

// Model returns the model name recorded with persisted results.
func (c *Client) Model() string { return c.model }

// Analyze sends the alert for root-cause analysis. reason selects the
// prompt template. The queue-depth gauge covers the full call including
// time spent waiting for a permit.
func (c *Client) Analyze(ctx context.Context, alert models.AlertPayload, reason string) map[string]any {
	metrics.LLMQueueDepth.Inc()
	defer metrics.LLMQueueDepth.Dec()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return map[string]any{"error": fmt.Sprintf("cancelled while waiting for LLM slot: %v", err)}
	}
	defer c.sem.Release(1)

	metrics.LLMInFlight.Inc()
	defer metrics.LLMInFlight.Dec()

	slog.Info("Dispatching LLM analysis",
		"alert", alert.AlertName(), "instance", alert.Instance(), "reason", reason)

	body, err := json.Marshal(generateRequest{
		Model:  c.model,
		Prompt: buildPrompt(alert, reason),
		Stream: false,
	})
	if err != nil {
		return map[string]any{"error": fmt.Sprintf("failed to encode request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return map[string]any{"error": fmt.Sprintf("failed to build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Error("LLM analysis failed", "alert", alert.AlertName(), "error", err)
		return map[string]any{"error": err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return map[string]any{"error": fmt.Sprintf("llm backend returned status %d", resp.StatusCode)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return map[string]any{"error": fmt.Sprintf("failed to read response: %v", err)}
	}

	var outer generateResponse
	if err := json.Unmarshal(raw, &outer); err != nil {
		return map[string]any{"error": fmt.Sprintf("failed to decode response body: %v", err)}
	}

	// The model is instructed to answer with JSON; its answer arrives as
	// a string inside the response field and is parsed a second time.
	var analysis map[string]any
	if err := json.Unmarshal([]byte(outer.Response), &analysis); err != nil {
		return map[string]any{
			"raw_analysis": outer.Response,
			"error":        "Failed to parse JSON",
		}
	}
	return analysis
}
