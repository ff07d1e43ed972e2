package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaClient is a minimal HTTP client for a local Ollama runtime.
// It implements Runtime so it can stand in for any hosted endpoint.
type OllamaClient struct {
	httpClient *http.Client
	host       string
	retry      retryPolicy
}

// DefaultOllamaHost is the local daemon address.
const DefaultOllamaHost = "http://127.0.0.1:11434"

var ollamaRetryDefaults = retryPolicy{attempts: 2, base: 200 * time.Millisecond, max: time.Second}

// NewOllamaClient creates a client for host; an empty host selects DefaultOllamaHost.
func NewOllamaClient(host string, httpTimeout time.Duration, retryMax int, baseDelay, maxDelay time.Duration) *OllamaClient {
	if host == "" {
		host = DefaultOllamaHost
	}
	if httpTimeout <= 0 {
		httpTimeout = 60 * time.Second
	}
	return &OllamaClient{
		httpClient: &http.Client{Timeout: httpTimeout},
		host:       strings.TrimRight(host, "/"),
		retry:      newRetryPolicy(retryMax, baseDelay, maxDelay, ollamaRetryDefaults),
	}
}

// Structures aligned with Ollama /api/chat (non-streaming)
type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}
type ollamaChatResponse struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int  `json:"prompt_eval_count"`
	EvalCount       int  `json:"eval_count"`
	Done            bool `json:"done"`
}

func (c *OllamaClient) buildRequest(req GenerateRequest) ollamaChatRequest {
	messages := make([]ollamaChatMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = ollamaChatMessage{Role: msg.Role, Content: msg.Content}
	}
	oreq := ollamaChatRequest{
		Model:    req.Model,
		Messages: messages,
		Options:  map[string]any{"temperature": req.Temperature},
	}
	if req.MaxTokens > 0 {
		oreq.Options["num_predict"] = req.MaxTokens
	}
	if req.TopP > 0 {
		oreq.Options["top_p"] = req.TopP
	}
	if len(req.Stop) > 0 {
		oreq.Options["stop"] = req.Stop
	}
	return oreq
}

// Generate sends a non-streaming chat request to /api/chat. Server errors and
// transient network failures are retried.
func (c *OllamaClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if req.Model == "" {
		return nil, errors.New("model cannot be empty")
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("messages cannot be empty")
	}
	payload, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return c.retry.run(ctx, func(ctx context.Context) (*GenerateResponse, error) {
		return c.post(ctx, payload)
	})
}

func (c *OllamaClient) post(ctx context.Context, payload []byte) (*GenerateResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &UnreachableError{Host: c.host, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, ollamaError(resp, body)
	}
	var oresp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oresp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &GenerateResponse{
		Model:   oresp.Model,
		Choices: []Choice{{Message: Message{Role: "assistant", Content: oresp.Message.Content}}},
		Usage: Usage{
			PromptTokens:     oresp.PromptEvalCount,
			CompletionTokens: oresp.EvalCount,
			TotalTokens:      oresp.PromptEvalCount + oresp.EvalCount,
		},
		// Ollama has no request ids; synthesize one for log correlation.
		RequestID: fmt.Sprintf("ollama_%d", time.Now().UnixNano()),
	}, nil
}

// ollamaError maps {"error": "..."} bodies onto the typed errors.
func ollamaError(resp *http.Response, body []byte) error {
	status := resp.StatusCode
	var raw map[string]any
	_ = json.Unmarshal(body, &raw)
	apiErr := &APIError{StatusCode: status, Raw: raw}
	if msg, ok := raw["error"].(string); ok {
		apiErr.Message = msg
	} else if msg, ok := raw["message"].(string); ok {
		apiErr.Message = msg
	}
	switch {
	case status == http.StatusNotFound:
		return &ModelNotFoundError{APIError: apiErr}
	case status == http.StatusBadRequest:
		return &BadRequestError{APIError: apiErr}
	case status == http.StatusTooManyRequests:
		return &RateLimitError{APIError: apiErr, RetryAfter: retryAfter(resp)}
	case status >= 500:
		return &ServerError{APIError: apiErr}
	}
	return apiErr
}
