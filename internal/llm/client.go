package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Defaults for the OpenAI-compatible client.
const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultTimeout       = 120 * time.Second
	defaultRetryDelay    = 2 * time.Second

	// maxResponseBytes caps how much of a reply is read into memory.
	maxResponseBytes = 10 << 20
)

// chatRequest represents the Chat Completions API request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

// chatMessage represents a single message in the chat conversation.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse represents the Chat Completions API response body.
type chatResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
}

// chatChoice represents a single completion choice.
type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// embeddingsRequest represents the Embeddings API request body.
type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embeddingsResponse represents the Embeddings API response body.
type embeddingsResponse struct {
	Data []embeddingData `json:"data"`
}

// embeddingData is one embedding vector with its input index.
type embeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// apiErrorResponse represents an error response body.
type apiErrorResponse struct {
	Error apiErrorDetail `json:"error"`
}

// apiErrorDetail contains error details from the API.
type apiErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Client talks to an OpenAI-compatible /v1 API. It implements both ChatClient
// and Embedder; which endpoints get used depends on the caller.
type Client struct {
	httpClient *http.Client
	provider   string
	apiKey     string
	model      string
	baseURL    string
	maxRetries int
	retryDelay time.Duration
}

// Compile-time interface checks.
var (
	_ ChatClient = (*Client)(nil)
	_ Embedder   = (*Client)(nil)
)

// NewOpenAIClient creates a client for the OpenAI API.
func NewOpenAIClient(cfg FactoryConfig) *Client {
	baseURL := cfg.OpenAI.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return newHTTPClient(ProviderOpenAI, baseURL, cfg.OpenAI.APIKey, cfg)
}

// NewOllamaClient creates a client for an Ollama server, which exposes the
// same /v1 surface. Ollama ignores the bearer token but the header must be
// present for OpenAI-compatible clients.
func NewOllamaClient(cfg FactoryConfig) *Client {
	baseURL := cfg.Ollama.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return newHTTPClient(ProviderOllama, strings.TrimSuffix(baseURL, "/")+"/v1", "ollama", cfg)
}

func newHTTPClient(provider, baseURL, apiKey string, cfg FactoryConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		provider:   provider,
		apiKey:     apiKey,
		model:      cfg.Model,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		maxRetries: maxRetries,
		retryDelay: defaultRetryDelay,
	}
}

// Provider returns the provider name.
func (c *Client) Provider() string {
	return c.provider
}

// Model returns the model identifier being used.
func (c *Client) Model() string {
	return c.model
}

// Chat sends one system+user prompt pair and returns the raw assistant reply.
// Temperature is pinned to zero: both query generation and ranking want
// deterministic output. Transient errors (429, 5xx) are retried with a
// linearly growing delay.
func (c *Client) Chat(ctx context.Context, system, user string) (string, error) {
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0,
	}

	var reply string
	err := c.withRetries(ctx, func() error {
		var chatResp chatResponse
		if err := c.post(ctx, "/chat/completions", req, &chatResp); err != nil {
			return err
		}
		if len(chatResp.Choices) == 0 {
			return fmt.Errorf("%s: empty choices in response", c.provider)
		}
		reply = chatResp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", err
	}

	return reply, nil
}

// Embed returns one vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	req := embeddingsRequest{
		Model: c.model,
		Input: texts,
	}

	var vectors [][]float32
	err := c.withRetries(ctx, func() error {
		var embResp embeddingsResponse
		if err := c.post(ctx, "/embeddings", req, &embResp); err != nil {
			return err
		}
		if len(embResp.Data) != len(texts) {
			return fmt.Errorf("%s: expected %d embeddings, got %d", c.provider, len(texts), len(embResp.Data))
		}
		vectors = make([][]float32, len(texts))
		for _, d := range embResp.Data {
			if d.Index < 0 || d.Index >= len(texts) {
				return fmt.Errorf("%s: embedding index %d out of range", c.provider, d.Index)
			}
			vectors[d.Index] = d.Embedding
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return vectors, nil
}

// withRetries runs fn, retrying transient errors up to maxRetries times.
func (c *Client) withRetries(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: context cancelled during retry wait: %w", c.provider, ctx.Err())
			case <-time.After(delay):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !isTransientError(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%s: exhausted %d retries: %w", c.provider, c.maxRetries, lastErr)
}

// post performs a single JSON request against the given endpoint.
func (c *Client) post(ctx context.Context, endpoint string, reqBody, respBody interface{}) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("%s: failed to marshal request: %w", c.provider, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", c.provider, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &APIError{Provider: c.provider, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: failed to read response body: %w", c.provider, err)
	}

	if resp.StatusCode != http.StatusOK {
		return parseAPIError(c.provider, resp.StatusCode, raw)
	}

	if err := json.Unmarshal(raw, respBody); err != nil {
		return fmt.Errorf("%s: failed to unmarshal response: %w", c.provider, err)
	}

	return nil
}

// parseAPIError parses an API error from the response status code and body.
func parseAPIError(provider string, statusCode int, body []byte) *APIError {
	apiErr := &APIError{
		Provider:   provider,
		StatusCode: statusCode,
		Message:    string(body),
	}

	var errResp apiErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		apiErr.Message = errResp.Error.Message
		apiErr.Type = errResp.Error.Type
		apiErr.Code = errResp.Error.Code
	}

	return apiErr
}
