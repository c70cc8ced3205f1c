package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrOllamaUnavailable is returned when Ollama returns 503 Service Unavailable
// after all retries are exhausted.
var ErrOllamaUnavailable = errors.New("ollama: service unavailable")

// OllamaClient generates embeddings with a local Ollama server.
type OllamaClient struct {
	baseURL string
	model   string
	client  *http.Client

	// retry schedule for 503 responses
	initialBackoff time.Duration
	maxRetries     uint64
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewOllamaClient creates a new Ollama client. 503 responses are retried
// up to 3 times starting at 1s and doubling.
func NewOllamaClient(baseURL, model string, timeout time.Duration) *OllamaClient {
	return &OllamaClient{
		baseURL:        baseURL,
		model:          model,
		client:         &http.Client{Timeout: timeout},
		initialBackoff: time.Second,
		maxRetries:     3,
	}
}

// Embed generates an embedding vector for the given text.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0

	var embedding []float32
	op := func() error {
		var err error
		embedding, err = c.doEmbed(ctx, text)
		if err != nil && !errors.Is(err, ErrOllamaUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return embedding, nil
}

func (c *OllamaClient) doEmbed(ctx context.Context, text string) ([]float32, error) {
	jsonBody, err := json.Marshal(ollamaEmbedRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, ErrOllamaUnavailable
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama API error: status %d: %s", resp.StatusCode, string(body))
	}

	var embedResp ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(embedResp.Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return embedResp.Embedding, nil
}
