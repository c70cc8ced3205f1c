package embed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures OpenAIClient.
type OpenAIConfig struct {
	APIKey          string
	BaseURL         string
	EmbeddingModel  string
	ClassifierModel string
	// Dimensions requests shortened embeddings when non-zero.
	Dimensions int
}

// OpenAIClient implements Embedder and Classifier against the OpenAI API
// or any compatible server.
type OpenAIClient struct {
	client *openai.Client
	cfg    OpenAIConfig
}

// NewOpenAIClient creates a client. Empty models default to
// text-embedding-3-small and gpt-4o-mini.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = string(openai.SmallEmbedding3)
	}
	if cfg.ClassifierModel == "" {
		cfg.ClassifierModel = openai.GPT4oMini
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(oc),
		cfg:    cfg,
	}
}

func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(c.cfg.EmbeddingModel),
		Dimensions: c.cfg.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings failed: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return resp.Data[0].Embedding, nil
}

const classifyPrompt = `You compare software vulnerability reports.
For each numbered candidate, decide whether it describes the same underlying bug as the new report.
Answer with a JSON object {"results":[{"index":N,"label":"similar"|"different","confidence":0..1}]} covering every candidate.`

type classifyResponse struct {
	Results []struct {
		Index      int      `json:"index"`
		Label      string   `json:"label"`
		Confidence *float64 `json:"confidence"`
	} `json:"results"`
}

func (c *OpenAIClient) Classify(ctx context.Context, text string, examples []string) ([]Classification, error) {
	if len(examples) == 0 {
		return nil, nil
	}

	var user strings.Builder
	fmt.Fprintf(&user, "New report:\n%s\n", text)
	for i, ex := range examples {
		fmt.Fprintf(&user, "\nCandidate %d:\n%s\n", i, ex)
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.ClassifierModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: classifyPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user.String()},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("openai classification failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrClassification)
	}

	return parseClassification(resp.Choices[0].Message.Content, len(examples))
}

// parseClassification maps the model output onto one entry per example.
// Candidates the model skipped are reported as different.
func parseClassification(content string, n int) ([]Classification, error) {
	var parsed classifyResponse
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClassification, err)
	}

	out := make([]Classification, n)
	for i := range out {
		out[i] = Classification{Label: LabelDifferent, Confidence: 1}
	}
	for _, r := range parsed.Results {
		if r.Index < 0 || r.Index >= n {
			continue
		}
		label := strings.ToLower(strings.TrimSpace(r.Label))
		if label != LabelSimilar && label != LabelDifferent {
			return nil, fmt.Errorf("%w: unknown label %q", ErrClassification, r.Label)
		}
		conf := 1.0
		if r.Confidence != nil {
			conf = *r.Confidence
		}
		out[r.Index] = Classification{Label: label, Confidence: conf}
	}
	return out, nil
}
