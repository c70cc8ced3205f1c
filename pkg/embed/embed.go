// Package embed provides clients for embedding and similarity
// classification services.
package embed

import (
	"context"
	"errors"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Classifier labels each example as similar or different to text.
type Classifier interface {
	Classify(ctx context.Context, text string, examples []string) ([]Classification, error)
}

// Labels returned by classifiers.
const (
	LabelSimilar   = "similar"
	LabelDifferent = "different"
)

// Classification is the verdict for one example. Classifiers that only
// produce a label report Confidence 1.0.
type Classification struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Errors
var (
	ErrEmptyEmbedding = errors.New("embedding service returned no vector")
	ErrClassification = errors.New("classification response invalid")
)
