package embed

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"
)

// CachingEmbedder memoizes embeddings by BLAKE3 of the text. Identical
// resubmissions and retries skip the network call.
type CachingEmbedder struct {
	next  Embedder
	cache *lru.Cache[[32]byte, []float32]
}

// NewCachingEmbedder wraps next with an LRU of size entries.
func NewCachingEmbedder(next Embedder, size int) (*CachingEmbedder, error) {
	cache, err := lru.New[[32]byte, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &CachingEmbedder{next: next, cache: cache}, nil
}

func (c *CachingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := blake3.Sum256([]byte(text))
	if v, ok := c.cache.Get(key); ok {
		return append([]float32(nil), v...), nil
	}

	v, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, append([]float32(nil), v...))
	return v, nil
}

// Len returns the number of cached embeddings.
func (c *CachingEmbedder) Len() int {
	return c.cache.Len()
}
