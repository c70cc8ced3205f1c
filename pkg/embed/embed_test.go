package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaRetriesOn503(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{0.1, 0.2}})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "nomic-embed-text", time.Second)
	c.initialBackoff = time.Millisecond

	vec, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, vec)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOllamaGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "m", time.Second)
	c.initialBackoff = time.Millisecond

	_, err := c.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrOllamaUnavailable)
	assert.Equal(t, int32(4), calls.Load())
}

func TestOllamaNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "m", time.Second)
	_, err := c.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), calls.Load())
}

func newOpenAIServer(t *testing.T, classification string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req["model"])
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.5,0.25,1]}],"model":"text-embedding-3-small"}`))
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]string{"role": "assistant", "content": classification},
			}},
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	})
	return httptest.NewServer(mux)
}

func TestOpenAIEmbed(t *testing.T) {
	srv := newOpenAIServer(t, "{}")
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1"})
	vec, err := c.Embed(context.Background(), "report text")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25, 1}, vec)
}

func TestOpenAIClassify(t *testing.T) {
	srv := newOpenAIServer(t, `{"results":[{"index":0,"label":"similar","confidence":0.93},{"index":1,"label":"Different","confidence":0.7}]}`)
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1"})
	got, err := c.Classify(context.Background(), "new", []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, Classification{Label: LabelSimilar, Confidence: 0.93}, got[0])
	assert.Equal(t, Classification{Label: LabelDifferent, Confidence: 0.7}, got[1])
	// skipped candidate defaults to different
	assert.Equal(t, LabelDifferent, got[2].Label)
}

func TestParseClassification(t *testing.T) {
	got, err := parseClassification(`{"results":[{"index":0,"label":"similar"}]}`, 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got[0].Confidence, "label-only answers carry full confidence")

	_, err = parseClassification(`{"results":[{"index":0,"label":"maybe"}]}`, 1)
	assert.ErrorIs(t, err, ErrClassification)

	_, err = parseClassification(`not json`, 1)
	assert.ErrorIs(t, err, ErrClassification)

	got, err = parseClassification(`{"results":[{"index":7,"label":"similar"}]}`, 1)
	require.NoError(t, err)
	assert.Equal(t, LabelDifferent, got[0].Label)
}

type countingEmbedder struct {
	calls atomic.Int32
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	return []float32{float32(len(text)), 1}, nil
}

func TestCachingEmbedder(t *testing.T) {
	inner := &countingEmbedder{}
	c, err := NewCachingEmbedder(inner, 2)
	require.NoError(t, err)
	ctx := context.Background()

	a1, err := c.Embed(ctx, "aaa")
	require.NoError(t, err)
	a2, err := c.Embed(ctx, "aaa")
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
	assert.Equal(t, int32(1), inner.calls.Load())

	// mutating a returned vector does not poison the cache
	a2[0] = 99
	a3, _ := c.Embed(ctx, "aaa")
	assert.Equal(t, float32(3), a3[0])

	c.Embed(ctx, "bb")
	c.Embed(ctx, strings.Repeat("c", 4))
	assert.Equal(t, 2, c.Len())
	c.Embed(ctx, "aaa")
	assert.Equal(t, int32(4), inner.calls.Load(), "evicted entry should be recomputed")
}
