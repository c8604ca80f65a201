package rag

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolbot/server/internal/config"
	"schoolbot/server/internal/models"
)

func newEmbeddingServer(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		data := make([]map[string]any, len(req.Input))
		for i, in := range req.Input {
			data[i] = map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": []float32{float32(len(in)), 0, 0, 0},
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": "test"})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbeddingServiceNormalisesAndCaches(t *testing.T) {
	var calls int32
	srv := newEmbeddingServer(t, &calls)

	svc, err := NewEmbeddingService(config.EmbeddingConfig{
		BaseURL: srv.URL, APIKey: "k", Model: "text-embedding-3-small",
		Dimensions: 4, BatchSize: 2, CacheTTL: time.Hour,
	}, nil)
	require.NoError(t, err)
	defer svc.Close()

	vecs, err := svc.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	for _, v := range vecs {
		assert.InDelta(t, 1.0, float64(v[0]), 1e-6)
	}

	svc.cache.Wait()
	_, err = svc.Embed(context.Background(), "bb")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, 4, svc.Dimensions())
	assert.GreaterOrEqual(t, svc.CacheStats().Hits, uint64(1))
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestNormalizeAndCosine(t *testing.T) {
	v := NormalizeVector([]float32{3, 4})
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(v[1]), 1e-6)
	assert.Equal(t, []float32{0, 0}, NormalizeVector([]float32{0, 0}))

	assert.InDelta(t, 1.0, cosine([]float32{1, 0}, []float32{1, 0}), 1e-9)

	assert.False(t, IsValidVector([]float32{float32(math.NaN())}))
	assert.False(t, IsValidVector([]float32{float32(math.Inf(1))}))
	assert.True(t, IsValidVector([]float32{0.1, 0.2}))
}

func TestHashEmbedder(t *testing.T) {
	h := NewHashEmbedder(64)
	ctx := context.Background()

	a, err := h.Embed(ctx, "Horario de clases")
	require.NoError(t, err)
	b, err := h.Embed(ctx, "horario de clases")
	require.NoError(t, err)
	c, err := h.Embed(ctx, "menú de almuerzos del viernes")
	require.NoError(t, err)

	assert.Len(t, a, 64)
	same := cosine(a, b)
	diff := cosine(a, c)
	assert.InDelta(t, 1.0, same, 1e-6)
	assert.Less(t, diff, same)
}

func TestHTTPReranker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rerank", r.URL.Path)
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "horarios", req.Query)
		_ = json.NewEncoder(w).Encode([]rerankScore{{Index: 1, Score: 0.9}, {Index: 0, Score: 0.2}})
	}))
	defer srv.Close()

	rr := NewHTTPReranker(config.RerankConfig{BaseURL: srv.URL + "/"})
	scores, err := rr.Rerank(context.Background(), "horarios", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.2, 0.9}, scores)
}

func TestHTTPRerankerMissingScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]rerankScore{{Index: 0, Score: 0.2}})
	}))
	defer srv.Close()

	_, err := NewHTTPReranker(config.RerankConfig{BaseURL: srv.URL}).Rerank(context.Background(), "q", []string{"a", "b"})
	assert.Error(t, err)
}

func TestMemoryIndexRoundTrip(t *testing.T) {
	store, err := NewChromemStore("", nil)
	require.NoError(t, err)
	idx := NewMemoryIndex(store, NewHashEmbedder(64), "semantic_memory")
	ctx := context.Background()
	require.NoError(t, idx.Init(ctx))

	require.NoError(t, idx.Add(ctx, &models.MemoryEntry{ID: "m1", Content: "horario de clases de matemáticas", Importance: 0.9, Timestamp: time.Now()}))
	require.NoError(t, idx.Add(ctx, &models.MemoryEntry{ID: "m2", Content: "menú del casino", Importance: 0.85, Timestamp: time.Now()}))

	hits, err := idx.Search(ctx, "horario de clases de matemáticas", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "m1", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-4)

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, idx.Clear(ctx))
	n, err = idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestChromemStorePersistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewChromemStore(dir, nil)
	require.NoError(t, err)
	ix := NewIndexer(store, NewHashEmbedder(16), testCollection)
	require.NoError(t, ix.AddChunks(ctx, []models.Chunk{{ID: "c1", Text: "reglamento escolar", Metadata: models.ChunkMetadata{DocumentType: models.DocReglamentoEscolar}}}))

	reopened, err := NewChromemStore(dir, nil)
	require.NoError(t, err)
	n, err := reopened.Count(ctx, testCollection, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
