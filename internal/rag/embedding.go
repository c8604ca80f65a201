package rag

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"schoolbot/server/internal/config"
	"schoolbot/server/internal/llm"
)

const (
	maxRetries = 3
	retryDelay = 1 * time.Second
)

// EmbeddingService handles text embedding generation and caching
type EmbeddingService struct {
	client     *openai.Client
	cache      *ristretto.Cache
	cacheTTL   time.Duration
	model      string
	dimensions int
	batchSize  int
	retryDelay time.Duration
	logger     *zap.Logger
}

// NewEmbeddingService creates a new embedding service
func NewEmbeddingService(cfg config.EmbeddingConfig, logger *zap.Logger) (*EmbeddingService, error) {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = &http.Client{Timeout: 30 * time.Second}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 26,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	return &EmbeddingService{
		client:     openai.NewClientWithConfig(oc),
		cache:      cache,
		cacheTTL:   cfg.CacheTTL,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		batchSize:  batchSize,
		retryDelay: retryDelay,
		logger:     logger.Named("embedding"),
	}, nil
}

// Dimensions returns the embedding size.
func (s *EmbeddingService) Dimensions() int {
	return s.dimensions
}

// Embed generates embedding for a single text
func (s *EmbeddingService) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || vectors[0] == nil {
		return nil, fmt.Errorf("no embedding generated")
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts
func (s *EmbeddingService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))
	uncachedIndices := make([]int, 0, len(texts))
	uncachedTexts := make([]string, 0, len(texts))

	for i, text := range texts {
		if vec, ok := s.getFromCache(text); ok {
			vectors[i] = vec
		} else {
			uncachedIndices = append(uncachedIndices, i)
			uncachedTexts = append(uncachedTexts, text)
		}
	}

	if len(uncachedTexts) == 0 {
		return vectors, nil
	}

	newVectors, err := s.embedUncached(ctx, uncachedTexts)
	if err != nil {
		return nil, err
	}

	for i, idx := range uncachedIndices {
		vectors[idx] = newVectors[i]
		s.cache.SetWithTTL(uncachedTexts[i], newVectors[i], int64(len(newVectors[i])*4), s.cacheTTL)
	}
	// Sets are buffered; make them visible to the next lookup.
	s.cache.Wait()

	return vectors, nil
}

func (s *EmbeddingService) embedUncached(ctx context.Context, texts []string) ([][]float32, error) {
	all := make([][]float32, 0, len(texts))

	for i := 0; i < len(texts); i += s.batchSize {
		end := i + s.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		resp, err := s.createEmbeddings(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("failed to create embeddings: %w", err)
		}
		if len(resp.Data) != end-i {
			return nil, fmt.Errorf("embedding API returned %d vectors for %d inputs", len(resp.Data), end-i)
		}

		batch := make([][]float32, end-i)
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(batch) {
				return nil, fmt.Errorf("embedding index %d out of range", d.Index)
			}
			if !IsValidVector(d.Embedding) {
				return nil, fmt.Errorf("embedding %d contains NaN or Inf", i+d.Index)
			}
			batch[d.Index] = NormalizeVector(d.Embedding)
		}
		all = append(all, batch...)
	}

	return all, nil
}

func (s *EmbeddingService) createEmbeddings(ctx context.Context, texts []string) (openai.EmbeddingResponse, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return openai.EmbeddingResponse{}, ctx.Err()
			case <-time.After(s.retryDelay * time.Duration(attempt)):
			}
		}

		resp, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(s.model),
		})
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if !llm.IsRetryable(err) {
			break
		}
		s.logger.Debug("retrying embeddings", zap.Int("attempt", attempt+1), zap.Error(err))
	}

	return openai.EmbeddingResponse{}, fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}

func (s *EmbeddingService) getFromCache(text string) ([]float32, bool) {
	v, ok := s.cache.Get(text)
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	return vec, ok
}

// Close releases the cache goroutines.
func (s *EmbeddingService) Close() {
	s.cache.Close()
}

// CacheStats are the embedding cache counters.
type CacheStats struct {
	Hits   uint64
	Misses uint64
	Keys   uint64
}

// CacheStats reports cache hits and misses since start.
func (s *EmbeddingService) CacheStats() CacheStats {
	m := s.cache.Metrics
	if m == nil {
		return CacheStats{}
	}
	return CacheStats{Hits: m.Hits(), Misses: m.Misses(), Keys: m.KeysAdded() - m.KeysEvicted()}
}

// NormalizeVector scales vector to unit length; zero vectors are returned as is.
func NormalizeVector(vector []float32) []float32 {
	if len(vector) == 0 {
		return vector
	}

	var norm float64
	for _, v := range vector {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vector
	}

	normalized := make([]float32, len(vector))
	for i, v := range vector {
		normalized[i] = float32(float64(v) / norm)
	}
	return normalized
}

// IsValidVector reports whether vector is free of NaN and Inf.
func IsValidVector(vector []float32) bool {
	for _, v := range vector {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
