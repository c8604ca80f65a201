package rag

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// HashEmbedder produces deterministic bag-of-words vectors without a model.
// Each token seeds an LCG that yields a pseudo-random direction; the token
// directions are summed and normalised, so texts sharing words score high.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder creates a hash embedder of the given size.
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &HashEmbedder{dimensions: dimensions}
}

func (h *HashEmbedder) Dimensions() int {
	return h.dimensions
}

// Embed creates a deterministic embedding from text.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, h.dimensions)
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		hasher := fnv.New64a()
		hasher.Write([]byte(tok))
		seed := hasher.Sum64()
		for i := range vec {
			seed = seed*6364136223846793005 + 1442695040888963407
			vec[i] += float32(int64(seed)) / float32(math.MaxInt64)
		}
	}
	return NormalizeVector(vec), nil
}

// EmbedBatch embeds each text in turn.
func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
