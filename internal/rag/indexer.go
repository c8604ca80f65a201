package rag

import (
	"context"
	"fmt"

	"schoolbot/server/internal/interfaces"
	"schoolbot/server/internal/models"
)

// Indexer embeds pre-chunked text and stores it in the document collection.
type Indexer struct {
	store      interfaces.VectorStore
	embedder   interfaces.Embedder
	collection string
}

func NewIndexer(store interfaces.VectorStore, embedder interfaces.Embedder, collection string) *Indexer {
	return &Indexer{store: store, embedder: embedder, collection: collection}
}

// AddChunks embeds chunks missing an embedding and upserts them all.
func (ix *Indexer) AddChunks(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	var pending []int
	for i, c := range chunks {
		if c.ID == "" {
			return fmt.Errorf("chunk %d has no id", i)
		}
		if len(c.Embedding) == 0 {
			pending = append(pending, i)
		}
	}

	if len(pending) > 0 {
		texts := make([]string, len(pending))
		for j, i := range pending {
			texts[j] = chunks[i].Text
		}
		vectors, err := ix.embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("failed to embed chunks: %w", err)
		}
		for j, i := range pending {
			chunks[i].Embedding = vectors[j]
		}
	}

	records := make([]interfaces.Record, len(chunks))
	for i, c := range chunks {
		records[i] = interfaces.Record{
			ID:        c.ID,
			Content:   c.Text,
			Metadata:  c.Metadata.AsMap(),
			Embedding: c.Embedding,
		}
	}
	return ix.store.Upsert(ctx, ix.collection, records)
}

func (ix *Indexer) embed(ctx context.Context, texts []string) ([][]float32, error) {
	if b, ok := ix.embedder.(interfaces.BatchEmbedder); ok {
		return b.EmbedBatch(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := ix.embedder.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
