package rag

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"schoolbot/server/internal/interfaces"
	"schoolbot/server/internal/models"
)

// MemoryHit is a semantic-tier match.
type MemoryHit struct {
	ID         string
	Content    string
	Similarity float64
	Importance float64
	Timestamp  time.Time
	Tags       []string
}

// MemoryIndex is the semantic memory tier: entries embedded into their own collection.
type MemoryIndex struct {
	store      interfaces.VectorStore
	embedder   interfaces.Embedder
	collection string
}

// NewMemoryIndex creates a new memory index
func NewMemoryIndex(store interfaces.VectorStore, embedder interfaces.Embedder, collection string) *MemoryIndex {
	return &MemoryIndex{
		store:      store,
		embedder:   embedder,
		collection: collection,
	}
}

// Init creates the backing collection.
func (m *MemoryIndex) Init(ctx context.Context) error {
	return m.store.EnsureCollection(ctx, m.collection, m.embedder.Dimensions())
}

// Add stores a memory entry with its embedding
func (m *MemoryIndex) Add(ctx context.Context, entry *models.MemoryEntry) error {
	vector, err := m.embedder.Embed(ctx, entry.Content)
	if err != nil {
		return fmt.Errorf("failed to generate embedding: %w", err)
	}

	metadata := map[string]string{
		"memory_id":  entry.ID,
		"importance": strconv.FormatFloat(entry.Importance, 'f', 3, 64),
		"timestamp":  entry.Timestamp.Format(time.RFC3339),
		"tags":       strings.Join(entry.Tags, ","),
	}

	return m.store.Upsert(ctx, m.collection, []interfaces.Record{{
		ID:        entry.ID,
		Content:   entry.Content,
		Metadata:  metadata,
		Embedding: vector,
	}})
}

// Search returns the k nearest memories with similarity 1 - distance.
func (m *MemoryIndex) Search(ctx context.Context, query string, k int) ([]MemoryHit, error) {
	vector, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	matches, err := m.store.Query(ctx, m.collection, vector, interfaces.QueryOptions{Limit: k})
	if err != nil {
		return nil, fmt.Errorf("failed to search memories: %w", err)
	}

	hits := make([]MemoryHit, 0, len(matches))
	for _, match := range matches {
		id := match.Metadata["memory_id"]
		if id == "" {
			id = match.ID
		}
		hit := MemoryHit{ID: id, Content: match.Content, Similarity: 1 - match.Distance, Importance: 0.5}
		if v, err := strconv.ParseFloat(match.Metadata["importance"], 64); err == nil {
			hit.Importance = v
		}
		if ts, err := time.Parse(time.RFC3339, match.Metadata["timestamp"]); err == nil {
			hit.Timestamp = ts
		}
		if tags := match.Metadata["tags"]; tags != "" {
			hit.Tags = strings.Split(tags, ",")
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Count returns the number of indexed memories.
func (m *MemoryIndex) Count(ctx context.Context) (int, error) {
	return m.store.Count(ctx, m.collection, nil)
}

// Clear drops and recreates the collection.
func (m *MemoryIndex) Clear(ctx context.Context) error {
	if err := m.store.DeleteCollection(ctx, m.collection); err != nil {
		return err
	}
	return m.Init(ctx)
}
