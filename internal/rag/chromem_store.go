package rag

import (
	"context"
	"fmt"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"schoolbot/server/internal/interfaces"
)

// ChromemStore implements interfaces.VectorStore on the embedded chromem-go database.
type ChromemStore struct {
	db          *chromem.DB
	collections map[string]*chromem.Collection
	dims        map[string]int
	mu          sync.RWMutex
	logger      *zap.Logger
}

// NewChromemStore opens a persistent store under dir, or an in-memory one when dir is empty.
func NewChromemStore(dir string, logger *zap.Logger) (*ChromemStore, error) {
	var db *chromem.DB
	if dir == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(dir, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open chromem db: %w", err)
		}
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromemStore{
		db:          db,
		collections: make(map[string]*chromem.Collection),
		dims:        make(map[string]int),
		logger:      logger.Named("chromem"),
	}, nil
}

// noEmbedding guards against chromem falling back to its default OpenAI embedder.
func noEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("chromem store requires precomputed embeddings")
}

func (s *ChromemStore) collection(name string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[name]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if col, ok := s.collections[name]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection(name, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %s: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

// EnsureCollection creates the collection; chromem infers dimensions from the first document.
func (s *ChromemStore) EnsureCollection(ctx context.Context, collection string, dimensions int) error {
	if _, err := s.collection(collection); err != nil {
		return err
	}
	s.setDims(collection, dimensions)
	return nil
}

func (s *ChromemStore) setDims(collection string, dimensions int) {
	if dimensions <= 0 {
		return
	}
	s.mu.Lock()
	s.dims[collection] = dimensions
	s.mu.Unlock()
}

func (s *ChromemStore) Upsert(ctx context.Context, collection string, records []interfaces.Record) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}

	for _, r := range records {
		metadata := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			metadata[k] = v
		}
		if err := col.AddDocument(ctx, chromem.Document{
			ID:        r.ID,
			Metadata:  metadata,
			Embedding: r.Embedding,
			Content:   r.Content,
		}); err != nil {
			return fmt.Errorf("failed to add document %s: %w", r.ID, err)
		}
		s.setDims(collection, len(r.Embedding))
	}
	return nil
}

// Query runs one query per allowed document type and merges the hits by distance.
func (s *ChromemStore) Query(ctx context.Context, collection string, vector []float32, opts interfaces.QueryOptions) ([]interfaces.Match, error) {
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	filters := []map[string]string{copyWhere(opts.Where)}
	if len(opts.AllowedTypes) > 0 {
		filters = filters[:0]
		for _, t := range opts.AllowedTypes {
			w := copyWhere(opts.Where)
			w["document_type"] = t
			filters = append(filters, w)
		}
	}

	var matches []interfaces.Match
	for _, where := range filters {
		n := limit
		if total := col.Count(); n > total {
			n = total
		}
		if n == 0 {
			break
		}
		if len(where) == 0 {
			where = nil
		}

		results, err := col.QueryEmbedding(ctx, vector, n, where, nil)
		if err != nil {
			return nil, fmt.Errorf("chromem query: %w", err)
		}
		for _, r := range results {
			matches = append(matches, interfaces.Match{
				ID:       r.ID,
				Content:  r.Content,
				Metadata: r.Metadata,
				Distance: 1 - float64(r.Similarity),
			})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func copyWhere(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *ChromemStore) Delete(ctx context.Context, collection string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	col, err := s.collection(collection)
	if err != nil {
		return err
	}
	return col.Delete(ctx, nil, nil, ids...)
}

// Count returns the collection size; filtered counts run a unit-vector query over every document.
func (s *ChromemStore) Count(ctx context.Context, collection string, where map[string]string) (int, error) {
	col, err := s.collection(collection)
	if err != nil {
		return 0, err
	}
	total := col.Count()
	if len(where) == 0 || total == 0 {
		return total, nil
	}

	s.mu.RLock()
	dims := s.dims[collection]
	s.mu.RUnlock()
	if dims == 0 {
		return 0, fmt.Errorf("unknown dimensions for collection %s", collection)
	}

	unit := make([]float32, dims)
	unit[0] = 1
	results, err := col.QueryEmbedding(ctx, unit, total, where, nil)
	if err != nil {
		return 0, fmt.Errorf("chromem count: %w", err)
	}
	return len(results), nil
}

func (s *ChromemStore) DeleteCollection(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, collection)
	delete(s.dims, collection)
	if err := s.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", collection, err)
	}
	return nil
}

func (s *ChromemStore) Close() error {
	return nil
}
