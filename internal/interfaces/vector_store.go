package interfaces

import "context"

// Embedder turns text into a fixed-length, L2-normalised vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// BatchEmbedder is implemented by embedders that can embed many texts per call.
type BatchEmbedder interface {
	Embedder
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Record is a vector plus the text and metadata stored with it.
type Record struct {
	ID        string
	Content   string
	Metadata  map[string]string
	Embedding []float32
}

// Match is a query hit. Distance is 1 - cosine similarity.
type Match struct {
	ID       string
	Content  string
	Metadata map[string]string
	Distance float64
}

// QueryOptions narrows a nearest-neighbour query.
type QueryOptions struct {
	Limit int
	// AllowedTypes restricts results to these document_type values; empty means all.
	AllowedTypes []string
	// Where is an exact-match metadata filter.
	Where map[string]string
}

// VectorStore defines the interface for vector database operations
type VectorStore interface {
	// EnsureCollection creates the collection if missing
	EnsureCollection(ctx context.Context, collection string, dimensions int) error

	// Upsert stores or replaces records
	Upsert(ctx context.Context, collection string, records []Record) error

	// Query returns the nearest records ordered by ascending distance
	Query(ctx context.Context, collection string, vector []float32, opts QueryOptions) ([]Match, error)

	// Delete removes records by ID
	Delete(ctx context.Context, collection string, ids ...string) error

	// Count returns the number of records, optionally restricted by metadata
	Count(ctx context.Context, collection string, where map[string]string) (int, error)

	// DeleteCollection drops a collection and all its records
	DeleteCollection(ctx context.Context, collection string) error

	Close() error
}
