package rag

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"schoolbot/server/internal/config"
	"schoolbot/server/internal/interfaces"
)

const (
	payloadContent = "content"
	payloadID      = "record_id"
)

// QdrantStore implements interfaces.VectorStore on a Qdrant server over gRPC.
type QdrantStore struct {
	client *qdrant.Client
	logger *zap.Logger
}

// NewQdrantStore connects to Qdrant and checks its health.
func NewQdrantStore(ctx context.Context, cfg config.QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	if _, err := client.HealthCheck(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &QdrantStore{client: client, logger: logger.Named("qdrant")}, nil
}

// EnsureCollection creates a cosine collection when it does not exist.
func (q *QdrantStore) EnsureCollection(ctx context.Context, collection string, dimensions int) error {
	exists, err := q.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", collection, err)
	}
	if exists {
		return nil
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimensions),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", collection, err)
	}
	q.logger.Info("created collection", zap.String("collection", collection), zap.Int("dimensions", dimensions))
	return nil
}

// pointID maps an arbitrary record ID onto the UUID space Qdrant accepts.
func pointID(id string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

// Upsert stores records as points; the original ID and text live in the payload.
func (q *QdrantStore) Upsert(ctx context.Context, collection string, records []interfaces.Record) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, r := range records {
		payload := make(map[string]any, len(r.Metadata)+2)
		for k, v := range r.Metadata {
			payload[k] = v
		}
		payload[payloadContent] = r.Content
		payload[payloadID] = r.ID

		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(pointID(r.ID)),
			Vectors: qdrant.NewVectors(r.Embedding...),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	wait := true
	if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("failed to upsert %d points: %w", len(points), err)
	}
	return nil
}

func buildFilter(opts interfaces.QueryOptions) *qdrant.Filter {
	var must []*qdrant.Condition
	if len(opts.AllowedTypes) > 0 {
		must = append(must, qdrant.NewMatchKeywords("document_type", opts.AllowedTypes...))
	}
	keys := make([]string, 0, len(opts.Where))
	for k := range opts.Where {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		must = append(must, qdrant.NewMatch(k, opts.Where[k]))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

// Query searches by vector; Qdrant scores are cosine similarities.
func (q *QdrantStore) Query(ctx context.Context, collection string, vector []float32, opts interfaces.QueryOptions) ([]interfaces.Match, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		Filter:         buildFilter(opts),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query collection %s: %w", collection, err)
	}

	matches := make([]interfaces.Match, 0, len(points))
	for _, p := range points {
		metadata := make(map[string]string, len(p.Payload))
		var content, id string
		for k, v := range p.Payload {
			switch k {
			case payloadContent:
				content = v.GetStringValue()
			case payloadID:
				id = v.GetStringValue()
			default:
				metadata[k] = v.GetStringValue()
			}
		}
		if id == "" {
			id = p.GetId().GetUuid()
		}
		matches = append(matches, interfaces.Match{
			ID:       id,
			Content:  content,
			Metadata: metadata,
			Distance: 1 - float64(p.GetScore()),
		})
	}
	return matches, nil
}

// Delete removes points by record ID.
func (q *QdrantStore) Delete(ctx context.Context, collection string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pids := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pids = append(pids, qdrant.NewID(pointID(id)))
	}
	wait := true
	if _, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         qdrant.NewPointsSelector(pids...),
	}); err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return nil
}

// Count returns the exact number of points matching where.
func (q *QdrantStore) Count(ctx context.Context, collection string, where map[string]string) (int, error) {
	n, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Filter:         buildFilter(interfaces.QueryOptions{Where: where}),
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}
	return int(n), nil
}

func (q *QdrantStore) DeleteCollection(ctx context.Context, collection string) error {
	if err := q.client.DeleteCollection(ctx, collection); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", collection, err)
	}
	return nil
}

// HealthCheck checks if Qdrant is healthy
func (q *QdrantStore) HealthCheck(ctx context.Context) error {
	_, err := q.client.HealthCheck(ctx)
	return err
}

func (q *QdrantStore) Close() error {
	return q.client.Close()
}
