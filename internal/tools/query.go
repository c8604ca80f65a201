package tools

import (
	"context"
	"time"

	"schoolbot/server/internal/config"
	"schoolbot/server/internal/models"
	"schoolbot/server/internal/rag"
)

const (
	memoryTopUpBelow       = 3
	memoryTopUpLimit       = 3
	memoryResultSimilarity = 0.7
)

// Searcher is the document retrieval the query tool wraps.
type Searcher interface {
	Search(ctx context.Context, req rag.SearchRequest) ([]rag.SearchResult, error)
	Suggestions(partial string) []string
}

// MemoryRetriever looks up remembered interactions.
type MemoryRetriever interface {
	Retrieve(ctx context.Context, query string, tier models.MemoryType, limit int) ([]models.ScoredMemory, error)
}

// QueryTool searches school documents.
type QueryTool struct {
	searcher  Searcher
	memory    MemoryRetriever
	processor *rag.QueryProcessor
	cfg       *config.Config
}

// NewQueryTool creates the query tool; memory may be nil. Result limits come
// from the per-user-type settings in cfg.
func NewQueryTool(searcher Searcher, memory MemoryRetriever, cfg *config.Config) *QueryTool {
	if cfg == nil {
		cfg = config.Default()
	}
	return &QueryTool{searcher: searcher, memory: memory, processor: rag.NewQueryProcessor(), cfg: cfg}
}

func (t *QueryTool) Name() string { return NameQuery }

func (t *QueryTool) Description() string { return "Buscar información en documentos escolares" }

func (t *QueryTool) Actions() []string { return []string{"search", "suggest", "filter", "context"} }

func (t *QueryTool) DefaultAction() string { return "search" }

// Execute dispatches search, suggest, filter and context.
func (t *QueryTool) Execute(ctx context.Context, action string, params map[string]any) Result {
	switch action {
	case "search":
		return t.search(ctx, params)
	case "suggest":
		return t.suggest(params)
	case "filter":
		return t.filter(params)
	case "context":
		return t.memoryContext(ctx, params)
	default:
		return unsupported(action, "QueryTool")
	}
}

func (t *QueryTool) search(ctx context.Context, params map[string]any) Result {
	if t.searcher == nil {
		return fail("Retriever no inicializado")
	}

	query := stringParam(params, "query", "")
	userType := stringParam(params, "user_type", models.UserEstudiante)

	searchQuery := query
	if boolParam(params, "expand", false) {
		searchQuery = t.processor.ExpandQuery(query)
	}

	results, err := t.searcher.Search(ctx, rag.SearchRequest{
		Query:        searchQuery,
		UserType:     userType,
		TopK:         intParam(params, "top_k", t.cfg.MaxResultsFor(userType)),
		UseReranking: boolParam(params, "use_reranking", t.cfg.Retriever.Rerank()),
	})
	if err != nil {
		return fail("%s", err.Error())
	}

	if len(results) < memoryTopUpBelow && t.memory != nil {
		memories, err := t.memory.Retrieve(ctx, query, "", memoryTopUpLimit)
		if err == nil {
			for _, m := range memories {
				results = append(results, memoryResult(m.Entry))
			}
		}
	}

	return ok(results, map[string]any{
		"query":         query,
		"search_query":  searchQuery,
		"topic":         t.processor.ClassifyIntent(query),
		"user_type":     userType,
		"results_count": len(results),
	})
}

func memoryResult(e *models.MemoryEntry) rag.SearchResult {
	name := "memoria_" + e.ID
	return rag.SearchResult{
		ID:   name,
		Text: e.Content,
		Metadata: models.ChunkMetadata{
			FileName: name,
			Extra: map[string]string{
				"source":    "memory",
				"timestamp": e.Timestamp.Format(time.RFC3339),
			},
		},
		SimilarityScore: memoryResultSimilarity,
	}
}

func (t *QueryTool) suggest(params map[string]any) Result {
	if t.searcher == nil {
		return Result{Success: false, Output: []string{}, Error: "Retriever no inicializado"}
	}
	partial := stringParam(params, "query", "")
	return ok(t.searcher.Suggestions(partial), map[string]any{"partial_query": partial})
}

func (t *QueryTool) filter(params map[string]any) Result {
	results, _ := params["results"].([]rag.SearchResult)
	filters := mapParam(params, "filters")

	filtered := make([]rag.SearchResult, 0, len(results))
	docType := stringParam(filters, "document_type", "")
	minRelevance := floatParam(filters, "min_relevance", 0)
	for _, r := range results {
		if docType != "" && r.Metadata.DocumentType != docType {
			continue
		}
		if r.SimilarityScore < minRelevance {
			continue
		}
		filtered = append(filtered, r)
	}

	applied := make([]string, 0, len(filters))
	for k := range filters {
		applied = append(applied, k)
	}
	return ok(filtered, map[string]any{
		"original_count":  len(results),
		"filtered_count":  len(filtered),
		"filters_applied": applied,
	})
}

func (t *QueryTool) memoryContext(ctx context.Context, params map[string]any) Result {
	topic := stringParam(params, "topic", stringParam(params, "query", ""))

	memories := []models.ScoredMemory{}
	if t.memory != nil {
		found, err := t.memory.Retrieve(ctx, topic, models.MemorySemantic, memoryTopUpLimit)
		if err != nil {
			return Result{Success: false, Output: memories, Error: err.Error()}
		}
		memories = found
	}
	return ok(memories, map[string]any{"topic": topic})
}
