package rag

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"schoolbot/server/internal/config"
	"schoolbot/server/internal/interfaces"
	"schoolbot/server/internal/models"
)

// ErrEmptyQuery is returned before any embedding call for blank queries.
var ErrEmptyQuery = errors.New("query is empty")

var (
	nonWordPattern    = regexp.MustCompile(`[^\w\sáéíóúüñÁÉÍÓÚÜÑ]`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Applied in order with plain substring replacement.
var abbreviations = []struct{ abbr, full string }{
	{"horarios", "horario de clases"},
	{"fechas", "fecha de evaluaciones"},
	{"notas", "calificaciones"},
	{"reglamento", "reglamento escolar"},
	{"calendario", "calendario académico"},
}

// allowedDocumentTypes maps audience to visible document types; nil means everything.
var allowedDocumentTypes = map[string][]string{
	models.UserEstudiante: {
		models.DocReglamentoEscolar, models.DocCalendarioAcademico,
		models.DocMenuAlmuerzos, models.DocDocumentoGeneral,
	},
	models.UserApoderado: {
		models.DocCircularApoderados, models.DocReglamentoEscolar,
		models.DocCalendarioAcademico, models.DocManualProcedimientos,
	},
	models.UserProfesor: nil,
	models.UserAdmin:    nil,
}

// AllDocumentTypes lists every known document type.
var AllDocumentTypes = []string{
	models.DocReglamentoEscolar, models.DocCalendarioAcademico, models.DocMenuAlmuerzos,
	models.DocDocumentoGeneral, models.DocCircularApoderados, models.DocManualProcedimientos,
}

// AllowedDocumentTypes returns the allow-list for a user type. Unknown user
// types get the student list; a nil result means no restriction.
func AllowedDocumentTypes(userType string) []string {
	types, ok := allowedDocumentTypes[userType]
	if !ok {
		return allowedDocumentTypes[models.UserEstudiante]
	}
	return types
}

var searchSuggestions = []string{
	"horarios de clases",
	"fechas de evaluaciones",
	"reglamento estudiantil",
	"calendario académico",
	"menú de almuerzos",
	"procedimientos administrativos",
	"circular para apoderados",
	"manual de procedimientos",
}

// SearchRequest is one retrieval call.
type SearchRequest struct {
	Query        string
	UserType     string
	TopK         int
	UseReranking bool
	// Filters are exact-match metadata constraints added to the audience filter.
	Filters map[string]string
}

// SearchMetadata records how a result was produced.
type SearchMetadata struct {
	Query         string    `json:"query"`
	UserType      string    `json:"user_type"`
	SearchTime    time.Time `json:"search_time"`
	RerankingUsed bool      `json:"reranking_used"`
}

// SearchResult is a ranked chunk.
type SearchResult struct {
	ID              string               `json:"id"`
	Text            string               `json:"text"`
	Metadata        models.ChunkMetadata `json:"metadata"`
	SimilarityScore float64              `json:"similarity_score"`
	RerankScore     *float64             `json:"rerank_score,omitempty"`
	Rank            int                  `json:"rank"`
	SearchMetadata  SearchMetadata       `json:"search_metadata"`
}

// Score is the value results are ordered by.
func (r SearchResult) Score() float64 {
	if r.RerankScore != nil {
		return *r.RerankScore
	}
	return r.SimilarityScore
}

// SemanticRetriever finds relevant school document chunks for a query.
type SemanticRetriever struct {
	store      interfaces.VectorStore
	embedder   interfaces.Embedder
	reranker   Reranker
	collection string
	cfg        config.RetrieverConfig
	logger     *zap.Logger
}

// NewSemanticRetriever creates a retriever; reranker may be nil.
func NewSemanticRetriever(store interfaces.VectorStore, embedder interfaces.Embedder, reranker Reranker,
	collection string, cfg config.RetrieverConfig, logger *zap.Logger) *SemanticRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SemanticRetriever{
		store:      store,
		embedder:   embedder,
		reranker:   reranker,
		collection: collection,
		cfg:        cfg,
		logger:     logger.Named("retriever"),
	}
}

// Init creates the document collection.
func (r *SemanticRetriever) Init(ctx context.Context) error {
	return r.store.EnsureCollection(ctx, r.collection, r.embedder.Dimensions())
}

// RerankAvailable reports whether a cross-encoder is configured.
func (r *SemanticRetriever) RerankAvailable() bool {
	return r.reranker != nil
}

// PreprocessQuery lowercases, strips punctuation, collapses spaces and expands abbreviations.
func PreprocessQuery(query string) string {
	q := strings.ToLower(strings.TrimSpace(query))
	q = nonWordPattern.ReplaceAllString(q, " ")
	q = strings.TrimSpace(whitespacePattern.ReplaceAllString(q, " "))
	for _, a := range abbreviations {
		q = strings.ReplaceAll(q, a.abbr, a.full)
	}
	return q
}

// resolveTypes intersects the audience allow-list with an explicit document_type filter.
// ok is false when the combination can match nothing.
func resolveTypes(userType string, filters map[string]string) (types []string, where map[string]string, ok bool) {
	allowed := AllowedDocumentTypes(userType)
	where = make(map[string]string, len(filters))
	for k, v := range filters {
		where[k] = v
	}

	requested, hasType := where["document_type"]
	if !hasType {
		return allowed, where, true
	}
	delete(where, "document_type")

	if allowed == nil {
		return []string{requested}, where, true
	}
	for _, t := range allowed {
		if t == requested {
			return []string{requested}, where, true
		}
	}
	return nil, nil, false
}

// Search runs the full retrieval pipeline.
func (r *SemanticRetriever) Search(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, ErrEmptyQuery
	}

	topK := req.TopK
	if topK <= 0 {
		topK = r.cfg.TopK
	}
	rerank := req.UseReranking && r.reranker != nil

	types, where, ok := resolveTypes(req.UserType, req.Filters)
	if !ok {
		r.logger.Debug("filters exclude every visible document type",
			zap.String("user_type", req.UserType), zap.Any("filters", req.Filters))
		return []SearchResult{}, nil
	}

	processed := PreprocessQuery(req.Query)
	vector, err := r.embedder.Embed(ctx, processed)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	fetch := topK
	if rerank {
		fetch = r.cfg.RerankTopK
	}

	matches, err := r.store.Query(ctx, r.collection, vector, interfaces.QueryOptions{
		Limit:        fetch,
		AllowedTypes: types,
		Where:        where,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search documents: %w", err)
	}

	candidates := make([]SearchResult, 0, len(matches))
	for _, m := range matches {
		similarity := 1 - m.Distance
		if similarity < r.cfg.SimilarityThreshold {
			continue
		}
		candidates = append(candidates, SearchResult{
			ID:              m.ID,
			Text:            m.Content,
			Metadata:        models.MetadataFromMap(m.Metadata),
			SimilarityScore: similarity,
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].SimilarityScore > candidates[j].SimilarityScore
	})
	candidates = dedupe(candidates)

	r.logger.Debug("filtered candidates",
		zap.Int("relevant", len(candidates)), zap.Int("fetched", len(matches)))

	var final []SearchResult
	if rerank && len(candidates) > 0 {
		final = r.rerankResults(ctx, req.Query, candidates, topK)
	} else {
		final = truncate(candidates, topK)
	}

	meta := SearchMetadata{
		Query:         req.Query,
		UserType:      req.UserType,
		SearchTime:    time.Now(),
		RerankingUsed: rerank,
	}
	for i := range final {
		final[i].Rank = i + 1
		final[i].SearchMetadata = meta
	}

	r.logger.Info("search completed",
		zap.String("user_type", req.UserType),
		zap.Int("results", len(final)),
		zap.Bool("reranking", rerank))
	return final, nil
}

// rerankResults sorts by cross-encoder score; on failure keeps similarity order.
func (r *SemanticRetriever) rerankResults(ctx context.Context, query string, docs []SearchResult, topK int) []SearchResult {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}

	scores, err := r.reranker.Rerank(ctx, query, texts)
	if err == nil && len(scores) != len(docs) {
		err = fmt.Errorf("reranker returned %d scores for %d documents", len(scores), len(docs))
	}
	if err != nil {
		r.logger.Warn("rerank failed, keeping similarity order", zap.Error(err))
		return truncate(docs, topK)
	}

	for i := range docs {
		s := scores[i]
		docs[i].RerankScore = &s
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return *docs[i].RerankScore > *docs[j].RerankScore
	})
	return truncate(docs, topK)
}

// dedupe keeps the first, best-scored, result of each chunk ID.
func dedupe(docs []SearchResult) []SearchResult {
	seen := make(map[string]bool, len(docs))
	out := docs[:0]
	for _, d := range docs {
		if seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		out = append(out, d)
	}
	return out
}

func truncate(docs []SearchResult, n int) []SearchResult {
	if len(docs) > n {
		return docs[:n]
	}
	return docs
}

// Suggestions returns up to five fixed suggestions containing partial.
func (r *SemanticRetriever) Suggestions(partial string) []string {
	lower := strings.ToLower(partial)
	out := make([]string, 0, 5)
	for _, s := range searchSuggestions {
		if strings.Contains(strings.ToLower(s), lower) {
			out = append(out, s)
			if len(out) == 5 {
				break
			}
		}
	}
	return out
}

// Analytics describes the indexed corpus.
type Analytics struct {
	TotalDocuments int             `json:"total_documents"`
	DocumentTypes  map[string]int  `json:"document_types"`
	LastUpdated    time.Time       `json:"last_updated"`
	Capabilities   map[string]bool `json:"search_capabilities"`
}

// Analytics counts indexed chunks per document type.
func (r *SemanticRetriever) Analytics(ctx context.Context) (*Analytics, error) {
	total, err := r.store.Count(ctx, r.collection, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}

	types := make(map[string]int)
	for _, t := range AllDocumentTypes {
		n, err := r.store.Count(ctx, r.collection, map[string]string{"document_type": t})
		if err != nil {
			return nil, fmt.Errorf("failed to count %s documents: %w", t, err)
		}
		if n > 0 {
			types[t] = n
		}
	}

	return &Analytics{
		TotalDocuments: total,
		DocumentTypes:  types,
		LastUpdated:    time.Now(),
		Capabilities: map[string]bool{
			"semantic_search": true,
			"reranking":       r.reranker != nil,
			"user_filtering":  true,
			"suggestions":     true,
		},
	}, nil
}
