package rag

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolbot/server/internal/config"
	"schoolbot/server/internal/interfaces"
	"schoolbot/server/internal/models"
)

const testCollection = "school_documents"

// fixedEmbedder returns the same vector for every query and records calls.
type fixedEmbedder struct {
	mu     sync.Mutex
	vector []float32
	calls  []string
}

func (f *fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, text)
	return f.vector, nil
}

func (f *fixedEmbedder) Dimensions() int { return len(f.vector) }

type fakeReranker struct {
	scores []float64
	err    error
}

func (f *fakeReranker) Rerank(ctx context.Context, query string, texts []string) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.scores[:len(texts)], nil
}

func testRetrieverConfig() config.RetrieverConfig {
	return config.RetrieverConfig{TopK: 5, RerankTopK: 20, SimilarityThreshold: 0.7}
}

func chunk(id, docType string, vec ...float32) models.Chunk {
	return models.Chunk{
		ID:        id,
		Text:      "texto " + id,
		Metadata:  models.ChunkMetadata{FileName: id + ".pdf", DocumentType: docType},
		Embedding: vec,
	}
}

func seededStore(t *testing.T) *ChromemStore {
	t.Helper()
	store, err := NewChromemStore("", nil)
	require.NoError(t, err)

	ix := NewIndexer(store, &fixedEmbedder{vector: []float32{1, 0, 0}}, testCollection)
	require.NoError(t, ix.AddChunks(context.Background(), []models.Chunk{
		chunk("reglamento", models.DocReglamentoEscolar, 1, 0, 0),
		chunk("calendario", models.DocCalendarioAcademico, 0.9, 0.436, 0),
		chunk("menu", models.DocMenuAlmuerzos, 0.8, 0.6, 0),
		chunk("lejano", models.DocDocumentoGeneral, 0.5, 0.866, 0),
		chunk("circular", models.DocCircularApoderados, 1, 0, 0),
	}))
	return store
}

func TestPreprocessQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  ¿Cuáles son los HORARIOS?  ", "cuáles son los horario de clases"},
		{"notas del semestre!!", "calificaciones del semestre"},
		{"el reglamento", "el reglamento escolar"},
		{"calendario   2024", "calendario académico 2024"},
		{"fechas", "fecha de evaluaciones"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PreprocessQuery(tt.in), tt.in)
	}
}

func TestSearchFiltersThresholdAndAudience(t *testing.T) {
	store := seededStore(t)
	emb := &fixedEmbedder{vector: []float32{1, 0, 0}}
	r := NewSemanticRetriever(store, emb, nil, testCollection, testRetrieverConfig(), nil)

	results, err := r.Search(context.Background(), SearchRequest{Query: "Reglamento?", UserType: models.UserEstudiante, TopK: 5})
	require.NoError(t, err)

	ids := make([]string, len(results))
	for i, res := range results {
		ids[i] = res.ID
		assert.GreaterOrEqual(t, res.SimilarityScore, 0.7)
		assert.Equal(t, i+1, res.Rank)
		assert.False(t, res.SearchMetadata.RerankingUsed)
	}
	assert.Equal(t, []string{"reglamento", "calendario", "menu"}, ids)
	assert.Equal(t, []string{"reglamento escolar"}, emb.calls)

	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score(), results[i].Score())
	}
}

// repeatingStore answers every query with the same matches.
type repeatingStore struct {
	interfaces.VectorStore
	matches []interfaces.Match
}

func (s repeatingStore) Query(ctx context.Context, collection string, vector []float32, opts interfaces.QueryOptions) ([]interfaces.Match, error) {
	return s.matches, nil
}

func TestSearchDropsDuplicateChunks(t *testing.T) {
	store := repeatingStore{matches: []interfaces.Match{
		{ID: "a", Content: "texto a", Distance: 0.05},
		{ID: "b", Content: "texto b", Distance: 0.1},
		{ID: "a", Content: "texto a", Distance: 0.2},
		{ID: "c", Content: "texto c", Distance: 0.25},
	}}
	r := NewSemanticRetriever(store, &fixedEmbedder{vector: []float32{1, 0, 0}}, nil, testCollection, testRetrieverConfig(), nil)

	results, err := r.Search(context.Background(), SearchRequest{Query: "reglamento", UserType: models.UserProfesor, TopK: 3})
	require.NoError(t, err)

	ids := make([]string, len(results))
	for i, res := range results {
		ids[i] = res.ID
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.InDelta(t, 0.95, results[0].SimilarityScore, 1e-9)
}

func TestSearchProfessorSeesEverything(t *testing.T) {
	store := seededStore(t)
	r := NewSemanticRetriever(store, &fixedEmbedder{vector: []float32{1, 0, 0}}, nil, testCollection, testRetrieverConfig(), nil)

	results, err := r.Search(context.Background(), SearchRequest{Query: "circular", UserType: models.UserProfesor, TopK: 10})
	require.NoError(t, err)
	assert.Len(t, results, 4)

	results, err = r.Search(context.Background(), SearchRequest{Query: "circular", UserType: models.UserApoderado, TopK: 10})
	require.NoError(t, err)
	for _, res := range results {
		assert.Contains(t, AllowedDocumentTypes(models.UserApoderado), res.Metadata.DocumentType)
	}
}

func TestSearchDocumentTypeFilter(t *testing.T) {
	store := seededStore(t)
	r := NewSemanticRetriever(store, &fixedEmbedder{vector: []float32{1, 0, 0}}, nil, testCollection, testRetrieverConfig(), nil)

	results, err := r.Search(context.Background(), SearchRequest{
		Query: "menu", UserType: models.UserEstudiante, TopK: 5,
		Filters: map[string]string{"document_type": models.DocMenuAlmuerzos},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "menu", results[0].ID)

	results, err = r.Search(context.Background(), SearchRequest{
		Query: "circular", UserType: models.UserEstudiante, TopK: 5,
		Filters: map[string]string{"document_type": models.DocCircularApoderados},
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchRejectsBlankQuery(t *testing.T) {
	emb := &fixedEmbedder{vector: []float32{1, 0, 0}}
	r := NewSemanticRetriever(seededStore(t), emb, nil, testCollection, testRetrieverConfig(), nil)

	_, err := r.Search(context.Background(), SearchRequest{Query: "   ", UserType: models.UserEstudiante})
	assert.ErrorIs(t, err, ErrEmptyQuery)
	assert.Empty(t, emb.calls)
}

func TestSearchWithReranking(t *testing.T) {
	store := seededStore(t)
	rr := &fakeReranker{scores: []float64{0.1, 0.5, 0.9}}
	r := NewSemanticRetriever(store, &fixedEmbedder{vector: []float32{1, 0, 0}}, rr, testCollection, testRetrieverConfig(), nil)

	results, err := r.Search(context.Background(), SearchRequest{Query: "info", UserType: models.UserEstudiante, TopK: 2, UseReranking: true})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "menu", results[0].ID)
	assert.Equal(t, "calendario", results[1].ID)
	assert.InDelta(t, 0.9, *results[0].RerankScore, 1e-9)
	assert.True(t, results[0].SearchMetadata.RerankingUsed)
}

func TestSearchRerankFailureKeepsSimilarityOrder(t *testing.T) {
	store := seededStore(t)
	rr := &fakeReranker{err: errors.New("cross-encoder down")}
	r := NewSemanticRetriever(store, &fixedEmbedder{vector: []float32{1, 0, 0}}, rr, testCollection, testRetrieverConfig(), nil)

	results, err := r.Search(context.Background(), SearchRequest{Query: "info", UserType: models.UserEstudiante, TopK: 2, UseReranking: true})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "reglamento", results[0].ID)
	assert.Equal(t, "calendario", results[1].ID)
	assert.Nil(t, results[0].RerankScore)
}

func TestAllowedDocumentTypesUnknownUser(t *testing.T) {
	assert.Equal(t, AllowedDocumentTypes(models.UserEstudiante), AllowedDocumentTypes("visitante"))
	assert.Nil(t, AllowedDocumentTypes(models.UserAdmin))
}

func TestSuggestions(t *testing.T) {
	r := NewSemanticRetriever(nil, &fixedEmbedder{}, nil, testCollection, testRetrieverConfig(), nil)

	assert.Equal(t, []string{"horarios de clases"}, r.Suggestions("HORA"))
	assert.Len(t, r.Suggestions(""), 5)
	assert.Equal(t, []string{"procedimientos administrativos", "manual de procedimientos"}, r.Suggestions("proced"))
	assert.Empty(t, r.Suggestions("xyz"))
}

func TestAnalytics(t *testing.T) {
	store := seededStore(t)
	require.NoError(t, store.EnsureCollection(context.Background(), testCollection, 3))
	r := NewSemanticRetriever(store, &fixedEmbedder{vector: []float32{1, 0, 0}}, nil, testCollection, testRetrieverConfig(), nil)

	a, err := r.Analytics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, a.TotalDocuments)
	assert.Equal(t, 1, a.DocumentTypes[models.DocMenuAlmuerzos])
	assert.False(t, a.Capabilities["reranking"])
}

func TestQueryProcessor(t *testing.T) {
	p := NewQueryProcessor()

	assert.Equal(t, "horario de matemáticas horarios clases aula profesor", p.ExpandQuery("horario de matemáticas"))
	assert.Equal(t, "hola", p.ExpandQuery("hola"))

	assert.Equal(t, "horarios", p.ClassifyIntent("¿En qué aula es la clase?"))
	assert.Equal(t, "evaluaciones", p.ClassifyIntent("fecha del examen"))
	assert.Equal(t, "alimentacion", p.ClassifyIntent("menu del lunes"))
	assert.Equal(t, "general", p.ClassifyIntent("hola"))
}
