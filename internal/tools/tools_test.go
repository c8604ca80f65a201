package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolbot/server/internal/config"
	"schoolbot/server/internal/interfaces"
	"schoolbot/server/internal/models"
	"schoolbot/server/internal/prompts"
	"schoolbot/server/internal/rag"
)

type fakeModel struct {
	reply   string
	err     error
	prompts []string
}

func (m *fakeModel) Complete(ctx context.Context, req interfaces.CompletionRequest) (string, error) {
	m.prompts = append(m.prompts, req.Messages[len(req.Messages)-1].Content)
	return m.reply, m.err
}

type fakeSearcher struct {
	results []rag.SearchResult
	err     error
	last    rag.SearchRequest
}

func (s *fakeSearcher) Search(ctx context.Context, req rag.SearchRequest) ([]rag.SearchResult, error) {
	s.last = req
	return s.results, s.err
}

func (s *fakeSearcher) Suggestions(partial string) []string {
	return []string{"horarios de clases"}
}

type fakeMemory struct {
	entries []models.ScoredMemory
	tier    models.MemoryType
}

func (m *fakeMemory) Retrieve(ctx context.Context, query string, tier models.MemoryType, limit int) ([]models.ScoredMemory, error) {
	m.tier = tier
	return m.entries, nil
}

func toolsConfig() *config.Config {
	return config.Default()
}

func TestQueryToolSearchTopsUpFromMemory(t *testing.T) {
	searcher := &fakeSearcher{results: []rag.SearchResult{{ID: "c1", Text: "Horario", SimilarityScore: 0.9}}}
	mem := &fakeMemory{entries: []models.ScoredMemory{{
		Entry: &models.MemoryEntry{ID: "m1", Content: "horario consultado antes", Timestamp: time.Now()},
	}}}
	tool := NewQueryTool(searcher, mem, toolsConfig())

	res := tool.Execute(context.Background(), "search", map[string]any{"query": "horario", "user_type": "apoderado"})
	require.True(t, res.Success, res.Error)

	results := res.Output.([]rag.SearchResult)
	require.Len(t, results, 2)
	assert.Equal(t, "memoria_m1", results[1].Metadata.FileName)
	assert.Equal(t, "memory", results[1].Metadata.Extra["source"])
	assert.InDelta(t, 0.7, results[1].SimilarityScore, 1e-9)
	assert.Equal(t, 2, res.Metadata["results_count"])
	assert.Equal(t, "horarios", res.Metadata["topic"])

	assert.Equal(t, "horario", searcher.last.Query)
	assert.Equal(t, "apoderado", searcher.last.UserType)
	assert.Equal(t, 8, searcher.last.TopK)
	assert.True(t, searcher.last.UseReranking)
}

func TestQueryToolSearchLimitsPerUserType(t *testing.T) {
	tests := []struct {
		userType string
		want     int
	}{
		{userType: models.UserEstudiante, want: 5},
		{userType: models.UserApoderado, want: 8},
		{userType: models.UserProfesor, want: 10},
		{userType: models.UserAdmin, want: 15},
		{userType: "visitante", want: 5},
	}

	for _, tt := range tests {
		t.Run(tt.userType, func(t *testing.T) {
			searcher := &fakeSearcher{}
			tool := NewQueryTool(searcher, nil, toolsConfig())

			res := tool.Execute(context.Background(), "search", map[string]any{"query": "horario", "user_type": tt.userType})
			require.True(t, res.Success, res.Error)
			assert.Equal(t, tt.want, searcher.last.TopK)
		})
	}

	searcher := &fakeSearcher{}
	NewQueryTool(searcher, nil, toolsConfig()).Execute(context.Background(), "search",
		map[string]any{"query": "horario", "user_type": models.UserAdmin, "top_k": 3})
	assert.Equal(t, 3, searcher.last.TopK)
}

func TestQueryToolSearchExpandsQuery(t *testing.T) {
	searcher := &fakeSearcher{results: []rag.SearchResult{{ID: "c1", SimilarityScore: 0.9}}}
	tool := NewQueryTool(searcher, nil, toolsConfig())

	res := tool.Execute(context.Background(), "search", map[string]any{"query": "menú del almuerzo", "expand": true})
	require.True(t, res.Success, res.Error)

	assert.Equal(t, "menú del almuerzo comida menu casino alimentacion", searcher.last.Query)
	assert.Equal(t, "menú del almuerzo", res.Metadata["query"])
	assert.Equal(t, "alimentacion", res.Metadata["topic"])
}

func TestQueryToolSearchError(t *testing.T) {
	tool := NewQueryTool(&fakeSearcher{err: rag.ErrEmptyQuery}, nil, toolsConfig())
	res := tool.Execute(context.Background(), "search", map[string]any{})
	assert.False(t, res.Success)
	assert.Equal(t, rag.ErrEmptyQuery.Error(), res.Error)

	res = NewQueryTool(nil, nil, toolsConfig()).Execute(context.Background(), "search", nil)
	assert.Equal(t, "Retriever no inicializado", res.Error)
}

func TestQueryToolFilter(t *testing.T) {
	results := []rag.SearchResult{
		{ID: "a", SimilarityScore: 0.9, Metadata: models.ChunkMetadata{DocumentType: models.DocReglamentoEscolar}},
		{ID: "b", SimilarityScore: 0.75, Metadata: models.ChunkMetadata{DocumentType: models.DocReglamentoEscolar}},
		{ID: "c", SimilarityScore: 0.95, Metadata: models.ChunkMetadata{DocumentType: models.DocMenuAlmuerzos}},
	}
	tool := NewQueryTool(nil, nil, toolsConfig())

	res := tool.Execute(context.Background(), "filter", map[string]any{
		"results": results,
		"filters": map[string]any{"document_type": models.DocReglamentoEscolar, "min_relevance": 0.8},
	})
	require.True(t, res.Success)
	filtered := res.Output.([]rag.SearchResult)
	require.Len(t, filtered, 1)
	assert.Equal(t, "a", filtered[0].ID)
	assert.Equal(t, 3, res.Metadata["original_count"])
}

func TestQueryToolContextUsesSemanticTier(t *testing.T) {
	mem := &fakeMemory{}
	tool := NewQueryTool(nil, mem, toolsConfig())

	res := tool.Execute(context.Background(), "context", map[string]any{"topic": "evaluaciones"})
	assert.True(t, res.Success)
	assert.Equal(t, models.MemorySemantic, mem.tier)

	res = tool.Execute(context.Background(), "suggest", map[string]any{"query": "hor"})
	assert.Equal(t, "Retriever no inicializado", res.Error)
}

func TestUnsupportedActions(t *testing.T) {
	engine := prompts.NewTemplateEngine()
	tests := []struct {
		tool Tool
		want string
	}{
		{NewQueryTool(nil, nil, toolsConfig()), "Acción 'fly' no soportada por QueryTool"},
		{NewWritingTool(engine, nil), "Acción 'fly' no soportada por WritingTool"},
		{NewReasoningTool(engine, nil), "Acción 'fly' no soportada por ReasoningTool"},
	}
	for _, tt := range tests {
		res := tt.tool.Execute(context.Background(), "fly", nil)
		assert.False(t, res.Success)
		assert.Equal(t, tt.want, res.Error)
	}
}

func TestWritingToolGenerate(t *testing.T) {
	tool := NewWritingTool(prompts.NewTemplateEngine(), nil)
	tool.now = func() time.Time { return time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC) }

	tests := []struct {
		name    string
		params  map[string]any
		wantErr string
		want    []string
	}{
		{
			name:    "unknown type",
			params:  map[string]any{"document_type": "carta"},
			wantErr: "Tipo de documento 'carta' no soportado",
		},
		{
			name:    "missing fields",
			params:  map[string]any{"document_type": prompts.ReporteAcademico, "content": map[string]any{"estudiante": "Ana"}},
			wantErr: "Campos requeridos faltantes: curso, periodo, resumen_academico",
		},
		{
			name: "default date",
			params: map[string]any{"document_type": prompts.ReporteAcademico, "content": map[string]any{
				"estudiante": "Ana Pérez", "curso": "7°B", "periodo": "Primer semestre", "resumen_academico": "Buen desempeño",
			}},
			want: []string{"Fecha: 05/03/2024", "Estudiante: Ana Pérez", "Curso: 7°B"},
		},
		{
			name: "list fields",
			params: map[string]any{"document_type": prompts.ActaReunion, "content": map[string]any{
				"fecha": "10/04/2024", "tipo_reunion": "Consejo de profesores",
				"asistentes": []any{"Directora", "UTP"}, "agenda": "Evaluaciones",
			}},
			want: []string{"Fecha: 10/04/2024", "ASISTENTES:\nDirectora\nUTP"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tool.Execute(context.Background(), "generate", tt.params)
			if tt.wantErr != "" {
				assert.False(t, res.Success)
				assert.Equal(t, tt.wantErr, res.Error)
				return
			}
			require.True(t, res.Success, res.Error)
			for _, w := range tt.want {
				assert.Contains(t, res.Output, w)
			}
			assert.NotContains(t, res.Output, "{{")
		})
	}
}

func TestWritingToolFormat(t *testing.T) {
	tool := NewWritingTool(prompts.NewTemplateEngine(), nil)

	res := tool.Execute(context.Background(), "format", map[string]any{"text": "uno\n\n  dos ", "format_type": "bullet_points"})
	assert.Equal(t, "• uno\n• dos", res.Output)

	res = tool.Execute(context.Background(), "format", map[string]any{"text": " a \n\n\n\n b", "format_type": "formal"})
	assert.Equal(t, "a\n\nb", res.Output)

	res = tool.Execute(context.Background(), "format", map[string]any{"text": "tal cual"})
	assert.Equal(t, "tal cual", res.Output)
	assert.Equal(t, "standard", res.Metadata["format_type"])
}

func TestWritingToolSummarizeAndTranslate(t *testing.T) {
	model := &fakeModel{reply: "Resumen breve"}
	tool := NewWritingTool(prompts.NewTemplateEngine(), model)

	res := tool.Execute(context.Background(), "summarize", map[string]any{"text": "texto largo"})
	require.True(t, res.Success)
	assert.Equal(t, "Resumen breve", res.Output)
	assert.Contains(t, model.prompts[0], "máximo 200 palabras")

	res = tool.Execute(context.Background(), "translate", map[string]any{"text": "hello"})
	require.True(t, res.Success)
	assert.Contains(t, model.prompts[1], "al español")

	res = NewWritingTool(prompts.NewTemplateEngine(), nil).Execute(context.Background(), "summarize", map[string]any{"text": "x"})
	assert.Equal(t, "LLM no inicializado", res.Error)
}

func TestReasoningToolActions(t *testing.T) {
	model := &fakeModel{reply: "Análisis listo"}
	tool := NewReasoningTool(prompts.NewTemplateEngine(), model)

	res := tool.Execute(context.Background(), "evaluate", map[string]any{
		"options":  []any{"Opción A", "Opción B"},
		"criteria": []string{"costo"},
	})
	require.True(t, res.Success)
	assert.Contains(t, model.prompts[0], "1. Opción A\n2. Opción B")
	assert.Contains(t, model.prompts[0], "- costo")
	assert.Equal(t, 2, res.Metadata["options_count"])

	out, err := tool.Synthesize(context.Background(), []string{"x", "y"}, "pregunta")
	require.NoError(t, err)
	assert.Equal(t, "Análisis listo", out)
	assert.Contains(t, model.prompts[1], "Resultado 2:\ny")

	model.err = errors.New("boom")
	res = tool.Execute(context.Background(), "analyze", map[string]any{"information": "datos"})
	assert.False(t, res.Success)
	assert.Equal(t, "boom", res.Error)
}

func TestParseIntent(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  models.Analysis
	}{
		{
			name:  "json in prose",
			reply: "Claro:\n{\"intent\": \"consulta\", \"complexity\": \"simple\", \"response_type\": \"informativa\", \"urgency\": \"baja\"}\nSaludos",
			want:  models.Analysis{Intent: "consulta", Complexity: "simple", ResponseType: "informativa", Urgency: "baja"},
		},
		{
			name:  "partial fields keep defaults",
			reply: `{"intent": "complex_task"}`,
			want:  models.Analysis{Intent: "complex_task", Complexity: "simple", ResponseType: "informativa", Urgency: "media"},
		},
		{name: "no json", reply: "no sé", want: FallbackIntent()},
		{name: "broken json", reply: "{intent: ?}", want: FallbackIntent()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseIntent(tt.reply))
		})
	}

	tool := NewReasoningTool(prompts.NewTemplateEngine(), &fakeModel{err: errors.New("down")})
	assert.Equal(t, FallbackIntent(), tool.AnalyzeIntent(context.Background(), "hola"))
}

func TestRegistry(t *testing.T) {
	engine := prompts.NewTemplateEngine()
	searcher := &fakeSearcher{}
	reg := NewRegistry(nil,
		NewQueryTool(searcher, nil, toolsConfig()),
		NewWritingTool(engine, nil),
		NewReasoningTool(engine, nil),
	)

	assert.Equal(t, []string{NameQuery, NameWriting, NameReasoning}, reg.Names())
	assert.Equal(t, "Buscar información en documentos escolares", reg.Description(NameQuery))
	assert.Equal(t, "Herramienta desconocida", reg.Description("email"))

	res := reg.Execute(context.Background(), "email", "send", nil)
	assert.Equal(t, "Herramienta email no disponible", res.Error)

	// "execute" resolves to the default search action.
	res = reg.Execute(context.Background(), NameQuery, "execute", map[string]any{"query": "menú"})
	assert.True(t, res.Success)
	assert.Equal(t, "menú", searcher.last.Query)
	assert.True(t, strings.HasPrefix(reg.Description(NameWriting), "Generar"))
}
