package engine

import (
	"context"
	"regexp"
	"strings"

	"schoolbot/server/internal/models"
	"schoolbot/server/internal/tools"
)

// IntentComplexTask is the LLM intent that always forces planning.
const IntentComplexTask = "complex_task"

// IntentAnalyzer classifies a request with the language model.
type IntentAnalyzer interface {
	AnalyzeIntent(ctx context.Context, request string) models.Analysis
}

type toolPattern struct {
	tool    string
	pattern *regexp.Regexp
}

// Analyzer decides which tools a request needs and whether it must be planned.
type Analyzer struct {
	intents  IntentAnalyzer
	patterns []toolPattern
}

// NewAnalyzer creates an analyzer; intents may be nil for keyword-only analysis.
func NewAnalyzer(intents IntentAnalyzer) *Analyzer {
	return &Analyzer{
		intents: intents,
		patterns: []toolPattern{
			{tool: tools.NameQuery, pattern: regexp.MustCompile(`buscar|encontrar|información`)},
			{tool: tools.NameWriting, pattern: regexp.MustCompile(`escribir|crear|generar|reporte`)},
			{tool: tools.NameReasoning, pattern: regexp.MustCompile(`analizar|decidir|evaluar|comparar`)},
		},
	}
}

// DetectTools returns the tools whose keywords appear in the request.
func (a *Analyzer) DetectTools(request string) []string {
	lower := strings.ToLower(request)
	var found []string
	for _, p := range a.patterns {
		if p.pattern.MatchString(lower) {
			found = append(found, p.tool)
		}
	}
	return found
}

// Analyze merges the LLM intent classification with keyword tool detection.
func (a *Analyzer) Analyze(ctx context.Context, request string) models.Analysis {
	analysis := models.Analysis{
		Intent:     "unknown",
		Complexity: models.ComplexitySimple,
	}
	if a.intents != nil {
		analysis = a.intents.AnalyzeIntent(ctx, request)
	}

	analysis.ToolsNeeded = a.DetectTools(request)
	if len(analysis.ToolsNeeded) > 1 || analysis.Intent == IntentComplexTask {
		analysis.Complexity = models.ComplexityComplex
		analysis.RequiresPlanning = true
	}
	return analysis
}
