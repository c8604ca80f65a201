package rag

import (
	"strings"
)

type expansion struct {
	term  string
	terms []string
}

var queryExpansions = []expansion{
	{"horario", []string{"horarios", "clases", "aula", "profesor"}},
	{"evaluacion", []string{"examen", "prueba", "nota", "calificacion"}},
	{"reglamento", []string{"normas", "reglas", "conducta", "disciplina"}},
	{"fecha", []string{"fechas", "calendario", "evento", "actividad"}},
	{"almuerzo", []string{"comida", "menu", "casino", "alimentacion"}},
}

type intentRule struct {
	intent string
	words  []string
}

var intentRules = []intentRule{
	{"horarios", []string{"horario", "clase", "aula"}},
	{"evaluaciones", []string{"evaluacion", "examen", "nota"}},
	{"reglamento", []string{"reglamento", "norma", "regla"}},
	{"fechas", []string{"fecha", "calendario", "evento"}},
	{"alimentacion", []string{"almuerzo", "comida", "menu"}},
}

// QueryProcessor expands and classifies school queries.
type QueryProcessor struct{}

func NewQueryProcessor() *QueryProcessor {
	return &QueryProcessor{}
}

// ExpandQuery appends related terms for every known term the query contains.
func (p *QueryProcessor) ExpandQuery(query string) string {
	lower := strings.ToLower(query)
	var extra []string
	for _, e := range queryExpansions {
		if strings.Contains(lower, e.term) {
			extra = append(extra, e.terms...)
		}
	}
	if len(extra) == 0 {
		return query
	}
	return query + " " + strings.Join(extra, " ")
}

// ClassifyIntent returns the first matching topic, or "general".
func (p *QueryProcessor) ClassifyIntent(query string) string {
	lower := strings.ToLower(query)
	for _, rule := range intentRules {
		for _, w := range rule.words {
			if strings.Contains(lower, w) {
				return rule.intent
			}
		}
	}
	return "general"
}
