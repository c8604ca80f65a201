package models

// Complexity levels
const (
	ComplexitySimple  = "simple"
	ComplexityComplex = "complex"
)

// Analysis is the outcome of intent analysis for one request.
type Analysis struct {
	Intent           string   `json:"intent"`
	Complexity       string   `json:"complexity"`
	RequiresPlanning bool     `json:"requires_planning"`
	ToolsNeeded      []string `json:"tools_needed"`
	ResponseType     string   `json:"response_type"`
	Urgency          string   `json:"urgency"`
}

// IsComplex reports whether the request needs a plan.
func (a Analysis) IsComplex() bool {
	return a.Complexity == ComplexityComplex
}
