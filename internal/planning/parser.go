package planning

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"schoolbot/server/internal/models"
)

const (
	defaultStepDuration = 10
	defaultStepPriority = 3
	minStepDuration     = 1
	maxStepDuration     = 300
	shortStepDuration   = 5
	longStepDuration    = 60
	defaultTool         = "query"
)

// ParsePlanResponse reads "Paso N: description" blocks followed by
// "- Attribute: value" lines. Attributes that fail to parse keep their defaults.
func ParsePlanResponse(text string) []*models.PlanStep {
	var steps []*models.PlanStep
	var current *models.PlanStep

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(raw), "*#"))
		line = strings.ReplaceAll(line, "**", "")

		switch {
		case strings.HasPrefix(line, "Paso"):
			description := line
			if _, after, found := strings.Cut(line, ":"); found {
				description = strings.TrimSpace(after)
			}
			current = &models.PlanStep{
				ID:                fmt.Sprintf("step_%d", len(steps)+1),
				Description:       description,
				Parameters:        map[string]any{},
				Dependencies:      []string{},
				EstimatedDuration: defaultStepDuration,
				Priority:          defaultStepPriority,
				Status:            models.StepPending,
			}
			steps = append(steps, current)
		case current != nil && strings.HasPrefix(line, "-"):
			key, value, found := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, "-")), ":")
			if found {
				applyAttribute(current, strings.TrimSpace(key), strings.TrimSpace(value))
			}
		}
	}
	return steps
}

func applyAttribute(step *models.PlanStep, key, value string) {
	switch strings.ToLower(key) {
	case "herramienta":
		step.Tool = strings.ToLower(trimBrackets(value))
	case "acción", "accion":
		step.Action = trimBrackets(value)
	case "parámetros", "parametros":
		params := map[string]any{}
		if err := json.Unmarshal([]byte(value), &params); err == nil && params != nil {
			step.Parameters = params
		}
	case "dependencias":
		step.Dependencies = []string{}
		for _, d := range strings.Split(trimBrackets(value), ",") {
			if d = strings.TrimSpace(d); d != "" {
				step.Dependencies = append(step.Dependencies, d)
			}
		}
	case "duración", "duracion":
		if n, err := strconv.Atoi(trimBrackets(value)); err == nil {
			step.EstimatedDuration = n
		}
	case "prioridad":
		if n, err := strconv.Atoi(trimBrackets(value)); err == nil {
			step.Priority = n
		}
	}
}

func trimBrackets(s string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "[]`\"'"))
}

// ValidateSteps points unknown tools at the first available one, clamps
// durations and truncates to maxSteps.
func ValidateSteps(steps []*models.PlanStep, available []string, maxSteps int) []*models.PlanStep {
	for _, s := range steps {
		if len(available) > 0 && !contains(available, s.Tool) {
			s.Tool = available[0]
		}
		if s.Parameters == nil {
			s.Parameters = map[string]any{}
		}
		if s.EstimatedDuration < minStepDuration {
			s.EstimatedDuration = shortStepDuration
		} else if s.EstimatedDuration > maxStepDuration {
			s.EstimatedDuration = longStepDuration
		}
	}
	if maxSteps > 0 && len(steps) > maxSteps {
		steps = steps[:maxSteps]
	}
	return steps
}

// FallbackSteps builds one step per tool in order.
func FallbackSteps(tools []string) []*models.PlanStep {
	if len(tools) == 0 {
		tools = []string{defaultTool}
	}
	steps := make([]*models.PlanStep, len(tools))
	for i, tool := range tools {
		steps[i] = &models.PlanStep{
			ID:                fmt.Sprintf("fallback_step_%d", i+1),
			Description:       "Ejecutar " + tool,
			Tool:              tool,
			Action:            "execute",
			Parameters:        map[string]any{},
			Dependencies:      []string{},
			EstimatedDuration: defaultStepDuration,
			Priority:          defaultStepPriority,
			Status:            models.StepPending,
		}
	}
	return steps
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
