package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"schoolbot/server/internal/interfaces"
	"schoolbot/server/internal/models"
	"schoolbot/server/internal/prompts"
)

const reasoningTemperature = 0.2

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// ReasoningTool analyses information and recommends decisions through the LLM.
type ReasoningTool struct {
	templates *prompts.TemplateEngine
	model     interfaces.ChatModel
}

// NewReasoningTool creates the reasoning tool; a nil model fails every action.
func NewReasoningTool(templates *prompts.TemplateEngine, model interfaces.ChatModel) *ReasoningTool {
	return &ReasoningTool{templates: templates, model: model}
}

func (t *ReasoningTool) Name() string { return NameReasoning }

func (t *ReasoningTool) Description() string { return "Analizar información y tomar decisiones" }

func (t *ReasoningTool) Actions() []string {
	return []string{"analyze", "evaluate", "decide", "synthesize"}
}

func (t *ReasoningTool) DefaultAction() string { return "analyze" }

// Execute dispatches analyze, evaluate, decide and synthesize.
func (t *ReasoningTool) Execute(ctx context.Context, action string, params map[string]any) Result {
	switch action {
	case "analyze":
		information := stringParam(params, "information", "")
		analysisType := stringParam(params, "analysis_type", "general")
		return t.run(ctx, prompts.Analyze, prompts.Vars{
			"information":   information,
			"analysis_type": analysisType,
		}, map[string]any{
			"analysis_type":      analysisType,
			"information_length": len([]rune(information)),
		})
	case "evaluate":
		options, criteria := stringsParam(params, "options"), stringsParam(params, "criteria")
		return t.run(ctx, prompts.Evaluate, prompts.Vars{
			"options":  prompts.NumberedList(options),
			"criteria": prompts.DashList(criteria),
			"context":  stringParam(params, "context", ""),
		}, map[string]any{
			"options_count":  len(options),
			"criteria_count": len(criteria),
		})
	case "decide":
		situation := stringParam(params, "situation", "")
		options, constraints := stringsParam(params, "options"), stringsParam(params, "constraints")
		return t.run(ctx, prompts.Decide, prompts.Vars{
			"situation":   situation,
			"options":     prompts.NumberedList(options),
			"constraints": prompts.DashList(constraints),
		}, map[string]any{
			"situation":         situation,
			"options_count":     len(options),
			"constraints_count": len(constraints),
		})
	case "synthesize":
		results := stringsParam(params, "results")
		request := stringParam(params, "original_request", "")
		return t.run(ctx, prompts.Synthesize, prompts.Vars{
			"original_request": request,
			"results":          prompts.ResultsList(results),
		}, map[string]any{
			"results_count":    len(results),
			"original_request": request,
		})
	default:
		return unsupported(action, "ReasoningTool")
	}
}

func (t *ReasoningTool) run(ctx context.Context, template string, vars prompts.Vars, metadata map[string]any) Result {
	out, err := t.complete(ctx, template, vars)
	if err != nil {
		return fail("%s", err.Error())
	}
	return ok(out, metadata)
}

func (t *ReasoningTool) complete(ctx context.Context, template string, vars prompts.Vars) (string, error) {
	if t.model == nil {
		return "", fmt.Errorf("LLM no inicializado")
	}
	prompt, err := t.templates.Render(template, vars)
	if err != nil {
		return "", err
	}
	req := interfaces.Prompt("", prompt)
	req.Temperature = reasoningTemperature
	return t.model.Complete(ctx, req)
}

// Synthesize merges step results into one answer.
func (t *ReasoningTool) Synthesize(ctx context.Context, results []string, request string) (string, error) {
	return t.complete(ctx, prompts.Synthesize, prompts.Vars{
		"original_request": request,
		"results":          prompts.ResultsList(results),
	})
}

// FallbackIntent is used when the model is unavailable or its reply has no JSON object.
func FallbackIntent() models.Analysis {
	return models.Analysis{
		Intent:       "unknown",
		Complexity:   models.ComplexitySimple,
		ResponseType: "informativa",
		Urgency:      "media",
	}
}

// AnalyzeIntent asks the model to classify request and parses the first JSON
// object in the reply.
func (t *ReasoningTool) AnalyzeIntent(ctx context.Context, request string) models.Analysis {
	reply, err := t.complete(ctx, prompts.IntentAnalysis, prompts.Vars{"request": request})
	if err != nil {
		return FallbackIntent()
	}
	return ParseIntent(reply)
}

// ParseIntent extracts intent fields from a model reply.
func ParseIntent(reply string) models.Analysis {
	block := jsonObject.FindString(reply)
	if block == "" {
		return FallbackIntent()
	}

	var parsed struct {
		Intent       string `json:"intent"`
		Complexity   string `json:"complexity"`
		ResponseType string `json:"response_type"`
		Urgency      string `json:"urgency"`
	}
	if err := json.Unmarshal([]byte(block), &parsed); err != nil {
		return FallbackIntent()
	}

	out := FallbackIntent()
	if parsed.Intent != "" {
		out.Intent = parsed.Intent
	}
	if parsed.Complexity != "" {
		out.Complexity = parsed.Complexity
	}
	if parsed.ResponseType != "" {
		out.ResponseType = parsed.ResponseType
	}
	if parsed.Urgency != "" {
		out.Urgency = parsed.Urgency
	}
	return out
}
