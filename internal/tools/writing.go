package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"schoolbot/server/internal/interfaces"
	"schoolbot/server/internal/prompts"
)

const writingTemperature = 0.3

var blankLines = regexp.MustCompile(`\n{3,}`)

// WritingTool generates school documents and rewrites text.
type WritingTool struct {
	templates *prompts.TemplateEngine
	model     interfaces.ChatModel
	now       func() time.Time
}

// NewWritingTool creates the writing tool; model may be nil, which disables
// the summarize and translate actions.
func NewWritingTool(templates *prompts.TemplateEngine, model interfaces.ChatModel) *WritingTool {
	return &WritingTool{templates: templates, model: model, now: time.Now}
}

func (t *WritingTool) Name() string { return NameWriting }

func (t *WritingTool) Description() string { return "Generar documentos, reportes y comunicados" }

func (t *WritingTool) Actions() []string { return []string{"generate", "format", "summarize", "translate"} }

func (t *WritingTool) DefaultAction() string { return "summarize" }

// Execute dispatches generate, format, summarize and translate.
func (t *WritingTool) Execute(ctx context.Context, action string, params map[string]any) Result {
	switch action {
	case "generate":
		return t.generate(params)
	case "format":
		return t.format(params)
	case "summarize":
		return t.summarize(ctx, params)
	case "translate":
		return t.translate(ctx, params)
	default:
		return unsupported(action, "WritingTool")
	}
}

func (t *WritingTool) generate(params map[string]any) Result {
	docType := stringParam(params, "document_type", "")
	tmpl, err := t.templates.GetTemplate(docType)
	if err != nil || len(tmpl.Required) == 0 {
		return fail("Tipo de documento '%s' no soportado", docType)
	}

	vars := prompts.Vars{}
	for k, v := range mapParam(params, "content") {
		vars[k] = fieldValue(v)
	}
	if missing := prompts.MissingFields(tmpl, vars); len(missing) > 0 {
		return fail("Campos requeridos faltantes: %s", strings.Join(missing, ", "))
	}
	if _, set := vars["fecha"]; !set {
		vars["fecha"] = t.now().Format("02/01/2006")
	}

	doc, err := t.templates.RenderDocument(docType, vars)
	if err != nil {
		return fail("%s", err.Error())
	}

	provided := make([]string, 0, len(vars))
	for k := range vars {
		provided = append(provided, k)
	}
	return ok(doc, map[string]any{
		"document_type":   docType,
		"template_used":   docType,
		"fields_provided": provided,
	})
}

// fieldValue renders list values one per line.
func fieldValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []string:
		return strings.Join(val, "\n")
	case []any:
		lines := make([]string, len(val))
		for i, item := range val {
			lines[i] = fmt.Sprint(item)
		}
		return strings.Join(lines, "\n")
	default:
		return fmt.Sprint(val)
	}
}

func (t *WritingTool) format(params map[string]any) Result {
	text := stringParam(params, "text", "")
	formatType := stringParam(params, "format_type", "standard")

	var out string
	switch formatType {
	case "academic", "formal":
		out = tidyParagraphs(text)
	case "bullet_points":
		out = bulletPoints(text)
	default:
		out = text
	}
	return ok(out, map[string]any{"format_type": formatType})
}

// tidyParagraphs trims each line and collapses runs of blank lines.
func tidyParagraphs(text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.TrimSpace(blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}

func bulletPoints(text string) string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, "• "+line)
		}
	}
	return strings.Join(out, "\n")
}

func (t *WritingTool) summarize(ctx context.Context, params map[string]any) Result {
	text := stringParam(params, "text", "")
	maxLength := intParam(params, "max_length", 200)

	summary, err := t.complete(ctx, prompts.Summarize, prompts.Vars{
		"text":       text,
		"max_length": fmt.Sprint(maxLength),
	})
	if err != nil {
		return fail("%s", err.Error())
	}
	return ok(summary, map[string]any{
		"original_length": len([]rune(text)),
		"summary_length":  len([]rune(summary)),
		"max_length":      maxLength,
	})
}

func (t *WritingTool) translate(ctx context.Context, params map[string]any) Result {
	text := stringParam(params, "text", "")
	target := stringParam(params, "target_language", "español")

	translation, err := t.complete(ctx, prompts.Translate, prompts.Vars{
		"text":            text,
		"target_language": target,
	})
	if err != nil {
		return fail("%s", err.Error())
	}
	return ok(translation, map[string]any{
		"target_language": target,
		"original_text":   text,
	})
}

func (t *WritingTool) complete(ctx context.Context, template string, vars prompts.Vars) (string, error) {
	if t.model == nil {
		return "", fmt.Errorf("LLM no inicializado")
	}
	prompt, err := t.templates.Render(template, vars)
	if err != nil {
		return "", err
	}
	req := interfaces.Prompt("", prompt)
	req.Temperature = writingTemperature
	return t.model.Complete(ctx, req)
}
