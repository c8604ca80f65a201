package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Tool names
const (
	NameQuery     = "query"
	NameWriting   = "writing"
	NameReasoning = "reasoning"
)

// Result is the uniform outcome of a tool call.
type Result struct {
	Success  bool           `json:"success"`
	Output   any            `json:"output"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func ok(output any, metadata map[string]any) Result {
	return Result{Success: true, Output: output, Metadata: metadata}
}

func fail(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

func unsupported(action, tool string) Result {
	return fail("Acción '%s' no soportada por %s", action, tool)
}

// Tool is a capability the agent can invoke by name.
type Tool interface {
	Name() string
	Description() string
	Actions() []string
	// DefaultAction runs when a plan step names no concrete action.
	DefaultAction() string
	Execute(ctx context.Context, action string, params map[string]any) Result
}

// Registry holds tools keyed by name.
type Registry struct {
	tools  map[string]Tool
	order  []string
	logger *zap.Logger
}

// NewRegistry creates a registry with the given tools.
func NewRegistry(logger *zap.Logger, tools ...Tool) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{tools: make(map[string]Tool), logger: logger.Named("tools")}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names lists tools in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Description returns a tool's description, or a placeholder for unknown tools.
func (r *Registry) Description(name string) string {
	if t, ok := r.tools[name]; ok {
		return t.Description()
	}
	return "Herramienta desconocida"
}

// Execute runs action on the named tool. Empty or "execute" actions resolve
// to the tool's default action.
func (r *Registry) Execute(ctx context.Context, name, action string, params map[string]any) Result {
	t, found := r.tools[name]
	if !found {
		return fail("Herramienta %s no disponible", name)
	}
	if action == "" || action == "execute" {
		action = t.DefaultAction()
	}
	if params == nil {
		params = map[string]any{}
	}

	res := t.Execute(ctx, action, params)
	if res.Success {
		r.logger.Info("tool executed", zap.String("tool", name), zap.String("action", action))
	} else {
		r.logger.Error("tool failed", zap.String("tool", name), zap.String("action", action), zap.String("error", res.Error))
	}
	return res
}

func stringParam(params map[string]any, key, def string) string {
	switch v := params[key].(type) {
	case string:
		if v != "" {
			return v
		}
	case nil:
	default:
		return fmt.Sprint(v)
	}
	return def
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func floatParam(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func boolParam(params map[string]any, key string, def bool) bool {
	switch v := params[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// stringsParam accepts []string, []any or a single string.
func stringsParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

func mapParam(params map[string]any, key string) map[string]any {
	switch v := params[key].(type) {
	case map[string]any:
		return v
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, s := range v {
			out[k] = s
		}
		return out
	}
	return nil
}
