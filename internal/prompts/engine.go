package prompts

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var varRegex = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Vars are template variable values keyed by name.
type Vars map[string]string

// Template is a prompt or document template with {{variable}} placeholders.
type Template struct {
	Name        string   `json:"name"`
	Content     string   `json:"content"`
	Variables   []string `json:"variables"`
	Required    []string `json:"required,omitempty"`
	Description string   `json:"description"`
}

// TemplateEngine manages prompt templates
type TemplateEngine struct {
	templates map[string]*Template
	mu        sync.RWMutex
}

// NewTemplateEngine creates an engine preloaded with the default templates.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	for _, tmpl := range defaultTemplates() {
		e.RegisterTemplate(tmpl)
	}
	return e
}

// RegisterTemplate registers or replaces a template. Variables are derived
// from the content when not given.
func (e *TemplateEngine) RegisterTemplate(tmpl *Template) {
	if len(tmpl.Variables) == 0 {
		tmpl.Variables = ParseTemplateVariables(tmpl.Content)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[tmpl.Name] = tmpl
}

// GetTemplate retrieves a template by name
func (e *TemplateEngine) GetTemplate(name string) (*Template, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tmpl, ok := e.templates[name]
	if !ok {
		return nil, fmt.Errorf("template not found: %s", name)
	}
	return tmpl, nil
}

// Names lists registered template names in order.
func (e *TemplateEngine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.templates))
	for name := range e.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render fills the named template. Placeholders without a value are kept.
func (e *TemplateEngine) Render(name string, vars Vars) (string, error) {
	tmpl, err := e.GetTemplate(name)
	if err != nil {
		return "", err
	}
	return renderTemplate(tmpl.Content, vars, false), nil
}

// RenderDocument fills a document template after checking its required
// fields. Optional fields without a value render empty.
func (e *TemplateEngine) RenderDocument(name string, vars Vars) (string, error) {
	tmpl, err := e.GetTemplate(name)
	if err != nil {
		return "", err
	}
	if missing := MissingFields(tmpl, vars); len(missing) > 0 {
		return "", fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return renderTemplate(tmpl.Content, vars, true), nil
}

// MissingFields returns the required fields of tmpl absent from vars.
func MissingFields(tmpl *Template, vars Vars) []string {
	var missing []string
	for _, f := range tmpl.Required {
		if _, ok := vars[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}

func renderTemplate(content string, vars Vars, blankMissing bool) string {
	return varRegex.ReplaceAllStringFunc(content, func(match string) string {
		name := varRegex.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		if blankMissing {
			return ""
		}
		return match
	})
}

// ParseTemplateVariables extracts variables from a template in order of first use.
func ParseTemplateVariables(content string) []string {
	matches := varRegex.FindAllStringSubmatch(content, -1)

	seen := make(map[string]bool)
	vars := make([]string, 0, len(matches))
	for _, match := range matches {
		if len(match) > 1 && !seen[match[1]] {
			seen[match[1]] = true
			vars = append(vars, match[1])
		}
	}
	return vars
}
