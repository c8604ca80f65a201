package planning

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"schoolbot/server/internal/apperrors"
	"schoolbot/server/internal/config"
	"schoolbot/server/internal/interfaces"
	"schoolbot/server/internal/models"
	"schoolbot/server/internal/prompts"
)

const planNamePreview = 50

// ErrPlanNotFound is returned for unknown plan IDs.
var ErrPlanNotFound = apperrors.NewNotFound("plan")

// ToolDescriber names the tools a plan may use.
type ToolDescriber interface {
	Description(name string) string
}

// StepExecutor runs one plan step and returns its output.
type StepExecutor func(ctx context.Context, step *models.PlanStep) (any, error)

// DecisionContext is what a plan or decision is made for.
type DecisionContext struct {
	UserType       string         `json:"user_type"`
	TaskComplexity string         `json:"task_complexity"`
	AvailableTools []string       `json:"available_tools"`
	PreferredTypes []string       `json:"preferred_types,omitempty"`
	Constraints    map[string]any `json:"constraints,omitempty"`
	MemoryContext  map[string]any `json:"memory_context,omitempty"`
}

// ExecutionResult summarises one plan run.
type ExecutionResult struct {
	PlanID      string            `json:"plan_id"`
	Status      models.PlanStatus `json:"status"`
	Results     []any             `json:"results"`
	SuccessRate float64           `json:"success_rate"`
	Duration    time.Duration     `json:"duration"`
}

// Strategy is a known tool pattern and how it has performed.
type Strategy struct {
	Pattern     []string `json:"pattern"`
	SuccessRate float64  `json:"success_rate"`
	AvgDuration float64  `json:"avg_duration"`
}

// Performance aggregates executed plans of one shape.
type Performance struct {
	TotalPlans      int     `json:"total_plans"`
	SuccessfulPlans int     `json:"successful_plans"`
	AvgDuration     float64 `json:"avg_duration"`
	AvgSuccessRate  float64 `json:"avg_success_rate"`
}

// Engine creates and executes plans.
type Engine struct {
	mu          sync.RWMutex
	plans       map[string]*models.Plan
	strategies  map[string]*Strategy
	performance map[string]*Performance
	history     []DecisionRecord

	model     interfaces.ChatModel
	templates *prompts.TemplateEngine
	tools     ToolDescriber
	cfg       config.PlanningConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine creates a planning engine. A nil model always yields fallback plans.
func NewEngine(model interfaces.ChatModel, templates *prompts.TemplateEngine, tools ToolDescriber,
	cfg config.PlanningConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		plans:       make(map[string]*models.Plan),
		strategies:  defaultStrategies(),
		performance: make(map[string]*Performance),
		model:       model,
		templates:   templates,
		tools:       tools,
		cfg:         cfg,
		logger:      logger.Named("planning"),
		now:         time.Now,
	}
}

func defaultStrategies() map[string]*Strategy {
	return map[string]*Strategy{
		"simple_query":        {Pattern: []string{"query"}, SuccessRate: 0.9, AvgDuration: 5},
		"complex_analysis":    {Pattern: []string{"query", "reasoning", "writing"}, SuccessRate: 0.8, AvgDuration: 30},
		"document_generation": {Pattern: []string{"query", "writing"}, SuccessRate: 0.85, AvgDuration: 20},
		"multi_step_research": {Pattern: []string{"query", "reasoning", "query", "writing"}, SuccessRate: 0.75, AvgDuration: 45},
	}
}

// CreatePlan asks the model for steps and stores the resulting plan. Any
// model or parse failure falls back to one step per needed tool.
func (e *Engine) CreatePlan(ctx context.Context, request string, analysis models.Analysis, dc DecisionContext) (*models.Plan, error) {
	if strings.TrimSpace(request) == "" {
		return nil, apperrors.NewValidation("request is empty")
	}

	available := analysis.ToolsNeeded
	if len(available) == 0 {
		available = []string{defaultTool}
	}

	steps := e.generateSteps(ctx, request, analysis, dc)
	if len(steps) == 0 {
		steps = FallbackSteps(analysis.ToolsNeeded)
	}
	steps = ValidateSteps(steps, available, e.cfg.MaxPlanSteps)

	total := 0
	for _, s := range steps {
		total += s.EstimatedDuration
	}

	plan := &models.Plan{
		ID:                     "plan_" + ulid.Make().String(),
		Name:                   "Plan para: " + preview(request, planNamePreview) + "...",
		Description:            request,
		Steps:                  steps,
		Status:                 models.PlanCreated,
		CreatedAt:              e.now(),
		TotalEstimatedDuration: total,
	}

	e.mu.Lock()
	e.plans[plan.ID] = plan
	snapshot := plan.Clone()
	e.mu.Unlock()

	e.logger.Info("plan created", zap.String("plan_id", plan.ID), zap.Int("steps", len(steps)))
	return snapshot, nil
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n])
	}
	return s
}

func (e *Engine) generateSteps(ctx context.Context, request string, analysis models.Analysis, dc DecisionContext) []*models.PlanStep {
	if e.model == nil {
		return nil
	}

	prompt, err := e.templates.Render(prompts.Planning, e.promptVars(request, analysis, dc))
	if err != nil {
		e.logger.Warn("failed to render planning prompt", zap.Error(err))
		return nil
	}

	if e.cfg.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.DefaultTimeout)
		defer cancel()
	}

	req := interfaces.Prompt("", prompt)
	req.Temperature = e.cfg.Temperature
	reply, err := e.model.Complete(ctx, req)
	if err != nil {
		e.logger.Warn("plan generation failed, using fallback plan", zap.Error(err))
		return nil
	}

	steps := ParsePlanResponse(reply)
	if len(steps) == 0 {
		e.logger.Warn("no steps in plan reply, using fallback plan")
	}
	return steps
}

func (e *Engine) promptVars(request string, analysis models.Analysis, dc DecisionContext) prompts.Vars {
	complexity := analysis.Complexity
	if complexity == "" {
		complexity = models.ComplexitySimple
	}
	intent := analysis.Intent
	if intent == "" {
		intent = "unknown"
	}

	info := make([]string, len(analysis.ToolsNeeded))
	for i, tool := range analysis.ToolsNeeded {
		desc := "Herramienta desconocida"
		if e.tools != nil {
			desc = e.tools.Description(tool)
		}
		info[i] = fmt.Sprintf("- %s: %s", tool, desc)
	}

	return prompts.Vars{
		"request":         request,
		"complexity":      complexity,
		"intent":          intent,
		"tools":           strings.Join(analysis.ToolsNeeded, ", "),
		"user_type":       dc.UserType,
		"task_complexity": dc.TaskComplexity,
		"tools_info":      strings.Join(info, "\n"),
	}
}

// ExecutePlan runs the plan's steps in order. A failed step records its error
// and execution continues with the next one.
func (e *Engine) ExecutePlan(ctx context.Context, planID string, exec StepExecutor) (*ExecutionResult, error) {
	e.mu.Lock()
	plan, ok := e.plans[planID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrPlanNotFound
	}
	switch plan.Status {
	case models.PlanExecuting:
		e.mu.Unlock()
		return nil, apperrors.NewConflict("plan is already executing")
	case models.PlanCancelled:
		e.mu.Unlock()
		return nil, apperrors.NewConflict("plan was cancelled")
	}
	plan.Status = models.PlanExecuting
	for _, s := range plan.Steps {
		s.Status = models.StepPending
		s.Result, s.Error = nil, ""
	}
	steps := plan.Steps
	e.mu.Unlock()

	start := e.now()
	results := make([]any, 0, len(steps))
	interrupted := false

	for _, step := range steps {
		e.setStep(step, models.StepExecuting, nil, "")

		var out any
		err := ctx.Err()
		if err == nil {
			out, err = exec(ctx, step)
		}
		if err != nil {
			interrupted = interrupted || ctx.Err() != nil
			e.setStep(step, models.StepFailed, nil, err.Error())
			e.logger.Error("plan step failed",
				zap.String("plan_id", planID), zap.String("step_id", step.ID), zap.Error(err))
			results = append(results, "Error: "+err.Error())
			continue
		}
		e.setStep(step, models.StepCompleted, out, "")
		results = append(results, out)
	}

	completed := e.now()

	e.mu.Lock()
	successful := 0
	for _, s := range plan.Steps {
		if s.Status == models.StepCompleted {
			successful++
		}
	}
	if len(plan.Steps) > 0 {
		plan.SuccessRate = float64(successful) / float64(len(plan.Steps))
	}
	plan.Status = models.PlanCompleted
	if interrupted {
		plan.Status = models.PlanFailed
	}
	plan.CompletedAt = &completed
	plan.ActualDuration = completed.Sub(start)
	e.updatePerformance(plan)
	result := &ExecutionResult{
		PlanID:      planID,
		Status:      plan.Status,
		Results:     results,
		SuccessRate: plan.SuccessRate,
		Duration:    plan.ActualDuration,
	}
	e.mu.Unlock()

	e.logger.Info("plan executed",
		zap.String("plan_id", planID),
		zap.Float64("success_rate", result.SuccessRate),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (e *Engine) setStep(step *models.PlanStep, status models.StepStatus, result any, errMsg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	step.Status = status
	step.Result = result
	step.Error = errMsg
}

// PlanType buckets plans by step count and tools.
func PlanType(plan *models.Plan) string {
	tools := make([]string, len(plan.Steps))
	for i, s := range plan.Steps {
		tools[i] = s.Tool
	}
	switch len(tools) {
	case 1:
		return "single_" + tools[0]
	case 2:
		sort.Strings(tools)
		return "dual_" + strings.Join(tools, "_")
	default:
		return "multi_tool"
	}
}

// updatePerformance folds plan into its running averages. Caller holds mu.
func (e *Engine) updatePerformance(plan *models.Plan) {
	key := PlanType(plan)
	p, ok := e.performance[key]
	if !ok {
		p = &Performance{}
		e.performance[key] = p
	}
	p.TotalPlans++
	if plan.SuccessRate > 0.8 {
		p.SuccessfulPlans++
	}
	n := float64(p.TotalPlans)
	p.AvgDuration = (p.AvgDuration*(n-1) + plan.ActualDuration.Seconds()) / n
	p.AvgSuccessRate = (p.AvgSuccessRate*(n-1) + plan.SuccessRate) / n
}

// UpdateStrategies blends feedback into a named strategy.
func (e *Engine) UpdateStrategies(feedback map[string]any) {
	name, _ := feedback["strategy_type"].(string)
	if name == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.strategies[name]
	if !ok {
		return
	}
	success := 0.0
	if v, _ := feedback["success"].(bool); v {
		success = 1
	}
	var duration float64
	switch d := feedback["duration"].(type) {
	case float64:
		duration = d
	case int:
		duration = float64(d)
	}
	s.SuccessRate = (s.SuccessRate + success) / 2
	s.AvgDuration = (s.AvgDuration + duration) / 2
	e.logger.Info("strategy updated", zap.String("strategy", name))
}

// GetPlan returns a copy of a plan.
func (e *Engine) GetPlan(planID string) (*models.Plan, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.plans[planID]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// PlansByStatus returns copies of plans in the given state, oldest first.
func (e *Engine) PlansByStatus(status models.PlanStatus) []*models.Plan {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []*models.Plan
	for _, p := range e.plans {
		if p.Status == status {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CancelPlan marks a plan cancelled. Plans already running are not interrupted.
func (e *Engine) CancelPlan(planID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.plans[planID]
	if !ok {
		return false
	}
	p.Status = models.PlanCancelled
	e.logger.Info("plan cancelled", zap.String("plan_id", planID))
	return true
}

// Status reports plan counts, performance and strategies.
func (e *Engine) Status() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()

	active, completed := 0, 0
	for _, p := range e.plans {
		switch p.Status {
		case models.PlanExecuting:
			active++
		case models.PlanCompleted:
			completed++
		}
	}

	perf := make(map[string]Performance, len(e.performance))
	for k, v := range e.performance {
		perf[k] = *v
	}
	strategies := make(map[string]Strategy, len(e.strategies))
	for k, v := range e.strategies {
		strategies[k] = *v
	}

	return map[string]any{
		"total_plans":            len(e.plans),
		"active_plans":           active,
		"completed_plans":        completed,
		"performance_metrics":    perf,
		"strategies":             strategies,
		"decision_history_count": len(e.history),
	}
}
