package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"schoolbot/server/internal/apperrors"
	"schoolbot/server/internal/config"
	"schoolbot/server/internal/interfaces"
	"schoolbot/server/internal/memory"
	"schoolbot/server/internal/models"
	"schoolbot/server/internal/planning"
	"schoolbot/server/internal/prompts"
	"schoolbot/server/internal/rag"
	"schoolbot/server/internal/tools"
)

// ErrorReply is what the user sees when a request fails.
const ErrorReply = "Lo siento, ocurrió un error procesando tu solicitud."

const (
	pendingPlanReply  = "Plan creado con %d pasos. Ejecútalo para obtener la respuesta completa."
	answerTemperature = 0.1
	answerMaxTokens   = 400
)

// State is the agent's processing state.
type State int32

const (
	StateIdle State = iota
	StateThinking
	StatePlanning
	StateExecuting
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateThinking:
		return "thinking"
	case StatePlanning:
		return "planning"
	case StateExecuting:
		return "executing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// DocumentSearcher retrieves document chunks for the direct answer path.
type DocumentSearcher interface {
	Search(ctx context.Context, req rag.SearchRequest) ([]rag.SearchResult, error)
}

// UserContext describes who is asking.
type UserContext struct {
	UserID              string                     `json:"user_id"`
	Username            string                     `json:"username"`
	UserType            string                     `json:"user_type"`
	SessionID           string                     `json:"session_id"`
	ConversationHistory []models.ConversationEntry `json:"conversation_history"`
	ActiveTasks         []string                   `json:"active_tasks"`
}

func (u UserContext) memoryContext() map[string]any {
	return map[string]any{
		"user_type":  u.UserType,
		"user_id":    u.UserID,
		"session_id": u.SessionID,
	}
}

// Request is one user request handed to the agent.
type Request struct {
	Text string
	User UserContext
	// ExecutePlans runs a created plan inline; otherwise the plan is returned pending.
	ExecutePlans bool
}

// Response is the agent's answer.
type Response struct {
	Response       string             `json:"response"`
	Analysis       *models.Analysis   `json:"analysis,omitempty"`
	Plan           *models.Plan       `json:"plan,omitempty"`
	PlanPending    bool               `json:"plan_pending"`
	Sources        []rag.SearchResult `json:"sources,omitempty"`
	Success        bool               `json:"success"`
	Error          string             `json:"error,omitempty"`
	State          string             `json:"state"`
	ProcessingTime time.Duration      `json:"processing_time"`
}

// PlanOutcome is the synthesized result of executing a plan.
type PlanOutcome struct {
	Execution *planning.ExecutionResult `json:"execution"`
	Plan      *models.Plan              `json:"plan"`
	Response  string                    `json:"response"`
}

// Metrics are the agent's running counters.
type Metrics struct {
	TotalInteractions   int64   `json:"total_interactions"`
	SuccessfulTasks     int64   `json:"successful_tasks"`
	FailedTasks         int64   `json:"failed_tasks"`
	AverageResponseTime float64 `json:"average_response_time"`
	MemoryHitRate       float64 `json:"memory_hit_rate"`
}

// Dependencies wires an Agent.
type Dependencies struct {
	Model     interfaces.ChatModel
	Templates *prompts.TemplateEngine
	Searcher  DocumentSearcher
	Intents   IntentAnalyzer
	Memory    *memory.Manager
	Planner   *planning.Engine
	Tools     *tools.Registry
	Events    interfaces.EventSink
}

// Agent answers requests, planning multi-tool work when needed.
type Agent struct {
	// last is the state of the most recent transition of any request.
	last     atomic.Int32
	inFlight atomic.Int32

	model     interfaces.ChatModel
	templates *prompts.TemplateEngine
	searcher  DocumentSearcher
	analyzer  *Analyzer
	memory    *memory.Manager
	planner   *planning.Engine
	tools     *tools.Registry
	events    interfaces.EventSink
	cfg       *config.Config

	total      atomic.Int64
	successful atomic.Int64
	failed     atomic.Int64
	avgMu      sync.Mutex
	avgTime    float64

	logger *zap.Logger
	now    func() time.Time
}

// NewAgent creates an agent from its dependencies.
func NewAgent(deps Dependencies, cfg *config.Config, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Events == nil {
		deps.Events = interfaces.NopSink{}
	}
	if deps.Templates == nil {
		deps.Templates = prompts.NewTemplateEngine()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &Agent{
		model:     deps.Model,
		templates: deps.Templates,
		searcher:  deps.Searcher,
		analyzer:  NewAnalyzer(deps.Intents),
		memory:    deps.Memory,
		planner:   deps.Planner,
		tools:     deps.Tools,
		events:    deps.Events,
		cfg:       cfg,
		logger:    logger.Named("agent"),
		now:       time.Now,
	}
}

// State returns the state of the most recent transition.
func (a *Agent) State() State {
	return State(a.last.Load())
}

// requestState is the state machine of one request. Transitions are
// published with that request's own previous state.
type requestState struct {
	agent     *Agent
	sessionID string
	current   State
}

func (a *Agent) newRequestState(sessionID string) *requestState {
	return &requestState{agent: a, sessionID: sessionID, current: StateIdle}
}

func (r *requestState) set(s State) {
	prev := r.current
	if prev == s {
		return
	}
	r.current = s
	r.agent.last.Store(int32(s))
	r.agent.events.Publish(interfaces.Event{
		Type:      interfaces.EventStateChanged,
		SessionID: r.sessionID,
		Data:      map[string]any{"from": prev.String(), "to": s.String()},
		Timestamp: r.agent.now(),
	})
}

// ProcessRequest runs one request through analysis, optional planning and execution.
func (a *Agent) ProcessRequest(ctx context.Context, req Request) *Response {
	start := a.now()
	sessionID := req.User.SessionID
	a.inFlight.Inc()
	defer a.inFlight.Dec()

	st := a.newRequestState(sessionID)
	resp, err := a.process(ctx, req, st)
	elapsed := a.now().Sub(start)
	if err != nil {
		st.set(StateError)
		a.logger.Error("request failed", zap.String("session_id", sessionID), zap.Error(err))
		a.recordMetrics(false, elapsed)
		return &Response{
			Response:       ErrorReply,
			Error:          err.Error(),
			State:          StateError.String(),
			ProcessingTime: elapsed,
		}
	}

	a.recordMetrics(true, elapsed)
	st.set(StateIdle)
	resp.Success = true
	resp.State = StateIdle.String()
	resp.ProcessingTime = elapsed
	return resp
}

func (a *Agent) process(ctx context.Context, req Request, st *requestState) (*Response, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("request is empty")
	}

	st.set(StateThinking)
	analysis := a.analyzer.Analyze(ctx, req.Text)
	resp := &Response{Analysis: &analysis}

	var plan *models.Plan
	if analysis.RequiresPlanning {
		if a.planner == nil {
			return nil, fmt.Errorf("planner not configured")
		}
		st.set(StatePlanning)
	}
	if analysis.RequiresPlanning && a.choosePlan(analysis, req.User.UserType) {
		available := analysis.ToolsNeeded
		if len(available) == 0 {
			available = []string{tools.NameQuery}
		}
		created, err := a.planner.CreatePlan(ctx, req.Text, analysis, planning.DecisionContext{
			UserType:       req.User.UserType,
			TaskComplexity: analysis.Complexity,
			AvailableTools: available,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create plan: %w", err)
		}
		plan = created
	}

	st.set(StateExecuting)
	switch {
	case plan != nil && !req.ExecutePlans:
		resp.Plan = plan
		resp.PlanPending = true
		resp.Response = fmt.Sprintf(pendingPlanReply, len(plan.Steps))
	case plan != nil:
		outcome, err := a.runPlan(ctx, plan.ID, plan.Description, req.User)
		if err != nil {
			return nil, err
		}
		resp.Plan = outcome.Plan
		resp.Response = outcome.Response
	default:
		answer, sources, err := a.answerDirect(ctx, req.Text, req.User)
		if err != nil {
			return nil, err
		}
		resp.Response = answer
		resp.Sources = sources
	}

	if a.memory != nil {
		a.memory.StoreInteraction(ctx, memory.Interaction{
			Request:  req.Text,
			Response: resp.Response,
			Analysis: &analysis,
			Context:  req.User.memoryContext(),
		})
	}

	return resp, nil
}

const (
	choicePlan   = "plan"
	choiceDirect = "direct"
)

// choosePlan decides between a multi-step plan and a direct answer. The
// direct answer wins ties, so a plan needing an unregistered tool loses.
func (a *Agent) choosePlan(analysis models.Analysis, userType string) bool {
	needed := analysis.ToolsNeeded
	if len(needed) == 0 {
		needed = []string{tools.NameQuery}
	}
	var registered []string
	if a.tools != nil {
		registered = a.tools.Names()
	}
	decision := a.planner.MakeDecision(planning.DecisionContext{
		UserType:       userType,
		TaskComplexity: analysis.Complexity,
		AvailableTools: registered,
	}, []planning.Option{
		{ID: choiceDirect, Type: choiceDirect, Complexity: models.ComplexitySimple, RequiredTools: []string{tools.NameQuery}},
		{ID: choicePlan, Type: choicePlan, Complexity: models.ComplexityComplex, RequiredTools: needed},
	})
	return decision.Choice == choicePlan
}

// answerDirect retrieves documents and asks the model to answer from them.
func (a *Agent) answerDirect(ctx context.Context, question string, user UserContext) (string, []rag.SearchResult, error) {
	var results []rag.SearchResult
	if a.searcher != nil {
		found, err := a.searcher.Search(ctx, rag.SearchRequest{
			Query:        question,
			UserType:     user.UserType,
			TopK:         a.cfg.MaxResultsFor(user.UserType),
			UseReranking: a.cfg.Retriever.Rerank(),
		})
		if err != nil {
			return "", nil, fmt.Errorf("failed to search documents: %w", err)
		}
		results = found
	}
	if len(results) == 0 {
		return prompts.NoInformation, nil, nil
	}
	if a.model == nil {
		return "", nil, fmt.Errorf("LLM no inicializado")
	}

	system, err := a.templates.Render(prompts.SystemBase, nil)
	if err != nil {
		return "", nil, err
	}
	prompt, err := a.templates.Render(prompts.RAGSynthesis, prompts.Vars{
		"documents": prompts.FormatSources(sources(results)),
		"question":  question,
	})
	if err != nil {
		return "", nil, err
	}

	completion := interfaces.Prompt(system, prompt)
	completion.Temperature = answerTemperature
	completion.MaxTokens = answerMaxTokens
	answer, err := a.model.Complete(ctx, completion)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate answer: %w", err)
	}
	return strings.TrimSpace(answer), results, nil
}

func sources(results []rag.SearchResult) []prompts.Source {
	out := make([]prompts.Source, 0, len(results))
	for _, r := range results {
		out = append(out, prompts.Source{FileName: r.Metadata.FileName, Text: r.Text})
	}
	return out
}

// ExecutePlan runs a previously created plan and synthesizes its answer.
func (a *Agent) ExecutePlan(ctx context.Context, planID string, user UserContext) (*PlanOutcome, error) {
	if a.planner == nil {
		return nil, fmt.Errorf("planner not configured")
	}
	plan, ok := a.planner.GetPlan(planID)
	if !ok {
		return nil, planning.ErrPlanNotFound
	}
	outcome, err := a.runPlan(ctx, planID, plan.Description, user)
	if err != nil {
		return nil, err
	}
	if a.memory != nil {
		a.memory.StoreInteraction(ctx, memory.Interaction{
			Request:  plan.Description,
			Response: outcome.Response,
			Context:  user.memoryContext(),
		})
	}
	return outcome, nil
}

func (a *Agent) runPlan(ctx context.Context, planID, request string, user UserContext) (*PlanOutcome, error) {
	exec, err := a.planner.ExecutePlan(ctx, planID, a.stepExecutor(request, user))
	if err != nil {
		return nil, fmt.Errorf("failed to execute plan: %w", err)
	}

	texts := make([]string, 0, len(exec.Results))
	for _, r := range exec.Results {
		texts = append(texts, resultText(r))
	}
	answer := a.synthesize(ctx, texts, request)

	plan, _ := a.planner.GetPlan(planID)
	a.publishPlan(user.SessionID, plan, exec)
	return &PlanOutcome{Execution: exec, Plan: plan, Response: answer}, nil
}

// synthesize merges step outputs; without a working model the outputs are joined.
func (a *Agent) synthesize(ctx context.Context, results []string, request string) string {
	if a.tools != nil {
		res := a.tools.Execute(ctx, tools.NameReasoning, "synthesize", map[string]any{
			"results":          results,
			"original_request": request,
		})
		if text, ok := res.Output.(string); res.Success && ok {
			return strings.TrimSpace(text)
		}
	}
	return strings.Join(results, "\n")
}

func (a *Agent) publishPlan(sessionID string, plan *models.Plan, exec *planning.ExecutionResult) {
	if plan == nil {
		return
	}
	steps := make([]map[string]any, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		steps = append(steps, map[string]any{"tool": s.Tool, "status": string(s.Status)})
	}
	a.events.Publish(interfaces.Event{
		Type:      interfaces.EventPlanCompleted,
		SessionID: sessionID,
		Data: map[string]any{
			"plan_id":      plan.ID,
			"status":       string(exec.Status),
			"success_rate": exec.SuccessRate,
			"steps":        steps,
		},
		Timestamp: a.now(),
	})
}

// stepExecutor runs steps through the tool registry, filling parameters the
// plan left out from the request and the outputs of earlier steps.
func (a *Agent) stepExecutor(request string, user UserContext) planning.StepExecutor {
	var prior []string
	var lastSearch []rag.SearchResult

	return func(ctx context.Context, step *models.PlanStep) (any, error) {
		if a.tools == nil {
			return nil, fmt.Errorf("tools not configured")
		}
		params := stepParams(step, request, user, prior, lastSearch)

		res := a.tools.Execute(ctx, step.Tool, step.Action, params)
		if !res.Success {
			return nil, fmt.Errorf("%s", res.Error)
		}
		if found, ok := res.Output.([]rag.SearchResult); ok {
			lastSearch = found
		}
		prior = append(prior, resultText(res.Output))
		return res.Output, nil
	}
}

func stepParams(step *models.PlanStep, request string, user UserContext, prior []string, lastSearch []rag.SearchResult) map[string]any {
	params := make(map[string]any, len(step.Parameters)+4)
	for k, v := range step.Parameters {
		params[k] = v
	}
	setDefault := func(key string, value any) {
		if _, ok := params[key]; !ok {
			params[key] = value
		}
	}

	withPrior := request
	if len(prior) > 0 {
		withPrior = request + "\n\n" + strings.Join(prior, "\n\n")
	}

	switch step.Tool {
	case tools.NameQuery:
		setDefault("query", request)
		setDefault("topic", request)
		if lastSearch != nil {
			setDefault("results", lastSearch)
		}
		// The audience always comes from the session, never from the plan.
		params["user_type"] = user.UserType
	case tools.NameWriting:
		text := request
		if len(prior) > 0 {
			text = strings.Join(prior, "\n\n")
		}
		setDefault("text", text)
	case tools.NameReasoning:
		setDefault("information", withPrior)
		setDefault("situation", request)
		setDefault("original_request", request)
		setDefault("results", append([]string(nil), prior...))
	}
	return params
}

// resultText renders a tool output for prompts and synthesis.
func resultText(v any) string {
	switch out := v.(type) {
	case nil:
		return ""
	case string:
		return out
	case []string:
		return strings.Join(out, "\n")
	case []rag.SearchResult:
		return strings.TrimSpace(prompts.FormatSources(sources(out)))
	case []models.ScoredMemory:
		lines := make([]string, 0, len(out))
		for _, m := range out {
			lines = append(lines, m.Entry.Content)
		}
		return strings.Join(lines, "\n")
	default:
		data, err := json.Marshal(out)
		if err != nil {
			return fmt.Sprint(out)
		}
		return string(data)
	}
}

func (a *Agent) recordMetrics(success bool, elapsed time.Duration) {
	total := a.total.Inc()
	if success {
		a.successful.Inc()
	} else {
		a.failed.Inc()
	}

	a.avgMu.Lock()
	a.avgTime = (a.avgTime*float64(total-1) + elapsed.Seconds()) / float64(total)
	a.avgMu.Unlock()
}

// Metrics returns a snapshot of the counters.
func (a *Agent) Metrics() Metrics {
	a.avgMu.Lock()
	avg := a.avgTime
	a.avgMu.Unlock()

	m := Metrics{
		TotalInteractions:   a.total.Load(),
		SuccessfulTasks:     a.successful.Load(),
		FailedTasks:         a.failed.Load(),
		AverageResponseTime: avg,
	}
	if a.memory != nil {
		m.MemoryHitRate = a.memory.HitRate()
	}
	return m
}

// PendingPlans returns plans created but not yet executed, oldest first.
func (a *Agent) PendingPlans() []*models.Plan {
	if a.planner == nil {
		return nil
	}
	return a.planner.PlansByStatus(models.PlanCreated)
}

// CancelPlan cancels a plan that is not running.
func (a *Agent) CancelPlan(planID string) error {
	if a.planner == nil {
		return fmt.Errorf("planner not configured")
	}
	plan, ok := a.planner.GetPlan(planID)
	if !ok {
		return planning.ErrPlanNotFound
	}
	if plan.Status == models.PlanExecuting {
		return apperrors.NewConflict("plan is already executing")
	}
	a.planner.CancelPlan(planID)
	return nil
}

// Status reports state, counters and the status of each subsystem.
func (a *Agent) Status() map[string]any {
	status := map[string]any{
		"state":              a.State().String(),
		"requests_in_flight": int(a.inFlight.Load()),
		"metrics":            a.Metrics(),
	}
	if a.tools != nil {
		status["tools_available"] = a.tools.Names()
	}
	if a.memory != nil {
		status["memory_status"] = a.memory.Status()
		status["memory_summary"] = a.memory.Summary()
	}
	if a.planner != nil {
		status["planning_status"] = a.planner.Status()
	}
	return status
}

// LearnFromFeedback stores feedback and lets the planner adjust its strategies.
func (a *Agent) LearnFromFeedback(ctx context.Context, fb memory.Feedback) {
	if a.memory != nil {
		a.memory.StoreFeedback(ctx, fb)
	}
	if a.planner != nil && len(fb.Data) > 0 {
		a.planner.UpdateStrategies(fb.Data)
	}
	a.logger.Info("feedback processed", zap.String("session_id", fb.SessionID), zap.String("type", fb.Type))
}

// Shutdown persists memory.
func (a *Agent) Shutdown(ctx context.Context) error {
	if a.memory == nil {
		return nil
	}
	if err := a.memory.Save(ctx); err != nil {
		return fmt.Errorf("failed to save memory: %w", err)
	}
	return nil
}
