package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"schoolbot/server/internal/apperrors"
	"schoolbot/server/internal/config"
	"schoolbot/server/internal/interfaces"
	"schoolbot/server/internal/memory"
	"schoolbot/server/internal/models"
	"schoolbot/server/internal/workers"
)

// ErrTooManySessions is returned when the session limit is reached even after
// idle sessions were cleaned up.
var ErrTooManySessions = apperrors.NewUnavailable("too many active sessions")

// Mode controls what happens to plans created for a request.
type Mode string

const (
	// ModeAutomatic executes plans inline.
	ModeAutomatic Mode = "automatic"
	// ModeManual returns plans for later execution.
	ModeManual Mode = "manual"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeAutomatic || m == ModeManual
}

// SystemMetrics are the orchestrator's counters.
type SystemMetrics struct {
	TotalSessions       int64   `json:"total_sessions"`
	ActiveSessions      int     `json:"active_sessions"`
	TotalRequests       int64   `json:"total_requests"`
	SuccessfulRequests  int64   `json:"successful_requests"`
	FailedRequests      int64   `json:"failed_requests"`
	AverageResponseTime float64 `json:"average_response_time"`
	Uptime              float64 `json:"uptime"`
}

// Orchestrator owns sessions and routes their requests to the agent.
type Orchestrator struct {
	agent    *Agent
	sessions SessionStore
	jobs     *workers.JobQueue
	events   interfaces.EventSink
	cfg      config.SessionsConfig

	mode  atomic.String
	locks sync.Map // session ID -> *sync.Mutex

	totalSessions atomic.Int64
	totalRequests atomic.Int64
	successful    atomic.Int64
	failed        atomic.Int64
	avgMu         sync.Mutex
	avgTime       float64

	startedAt time.Time
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	logger *zap.Logger
	now    func() time.Time
}

// NewOrchestrator creates an orchestrator; jobs may be nil when asynchronous
// plan execution is not needed.
func NewOrchestrator(agent *Agent, sessions SessionStore, jobs *workers.JobQueue, events interfaces.EventSink,
	cfg config.SessionsConfig, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = interfaces.NopSink{}
	}
	if sessions == nil {
		sessions = NewMemorySessionStore()
	}
	o := &Orchestrator{
		agent:     agent,
		sessions:  sessions,
		jobs:      jobs,
		events:    events,
		cfg:       cfg,
		startedAt: time.Now(),
		stop:      make(chan struct{}),
		logger:    logger.Named("orchestrator"),
		now:       time.Now,
	}
	mode := Mode(cfg.OrchestrationMode)
	if !mode.Valid() {
		mode = ModeAutomatic
	}
	o.mode.Store(string(mode))
	return o
}

// Mode returns the current orchestration mode.
func (o *Orchestrator) Mode() Mode {
	return Mode(o.mode.Load())
}

// SetMode switches between automatic and manual plan execution.
func (o *Orchestrator) SetMode(m Mode) error {
	if !m.Valid() {
		return apperrors.NewValidation("unknown orchestration mode: " + string(m))
	}
	o.mode.Store(string(m))
	o.logger.Info("orchestration mode changed", zap.String("mode", string(m)))
	return nil
}

// lockSession serialises work on one session and returns a fresh copy of it.
// Lock entries only exist for stored sessions.
func (o *Orchestrator) lockSession(ctx context.Context, sessionID string) (*models.Session, func(), error) {
	if _, err := o.sessions.Get(ctx, sessionID); err != nil {
		return nil, nil, err
	}
	v, _ := o.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()

	session, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		mu.Unlock()
		o.locks.Delete(sessionID)
		return nil, nil, err
	}
	return session, mu.Unlock, nil
}

// CreateSession opens a session for a user.
func (o *Orchestrator) CreateSession(ctx context.Context, userID, userType string, initial map[string]any) (*models.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperrors.NewValidation("user_id is required")
	}
	if userType == "" {
		userType = models.UserEstudiante
	}

	if o.cfg.MaxSessions > 0 {
		n, err := o.sessions.Count(ctx)
		if err != nil {
			return nil, err
		}
		if n >= o.cfg.MaxSessions {
			if _, err := o.CleanupSessions(ctx, o.cfg.SessionTimeout); err != nil {
				return nil, err
			}
			if n, err = o.sessions.Count(ctx); err != nil {
				return nil, err
			}
			if n >= o.cfg.MaxSessions {
				return nil, ErrTooManySessions
			}
		}
	}

	now := o.now()
	session := &models.Session{
		SessionID:           uuid.NewString(),
		UserID:              userID,
		UserType:            userType,
		CreatedAt:           now,
		LastActivity:        now,
		Context:             make(map[string]any),
		ActiveTasks:         []string{},
		ConversationHistory: []models.ConversationEntry{},
	}
	for k, v := range initial {
		session.Context[k] = v
	}
	if err := o.sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	o.totalSessions.Inc()

	o.logger.Info("session created",
		zap.String("session_id", session.SessionID),
		zap.String("user_id", userID),
		zap.String("user_type", userType))
	o.events.Publish(interfaces.Event{
		Type:      interfaces.EventSessionCreated,
		SessionID: session.SessionID,
		Data:      map[string]any{"user_type": userType, "active_sessions": o.activeSessions(ctx)},
		Timestamp: now,
	})
	return session, nil
}

func (o *Orchestrator) userContext(s *models.Session) UserContext {
	username, _ := s.Context["username"].(string)
	if username == "" {
		username = s.UserID
	}
	return UserContext{
		UserID:              s.UserID,
		Username:            username,
		UserType:            s.UserType,
		SessionID:           s.SessionID,
		ConversationHistory: s.ConversationHistory,
		ActiveTasks:         s.ActiveTasks,
	}
}

// ProcessRequest answers a request within a session. Requests on one session
// are serialised.
func (o *Orchestrator) ProcessRequest(ctx context.Context, sessionID, request string) (*Response, error) {
	if strings.TrimSpace(request) == "" {
		return nil, apperrors.NewValidation("request is empty")
	}

	session, unlock, err := o.lockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	start := o.now()
	o.totalRequests.Inc()

	resp := o.agent.ProcessRequest(ctx, Request{
		Text:         request,
		User:         o.userContext(session),
		ExecutePlans: o.Mode() == ModeAutomatic,
	})

	entry := models.ConversationEntry{
		Timestamp: o.now(),
		Request:   request,
		Response:  resp.Response,
		Analysis:  resp.Analysis,
	}
	if resp.Plan != nil {
		entry.PlanID = resp.Plan.ID
		if resp.PlanPending && len(resp.Plan.Steps) > 0 {
			session.AddTask(resp.Plan.ID)
		}
	}
	session.LastActivity = o.now()
	if err := o.sessions.Update(ctx, session); err != nil {
		o.logger.Error("failed to update session", zap.String("session_id", sessionID), zap.Error(err))
	}
	if err := o.sessions.AppendHistory(ctx, sessionID, entry, o.cfg.MaxConversationHistory); err != nil {
		o.logger.Error("failed to append history", zap.String("session_id", sessionID), zap.Error(err))
	}

	elapsed := o.now().Sub(start)
	if resp.Success {
		o.successful.Inc()
	} else {
		o.failed.Inc()
	}
	o.recordResponseTime(elapsed)

	status := "success"
	if !resp.Success {
		status = "error"
	}
	o.events.Publish(interfaces.Event{
		Type:      interfaces.EventRequestCompleted,
		SessionID: sessionID,
		Data: map[string]any{
			"user_type":       session.UserType,
			"status":          status,
			"processing_time": elapsed.Seconds(),
		},
		Timestamp: o.now(),
	})
	return resp, nil
}

func (o *Orchestrator) recordResponseTime(elapsed time.Duration) {
	total := o.successful.Load() + o.failed.Load()
	if total == 0 {
		return
	}
	o.avgMu.Lock()
	o.avgTime = (o.avgTime*float64(total-1) + elapsed.Seconds()) / float64(total)
	o.avgMu.Unlock()
}

// ExecutePlan runs one of the session's pending plans and clears it from the
// session's active tasks. With a job queue the run takes a worker slot and the
// call waits for it.
func (o *Orchestrator) ExecutePlan(ctx context.Context, sessionID, planID string) (*PlanOutcome, error) {
	if err := o.checkPlan(ctx, sessionID, planID); err != nil {
		return nil, err
	}
	if o.jobs == nil {
		return o.executePlan(ctx, sessionID, planID)
	}

	var outcome *PlanOutcome
	var runErr error
	res, err := o.jobs.EnqueueWithWait(ctx, "plan", func(jobCtx context.Context) (any, error) {
		outcome, runErr = o.executePlan(jobCtx, sessionID, planID)
		return outcome, runErr
	})
	if err != nil {
		return nil, queueError(err)
	}
	if res.Status == workers.JobFailed {
		if runErr != nil {
			return nil, runErr
		}
		return nil, apperrors.NewInternal(res.Error)
	}
	return outcome, nil
}

func queueError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewTimeout("plan execution").WithCause(err)
	}
	return apperrors.NewUnavailable(err.Error()).WithCause(err)
}

// checkPlan fails unless planID is one of the session's active tasks.
func (o *Orchestrator) checkPlan(ctx context.Context, sessionID, planID string) error {
	session, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !session.HasTask(planID) {
		return planNotFound(planID)
	}
	return nil
}

func planNotFound(planID string) error {
	return apperrors.NewNotFound("plan").WithDetails(map[string]any{"plan_id": planID})
}

func (o *Orchestrator) executePlan(ctx context.Context, sessionID, planID string) (*PlanOutcome, error) {
	session, unlock, err := o.lockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// The task may have been executed or cancelled while waiting for the lock.
	if !session.HasTask(planID) {
		return nil, planNotFound(planID)
	}

	outcome, err := o.agent.ExecutePlan(ctx, planID, o.userContext(session))
	if err != nil {
		return nil, err
	}

	session.RemoveTask(planID)
	session.LastActivity = o.now()
	if err := o.sessions.Update(ctx, session); err != nil {
		o.logger.Error("failed to update session", zap.String("session_id", sessionID), zap.Error(err))
	}
	entry := models.ConversationEntry{
		Timestamp: o.now(),
		Request:   outcome.Plan.Description,
		Response:  outcome.Response,
		PlanID:    planID,
	}
	if err := o.sessions.AppendHistory(ctx, sessionID, entry, o.cfg.MaxConversationHistory); err != nil {
		o.logger.Error("failed to append history", zap.String("session_id", sessionID), zap.Error(err))
	}
	return outcome, nil
}

// ExecutePlanAsync queues plan execution and returns the job ID.
func (o *Orchestrator) ExecutePlanAsync(ctx context.Context, sessionID, planID string) (string, error) {
	if o.jobs == nil {
		return "", apperrors.NewUnavailable("job queue not configured")
	}
	if err := o.checkPlan(ctx, sessionID, planID); err != nil {
		return "", err
	}

	id, err := o.jobs.Enqueue("plan", func(jobCtx context.Context) (any, error) {
		return o.executePlan(jobCtx, sessionID, planID)
	})
	if err != nil {
		return "", apperrors.NewUnavailable(err.Error()).WithCause(err)
	}
	return id, nil
}

// PendingPlans returns the session's plans that are waiting for execution.
func (o *Orchestrator) PendingPlans(ctx context.Context, sessionID string) ([]*models.Plan, error) {
	session, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	plans := []*models.Plan{}
	for _, p := range o.agent.PendingPlans() {
		if session.HasTask(p.ID) {
			plans = append(plans, p)
		}
	}
	return plans, nil
}

// CancelPlan cancels one of the session's pending plans.
func (o *Orchestrator) CancelPlan(ctx context.Context, sessionID, planID string) error {
	session, unlock, err := o.lockSession(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	if !session.HasTask(planID) {
		return planNotFound(planID)
	}
	if err := o.agent.CancelPlan(planID); err != nil {
		return err
	}
	session.RemoveTask(planID)
	session.LastActivity = o.now()
	if err := o.sessions.Update(ctx, session); err != nil {
		return err
	}
	o.logger.Info("plan cancelled", zap.String("session_id", sessionID), zap.String("plan_id", planID))
	return nil
}

// SessionStatus describes one session.
func (o *Orchestrator) SessionStatus(ctx context.Context, sessionID string) (map[string]any, error) {
	s, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session_id":         s.SessionID,
		"user_id":            s.UserID,
		"user_type":          s.UserType,
		"created_at":         s.CreatedAt,
		"last_activity":      s.LastActivity,
		"active_tasks":       s.ActiveTasks,
		"conversation_count": len(s.ConversationHistory),
		"context":            s.Context,
	}, nil
}

// Session returns a copy of a session.
func (o *Orchestrator) Session(ctx context.Context, sessionID string) (*models.Session, error) {
	return o.sessions.Get(ctx, sessionID)
}

func (o *Orchestrator) activeSessions(ctx context.Context) int {
	n, err := o.sessions.Count(ctx)
	if err != nil {
		return 0
	}
	return n
}

// Metrics returns a snapshot of the orchestrator's counters.
func (o *Orchestrator) Metrics(ctx context.Context) SystemMetrics {
	o.avgMu.Lock()
	avg := o.avgTime
	o.avgMu.Unlock()
	return SystemMetrics{
		TotalSessions:       o.totalSessions.Load(),
		ActiveSessions:      o.activeSessions(ctx),
		TotalRequests:       o.totalRequests.Load(),
		SuccessfulRequests:  o.successful.Load(),
		FailedRequests:      o.failed.Load(),
		AverageResponseTime: avg,
		Uptime:              o.now().Sub(o.startedAt).Seconds(),
	}
}

// AgentStatus combines agent and orchestrator state.
func (o *Orchestrator) AgentStatus(ctx context.Context) map[string]any {
	m := o.Metrics(ctx)
	status := map[string]any{
		"agent_status":       o.agent.Status(),
		"system_metrics":     m,
		"active_sessions":    m.ActiveSessions,
		"orchestration_mode": string(o.Mode()),
		"uptime":             m.Uptime,
	}
	if o.jobs != nil {
		status["job_queue"] = map[string]any{
			"queued":  o.jobs.Size(),
			"running": o.jobs.Running(),
			"workers": o.jobs.Workers(),
		}
	}
	return status
}

// LearnFromFeedback forwards feedback to the agent with the session's context.
func (o *Orchestrator) LearnFromFeedback(ctx context.Context, sessionID string, fb memory.Feedback) error {
	s, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(fb.Content) == "" && len(fb.Data) == 0 {
		return apperrors.NewValidation("feedback is empty")
	}

	data := make(map[string]any, len(fb.Data)+1)
	for k, v := range fb.Data {
		data[k] = v
	}
	data["session_context"] = map[string]any{
		"user_type":          s.UserType,
		"session_duration":   o.now().Sub(s.CreatedAt).Seconds(),
		"conversation_count": len(s.ConversationHistory),
	}
	fb.SessionID = sessionID
	fb.Data = data
	o.agent.LearnFromFeedback(ctx, fb)
	return nil
}

// CleanupSessions removes sessions idle for longer than maxAge and returns
// how many were removed.
func (o *Orchestrator) CleanupSessions(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	sessions, err := o.sessions.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := o.now().Add(-maxAge)
	removed := 0
	for _, s := range sessions {
		if !s.LastActivity.Before(cutoff) {
			continue
		}
		if err := o.sessions.Delete(ctx, s.SessionID); err != nil {
			o.logger.Warn("failed to delete session", zap.String("session_id", s.SessionID), zap.Error(err))
			continue
		}
		o.locks.Delete(s.SessionID)
		removed++
	}
	if removed > 0 {
		o.logger.Info("sessions cleaned up", zap.Int("removed", removed))
	}
	return removed, nil
}

// StartCleanup removes idle sessions every cleanup interval until Shutdown.
func (o *Orchestrator) StartCleanup(ctx context.Context) {
	interval := o.cfg.CleanupInterval
	if interval <= 0 {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.stop:
				return
			case <-ticker.C:
				if _, err := o.CleanupSessions(ctx, o.cfg.SessionTimeout); err != nil {
					o.logger.Error("session cleanup failed", zap.Error(err))
				}
			}
		}
	}()
}

// Shutdown stops background work and persists memory.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stopOnce.Do(func() { close(o.stop) })
	o.wg.Wait()
	if o.jobs != nil {
		o.jobs.Stop()
	}
	return o.agent.Shutdown(ctx)
}
