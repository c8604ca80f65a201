package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolbot/server/internal/apperrors"
	"schoolbot/server/internal/config"
	"schoolbot/server/internal/interfaces"
	"schoolbot/server/internal/memory"
	"schoolbot/server/internal/models"
	"schoolbot/server/internal/workers"
)

func sessionsConfig() config.SessionsConfig {
	return config.SessionsConfig{
		MaxSessions:            100,
		SessionTimeout:         time.Hour,
		CleanupInterval:        time.Minute,
		MaxConversationHistory: 50,
	}
}

func newTestOrchestrator(t *testing.T, cfg config.SessionsConfig) (*Orchestrator, *testStack) {
	t.Helper()
	s := newTestStack(t)
	o := NewOrchestrator(s.agent, NewMemorySessionStore(), nil, s.sink, cfg, nil)
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })
	return o, s
}

func TestCreateSession(t *testing.T) {
	o, s := newTestOrchestrator(t, sessionsConfig())
	ctx := context.Background()

	session, err := o.CreateSession(ctx, "u1", "", map[string]any{"username": "ana"})
	require.NoError(t, err)

	_, err = uuid.Parse(session.SessionID)
	assert.NoError(t, err)
	assert.Equal(t, models.UserEstudiante, session.UserType)
	assert.Equal(t, "ana", session.Context["username"])
	assert.Empty(t, session.ActiveTasks)

	_, err = o.CreateSession(ctx, " ", models.UserApoderado, nil)
	assert.True(t, apperrors.IsValidation(err))

	created := s.sink.ofType(interfaces.EventSessionCreated)
	require.Len(t, created, 1)
	assert.Equal(t, session.SessionID, created[0].SessionID)
}

func TestCreateSessionLimitCleansUpIdleSessions(t *testing.T) {
	cfg := sessionsConfig()
	cfg.MaxSessions = 2
	o, _ := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	base := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return base }

	for i := 0; i < 2; i++ {
		_, err := o.CreateSession(ctx, fmt.Sprintf("u%d", i), models.UserEstudiante, nil)
		require.NoError(t, err)
	}

	_, err := o.CreateSession(ctx, "u2", models.UserEstudiante, nil)
	assert.ErrorIs(t, err, ErrTooManySessions)
	assert.True(t, apperrors.IsUnavailable(err))

	o.now = func() time.Time { return base.Add(2 * time.Hour) }
	_, err = o.CreateSession(ctx, "u2", models.UserEstudiante, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, o.Metrics(ctx).ActiveSessions)
}

func TestProcessRequestValidation(t *testing.T) {
	o, s := newTestOrchestrator(t, sessionsConfig())
	ctx := context.Background()

	_, err := o.ProcessRequest(ctx, "missing", "   ")
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, 0, s.model.calls())
	assert.Equal(t, 0, s.searcher.count)

	_, err = o.ProcessRequest(ctx, "missing", "¿Horario?")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestProcessRequestUpdatesSession(t *testing.T) {
	cfg := sessionsConfig()
	cfg.MaxConversationHistory = 3
	o, s := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	session, err := o.CreateSession(ctx, "u1", models.UserApoderado, nil)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		resp, err := o.ProcessRequest(ctx, session.SessionID, fmt.Sprintf("pregunta %d", i))
		require.NoError(t, err)
		assert.True(t, resp.Success)
	}

	got, err := o.Session(ctx, session.SessionID)
	require.NoError(t, err)
	require.Len(t, got.ConversationHistory, 3)
	assert.Equal(t, "pregunta 3", got.ConversationHistory[0].Request)
	assert.Equal(t, "pregunta 5", got.ConversationHistory[2].Request)
	assert.Equal(t, "Respuesta RAG", got.ConversationHistory[2].Response)
	assert.Equal(t, models.UserApoderado, s.searcher.last.UserType)

	m := o.Metrics(ctx)
	assert.Equal(t, int64(5), m.TotalRequests)
	assert.Equal(t, int64(5), m.SuccessfulRequests)
	assert.Equal(t, int64(1), m.TotalSessions)

	completed := s.sink.ofType(interfaces.EventRequestCompleted)
	require.Len(t, completed, 5)
	assert.Equal(t, "success", completed[0].Data["status"])
	assert.Equal(t, models.UserApoderado, completed[0].Data["user_type"])
}

func TestProcessRequestCountsFailures(t *testing.T) {
	o, s := newTestOrchestrator(t, sessionsConfig())
	ctx := context.Background()
	s.searcher.err = fmt.Errorf("vector store down")

	session, err := o.CreateSession(ctx, "u1", models.UserEstudiante, nil)
	require.NoError(t, err)

	resp, err := o.ProcessRequest(ctx, session.SessionID, "¿Cuándo hay reunión?")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, ErrorReply, resp.Response)

	m := o.Metrics(ctx)
	assert.Equal(t, int64(1), m.FailedRequests)
	completed := s.sink.ofType(interfaces.EventRequestCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "error", completed[0].Data["status"])
}

func TestConcurrentRequestsOnOneSession(t *testing.T) {
	o, _ := newTestOrchestrator(t, sessionsConfig())
	ctx := context.Background()

	session, err := o.CreateSession(ctx, "u1", models.UserEstudiante, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := o.ProcessRequest(ctx, session.SessionID, fmt.Sprintf("pregunta %d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := o.Session(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Len(t, got.ConversationHistory, 10)
}

func TestManualModeKeepsPlanUntilExecuted(t *testing.T) {
	o, _ := newTestOrchestrator(t, sessionsConfig())
	ctx := context.Background()

	require.NoError(t, o.SetMode(ModeManual))
	assert.Equal(t, ModeManual, o.Mode())
	assert.True(t, apperrors.IsValidation(o.SetMode("supervised")))

	session, err := o.CreateSession(ctx, "u1", models.UserProfesor, nil)
	require.NoError(t, err)

	resp, err := o.ProcessRequest(ctx, session.SessionID, "Buscar el reglamento y generar un reporte")
	require.NoError(t, err)
	require.NotNil(t, resp.Plan)
	assert.True(t, resp.PlanPending)

	got, err := o.Session(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{resp.Plan.ID}, got.ActiveTasks)
	assert.Equal(t, resp.Plan.ID, got.ConversationHistory[0].PlanID)

	outcome, err := o.ExecutePlan(ctx, session.SessionID, resp.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, "Síntesis final", outcome.Response)

	status, err := o.SessionStatus(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Empty(t, status["active_tasks"])
	assert.Equal(t, 2, status["conversation_count"])
	assert.Equal(t, models.UserProfesor, status["user_type"])
}

func TestAutomaticModeDoesNotTrackExecutedPlans(t *testing.T) {
	o, _ := newTestOrchestrator(t, sessionsConfig())
	ctx := context.Background()

	session, err := o.CreateSession(ctx, "u1", models.UserProfesor, nil)
	require.NoError(t, err)

	resp, err := o.ProcessRequest(ctx, session.SessionID, "Buscar el reglamento y generar un reporte")
	require.NoError(t, err)
	require.NotNil(t, resp.Plan)
	assert.Equal(t, "Síntesis final", resp.Response)

	got, err := o.Session(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Empty(t, got.ActiveTasks)
}

func TestExecutePlanAsync(t *testing.T) {
	s := newTestStack(t)
	jobs := workers.NewJobQueue(config.QueueConfig{MaxWorkers: 2, MaxQueueSize: 10, ResultTTL: time.Minute}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	jobs.Start(ctx)

	o := NewOrchestrator(s.agent, NewMemorySessionStore(), jobs, s.sink, sessionsConfig(), nil)
	defer o.Shutdown(context.Background())
	require.NoError(t, o.SetMode(ModeManual))

	session, err := o.CreateSession(ctx, "u1", models.UserAdmin, nil)
	require.NoError(t, err)
	resp, err := o.ProcessRequest(ctx, session.SessionID, "Buscar el calendario y generar un reporte")
	require.NoError(t, err)
	require.NotNil(t, resp.Plan)

	jobID, err := o.ExecutePlanAsync(ctx, session.SessionID, resp.Plan.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, ok := jobs.Result(jobID)
		return ok && r.Status == workers.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)

	r, _ := jobs.Result(jobID)
	outcome, ok := r.Output.(*PlanOutcome)
	require.True(t, ok)
	assert.Equal(t, "Síntesis final", outcome.Response)

	_, err = o.ExecutePlanAsync(ctx, "missing", resp.Plan.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestExecutePlanAsyncWithoutQueue(t *testing.T) {
	o, _ := newTestOrchestrator(t, sessionsConfig())
	_, err := o.ExecutePlanAsync(context.Background(), "s", "p")
	assert.True(t, apperrors.IsUnavailable(err))
}

func TestLearnFromFeedbackAddsSessionContext(t *testing.T) {
	o, s := newTestOrchestrator(t, sessionsConfig())
	ctx := context.Background()

	session, err := o.CreateSession(ctx, "u1", models.UserApoderado, nil)
	require.NoError(t, err)

	err = o.LearnFromFeedback(ctx, session.SessionID, memory.Feedback{Content: "la respuesta fue muy clara", Type: "positive"})
	require.NoError(t, err)

	found, err := s.memory.Retrieve(ctx, "la respuesta fue muy clara", models.MemoryEpisodic, 5)
	require.NoError(t, err)
	require.Len(t, found, 1)
	sc, ok := found[0].Entry.Context["session_context"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, models.UserApoderado, sc["user_type"])
	assert.Equal(t, 0, sc["conversation_count"])

	assert.True(t, apperrors.IsValidation(o.LearnFromFeedback(ctx, session.SessionID, memory.Feedback{})))
	assert.True(t, apperrors.IsNotFound(o.LearnFromFeedback(ctx, "missing", memory.Feedback{Content: "x"})))
}

func TestCleanupSessions(t *testing.T) {
	o, _ := newTestOrchestrator(t, sessionsConfig())
	ctx := context.Background()

	base := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return base }
	old, err := o.CreateSession(ctx, "u1", models.UserEstudiante, nil)
	require.NoError(t, err)

	o.now = func() time.Time { return base.Add(50 * time.Minute) }
	fresh, err := o.CreateSession(ctx, "u2", models.UserEstudiante, nil)
	require.NoError(t, err)

	o.now = func() time.Time { return base.Add(90 * time.Minute) }
	removed, err := o.CleanupSessions(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = o.Session(ctx, old.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = o.Session(ctx, fresh.SessionID)
	assert.NoError(t, err)
}

func TestAgentStatus(t *testing.T) {
	o, _ := newTestOrchestrator(t, sessionsConfig())
	ctx := context.Background()
	_, err := o.CreateSession(ctx, "u1", models.UserEstudiante, nil)
	require.NoError(t, err)

	status := o.AgentStatus(ctx)
	assert.Equal(t, "automatic", status["orchestration_mode"])
	assert.Equal(t, 1, status["active_sessions"])
	assert.Contains(t, status, "agent_status")
	assert.Contains(t, status, "system_metrics")
	assert.Contains(t, status, "uptime")
	assert.NotContains(t, status, "job_queue")
}

func lockCount(o *Orchestrator) int {
	n := 0
	o.locks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func TestModeFromConfig(t *testing.T) {
	cfg := sessionsConfig()
	cfg.OrchestrationMode = "manual"
	o, _ := newTestOrchestrator(t, cfg)
	assert.Equal(t, ModeManual, o.Mode())

	cfg.OrchestrationMode = ""
	o, _ = newTestOrchestrator(t, cfg)
	assert.Equal(t, ModeAutomatic, o.Mode())
}

func TestUnknownSessionsLeaveNoLocks(t *testing.T) {
	o, _ := newTestOrchestrator(t, sessionsConfig())
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		_, err := o.ProcessRequest(ctx, uuid.NewString(), "¿Horario?")
		require.ErrorIs(t, err, ErrSessionNotFound)
		_, err = o.ExecutePlan(ctx, uuid.NewString(), "plan_x")
		require.ErrorIs(t, err, ErrSessionNotFound)
	}
	assert.Zero(t, lockCount(o))

	session, err := o.CreateSession(ctx, "u1", models.UserEstudiante, nil)
	require.NoError(t, err)
	_, err = o.ProcessRequest(ctx, session.SessionID, "¿Horario?")
	require.NoError(t, err)
	assert.Equal(t, 1, lockCount(o))
}

func TestExecutePlanRequiresOwningSession(t *testing.T) {
	o, s := newTestOrchestrator(t, sessionsConfig())
	ctx := context.Background()
	require.NoError(t, o.SetMode(ModeManual))

	alice, err := o.CreateSession(ctx, "alice", models.UserAdmin, nil)
	require.NoError(t, err)
	bob, err := o.CreateSession(ctx, "bob", models.UserEstudiante, nil)
	require.NoError(t, err)

	resp, err := o.ProcessRequest(ctx, alice.SessionID, "Buscar el calendario y generar un reporte")
	require.NoError(t, err)
	require.True(t, resp.PlanPending)

	_, err = o.ExecutePlan(ctx, bob.SessionID, resp.Plan.ID)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Equal(t, 0, s.searcher.count)

	got, err := o.Session(ctx, alice.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{resp.Plan.ID}, got.ActiveTasks)

	_, err = o.ExecutePlan(ctx, alice.SessionID, resp.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UserAdmin, s.searcher.last.UserType)

	_, err = o.ExecutePlan(ctx, alice.SessionID, resp.Plan.ID)
	assert.True(t, apperrors.IsNotFound(err), "executed plans leave the session")
}

func TestPendingPlansAndCancel(t *testing.T) {
	o, s := newTestOrchestrator(t, sessionsConfig())
	ctx := context.Background()
	require.NoError(t, o.SetMode(ModeManual))

	owner, err := o.CreateSession(ctx, "u1", models.UserProfesor, nil)
	require.NoError(t, err)
	other, err := o.CreateSession(ctx, "u2", models.UserProfesor, nil)
	require.NoError(t, err)

	resp, err := o.ProcessRequest(ctx, owner.SessionID, "Buscar el reglamento y generar un reporte")
	require.NoError(t, err)
	require.NotNil(t, resp.Plan)

	plans, err := o.PendingPlans(ctx, owner.SessionID)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, resp.Plan.ID, plans[0].ID)

	plans, err = o.PendingPlans(ctx, other.SessionID)
	require.NoError(t, err)
	assert.Empty(t, plans)

	assert.True(t, apperrors.IsNotFound(o.CancelPlan(ctx, other.SessionID, resp.Plan.ID)))
	require.NoError(t, o.CancelPlan(ctx, owner.SessionID, resp.Plan.ID))

	got, err := o.Session(ctx, owner.SessionID)
	require.NoError(t, err)
	assert.Empty(t, got.ActiveTasks)
	plan, ok := s.planner.GetPlan(resp.Plan.ID)
	require.True(t, ok)
	assert.Equal(t, models.PlanCancelled, plan.Status)

	_, err = o.ExecutePlan(ctx, owner.SessionID, resp.Plan.ID)
	assert.True(t, apperrors.IsNotFound(err))
	_, err = o.PendingPlans(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestExecutePlanRunsOnJobQueue(t *testing.T) {
	s := newTestStack(t)
	jobs := workers.NewJobQueue(config.QueueConfig{MaxWorkers: 1, MaxQueueSize: 10, ResultTTL: time.Minute}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	jobs.Start(ctx)

	cfg := sessionsConfig()
	cfg.OrchestrationMode = string(ModeManual)
	o := NewOrchestrator(s.agent, NewMemorySessionStore(), jobs, s.sink, cfg, nil)
	defer o.Shutdown(context.Background())

	session, err := o.CreateSession(ctx, "u1", models.UserProfesor, nil)
	require.NoError(t, err)
	resp, err := o.ProcessRequest(ctx, session.SessionID, "Buscar el reglamento y generar un reporte")
	require.NoError(t, err)
	require.True(t, resp.PlanPending)

	outcome, err := o.ExecutePlan(ctx, session.SessionID, resp.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, "Síntesis final", outcome.Response)

	got, err := o.Session(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Empty(t, got.ActiveTasks)
	assert.Len(t, got.ConversationHistory, 2)
}
