package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolbot/server/internal/apperrors"
	"schoolbot/server/internal/engine"
	"schoolbot/server/internal/interfaces"
	"schoolbot/server/internal/memory"
	"schoolbot/server/internal/metrics"
	"schoolbot/server/internal/models"
	"schoolbot/server/internal/rag"
	"schoolbot/server/internal/workers"
)

type fakeAssistant struct {
	mu        sync.Mutex
	sessions  map[string]*models.Session
	feedback  []memory.Feedback
	queries   []string
	asyncCall string
	queryErr  error
	mode      engine.Mode
	cancelled []string
}

func newFakeAssistant() *fakeAssistant {
	return &fakeAssistant{sessions: make(map[string]*models.Session)}
}

func (f *fakeAssistant) CreateSession(ctx context.Context, userID, userType string, initial map[string]any) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if userType == "" {
		userType = models.UserEstudiante
	}
	s := &models.Session{SessionID: "s-1", UserID: userID, UserType: userType, Context: initial, ActiveTasks: []string{}}
	f.sessions[s.SessionID] = s
	return s, nil
}

func (f *fakeAssistant) SessionStatus(ctx context.Context, id string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, engine.ErrSessionNotFound
	}
	return map[string]any{"session_id": s.SessionID, "user_type": s.UserType}, nil
}

func (f *fakeAssistant) ProcessRequest(ctx context.Context, id, request string) (*engine.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if _, ok := f.sessions[id]; !ok {
		return nil, engine.ErrSessionNotFound
	}
	f.queries = append(f.queries, request)
	return &engine.Response{Response: "El horario es de 8:00 a 15:30.", Success: true, State: "idle"}, nil
}

func (f *fakeAssistant) LearnFromFeedback(ctx context.Context, id string, fb memory.Feedback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.TrimSpace(fb.Content) == "" && len(fb.Data) == 0 {
		return apperrors.NewValidation("feedback is empty")
	}
	f.feedback = append(f.feedback, fb)
	return nil
}

func (f *fakeAssistant) ExecutePlan(ctx context.Context, id, planID string) (*engine.PlanOutcome, error) {
	if planID != "plan_1" {
		return nil, apperrors.NewNotFound("plan")
	}
	return &engine.PlanOutcome{Plan: &models.Plan{ID: planID}, Response: "Síntesis final"}, nil
}

func (f *fakeAssistant) ExecutePlanAsync(ctx context.Context, id, planID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asyncCall = planID
	return "job-1", nil
}

func (f *fakeAssistant) PendingPlans(ctx context.Context, id string) ([]*models.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return nil, engine.ErrSessionNotFound
	}
	return []*models.Plan{{ID: "plan_1", Status: models.PlanCreated}}, nil
}

func (f *fakeAssistant) CancelPlan(ctx context.Context, id, planID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if planID != "plan_1" {
		return apperrors.NewNotFound("plan")
	}
	f.cancelled = append(f.cancelled, planID)
	return nil
}

func (f *fakeAssistant) SetMode(m engine.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !m.Valid() {
		return apperrors.NewValidation("unknown orchestration mode: " + string(m))
	}
	f.mode = m
	return nil
}

func (f *fakeAssistant) AgentStatus(ctx context.Context) map[string]any {
	return map[string]any{"orchestration_mode": "automatic"}
}

type fakeJobs map[string]*workers.JobResult

func (f fakeJobs) Result(id string) (*workers.JobResult, bool) {
	r, ok := f[id]
	return r, ok
}

type fakeCorpus struct{ err error }

func (fakeCorpus) Suggestions(partial string) []string {
	if partial == "" {
		return nil
	}
	return []string{"¿Cuál es el horario de clases?"}
}

func (c fakeCorpus) Analytics(ctx context.Context) (*rag.Analytics, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &rag.Analytics{TotalDocuments: 12, DocumentTypes: map[string]int{"reglamento": 12}}, nil
}

func newTestServer(t *testing.T, a *fakeAssistant) (*httptest.Server, *metrics.Collector) {
	t.Helper()
	collector := metrics.NewCollector()
	router := NewRouter(Deps{
		Assistant: a,
		Jobs:      fakeJobs{"job-1": {ID: "job-1", Kind: "plan", Status: workers.JobCompleted}},
		Corpus:    fakeCorpus{},
		Metrics:   collector,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, collector
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthCheck(t *testing.T) {
	srv, _ := newTestServer(t, newFakeAssistant())

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, resp.Header.Get("Content-Type"))
}

func TestSessionLifecycle(t *testing.T) {
	a := newFakeAssistant()
	srv, _ := newTestServer(t, a)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions", `{"user_id":"u1","user_type":"apoderado"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "s-1", body["session_id"])
	assert.Equal(t, "apoderado", body["user_type"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions/s-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "apoderado", body["user_type"])

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/s-1/query", `{"query":"¿horario?"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "El horario es de 8:00 a 15:30.", body["response"])
	assert.Equal(t, true, body["success"])
	assert.Equal(t, []string{"¿horario?"}, a.queries)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/s-1/feedback", `{"content":"muy útil","type":"rating"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, a.feedback, 1)
	assert.Equal(t, "rating", a.feedback[0].Type)
}

func TestPlanRoutes(t *testing.T) {
	a := newFakeAssistant()
	srv, _ := newTestServer(t, a)
	doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions", `{"user_id":"u1"}`)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions/s-1/plans", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	plans := body["plans"].([]any)
	require.Len(t, plans, 1)
	assert.Equal(t, "plan_1", plans[0].(map[string]any)["id"])

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions/nope/plans", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/s-1/plans/plan_1/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])
	assert.Equal(t, []string{"plan_1"}, a.cancelled)

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/s-1/plans/plan_9/cancel", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["type"])
}

func TestSetMode(t *testing.T) {
	a := newFakeAssistant()
	srv, _ := newTestServer(t, a)

	resp, body := doJSON(t, http.MethodPut, srv.URL+"/api/v1/mode", `{"mode":"manual"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "manual", body["orchestration_mode"])
	assert.Equal(t, engine.ModeManual, a.mode)

	resp, body = doJSON(t, http.MethodPut, srv.URL+"/api/v1/mode", `{"mode":"supervised"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION", body["type"])
	assert.Equal(t, engine.ModeManual, a.mode)
}

func TestErrorRendering(t *testing.T) {
	a := newFakeAssistant()
	srv, _ := newTestServer(t, a)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantType   string
	}{
		{"missing user id", http.MethodPost, "/api/v1/sessions", `{"user_type":"profesor"}`, http.StatusBadRequest, "VALIDATION"},
		{"malformed body", http.MethodPost, "/api/v1/sessions", `{"user_id":`, http.StatusBadRequest, "VALIDATION"},
		{"empty body", http.MethodPost, "/api/v1/sessions", ``, http.StatusBadRequest, "VALIDATION"},
		{"unknown session", http.MethodGet, "/api/v1/sessions/nope", "", http.StatusNotFound, "NOT_FOUND"},
		{"blank query", http.MethodPost, "/api/v1/sessions/nope/query", `{"query":""}`, http.StatusBadRequest, "VALIDATION"},
		{"query unknown session", http.MethodPost, "/api/v1/sessions/nope/query", `{"query":"hola"}`, http.StatusNotFound, "NOT_FOUND"},
		{"unknown plan", http.MethodPost, "/api/v1/sessions/s-1/plans/x/execute", "", http.StatusNotFound, "NOT_FOUND"},
		{"unknown job", http.MethodGet, "/api/v1/jobs/missing", "", http.StatusNotFound, "NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doJSON(t, tt.method, srv.URL+tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantType, body["type"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestUnavailableAndInternalErrors(t *testing.T) {
	a := newFakeAssistant()
	a.queryErr = engine.ErrTooManySessions
	srv, _ := newTestServer(t, a)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/s-1/query", `{"query":"hola"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "UNAVAILABLE", body["type"])
	assert.Equal(t, "too many active sessions", body["error"])

	a.queryErr = errors.New("db password leaked in message")
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/s-1/query", `{"query":"hola"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "INTERNAL", body["type"])
	assert.Equal(t, "internal error", body["error"])
}

func TestExecutePlan(t *testing.T) {
	a := newFakeAssistant()
	srv, _ := newTestServer(t, a)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/s-1/plans/plan_1/execute", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Síntesis final", body["response"])

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/s-1/plans/plan_1/execute?async=true", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "job-1", body["job_id"])
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "plan_1", a.asyncCall)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/jobs/job-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
}

func TestCorpusEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, newFakeAssistant())

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/suggestions?q=horario", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"¿Cuál es el horario de clases?"}, body["suggestions"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/analytics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 12, body["total_documents"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "automatic", body["orchestration_mode"])
}

func TestAnalyticsFailureIsExternal(t *testing.T) {
	router := NewRouter(Deps{Assistant: newFakeAssistant(), Corpus: fakeCorpus{err: errors.New("qdrant down")}})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), `"type":"EXTERNAL"`)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, newFakeAssistant())
	doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions/nope", "")

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := string(body)
	assert.Contains(t, out, `schoolbot_requests_total{endpoint="/api/v1/sessions/{id}`)
	assert.Contains(t, out, `status="404"`)
	assert.NotContains(t, out, `endpoint="/api/v1/sessions/nope"`)
}

func TestEventsWebsocket(t *testing.T) {
	hub := NewEventHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(NewRouter(Deps{Assistant: newFakeAssistant(), Hub: hub}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	var sink interfaces.EventSink = hub
	sink.Publish(interfaces.Event{Type: interfaces.EventSessionCreated, SessionID: "s-1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got interfaces.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, interfaces.EventSessionCreated, got.Type)
	assert.Equal(t, "s-1", got.SessionID)
	assert.False(t, got.Timestamp.IsZero())

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEventsWithoutHub(t *testing.T) {
	router := NewRouter(Deps{Assistant: newFakeAssistant()})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
