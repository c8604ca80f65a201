package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"schoolbot/server/internal/apperrors"
	"schoolbot/server/internal/config"
	"schoolbot/server/internal/engine"
	"schoolbot/server/internal/memory"
	"schoolbot/server/internal/metrics"
	"schoolbot/server/internal/models"
	"schoolbot/server/internal/rag"
	"schoolbot/server/internal/workers"
)

const maxBodyBytes = 1 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are already filtered by the CORS layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

var validate = validator.New()

// Assistant is the session-level API served over HTTP.
type Assistant interface {
	CreateSession(ctx context.Context, userID, userType string, initial map[string]any) (*models.Session, error)
	SessionStatus(ctx context.Context, sessionID string) (map[string]any, error)
	ProcessRequest(ctx context.Context, sessionID, request string) (*engine.Response, error)
	LearnFromFeedback(ctx context.Context, sessionID string, fb memory.Feedback) error
	ExecutePlan(ctx context.Context, sessionID, planID string) (*engine.PlanOutcome, error)
	ExecutePlanAsync(ctx context.Context, sessionID, planID string) (string, error)
	PendingPlans(ctx context.Context, sessionID string) ([]*models.Plan, error)
	CancelPlan(ctx context.Context, sessionID, planID string) error
	AgentStatus(ctx context.Context) map[string]any
	SetMode(m engine.Mode) error
}

// JobLookup reads finished or running background jobs.
type JobLookup interface {
	Result(id string) (*workers.JobResult, bool)
}

// Corpus exposes read-only information about the indexed documents.
type Corpus interface {
	Suggestions(partial string) []string
	Analytics(ctx context.Context) (*rag.Analytics, error)
}

// Deps wires the router. Jobs, Corpus, Metrics and Hub are optional.
type Deps struct {
	Config    *config.Config
	Assistant Assistant
	Jobs      JobLookup
	Corpus    Corpus
	Metrics   *metrics.Collector
	Hub       *EventHub
	Logger    *zap.Logger
}

type Handlers struct {
	assistant Assistant
	jobs      JobLookup
	corpus    Corpus
	hub       *EventHub
	logger    *zap.Logger
}

type createSessionRequest struct {
	UserID   string         `json:"user_id" validate:"required,max=128"`
	UserType string         `json:"user_type" validate:"max=32"`
	Context  map[string]any `json:"context"`
}

type queryRequest struct {
	Query string `json:"query" validate:"required,max=4000"`
}

type feedbackRequest struct {
	Content string         `json:"content" validate:"max=4000"`
	Type    string         `json:"type" validate:"max=32"`
	Data    map[string]any `json:"data"`
}

type modeRequest struct {
	Mode string `json:"mode" validate:"required,oneof=automatic manual"`
}

type jobAccepted struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func NewRouter(deps Deps) *chi.Mux {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Handlers{
		assistant: deps.Assistant,
		jobs:      deps.Jobs,
		corpus:    deps.Corpus,
		hub:       deps.Hub,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if deps.Metrics != nil {
		r.Use(instrument(deps.Metrics))
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		// Long-lived, so no request timeout.
		r.Get("/events", h.Events)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout))

			r.Post("/sessions", h.CreateSession)
			r.Route("/sessions/{id}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Post("/query", h.Query)
				r.Post("/feedback", h.Feedback)
				r.Get("/plans", h.ListPlans)
				r.Post("/plans/{planID}/execute", h.ExecutePlan)
				r.Post("/plans/{planID}/cancel", h.CancelPlan)
			})
			r.Get("/jobs/{id}", h.GetJob)
			r.Get("/suggestions", h.Suggestions)
			r.Get("/status", h.Status)
			r.Put("/mode", h.SetMode)
			r.Get("/analytics", h.Analytics)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders err with the status mapped from its classification.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperrors.Wrap(err, "request")
	message := appErr.Message
	if appErr.Type == apperrors.TypeInternal {
		message = "internal error"
	}
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}

	writeJSON(w, appErr.HTTPStatus, map[string]string{
		"error": message,
		"type":  string(appErr.Type),
	})
}

// decode reads a JSON body into v and validates it.
func decode(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.NewValidation("request body is empty")
		}
		return apperrors.NewValidation("invalid JSON body").WithCause(err)
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return apperrors.NewValidation(strings.ToLower(fe.Field()) + " failed " + fe.Tag() + " validation")
		}
		return apperrors.NewValidation(err.Error())
	}
	return nil
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "schoolbot",
	})
}

func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	session, err := h.assistant.CreateSession(r.Context(), req.UserID, req.UserType, req.Context)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	status, err := h.assistant.SessionStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handlers) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	resp, err := h.assistant.ProcessRequest(r.Context(), chi.URLParam(r, "id"), req.Query)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) Feedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	fb := memory.Feedback{Content: req.Content, Type: req.Type, Data: req.Data}
	if err := h.assistant.LearnFromFeedback(r.Context(), chi.URLParam(r, "id"), fb); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (h *Handlers) ExecutePlan(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	planID := chi.URLParam(r, "planID")

	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if async {
		jobID, err := h.assistant.ExecutePlanAsync(r.Context(), sessionID, planID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, jobAccepted{JobID: jobID, Status: string(workers.JobQueued)})
		return
	}

	outcome, err := h.assistant.ExecutePlan(r.Context(), sessionID, planID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *Handlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.assistant.PendingPlans(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

func (h *Handlers) CancelPlan(w http.ResponseWriter, r *http.Request) {
	if err := h.assistant.CancelPlan(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "planID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.PlanCancelled)})
}

// SetMode switches plan execution between automatic and manual.
func (h *Handlers) SetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.assistant.SetMode(engine.Mode(req.Mode)); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"orchestration_mode": req.Mode})
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		h.writeError(w, r, apperrors.NewUnavailable("job queue not configured"))
		return
	}
	res, ok := h.jobs.Result(chi.URLParam(r, "id"))
	if !ok {
		h.writeError(w, r, apperrors.NewNotFound("job"))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) Suggestions(w http.ResponseWriter, r *http.Request) {
	if h.corpus == nil {
		writeJSON(w, http.StatusOK, map[string]any{"suggestions": []string{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"suggestions": h.corpus.Suggestions(r.URL.Query().Get("q")),
	})
}

func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	status := h.assistant.AgentStatus(r.Context())
	if h.hub != nil {
		status["event_clients"] = h.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handlers) Analytics(w http.ResponseWriter, r *http.Request) {
	if h.corpus == nil {
		h.writeError(w, r, apperrors.NewUnavailable("document index not configured"))
		return
	}
	analytics, err := h.corpus.Analytics(r.Context())
	if err != nil {
		h.writeError(w, r, apperrors.NewExternal("vector store", err))
		return
	}
	writeJSON(w, http.StatusOK, analytics)
}

// Events upgrades to a websocket that streams agent and session events.
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		h.writeError(w, r, apperrors.NewUnavailable("event stream not configured"))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.hub.Attach(conn)
}
