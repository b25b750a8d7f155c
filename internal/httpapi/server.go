package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/crewcallhq/crewcall/internal/config"
	"github.com/crewcallhq/crewcall/internal/crew"
	"github.com/crewcallhq/crewcall/internal/engine"
	"github.com/crewcallhq/crewcall/internal/observability"
)

type Server struct {
	cfg       config.Config
	engine    *engine.Engine
	metrics   *observability.Metrics
	storeMode string
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, eng *engine.Engine, metrics *observability.Metrics, storeMode string) *Server {
	return &Server{
		cfg:       cfg,
		engine:    eng,
		metrics:   metrics,
		storeMode: storeMode,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may watch the event stream unless
				// explicitly opened up; non-browser clients omit Origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Actor"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/tasks", s.handleCreateTask)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Post("/v1/tasks/{id}/start", s.handleStartTask)
	r.Post("/v1/tasks/{id}/complete", s.handleCompleteTask)
	r.Post("/v1/tasks/{id}/quick-complete", s.handleQuickCompleteTask)
	r.Post("/v1/tasks/{id}/escalate", s.handleEscalateTask)
	r.Post("/v1/tasks/{id}/block", s.handleBlockTask)
	r.Post("/v1/tasks/{id}/unblock", s.handleUnblockTask)
	r.Post("/v1/tasks/{id}/cancel", s.handleCancelTask)
	r.Post("/v1/tasks/{id}/comments", s.handleAddComment)
	r.Patch("/v1/tasks/{id}/checklist/{index}", s.handleChecklistItem)
	r.Get("/v1/tasks/{id}/events", s.handleTaskEvents)

	r.Get("/v1/projects/{id}/tasks", s.handleListTasks)
	r.Get("/v1/projects/{id}/roles/{roleID}", s.handleRoleStaffing)
	r.Get("/v1/projects/{id}/ready", s.handleReadySet)
	r.Post("/v1/projects/{id}/start-ready", s.handleStartReady)
	r.Get("/v1/projects/{id}/events/ws", s.handleProjectEventsWS)

	r.Post("/v1/escalation/scan", s.handleEscalationScan)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeMode,
	})
}

type actionRequest struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// actorOf resolves the acting user: body field first, then the X-Actor
// header. Mutations always carry an explicit actor, never ambient state.
func actorOf(r *http.Request, body actionRequest) string {
	if a := strings.TrimSpace(body.Actor); a != "" {
		return a
	}
	if a := strings.TrimSpace(r.Header.Get("X-Actor")); a != "" {
		return a
	}
	return "anonymous"
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		engine.CreateTaskRequest
		actionRequest
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	task, err := s.engine.CreateTask(r.Context(), req.CreateTaskRequest, actorOf(r, req.actionRequest))
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	body := decodeAction(r)
	task, err := s.engine.StartTask(r.Context(), chi.URLParam(r, "id"), actorOf(r, body))
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	body := decodeAction(r)
	result, err := s.engine.CompleteTask(r.Context(), chi.URLParam(r, "id"), actorOf(r, body))
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleQuickCompleteTask(w http.ResponseWriter, r *http.Request) {
	body := decodeAction(r)
	result, err := s.engine.QuickCompleteTask(r.Context(), chi.URLParam(r, "id"), actorOf(r, body))
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleEscalateTask(w http.ResponseWriter, r *http.Request) {
	body := decodeAction(r)
	task, err := s.engine.EscalateTask(r.Context(), chi.URLParam(r, "id"), body.Reason, actorOf(r, body))
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleBlockTask(w http.ResponseWriter, r *http.Request) {
	body := decodeAction(r)
	task, err := s.engine.BlockTask(r.Context(), chi.URLParam(r, "id"), actorOf(r, body))
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleUnblockTask(w http.ResponseWriter, r *http.Request) {
	body := decodeAction(r)
	task, err := s.engine.UnblockTask(r.Context(), chi.URLParam(r, "id"), actorOf(r, body))
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	body := decodeAction(r)
	task, err := s.engine.CancelTask(r.Context(), chi.URLParam(r, "id"), body.Reason, actorOf(r, body))
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
		actionRequest
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	task, err := s.engine.AddComment(r.Context(), chi.URLParam(r, "id"), actorOf(r, req.actionRequest), req.Text)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleChecklistItem(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", "checklist index must be an integer")
		return
	}
	var req struct {
		Completed *bool `json:"completed"`
		actionRequest
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Completed == nil {
		respondError(w, http.StatusBadRequest, "validation_error", "completed is the only permitted checklist update")
		return
	}
	task, err := s.engine.SetChecklistItem(r.Context(), chi.URLParam(r, "id"), index, *req.Completed, actorOf(r, req.actionRequest))
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "validation_error", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	respondJSON(w, http.StatusOK, s.engine.Hub().History(chi.URLParam(r, "id"), limit))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filters, sortKey, page, err := parseListQuery(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	result, err := s.engine.ListTasks(r.Context(), chi.URLParam(r, "id"), filters, sortKey, page)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleRoleStaffing(w http.ResponseWriter, r *http.Request) {
	req, err := s.engine.RoleStaffing(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "roleID"))
	if err != nil {
		if errors.Is(err, crew.ErrRoleNotFound) {
			respondError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (s *Server) handleReadySet(w http.ResponseWriter, r *http.Request) {
	ready, err := s.engine.ComputeReadySet(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": ready, "count": len(ready)})
}

func (s *Server) handleStartReady(w http.ResponseWriter, r *http.Request) {
	body := decodeAction(r)
	started, err := s.engine.StartReadyTasks(r.Context(), chi.URLParam(r, "id"), actorOf(r, body))
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"started": started, "count": len(started)})
}

func (s *Server) handleEscalationScan(w http.ResponseWriter, r *http.Request) {
	var now time.Time
	if v := strings.TrimSpace(r.URL.Query().Get("now")); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "validation_error", "now must be RFC3339")
			return
		}
		now = parsed
	}
	ids, err := s.engine.RunEscalationScan(r.Context(), now)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"escalated": ids, "count": len(ids)})
}
