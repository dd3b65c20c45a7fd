package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hyper-ai-inc/buildsession/internal/agent"
	"github.com/hyper-ai-inc/buildsession/internal/auth"
	"github.com/hyper-ai-inc/buildsession/internal/fs"
	"github.com/hyper-ai-inc/buildsession/internal/models"
	"github.com/hyper-ai-inc/buildsession/internal/sandbox"
	"github.com/hyper-ai-inc/buildsession/internal/ws"
)

const (
	maxBodyBytes        = 1 << 20
	defaultLogTail      = 200
	maxLogTail          = 5000
	startedInBackground = "started in background"
)

var errBadRequest = errors.New("bad request")

type Server struct {
	app      *App
	auth     *auth.Middleware
	wsRouter *ws.Router
}

func NewServer(app *App) *Server {
	return &Server{
		app:  app,
		auth: auth.NewMiddleware(app.cfg.Auth.Token, app.cfg.Auth.Disabled),
		wsRouter: ws.NewRouter(app.hub, app.terminals, app.envs, ws.Options{
			AllowedOrigins: app.cfg.AllowedOrigins,
			QueueSize:      app.cfg.Events.QueueSize,
		}, app.logger),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.app.logger))
	r.Use(middleware.Recoverer)

	// Health check
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.RequireAuth)

		r.Route("/environments/{id}", func(r chi.Router) {
			r.Use(requireProject)
			r.Post("/start", s.handleStartEnvironment)
			r.Post("/stop", s.handleStopEnvironment)
			r.Get("/status", s.handleEnvironmentStatus)
			r.Get("/container-logs", s.handleContainerLogs)
		})

		r.Route("/tasks/{id}", func(r chi.Router) {
			r.Use(requireProject)
			r.Post("/run", s.handleRunTask)
			r.Post("/approve", s.handleApproveTask)
			r.Post("/reject", s.handleRejectTask)
			r.Post("/reset", s.handleResetTask)
			r.Get("/status", s.handleTaskStatus)
			r.Get("/logs", s.handleTaskLogs)
		})

		r.Get("/files", s.handleListFiles)
		r.Get("/files/content", s.handleFileContent)

		// Real-time channel
		r.Get("/ws", s.wsRouter.HandleWebSocket)
	})

	return r
}

// requestLogger logs one line per request with the chi request id.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("component", "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug("request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func requireProject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !models.ValidProjectID(chi.URLParam(r, "id")) {
			writeError(w, fmt.Errorf("%w: invalid project id", errBadRequest))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// envResponse is an environment snapshot with an optional message.
type envResponse struct {
	models.Environment
	Message string `json:"message,omitempty"`
}

func (s *Server) handleStartEnvironment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StackType string `json:"stack_type"`
	}
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, err)
		return
	}
	env, err := s.app.envs.Start(r.Context(), chi.URLParam(r, "id"), req.StackType)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := envResponse{Environment: env}
	code := http.StatusOK
	if env.Status == models.EnvBuilding {
		resp.Message = "build " + startedInBackground
		code = http.StatusAccepted
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleStopEnvironment(w http.ResponseWriter, r *http.Request) {
	env, err := s.app.envs.Stop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envResponse{Environment: env})
}

func (s *Server) handleEnvironmentStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envResponse{Environment: s.app.envs.GetStatus(r.Context(), chi.URLParam(r, "id"))})
}

func (s *Server) handleContainerLogs(w http.ResponseWriter, r *http.Request) {
	tail := defaultLogTail
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, fmt.Errorf("%w: invalid tail", errBadRequest))
			return
		}
		tail = min(n, maxLogTail)
	}
	logs, err := s.app.envs.ContainerLogs(r.Context(), chi.URLParam(r, "id"), tail)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, logs)
}

type runRequest struct {
	Goal      string `json:"goal"`
	Yolo      bool   `json:"yolo"`
	ProductID string `json:"product_id,omitempty"`
	FeatureID string `json:"feature_id,omitempty"`
}

type taskResponse struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Task    *models.Task `json:"task"`
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.app.tasks.SubmitGoal(r.Context(), chi.URLParam(r, "id"), req.Goal, req.Yolo, req.ProductID, req.FeatureID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, taskResponse{Status: "success", Message: startedInBackground, Task: task})
}

func (s *Server) handleApproveTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Yolo bool `json:"yolo"`
	}
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.app.tasks.Approve(r.Context(), chi.URLParam(r, "id"), req.Yolo)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRejectTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.app.tasks.Reject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleResetTask(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.tasks.Reset(r.Context(), chi.URLParam(r, "id")))
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.tasks.GetStatus(r.Context(), chi.URLParam(r, "id")))
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]any{
		"project_id": projectID,
		"logs":       s.app.tasks.GetLogs(r.Context(), projectID),
	})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "/"
	}
	entries, err := s.app.browser.ListDirectory(projectID, path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project_id": projectID,
		"path":       path,
		"entries":    entries,
	})
}

func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, fmt.Errorf("%w: path is required", errBadRequest))
		return
	}
	content, err := s.app.browser.ReadFile(projectID, path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project_id": projectID,
		"path":       path,
		"content":    content,
	})
}

// decodeJSON reads a JSON body. Optional bodies may be empty.
func decodeJSON(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, sandbox.ErrEnvironmentNotReady),
		errors.Is(err, agent.ErrTaskActive),
		errors.Is(err, agent.ErrNotWaitingApproval):
		return http.StatusConflict
	case errors.Is(err, fs.ErrPathTraversal):
		return http.StatusForbidden
	case errors.Is(err, fs.ErrNotFound), errors.Is(err, sandbox.ErrContainerNotFound):
		return http.StatusNotFound
	case errors.Is(err, fs.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errBadRequest),
		errors.Is(err, fs.ErrIsDirectory),
		errors.Is(err, fs.ErrInvalidProject),
		errors.Is(err, sandbox.ErrInvalidProject),
		errors.Is(err, agent.ErrInvalidProject),
		errors.Is(err, agent.ErrEmptyGoal):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{
		"status":  "error",
		"message": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
