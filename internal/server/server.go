// Package server exposes the registry over HTTP: lifecycle control of
// projects, their state, and a server-sent event stream per project.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/orchestrator"
	"github.com/Iron-Ham/conductor/internal/registry"
)

// DefaultHeartbeat is the interval of keep-alive comments on event streams.
const DefaultHeartbeat = 15 * time.Second

// Config for the HTTP API handler.
type Config struct {
	Registry *registry.Registry
	// Workflow is the config of runs started without overrides.
	Workflow model.WorkflowConfig
	// WorkspaceRoot holds the directories of projects started without an
	// explicit projectDir, one subdirectory per project id.
	WorkspaceRoot string
	BasePath      string
	Auth          AuthConfig
	// Hub relays events to stream clients. A new hub is created when nil.
	Hub       *Hub
	Heartbeat time.Duration
	Logger    *logging.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"project shop is already running"`
	Details map[string]any `json:"details,omitempty"`
}

// apiError is the error envelope of every failed request.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, msg string, details map[string]any) *apiError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: msg, Details: details}}
}

// Server serves the control API.
type Server struct {
	cfg      Config
	registry *registry.Registry
	hub      *Hub
	logger   *logging.Logger
	router   chi.Router

	mu    sync.Mutex
	cores map[string]*orchestrator.Core
}

// New returns the HTTP handler of the control API.
func New(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.NewValidationError("registry is required").WithField("Registry")
	}
	basePath := cfg.BasePath
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimSuffix(basePath, "/")
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub(cfg.Logger)
	}
	if cfg.Workflow.ParallelCoders == 0 {
		cfg.Workflow = model.DefaultWorkflowConfig()
	}
	cfg.BasePath = basePath

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	s := &Server{
		cfg:      cfg,
		registry: cfg.Registry,
		hub:      cfg.Hub,
		logger:   logging.OrNop(cfg.Logger),
		cores:    make(map[string]*orchestrator.Core),
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Conductor API", "1.0.0")
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	s.registerProjects(group)
	s.registerLifecycle(group)
	router.Get(path.Join("/", basePath, "projects/{id}/events"), s.handleEvents)

	s.router = router
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Hub returns the event relay of the server.
func (s *Server) Hub() *Hub {
	return s.hub
}

// track remembers core as the latest run of its project so its state stays
// readable after the registry lets go of it.
func (s *Server) track(core *orchestrator.Core) {
	s.hub.Attach(core)
	s.mu.Lock()
	s.cores[core.ProjectID()] = core
	s.mu.Unlock()
}

func (s *Server) core(projectID string) (*orchestrator.Core, error) {
	if core, ok := s.registry.Get(projectID); ok {
		s.track(core)
		return core, nil
	}
	s.mu.Lock()
	core, ok := s.cores[projectID]
	s.mu.Unlock()
	if ok {
		return core, nil
	}
	_, err := s.registry.Lookup(projectID)
	return nil, err
}

func (s *Server) projectDir(projectID, requested string) (string, error) {
	if requested != "" {
		if !filepath.IsAbs(requested) {
			return "", errors.NewValidationError("projectDir must be absolute").WithField("projectDir").WithValue(requested)
		}
		return filepath.Clean(requested), nil
	}
	if s.cfg.WorkspaceRoot == "" {
		return "", errors.NewValidationError("projectDir is required").WithField("projectDir")
	}
	if projectID != filepath.Base(projectID) || projectID == "." || projectID == ".." {
		return "", errors.NewValidationError("project id cannot be used as a directory name").WithField("id").WithValue(projectID)
	}
	return filepath.Join(s.cfg.WorkspaceRoot, projectID), nil
}

// ProjectResponse describes a project after a lifecycle request.
type ProjectResponse struct {
	ProjectID string               `json:"projectId"`
	Status    model.WorkflowStatus `json:"status"`
	Progress  int                  `json:"progress"`
	Attached  bool                 `json:"attached,omitempty"`
}

func projectResponse(core *orchestrator.Core, attached bool) ProjectResponse {
	st := core.State()
	return ProjectResponse{ProjectID: st.ProjectID, Status: st.Status, Progress: st.Progress, Attached: attached}
}

// StartRequest starts a run. Unset overrides keep the server defaults.
type StartRequest struct {
	Requirements    string `json:"requirements" doc:"Natural language requirements"`
	ProjectDir      string `json:"projectDir,omitempty" doc:"Absolute project directory"`
	ParallelCoders  *int   `json:"parallelCoders,omitempty" minimum:"1"`
	ParallelTesters *int   `json:"parallelTesters,omitempty" minimum:"1"`
	MaxRetries      *int   `json:"maxRetries,omitempty" minimum:"0"`
}

func (r StartRequest) apply(cfg model.WorkflowConfig) model.WorkflowConfig {
	if r.ParallelCoders != nil {
		cfg.ParallelCoders = *r.ParallelCoders
	}
	if r.ParallelTesters != nil {
		cfg.ParallelTesters = *r.ParallelTesters
	}
	if r.MaxRetries != nil {
		cfg.MaxRetries = *r.MaxRetries
	}
	return cfg
}

// ResumeRequest continues a persisted project that is not running.
type ResumeRequest struct {
	ProjectDir string `json:"projectDir,omitempty" doc:"Absolute project directory"`
}

type projectPath struct {
	ID string `path:"id" doc:"Project id"`
}

var lifecycleErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func (s *Server) registerProjects(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []registry.Status `json:"body"`
	}, error) {
		return &struct {
			Body []registry.Status `json:"body"`
		}{Body: s.registry.List()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-state",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/state",
		Summary:     "Project state",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body model.DevelopmentState `json:"body"`
	}, error) {
		core, err := s.core(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body model.DevelopmentState `json:"body"`
		}{Body: core.State()}, nil
	})
}

type projectResult struct {
	Body ProjectResponse `json:"body"`
}

func (s *Server) registerLifecycle(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-project",
		Method:        http.MethodPost,
		Path:          "/projects/{id}/start",
		Summary:       "Start a project",
		DefaultStatus: http.StatusAccepted,
		Errors:        lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id" doc:"Project id"`
		Body StartRequest
	}) (*projectResult, error) {
		dir, err := s.projectDir(input.ID, input.Body.ProjectDir)
		if err != nil {
			return nil, handleError(err)
		}
		core, attached, err := s.registry.Start(ctx, input.ID, dir, input.Body.Requirements, input.Body.apply(s.cfg.Workflow))
		if err != nil {
			return nil, handleError(err)
		}
		s.track(core)
		s.logger.Info("project started over http", "project_id", input.ID, "actor", actor(ctx), "attached", attached)
		return &projectResult{Body: projectResponse(core, attached)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-project",
		Method:      http.MethodPost,
		Path:        "/projects/{id}/pause",
		Summary:     "Pause dispatch of new stories",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *projectPath) (*projectResult, error) {
		core, err := s.registry.Lookup(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := core.Pause(); err != nil {
			return nil, handleError(err)
		}
		s.logger.Info("project paused over http", "project_id", input.ID, "actor", actor(ctx))
		return &projectResult{Body: projectResponse(core, false)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-project",
		Method:      http.MethodPost,
		Path:        "/projects/{id}/resume",
		Summary:     "Resume a paused project or continue a persisted one",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id" doc:"Project id"`
		Body *ResumeRequest
	}) (*projectResult, error) {
		if core, ok := s.registry.Get(input.ID); ok {
			if err := core.Resume(); err != nil {
				return nil, handleError(err)
			}
			s.track(core)
			s.logger.Info("project resumed over http", "project_id", input.ID, "actor", actor(ctx))
			return &projectResult{Body: projectResponse(core, false)}, nil
		}

		var requested string
		if input.Body != nil {
			requested = input.Body.ProjectDir
		}
		dir, err := s.projectDir(input.ID, requested)
		if err != nil {
			return nil, handleError(err)
		}
		core, attached, err := s.registry.Resume(ctx, input.ID, dir, nil)
		if err != nil {
			return nil, handleError(err)
		}
		s.track(core)
		s.logger.Info("project continued over http", "project_id", input.ID, "actor", actor(ctx))
		return &projectResult{Body: projectResponse(core, attached)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-project",
		Method:      http.MethodPost,
		Path:        "/projects/{id}/stop",
		Summary:     "Stop a project and wait for in-flight agents",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *projectPath) (*projectResult, error) {
		core, err := s.registry.Lookup(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		s.track(core)
		if err := core.Stop(ctx); err != nil {
			return nil, handleError(err)
		}
		s.logger.Info("project stopped over http", "project_id", input.ID, "actor", actor(ctx))
		return &projectResult{Body: projectResponse(core, false)}, nil
	})
}

// snapshotFrame is the first frame of every event stream.
type snapshotFrame struct {
	ProjectID string               `json:"projectId"`
	Status    model.WorkflowStatus `json:"status"`
	Progress  int                  `json:"progress"`
	Stories   int                  `json:"stories"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	core, err := s.core(projectID)
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondStatusError(w, newAPIError(http.StatusInternalServerError, "", "streaming unsupported", nil))
		return
	}

	frames, cancel := s.hub.Subscribe(projectID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	st := core.State()
	data, _ := json.Marshal(snapshotFrame{
		ProjectID: st.ProjectID,
		Status:    st.Status,
		Progress:  st.Progress,
		Stories:   len(st.Stories),
	})
	writeFrame(w, Frame{Type: "snapshot", Data: data})
	flusher.Flush()
	if st.Status.IsTerminal() {
		return
	}

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case f := <-frames:
			writeFrame(w, f)
			flusher.Flush()
			if f.Terminal {
				return
			}
		}
	}
}

func writeFrame(w http.ResponseWriter, f Frame) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Type, f.Data)
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()
	switch {
	case errors.Is(err, errors.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, errors.ErrProjectNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, errors.ErrAlreadyRunning):
		return newAPIError(http.StatusConflict, "already_running", msg, nil)
	case errors.Is(err, errors.ErrNotRunning):
		return newAPIError(http.StatusConflict, "not_running", msg, nil)
	case errors.Is(err, errors.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case errors.Is(err, errors.ErrStoreLocked):
		return newAPIError(http.StatusConflict, "locked", msg, nil)
	case errors.Is(err, errors.ErrTimeout), errors.Is(err, errors.ErrCanceled):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", msg, nil)
	case errors.IsUserFacing(err):
		return newAPIError(http.StatusInternalServerError, "internal_error", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}
