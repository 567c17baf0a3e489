package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/naok1207/workflow-visualizer/internal/command"
	"github.com/naok1207/workflow-visualizer/internal/metrics"
	"github.com/naok1207/workflow-visualizer/pkg/models"
	"github.com/naok1207/workflow-visualizer/pkg/relay"
	"github.com/naok1207/workflow-visualizer/pkg/service"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const maxCommandBody = 1 << 20

// Deps wires the server to the engine and the relay.
type Deps struct {
	Dispatcher   *command.Dispatcher
	Workflows    *service.WorkflowService
	Tasks        *service.TaskService
	Relay        *relay.Relay
	Logger       logrus.FieldLogger
	PingInterval time.Duration
}

type Server struct {
	deps   Deps
	router *mux.Router
}

func NewServer(deps Deps) *Server {
	if deps.PingInterval <= 0 {
		deps.PingInterval = 30 * time.Second
	}
	s := &Server{deps: deps, router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(requestIDMiddleware, s.loggingMiddleware, metricsMiddleware)

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.serveWS).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/tasks/active", s.listActive).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{taskId}/status", s.taskStatus).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{taskId}/workflow", s.taskWorkflow).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{workflowId}", s.workflow).Methods(http.MethodGet)
	api.HandleFunc("/commands", s.listCommands).Methods(http.MethodGet)
	api.HandleFunc("/commands/{name}", s.executeCommand).Methods(http.MethodPost)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// StartServer serves handler on port until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func StartServer(ctx context.Context, port string, handler http.Handler, shutdownTimeout time.Duration, logger logrus.FieldLogger) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Infof("Starting workflow visualizer server on :%s", port)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}

	logger.Infof("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return nil
}

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, kind, message string) {
	writeJSON(w, status, errorResponse{
		Error:     http.StatusText(status),
		Kind:      kind,
		Message:   message,
		RequestID: RequestID(r.Context()),
	})
}

// writeServiceError maps an engine error onto an HTTP status.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := service.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case service.KindNotFound:
		status = http.StatusNotFound
	case service.KindValidation:
		status = http.StatusBadRequest
	case service.KindConflict, service.KindInvalidState:
		status = http.StatusConflict
	}
	message := "internal error"
	var e *service.Error
	if kind != service.KindInternal && errors.As(err, &e) {
		message = e.Message
	}
	writeError(w, r, status, string(kind), message)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"connected_clients": s.deps.Relay.SubscriberCount(),
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	})
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &service.Error{Kind: service.KindValidation, Message: key + " must be an integer"}
	}
	return n, nil
}

// queryBool defaults to def when the parameter is absent.
func queryBool(r *http.Request, key string, def bool) (bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, &service.Error{Kind: service.KindValidation, Message: key + " must be a boolean"}
	}
	return b, nil
}

func (s *Server) listActive(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	page, err := s.deps.Tasks.ListActive(r.Context(), service.ActiveFilter{
		Type:   models.TaskType(r.URL.Query().Get("task_type")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) taskStatus(w http.ResponseWriter, r *http.Request) {
	includeWorkflow, err := queryBool(r, "include_workflow", true)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	includeHistory, err := queryBool(r, "include_history", true)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	res, err := s.deps.Dispatcher.TaskStatus(r.Context(), command.GetTaskStatusRequest{
		TaskID:          mux.Vars(r)["taskId"],
		IncludeWorkflow: includeWorkflow,
		IncludeHistory:  includeHistory,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) taskWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Workflows.GetWorkflowByTaskID(r.Context(), mux.Vars(r)["taskId"])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) workflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Workflows.GetWorkflow(r.Context(), mux.Vars(r)["workflowId"])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) listCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"commands": s.deps.Dispatcher.Definitions(),
	})
}

// executeCommand reports engine failures inside a 200 response. Only unknown
// commands and bodies that are not JSON get an error status.
func (s *Server) executeCommand(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.deps.Dispatcher.Has(name) {
		writeError(w, r, http.StatusNotFound, command.KindUnknownCommand, "unknown command "+name)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody+1))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, string(service.KindValidation), "could not read body")
		return
	}
	if len(body) > maxCommandBody {
		writeError(w, r, http.StatusRequestEntityTooLarge, string(service.KindValidation), "body too large")
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		writeError(w, r, http.StatusBadRequest, string(service.KindValidation), "body is not valid JSON")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Dispatcher.Execute(r.Context(), name, body))
}
