// Package gateway is the HTTP surface: the chat API (plain and SSE
// streaming), session control endpoints, and the websocket event hub
// channel adapters and dashboards attach to.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/soracode/renga/internal/agent"
	"github.com/soracode/renga/internal/bus"
	"github.com/soracode/renga/internal/costs"
	"github.com/soracode/renga/internal/orchestrator"
	"github.com/soracode/renga/internal/scheduler"
	"github.com/soracode/renga/internal/sessions"
)

// Server is the HTTP gateway.
type Server struct {
	orch    *orchestrator.Orchestrator
	store   *sessions.Store
	costs   *costs.Tracker
	sched   *scheduler.Scheduler // optional
	hub     *Hub
	httpSrv *http.Server
	logger  *slog.Logger
}

// Options wires the gateway's collaborators.
type Options struct {
	Addr         string
	Orchestrator *orchestrator.Orchestrator
	Store        *sessions.Store
	Costs        *costs.Tracker
	Scheduler    *scheduler.Scheduler
	Hub          *Hub
}

func NewServer(opts Options) *Server {
	s := &Server{
		orch:   opts.Orchestrator,
		store:  opts.Store,
		costs:  opts.Costs,
		sched:  opts.Scheduler,
		hub:    opts.Hub,
		logger: slog.Default(),
	}
	if s.hub == nil {
		s.hub = NewHub()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/chat/stream", s.handleChatStream)
	mux.HandleFunc("POST /api/sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/sessions/{id}/workdir", s.handleWorkdir)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/costs", s.handleCosts)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("POST /api/tasks", s.handleAddTask)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.hub.ServeWS)

	s.httpSrv = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Hub returns the event hub for in-process subscribers.
func (s *Server) Hub() *Hub { return s.hub }

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("gateway listening", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

type chatRequest struct {
	Message          string `json:"message"`
	SessionID        string `json:"session_id,omitempty"`
	Profile          string `json:"profile,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
}

type chatResponse struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}

	s.broadcastLifecycle("run.started", req.SessionID, "")
	result, err := s.orch.Process(r.Context(), req.Message, req.SessionID, s.broadcastProgress(req.SessionID))
	if err != nil {
		s.broadcastLifecycle("run.failed", req.SessionID, err.Error())
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.broadcastLifecycle("run.completed", result.SessionID, "")
	writeJSON(w, http.StatusOK, chatResponse{
		SessionID: result.SessionID,
		Text:      result.Text,
		Cancelled: result.Cancelled,
	})
}

// handleChatStream runs the request while relaying progress as SSE
// events: start | chunk | thinking | progress | recall | done |
// cancelled | error.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := make(chan map[string]interface{}, 64)
	sendEvent := func(ev map[string]interface{}) {
		select {
		case events <- ev:
		default: // never block the run on a slow client
		}
	}
	sendEvent(map[string]interface{}{"type": "start", "session_id": req.SessionID})

	onProgress := func(p agent.Progress) {
		switch p.Kind {
		case agent.ProgressChunk:
			sendEvent(map[string]interface{}{"type": "chunk", "text": p.Text})
		case agent.ProgressThinking:
			sendEvent(map[string]interface{}{"type": "thinking", "text": p.Text})
		case agent.ProgressRecall:
			sendEvent(map[string]interface{}{"type": "recall", "text": p.Text})
		case agent.ProgressTool:
			sendEvent(map[string]interface{}{
				"type": "progress", "event": "tool", "status": "running", "name": p.Tool,
			})
		case agent.ProgressDelegate:
			sendEvent(map[string]interface{}{
				"type": "progress", "event": "delegate", "status": "running", "agent": p.Tool,
			})
		}
		s.broadcastProgress(req.SessionID)(p)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.broadcastLifecycle("run.started", req.SessionID, "")
		result, err := s.orch.Process(r.Context(), req.Message, req.SessionID, onProgress)
		switch {
		case err != nil:
			s.broadcastLifecycle("run.failed", req.SessionID, err.Error())
			sendEvent(map[string]interface{}{"type": "error", "error": err.Error()})
		case result.Cancelled:
			s.broadcastLifecycle("run.failed", result.SessionID, "cancelled")
			sendEvent(map[string]interface{}{"type": "cancelled", "session_id": result.SessionID})
		default:
			s.broadcastLifecycle("run.completed", result.SessionID, "")
			sendEvent(map[string]interface{}{
				"type": "done", "session_id": result.SessionID, "text": result.Text,
			})
		}
	}()

	for {
		select {
		case ev := <-events:
			writeSSE(w, ev)
			flusher.Flush()
		case <-done:
			for {
				select {
				case ev := <-events:
					writeSSE(w, ev)
					flusher.Flush()
				default:
					return
				}
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existed := s.orch.Cancel(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"session_id": id, "cancelled": existed})
}

func (s *Server) handleWorkdir(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		WorkingDirectory string `json:"working_directory"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.WorkingDirectory == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("working_directory is required"))
		return
	}
	if err := s.store.SetMetadata(r.Context(), id, map[string]string{"working_dir": body.WorkingDirectory}); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "working_directory": body.WorkingDirectory})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListSessions(r.Context(), r.URL.Query().Get("profile"), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCosts(w http.ResponseWriter, r *http.Request) {
	if session := r.URL.Query().Get("session_id"); session != "" {
		writeJSON(w, http.StatusOK, s.costs.BySession(session))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":    s.costs.GrandTotal(),
		"by_model": s.costs.ByModel(),
		"by_agent": s.costs.ByAgent(),
		"by_day":   s.costs.ByDay(),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("scheduler disabled"))
		return
	}
	tasks, err := s.sched.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("scheduler disabled"))
		return
	}
	var body struct {
		Description string `json:"description"`
		CronExpr    string `json:"cron_expr"`
		Profile     string `json:"profile,omitempty"`
		WorkingDir  string `json:"working_dir,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Description == "" || body.CronExpr == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("description and cron_expr are required"))
		return
	}
	task, err := s.sched.Add(r.Context(), body.Description, body.CronExpr, body.Profile, body.WorkingDir)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) decodeChat(w http.ResponseWriter, r *http.Request) (chatRequest, bool) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return req, false
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("message is required"))
		return req, false
	}
	return req, true
}

// broadcastProgress relays runtime progress to websocket clients,
// named by event kind so dashboards can filter.
func (s *Server) broadcastProgress(sessionID string) agent.ProgressFunc {
	return func(p agent.Progress) {
		name := "progress"
		switch p.Kind {
		case agent.ProgressChunk:
			name = "chunk"
		case agent.ProgressTool:
			name = "tool.call"
		case agent.ProgressDelegate:
			name = "delegate"
		}
		s.hub.Broadcast(bus.Event{
			Name: name,
			Payload: map[string]interface{}{
				"session_id": sessionID,
				"kind":       p.Kind,
				"text":       p.Text,
				"tool":       p.Tool,
			},
		})
	}
}

// broadcastLifecycle announces run start and completion on the hub.
func (s *Server) broadcastLifecycle(name, sessionID, detail string) {
	payload := map[string]interface{}{"session_id": sessionID}
	if detail != "" {
		payload["detail"] = detail
	}
	s.hub.Broadcast(bus.Event{Name: name, Payload: payload})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeSSE(w http.ResponseWriter, payload map[string]interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
