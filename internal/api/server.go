// Package api exposes the gateway's HTTP surface: streaming chat,
// health, structured task extraction, and transcript inspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/eladberg/relay/internal/buildinfo"
	"github.com/eladberg/relay/internal/chat"
	"github.com/eladberg/relay/internal/llm"
	"github.com/eladberg/relay/internal/transcript"
)

// maxConsecutiveFailures is how many health probes in a row may fail
// before the gateway reports itself degraded.
const maxConsecutiveFailures = 3

// Responder answers chat conversations. *chat.Orchestrator satisfies it.
type Responder interface {
	StreamResponse(ctx context.Context, conversation []llm.Message, emit func(llm.Frame)) *chat.Outcome
	Respond(ctx context.Context, conversation []llm.Message) (*chat.Outcome, error)
}

// Backend reports completion backend liveness and load. *llm.Client
// satisfies it.
type Backend interface {
	Healthy(ctx context.Context) bool
	Metrics(ctx context.Context) (running, waiting int, err error)
}

// TranscriptLog persists handled exchanges. *transcript.Store satisfies
// it; nil disables recording.
type TranscriptLog interface {
	Record(ctx context.Context, ex transcript.Exchange) (string, error)
	Recent(ctx context.Context, limit int) ([]transcript.Exchange, error)
}

// Server is the HTTP API server.
type Server struct {
	responder   Responder
	backend     Backend
	extractor   StructuredCompleter
	transcripts TranscriptLog
	logger      *slog.Logger

	httpServer *http.Server

	activeSessions atomic.Int64
	probeFailures  atomic.Int64
}

// Options configures a Server.
type Options struct {
	Address     string
	Port        int
	Responder   Responder
	Backend     Backend
	Extractor   StructuredCompleter
	Transcripts TranscriptLog

	// AllowedOrigins enables CORS for browser clients; empty disables it.
	AllowedOrigins []string

	Logger *slog.Logger
}

// NewServer builds the API server and its routes.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		responder:   opts.Responder,
		backend:     opts.Backend,
		extractor:   opts.Extractor,
		transcripts: opts.Transcripts,
		logger:      opts.Logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/stream", s.handleChatStream)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/tasks/extract", s.handleTaskExtract)
	mux.HandleFunc("GET /api/transcripts", s.handleTranscripts)
	mux.HandleFunc("GET /api/version", s.handleVersion)

	var handler http.Handler = mux
	handler = withCORS(handler, opts.AllowedOrigins)
	handler = withLogging(handler, s.logger)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Address, opts.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("api server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ActiveSessions returns the number of streams currently open.
func (s *Server) ActiveSessions() int64 {
	return s.activeSessions.Load()
}

// chatRequest is the POST /api/chat and /api/chat/stream body.
type chatRequest struct {
	Messages []llm.Message `json:"messages"`
}

func (r *chatRequest) validate() error {
	if len(r.Messages) == 0 {
		return errors.New("messages is required")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant:
		default:
			return fmt.Errorf("messages[%d]: invalid role %q", i, m.Role)
		}
		if m.Content == "" {
			return fmt.Errorf("messages[%d]: content is required", i)
		}
	}
	return nil
}

// sessionID echoes the client's X-Session-ID or mints one.
func sessionID(r *http.Request) string {
	if id := r.Header.Get("X-Session-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

// handleChatStream answers a conversation over SSE. Wire format:
// content deltas as data: {"content": "..."}, a failure as
// data: {"error": "..."}, and a final data: [DONE] after either.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		errorResponse(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	session := sessionID(r)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Session-ID", session)

	s.activeSessions.Add(1)
	defer s.activeSessions.Add(-1)

	start := time.Now()
	outcome := s.responder.StreamResponse(r.Context(), req.Messages, func(f llm.Frame) {
		writeSSE(w, flusher, f)
	})

	s.record(r.Context(), session, outcome, time.Since(start))
}

// writeSSE encodes one frame onto the event stream. Terminal frames
// always end with the [DONE] marker so clients have a single
// end-of-stream signal.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, f llm.Frame) {
	switch f.Kind {
	case llm.FrameContent:
		payload, _ := json.Marshal(map[string]string{"content": f.Content})
		fmt.Fprintf(w, "data: %s\n\n", payload)
	case llm.FrameError:
		payload, _ := json.Marshal(map[string]string{"error": f.Err})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		fmt.Fprint(w, "data: [DONE]\n\n")
	case llm.FrameDone:
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
	flusher.Flush()
}

// handleChat answers a conversation in one JSON response.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	session := sessionID(r)
	w.Header().Set("X-Session-ID", session)

	start := time.Now()
	outcome, err := s.responder.Respond(r.Context(), req.Messages)
	if err != nil {
		errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}

	s.record(r.Context(), session, outcome, time.Since(start))

	writeJSON(w, http.StatusOK, map[string]any{
		"answer":     outcome.Answer,
		"route":      outcome.Route,
		"tool_calls": len(outcome.WorkLog),
		"session_id": session,
	})
}

// record persists an exchange when a transcript log is configured.
func (s *Server) record(ctx context.Context, session string, outcome *chat.Outcome, took time.Duration) {
	if s.transcripts == nil || outcome == nil {
		return
	}
	_, err := s.transcripts.Record(ctx, transcript.Exchange{
		SessionID: session,
		Route:     string(outcome.Route),
		Question:  outcome.Question,
		Answer:    outcome.Answer,
		WorkLog:   outcome.WorkLog,
		Duration:  took,
	})
	if err != nil {
		s.logger.Warn("transcript record failed", "error", err)
	}
}

// handleHealth reports gateway and backend health. The backend is only
// considered down after maxConsecutiveFailures probes in a row fail, so
// a single dropped probe does not flap the status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.backend.Healthy(r.Context())
	if healthy {
		s.probeFailures.Store(0)
	} else {
		s.probeFailures.Add(1)
	}

	backendUp := healthy || s.probeFailures.Load() < maxConsecutiveFailures

	status := "ok"
	code := http.StatusOK
	if !backendUp {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	body := map[string]any{
		"status":          status,
		"backend_healthy": healthy,
		"active_sessions": s.activeSessions.Load(),
		"uptime":          buildinfo.Uptime().String(),
		"version":         buildinfo.Version,
	}

	if running, waiting, err := s.backend.Metrics(r.Context()); err == nil {
		body["requests_running"] = running
		body["requests_waiting"] = waiting
	}

	writeJSON(w, code, body)
}

// handleTranscripts returns recent exchanges, newest first. ?limit=N
// caps the result (default 50).
func (s *Server) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	if s.transcripts == nil {
		errorResponse(w, http.StatusNotFound, "transcripts disabled")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			errorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	exchanges, err := s.transcripts.Recent(r.Context(), limit)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "failed to load transcripts")
		return
	}
	if exchanges == nil {
		exchanges = []transcript.Exchange{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"exchanges": exchanges})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info())
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func errorResponse(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
