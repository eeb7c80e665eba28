// Package httpapi serves turns over HTTP for local and container runs,
// streaming events as NDJSON while the turn is in progress.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"assistant-agent/internal/stream"
	"assistant-agent/internal/usecase"
)

const (
	ContentTypeNDJSON    = "application/x-ndjson"
	HeaderConversationID = "X-Conversation-Id"

	maxBodyBytes = 1 << 20
)

type TurnHandler interface {
	Handle(ctx context.Context, in usecase.TurnInput, em stream.Emitter) (usecase.TurnOutput, error)
}

type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

type Server struct {
	turns   TurnHandler
	sweeper Sweeper
	metrics http.Handler
	logger  *slog.Logger
}

// TurnRequest is the body of a turn request.
type TurnRequest struct {
	Message     string               `json:"message"`
	ToolOutputs []usecase.ToolOutput `json:"toolOutputs,omitempty"`
}

// Finish is the last NDJSON line of a successful turn.
type Finish struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversationId"`
	Outcome        usecase.Outcome `json:"outcome"`
	Passes         int             `json:"passes"`
}

type errorResponse struct {
	Type   string `json:"type,omitempty"`
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// New builds the server. sweeper and metrics are optional.
func New(turns TurnHandler, sweeper Sweeper, metrics http.Handler, logger *slog.Logger) (*Server, error) {
	if turns == nil {
		return nil, errors.New("httpapi: turn handler must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{turns: turns, sweeper: sweeper, metrics: metrics, logger: logger}, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Post("/v1/turns", s.handleTurn)
	r.Post("/v1/conversations/{id}/turns", s.handleTurn)
	r.Post("/v1/reminders/sweep", s.handleSweep)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid_body")
		return
	}

	// New conversations get their id here so it can go out as a header before
	// the first event.
	convID := strings.TrimSpace(chi.URLParam(r, "id"))
	if convID == "" {
		if len(req.ToolOutputs) > 0 {
			respondError(w, http.StatusBadRequest, string(usecase.ErrorInvalidInput), "tool_outputs_without_conversation")
			return
		}
		convID = uuid.NewString()
	}

	log := s.logger.With("conversation_id", convID, "request_id", middleware.GetReqID(r.Context()))
	sink := &lazyStream{w: w, conversationID: convID}
	out, err := s.turns.Handle(r.Context(), usecase.TurnInput{
		ConversationID: convID,
		Message:        req.Message,
		ToolOutputs:    req.ToolOutputs,
	}, sink)
	if err != nil {
		status, code, reason := StatusFor(err)
		log.Warn("turn rejected", "status", status, "code", code, "reason", reason, "err", err)
		if !sink.started() {
			respondError(w, status, code, reason)
			return
		}
		sink.writeLine(errorResponse{Type: "error", Error: code, Reason: reason})
		return
	}

	sink.start()
	sink.writeLine(Finish{Type: "finish", ConversationID: out.ConversationID, Outcome: out.Outcome, Passes: out.Passes})
	if err := sink.err(); err != nil {
		log.Warn("client stream broken", "err", err)
	}
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "sweeper not configured")
		return
	}
	applied, err := s.sweeper.Sweep(r.Context(), time.Now())
	if err != nil {
		s.logger.Error("reminder sweep failed", "applied", applied, "err", err)
		respondError(w, http.StatusInternalServerError, string(usecase.ErrorInternal), "sweep_failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"applied": applied})
}

// StatusFor maps a turn error to an HTTP status, error code and reason.
func StatusFor(err error) (int, string, string) {
	code, reason := usecase.CodeOf(err)
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, string(code), reason
	case usecase.ErrorConflict:
		return http.StatusConflict, string(code), reason
	case usecase.ErrorUpstream:
		return http.StatusBadGateway, string(code), reason
	default:
		return http.StatusInternalServerError, string(usecase.ErrorInternal), reason
	}
}

// lazyStream commits the 200 NDJSON response on the first event, so errors
// raised before anything was emitted can still use a proper status code.
type lazyStream struct {
	mu             sync.Mutex
	w              http.ResponseWriter
	conversationID string
	nd             *stream.NDJSONWriter
}

func (l *lazyStream) Emit(e stream.Event) {
	l.start()
	l.nd.Emit(e)
}

func (l *lazyStream) start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nd != nil {
		return
	}
	h := l.w.Header()
	h.Set("Content-Type", ContentTypeNDJSON)
	h.Set("Cache-Control", "no-cache")
	h.Set(HeaderConversationID, l.conversationID)
	l.w.WriteHeader(http.StatusOK)
	l.nd, _ = stream.NewNDJSONWriter(l.w)
}

func (l *lazyStream) started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nd != nil
}

func (l *lazyStream) writeLine(v any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := json.NewEncoder(l.w).Encode(v); err != nil {
		return
	}
	if f, ok := l.w.(http.Flusher); ok {
		f.Flush()
	}
}

func (l *lazyStream) err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nd == nil {
		return nil
	}
	return l.nd.Err()
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, reason string) {
	respondJSON(w, status, errorResponse{Error: code, Reason: reason})
}
