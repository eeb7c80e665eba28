package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"assistant-agent/internal/httpapi"
	"assistant-agent/internal/stream"
	"assistant-agent/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	scheduledSource     = "aws.events"
)

type TurnUseCase interface {
	Handle(ctx context.Context, in usecase.TurnInput, em stream.Emitter) (usecase.TurnOutput, error)
}

type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

type Handler struct {
	uc      TurnUseCase
	sweeper Sweeper
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Handler)

// WithSweeper enables delivery of due reminders on scheduled events.
func WithSweeper(s Sweeper) Option {
	return func(h *Handler) {
		h.sweeper = s
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

type turnRequest struct {
	ConversationID string               `json:"conversationId"`
	Message        string               `json:"message"`
	ToolOutputs    []usecase.ToolOutput `json:"toolOutputs,omitempty"`
}

type turnResponse struct {
	ConversationID string          `json:"conversationId"`
	Outcome        usecase.Outcome `json:"outcome"`
	Passes         int             `json:"passes"`
	Events         []stream.Event  `json:"events"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// SweepResult is returned to the scheduler that invoked the function.
type SweepResult struct {
	Applied int `json:"applied"`
}

func NewHandler(uc TurnUseCase, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	h := &Handler{uc: uc, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle runs one turn for an API Gateway request. Events are buffered and
// returned in the body, as NDJSON when the client asks for it.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.logger.With("correlation_id", correlationID)

	var req turnRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		log.Warn("invalid request body", "err", err)
		return errorResp(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid_body", correlationID), nil
	}
	if id := strings.TrimSpace(event.PathParameters["id"]); id != "" {
		req.ConversationID = id
	}

	rec := stream.NewRecorder()
	out, err := h.uc.Handle(ctx, usecase.TurnInput{
		ConversationID: req.ConversationID,
		Message:        req.Message,
		ToolOutputs:    req.ToolOutputs,
	}, rec)
	if err != nil {
		status, code, reason := httpapi.StatusFor(err)
		log.Warn("turn rejected", "status", status, "code", code, "reason", reason, "err", err)
		return errorResp(status, code, reason, correlationID), nil
	}

	log.Info("turn served", "conversation_id", out.ConversationID, "outcome", out.Outcome, "passes", out.Passes)
	headers := map[string]string{
		headerCorrelationID:          correlationID,
		httpapi.HeaderConversationID: out.ConversationID,
	}
	if strings.Contains(headerValue(event.Headers, "Accept"), httpapi.ContentTypeNDJSON) {
		headers["Content-Type"] = httpapi.ContentTypeNDJSON
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusOK,
			Headers:    headers,
			Body:       ndjsonBody(rec.Events(), out),
		}, nil
	}

	headers["Content-Type"] = "application/json"
	body, err := json.Marshal(turnResponse{
		ConversationID: out.ConversationID,
		Outcome:        out.Outcome,
		Passes:         out.Passes,
		Events:         rec.Events(),
	})
	if err != nil {
		return errorResp(http.StatusInternalServerError, string(usecase.ErrorInternal), "encode_error", correlationID), nil
	}
	return events.APIGatewayProxyResponse{StatusCode: http.StatusOK, Headers: headers, Body: string(body)}, nil
}

// HandleSchedule delivers every reminder due at the event time.
func (h *Handler) HandleSchedule(ctx context.Context, event events.CloudWatchEvent) (SweepResult, error) {
	if h.sweeper == nil {
		return SweepResult{}, errors.New("handler: scheduled event received without a sweeper")
	}
	now := event.Time
	if now.IsZero() {
		now = h.now()
	}
	applied, err := h.sweeper.Sweep(ctx, now)
	if err != nil {
		h.logger.Error("reminder sweep failed", "applied", applied, "err", err)
		return SweepResult{Applied: applied}, err
	}
	h.logger.Info("reminder sweep done", "applied", applied)
	return SweepResult{Applied: applied}, nil
}

// Invoke is the Lambda entrypoint. EventBridge schedule events go to the
// sweeper and everything else is treated as an API Gateway request.
func (h *Handler) Invoke(ctx context.Context, raw json.RawMessage) (any, error) {
	var envelope struct {
		Source string `json:"source"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Source == scheduledSource {
		var ev events.CloudWatchEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return h.HandleSchedule(ctx, ev)
	}

	var req events.APIGatewayProxyRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResp(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid_event", uuid.NewString()), nil
	}
	return h.Handle(ctx, req)
}

func ndjsonBody(evs []stream.Event, out usecase.TurnOutput) string {
	var buf bytes.Buffer
	nd, _ := stream.NewNDJSONWriter(&buf)
	for _, e := range evs {
		nd.Emit(e)
	}
	_ = json.NewEncoder(&buf).Encode(httpapi.Finish{
		Type:           "finish",
		ConversationID: out.ConversationID,
		Outcome:        out.Outcome,
		Passes:         out.Passes,
	})
	return buf.String()
}

func errorResp(status int, code, reason, correlationID string) events.APIGatewayProxyResponse {
	body, _ := json.Marshal(errorResponse{Error: code, Reason: reason})
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":      "application/json",
			headerCorrelationID: correlationID,
		},
		Body: string(body),
	}
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
