package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"assistant-agent/internal/stream"
	"assistant-agent/internal/usecase"
)

type stubUseCase struct {
	out    usecase.TurnOutput
	err    error
	events []stream.Event
	in     usecase.TurnInput
}

func (s *stubUseCase) Handle(_ context.Context, in usecase.TurnInput, em stream.Emitter) (usecase.TurnOutput, error) {
	s.in = in
	for _, e := range s.events {
		em.Emit(e)
	}
	return s.out, s.err
}

type stubSweeper struct {
	at      time.Time
	applied int
	err     error
}

func (s *stubSweeper) Sweep(_ context.Context, now time.Time) (int, error) {
	s.at = now
	return s.applied, s.err
}

func makeEvent(body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/turns",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func textEvents(text string) []stream.Event {
	return []stream.Event{
		{Type: stream.TypeTextStart, ID: "t1"},
		{Type: stream.TypeTextDelta, ID: "t1", Delta: text},
		{Type: stream.TypeTextEnd, ID: "t1"},
	}
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandle_HappyPath(t *testing.T) {
	uc := &stubUseCase{
		out:    usecase.TurnOutput{ConversationID: "conv-1", Outcome: usecase.OutcomeDone, Passes: 1},
		events: textEvents("hello"),
	}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(`{"message":"What can you do?","conversationId":"conv-1"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.TurnInput{Message: "What can you do?", ConversationID: "conv-1"}, uc.in)

	out := parseBody[turnResponse](t, resp.Body)
	require.Equal(t, "conv-1", out.ConversationID)
	require.Equal(t, usecase.OutcomeDone, out.Outcome)
	require.Len(t, out.Events, 3)
	require.Equal(t, "hello", out.Events[1].Delta)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
	require.Equal(t, "conv-1", resp.Headers["X-Conversation-Id"])
}

func TestHandle_PathParameterWins(t *testing.T) {
	uc := &stubUseCase{out: usecase.TurnOutput{ConversationID: "conv-path", Outcome: usecase.OutcomeDone}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	event := makeEvent(`{"message":"hi","conversationId":"conv-body"}`)
	event.PathParameters = map[string]string{"id": "conv-path"}
	_, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "conv-path", uc.in.ConversationID)
}

func TestHandle_NDJSONWhenAccepted(t *testing.T) {
	uc := &stubUseCase{
		out:    usecase.TurnOutput{ConversationID: "conv-1", Outcome: usecase.OutcomeAwaitingClient, Passes: 1},
		events: textEvents("hi"),
	}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	event := makeEvent(`{"message":"hi"}`)
	event.Headers["accept"] = "application/x-ndjson"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "application/x-ndjson", resp.Headers["Content-Type"])

	lines := strings.Split(strings.TrimSpace(resp.Body), "\n")
	require.Len(t, lines, 4)
	last := parseBody[map[string]any](t, lines[3])
	require.Equal(t, "finish", last["type"])
	require.Equal(t, "awaiting_client", last["outcome"])
}

func TestHandle_InvalidBody(t *testing.T) {
	uc := &stubUseCase{}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(`not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_message"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "conflict", err: &usecase.Error{Code: usecase.ErrorConflict, Reason: "state_conflict"}, status: http.StatusConflict, code: string(usecase.ErrorConflict)},
		{name: "upstream", err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "ssm_load_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstream)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "state_write_error"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			uc := &stubUseCase{err: tc.err}
			h, err := NewHandler(uc)
			require.NoError(t, err)

			resp, err := h.Handle(context.Background(), makeEvent(`{"message":"hi"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	uc := &stubUseCase{out: usecase.TurnOutput{ConversationID: "conv-1", Outcome: usecase.OutcomeDone}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	event := makeEvent(`{"message":"hi"}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

func TestHandleSchedule(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 30, 0, time.UTC)

	h, err := NewHandler(&stubUseCase{})
	require.NoError(t, err)
	_, err = h.HandleSchedule(context.Background(), events.CloudWatchEvent{Time: at})
	require.Error(t, err, "no sweeper configured")

	sw := &stubSweeper{applied: 2}
	h, err = NewHandler(&stubUseCase{}, WithSweeper(sw))
	require.NoError(t, err)
	res, err := h.HandleSchedule(context.Background(), events.CloudWatchEvent{Time: at})
	require.NoError(t, err)
	require.Equal(t, 2, res.Applied)
	require.Equal(t, at, sw.at)

	sw.err = errors.New("throttled")
	_, err = h.HandleSchedule(context.Background(), events.CloudWatchEvent{Time: at})
	require.Error(t, err)
}

func TestInvoke_Dispatches(t *testing.T) {
	sw := &stubSweeper{applied: 1}
	uc := &stubUseCase{out: usecase.TurnOutput{ConversationID: "conv-1", Outcome: usecase.OutcomeDone}}
	h, err := NewHandler(uc, WithSweeper(sw))
	require.NoError(t, err)

	got, err := h.Invoke(context.Background(), json.RawMessage(`{"source":"aws.events","detail-type":"Scheduled Event","time":"2026-03-02T09:00:30Z","detail":{}}`))
	require.NoError(t, err)
	require.Equal(t, SweepResult{Applied: 1}, got)
	require.Equal(t, time.Date(2026, 3, 2, 9, 0, 30, 0, time.UTC), sw.at.UTC())

	raw, err := json.Marshal(makeEvent(`{"message":"hi","conversationId":"conv-1"}`))
	require.NoError(t, err)
	got, err = h.Invoke(context.Background(), raw)
	require.NoError(t, err)
	resp, ok := got.(events.APIGatewayProxyResponse)
	require.True(t, ok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hi", uc.in.Message)
}
