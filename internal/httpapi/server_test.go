package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"assistant-agent/internal/stream"
	"assistant-agent/internal/usecase"
)

type stubTurns struct {
	events []stream.Event
	out    usecase.TurnOutput
	err    error
	in     usecase.TurnInput
}

func (s *stubTurns) Handle(_ context.Context, in usecase.TurnInput, em stream.Emitter) (usecase.TurnOutput, error) {
	s.in = in
	for _, e := range s.events {
		em.Emit(e)
	}
	out := s.out
	out.ConversationID = in.ConversationID
	return out, s.err
}

type stubSweeper struct {
	applied int
	err     error
}

func (s *stubSweeper) Sweep(context.Context, time.Time) (int, error) {
	return s.applied, s.err
}

func newTestServer(t *testing.T, turns TurnHandler, sweeper Sweeper) http.Handler {
	t.Helper()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# metrics\n")
	})
	s, err := New(turns, sweeper, metrics, nil)
	require.NoError(t, err)
	return s.Router()
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func lines(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func TestNew_ValidatesDependency(t *testing.T) {
	_, err := New(nil, nil, nil, nil)
	require.Error(t, err)
}

func TestTurn_StreamsEventsThenFinish(t *testing.T) {
	turns := &stubTurns{
		events: []stream.Event{
			{Type: stream.TypeTextStart, ID: "t1"},
			{Type: stream.TypeTextDelta, ID: "t1", Delta: "hello"},
			{Type: stream.TypeTextEnd, ID: "t1"},
		},
		out: usecase.TurnOutput{Outcome: usecase.OutcomeDone, Passes: 1},
	}
	h := newTestServer(t, turns, nil)

	rec := post(t, h, "/v1/conversations/conv-1/turns", `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, ContentTypeNDJSON, rec.Header().Get("Content-Type"))
	require.Equal(t, "conv-1", rec.Header().Get(HeaderConversationID))
	require.Equal(t, usecase.TurnInput{ConversationID: "conv-1", Message: "hi"}, turns.in)

	got := lines(t, rec.Body.String())
	require.Len(t, got, 4)
	require.Equal(t, "text-start", got[0]["type"])
	require.Equal(t, "hello", got[1]["delta"])
	require.Equal(t, "finish", got[3]["type"])
	require.Equal(t, "conv-1", got[3]["conversationId"])
	require.Equal(t, "done", got[3]["outcome"])
}

func TestTurn_NewConversationGetsID(t *testing.T) {
	turns := &stubTurns{out: usecase.TurnOutput{Outcome: usecase.OutcomeDone, Passes: 1}}
	h := newTestServer(t, turns, nil)

	rec := post(t, h, "/v1/turns", `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, turns.in.ConversationID)
	require.Equal(t, turns.in.ConversationID, rec.Header().Get(HeaderConversationID))

	got := lines(t, rec.Body.String())
	require.Len(t, got, 1, "an idle turn only carries the finish line")
}

func TestTurn_ToolOutputsNeedConversation(t *testing.T) {
	turns := &stubTurns{}
	h := newTestServer(t, turns, nil)

	rec := post(t, h, "/v1/turns", `{"toolOutputs":[{"toolCallId":"c1","output":{}}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, turns.in.ConversationID)
}

func TestTurn_ForwardsToolOutputs(t *testing.T) {
	turns := &stubTurns{out: usecase.TurnOutput{Outcome: usecase.OutcomeDone}}
	h := newTestServer(t, turns, nil)

	rec := post(t, h, "/v1/conversations/c/turns", `{"toolOutputs":[{"toolCallId":"c1","output":{"tz":"UTC"}},{"toolCallId":"c2","rejected":true}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, turns.in.ToolOutputs, 2)
	require.JSONEq(t, `{"tz":"UTC"}`, string(turns.in.ToolOutputs[0].Output))
	require.True(t, turns.in.ToolOutputs[1].Rejected)
}

func TestTurn_InvalidBody(t *testing.T) {
	h := newTestServer(t, &stubTurns{}, nil)
	rec := post(t, h, "/v1/turns", `not-json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var out errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
}

func TestTurn_MapsErrorsBeforeStreaming(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_message"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "conflict", err: &usecase.Error{Code: usecase.ErrorConflict, Reason: "conversation_busy"}, status: http.StatusConflict, code: string(usecase.ErrorConflict)},
		{name: "upstream", err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "ssm_load_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstream)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "history_read_error"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestServer(t, &stubTurns{err: tc.err}, nil)
			rec := post(t, h, "/v1/conversations/c/turns", `{"message":"hi"}`)
			require.Equal(t, tc.status, rec.Code)

			var out errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestTurn_ErrorAfterStreamingIsALine(t *testing.T) {
	turns := &stubTurns{
		events: []stream.Event{{Type: stream.TypeTextStart, ID: "t1"}},
		err:    &usecase.Error{Code: usecase.ErrorInternal, Reason: "state_write_error"},
	}
	h := newTestServer(t, turns, nil)

	rec := post(t, h, "/v1/conversations/c/turns", `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	got := lines(t, rec.Body.String())
	require.Len(t, got, 2)
	require.Equal(t, "error", got[1]["type"])
	require.Equal(t, "state_write_error", got[1]["reason"])
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestServer(t, &stubTurns{}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "# metrics")
}

func TestSweep(t *testing.T) {
	rec := post(t, newTestServer(t, &stubTurns{}, nil), "/v1/reminders/sweep", "")
	require.Equal(t, http.StatusNotImplemented, rec.Code)

	rec = post(t, newTestServer(t, &stubTurns{}, &stubSweeper{applied: 2}), "/v1/reminders/sweep", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"applied":2}`, rec.Body.String())

	rec = post(t, newTestServer(t, &stubTurns{}, &stubSweeper{err: errors.New("throttled")}), "/v1/reminders/sweep", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
