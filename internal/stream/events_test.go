package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmitText_WritesTriple(t *testing.T) {
	rec := NewRecorder()
	EmitText(rec, "txt-1", "hello")

	events := rec.Events()
	require.Len(t, events, 3)
	require.Equal(t, []EventType{TypeTextStart, TypeTextDelta, TypeTextEnd}, rec.Types())
	require.Equal(t, "hello", events[1].Delta)
	for _, e := range events {
		require.Equal(t, "txt-1", e.ID)
	}
}

func TestRecorder_EventsIsACopy(t *testing.T) {
	rec := NewRecorder()
	rec.Emit(Event{Type: TypeTextStart, ID: "a"})

	events := rec.Events()
	events[0].ID = "mutated"
	require.Equal(t, "a", rec.Events()[0].ID)
}

func TestNewNDJSONWriter_NilWriter(t *testing.T) {
	_, err := NewNDJSONWriter(nil)
	require.Error(t, err)
}

func TestNDJSONWriter_OneLinePerEventAndFlushes(t *testing.T) {
	w := httptest.NewRecorder()
	nd, err := NewNDJSONWriter(w)
	require.NoError(t, err)

	nd.Emit(Event{Type: TypeToolInputAvailable, ToolCallID: "call-1", ToolName: "searchWeb", Input: map[string]any{"query": "go"}})
	nd.Emit(Event{Type: TypeToolOutputAvailable, ToolCallID: "call-1", Output: map[string]any{"status": "ok"}})
	require.NoError(t, nd.Err())
	require.True(t, w.Flushed)

	sc := bufio.NewScanner(bytes.NewReader(w.Body.Bytes()))
	var lines []map[string]any
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 2)
	require.Equal(t, "tool-input-available", lines[0]["type"])
	require.Equal(t, "searchWeb", lines[0]["toolName"])
	require.Equal(t, "call-1", lines[1]["toolCallId"])
	require.NotContains(t, lines[1], "delta")
}

type failingWriter struct{ calls int }

func (f *failingWriter) Write([]byte) (int, error) {
	f.calls++
	return 0, errors.New("broken pipe")
}

func TestNDJSONWriter_StopsAfterFirstError(t *testing.T) {
	fw := &failingWriter{}
	nd, err := NewNDJSONWriter(fw)
	require.NoError(t, err)

	nd.Emit(Event{Type: TypeTextStart, ID: "a"})
	nd.Emit(Event{Type: TypeTextEnd, ID: "a"})
	require.Error(t, nd.Err())
	require.Equal(t, 1, fw.calls)
}

func TestMulti_FansOutInOrder(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	m := Multi{a, nil, b}
	EmitText(m, "x", "hi")
	require.Equal(t, a.Types(), b.Types())
	require.Len(t, a.Events(), 3)
}
