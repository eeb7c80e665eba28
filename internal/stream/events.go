// Package stream carries the ordered turn events consumed by the transport layer.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// EventType identifies a stream event variant.
type EventType string

const (
	TypeTextStart           EventType = "text-start"
	TypeTextDelta           EventType = "text-delta"
	TypeTextEnd             EventType = "text-end"
	TypeToolInputAvailable  EventType = "tool-input-available"
	TypeToolOutputAvailable EventType = "tool-output-available"
)

// Event is one element of the append-only turn stream.
type Event struct {
	Type       EventType `json:"type"`
	ID         string    `json:"id,omitempty"`
	Delta      string    `json:"delta,omitempty"`
	ToolCallID string    `json:"toolCallId,omitempty"`
	ToolName   string    `json:"toolName,omitempty"`
	Input      any       `json:"input,omitempty"`
	Output     any       `json:"output,omitempty"`
}

// Emitter is an ordered event sink.
type Emitter interface {
	Emit(e Event)
}

// EmitText writes a complete text block as a start/delta/end triple.
func EmitText(em Emitter, id, text string) {
	em.Emit(Event{Type: TypeTextStart, ID: id})
	em.Emit(Event{Type: TypeTextDelta, ID: id, Delta: text})
	em.Emit(Event{Type: TypeTextEnd, ID: id})
}

// Recorder buffers events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything emitted so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the event types in emission order.
func (r *Recorder) Types() []EventType {
	events := r.Events()
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

// NDJSONWriter writes each event as one JSON line and flushes it when the
// underlying writer supports flushing.
type NDJSONWriter struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
	err error
}

func NewNDJSONWriter(w io.Writer) (*NDJSONWriter, error) {
	if w == nil {
		return nil, errors.New("stream: writer must not be nil")
	}
	return &NDJSONWriter{w: w, enc: json.NewEncoder(w)}, nil
}

func (n *NDJSONWriter) Emit(e Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return
	}
	if err := n.enc.Encode(e); err != nil {
		n.err = fmt.Errorf("stream: encode %s: %w", e.Type, err)
		return
	}
	if f, ok := n.w.(http.Flusher); ok {
		f.Flush()
	}
}

// Err returns the first write error, after which further events are dropped.
func (n *NDJSONWriter) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// Multi fans every event out to each sink in order.
type Multi []Emitter

func (m Multi) Emit(e Event) {
	for _, em := range m {
		if em != nil {
			em.Emit(e)
		}
	}
}

// Discard drops every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}
