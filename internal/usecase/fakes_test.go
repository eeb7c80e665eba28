package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"assistant-agent/internal/domain"
	"assistant-agent/internal/integrations/duckduckgo"
	"assistant-agent/internal/stream"
	"assistant-agent/internal/tools"
)

type inferenceStep func(req domain.InferenceRequest) (domain.InferenceResponse, error)

// scriptedInference replays one step per call and records every request.
type scriptedInference struct {
	mu       sync.Mutex
	steps    []inferenceStep
	requests []domain.InferenceRequest
}

func newScriptedInference(steps ...inferenceStep) *scriptedInference {
	return &scriptedInference{steps: steps}
}

func (s *scriptedInference) push(steps ...inferenceStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

func (s *scriptedInference) Complete(_ context.Context, req domain.InferenceRequest) (domain.InferenceResponse, error) {
	s.mu.Lock()
	req.Messages = append([]domain.ChatMessage(nil), req.Messages...)
	s.requests = append(s.requests, req)
	if len(s.steps) == 0 {
		s.mu.Unlock()
		return domain.InferenceResponse{}, errors.New("unexpected inference call")
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	s.mu.Unlock()
	return step(req)
}

func (s *scriptedInference) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedInference) request(i int) domain.InferenceRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func textStep(text string) inferenceStep {
	return func(domain.InferenceRequest) (domain.InferenceResponse, error) {
		return domain.InferenceResponse{Response: text}, nil
	}
}

func callStep(calls ...domain.ToolCall) inferenceStep {
	return func(domain.InferenceRequest) (domain.InferenceResponse, error) {
		return domain.InferenceResponse{ToolCalls: calls}, nil
	}
}

func failStep(err error) inferenceStep {
	return func(domain.InferenceRequest) (domain.InferenceResponse, error) {
		return domain.InferenceResponse{}, err
	}
}

type fakeSearcher struct {
	mu      sync.Mutex
	answer  duckduckgo.Answer
	err     error
	queries []string
}

func (f *fakeSearcher) Search(_ context.Context, query string) (duckduckgo.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.err != nil {
		return duckduckgo.Answer{}, f.err
	}
	a := f.answer
	a.Query = query
	return a, nil
}

type fakeReminders struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeReminders) Schedule(_ context.Context, _ string, delaySeconds int, message string) (domain.ReminderConfirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return domain.ReminderConfirmation{Scheduled: true, Message: message, InSeconds: delaySeconds}, nil
}

func newTestRegistry(t *testing.T, s tools.Searcher, r tools.ReminderScheduler) *tools.Registry {
	t.Helper()
	reg, err := tools.NewDefaultRegistry(s, r, nil)
	require.NoError(t, err)
	return reg
}

func newTestOrchestrator(t *testing.T, inf InferenceClient, ts ToolSet, maxPasses int) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(inf, ts, OrchestratorConfig{MaxPasses: maxPasses})
	require.NoError(t, err)
	return o
}

func jsonOf(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return string(raw)
}

func eventsOfType(events []stream.Event, typ stream.EventType) []stream.Event {
	var out []stream.Event
	for _, e := range events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

var textTriple = []stream.EventType{stream.TypeTextStart, stream.TypeTextDelta, stream.TypeTextEnd}
