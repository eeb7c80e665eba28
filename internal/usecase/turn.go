package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"assistant-agent/internal/domain"
	"assistant-agent/internal/repository"
	"assistant-agent/internal/stream"
)

const (
	defaultMaxHistory    = 50
	defaultMaxMessageLen = 4000
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type ConversationStore interface {
	GetHistory(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	GetState(ctx context.Context, conversationID string) (domain.ConversationState, error)
	SaveTurn(ctx context.Context, rec domain.TurnRecord) error
}

// TurnService runs one user turn end to end: it serializes turns per
// conversation, assembles the request, drives the orchestrator and commits
// the result.
type TurnService struct {
	params        ParamGetter
	store         ConversationStore
	orchestrator  *Orchestrator
	paramPrefix   string
	maxHistory    int
	maxMessageLen int
	logger        *slog.Logger
	observer      Observer
	now           func() time.Time
	locks         *conversationLocks

	cacheMu     sync.RWMutex
	cacheLoaded bool
	persona     string
	model       string
}

type TurnServiceConfig struct {
	ParamPrefix   string
	MaxHistory    int
	MaxMessageLen int
	Logger        *slog.Logger
	Observer      Observer
}

// ToolOutput is a client-produced result for a tool call that ended a
// previous turn in the awaiting-client state.
type ToolOutput struct {
	ToolCallID string          `json:"toolCallId"`
	Output     json.RawMessage `json:"output,omitempty"`
	Rejected   bool            `json:"rejected,omitempty"`
}

type TurnInput struct {
	ConversationID string
	Message        string
	ToolOutputs    []ToolOutput
}

type TurnOutput struct {
	ConversationID string  `json:"conversationId"`
	Outcome        Outcome `json:"outcome"`
	Passes         int     `json:"passes"`
}

func NewTurnService(p ParamGetter, s ConversationStore, o *Orchestrator, cfg TurnServiceConfig) (*TurnService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if o == nil {
		return nil, errors.New("usecase: orchestrator must not be nil")
	}
	paramPrefix := strings.TrimRight(strings.TrimSpace(cfg.ParamPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = defaultMaxMessageLen
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return &TurnService{
		params:        p,
		store:         s,
		orchestrator:  o,
		paramPrefix:   paramPrefix,
		maxHistory:    cfg.MaxHistory,
		maxMessageLen: cfg.MaxMessageLen,
		logger:        cfg.Logger,
		observer:      cfg.Observer,
		now:           time.Now,
		locks:         &conversationLocks{logger: cfg.Logger},
	}, nil
}

// Handle runs a turn and writes its events to em. Only failures outside the
// pass loop are returned as errors; an inference failure is reported through
// the apology text and OutcomeFailed.
func (s *TurnService) Handle(ctx context.Context, in TurnInput, em stream.Emitter) (TurnOutput, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" && len(in.ToolOutputs) == 0 {
		return TurnOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if len(message) > s.maxMessageLen {
		return TurnOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		if len(in.ToolOutputs) > 0 {
			return TurnOutput{}, newError(ErrorInvalidInput, "tool_outputs_without_conversation", nil)
		}
		convID = newUUID()
	}
	if em == nil {
		em = stream.Discard
	}

	release, err := s.locks.acquire(ctx, convID)
	if err != nil {
		return TurnOutput{}, newError(ErrorConflict, "conversation_busy", err)
	}
	defer release()

	started := s.now()
	log := s.logger.With("conversation_id", convID)

	if err := s.ensureConfig(ctx); err != nil {
		return TurnOutput{}, newError(ErrorUpstream, "ssm_load_error", err)
	}

	history, err := s.store.GetHistory(ctx, convID, s.maxHistory)
	if err != nil {
		return TurnOutput{}, newError(ErrorInternal, "history_read_error", err)
	}
	resolved, err := applyToolOutputs(history, in.ToolOutputs)
	if err != nil {
		return TurnOutput{}, newError(ErrorInvalidInput, "unknown_tool_call", err)
	}

	// Reminders are only read here. They leave durable state when the turn
	// commits, so a failed turn surfaces them again next time.
	state, err := s.store.GetState(ctx, convID)
	if err != nil {
		return TurnOutput{}, newError(ErrorInternal, "state_read_error", err)
	}

	persona, model := s.cachedConfig()
	messages := []domain.ChatMessage{{Role: domain.RoleSystem, Content: buildSystemPrompt(persona, state.Reminders, started)}}
	messages = append(messages, TranslateHistory(history)...)
	if message != "" {
		messages = append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: message})
	}

	log.Info("turn started",
		"history", len(history),
		"reminders", len(state.Reminders),
		"tool_outputs", len(in.ToolOutputs),
	)
	res := s.orchestrator.Run(ctx, RunInput{ConversationID: convID, Model: model, Messages: messages}, em)
	out := TurnOutput{ConversationID: convID, Outcome: res.Outcome, Passes: res.Passes}

	if res.Outcome == OutcomeFailed {
		s.observer.TurnFinished(string(res.Outcome), res.Passes, s.now().Sub(started))
		log.Warn("turn failed, nothing persisted", "passes", res.Passes, "err", res.Err)
		return out, nil
	}

	rec := domain.TurnRecord{
		ConversationID:   convID,
		Replace:          resolved,
		DrainedReminders: len(state.Reminders),
	}
	createdAt := s.now().UTC()
	if message != "" {
		rec.Append = append(rec.Append, repository.NewMessage(convID, domain.RoleUser, []domain.Part{domain.TextPart(message)}, createdAt))
	}
	if parts := assistantParts(res); len(parts) > 0 {
		// Strictly after the user message so history order is stable.
		rec.Append = append(rec.Append, repository.NewMessage(convID, domain.RoleAssistant, parts, createdAt.Add(time.Microsecond)))
	}

	if err := s.store.SaveTurn(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return TurnOutput{}, newError(ErrorConflict, "state_conflict", err)
		}
		return TurnOutput{}, newError(ErrorInternal, "state_write_error", err)
	}

	s.observer.TurnFinished(string(res.Outcome), res.Passes, s.now().Sub(started))
	log.Info("turn finished",
		"outcome", res.Outcome,
		"passes", res.Passes,
		"tool_calls", len(res.ToolParts),
		"drained_reminders", rec.DrainedReminders,
	)
	return out, nil
}

func assistantParts(res RunResult) []domain.Part {
	parts := append([]domain.Part(nil), res.ToolParts...)
	if strings.TrimSpace(res.Text) != "" {
		parts = append(parts, domain.TextPart(res.Text))
	}
	return parts
}

// applyToolOutputs resolves awaiting tool parts in history in place and
// returns the messages that changed.
func applyToolOutputs(history []domain.Message, outputs []ToolOutput) ([]domain.Message, error) {
	if len(outputs) == 0 {
		return nil, nil
	}
	changed := make(map[int]bool)
	for _, o := range outputs {
		idx, part := findAwaitingPart(history, o.ToolCallID)
		if idx < 0 {
			return nil, fmt.Errorf("usecase: no pending tool call %q", o.ToolCallID)
		}
		// Copy before mutating so the caller's slices stay untouched.
		if !changed[idx] {
			history[idx].Parts = append([]domain.Part(nil), history[idx].Parts...)
		}
		p := &history[idx].Parts[part]
		if o.Rejected {
			p.State = domain.ToolStateRejected
			p.Output = nil
		} else {
			p.State = domain.ToolStateOutputAvailable
			p.Output = o.Output
			if len(p.Output) == 0 {
				p.Output = json.RawMessage(`{}`)
			}
		}
		changed[idx] = true
	}

	out := make([]domain.Message, 0, len(changed))
	for i := range history {
		if changed[i] {
			out = append(out, history[i])
		}
	}
	return out, nil
}

func findAwaitingPart(history []domain.Message, toolCallID string) (int, int) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != domain.RoleAssistant {
			continue
		}
		j := history[i].ToolPart(toolCallID)
		if j < 0 {
			continue
		}
		switch history[i].Parts[j].State {
		case domain.ToolStateRequested, domain.ToolStateApprovalRequired:
			return i, j
		}
		return -1, -1
	}
	return -1, -1
}

func (s *TurnService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	persona, model, err := s.loadSSMParams(ctx)
	if err != nil {
		return err
	}

	s.persona = persona
	s.model = model
	s.cacheLoaded = true
	return nil
}

func (s *TurnService) cachedConfig() (persona, model string) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.persona, s.model
}

func (s *TurnService) loadSSMParams(ctx context.Context) (persona, model string, err error) {
	persona, err = s.params.GetParameter(ctx, s.paramPrefix+"/persona")
	if err != nil {
		return "", "", fmt.Errorf("usecase: load persona: %w", err)
	}
	model, err = s.params.GetParameter(ctx, s.paramPrefix+"/config/model")
	if err != nil {
		return "", "", fmt.Errorf("usecase: load model: %w", err)
	}
	return persona, strings.TrimSpace(model), nil
}

var newUUID = func() string {
	return uuid.NewString()
}
