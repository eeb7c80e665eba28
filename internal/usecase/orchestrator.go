package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"assistant-agent/internal/domain"
	"assistant-agent/internal/stream"
	"assistant-agent/internal/tools"
)

const (
	defaultMaxPasses = 3
	defaultMaxTokens = 1024

	ApologyText = "Sorry, I ran into a problem while generating a response. Please try again."
)

// Outcome is how a turn ended.
type Outcome string

const (
	OutcomeDone           Outcome = "done"
	OutcomeAwaitingClient Outcome = "awaiting_client"
	OutcomeFailed         Outcome = "failed"
)

var clientPendingOutput = json.RawMessage(`{"status":"fetching"}`)

type InferenceClient interface {
	Complete(ctx context.Context, in domain.InferenceRequest) (domain.InferenceResponse, error)
}

// ToolSet is the part of the tool registry the orchestrator drives.
type ToolSet interface {
	Definitions() []domain.ToolDefinition
	Get(name string) (tools.Tool, bool)
	Execute(ctx context.Context, name string, args map[string]any) json.RawMessage
}

// Observer receives turn metrics. All methods must be safe for concurrent use.
type Observer interface {
	InferencePass(d time.Duration, err error)
	ToolExecuted(name string, failed bool)
	ToolCallDropped(name string)
	TurnFinished(outcome string, passes int, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) InferencePass(time.Duration, error) {}
func (nopObserver) ToolExecuted(string, bool) {}
func (nopObserver) ToolCallDropped(string) {}
func (nopObserver) TurnFinished(string, int, time.Duration) {}

// Orchestrator runs the bounded inference and tool loop of one turn. It holds
// no per-turn state, so one instance serves every conversation.
type Orchestrator struct {
	inference InferenceClient
	tools     ToolSet
	maxPasses int
	maxTokens int
	logger    *slog.Logger
	observer  Observer
}

type OrchestratorConfig struct {
	MaxPasses int
	MaxTokens int
	Logger    *slog.Logger
	Observer  Observer
}

func NewOrchestrator(inference InferenceClient, toolSet ToolSet, cfg OrchestratorConfig) (*Orchestrator, error) {
	if inference == nil {
		return nil, errors.New("usecase: inference client must not be nil")
	}
	if toolSet == nil {
		return nil, errors.New("usecase: tool set must not be nil")
	}
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = defaultMaxPasses
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return &Orchestrator{
		inference: inference,
		tools:     toolSet,
		maxPasses: cfg.MaxPasses,
		maxTokens: cfg.MaxTokens,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
	}, nil
}

// RunInput is the fully assembled request list for one turn.
type RunInput struct {
	ConversationID string
	Model          string
	Messages       []domain.ChatMessage
}

// RunResult describes what a turn produced. ToolParts and Text are what the
// turn service persists as the assistant message.
type RunResult struct {
	Outcome   Outcome
	Passes    int
	Text      string
	ToolParts []domain.Part
	Err       error
}

// Run drives the pass loop. It never returns an error: inference failures end
// the turn with OutcomeFailed after emitting the apology text.
func (o *Orchestrator) Run(ctx context.Context, in RunInput, em stream.Emitter) RunResult {
	if em == nil {
		em = stream.Discard
	}
	log := o.logger.With("conversation_id", in.ConversationID)
	toolCtx := tools.WithConversationID(ctx, in.ConversationID)

	// Schemas are read once so every pass sends the same set.
	defs := o.tools.Definitions()
	working := append([]domain.ChatMessage(nil), in.Messages...)
	executed := make(map[string]bool)
	var res RunResult

	for pass := 1; pass <= o.maxPasses; pass++ {
		res.Passes = pass

		started := time.Now()
		resp, err := o.inference.Complete(ctx, domain.InferenceRequest{
			Model:     in.Model,
			Messages:  working,
			Tools:     defs,
			Stream:    false,
			MaxTokens: o.maxTokens,
		})
		o.observer.InferencePass(time.Since(started), err)
		if err != nil {
			log.Error("inference failed", "pass", pass, "err", err)
			stream.EmitText(em, newTextID(), ApologyText)
			return RunResult{Outcome: OutcomeFailed, Passes: pass, Err: err}
		}

		if len(resp.ToolCalls) == 0 {
			if strings.TrimSpace(resp.Response) != "" {
				stream.EmitText(em, newTextID(), resp.Response)
				res.Text = resp.Response
			}
			res.Outcome = OutcomeDone
			return res
		}

		calls := make([]domain.ToolCall, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			name := call.Function.Name
			if executed[name] {
				log.Info("dropping repeated tool call", "tool", name, "tool_call_id", call.ID, "pass", pass)
				o.observer.ToolCallDropped(name)
				continue
			}
			executed[name] = true
			calls = append(calls, call)
		}
		if len(calls) == 0 {
			res.Outcome = OutcomeDone
			return res
		}
		working = append(working, domain.ChatMessage{
			Role:      domain.RoleAssistant,
			Content:   resp.Response,
			ToolCalls: calls,
		})

		for _, call := range calls {
			args, input := parseArguments(call.Function.Arguments)
			if args == nil {
				log.Warn("malformed tool arguments, using empty arguments", "tool", call.Function.Name, "tool_call_id", call.ID)
			}
			em.Emit(stream.Event{
				Type:       stream.TypeToolInputAvailable,
				ToolCallID: call.ID,
				ToolName:   call.Function.Name,
				Input:      input,
			})

			if tool, ok := o.tools.Get(call.Function.Name); ok && tool.ClientSide() {
				em.Emit(stream.Event{
					Type:       stream.TypeToolOutputAvailable,
					ToolCallID: call.ID,
					Output:     clientPendingOutput,
				})
				res.ToolParts = append(res.ToolParts, domain.Part{
					Type:       domain.PartTool,
					ToolCallID: call.ID,
					ToolName:   call.Function.Name,
					Input:      input,
					State:      domain.ToolStateRequested,
				})
				res.Outcome = OutcomeAwaitingClient
				return res
			}

			output := o.tools.Execute(toolCtx, call.Function.Name, args)
			o.observer.ToolExecuted(call.Function.Name, isErrorPayload(output))
			em.Emit(stream.Event{
				Type:       stream.TypeToolOutputAvailable,
				ToolCallID: call.ID,
				Output:     output,
			})
			working = append(working, domain.ChatMessage{
				Role:       domain.RoleTool,
				ToolCallID: call.ID,
				Content:    string(output),
			})
			res.ToolParts = append(res.ToolParts, domain.Part{
				Type:       domain.PartTool,
				ToolCallID: call.ID,
				ToolName:   call.Function.Name,
				Input:      input,
				Output:     output,
				State:      domain.ToolStateOutputAvailable,
			})
		}
	}

	log.Info("pass budget exhausted", "passes", res.Passes)
	res.Outcome = OutcomeDone
	return res
}

// parseArguments decodes tool arguments. Anything that is not a JSON object
// becomes empty arguments; args is nil in that case so callers can log it.
func parseArguments(raw string) (map[string]any, json.RawMessage) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, json.RawMessage(`{}`)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return nil, json.RawMessage(`{}`)
	}
	return args, json.RawMessage(raw)
}

func isErrorPayload(raw json.RawMessage) bool {
	var shape struct {
		Error *string `json:"error"`
	}
	return json.Unmarshal(raw, &shape) == nil && shape.Error != nil
}

var newTextID = func() string {
	return "txt-" + newUUID()
}
