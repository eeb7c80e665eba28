// Package tools declares the callable tools and executes the server-side ones.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"assistant-agent/internal/domain"
)

// Handler executes a tool. A nil Handler marks the tool as client-executed.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is the static declaration of one callable tool.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler
	// NeedsApproval is advisory for the client. Execution is never gated on it.
	NeedsApproval bool
}

// ClientSide reports whether the tool result has to come from the client.
func (t Tool) ClientSide() bool {
	return t.Handler == nil
}

type entry struct {
	tool   Tool
	schema *gojsonschema.Schema
}

// Registry holds the tools in registration order. Schemas are compiled once
// and the definitions handed to the model never change afterwards.
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	definitions []domain.ToolDefinition
	logger      *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Register adds a tool. Names must be unique and parameters must be a valid
// JSON schema.
func (r *Registry) Register(t Tool) error {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("tools: name must not be empty")
	}
	if t.Parameters == nil {
		t.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	raw, err := json.Marshal(t.Parameters)
	if err != nil {
		return fmt.Errorf("tools: marshal %s parameters: %w", t.Name, err)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("tools: compile %s schema: %w", t.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[t.Name]; exists {
		return fmt.Errorf("tools: %s already registered", t.Name)
	}
	r.entries[t.Name] = &entry{tool: t, schema: schema}
	r.definitions = append(r.definitions, domain.ToolDefinition{
		Type: "function",
		Function: domain.ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  raw,
		},
	})
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Tool{}, false
	}
	return e.tool, true
}

// Definitions returns the tool schemas in registration order.
func (r *Registry) Definitions() []domain.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ToolDefinition, len(r.definitions))
	copy(out, r.definitions)
	return out
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	defs := r.Definitions()
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.Function.Name
	}
	return out
}

// Execute runs a server-side tool and always returns a JSON payload. Unknown
// tools, schema violations, handler errors and panics come back as
// {"error": "..."} so the model can react on its next pass.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (out json.RawMessage) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return errorPayload(fmt.Sprintf("unknown tool %q", name))
	}
	if e.tool.ClientSide() {
		return errorPayload(fmt.Sprintf("tool %q runs on the client", name))
	}
	if args == nil {
		args = map[string]any{}
	}

	result, err := e.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return errorPayload(fmt.Sprintf("invalid arguments: %v", err))
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			msgs = append(msgs, re.String())
		}
		r.logger.Warn("tool arguments rejected", "tool", name, "errors", msgs)
		return errorPayload("invalid arguments: " + strings.Join(msgs, "; "))
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", rec)
			out = errorPayload(fmt.Sprintf("tool %s failed", name))
		}
	}()

	value, err := e.tool.Handler(ctx, args)
	if err != nil {
		r.logger.Warn("tool failed", "tool", name, "err", err)
		return errorPayload(err.Error())
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return errorPayload(fmt.Sprintf("encode result: %v", err))
	}
	return raw
}

func errorPayload(msg string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"error": msg})
	return raw
}
