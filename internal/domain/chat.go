package domain

import (
	"encoding/json"
	"fmt"
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// UnmarshalJSON rejects unknown roles so invalid messages never enter history.
func (r *Role) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if !Role(s).Valid() {
		return fmt.Errorf("domain: unknown role %q", s)
	}
	*r = Role(s)
	return nil
}

// ChatMessage is the flat message shape sent to the inference backend.
type ChatMessage struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// MarshalJSON encodes the content of an assistant message that only carries
// tool calls as null, which is what OpenAI-style backends expect.
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	type wire struct {
		Role       Role       `json:"role"`
		Content    *string    `json:"content"`
		ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
		ToolCallID string     `json:"tool_call_id,omitempty"`
	}
	w := wire{Role: m.Role, ToolCalls: m.ToolCalls, ToolCallID: m.ToolCallID}
	if m.Content != "" || m.Role != RoleAssistant || len(m.ToolCalls) == 0 {
		content := m.Content
		w.Content = &content
	}
	return json.Marshal(w)
}

// ToolCall is a model-issued request to invoke a named tool.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the tool name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// NewToolCall builds a function-type tool call.
func NewToolCall(id, name, arguments string) ToolCall {
	return ToolCall{ID: id, Type: "function", Function: FunctionCall{Name: name, Arguments: arguments}}
}

// ToolSchema is the static declaration of a tool handed to the model.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolDefinition is the wire wrapper around a ToolSchema.
type ToolDefinition struct {
	Type     string     `json:"type"`
	Function ToolSchema `json:"function"`
}

// InferenceRequest is a single non-streaming call to the model.
type InferenceRequest struct {
	Model     string           `json:"model,omitempty"`
	Messages  []ChatMessage    `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	Stream    bool             `json:"stream"`
	MaxTokens int              `json:"max_tokens"`
}

// InferenceResponse is what the model produced for one pass.
type InferenceResponse struct {
	Response  string     `json:"response,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}
