package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ToolCallState is the lifecycle state of a tool call recorded on a message.
type ToolCallState string

const (
	ToolStateRequested        ToolCallState = "requested"
	ToolStateOutputAvailable  ToolCallState = "output-available"
	ToolStateRejected         ToolCallState = "rejected"
	ToolStateApprovalRequired ToolCallState = "approval-required"
)

// Valid reports whether s is one of the known lifecycle states.
func (s ToolCallState) Valid() bool {
	switch s {
	case ToolStateRequested, ToolStateOutputAvailable, ToolStateRejected, ToolStateApprovalRequired:
		return true
	}
	return false
}

// UnmarshalJSON rejects unknown states.
func (s *ToolCallState) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if !ToolCallState(raw).Valid() {
		return fmt.Errorf("domain: unknown tool call state %q", raw)
	}
	*s = ToolCallState(raw)
	return nil
}

// PartType distinguishes the content parts of a stored message.
type PartType string

const (
	PartText PartType = "text"
	PartTool PartType = "tool"
)

// Part is one piece of a stored message: a text span or a tool call record.
type Part struct {
	Type       PartType        `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	State      ToolCallState   `json:"state,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// Message is a single persisted conversation message in multi-part form.
type Message struct {
	PK             string    `json:"-"`
	SK             string    `json:"-"`
	ConversationID string    `json:"conversationId,omitempty"`
	ID             string    `json:"id"`
	Role           Role      `json:"role"`
	Parts          []Part    `json:"parts"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Text returns the newline-joined text parts of the message.
func (m Message) Text() string {
	var texts []string
	for _, p := range m.Parts {
		if p.Type == PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// ToolPart returns the index of the tool part answering toolCallID, or -1.
func (m Message) ToolPart(toolCallID string) int {
	for i, p := range m.Parts {
		if p.Type == PartTool && p.ToolCallID == toolCallID {
			return i
		}
	}
	return -1
}

// ConversationState is the durable per-conversation state.
type ConversationState struct {
	ConversationID string
	Reminders      []string
	Turns          int
	LastActivity   string
}

// Reminder is a durable deferred reminder waiting to fire.
type Reminder struct {
	PK             string
	SK             string
	ID             string
	ConversationID string
	Message        string
	FireAt         time.Time
	CreatedAt      time.Time
}

// ReminderConfirmation is returned to the model when a reminder is scheduled.
type ReminderConfirmation struct {
	Scheduled bool   `json:"scheduled"`
	Message   string `json:"message"`
	InSeconds int    `json:"inSeconds"`
}

// TurnRecord is everything one successful turn writes back to durable state.
type TurnRecord struct {
	ConversationID string
	// Append holds messages that must not exist yet.
	Append []Message
	// Replace holds previously stored messages whose tool parts were resolved.
	Replace []Message
	// DrainedReminders is how many leading pending reminders the turn surfaced.
	DrainedReminders int
}
