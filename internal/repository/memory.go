package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"assistant-agent/internal/domain"
)

// Memory is an in-process store with the same semantics as Client. It backs
// local runs and tests; nothing survives a restart.
type Memory struct {
	mu        sync.Mutex
	now       func() time.Time
	messages  map[string][]domain.Message
	states    map[string]domain.ConversationState
	reminders map[string]domain.Reminder
}

func NewMemory() *Memory {
	return &Memory{
		now:       time.Now,
		messages:  make(map[string][]domain.Message),
		states:    make(map[string]domain.ConversationState),
		reminders: make(map[string]domain.Reminder),
	}
}

func (m *Memory) GetHistory(_ context.Context, conversationID string, limit int) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]domain.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = cloneMessage(msg)
	}
	return out, nil
}

func (m *Memory) GetState(_ context.Context, conversationID string) (domain.ConversationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[conversationID]
	if !ok {
		return domain.ConversationState{ConversationID: conversationID}, nil
	}
	st.Reminders = append([]string(nil), st.Reminders...)
	return st, nil
}

func (m *Memory) SaveTurn(_ context.Context, rec domain.TurnRecord) error {
	if strings.TrimSpace(rec.ConversationID) == "" {
		return errors.New("repository: SaveTurn: conversation id is required")
	}
	if rec.DrainedReminders < 0 {
		return errors.New("repository: SaveTurn: drained reminders must not be negative")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Check every condition before mutating anything.
	msgs := m.messages[rec.ConversationID]
	for _, msg := range rec.Append {
		if msg.SK == "" || !msg.Role.Valid() {
			return errors.New("repository: SaveTurn: message SK and role are required")
		}
		if indexBySK(msgs, msg.SK) >= 0 {
			return fmt.Errorf("repository: SaveTurn: %w: message %s exists", ErrConflict, msg.SK)
		}
	}
	for _, msg := range rec.Replace {
		if indexBySK(msgs, msg.SK) < 0 {
			return fmt.Errorf("repository: SaveTurn: %w: message %s missing", ErrConflict, msg.SK)
		}
	}
	st := m.states[rec.ConversationID]
	if len(st.Reminders) < rec.DrainedReminders {
		return fmt.Errorf("repository: SaveTurn: %w: only %d pending reminders", ErrConflict, len(st.Reminders))
	}

	for _, msg := range rec.Replace {
		msgs[indexBySK(msgs, msg.SK)] = cloneMessage(msg)
	}
	for _, msg := range rec.Append {
		msgs = append(msgs, cloneMessage(msg))
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].SK < msgs[j].SK })
	m.messages[rec.ConversationID] = msgs

	st.ConversationID = rec.ConversationID
	st.Reminders = append([]string(nil), st.Reminders[rec.DrainedReminders:]...)
	st.Turns++
	st.LastActivity = m.now().UTC().Format(time.RFC3339)
	m.states[rec.ConversationID] = st
	return nil
}

func (m *Memory) PutReminder(_ context.Context, r domain.Reminder) error {
	if strings.TrimSpace(r.ID) == "" || strings.TrimSpace(r.ConversationID) == "" {
		return errors.New("repository: PutReminder: id and conversation id are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.reminders[r.ID]; exists {
		return fmt.Errorf("repository: PutReminder: %w: %s exists", ErrConflict, r.ID)
	}
	r.PK = pkReminders
	r.SK = reminderSK(r.FireAt, r.ID)
	m.reminders[r.ID] = r
	return nil
}

func (m *Memory) DueReminders(_ context.Context, until time.Time) ([]domain.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Reminder
	for _, r := range m.reminders {
		if !r.FireAt.After(until) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SK < out[j].SK })
	return out, nil
}

func (m *Memory) ApplyReminder(_ context.Context, r domain.Reminder, text string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reminders[r.ID]; !ok {
		return false, nil
	}
	delete(m.reminders, r.ID)
	st := m.states[r.ConversationID]
	st.ConversationID = r.ConversationID
	st.Reminders = append(st.Reminders, text)
	m.states[r.ConversationID] = st
	return true, nil
}

func indexBySK(msgs []domain.Message, sk string) int {
	for i, msg := range msgs {
		if msg.SK == sk {
			return i
		}
	}
	return -1
}

func cloneMessage(msg domain.Message) domain.Message {
	msg.Parts = append([]domain.Part(nil), msg.Parts...)
	return msg
}
