package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"assistant-agent/internal/domain"
)

func TestMemory_SaveTurnAndHistory(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	user := NewMessage("c1", domain.RoleUser, []domain.Part{domain.TextPart("hi")}, t0)
	assistant := NewMessage("c1", domain.RoleAssistant, []domain.Part{domain.TextPart("hello")}, t0.Add(time.Millisecond))

	require.NoError(t, m.SaveTurn(ctx, domain.TurnRecord{ConversationID: "c1", Append: []domain.Message{assistant, user}}))

	msgs, err := m.GetHistory(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "hi", msgs[0].Text())
	require.Equal(t, "hello", msgs[1].Text())

	msgs, err = m.GetHistory(ctx, "c1", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hello", msgs[0].Text())

	st, err := m.GetState(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 1, st.Turns)
	require.NotEmpty(t, st.LastActivity)
}

func TestMemory_SaveTurnConflictsLeaveStateUntouched(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	user := NewMessage("c1", domain.RoleUser, []domain.Part{domain.TextPart("hi")}, t0)
	require.NoError(t, m.SaveTurn(ctx, domain.TurnRecord{ConversationID: "c1", Append: []domain.Message{user}}))

	again := NewMessage("c1", domain.RoleUser, []domain.Part{domain.TextPart("again")}, t0.Add(time.Second))
	err := m.SaveTurn(ctx, domain.TurnRecord{ConversationID: "c1", Append: []domain.Message{again, user}})
	require.ErrorIs(t, err, ErrConflict)

	ghost := NewMessage("c1", domain.RoleAssistant, nil, t0)
	err = m.SaveTurn(ctx, domain.TurnRecord{ConversationID: "c1", Replace: []domain.Message{ghost}})
	require.ErrorIs(t, err, ErrConflict)

	err = m.SaveTurn(ctx, domain.TurnRecord{ConversationID: "c1", DrainedReminders: 1})
	require.ErrorIs(t, err, ErrConflict)

	msgs, _ := m.GetHistory(ctx, "c1", 0)
	require.Len(t, msgs, 1)
	st, _ := m.GetState(ctx, "c1")
	require.Equal(t, 1, st.Turns)
}

func TestMemory_ReplaceResolvesToolPart(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	asst := NewMessage("c1", domain.RoleAssistant, []domain.Part{{
		Type: domain.PartTool, ToolCallID: "call-1", ToolName: "getUserInfo", State: domain.ToolStateRequested,
	}}, t0)
	require.NoError(t, m.SaveTurn(ctx, domain.TurnRecord{ConversationID: "c1", Append: []domain.Message{asst}}))

	asst.Parts[0].State = domain.ToolStateOutputAvailable
	require.NoError(t, m.SaveTurn(ctx, domain.TurnRecord{ConversationID: "c1", Replace: []domain.Message{asst}}))

	msgs, _ := m.GetHistory(ctx, "c1", 0)
	require.Len(t, msgs, 1)
	require.Equal(t, domain.ToolStateOutputAvailable, msgs[0].Parts[0].State)
}

func TestMemory_RemindersApplyOnceAndDrainPrefix(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	r1 := domain.Reminder{ID: "r1", ConversationID: "c1", Message: "a", FireAt: t0}
	r2 := domain.Reminder{ID: "r2", ConversationID: "c1", Message: "b", FireAt: t0.Add(time.Minute)}
	require.NoError(t, m.PutReminder(ctx, r2))
	require.NoError(t, m.PutReminder(ctx, r1))
	require.ErrorIs(t, m.PutReminder(ctx, r1), ErrConflict)

	due, err := m.DueReminders(ctx, t0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "r1", due[0].ID)

	ok, err := m.ApplyReminder(ctx, r1, "first")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.ApplyReminder(ctx, r1, "first")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = m.ApplyReminder(ctx, r2, "second")
	require.NoError(t, err)

	require.NoError(t, m.SaveTurn(ctx, domain.TurnRecord{ConversationID: "c1", DrainedReminders: 1}))
	st, err := m.GetState(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"second"}, st.Reminders)
}
