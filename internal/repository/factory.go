package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"assistant-agent/internal/domain"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendMemory   = "memory"
)

// ReminderStore holds durable reminder entries.
type ReminderStore interface {
	PutReminder(ctx context.Context, r domain.Reminder) error
	DueReminders(ctx context.Context, until time.Time) ([]domain.Reminder, error)
	ApplyReminder(ctx context.Context, r domain.Reminder, text string) (bool, error)
}

// Store is everything the turn service and the scheduler persist.
type Store interface {
	ConversationStore
	ReminderStore
}

// NewStore creates a DynamoDB-backed store unless the memory backend is
// requested.
func NewStore(backend string, api dynamodbAPI, tableName string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendMemory:
		return NewMemory(), nil
	case BackendDynamoDB, "":
		c, err := New(api, tableName)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("repository: unknown backend %q", backend)
	}
}
