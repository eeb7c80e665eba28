package tools

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"

	"assistant-agent/internal/domain"
	"assistant-agent/internal/integrations/duckduckgo"
)

const (
	SearchWebTool   = "searchWeb"
	SetReminderTool = "setReminder"
	GetUserInfoTool = "getUserInfo"

	// maxReminderDelay keeps reminders inside the conversation retention window.
	maxReminderDelay = 30 * 24 * 60 * 60
)

// Searcher looks up an instant answer for a query.
type Searcher interface {
	Search(ctx context.Context, query string) (duckduckgo.Answer, error)
}

// ReminderScheduler persists a deferred reminder for a conversation.
type ReminderScheduler interface {
	Schedule(ctx context.Context, conversationID string, delaySeconds int, message string) (domain.ReminderConfirmation, error)
}

// SearchSummary is what searchWeb hands back to the model.
type SearchSummary struct {
	Status   string              `json:"status"`
	Query    string              `json:"query"`
	Abstract string              `json:"abstract,omitempty"`
	Source   string              `json:"source,omitempty"`
	Results  []duckduckgo.Result `json:"results,omitempty"`
}

const (
	searchStatusOK          = "ok"
	searchStatusUnavailable = "unavailable"
)

// NewDefaultRegistry registers searchWeb, setReminder and getUserInfo.
func NewDefaultRegistry(searcher Searcher, scheduler ReminderScheduler, logger *slog.Logger) (*Registry, error) {
	if searcher == nil {
		return nil, errors.New("tools: searcher must not be nil")
	}
	if scheduler == nil {
		return nil, errors.New("tools: scheduler must not be nil")
	}
	r := NewRegistry(logger)

	builtins := []Tool{
		{
			Name:        SearchWebTool,
			Description: "Search the web for a short factual summary and related links.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query.",
						"minLength":   1,
					},
				},
				"required": []string{"query"},
			},
			Handler: searchHandler(searcher, r.logger),
		},
		{
			Name:        SetReminderTool,
			Description: "Schedule a reminder that is shown to the user after a delay in seconds.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"message": map[string]any{
						"type":        "string",
						"description": "What to remind the user about.",
						"minLength":   1,
					},
					"delaySeconds": map[string]any{
						"type":        "integer",
						"description": "Seconds from now until the reminder fires.",
						"minimum":     1,
						"maximum":     maxReminderDelay,
					},
				},
				"required": []string{"message", "delaySeconds"},
			},
			Handler: reminderHandler(scheduler),
		},
		{
			Name:        GetUserInfoTool,
			Description: "Get the user's browser context such as timezone, language and current page.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			NeedsApproval: true,
		},
	}
	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func searchHandler(searcher Searcher, logger *slog.Logger) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		query, _ := args["query"].(string)
		query = strings.TrimSpace(query)
		if query == "" {
			return nil, errors.New("query is required")
		}
		ans, err := searcher.Search(ctx, query)
		if err != nil {
			logger.Warn("search unavailable", "query", query, "err", err)
			return SearchSummary{Status: searchStatusUnavailable, Query: query}, nil
		}
		return SearchSummary{
			Status:   searchStatusOK,
			Query:    query,
			Abstract: ans.Abstract,
			Source:   ans.Source,
			Results:  ans.Results,
		}, nil
	}
}

func reminderHandler(scheduler ReminderScheduler) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		convID, ok := ConversationIDFromContext(ctx)
		if !ok {
			return nil, errors.New("no conversation in context")
		}
		message, _ := args["message"].(string)
		message = strings.TrimSpace(message)
		if message == "" {
			return nil, errors.New("message is required")
		}
		delay, ok := intArg(args["delaySeconds"])
		if !ok || delay < 1 {
			return nil, errors.New("delaySeconds must be a positive integer")
		}
		return scheduler.Schedule(ctx, convID, delay, message)
	}
}

func intArg(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}
