package usecase

import (
	"strings"

	"assistant-agent/internal/domain"
)

const rejectedToolOutput = "user rejected this action"

// TranslateHistory flattens stored multi-part messages into the inference
// message format. Each assistant entry carries the tool calls that reached a
// decision and is followed by one tool entry per answered call, in part order.
func TranslateHistory(history []domain.Message) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(history))
	for _, m := range history {
		content := m.Text()
		if m.Role != domain.RoleAssistant {
			if content != "" {
				out = append(out, domain.ChatMessage{Role: m.Role, Content: content})
			}
			continue
		}

		var calls []domain.ToolCall
		var results []domain.ChatMessage
		for _, p := range m.Parts {
			if p.Type != domain.PartTool {
				continue
			}
			switch p.State {
			case domain.ToolStateOutputAvailable:
				calls = append(calls, domain.NewToolCall(p.ToolCallID, p.ToolName, argumentsJSON(p)))
				results = append(results, domain.ChatMessage{
					Role:       domain.RoleTool,
					ToolCallID: p.ToolCallID,
					Content:    outputText(p),
				})
			case domain.ToolStateRejected:
				calls = append(calls, domain.NewToolCall(p.ToolCallID, p.ToolName, argumentsJSON(p)))
				results = append(results, domain.ChatMessage{
					Role:       domain.RoleTool,
					ToolCallID: p.ToolCallID,
					Content:    rejectedToolOutput,
				})
			case domain.ToolStateApprovalRequired:
				calls = append(calls, domain.NewToolCall(p.ToolCallID, p.ToolName, argumentsJSON(p)))
			}
		}
		if content == "" && len(calls) == 0 {
			continue
		}
		// Text rides on the tool-calling entry, ahead of that entry's results.
		out = append(out, domain.ChatMessage{Role: domain.RoleAssistant, Content: content, ToolCalls: calls})
		out = append(out, results...)
	}
	return out
}

func argumentsJSON(p domain.Part) string {
	if len(p.Input) == 0 {
		return "{}"
	}
	return string(p.Input)
}

func outputText(p domain.Part) string {
	if len(p.Output) == 0 {
		return "null"
	}
	return strings.TrimSpace(string(p.Output))
}
