package usecase

import (
	"strings"
	"time"
)

const defaultPersona = "You are a helpful assistant. Answer concisely. " +
	"Use the available tools when they help: searchWeb for current facts, " +
	"setReminder to schedule reminders, getUserInfo to learn about the user's browser context."

func buildSystemPrompt(persona string, reminders []string, now time.Time) string {
	persona = strings.TrimSpace(persona)
	if persona == "" {
		persona = defaultPersona
	}

	var b strings.Builder
	b.WriteString(persona)
	b.WriteString("\n\nCurrent time: ")
	b.WriteString(now.UTC().Format(time.RFC3339))

	if len(reminders) > 0 {
		b.WriteString("\n\nPending reminders:\n")
		for _, r := range reminders {
			b.WriteString("- ")
			b.WriteString(strings.TrimSpace(r))
			b.WriteString("\n")
		}
		b.WriteString("Tell the user about each pending reminder in your next reply.")
	}
	return b.String()
}
