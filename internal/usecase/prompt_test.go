package usecase

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildSystemPrompt(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.FixedZone("CET", 3600))

	got := buildSystemPrompt("  Be brief.  ", nil, now)
	require.Equal(t, "Be brief.\n\nCurrent time: 2026-03-02T09:00:00Z", got)

	got = buildSystemPrompt("", []string{"Reminder (2026-03-02T09:00:30Z): standup", "Reminder (2026-03-02T09:01:00Z): tea"}, now)
	require.True(t, strings.HasPrefix(got, defaultPersona))
	require.Contains(t, got, "Pending reminders:\n- Reminder (2026-03-02T09:00:30Z): standup\n- Reminder (2026-03-02T09:01:00Z): tea\n")
	require.True(t, strings.HasSuffix(got, "Tell the user about each pending reminder in your next reply."))
}
