package tui

import (
	"fmt"
	"time"
)

// Status icons shared by the panels.
const (
	iconRunning = "[●]"
	iconWaiting = "[◐]"
	iconDone    = "[✓]"
	iconFailed  = "[✗]"
	iconPaused  = "[◌]"
	iconPending = "[○]"
)

// truncate shortens a string to fit in a column.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
