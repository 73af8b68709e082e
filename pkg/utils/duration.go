// Package utils holds small helpers shared across the server.
package utils

import "fmt"

// FormatDuration renders a millisecond duration in a compact human form
// ("2h 5m", "3m 12s", "45s"). A nil or zero duration renders as "-".
func FormatDuration(ms *int64) string {
	if ms == nil || *ms == 0 {
		return "-"
	}
	seconds := *ms / 1000
	minutes := seconds / 60
	hours := minutes / 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes%60)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds%60)
	}
	return fmt.Sprintf("%ds", seconds)
}
