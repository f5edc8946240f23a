// Package report renders sessions, runs and workers for the terminal.
package report

import (
	"fmt"
	"time"
)

// Data size constants.
const (
	byteUnit = 1
	kilobyte = byteUnit * 1024
	megabyte = kilobyte * 1024
	gigabyte = megabyte * 1024
)

// Time and size formatting constants.
const (
	secondsInMinute = 60
	secondsInHour   = 3600
	formatSeconds   = "%.1fs"
	formatMinutes   = "%dm %.1fs"
	formatHours     = "%dh %dm"
	formatGB        = "%.1f GB"
	formatMB        = "%.1f MB"
	formatKB        = "%.1f KB"
	formatBytes     = "%d B"
	formatPercent   = "%.1f%%"
)

// FormatDuration formats a duration in a human-readable string (e.g. "1h 15m",
// "5m 30.5s", "45.2s").
func FormatDuration(d time.Duration) string {
	seconds := d.Seconds()

	if seconds < secondsInMinute {
		return fmt.Sprintf(formatSeconds, seconds)
	}

	if seconds < secondsInHour {
		minutes := int(seconds / secondsInMinute)
		remainingSeconds := seconds - float64(minutes*secondsInMinute)

		return fmt.Sprintf(formatMinutes, minutes, remainingSeconds)
	}

	hours := int(seconds / secondsInHour)
	remainingSeconds := seconds - float64(hours*secondsInHour)
	remainingMinutes := int(remainingSeconds / secondsInMinute)

	return fmt.Sprintf(formatHours, hours, remainingMinutes)
}

// FormatMillis formats a millisecond count as FormatDuration does.
func FormatMillis(ms int64) string {
	return FormatDuration(time.Duration(ms) * time.Millisecond)
}

// FormatFileSize formats a file size in a human-readable string (e.g. "1.2 GB").
func FormatFileSize(bytes int64) string {
	switch {
	case bytes >= gigabyte:
		return fmt.Sprintf(formatGB, float64(bytes)/gigabyte)
	case bytes >= megabyte:
		return fmt.Sprintf(formatMB, float64(bytes)/megabyte)
	case bytes >= kilobyte:
		return fmt.Sprintf(formatKB, float64(bytes)/kilobyte)
	default:
		return fmt.Sprintf(formatBytes, bytes)
	}
}

// FormatPercent renders a share in [0, 100] with one decimal.
func FormatPercent(p float64) string {
	return fmt.Sprintf(formatPercent, p)
}
