package ctl

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// ANSI escape codes for terminal formatting.
const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	dim    = "\033[2m"
	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
	blue   = "\033[34m"
	cyan   = "\033[36m"
	white  = "\033[37m"
)

// colorEnabled reports whether stdout is a terminal. When output is piped
// or redirected, ANSI escape codes are suppressed.
func colorEnabled() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// healthColor returns the ANSI color for a health or mode string.
func healthColor(s string) string {
	if !colorEnabled() {
		return ""
	}
	switch s {
	case "healthy", "nominal", "completed", "closed":
		return green
	case "warning", "safe", "degraded", "queued", "half-open":
		return yellow
	case "critical", "survival", "failed", "open":
		return red
	case "executing", "transmitting", "acknowledged":
		return cyan
	case "unknown", "cancelled", "timed_out":
		return dim
	default:
		return white
	}
}

// severityColor returns the ANSI color for an alarm severity.
func severityColor(sev string) string {
	if !colorEnabled() {
		return ""
	}
	switch sev {
	case "critical", "major":
		return red
	case "minor", "warning":
		return yellow
	default:
		return blue
	}
}

// colorize wraps text with an ANSI color sequence.
// Returns the text unchanged when color output is disabled.
func colorize(color, text string) string {
	if !colorEnabled() {
		return text
	}
	return color + text + reset
}

// header returns a bold section header, or plain text when color is off.
func header(title string) string {
	if colorEnabled() {
		return bold + title + reset
	}
	return title
}

// padRight pads s with spaces to reach the given width.
func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

// formatDuration renders a time.Duration as a compact human string like
// "2h 14m 8s" or "45s".
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// formatAge renders how long ago t was, or "never" for the zero time.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return formatDuration(time.Since(t).Truncate(time.Second)) + " ago"
}

// gaugeBar builds a simple ASCII bar of the given width, colored by how
// full it is: green above 30%, yellow above 10%, red below.
func gaugeBar(pct float64, width int) string {
	filled := int(pct) * width / 100
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	empty := width - filled
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", empty)
	if !colorEnabled() {
		return bar
	}
	color := green
	switch {
	case pct < 10:
		color = red
	case pct < 30:
		color = yellow
	}
	return color + bar[:filled] + reset + bar[filled:]
}
