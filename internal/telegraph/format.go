package telegraph

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zulandar/splicer/internal/delivery"
	"github.com/zulandar/splicer/internal/fragment"
	"github.com/zulandar/splicer/internal/session"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// maxChunk keeps every message under the smaller of the platforms' limits
// (Discord: 2000 characters).
const maxChunk = 1900

var severityColors = map[string]string{
	"success": ColorSuccess,
	"info":    ColorInfo,
	"warning": ColorWarning,
	"error":   ColorError,
}

// severityColor maps a severity to a sidebar color, defaulting to info.
func severityColor(severity string) string {
	if c, ok := severityColors[severity]; ok {
		return c
	}
	return ColorInfo
}

// reportSeverity returns the severity for an operator report kind.
func reportSeverity(kind string) string {
	switch kind {
	case "timed_out", "delivery_failed":
		return "warning"
	default:
		return "error"
	}
}

// FormatReport formats the headline of an operator failure report. The
// captured stderr is sent separately by the operator sink.
func FormatReport(r delivery.Report) FormattedEvent {
	severity := reportSeverity(r.Kind)

	title := fmt.Sprintf("Execution %s for %s", r.Kind, r.Owner)
	if r.UserName != "" {
		title += fmt.Sprintf(" (%s)", r.UserName)
	}

	var bodyParts []string
	if r.Err != "" {
		bodyParts = append(bodyParts, r.Err)
	}
	if len(r.Argv) > 0 {
		bodyParts = append(bodyParts, "```"+fragment.Join(r.Argv)+"```")
	}

	exit := fmt.Sprintf("%d", r.ExitCode)
	if r.Signal != "" {
		exit += " (" + r.Signal + ")"
	}
	fields := []Field{
		{Name: "Kind", Value: r.Kind, Short: true},
		{Name: "Exit", Value: exit, Short: true},
		{Name: "Run time", Value: formatDuration(r.Duration), Short: true},
		{Name: "Session age", Value: formatDuration(r.Age), Short: true},
	}
	if r.WorkspaceID != "" {
		fields = append(fields, Field{Name: "Workspace", Value: r.WorkspaceID, Short: true})
	}
	if r.ChannelID != "" {
		fields = append(fields, Field{Name: "Channel", Value: r.ChannelID, Short: true})
	}

	return FormattedEvent{
		Title:    title,
		Body:     strings.Join(bodyParts, "\n"),
		Severity: severity,
		Color:    severityColor(severity),
		Fields:   fields,
	}
}

// formatStatus renders a session for the status command.
func formatStatus(snap session.Snapshot, preview []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Session* `%s`\n", snap.State)
	if len(snap.Files) == 0 {
		b.WriteString("Files: none\n")
	} else {
		fmt.Fprintf(&b, "Files (%d, %s): %s\n", len(snap.Files), formatBytes(snap.UsedBytes), strings.Join(snap.Files, ", "))
	}
	fmt.Fprintf(&b, "Pre: %s\n", orNone(snap.Pre))
	fmt.Fprintf(&b, "Post: %s\n", orNone(snap.Post))
	if snap.Runs > 0 {
		fmt.Fprintf(&b, "Runs: %d\n", snap.Runs)
	}
	fmt.Fprintf(&b, "Idle for %s", formatDuration(time.Since(snap.LastActivityAt)))
	if len(preview) > 0 {
		fmt.Fprintf(&b, "\nNext run: `%s`", fragment.Join(preview))
	}
	return b.String()
}

// formatPreview renders the argument vector the next process would run.
func formatPreview(argv []string) string {
	return "Command: `" + fragment.Join(argv) + "`"
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return "`" + s + "`"
}

// formatBytes formats a byte count with binary suffixes.
func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}

// formatDuration renders d at the two coarsest units that matter: "250ms",
// "30s", "5m", "1h 30m", "2d 2h".
func formatDuration(d time.Duration) string {
	const day = 24 * time.Hour
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%ds", d/time.Second)
	case d < time.Hour:
		return fmt.Sprintf("%dm", d/time.Minute)
	case d < day:
		return fmt.Sprintf("%dh %dm", d/time.Hour, d%time.Hour/time.Minute)
	}
	return fmt.Sprintf("%dd %dh", d/day, d%day/time.Hour)
}

// chunkMessage splits text into pieces of at most limit bytes. A newline in
// the back half of a window is preferred as the break and is dropped;
// otherwise the cut backs off to a rune boundary.
func chunkMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = maxChunk
	}
	var chunks []string
	for len(text) > limit {
		if nl := strings.LastIndexByte(text[:limit], '\n'); nl >= limit/2 {
			chunks = append(chunks, text[:nl])
			text = text[nl+1:]
			continue
		}
		cut := limit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			cut = limit
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return append(chunks, text)
}
