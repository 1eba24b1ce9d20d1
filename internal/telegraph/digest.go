package telegraph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// KindCounter tallies executions by outcome kind.
type KindCounter interface {
	CountByKind(ctx context.Context, since time.Time) (map[string]int64, error)
}

// DigestReport holds execution counts for a period.
type DigestReport struct {
	PeriodStart time.Time
	PeriodEnd   time.Time
	Counts      map[string]int64
	Sessions    int // sessions open when the digest was built
}

// Total returns the number of executions in the period.
func (r *DigestReport) Total() int64 {
	var n int64
	for _, c := range r.Counts {
		n += c
	}
	return n
}

// BuildDigest counts executions over the period before now. Returns nil
// when nothing ran.
func BuildDigest(ctx context.Context, counter KindCounter, now time.Time, period time.Duration, sessions int) (*DigestReport, error) {
	since := now.Add(-period)
	counts, err := counter.CountByKind(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("telegraph: digest: %w", err)
	}
	report := &DigestReport{
		PeriodStart: since,
		PeriodEnd:   now,
		Counts:      counts,
		Sessions:    sessions,
	}
	if report.Total() == 0 {
		return nil, nil
	}
	return report, nil
}

// FormatDigest formats a digest report as a FormattedEvent.
func FormatDigest(report *DigestReport) FormattedEvent {
	total := report.Total()
	succeeded := report.Counts["succeeded"]

	var bodyLines []string
	bodyLines = append(bodyLines, fmt.Sprintf("*Period*: %s – %s",
		report.PeriodStart.Format("Jan 2 15:04"),
		report.PeriodEnd.Format("Jan 2 15:04")))
	bodyLines = append(bodyLines, fmt.Sprintf("*Executions*: %d (%.0f%% succeeded)",
		total, 100*float64(succeeded)/float64(total)))
	bodyLines = append(bodyLines, fmt.Sprintf("*Open sessions*: %d", report.Sessions))

	kinds := make([]string, 0, len(report.Counts))
	for k := range report.Counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	var fields []Field
	for _, k := range kinds {
		fields = append(fields, Field{Name: k, Value: fmt.Sprintf("%d", report.Counts[k]), Short: true})
	}

	severity := "info"
	if failed := total - succeeded - report.Counts["canceled"]; failed*2 > total {
		severity = "warning"
	}

	return FormattedEvent{
		Title:    "Daily Digest",
		Body:     strings.Join(bodyLines, "\n"),
		Severity: severity,
		Color:    severityColor(severity),
		Fields:   fields,
	}
}
