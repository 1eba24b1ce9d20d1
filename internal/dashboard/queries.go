package dashboard

import (
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/zulandar/splicer/internal/audit"
	"github.com/zulandar/splicer/internal/session"
)

// SessionRow is a session as shown on the dashboard.
type SessionRow struct {
	session.Snapshot
	IdleFor string `json:"idle_for"`
}

func newSessionRow(snap session.Snapshot, now time.Time) SessionRow {
	return SessionRow{Snapshot: snap, IdleFor: timeAgo(snap.LastActivityAt, now)}
}

// sessionRows sorts sessions by most recent activity.
func sessionRows(snaps []session.Snapshot, now time.Time) []SessionRow {
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].LastActivityAt.After(snaps[j].LastActivityAt)
	})
	rows := make([]SessionRow, len(snaps))
	for i, snap := range snaps {
		rows[i] = newSessionRow(snap, now)
	}
	return rows
}

// ExecutionRow is an audit record with its argv decoded.
type ExecutionRow struct {
	ID          uint      `json:"id"`
	Owner       string    `json:"owner"`
	Kind        string    `json:"kind"`
	Argv        []string  `json:"argv"`
	Files       int       `json:"files"`
	ExitCode    int       `json:"exit_code"`
	Signal      string    `json:"signal,omitempty"`
	Error       string    `json:"error,omitempty"`
	OutputBytes int64     `json:"output_bytes"`
	DurationMS  int64     `json:"duration_ms"`
	Delivered   bool      `json:"delivered"`
	Stopped     bool      `json:"stopped"`
	CreatedAt   time.Time `json:"created_at"`
	Ago         string    `json:"ago"`
}

func executionRows(execs []audit.Execution, now time.Time) []ExecutionRow {
	rows := make([]ExecutionRow, len(execs))
	for i, e := range execs {
		argv, err := e.ArgvList()
		if err != nil {
			log.Printf("dashboard: %v", err)
		}
		rows[i] = ExecutionRow{
			ID:          e.ID,
			Owner:       e.Owner,
			Kind:        e.Kind,
			Argv:        argv,
			Files:       e.Files,
			ExitCode:    e.ExitCode,
			Signal:      e.Signal,
			Error:       e.Error,
			OutputBytes: e.OutputBytes,
			DurationMS:  e.DurationMS,
			Delivered:   e.Delivered,
			Stopped:     e.Stopped,
			CreatedAt:   e.CreatedAt,
			Ago:         timeAgo(e.CreatedAt, now),
		}
	}
	return rows
}

// Stats summarizes executions over a window.
type Stats struct {
	Window       string           `json:"window"`
	Since        time.Time        `json:"since"`
	Total        int64            `json:"total"`
	Succeeded    int64            `json:"succeeded"`
	Failed       int64            `json:"failed"`
	Canceled     int64            `json:"canceled"`
	SuccessRate  float64          `json:"success_rate"`
	ByKind       map[string]int64 `json:"by_kind"`
	OpenSessions int              `json:"open_sessions"`
}

// buildStats folds per-kind counts into totals. Every kind other than
// succeeded and canceled counts as a failure.
func buildStats(counts map[string]int64) Stats {
	st := Stats{ByKind: counts}
	if st.ByKind == nil {
		st.ByKind = map[string]int64{}
	}
	for kind, n := range counts {
		st.Total += n
		switch kind {
		case "succeeded":
			st.Succeeded += n
		case "canceled":
			st.Canceled += n
		default:
			st.Failed += n
		}
	}
	if st.Total > 0 {
		st.SuccessRate = float64(st.Succeeded) / float64(st.Total)
	}
	return st
}

// timeAgo renders the age of t relative to now, or "-" for the zero time.
func timeAgo(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
