// Package delivery turns execution outcomes into what the user sees, what the
// operator sees, and what the audit log keeps.
package delivery

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zulandar/splicer/internal/audit"
	"github.com/zulandar/splicer/internal/fragment"
	"github.com/zulandar/splicer/internal/runner"
	"github.com/zulandar/splicer/internal/session"
)

const (
	DefaultConfirmTimeout  = 2 * time.Minute
	DefaultUserStderrBytes = 1500
	auditStderrBytes       = 8 << 10
)

// Target identifies where a user-facing reply goes.
type Target struct {
	Platform  string
	ChannelID string
	ThreadID  string
	UserID    string
	UserName  string
}

// Owner is the session key for the target's user.
func (t Target) Owner() string { return t.Platform + ":" + t.UserID }

// UserSink delivers to the user who issued the command.
type UserSink interface {
	Notify(ctx context.Context, to Target, text string) error
	Upload(ctx context.Context, to Target, path, name, caption string) error
}

// OperatorSink receives verbose failure reports on a separate, privileged channel.
type OperatorSink interface {
	Alert(ctx context.Context, r Report) error
}

// Recorder persists executions.
type Recorder interface {
	Record(ctx context.Context, e *audit.Execution) error
}

// Discarder removes a delivered output from its workspace.
type Discarder interface {
	Discard(owner, path string) error
}

// DispatcherOpts holds parameters for creating a Dispatcher.
type DispatcherOpts struct {
	User            UserSink     // required
	Operator        OperatorSink // optional
	Recorder        Recorder     // optional
	Discarder       Discarder    // optional
	ConfirmTimeout  time.Duration
	UserStderrBytes int
	MaxOutputBytes  int64    // largest output the platform accepts; 0 for no cap
	SendLog         bool     // follow successful uploads with the tool's log tail
	Sensitive       []string // flags whose values never leave the process
}

// Dispatcher maps execution outcomes to user and operator payloads.
type Dispatcher struct {
	user            UserSink
	operator        OperatorSink
	recorder        Recorder
	discarder       Discarder
	confirmTimeout  time.Duration
	userStderrBytes int
	maxOutputBytes  int64
	sendLog         bool
	sensitive       []string
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOpts) (*Dispatcher, error) {
	if opts.User == nil {
		return nil, fmt.Errorf("delivery: dispatcher: user sink is required")
	}
	d := &Dispatcher{
		user:            opts.User,
		operator:        opts.Operator,
		recorder:        opts.Recorder,
		discarder:       opts.Discarder,
		confirmTimeout:  opts.ConfirmTimeout,
		userStderrBytes: opts.UserStderrBytes,
		maxOutputBytes:  opts.MaxOutputBytes,
		sendLog:         opts.SendLog,
		sensitive:       opts.Sensitive,
	}
	if d.confirmTimeout <= 0 {
		d.confirmTimeout = DefaultConfirmTimeout
	}
	if d.userStderrBytes <= 0 {
		d.userStderrBytes = DefaultUserStderrBytes
	}
	if d.sensitive == nil {
		d.sensitive = DefaultSensitiveFlags
	}
	return d, nil
}

// Deliver hands out to the user and, on failure, to the operator, then
// records it. A successful output is removed from the workspace once the
// upload finishes or the confirmation timeout passes, whichever is first.
func (d *Dispatcher) Deliver(ctx context.Context, to Target, out session.Outcome) error {
	res := out.Result
	delivered := false
	var err error

	switch {
	case out.Stopped:
		// The user asked for this; stop already replied.
	case res.Kind == runner.Succeeded && d.maxOutputBytes > 0 && res.OutputSize > d.maxOutputBytes:
		d.discard(to, res.OutputPath)
		log.Printf("delivery: %s: output of %d bytes over the %d byte cap", to.Owner(), res.OutputSize, d.maxOutputBytes)
		d.notify(ctx, to, fmt.Sprintf("The output is %s, more than the %s a bot can send here. Lower the quality or shorten the clip, then process again.",
			humanBytes(res.OutputSize), humanBytes(d.maxOutputBytes)))
		d.sendToolLog(ctx, to, res)
	case res.Kind == runner.Succeeded:
		err = d.upload(ctx, to, out)
		delivered = err == nil
		if err != nil {
			d.notify(ctx, to, "The output was produced but could not be delivered. Send process to try again.")
			d.alert(ctx, d.report(to, out, "delivery_failed", err))
		}
		d.sendToolLog(ctx, to, res)
	case res.Kind == runner.TimedOut:
		d.notify(ctx, to, fmt.Sprintf("Processing took longer than %s and was stopped. Try smaller inputs or lighter settings, then process again.",
			res.Duration.Round(time.Second)))
		d.alert(ctx, d.report(to, out, res.Kind.String(), res.Err))
	case res.Kind == runner.Canceled:
		d.notify(ctx, to, "Processing was cancelled.")
	default:
		d.notify(ctx, to, d.failureText(res))
		d.alert(ctx, d.report(to, out, res.Kind.String(), res.Err))
	}

	d.record(ctx, to, out, delivered)
	return err
}

func (d *Dispatcher) upload(ctx context.Context, to Target, out session.Outcome) error {
	res := out.Result
	defer d.discard(to, res.OutputPath)

	ctx, cancel := context.WithTimeout(ctx, d.confirmTimeout)
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.user.Upload(ctx, to, res.OutputPath, filepath.Base(res.OutputPath),
			fmt.Sprintf("Done in %s.", res.Duration.Round(100*time.Millisecond)))
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("delivery: upload %s: %w", filepath.Base(res.OutputPath), err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("delivery: upload %s: no confirmation within %s", filepath.Base(res.OutputPath), d.confirmTimeout)
	}
}

func (d *Dispatcher) discard(to Target, path string) {
	if d.discarder == nil {
		return
	}
	if err := d.discarder.Discard(to.Owner(), path); err != nil {
		log.Printf("delivery: discard %s: %v", filepath.Base(path), err)
	}
}

// sendToolLog posts the tail of the tool's log after a successful run when
// enabled. Failures already carry it.
func (d *Dispatcher) sendToolLog(ctx context.Context, to Target, res runner.Result) {
	if !d.sendLog {
		return
	}
	tail, cut := runner.Tail(strings.TrimSpace(res.Stderr), d.userStderrBytes)
	if tail == "" {
		return
	}
	header := "Tool output:"
	if cut {
		header = "Tool output (last lines):"
	}
	d.notify(ctx, to, header+"\n```\n"+tail+"\n```")
}

func humanBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}

func (d *Dispatcher) failureText(res runner.Result) string {
	var b strings.Builder
	b.WriteString("Processing failed")
	switch {
	case res.Signal != "":
		fmt.Fprintf(&b, " (killed by %s)", res.Signal)
	case res.ExitCode > 0:
		fmt.Fprintf(&b, " (exit code %d)", res.ExitCode)
	}
	b.WriteString(".")
	if tail, _ := runner.Tail(strings.TrimSpace(res.Stderr), d.userStderrBytes); tail != "" {
		b.WriteString("\n```\n")
		b.WriteString(tail)
		b.WriteString("\n```")
	} else if res.Err != nil {
		b.WriteString(" ")
		b.WriteString(userError(res.Err))
	}
	b.WriteString("\nAdjust pre or post and process again, or reset to start over.")
	return b.String()
}

// userError strips package prefixes from err for display.
func userError(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, "runner: "); i >= 0 {
		msg = msg[i+len("runner: "):]
	}
	return msg
}

func (d *Dispatcher) notify(ctx context.Context, to Target, text string) {
	if err := d.user.Notify(ctx, to, text); err != nil {
		log.Printf("delivery: notify %s: %v", to.Owner(), err)
	}
}

func (d *Dispatcher) alert(ctx context.Context, r Report) {
	if d.operator == nil {
		return
	}
	if err := d.operator.Alert(ctx, r); err != nil {
		log.Printf("delivery: operator alert for %s: %v", r.Owner, err)
	}
}

func (d *Dispatcher) report(to Target, out session.Outcome, kind string, err error) Report {
	res := out.Result
	r := Report{
		Kind:        kind,
		Owner:       to.Owner(),
		UserName:    to.UserName,
		ChannelID:   to.ChannelID,
		WorkspaceID: out.Session.WorkspaceID,
		Argv:        Redact(res.Argv, d.sensitive),
		ExitCode:    res.ExitCode,
		Signal:      res.Signal,
		Stderr:      res.Stderr,
		Truncated:   res.StderrTruncated,
		Age:         out.Age,
		Duration:    res.Duration,
		Time:        time.Now(),
	}
	if err != nil {
		r.Err = err.Error()
	}
	return r
}

func (d *Dispatcher) record(ctx context.Context, to Target, out session.Outcome, delivered bool) {
	if d.recorder == nil {
		return
	}
	res := out.Result
	e := &audit.Execution{
		Owner:       to.Owner(),
		Platform:    to.Platform,
		ChannelID:   to.ChannelID,
		WorkspaceID: out.Session.WorkspaceID,
		Kind:        res.Kind.String(),
		Files:       len(out.Session.Files),
		ExitCode:    res.ExitCode,
		Signal:      res.Signal,
		OutputBytes: res.OutputSize,
		DurationMS:  res.Duration.Milliseconds(),
		Delivered:   delivered,
		Stopped:     out.Stopped,
	}
	e.Stderr, _ = runner.Tail(res.Stderr, auditStderrBytes)
	if res.Err != nil {
		e.Error = truncate(res.Err.Error(), 512)
	}
	if err := e.SetArgv(Redact(res.Argv, d.sensitive)); err != nil {
		log.Printf("delivery: %v", err)
	}
	if err := d.recorder.Record(ctx, e); err != nil {
		log.Printf("delivery: %v", err)
	}
}

// Report is the operator-facing failure payload.
type Report struct {
	Kind        string
	Owner       string
	UserName    string
	ChannelID   string
	WorkspaceID string
	Argv        []string // redacted
	ExitCode    int
	Signal      string
	Err         string
	Stderr      string
	Truncated   bool
	Age         time.Duration
	Duration    time.Duration
	Time        time.Time
}

// Format renders r as plain text.
func (r Report) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "execution %s for %s", r.Kind, r.Owner)
	if r.UserName != "" {
		fmt.Fprintf(&b, " (%s)", r.UserName)
	}
	fmt.Fprintf(&b, "\ntime: %s\n", r.Time.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "workspace: %s\n", r.WorkspaceID)
	fmt.Fprintf(&b, "session age: %s, run time: %s\n", r.Age.Round(time.Second), r.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "exit code: %d", r.ExitCode)
	if r.Signal != "" {
		fmt.Fprintf(&b, ", signal: %s", r.Signal)
	}
	b.WriteString("\n")
	if r.Err != "" {
		fmt.Fprintf(&b, "error: %s\n", r.Err)
	}
	fmt.Fprintf(&b, "argv: %s\n", fragment.Join(r.Argv))
	if r.Stderr != "" {
		b.WriteString("stderr")
		if r.Truncated {
			b.WriteString(" (head dropped)")
		}
		b.WriteString(":\n")
		b.WriteString(r.Stderr)
	}
	return b.String()
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
