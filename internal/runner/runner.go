// Package runner builds the argument vector for one media-tool execution and
// runs it as a direct child process, never through a shell.
package runner

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const (
	DefaultBinary       = "ffmpeg"
	DefaultInputFlag    = "-i"
	DefaultTimeout      = 5 * time.Minute
	DefaultKillGrace    = 2 * time.Second
	DefaultExt          = "mp4"
	DefaultCaptureLimit = 1 << 20
)

var (
	// ErrTimeout is the cancellation cause when an execution exceeds its
	// wall-clock budget.
	ErrTimeout = errors.New("runner: timeout")
	// ErrNoOutput is reported when the process exits zero but leaves no
	// output file, or an empty one.
	ErrNoOutput = errors.New("runner: no output produced")
)

// Kind classifies how an execution ended.
type Kind int

const (
	Succeeded Kind = iota
	ProcessingFailed
	TimedOut
	Canceled
)

func (k Kind) String() string {
	switch k {
	case Succeeded:
		return "succeeded"
	case ProcessingFailed:
		return "processing_failed"
	case TimedOut:
		return "timed_out"
	case Canceled:
		return "canceled"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Invocation is everything an execution needs from a session.
type Invocation struct {
	Pre    []string
	Inputs []string // absolute paths, in upload order
	Post   []string
	Dir    string // working directory; the output is written here
	Output string // optional; generated inside Dir when empty
}

// Result describes one finished execution.
type Result struct {
	Kind            Kind
	Argv            []string
	OutputPath      string
	OutputSize      int64
	ExitCode        int    // -1 when the process never exited normally
	Signal          string // terminating signal, if any
	Stderr          string // tail of the captured standard error
	StderrTruncated bool
	Duration        time.Duration
	Err             error
}

// Runner executes the media tool. The zero value runs ffmpeg with defaults.
type Runner struct {
	Binary       string        // executable name or path; defaults to ffmpeg
	InputFlag    string        // emitted before each input; "-" for none
	Timeout      time.Duration // hard wall-clock budget per execution
	KillGrace    time.Duration // SIGTERM to SIGKILL escalation delay on cancel
	DefaultExt   string        // output extension when the post clause names none
	CaptureLimit int           // bytes of stderr kept
}

func (r *Runner) binary() string {
	if r.Binary == "" {
		return DefaultBinary
	}
	return r.Binary
}

func (r *Runner) inputFlag() string {
	switch r.InputFlag {
	case "":
		return DefaultInputFlag
	case "-":
		return ""
	}
	return r.InputFlag
}

func (r *Runner) timeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultTimeout
	}
	return r.Timeout
}

func (r *Runner) killGrace() time.Duration {
	if r.KillGrace <= 0 {
		return DefaultKillGrace
	}
	return r.KillGrace
}

func (r *Runner) defaultExt() string {
	if r.DefaultExt == "" {
		return DefaultExt
	}
	return strings.TrimPrefix(r.DefaultExt, ".")
}

func (r *Runner) captureLimit() int {
	if r.CaptureLimit <= 0 {
		return DefaultCaptureLimit
	}
	return r.CaptureLimit
}

// Plan returns the argument vector for inv and the output path it writes:
// binary, pre tokens, each input (preceded by the input flag), post tokens,
// output path. If the last post token looks like an output file name it is
// dropped and only its extension kept, so the output always lands inside
// inv.Dir.
func (r *Runner) Plan(inv Invocation) ([]string, string) {
	post, ext := splitOutput(inv.Post, r.defaultExt())
	output := inv.Output
	if output == "" {
		output = filepath.Join(inv.Dir, outputName(ext))
	}

	flag := r.inputFlag()
	argv := make([]string, 0, 2+len(inv.Pre)+2*len(inv.Inputs)+len(post))
	argv = append(argv, r.binary())
	argv = append(argv, inv.Pre...)
	for _, in := range inv.Inputs {
		if flag != "" {
			argv = append(argv, flag)
		}
		argv = append(argv, in)
	}
	argv = append(argv, post...)
	argv = append(argv, output)
	return argv, output
}

// splitOutput peels a trailing output file name off post. Only the extension
// survives; anything else about the name (directories, traversal) is discarded.
func splitOutput(post []string, def string) ([]string, string) {
	if len(post) == 0 {
		return post, def
	}
	last := post[len(post)-1]
	if strings.HasPrefix(last, "-") {
		return post, def
	}
	ext, ok := outputExt(last)
	if !ok {
		return post, def
	}
	return post[:len(post)-1], ext
}

// outputExt returns the lowercased extension of name when it is a plausible
// container extension: letter first, alphanumeric, at most 8 characters.
func outputExt(name string) (string, bool) {
	// Option values like scale=320:-1 or a=b.c are never file names.
	if strings.ContainsAny(name, "=:,") {
		return "", false
	}
	ext := filepath.Ext(name)
	if len(ext) < 2 || len(ext) > 9 || ext == name {
		return "", false
	}
	ext = strings.ToLower(ext[1:])
	if ext[0] < 'a' || ext[0] > 'z' {
		return "", false
	}
	for _, c := range ext {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return "", false
		}
	}
	return ext, true
}

func outputName(ext string) string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("out-%08x.%s", time.Now().UnixNano()&0xffffffff, ext)
	}
	return "out-" + hex.EncodeToString(b) + "." + ext
}

// Run plans and executes inv. It blocks until the process exits. Cancelling
// ctx terminates the process group with SIGTERM, escalating to SIGKILL after
// the kill grace; exceeding the timeout kills the group outright.
func (r *Runner) Run(ctx context.Context, inv Invocation) Result {
	argv, output := r.Plan(inv)
	res := Result{Argv: argv, OutputPath: output, ExitCode: -1}

	runCtx, cancel := context.WithTimeoutCause(ctx, r.timeout(), ErrTimeout)
	defer cancel()

	stderr := newTailWriter(r.captureLimit())
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = inv.Dir
	cmd.Stderr = stderr

	// Own process group so signals reach anything the tool forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		sig := syscall.SIGTERM
		if errors.Is(context.Cause(runCtx), ErrTimeout) {
			sig = syscall.SIGKILL
		}
		return syscall.Kill(-cmd.Process.Pid, sig)
	}
	cmd.WaitDelay = r.killGrace()

	start := time.Now()
	if err := cmd.Start(); err != nil {
		res.Kind = ProcessingFailed
		res.Err = fmt.Errorf("runner: start %s: %w", argv[0], err)
		return res
	}
	pid := cmd.Process.Pid
	waitErr := cmd.Wait()
	res.Duration = time.Since(start)
	// Reap stragglers left in the group after the leader exits.
	syscall.Kill(-pid, syscall.SIGKILL)

	res.Stderr, res.StderrTruncated = stderr.String()
	if state := cmd.ProcessState; state != nil {
		res.ExitCode = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.Signal = ws.Signal().String()
		}
	}

	switch {
	case waitErr == nil:
		info, err := os.Stat(output)
		if err != nil || info.Size() == 0 {
			res.Kind = ProcessingFailed
			res.Err = fmt.Errorf("%w: %s", ErrNoOutput, filepath.Base(output))
			break
		}
		res.Kind = Succeeded
		res.OutputSize = info.Size()
		return res
	case errors.Is(context.Cause(runCtx), ErrTimeout):
		res.Kind = TimedOut
		res.Err = fmt.Errorf("%w after %s", ErrTimeout, r.timeout())
	case ctx.Err() != nil:
		res.Kind = Canceled
		res.Err = fmt.Errorf("runner: canceled: %w", context.Cause(ctx))
	default:
		res.Kind = ProcessingFailed
		if res.Signal != "" {
			res.Err = fmt.Errorf("runner: %s killed by %s", filepath.Base(argv[0]), res.Signal)
		} else {
			res.Err = fmt.Errorf("runner: %s exited with code %d", filepath.Base(argv[0]), res.ExitCode)
		}
	}

	// Partial output is useless and counts against the disk.
	os.Remove(output)
	return res
}
