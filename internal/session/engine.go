package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"time"

	"github.com/zulandar/splicer/internal/fragment"
	"github.com/zulandar/splicer/internal/runner"
	"github.com/zulandar/splicer/internal/workspace"
)

const (
	DefaultIdleTimeout = 30 * time.Minute
	DefaultStopTimeout = 5 * time.Second
)

// Executor runs the media tool for a session.
type Executor interface {
	Plan(inv runner.Invocation) ([]string, string)
	Run(ctx context.Context, inv runner.Invocation) runner.Result
}

// EngineOpts holds parameters for creating an Engine.
type EngineOpts struct {
	Store       *Store
	Workspaces  *workspace.Manager
	Executor    Executor
	IdleTimeout time.Duration // defaults to DefaultIdleTimeout
	StopTimeout time.Duration // how long Stop waits for a cancelled execution
}

// Engine applies user commands to sessions.
type Engine struct {
	store       *Store
	ws          *workspace.Manager
	exec        Executor
	idleTimeout time.Duration
	stopTimeout time.Duration
}

// Outcome is what Process hands to the result dispatcher.
type Outcome struct {
	Result  runner.Result
	Session Snapshot      // session as it was when the execution started
	Age     time.Duration // session age when the execution finished
	Stopped bool          // the session was stopped while the execution ran
}

// NewEngine creates an Engine.
func NewEngine(opts EngineOpts) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("session: engine: store is required")
	}
	if opts.Workspaces == nil {
		return nil, fmt.Errorf("session: engine: workspace manager is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("session: engine: executor is required")
	}
	e := &Engine{
		store:       opts.Store,
		ws:          opts.Workspaces,
		exec:        opts.Executor,
		idleTimeout: opts.IdleTimeout,
		stopTimeout: opts.StopTimeout,
	}
	if e.idleTimeout <= 0 {
		e.idleTimeout = DefaultIdleTimeout
	}
	if e.stopTimeout <= 0 {
		e.stopTimeout = DefaultStopTimeout
	}
	return e, nil
}

// Store returns the engine's session store.
func (e *Engine) Store() *Store { return e.store }

// Init creates a session and its workspace.
func (e *Engine) Init(owner string) (Snapshot, error) {
	var snap Snapshot
	err := e.store.Update(owner, func(tx *Txn) error {
		if tx.Session() != nil {
			return orderingErr("init", "a session is already open; use reset to start over or stop to end it")
		}
		ws, err := e.ws.Allocate()
		if err != nil {
			return &Error{Kind: Workspace, Op: "init", Msg: "could not create a workspace", Err: err}
		}
		s := tx.CreateOrReplace()
		s.Workspace = ws
		s.State = Initialized
		snap = s.snapshot()
		return nil
	})
	if err == nil {
		log.Printf("session: %s: initialized workspace %s", owner, snap.WorkspaceID)
	}
	return snap, err
}

// SetPre parses text and stores it as the pre-input fragment.
func (e *Engine) SetPre(owner, text string) (Snapshot, error) {
	return e.setFragment("pre", owner, text, func(s *Session, f fragment.Fragment) { s.Pre = f })
}

// SetPost parses text and stores it as the post-input fragment.
func (e *Engine) SetPost(owner, text string) (Snapshot, error) {
	return e.setFragment("post", owner, text, func(s *Session, f fragment.Fragment) { s.Post = f })
}

func (e *Engine) setFragment(op, owner, text string, set func(*Session, fragment.Fragment)) (Snapshot, error) {
	var snap Snapshot
	err := e.store.Update(owner, func(tx *Txn) error {
		s, err := e.mutable(tx, op)
		if err != nil {
			return err
		}
		f, err := fragment.Parse(text)
		if err != nil {
			return &Error{Kind: Validation, Op: op, Msg: "the arguments were rejected", Err: err}
		}
		set(s, f)
		s.settle()
		tx.Touch()
		snap = s.snapshot()
		return nil
	})
	return snap, err
}

// mutable returns the owner's session if commands may change it.
func (e *Engine) mutable(tx *Txn, op string) (*Session, error) {
	s := tx.Session()
	if s == nil {
		return nil, orderingErr(op, "no session; send init first")
	}
	if s.State == Processing {
		return nil, orderingErr(op, "a job is running; wait for it or send stop")
	}
	return s, nil
}

// Stage streams an upload into the owner's workspace. The owner's lock is not
// held while the bytes are copied, so stop is never blocked by a slow upload.
func (e *Engine) Stage(owner string, r io.Reader, size int64, name string) (workspace.FileRef, Snapshot, error) {
	var s *Session
	var ws *workspace.Workspace
	err := e.store.Update(owner, func(tx *Txn) error {
		var err error
		if s, err = e.mutable(tx, "upload"); err != nil {
			return err
		}
		s.uploads++
		ws = s.Workspace
		tx.Touch()
		return nil
	})
	if err != nil {
		return workspace.FileRef{}, Snapshot{}, err
	}

	ref, stageErr := e.ws.Stage(ws, r, size, name)

	var snap Snapshot
	var doomed *workspace.Workspace
	err = e.store.Update(owner, func(tx *Txn) error {
		if tx.Session() != s {
			// Stopped, expired or torn down while the bytes were in flight.
			return orderingErr("upload", "the session ended during the upload; send init to start again")
		}
		s.uploads--
		if stageErr != nil {
			se := classifyStage(stageErr)
			if se.Kind == Workspace {
				tx.Remove()
				doomed = ws
			}
			return se
		}
		s.Files = append(s.Files, ref)
		s.settle()
		tx.Touch()
		snap = s.snapshot()
		return nil
	})
	if doomed != nil {
		log.Printf("session: %s: workspace failure, tearing down: %v", owner, stageErr)
		e.release(owner, doomed)
	}
	if err != nil {
		return workspace.FileRef{}, Snapshot{}, err
	}
	return ref, snap, nil
}

func classifyStage(err error) *Error {
	switch {
	case errors.Is(err, workspace.ErrQuota):
		return &Error{Kind: Quota, Op: "upload", Msg: "the file does not fit in this session's budget", Err: err}
	case errors.Is(err, workspace.ErrUnsafeName):
		return &Error{Kind: Validation, Op: "upload", Msg: "the file name is not allowed", Err: err}
	case errors.Is(err, workspace.ErrEmpty):
		return &Error{Kind: Validation, Op: "upload", Msg: "the file is empty", Err: err}
	case errors.Is(err, workspace.ErrWrite):
		return &Error{Kind: Workspace, Op: "upload", Msg: "the workspace failed; send init to start a new session", Err: err}
	case errors.Is(err, workspace.ErrReleased):
		return orderingErr("upload", "the session ended during the upload; send init to start again")
	}
	return &Error{Kind: Transfer, Op: "upload", Msg: "the upload did not complete; try sending the file again", Err: err}
}

// Process runs the media tool over the session's staged files. It blocks
// until the execution finishes, is stopped, or ctx is cancelled, but holds
// the owner's lock only while entering and leaving Processing.
func (e *Engine) Process(ctx context.Context, owner string) (Outcome, error) {
	var (
		s      *Session
		inv    runner.Invocation
		start  Snapshot
		runCtx context.Context
		done   chan struct{}
		doomed *workspace.Workspace
	)
	err := e.store.Update(owner, func(tx *Txn) error {
		var err error
		if s, err = e.mutable(tx, "process"); err != nil {
			return err
		}
		if s.uploads > 0 {
			return orderingErr("process", "an upload is still in progress")
		}
		if len(s.Files) == 0 {
			return orderingErr("process", "no files yet; upload at least one file first")
		}
		if err := e.ws.Check(s.Workspace); err != nil {
			tx.Remove()
			doomed = s.Workspace
			return &Error{Kind: Workspace, Op: "process", Msg: "the workspace failed; send init to start a new session", Err: err}
		}
		inv = invocation(s)

		var cancel context.CancelCauseFunc
		runCtx, cancel = context.WithCancelCause(ctx)
		done = make(chan struct{})
		s.cancel = cancel
		s.done = done
		s.State = Processing
		tx.Touch()
		start = s.snapshot()
		return nil
	})
	if doomed != nil {
		log.Printf("session: %s: workspace failure, tearing down: %v", owner, err)
		e.release(owner, doomed)
	}
	if err != nil {
		return Outcome{}, err
	}

	log.Printf("session: %s: processing %d file(s)", owner, len(inv.Inputs))
	res := func() runner.Result {
		defer close(done)
		return e.exec.Run(runCtx, inv)
	}()

	out := Outcome{Result: res, Session: start}
	e.store.Update(owner, func(tx *Txn) error {
		out.Age = tx.Now().Sub(s.CreatedAt)
		if tx.Session() != s {
			out.Stopped = true
			return nil
		}
		s.cancel(nil)
		s.cancel = nil
		s.done = nil
		s.Runs++
		s.settle()
		tx.Touch()
		return nil
	})
	log.Printf("session: %s: execution %s in %s", owner, res.Kind, res.Duration.Round(time.Millisecond))
	return out, nil
}

func invocation(s *Session) runner.Invocation {
	inputs := make([]string, len(s.Files))
	for i, f := range s.Files {
		inputs[i] = f.Path
	}
	return runner.Invocation{
		Pre:    s.Pre.Tokens,
		Inputs: inputs,
		Post:   s.Post.Tokens,
		Dir:    s.Workspace.Dir,
	}
}

// Preview returns the argument vector the next process command would run,
// with workspace paths shortened to bare file names.
func (e *Engine) Preview(owner string) ([]string, error) {
	var argv []string
	err := e.store.Update(owner, func(tx *Txn) error {
		s := tx.Session()
		if s == nil {
			return orderingErr("preview", "no session; send init first")
		}
		inv := invocation(s)
		for i, f := range s.Files {
			inv.Inputs[i] = f.Name
		}
		inv.Dir = ""
		argv, _ = e.exec.Plan(inv)
		return nil
	})
	return argv, err
}

// Reset clears fragments and files but keeps the workspace.
func (e *Engine) Reset(owner string) (Snapshot, error) {
	var snap Snapshot
	var doomed *workspace.Workspace
	err := e.store.Update(owner, func(tx *Txn) error {
		s, err := e.mutable(tx, "reset")
		if err != nil {
			return err
		}
		if err := e.ws.Reset(s.Workspace); err != nil {
			tx.Remove()
			doomed = s.Workspace
			return &Error{Kind: Workspace, Op: "reset", Msg: "the workspace failed; send init to start a new session", Err: err}
		}
		s.Files = nil
		s.Pre = fragment.Fragment{}
		s.Post = fragment.Fragment{}
		s.State = Initialized
		tx.Touch()
		snap = s.snapshot()
		return nil
	})
	if doomed != nil {
		e.release(owner, doomed)
	}
	return snap, err
}

// Stop ends the owner's session from any state. A running execution is
// cancelled and given up to the stop timeout to exit before the workspace is
// removed. Stop reports whether there was a session to end.
func (e *Engine) Stop(owner string) (bool, error) {
	return e.terminate(owner, ErrStopped)
}

func (e *Engine) terminate(owner string, cause error) (bool, error) {
	var s *Session
	e.store.Update(owner, func(tx *Txn) error {
		s = tx.Remove()
		return nil
	})
	if s == nil {
		return false, nil
	}
	if s.cancel != nil {
		s.cancel(cause)
		select {
		case <-s.done:
		case <-time.After(e.stopTimeout):
			log.Printf("session: %s: execution did not exit within %s, releasing anyway", owner, e.stopTimeout)
		}
	}
	if err := e.release(owner, s.Workspace); err != nil {
		return true, &Error{Kind: Workspace, Op: "stop", Msg: "the workspace could not be fully removed", Err: err}
	}
	log.Printf("session: %s: stopped", owner)
	return true, nil
}

func (e *Engine) release(owner string, ws *workspace.Workspace) error {
	if err := e.ws.Release(ws); err != nil {
		log.Printf("session: %s: %v", owner, err)
		return err
	}
	return nil
}

// Discard removes a delivered output file. Files outside the owner's current
// workspace are left alone; a stopped session's workspace is already gone.
func (e *Engine) Discard(owner, path string) error {
	return e.store.Update(owner, func(tx *Txn) error {
		s := tx.Session()
		if s == nil || !workspace.Contains(s.Workspace, path) {
			return nil
		}
		return e.ws.Discard(s.Workspace, path)
	})
}

// Snapshot returns a copy of the owner's session.
func (e *Engine) Snapshot(owner string) (Snapshot, bool) {
	return e.store.Get(owner)
}

// Snapshots returns copies of every open session, ordered by owner.
func (e *Engine) Snapshots() []Snapshot {
	var out []Snapshot
	for _, owner := range e.store.Owners() {
		if snap, ok := e.store.Get(owner); ok {
			out = append(out, snap)
		}
	}
	return out
}

// Sweep ends sessions idle for longer than the idle timeout and returns their
// owners. Sessions that are processing or receiving an upload are skipped.
func (e *Engine) Sweep() []string {
	var swept []string
	for _, owner := range e.store.Owners() {
		var expired *Session
		e.store.Update(owner, func(tx *Txn) error {
			s := tx.Session()
			if s == nil || s.State == Processing || s.uploads > 0 {
				return nil
			}
			if tx.Now().Sub(s.LastActivityAt) <= e.idleTimeout {
				return nil
			}
			expired = tx.Remove()
			return nil
		})
		if expired == nil {
			continue
		}
		e.release(owner, expired.Workspace)
		log.Printf("session: %s: expired after %s idle", owner, e.idleTimeout)
		swept = append(swept, owner)
	}
	return swept
}

// Live returns the workspace directory names of every open session.
func (e *Engine) Live() map[string]bool {
	live := make(map[string]bool)
	for _, owner := range e.store.Owners() {
		e.store.Update(owner, func(tx *Txn) error {
			if s := tx.Session(); s != nil {
				live[filepath.Base(s.Workspace.Dir)] = true
			}
			return nil
		})
	}
	return live
}

// Close ends every session, cancelling running executions.
func (e *Engine) Close() {
	for _, owner := range e.store.Owners() {
		e.terminate(owner, ErrShutdown)
	}
}
