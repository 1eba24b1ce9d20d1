package telegraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zulandar/splicer/internal/delivery"
	"github.com/zulandar/splicer/internal/session"
)

const (
	// maxQueued bounds the commands waiting behind a running one per owner.
	maxQueued = 32
	// clearFragment as the follow-up to a bare /pre or /post clears it.
	clearFragment = "-"
)

// Deliverer hands execution outcomes to the user and operator.
type Deliverer interface {
	Deliver(ctx context.Context, to delivery.Target, out session.Outcome) error
}

// Router classifies inbound chat messages and applies them to the session
// engine. Each owner has a mailbox drained by at most one goroutine, so one
// owner's commands run in receipt order and never wait on another owner's.
// Stop bypasses the mailbox so it can preempt a running process.
type Router struct {
	engine    *session.Engine
	deliverer Deliverer
	adapter   Adapter
	botUserID string
	out       io.Writer
	limit     rate.Limit
	burst     int

	mu     sync.Mutex
	cond   *sync.Cond // signalled when a stop for some owner completes
	owners map[string]*ownerState
	closed bool
	wg     sync.WaitGroup
}

// ownerState is guarded by Router.mu.
type ownerState struct {
	queue    []InboundMessage
	running  bool
	current  chan struct{} // closed when the message being dispatched is done
	stopping int           // stops in flight; the mailbox is held while > 0
	pending  string // "pre" or "post" while waiting for the follow-up text
	limiter  *rate.Limiter
	warned   bool
	lastSeen time.Time
	replyTo  InboundMessage // where the owner last wrote from
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Engine    *session.Engine
	Deliverer Deliverer
	Adapter   Adapter
	BotUserID string     // bot's user ID for self-message filtering
	RateLimit rate.Limit // commands per second per owner; 0 disables
	RateBurst int
	Out       io.Writer // defaults to os.Stdout
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("telegraph: router: engine is required")
	}
	if opts.Deliverer == nil {
		return nil, fmt.Errorf("telegraph: router: deliverer is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: router: adapter is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	burst := opts.RateBurst
	if burst <= 0 {
		burst = 1
	}
	r := &Router{
		engine:    opts.Engine,
		deliverer: opts.Deliverer,
		adapter:   opts.Adapter,
		botUserID: opts.BotUserID,
		out:       out,
		limit:     opts.RateLimit,
		burst:     burst,
		owners:    make(map[string]*ownerState),
	}
	r.cond = sync.NewCond(&r.mu)
	return r, nil
}

// ownerKey is the session key for a message's sender.
func ownerKey(msg InboundMessage) string { return msg.Platform + ":" + msg.UserID }

func targetOf(msg InboundMessage) delivery.Target {
	return delivery.Target{
		Platform:  msg.Platform,
		ChannelID: msg.ChannelID,
		ThreadID:  msg.ThreadID,
		UserID:    msg.UserID,
		UserName:  msg.UserName,
	}
}

// Handle classifies and routes a single inbound message without blocking on
// command execution. Routing paths:
//  1. Bot self-message → ignore
//  2. stop → run immediately, cancelling any running process
//  3. Over the owner's rate limit → drop
//  4. Anything else → the owner's mailbox
func (r *Router) Handle(ctx context.Context, msg InboundMessage) {
	if r.isSelfMessage(msg) || msg.UserID == "" {
		return
	}

	text := strings.TrimSpace(msg.Text)
	owner := ownerKey(msg)
	fmt.Fprintf(r.out, "telegraph: router: recv [owner=%s ch=%s files=%d] %q\n",
		owner, msg.ChannelID, len(msg.Attachments), truncate(text, 80))

	cmd, isCmd := parseCommand(text)
	if isCmd && cmd.Name == "stop" {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			return
		}
		var inflight chan struct{}
		if st := r.owners[owner]; st != nil {
			// Commands received before the stop never run after it.
			st.pending = ""
			st.queue = nil
			st.stopping++
			inflight = st.current
		}
		r.goStop(ctx, msg, inflight)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	st := r.state(owner)
	st.lastSeen = time.Now()
	st.replyTo = InboundMessage{Platform: msg.Platform, ChannelID: msg.ChannelID, ThreadID: msg.ThreadID, UserID: msg.UserID}

	if !isCmd && len(msg.Attachments) == 0 && st.pending == "" && !st.running {
		// Plain chatter. While commands are queued it may still answer a
		// bare /pre or /post, so it waits in line instead.
		return
	}

	if !st.limiter.Allow() {
		if !st.warned {
			st.warned = true
			r.replyAsync(ctx, msg, "You are sending commands too quickly; some were ignored.")
		}
		log.Printf("telegraph: router: %s over rate limit, dropping message", owner)
		return
	}
	st.warned = false

	if len(st.queue) >= maxQueued {
		r.replyAsync(ctx, msg, "Too many commands are waiting; this one was ignored.")
		return
	}
	st.queue = append(st.queue, msg)
	if !st.running {
		st.running = true
		r.wg.Add(1)
		go r.drain(ctx, owner)
	}
}

// state returns the owner's state, creating it. Caller holds r.mu.
func (r *Router) state(owner string) *ownerState {
	st := r.owners[owner]
	if st == nil {
		limit := r.limit
		if limit <= 0 {
			limit = rate.Inf
		}
		st = &ownerState{limiter: rate.NewLimiter(limit, r.burst)}
		r.owners[owner] = st
	}
	return st
}

// drain runs the owner's queued messages in order and exits when the queue
// is empty.
func (r *Router) drain(ctx context.Context, owner string) {
	defer r.wg.Done()
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.owners[owner]
	for {
		for st.stopping > 0 {
			r.cond.Wait()
		}
		if len(st.queue) == 0 {
			st.running = false
			return
		}
		msg := st.queue[0]
		st.queue = st.queue[1:]
		done := make(chan struct{})
		st.current = done
		r.mu.Unlock()

		r.dispatch(ctx, owner, msg)

		close(done)
		r.mu.Lock()
		st.current = nil
	}
}

// dispatch applies one message for owner. Attachments are staged before the
// text is interpreted.
func (r *Router) dispatch(ctx context.Context, owner string, msg InboundMessage) {
	for _, att := range msg.Attachments {
		r.stage(ctx, owner, msg, att)
	}

	text := strings.TrimSpace(msg.Text)
	cmd, isCmd := parseCommand(text)
	if !isCmd {
		if len(msg.Attachments) > 0 {
			return
		}
		if op := r.takePending(owner); op != "" {
			if text == clearFragment {
				text = ""
			}
			r.setFragment(ctx, owner, msg, op, text)
		}
		return
	}

	// Any command cancels a pending two-step pre/post.
	r.takePending(owner)

	switch cmd.Name {
	case "start", "help":
		r.reply(ctx, msg, helpText())
	case "init":
		if _, err := r.engine.Init(owner); err != nil {
			r.replyErr(ctx, msg, err)
			return
		}
		r.reply(ctx, msg, "Session started. Upload your files, set /pre and /post, then send /process.")
	case "pre", "post":
		if cmd.Arg == "" {
			if _, ok := r.engine.Snapshot(owner); !ok {
				r.reply(ctx, msg, "No session; send /init first.")
				return
			}
			r.setPending(owner, cmd.Name)
			r.reply(ctx, msg, fmt.Sprintf("Send the %s-input options as your next message (send %s for none).", cmd.Name, clearFragment))
			return
		}
		r.setFragment(ctx, owner, msg, cmd.Name, cmd.Arg)
	case "process":
		r.process(ctx, owner, msg)
	case "reset":
		if _, err := r.engine.Reset(owner); err != nil {
			r.replyErr(ctx, msg, err)
			return
		}
		r.reply(ctx, msg, "Session reset. Files and options cleared.")
	case "status":
		snap, ok := r.engine.Snapshot(owner)
		if !ok {
			r.reply(ctx, msg, "No session. Send /init to start one.")
			return
		}
		preview, _ := r.engine.Preview(owner)
		if len(snap.Files) == 0 {
			preview = nil
		}
		r.reply(ctx, msg, formatStatus(snap, preview))
	default:
		r.reply(ctx, msg, fmt.Sprintf("Unknown command: `%s`\n\n%s", cmd.Name, helpText()))
	}
}

func (r *Router) setFragment(ctx context.Context, owner string, msg InboundMessage, op, text string) {
	set := r.engine.SetPre
	if op == "post" {
		set = r.engine.SetPost
	}
	snap, err := set(owner, text)
	if err != nil {
		r.replyErr(ctx, msg, err)
		return
	}
	reply := fmt.Sprintf("%s-input options set.", strings.ToUpper(op[:1])+op[1:])
	if text == "" {
		reply = fmt.Sprintf("%s-input options cleared.", strings.ToUpper(op[:1])+op[1:])
	}
	if len(snap.Files) > 0 {
		if argv, err := r.engine.Preview(owner); err == nil {
			reply += "\n" + formatPreview(argv)
		}
	}
	r.reply(ctx, msg, reply)
}

func (r *Router) stage(ctx context.Context, owner string, msg InboundMessage, att Attachment) {
	if _, ok := r.engine.Snapshot(owner); !ok {
		r.reply(ctx, msg, fmt.Sprintf("Ignored %s: no session; send /init first.", att.Name))
		return
	}
	body, err := r.adapter.Download(ctx, att)
	if err != nil {
		log.Printf("telegraph: router: download %s for %s: %v", att.Name, owner, err)
		r.reply(ctx, msg, fmt.Sprintf("Could not fetch %s; try sending it again.", att.Name))
		return
	}
	defer body.Close()

	ref, snap, err := r.engine.Stage(owner, body, att.Size, att.Name)
	if err != nil {
		r.replyErr(ctx, msg, fmt.Errorf("%s: %w", att.Name, err))
		return
	}
	r.reply(ctx, msg, fmt.Sprintf("Received %s (%s). %d file(s) staged.", ref.Name, formatBytes(ref.Size), len(snap.Files)))
}

func (r *Router) process(ctx context.Context, owner string, msg InboundMessage) {
	snap, ok := r.engine.Snapshot(owner)
	if ok && len(snap.Files) > 0 && snap.State != session.Processing.String() {
		r.reply(ctx, msg, fmt.Sprintf("Processing %d file(s)...", len(snap.Files)))
	}
	out, err := r.engine.Process(ctx, owner)
	if err != nil {
		r.replyErr(ctx, msg, err)
		return
	}
	if err := r.deliverer.Deliver(ctx, targetOf(msg), out); err != nil {
		log.Printf("telegraph: router: deliver to %s: %v", owner, err)
	}
}

// goStop ends the owner's session on its own goroutine: Stop may wait for
// the running process to exit. When a command was mid-dispatch the session
// is stopped again once that command returns, since it may have opened a
// new one. The owner's mailbox stays held until then.
func (r *Router) goStop(ctx context.Context, msg InboundMessage, inflight <-chan struct{}) {
	owner := ownerKey(msg)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(owner)
		ended, err := r.engine.Stop(owner)
		if inflight != nil {
			<-inflight
			again, againErr := r.engine.Stop(owner)
			ended = ended || again
			if err == nil {
				err = againErr
			}
		}
		switch {
		case err != nil:
			r.replyErr(ctx, msg, err)
		case ended:
			r.reply(ctx, msg, "Session stopped. Send /init to start again.")
		default:
			r.reply(ctx, msg, "No session to stop.")
		}
	}()
}

// release lets the owner's mailbox drain again after a stop.
func (r *Router) release(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st := r.owners[owner]; st != nil && st.stopping > 0 {
		st.stopping--
		r.cond.Broadcast()
	}
}

func (r *Router) takePending(owner string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.owners[owner]
	if st == nil {
		return ""
	}
	op := st.pending
	st.pending = ""
	return op
}

func (r *Router) setPending(owner, op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state(owner).pending = op
}

// Expired tells each owner that their session ended after idle without
// activity. Owners the router has not heard from are skipped.
func (r *Router) Expired(ctx context.Context, owners []string, idle time.Duration) {
	r.mu.Lock()
	var to []InboundMessage
	for _, owner := range owners {
		if st := r.owners[owner]; st != nil && st.replyTo.ChannelID != "" {
			to = append(to, st.replyTo)
		}
	}
	r.mu.Unlock()
	for _, msg := range to {
		r.reply(ctx, msg, fmt.Sprintf("Your session expired after %s without activity and its files were removed. Send /init to start again.", formatDuration(idle)))
	}
}

// Prune forgets owners with no queued work and no pending follow-up that
// have been quiet for longer than idle.
func (r *Router) Prune(idle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for owner, st := range r.owners {
		if st.running || len(st.queue) > 0 || st.pending != "" || st.stopping > 0 {
			continue
		}
		if time.Since(st.lastSeen) > idle {
			delete(r.owners, owner)
			n++
		}
	}
	return n
}

// Close stops accepting messages and waits for in-flight commands. Callers
// cancel running executions first (session.Engine.Close).
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	for _, st := range r.owners {
		st.queue = nil
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Router) reply(ctx context.Context, msg InboundMessage, text string) {
	if err := r.adapter.Send(ctx, OutboundMessage{
		ChannelID: msg.ChannelID,
		ThreadID:  msg.ThreadID,
		Text:      text,
	}); err != nil {
		log.Printf("telegraph: router: send reply: %v", err)
	}
}

// replyAsync replies without holding the caller's locks.
func (r *Router) replyAsync(ctx context.Context, msg InboundMessage, text string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.reply(ctx, msg, text)
	}()
}

func (r *Router) replyErr(ctx context.Context, msg InboundMessage, err error) {
	var se *session.Error
	if !errors.As(err, &se) {
		log.Printf("telegraph: router: %s: %v", ownerKey(msg), err)
		r.reply(ctx, msg, "Something went wrong; try again.")
		return
	}
	if se.Kind == session.Workspace {
		log.Printf("telegraph: router: %s: %v", ownerKey(msg), err)
	}
	r.reply(ctx, msg, userText(err, se))
}

// userText phrases a session error for the user. Validation and quota
// errors carry the underlying reason; an attachment name prefix is kept.
func userText(err error, se *session.Error) string {
	text := se.Msg
	if (se.Kind == session.Validation || se.Kind == session.Quota) && se.Err != nil {
		text += " (" + stripPrefixes(se.Err.Error()) + ")"
	}
	if full := err.Error(); !strings.HasPrefix(full, "session: ") {
		if i := strings.Index(full, ": session: "); i > 0 {
			return full[:i] + ": " + text + "."
		}
	}
	return upperFirst(text) + "."
}

// stripPrefixes removes package prefixes such as "fragment: " and
// "workspace: stage x: ".
func stripPrefixes(msg string) string {
	for _, p := range []string{"fragment: ", "workspace: "} {
		if i := strings.LastIndex(msg, p); i >= 0 {
			msg = msg[i+len(p):]
		}
	}
	return msg
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// isSelfMessage returns true if the message is from the bot itself.
func (r *Router) isSelfMessage(msg InboundMessage) bool {
	return r.botUserID != "" && msg.UserID == r.botUserID
}

// truncate returns s truncated to maxLen with "..." appended if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
