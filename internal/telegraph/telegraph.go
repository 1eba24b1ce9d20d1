package telegraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/zulandar/splicer/internal/audit"
	"github.com/zulandar/splicer/internal/config"
	"github.com/zulandar/splicer/internal/delivery"
	"github.com/zulandar/splicer/internal/session"
	"github.com/zulandar/splicer/internal/workspace"
)

// strayGrace keeps the sweep away from workspaces allocated while it runs.
const strayGrace = time.Minute

// errInboundClosed ends the daemon when the adapter stops delivering.
var errInboundClosed = errors.New("telegraph: inbound channel closed")

// Service is a subsystem run alongside the daemon, such as the dashboard.
// Run returns nil once ctx is cancelled.
type Service interface {
	Run(ctx context.Context) error
}

// Daemon is the main splicer process. It connects to a chat platform via
// an Adapter, pumps inbound messages to the Router, and runs the scheduled
// sweep, prune and digest jobs.
type Daemon struct {
	cfg        *config.Config
	adapter    Adapter
	engine     *session.Engine
	workspaces *workspace.Manager
	audit      *audit.Store
	services   []Service
	out        io.Writer
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Config     *config.Config
	Adapter    Adapter
	Engine     *session.Engine
	Workspaces *workspace.Manager
	Audit      *audit.Store // optional; enables recording, pruning and digests
	Services   []Service    // optional; run until shutdown
	Out        io.Writer    // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("telegraph: config is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: adapter is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("telegraph: engine is required")
	}
	if opts.Workspaces == nil {
		return nil, fmt.Errorf("telegraph: workspace manager is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if opts.Audit == nil {
		fmt.Fprintf(out, "telegraph: no audit store configured; executions will not be recorded\n")
	}
	return &Daemon{
		cfg:        opts.Config,
		adapter:    opts.Adapter,
		engine:     opts.Engine,
		workspaces: opts.Workspaces,
		audit:      opts.Audit,
		services:   opts.Services,
		out:        out,
	}, nil
}

// Run starts the daemon. It removes workspaces orphaned by a previous run,
// connects the adapter, builds the dispatcher and router, and blocks until
// the context is cancelled. On shutdown it stops every session, waits for
// in-flight commands and closes the adapter.
func (d *Daemon) Run(ctx context.Context) error {
	if n, err := d.workspaces.Collect(nil, 0); err != nil {
		log.Printf("telegraph: collect orphaned workspaces: %v", err)
	} else if n > 0 {
		fmt.Fprintf(d.out, "Removed %d orphaned workspace(s) from %s\n", n, d.workspaces.Root())
	}

	fmt.Fprintf(d.out, "Splicer connecting to %s...\n", d.cfg.Bot.Platform)
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("telegraph: connect: %w", err)
	}

	var botUserID string
	if bui, ok := d.adapter.(BotUserIDer); ok {
		botUserID = bui.BotUserID()
	}

	sink, err := NewChatSink(d.adapter, d.cfg.Bot.OperatorChannel)
	if err != nil {
		d.adapter.Close()
		return err
	}
	dispatcherOpts := delivery.DispatcherOpts{
		User:            sink,
		Operator:        sink,
		Discarder:       d.engine,
		ConfirmTimeout:  d.cfg.Delivery.ConfirmTimeout,
		UserStderrBytes: d.cfg.Delivery.UserStderrBytes,
		MaxOutputBytes:  d.cfg.Delivery.MaxOutputBytes,
		SendLog:         d.cfg.Delivery.SendLog,
		Sensitive:       d.cfg.Executor.SensitiveFlags,
	}
	if d.audit != nil {
		dispatcherOpts.Recorder = d.audit
	}
	dispatcher, err := delivery.NewDispatcher(dispatcherOpts)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: build dispatcher: %w", err)
	}

	router, err := NewRouter(RouterOpts{
		Engine:    d.engine,
		Deliverer: dispatcher,
		Adapter:   d.adapter,
		BotUserID: botUserID,
		RateLimit: rate.Limit(d.cfg.Bot.RateLimit),
		RateBurst: d.cfg.Bot.RateBurst,
		Out:       d.out,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: build router: %w", err)
	}

	sched, err := NewScheduler(d.jobs(router)...)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: build scheduler: %w", err)
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: listen: %w", err)
	}

	if d.cfg.Bot.Channel != "" {
		if err := d.adapter.Send(ctx, OutboundMessage{
			ChannelID: d.cfg.Bot.Channel,
			Text:      "Splicer online. Send /help for commands.",
		}); err != nil {
			log.Printf("telegraph: send online message: %v", err)
		}
	}
	fmt.Fprintf(d.out, "Splicer online\n")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	for _, svc := range d.services {
		g.Go(func() error { return svc.Run(gctx) })
	}
	g.Go(func() error {
		// Main event loop: pump inbound messages until context is cancelled.
		for {
			select {
			case <-gctx.Done():
				return nil
			case msg, ok := <-inbound:
				if !ok {
					return errInboundClosed
				}
				router.Handle(gctx, msg)
			}
		}
	})
	err = g.Wait()

	fmt.Fprintf(d.out, "Splicer shutting down...\n")
	d.sendShutdown()
	d.engine.Close()
	router.Close()
	if cerr := d.adapter.Close(); cerr != nil {
		log.Printf("telegraph: close adapter: %v", cerr)
	}
	fmt.Fprintf(d.out, "Splicer stopped\n")

	if errors.Is(err, errInboundClosed) {
		fmt.Fprintf(d.out, "Splicer inbound channel closed\n")
		return nil
	}
	return err
}

// jobs returns the scheduled maintenance jobs.
func (d *Daemon) jobs(router *Router) []Job {
	jobs := []Job{{
		Name:     "sweep",
		Schedule: d.cfg.Session.SweepSchedule,
		Run: func(ctx context.Context) {
			d.sweep(ctx, router)
		},
	}}
	if d.audit == nil {
		return jobs
	}
	jobs = append(jobs, Job{
		Name:     "prune",
		Schedule: d.cfg.Audit.PruneSchedule,
		Run:      d.prune,
	})
	if d.cfg.Audit.DigestSchedule != "" && d.cfg.Bot.OperatorChannel != "" {
		jobs = append(jobs, Job{
			Name:     "digest",
			Schedule: d.cfg.Audit.DigestSchedule,
			Run:      d.fireDigest,
		})
	}
	return jobs
}

// sweep expires idle sessions and tells their owners, then removes any
// workspace directory that no live session owns.
func (d *Daemon) sweep(ctx context.Context, router *Router) {
	expired := d.engine.Sweep()
	for _, owner := range expired {
		fmt.Fprintf(d.out, "telegraph: sweep: expired session %s\n", owner)
	}
	router.Expired(ctx, expired, d.cfg.Session.IdleTimeout)
	if n, err := d.workspaces.Collect(d.engine.Live(), strayGrace); err != nil {
		log.Printf("telegraph: sweep: collect: %v", err)
	} else if n > 0 {
		log.Printf("telegraph: sweep: removed %d stray workspace(s)", n)
	}
	router.Prune(d.cfg.Session.IdleTimeout)
}

func (d *Daemon) prune(ctx context.Context) {
	if d.cfg.Audit.RetentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -d.cfg.Audit.RetentionDays)
	n, err := d.audit.Prune(ctx, cutoff)
	if err != nil {
		log.Printf("telegraph: prune: %v", err)
		return
	}
	if n > 0 {
		fmt.Fprintf(d.out, "telegraph: prune: removed %d execution(s) older than %d days\n", n, d.cfg.Audit.RetentionDays)
	}
}

// fireDigest builds and sends the operator digest.
func (d *Daemon) fireDigest(ctx context.Context) {
	report, err := BuildDigest(ctx, d.audit, time.Now(), 24*time.Hour, len(d.engine.Snapshots()))
	if err != nil {
		log.Printf("telegraph: %v", err)
		return
	}
	if report == nil {
		// Nothing ran; skip the digest.
		return
	}
	if err := d.adapter.Send(ctx, OutboundMessage{
		ChannelID: d.cfg.Bot.OperatorChannel,
		Events:    []FormattedEvent{FormatDigest(report)},
	}); err != nil {
		log.Printf("telegraph: send digest: %v", err)
	}
}

// sendShutdown posts a shutdown message to the adapter (best-effort).
func (d *Daemon) sendShutdown() {
	if d.cfg.Bot.Channel == "" {
		return
	}
	ctx := context.Background()
	if err := d.adapter.Send(ctx, OutboundMessage{
		ChannelID: d.cfg.Bot.Channel,
		Text:      "Splicer shutting down",
	}); err != nil {
		log.Printf("telegraph: send shutdown message: %v", err)
	}
}
