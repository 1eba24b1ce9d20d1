package telegraph

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zulandar/splicer/internal/config"
)

// nextCronDuration parses a schedule expression (5-field cron or a
// descriptor such as "@every 1m") and returns the duration until the next
// fire time after from. Returns 0 on parse error.
func nextCronDuration(expr string, from time.Time) time.Duration {
	sched, err := config.ParseSchedule(expr)
	if err != nil {
		return 0
	}
	d := sched.Next(from).Sub(from)
	if d < 0 {
		return 0
	}
	return d
}

// Job is a named task run on a schedule.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context)
}

// Scheduler fires jobs on their schedules until its context is cancelled.
// A job never overlaps itself: the next timer starts after Run returns.
type Scheduler struct {
	jobs []Job
	now  func() time.Time
}

// NewScheduler validates every job's schedule.
func NewScheduler(jobs ...Job) (*Scheduler, error) {
	for _, j := range jobs {
		if j.Run == nil {
			return nil, fmt.Errorf("telegraph: scheduler: job %q has no func", j.Name)
		}
		if _, err := config.ParseSchedule(j.Schedule); err != nil {
			return nil, fmt.Errorf("telegraph: scheduler: job %q: %w", j.Name, err)
		}
	}
	return &Scheduler{jobs: jobs, now: time.Now}, nil
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, j := range s.jobs {
		g.Go(func() error {
			s.loop(gctx, j)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	for {
		d := nextCronDuration(j.Schedule, s.now())
		if d <= 0 {
			log.Printf("telegraph: scheduler: job %s has no next fire time, stopping", j.Name)
			return
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			j.Run(ctx)
		}
	}
}
