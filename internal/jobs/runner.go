package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dikkadev/websubhub/internal/clock"
	"golang.org/x/sync/errgroup"
)

const (
	DEFAULT_POLL_INTERVAL = time.Second
	// A claimed run that did not reschedule within this window is considered
	// dead and may be claimed again.
	JOB_LOCK_LEASE = 10 * time.Minute
)

var ErrUnknownJob = errors.New("unknown job")

// JobStore persists job schedules and arbitrates who runs a due job.
type JobStore interface {
	InstallJob(ctx context.Context, name string, firstRun time.Time) (bool, error)
	ClaimJob(ctx context.Context, name string, now, lockUntil time.Time) (bool, error)
	RescheduleJob(ctx context.Context, name string, ranAt, next time.Time) error
}

// Runner executes installed jobs when they fall due. Several runners may
// share a store; a claimed run is performed by exactly one of them.
type Runner struct {
	store  JobStore
	clock  clock.Clock
	logger *slog.Logger
	poll   time.Duration
	jobs   []Job
}

type RunnerOption func(*Runner)

func WithPollInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.poll = d
		}
	}
}

func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

func WithRunnerClock(c clock.Clock) RunnerOption {
	return func(r *Runner) {
		r.clock = c
	}
}

func NewRunner(store JobStore, jobs []Job, options ...RunnerOption) *Runner {
	r := &Runner{
		store:  store,
		clock:  clock.Real{},
		logger: slog.Default(),
		poll:   DEFAULT_POLL_INTERVAL,
		jobs:   jobs,
	}
	for _, option := range options {
		option(r)
	}
	r.logger = r.logger.With("component", "runner")
	return r
}

// Install schedules the first run of every job that is not installed yet.
// Already installed jobs keep their schedule.
func (r *Runner) Install(ctx context.Context) error {
	now := r.clock.Now()
	for _, job := range r.jobs {
		created, err := r.store.InstallJob(ctx, job.Name(), job.Schedule().Next(now))
		if err != nil {
			return fmt.Errorf("install job %s: %w", job.Name(), err)
		}
		if created {
			r.logger.Info("Job installed", "job", job.Name())
		}
	}
	return nil
}

// Run polls for due jobs until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Install(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, job := range r.jobs {
		g.Go(func() error {
			return r.loop(ctx, job)
		})
	}
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, job Job) error {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		if _, err := r.RunDue(ctx, job); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("Job scheduling failed", "job", job.Name(), "err", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunDue performs job if it is due and this runner wins the claim. It
// reports whether the job ran. Errors from Perform are logged and do not
// prevent rescheduling; only store errors are returned.
func (r *Runner) RunDue(ctx context.Context, job Job) (bool, error) {
	now := r.clock.Now()
	claimed, err := r.store.ClaimJob(ctx, job.Name(), now, now.Add(JOB_LOCK_LEASE))
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	finished := r.perform(ctx, job)
	next := job.Schedule().Next(finished)
	if err := r.store.RescheduleJob(ctx, job.Name(), finished, next); err != nil {
		return true, err
	}
	r.logger.Debug("Job rescheduled", "job", job.Name(), "next_run_at", next)
	return true, nil
}

// RunNow performs the named job immediately, regardless of its schedule.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	for _, job := range r.jobs {
		if job.Name() == name {
			start := time.Now()
			err := job.Perform(ctx)
			r.record(job, start, err)
			return err
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownJob, name)
}

func (r *Runner) perform(ctx context.Context, job Job) time.Time {
	start := time.Now()
	err := job.Perform(ctx)
	r.record(job, start, err)
	if err != nil {
		r.logger.Error("Job failed", "job", job.Name(), "err", err)
	}
	return r.clock.Now()
}

func (r *Runner) record(job Job, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	jobRunsTotal.WithLabelValues(job.Name(), result).Inc()
	jobDuration.WithLabelValues(job.Name()).Observe(time.Since(start).Seconds())
}

// Jobs returns the hub's periodic jobs wired to deps.
func Jobs(deps Deps) []Job {
	return []Job{
		NewProcessSubscriptions(deps),
		NewProcessContents(deps),
		NewCleaner(deps),
	}
}
