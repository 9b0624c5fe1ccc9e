// Package scheduler runs the periodic billing jobs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"trading-fee-billing/internal/events"
	"trading-fee-billing/internal/logging"
)

// ErrLockHeld tells the scheduler another process is running the job.
// Lockers should return an error wrapping it.
var ErrLockHeld = errors.New("scheduler: job lock held elsewhere")

// Job represents a scheduled job
type Job interface {
	Run(ctx context.Context) error
	Name() string
}

// Locker grants a named lock across processes
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error)
}

type funcJob struct {
	name string
	fn   func(ctx context.Context) error
}

func (j funcJob) Name() string                  { return j.name }
func (j funcJob) Run(ctx context.Context) error { return j.fn(ctx) }

// NewJob adapts a function to a Job
func NewJob(name string, fn func(ctx context.Context) error) Job {
	return funcJob{name: name, fn: fn}
}

// Options configures a Scheduler
type Options struct {
	// Timeout bounds each run. Zero means one hour.
	Timeout time.Duration
	// Locker is optional; without it jobs run in every process.
	Locker Locker
	// Bus receives a job result event after every run. Optional.
	Bus *events.EventBus
}

// Scheduler manages background jobs
type Scheduler struct {
	cron    *cron.Cron
	log     zerolog.Logger
	opts    Options
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// New creates a new scheduler
func New(logger *logging.Logger, opts Options) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Hour
	}
	log := logger.Zerolog().With().Str("component", "scheduler").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{log: log})),
		),
		log:    log,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.cron.Entries())).Msg("Scheduler started")
}

// Stop stops scheduling new runs, cancels running jobs and waits for them
// to return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	stopped := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("Scheduler stopped")
	case <-ctx.Done():
		s.log.Warn().Msg("Scheduler stop timed out with jobs still running")
	}
}

// AddJob registers a new job with a six-field cron schedule.
// Schedule examples:
//   - "0 0 18 * * SUN"     - Sundays at 18:00
//   - "0 30 * * * MON-FRI" - half past every hour on weekdays
//   - "@every 30s"         - Every 30 seconds
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		_ = s.execute(s.ctx, job)
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", job.Name(), schedule, err)
	}

	s.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Job registered")

	return nil
}

// RunNow executes a job immediately (outside schedule), honoring the lock
// and timeout.
func (s *Scheduler) RunNow(ctx context.Context, job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("Running job immediately")
	return s.execute(ctx, job)
}

func (s *Scheduler) execute(parent context.Context, job Job) (err error) {
	s.running.Add(1)
	defer s.running.Done()

	log := s.log.With().Str("job", job.Name()).Logger()

	if s.opts.Locker != nil {
		release, lerr := s.opts.Locker.Acquire(parent, job.Name(), s.opts.Timeout+time.Minute)
		switch {
		case errors.Is(lerr, ErrLockHeld):
			log.Debug().Msg("Job is running in another process, skipping")
			return lerr
		case lerr != nil:
			// Every write the jobs make is guarded in the database, so a
			// lock outage degrades to duplicate work, not duplicate charges
			log.Warn().Err(lerr).Msg("Job lock unavailable, running unlocked")
		default:
			defer release()
		}
	}

	ctx, cancel := context.WithTimeout(parent, s.opts.Timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name(), r)
			log.Error().Str("stack", string(debug.Stack())).Msg("Job panicked")
		}
		duration := time.Since(start)
		if err != nil {
			log.Error().Err(err).Dur("duration", duration).Msg("Job failed")
		} else {
			log.Info().Dur("duration", duration).Msg("Job completed")
		}
		s.opts.Bus.PublishJobResult(job.Name(), duration, err)
	}()

	log.Debug().Msg("Running job")
	return job.Run(ctx)
}

// cronLogger routes cron's own messages through zerolog
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
