// Package scheduler runs the periodic maintenance jobs of the runtime.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/m3rciful/botrunner/core/logger"
)

// Job is one periodic task. A non-positive Every disables it.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Scheduler wraps a gocron scheduler bound to a lifetime context.
type Scheduler struct {
	cron gocron.Scheduler
	ctx  context.Context
	jobs int
}

// New creates a scheduler. Jobs receive ctx and stop with it.
func New(ctx context.Context) (*Scheduler, error) {
	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(cronLogger{}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Scheduler{cron: s, ctx: ctx}, nil
}

// Add registers j. Overlapping runs of one job are skipped.
func (s *Scheduler) Add(j Job) error {
	if j.Every <= 0 {
		logger.Debug(s.ctx, "scheduler", "job.disabled", slog.String("job", j.Name))
		return nil
	}
	_, err := s.cron.NewJob(
		gocron.DurationJob(j.Every),
		gocron.NewTask(func() { s.run(j) }),
		gocron.WithName(j.Name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule job %q: %w", j.Name, err)
	}
	s.jobs++
	logger.Info(s.ctx, "scheduler", "job.scheduled",
		slog.String("job", j.Name),
		slog.Duration("every", j.Every),
	)
	return nil
}

func (s *Scheduler) run(j Job) {
	if s.ctx.Err() != nil {
		return
	}
	start := time.Now()
	err := j.Run(s.ctx)
	attrs := []slog.Attr{
		slog.String("status", logger.Status(err)),
		slog.String("job", j.Name),
		slog.Duration("duration", logger.Took(start)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("err", err.Error()))
		logger.Warn(s.ctx, "scheduler", "job.run", attrs...)
		return
	}
	logger.Debug(s.ctx, "scheduler", "job.run", attrs...)
}

// Jobs is the number of enabled jobs.
func (s *Scheduler) Jobs() int { return s.jobs }

// Start begins running jobs.
func (s *Scheduler) Start() { s.cron.Start() }

// Shutdown stops the scheduler and waits for running jobs.
func (s *Scheduler) Shutdown() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	return nil
}

// cronLogger forwards gocron's own messages to the structured logger.
type cronLogger struct{}

func (cronLogger) Debug(msg string, args ...any) { cronLog(slog.LevelDebug, msg, args) }
func (cronLogger) Info(msg string, args ...any)  { cronLog(slog.LevelDebug, msg, args) }
func (cronLogger) Warn(msg string, args ...any)  { cronLog(slog.LevelWarn, msg, args) }
func (cronLogger) Error(msg string, args ...any) { cronLog(slog.LevelError, msg, args) }

func cronLog(level slog.Level, msg string, args []any) {
	attrs := []slog.Attr{slog.String("msg", msg)}
	for i := 0; i+1 < len(args); i += 2 {
		attrs = append(attrs, slog.Any(fmt.Sprint(args[i]), args[i+1]))
	}
	logger.Event(context.Background(), "scheduler", level, "gocron", attrs...)
}
