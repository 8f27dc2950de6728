package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// scheduler runs jobs on cron schedules under one base context. A job still
// running when its next tick fires is skipped, and a panicking job is
// logged instead of crashing the process.
type scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

func newScheduler(logger *slog.Logger) *scheduler {
	cl := cronLogger{logger: logger}
	return &scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
	}
}

// add registers job under spec. An empty spec leaves the job unscheduled.
func (s *scheduler) add(ctx context.Context, name, spec string, job func(context.Context)) error {
	if spec == "" {
		return nil
	}
	if _, err := s.cron.AddFunc(spec, func() { job(ctx) }); err != nil {
		return fmt.Errorf("app: schedule %s %q: %w", name, spec, err)
	}
	s.logger.Info("job scheduled", slog.String("job", name), slog.String("spec", spec))
	return nil
}

// run starts the scheduler and blocks until ctx is cancelled, then waits
// for running jobs to return.
func (s *scheduler) run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}
