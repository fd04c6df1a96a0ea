package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one scheduled unit of work. Returned errors are logged.
type Job func(ctx context.Context) error

// Scheduler runs background jobs on cron or fixed-interval schedules. A job
// is never run concurrently with itself: a tick that finds the previous run
// still active is skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger: logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Every schedules job at a fixed interval.
func (s *Scheduler) Every(name string, interval time.Duration, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	return s.add(name, "@every "+interval.String(), job)
}

// Cron schedules job with a standard five-field cron expression.
func (s *Scheduler) Cron(name, spec string, job Job) error {
	return s.add(name, spec, job)
}

func (s *Scheduler) add(name, spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := job(s.ctx); err != nil {
			s.logger.Error("Scheduled job failed",
				zap.String("job", name),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err),
			)
			return
		}
		s.logger.Debug("Scheduled job finished",
			zap.String("job", name),
			zap.Duration("duration", time.Since(start)),
		)
	})
	if err != nil {
		return fmt.Errorf("schedule job %s (%q): %w", name, spec, err)
	}
	s.logger.Info("Scheduled job", zap.String("job", name), zap.String("schedule", spec))
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops issuing ticks and waits for running jobs. If ctx expires first
// the running jobs' context is cancelled and ctx.Err() is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// cronLogger routes cron's own logging to zap.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
