package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var (
	errMissingJob       = errors.New("job: cron job is required")
	errIntervalTooSmall = errors.New("job: interval must be at least one second")
)

// Scheduler runs a job on a fixed interval.
type Scheduler struct {
	cron    *cron.Cron
	entryID cron.EntryID
	logger  *zap.Logger
}

// NewScheduler registers job to run every interval. A run still in progress
// causes the next tick to be skipped.
func NewScheduler(job cron.Job, interval time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if job == nil {
		return nil, errMissingJob
	}
	if interval < time.Second {
		return nil, fmt.Errorf("%w: %s", errIntervalTooSmall, interval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	adapter := cronLogger{sugar: logger.Sugar()}
	runner := cron.New(
		cron.WithLogger(adapter),
		cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
	)
	entryID, err := runner.AddJob(fmt.Sprintf("@every %s", interval), job)
	if err != nil {
		return nil, err
	}
	return &Scheduler{cron: runner, entryID: entryID, logger: logger}, nil
}

// Start begins ticking in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Time("next_run", s.NextRun()))
}

// NextRun reports when the job is next due; zero before Start.
func (s *Scheduler) NextRun() time.Time {
	return s.cron.Entry(s.entryID).Next
}

// Stop halts the schedule and waits for a running job, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger routes cron's own logging into zap.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
