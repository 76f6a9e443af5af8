// Package job runs the periodic staleness pass over the presence store.
package job

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/presence-tracker/internal/metrics"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/presence"
)

// DefaultInterval is how often the cleanup pass runs.
const DefaultInterval = 60 * time.Second

var errMissingStore = errors.New("job: presence store is required")

// Pruner trims a bounded log to its newest entries.
type Pruner interface {
	Prune(ctx context.Context, keep int) (int64, error)
}

// CleanupConfig wires a CleanupJob.
type CleanupConfig struct {
	Store     *presence.Store
	Clock     func() time.Time
	Journal   Pruner
	Retention int
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// CleanupJob recomputes worker staleness. It never removes workers.
type CleanupJob struct {
	store     *presence.Store
	clock     func() time.Time
	journal   Pruner
	retention int
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewCleanupJob validates cfg and constructs the job.
func NewCleanupJob(cfg CleanupConfig) (*CleanupJob, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CleanupJob{
		store:     cfg.Store,
		clock:     clock,
		journal:   cfg.Journal,
		retention: cfg.Retention,
		logger:    logger,
		metrics:   cfg.Metrics,
	}, nil
}

// Run satisfies cron.Job.
func (j *CleanupJob) Run() {
	j.RunContext(context.Background())
}

// RunContext performs one pass and returns its summary.
func (j *CleanupJob) RunContext(ctx context.Context) presence.CleanupResult {
	started := time.Now()
	result := j.store.Cleanup(j.clock())
	transitions := len(result.BecameStale) + len(result.BecameFresh)
	j.metrics.ObserveCleanup(result.Stale, transitions, time.Since(started))

	if transitions > 0 {
		j.logger.Info("cleanup job completed",
			zap.Int("checked", result.Checked),
			zap.Int("stale", result.Stale),
			zap.Int("became_stale", len(result.BecameStale)),
			zap.Int("became_fresh", len(result.BecameFresh)),
			zap.Uint64("revision", result.Revision),
		)
	} else {
		j.logger.Debug("cleanup job completed",
			zap.Int("checked", result.Checked),
			zap.Int("stale", result.Stale),
		)
	}

	if j.journal != nil && j.retention > 0 {
		removed, err := j.journal.Prune(ctx, j.retention)
		if err != nil {
			j.logger.Error("journal prune failed",
				zap.String("operation", "job.cleanup"),
				zap.String("reason", "journal_prune"),
				zap.Error(err),
			)
		} else if removed > 0 {
			j.logger.Debug("journal pruned", zap.Int64("removed", removed))
		}
	}
	return result
}
