package job

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/MarcoPoloResearchLab/presence-tracker/internal/metrics"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/presence"
)

type movableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *movableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *movableClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPruner struct {
	keep  []int
	err   error
	calls int
}

func (p *recordingPruner) Prune(_ context.Context, keep int) (int64, error) {
	p.calls++
	p.keep = append(p.keep, keep)
	return 3, p.err
}

func TestNewCleanupJobRequiresStore(t *testing.T) {
	if _, err := NewCleanupJob(CleanupConfig{}); err == nil {
		t.Fatalf("expected error without store")
	}
}

func TestCleanupJobMarksSilentWorkerStale(t *testing.T) {
	clock := &movableClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	store := presence.NewStore(presence.StoreConfig{Clock: clock.Now})
	if _, err := store.ApplyLiveUpdate(presence.WorkerUpdate{
		ID:        "2",
		Latitude:  presence.Present(41.3),
		Longitude: presence.Present(69.2),
	}); err != nil {
		t.Fatalf("apply live update: %v", err)
	}

	registry := prometheus.NewRegistry()
	collectors := metrics.New(registry)
	pruner := &recordingPruner{}
	job, err := NewCleanupJob(CleanupConfig{
		Store:     store,
		Clock:     clock.Now,
		Journal:   pruner,
		Retention: 100,
		Metrics:   collectors,
	})
	if err != nil {
		t.Fatalf("new cleanup job: %v", err)
	}

	first := job.RunContext(context.Background())
	if first.Stale != 0 || len(first.BecameStale) != 0 {
		t.Fatalf("expected fresh worker on first pass, got %+v", first)
	}

	clock.Advance(301 * time.Second)
	second := job.RunContext(context.Background())
	if second.Stale != 1 || len(second.BecameStale) != 1 || second.BecameStale[0] != "2" {
		t.Fatalf("expected worker 2 to become stale, got %+v", second)
	}
	if store.Len() != 1 {
		t.Fatalf("cleanup must not delete workers, have %d", store.Len())
	}

	if got := testutil.ToFloat64(collectors.CleanupRuns); got != 2 {
		t.Fatalf("expected 2 cleanup runs, got %v", got)
	}
	if got := testutil.ToFloat64(collectors.StaleWorkers); got != 1 {
		t.Fatalf("expected 1 stale worker gauge, got %v", got)
	}
	if got := testutil.ToFloat64(collectors.CleanupTransitions); got != 1 {
		t.Fatalf("expected 1 transition, got %v", got)
	}
	if pruner.calls != 2 || pruner.keep[0] != 100 {
		t.Fatalf("expected journal pruned to 100 twice, got %+v", pruner)
	}
}

func TestCleanupJobSurvivesPruneFailure(t *testing.T) {
	store := presence.NewStore(presence.StoreConfig{})
	pruner := &recordingPruner{err: errors.New("disk full")}
	job, err := NewCleanupJob(CleanupConfig{Store: store, Journal: pruner, Retention: 10})
	if err != nil {
		t.Fatalf("new cleanup job: %v", err)
	}
	job.Run()
	if pruner.calls != 1 {
		t.Fatalf("expected prune attempt, got %d", pruner.calls)
	}
}

func TestCleanupJobSkipsPruneWithoutRetention(t *testing.T) {
	store := presence.NewStore(presence.StoreConfig{})
	pruner := &recordingPruner{}
	job, err := NewCleanupJob(CleanupConfig{Store: store, Journal: pruner})
	if err != nil {
		t.Fatalf("new cleanup job: %v", err)
	}
	job.Run()
	if pruner.calls != 0 {
		t.Fatalf("expected no prune without retention, got %d", pruner.calls)
	}
}

type countingJob struct {
	runs atomic.Int32
}

func (j *countingJob) Run() {
	j.runs.Add(1)
}

func TestNewSchedulerValidatesArguments(t *testing.T) {
	if _, err := NewScheduler(nil, time.Minute, nil); err == nil {
		t.Fatalf("expected error for nil job")
	}
	if _, err := NewScheduler(&countingJob{}, 100*time.Millisecond, nil); !errors.Is(err, errIntervalTooSmall) {
		t.Fatalf("expected errIntervalTooSmall, got %v", err)
	}
}

func TestSchedulerRunsJobOnInterval(t *testing.T) {
	job := &countingJob{}
	scheduler, err := NewScheduler(job, time.Second, nil)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	scheduler.Start()

	if scheduler.NextRun().IsZero() {
		t.Fatalf("expected next run after start")
	}

	deadline := time.Now().Add(5 * time.Second)
	for job.runs.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("job did not run within deadline")
		}
		time.Sleep(20 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := scheduler.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
