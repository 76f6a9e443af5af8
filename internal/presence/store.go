package presence

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultStaleThreshold is the age after which a worker without events is stale.
const DefaultStaleThreshold = 5 * time.Minute

var (
	// ErrWorkerNotFound is returned by lookups that require an existing worker.
	ErrWorkerNotFound = errors.New("presence: worker not found")
	noOpLogger        = zap.NewNop()
)

// ChangeKind names the mutation path that produced a change.
type ChangeKind string

const (
	ChangeSnapshot ChangeKind = "snapshot"
	ChangeLive     ChangeKind = "live"
	ChangeCleanup  ChangeKind = "cleanup"
)

// Change describes one committed mutation of the store.
type Change struct {
	Kind      ChangeKind `json:"kind"`
	Revision  uint64     `json:"revision"`
	WorkerIDs []WorkerID `json:"worker_ids"`
	// Total is the table size after the mutation.
	Total int       `json:"total"`
	At    time.Time `json:"at"`
}

// StoreConfig wires the store's collaborators.
type StoreConfig struct {
	Clock          func() time.Time
	StaleThreshold time.Duration
	Logger         *zap.Logger
	// OnChange is invoked after each committed mutation, outside the lock.
	OnChange func(Change)
}

// LoadResult summarizes a snapshot merge.
type LoadResult struct {
	Inserted int
	Updated  int
	Retained int
	Skipped  int
	Revision uint64
}

// CleanupResult summarizes a staleness pass.
type CleanupResult struct {
	Checked     int
	Stale       int
	BecameStale []WorkerID
	BecameFresh []WorkerID
	Revision    uint64
}

// Store is the single source of truth for worker presence during a session.
// Every mutation goes through one lock; reads return deep copies.
type Store struct {
	mu             sync.RWMutex
	workers        map[WorkerID]*Worker
	projects       []Project
	staleSeen      map[WorkerID]bool
	revision       uint64
	snapshotLoaded bool

	clock          func() time.Time
	staleThreshold time.Duration
	logger         *zap.Logger
	onChange       func(Change)
}

// NewStore constructs an empty store.
func NewStore(cfg StoreConfig) *Store {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	threshold := cfg.StaleThreshold
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		workers:        make(map[WorkerID]*Worker),
		staleSeen:      make(map[WorkerID]bool),
		clock:          clock,
		staleThreshold: threshold,
		logger:         logger,
		onChange:       cfg.OnChange,
	}
}

// StaleThreshold returns the configured staleness threshold.
func (s *Store) StaleThreshold() time.Duration {
	return s.staleThreshold
}

// ComputeStale reports whether worker is stale at now.
// A worker that never received an event is stale only when it has no location.
func ComputeStale(worker Worker, now time.Time, threshold time.Duration) bool {
	if worker.LastUpdate == nil {
		return !worker.HasLocation()
	}
	return now.Sub(*worker.LastUpdate) > threshold
}

// IsStale applies ComputeStale with the store's threshold.
func (s *Store) IsStale(worker Worker, now time.Time) bool {
	return ComputeStale(worker, now, s.staleThreshold)
}

// LoadSnapshot merges the authoritative worker and project lists.
// Name, position, project and attendance are overwritten; freshness is not.
func (s *Store) LoadSnapshot(workers []Worker, projects []Project) LoadResult {
	now := s.clock()

	s.mu.Lock()
	firstLoad := !s.snapshotLoaded
	result := LoadResult{}
	seen := make(map[WorkerID]struct{}, len(workers))
	changed := make([]WorkerID, 0, len(workers))

	for _, incoming := range workers {
		id, err := NewWorkerID(incoming.ID.String())
		if err != nil {
			result.Skipped++
			s.logger.Warn("snapshot worker skipped", zap.String("reason", "invalid_id"), zap.Error(err))
			continue
		}
		if _, duplicate := seen[id]; duplicate {
			s.logger.Warn("snapshot worker duplicated", zap.String("worker_id", id.String()))
		}
		seen[id] = struct{}{}

		existing, ok := s.workers[id]
		if !ok {
			record := incoming.clone()
			record.ID = id
			record.LastUpdate = nil
			if firstLoad && incoming.LastUpdate != nil {
				record.LastUpdate = clampToNow(*incoming.LastUpdate, now)
			}
			s.workers[id] = &record
			result.Inserted++
			changed = append(changed, id)
			continue
		}

		mergeAuthoritative(existing, incoming)
		result.Updated++
		changed = append(changed, id)
	}

	for id := range s.workers {
		if _, ok := seen[id]; !ok {
			result.Retained++
		}
	}

	s.projects = normalizeProjects(projects, s.logger)
	s.snapshotLoaded = true
	s.revision++
	result.Revision = s.revision
	total := len(s.workers)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeSnapshot, Revision: result.Revision, WorkerIDs: changed, Total: total, At: now})
	return result
}

// mergeAuthoritative overwrites the record-owned fields. Location and shift
// times are only taken while no live event has been seen for the worker.
func mergeAuthoritative(existing *Worker, incoming Worker) {
	existing.Name = incoming.Name
	existing.Position = incoming.Position
	existing.ProjectID = clonePointer(incoming.ProjectID)
	existing.AttendanceStatus = incoming.AttendanceStatus
	if existing.LastUpdate != nil {
		return
	}
	if incoming.HasLocation() {
		existing.Latitude = clonePointer(incoming.Latitude)
		existing.Longitude = clonePointer(incoming.Longitude)
	}
	if incoming.ShiftStart != nil {
		existing.ShiftStart = clonePointer(incoming.ShiftStart)
	}
	if incoming.ShiftEnd != nil {
		existing.ShiftEnd = clonePointer(incoming.ShiftEnd)
	}
}

// ApplyLiveUpdate upserts a worker from a live event and stamps last_update.
func (s *Store) ApplyLiveUpdate(update WorkerUpdate) (Worker, error) {
	id, err := NewWorkerID(update.ID.String())
	if err != nil {
		return Worker{}, err
	}
	now := s.clock()

	s.mu.Lock()
	record, ok := s.workers[id]
	if !ok {
		created := Worker{ID: id}
		record = &created
		s.workers[id] = record
		s.logger.Debug("worker created from live update", zap.String("worker_id", id.String()))
	}
	update.mergeInto(record)
	stamp := now
	record.LastUpdate = &stamp
	s.revision++
	revision := s.revision
	result := record.clone()
	total := len(s.workers)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeLive, Revision: revision, WorkerIDs: []WorkerID{id}, Total: total, At: now})
	return result, nil
}

// Cleanup recomputes staleness for every worker. It never deletes records;
// it only signals a change when some worker crossed the threshold.
func (s *Store) Cleanup(now time.Time) CleanupResult {
	s.mu.Lock()
	result := CleanupResult{Checked: len(s.workers)}
	for id, record := range s.workers {
		stale := s.IsStale(*record, now)
		if stale {
			result.Stale++
		}
		previous, known := s.staleSeen[id]
		s.staleSeen[id] = stale
		switch {
		case stale && (!known || !previous):
			result.BecameStale = append(result.BecameStale, id)
		case !stale && known && previous:
			result.BecameFresh = append(result.BecameFresh, id)
		}
	}
	transitioned := len(result.BecameStale) + len(result.BecameFresh)
	if transitioned > 0 {
		s.revision++
	}
	result.Revision = s.revision
	s.mu.Unlock()

	slices.Sort(result.BecameStale)
	slices.Sort(result.BecameFresh)
	if transitioned > 0 {
		ids := make([]WorkerID, 0, transitioned)
		ids = append(ids, result.BecameStale...)
		ids = append(ids, result.BecameFresh...)
		s.notify(Change{Kind: ChangeCleanup, Revision: result.Revision, WorkerIDs: ids, Total: result.Checked, At: now})
	}
	return result
}

// Snapshot returns a deep copy of the table at its current revision.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	workers := make([]Worker, 0, len(s.workers))
	for _, record := range s.workers {
		workers = append(workers, record.clone())
	}
	slices.SortFunc(workers, func(a, b Worker) int {
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return Snapshot{
		Revision: s.revision,
		Workers:  workers,
		Projects: slices.Clone(s.projects),
		TakenAt:  s.clock(),
	}
}

// Worker returns a copy of one record.
func (s *Store) Worker(id WorkerID) (Worker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.workers[id]
	if !ok {
		return Worker{}, false
	}
	return record.clone(), true
}

// Len returns the number of workers in the table.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workers)
}

// Revision returns the revision of the last committed mutation.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// SnapshotLoaded reports whether at least one snapshot has been merged.
func (s *Store) SnapshotLoaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLoaded
}

func (s *Store) notify(change Change) {
	if s.onChange == nil {
		return
	}
	s.onChange(change)
}

func normalizeProjects(projects []Project, logger *zap.Logger) []Project {
	normalized := make([]Project, 0, len(projects))
	index := make(map[ProjectID]int, len(projects))
	for _, project := range projects {
		id, err := NewProjectID(project.ID.String())
		if err != nil {
			logger.Warn("snapshot project skipped", zap.String("reason", "invalid_id"), zap.Error(err))
			continue
		}
		project.ID = id
		if position, ok := index[id]; ok {
			normalized[position] = project
			continue
		}
		index[id] = len(normalized)
		normalized = append(normalized, project)
	}
	slices.SortFunc(normalized, func(a, b Project) int {
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return normalized
}

func clampToNow(value, now time.Time) *time.Time {
	if value.After(now) {
		value = now
	}
	return &value
}

// RequireWorker returns the worker or ErrWorkerNotFound.
func (s *Store) RequireWorker(id WorkerID) (Worker, error) {
	worker, ok := s.Worker(id)
	if !ok {
		return Worker{}, fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	return worker, nil
}
