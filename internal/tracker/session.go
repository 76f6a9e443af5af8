// Package tracker is the consumer-facing session: it wires the snapshot
// loader, live channel, cleanup and history fetcher around one presence store
// and exposes the read API and user actions of the dashboard.
package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/presence-tracker/internal/history"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/livechannel"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/presence"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/realtime"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/upstream"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/views"
)

var (
	errMissingStore     = errors.New("tracker: presence store is required")
	errMissingChannel   = errors.New("tracker: live channel is required")
	errMissingHistory   = errors.New("tracker: history fetcher is required")
	errMissingSnapshots = errors.New("tracker: snapshot source is required")
	// ErrStopped is returned by actions issued after Stop.
	ErrStopped = errors.New("tracker: session stopped")
)

// LiveChannel is the subset of *livechannel.Channel the session drives.
type LiveChannel interface {
	Connect()
	Pause()
	Resume()
	Disconnect()
	Status() livechannel.Status
}

// HistorySelector is the subset of *history.Fetcher the session drives.
type HistorySelector interface {
	Select(workerID presence.WorkerID, historyRange history.Range) (uint64, error)
	Current() history.Result
	Close()
}

// SnapshotSource fetches the authoritative worker and project lists.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context) (upstream.Snapshot, error)
}

// Config wires a Session.
type Config struct {
	Store      *presence.Store
	Channel    LiveChannel
	History    HistorySelector
	Snapshots  SnapshotSource
	Dispatcher *realtime.Dispatcher
	Clock      func() time.Time
	Logger     *zap.Logger
}

// SnapshotState is the load state of the authoritative snapshot.
type SnapshotState struct {
	Loading   bool       `json:"loading"`
	Err       error      `json:"-"`
	ErrorCode string     `json:"error,omitempty"`
	LoadedAt  *time.Time `json:"loaded_at,omitempty"`
	Revision  uint64     `json:"revision"`
	Inserted  int        `json:"inserted"`
	Updated   int        `json:"updated"`
	Retained  int        `json:"retained"`
	Skipped   int        `json:"skipped"`
}

// HistoryView is the JSON form of a history result.
type HistoryView struct {
	history.Result
	Error string `json:"error,omitempty"`
}

func newHistoryView(result history.Result) HistoryView {
	view := HistoryView{Result: result}
	if result.Err != nil {
		view.Error = errorCode(result.Err)
	}
	return view
}

// Session is one tracking session.
type Session struct {
	store      *presence.Store
	channel    LiveChannel
	history    HistorySelector
	snapshots  SnapshotSource
	dispatcher *realtime.Dispatcher
	clock      func() time.Time
	logger     *zap.Logger

	mu        sync.RWMutex
	selection views.ProjectFilter
	snapshot  SnapshotState
	stopped   bool

	refreshMu sync.Mutex
}

// New validates cfg and constructs an idle session.
func New(cfg Config) (*Session, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Channel == nil {
		return nil, errMissingChannel
	}
	if cfg.History == nil {
		return nil, errMissingHistory
	}
	if cfg.Snapshots == nil {
		return nil, errMissingSnapshots
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		store:      cfg.Store,
		channel:    cfg.Channel,
		history:    cfg.History,
		snapshots:  cfg.Snapshots,
		dispatcher: cfg.Dispatcher,
		clock:      clock,
		logger:     logger,
		selection:  views.AllProjects(),
	}, nil
}

// Start loads the first snapshot and opens the live channel. A failed load is
// kept as snapshot state; the session keeps running on live data alone.
func (s *Session) Start(ctx context.Context) {
	if err := s.RefreshSnapshot(ctx); err != nil {
		s.logger.Warn("initial snapshot failed",
			zap.String("operation", "tracker.start"),
			zap.String("reason", errorCode(err)),
			zap.Error(err),
		)
	}
	if s.isStopped() {
		return
	}
	s.channel.Connect()
}

// Stop disconnects the channel and cancels history requests.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.channel.Disconnect()
	s.history.Close()
	s.logger.Info("tracker session stopped")
}

// VisibleWorkers returns the workers matching the selected project filter.
func (s *Session) VisibleWorkers() []views.WorkerView {
	return s.WorkersFor(s.Selection())
}

// WorkersFor returns the workers matching filter.
func (s *Session) WorkersFor(filter views.ProjectFilter) []views.WorkerView {
	return views.VisibleWorkers(s.store.Snapshot(), filter, s.clock(), s.store.StaleThreshold())
}

// Stats returns the dashboard counters.
func (s *Session) Stats() views.Stats {
	return views.DashboardStats(s.store.Snapshot(), s.clock(), s.store.StaleThreshold())
}

// Projects returns the project reference table.
func (s *Session) Projects() []presence.Project {
	return s.store.Snapshot().Projects
}

// Connection returns the live channel status.
func (s *Session) Connection() livechannel.Status {
	return s.channel.Status()
}

// History returns the current history result.
func (s *Session) History() HistoryView {
	return newHistoryView(s.history.Current())
}

// SnapshotState returns the snapshot load state.
func (s *Session) SnapshotState() SnapshotState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := s.snapshot
	if state.LoadedAt != nil {
		loadedAt := *state.LoadedAt
		state.LoadedAt = &loadedAt
	}
	return state
}

// Selection returns the selected project filter.
func (s *Session) Selection() views.ProjectFilter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selection
}

// SelectProject changes the project filter of VisibleWorkers.
func (s *Session) SelectProject(filter views.ProjectFilter) {
	s.mu.Lock()
	changed := s.selection != filter
	s.selection = filter
	s.mu.Unlock()
	if !changed {
		return
	}
	s.publish(realtime.Event{
		Topic:   realtime.TopicSelection,
		Type:    EventSelectionChanged,
		Payload: filter.String(),
	})
}

// Pause stops applying live updates and suppresses reconnects.
func (s *Session) Pause() {
	s.channel.Pause()
}

// Resume restarts live updates.
func (s *Session) Resume() {
	s.channel.Resume()
}

// RefreshSnapshot refetches the authoritative lists and merges them into the
// store. On failure the store keeps its last valid state. Concurrent calls
// are serialized.
func (s *Session) RefreshSnapshot(ctx context.Context) error {
	if s.isStopped() {
		return ErrStopped
	}
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	s.updateSnapshotState(func(state *SnapshotState) {
		state.Loading = true
	})

	snapshot, err := s.snapshots.FetchSnapshot(ctx)
	if err != nil {
		s.updateSnapshotState(func(state *SnapshotState) {
			state.Loading = false
			state.Err = err
			state.ErrorCode = errorCode(err)
		})
		return err
	}

	loaded := s.store.LoadSnapshot(snapshot.Workers, snapshot.Projects)
	loadedAt := s.clock()
	s.updateSnapshotState(func(state *SnapshotState) {
		*state = SnapshotState{
			LoadedAt: &loadedAt,
			Revision: loaded.Revision,
			Inserted: loaded.Inserted,
			Updated:  loaded.Updated,
			Retained: loaded.Retained,
			Skipped:  loaded.Skipped + snapshot.Skipped,
		}
	})
	s.logger.Info("snapshot loaded",
		zap.Int("inserted", loaded.Inserted),
		zap.Int("updated", loaded.Updated),
		zap.Int("retained", loaded.Retained),
		zap.Int("skipped", loaded.Skipped+snapshot.Skipped),
		zap.Int("projects", len(snapshot.Projects)),
		zap.Uint64("revision", loaded.Revision),
	)
	return nil
}

// SelectWorkerForHistory starts a history fetch for a tracked worker and
// returns its token.
func (s *Session) SelectWorkerForHistory(id presence.WorkerID, historyRange history.Range) (uint64, error) {
	if s.isStopped() {
		return 0, ErrStopped
	}
	workerID, err := presence.NewWorkerID(id.String())
	if err != nil {
		return 0, err
	}
	if _, err := s.store.RequireWorker(workerID); err != nil {
		return 0, err
	}
	return s.history.Select(workerID, historyRange)
}

func (s *Session) updateSnapshotState(mutate func(*SnapshotState)) {
	s.mu.Lock()
	mutate(&s.snapshot)
	state := s.snapshot
	s.mu.Unlock()
	s.publish(realtime.Event{
		Topic:    realtime.TopicPresence,
		Type:     EventSnapshotState,
		Revision: state.Revision,
		Payload:  state,
	})
}

func (s *Session) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

func (s *Session) publish(event realtime.Event) {
	if s.dispatcher == nil {
		return
	}
	s.dispatcher.Publish(event)
}

type codedError interface {
	Code() string
}

func errorCode(err error) string {
	var coded codedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, history.ErrSuperseded):
		return "superseded"
	default:
		return "unknown"
	}
}
