package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/MarcoPoloResearchLab/presence-tracker/internal/history"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/livechannel"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/metrics"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/presence"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/realtime"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/upstream"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/views"
)

type fakeChannel struct {
	mu    sync.Mutex
	calls []string
}

func (c *fakeChannel) record(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

func (c *fakeChannel) Connect()    { c.record("connect") }
func (c *fakeChannel) Pause()      { c.record("pause") }
func (c *fakeChannel) Resume()     { c.record("resume") }
func (c *fakeChannel) Disconnect() { c.record("disconnect") }

func (c *fakeChannel) Status() livechannel.Status {
	return livechannel.Status{State: livechannel.StateOpen}
}

func (c *fakeChannel) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type fakeHistory struct {
	mu       sync.Mutex
	selected []presence.WorkerID
	closed   bool
	current  history.Result
}

func (h *fakeHistory) Select(workerID presence.WorkerID, historyRange history.Range) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.selected = append(h.selected, workerID)
	h.current = history.Result{WorkerID: workerID, Range: historyRange, Loading: true, Token: uint64(len(h.selected))}
	return uint64(len(h.selected)), nil
}

func (h *fakeHistory) Current() history.Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

func (h *fakeHistory) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

type fakeSnapshots struct {
	mu       sync.Mutex
	snapshot upstream.Snapshot
	err      error
	calls    int
}

func (s *fakeSnapshots) FetchSnapshot(context.Context) (upstream.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return upstream.Snapshot{}, s.err
	}
	return s.snapshot, nil
}

func (s *fakeSnapshots) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func projectRef(value string) *presence.ProjectID {
	id := presence.ProjectID(value)
	return &id
}

type sessionFixture struct {
	session    *Session
	store      *presence.Store
	channel    *fakeChannel
	history    *fakeHistory
	snapshots  *fakeSnapshots
	dispatcher *realtime.Dispatcher
	now        time.Time
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	now := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	dispatcher := realtime.NewDispatcher(realtime.DispatcherConfig{BufferSize: 32})
	signals := NewSignals(dispatcher, nil)
	store := presence.NewStore(presence.StoreConfig{Clock: clock, OnChange: signals.StoreChanged})
	fixture := &sessionFixture{
		store:      store,
		channel:    &fakeChannel{},
		history:    &fakeHistory{},
		dispatcher: dispatcher,
		now:        now,
		snapshots: &fakeSnapshots{snapshot: upstream.Snapshot{
			Workers: []presence.Worker{
				{ID: "1", Name: "Aziz", ProjectID: projectRef("10")},
				{ID: "2", Name: "Bekzod"},
			},
			Projects: []presence.Project{{ID: "10", Name: "North site"}},
			Skipped:  1,
		}},
	}
	session, err := New(Config{
		Store:      store,
		Channel:    fixture.channel,
		History:    fixture.history,
		Snapshots:  fixture.snapshots,
		Dispatcher: dispatcher,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	fixture.session = session
	return fixture
}

func TestNewValidatesCollaborators(t *testing.T) {
	store := presence.NewStore(presence.StoreConfig{})
	cases := []struct {
		name string
		cfg  Config
		want error
	}{
		{name: "store", cfg: Config{}, want: errMissingStore},
		{name: "channel", cfg: Config{Store: store}, want: errMissingChannel},
		{name: "history", cfg: Config{Store: store, Channel: &fakeChannel{}}, want: errMissingHistory},
		{name: "snapshots", cfg: Config{Store: store, Channel: &fakeChannel{}, History: &fakeHistory{}}, want: errMissingSnapshots},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestStartLoadsSnapshotThenConnects(t *testing.T) {
	fixture := newSessionFixture(t)
	fixture.session.Start(context.Background())

	if calls := fixture.channel.recorded(); len(calls) != 1 || calls[0] != "connect" {
		t.Fatalf("expected a single connect, got %v", calls)
	}
	if fixture.store.Len() != 2 {
		t.Fatalf("expected 2 workers, got %d", fixture.store.Len())
	}
	state := fixture.session.SnapshotState()
	if state.Loading || state.Err != nil || state.LoadedAt == nil {
		t.Fatalf("unexpected snapshot state %+v", state)
	}
	if state.Inserted != 2 || state.Skipped != 1 {
		t.Fatalf("expected 2 inserted and 1 skipped, got %+v", state)
	}
	if projects := fixture.session.Projects(); len(projects) != 1 || projects[0].Name != "North site" {
		t.Fatalf("unexpected projects %+v", projects)
	}
}

func TestStartSurvivesSnapshotFailure(t *testing.T) {
	fixture := newSessionFixture(t)
	fixture.snapshots.fail(&upstream.RequestError{Operation: upstream.OperationFetchWorkers, StatusCode: 502, Err: upstream.ErrUnexpectedStatus})

	fixture.session.Start(context.Background())

	if calls := fixture.channel.recorded(); len(calls) != 1 || calls[0] != "connect" {
		t.Fatalf("expected connect despite snapshot failure, got %v", calls)
	}
	state := fixture.session.SnapshotState()
	if state.Loading || state.Err == nil {
		t.Fatalf("expected error state, got %+v", state)
	}
	if state.ErrorCode != "upstream.fetch_workers.unexpected_status" {
		t.Fatalf("unexpected error code %q", state.ErrorCode)
	}
}

func TestRefreshFailureKeepsLastValidState(t *testing.T) {
	fixture := newSessionFixture(t)
	ctx := context.Background()
	if err := fixture.session.RefreshSnapshot(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	before := fixture.store.Snapshot()

	fixture.snapshots.fail(context.DeadlineExceeded)
	if err := fixture.session.RefreshSnapshot(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	after := fixture.store.Snapshot()
	if after.Revision != before.Revision || len(after.Workers) != len(before.Workers) {
		t.Fatalf("store changed after failed refresh: before=%d after=%d", before.Revision, after.Revision)
	}
	state := fixture.session.SnapshotState()
	if state.ErrorCode != "timeout" || state.LoadedAt == nil {
		t.Fatalf("expected timeout with previous load time kept, got %+v", state)
	}
}

func TestSelectProjectFiltersVisibleWorkersAndPublishes(t *testing.T) {
	fixture := newSessionFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, unsubscribe := fixture.dispatcher.Subscribe(ctx, realtime.TopicSelection)
	defer unsubscribe()

	if err := fixture.session.RefreshSnapshot(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if visible := fixture.session.VisibleWorkers(); len(visible) != 2 {
		t.Fatalf("expected all workers visible, got %d", len(visible))
	}

	fixture.session.SelectProject(views.Uncategorized())
	visible := fixture.session.VisibleWorkers()
	if len(visible) != 1 || visible[0].ID != "2" {
		t.Fatalf("expected only worker 2, got %+v", visible)
	}

	select {
	case event := <-events:
		if event.Type != EventSelectionChanged || event.Payload != "uncategorized" {
			t.Fatalf("unexpected selection event %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected selection event")
	}

	fixture.session.SelectProject(views.Uncategorized())
	select {
	case event := <-events:
		t.Fatalf("unchanged selection must not publish, got %+v", event)
	default:
	}

	if filtered := fixture.session.WorkersFor(views.ForProject("10")); len(filtered) != 1 || filtered[0].ID != "1" {
		t.Fatalf("expected worker 1 for project 10, got %+v", filtered)
	}
}

func TestStatsReflectLiveUpdateOfUncategorizedWorker(t *testing.T) {
	fixture := newSessionFixture(t)
	if err := fixture.session.RefreshSnapshot(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := fixture.store.ApplyLiveUpdate(presence.WorkerUpdate{
		ID:        "2",
		Latitude:  presence.Present(41.31),
		Longitude: presence.Present(69.28),
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	stats := fixture.session.Stats()
	if stats.Uncategorized.TotalWorkers != 1 || stats.Uncategorized.ActiveWorkers != 1 {
		t.Fatalf("unexpected uncategorized bucket %+v", stats.Uncategorized)
	}
	project, ok := stats.Project("10")
	if !ok || project.TotalWorkers != 1 || project.ActiveWorkers != 0 {
		t.Fatalf("unexpected project bucket %+v", project)
	}
}

func TestActionsDelegateAndStopIsFinal(t *testing.T) {
	fixture := newSessionFixture(t)
	fixture.session.Pause()
	fixture.session.Resume()
	if _, err := fixture.store.ApplyLiveUpdate(presence.WorkerUpdate{ID: "7"}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	token, err := fixture.session.SelectWorkerForHistory(" 7 ", history.RangeDay)
	if err != nil || token != 1 {
		t.Fatalf("select history: token=%d err=%v", token, err)
	}
	if current := fixture.session.History(); current.WorkerID != "7" || !current.Loading {
		t.Fatalf("unexpected history %+v", current)
	}
	if _, err := fixture.session.SelectWorkerForHistory("", history.RangeHour); !errors.Is(err, presence.ErrInvalidWorkerID) {
		t.Fatalf("expected invalid worker id, got %v", err)
	}
	if _, err := fixture.session.SelectWorkerForHistory("8", history.RangeHour); !errors.Is(err, presence.ErrWorkerNotFound) {
		t.Fatalf("expected unknown worker rejection, got %v", err)
	}

	fixture.session.Stop()
	fixture.session.Stop()

	calls := fixture.channel.recorded()
	want := []string{"pause", "resume", "disconnect"}
	if len(calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, calls)
	}
	for index := range want {
		if calls[index] != want[index] {
			t.Fatalf("expected %v, got %v", want, calls)
		}
	}
	if !fixture.history.closed {
		t.Fatalf("expected history fetcher closed")
	}
	if err := fixture.session.RefreshSnapshot(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if _, err := fixture.session.SelectWorkerForHistory("7", history.RangeHour); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestSignalsPublishAndRecordMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	collectors := metrics.New(registry)
	dispatcher := realtime.NewDispatcher(realtime.DispatcherConfig{})
	signals := NewSignals(dispatcher, collectors)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, unsubscribe := dispatcher.Subscribe(ctx)
	defer unsubscribe()

	at := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	signals.StoreChanged(presence.Change{Kind: presence.ChangeLive, Revision: 4, WorkerIDs: []presence.WorkerID{"2"}, Total: 3, At: at})
	signals.ConnectionChanged(livechannel.Status{State: livechannel.StateOpen, Seq: 9, At: at})
	signals.MessageDropped(livechannel.Malformed{Reason: "decode", At: at})
	signals.HistoryChanged(history.Result{WorkerID: "2", Token: 5, Err: errors.New("boom")})
	signals.HistoryChanged(history.Result{WorkerID: "2", Token: 6})
	signals.HistoryChanged(history.Result{WorkerID: "2", Token: 7, Err: history.ErrSuperseded})

	wantTypes := []string{EventWorkersChanged, EventConnectionStatus, EventMessageDropped, EventHistoryResult, EventHistoryResult, EventHistoryResult}
	for index, want := range wantTypes {
		select {
		case event := <-events:
			if event.Type != want {
				t.Fatalf("event %d: expected %s, got %s", index, want, event.Type)
			}
			if index == 3 {
				view, ok := event.Payload.(HistoryView)
				if !ok || view.Error != "unknown" {
					t.Fatalf("expected history view with error code, got %+v", event.Payload)
				}
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", index)
		}
	}

	if got := testutil.ToFloat64(collectors.Workers); got != 3 {
		t.Fatalf("expected workers gauge 3, got %v", got)
	}
	if got := testutil.ToFloat64(collectors.Mutations.WithLabelValues("live")); got != 1 {
		t.Fatalf("expected one live mutation, got %v", got)
	}
	if got := testutil.ToFloat64(collectors.HistoryRequests.WithLabelValues(metrics.ResultError)); got != 1 {
		t.Fatalf("expected one history error, got %v", got)
	}
	if got := testutil.ToFloat64(collectors.HistoryRequests.WithLabelValues(metrics.ResultSuccess)); got != 1 {
		t.Fatalf("expected one history success, got %v", got)
	}
	if got := testutil.ToFloat64(collectors.HistoryRequests.WithLabelValues(metrics.ResultSuperseded)); got != 1 {
		t.Fatalf("expected one superseded history result, got %v", got)
	}
}
