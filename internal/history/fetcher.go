package history

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/presence-tracker/internal/presence"
)

// DefaultTimeout bounds one history request when the caller supplies none.
const DefaultTimeout = 15 * time.Second

var (
	// ErrSuperseded is returned when a newer request for the same worker was
	// issued before this one resolved.
	ErrSuperseded = errors.New("history: request superseded")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("history: fetcher closed")
	// ErrMissingSource indicates a fetcher constructed without a source.
	ErrMissingSource = errors.New("history: source is required")
)

// Source performs the request/response call for one worker and window.
type Source interface {
	FetchHistory(ctx context.Context, workerID presence.WorkerID, historyRange Range, window Window) ([]Point, error)
}

// Result is the history state shown to the consumer.
type Result struct {
	WorkerID  presence.WorkerID `json:"worker_id,omitempty"`
	Range     Range             `json:"range,omitempty"`
	Points    []Point           `json:"points"`
	Loading   bool              `json:"loading"`
	Err       error             `json:"-"`
	Token     uint64            `json:"token"`
	FetchedAt *time.Time        `json:"fetched_at,omitempty"`
}

// Config wires the fetcher's collaborators.
type Config struct {
	Source  Source
	Clock   func() time.Time
	Timeout time.Duration
	Logger  *zap.Logger
	// OnResult observes every change of the current result. It runs while the
	// fetcher holds its lock and must not block or call back into the fetcher.
	OnResult func(Result)
}

// Fetcher issues history requests and tracks the newest token per worker.
type Fetcher struct {
	source   Source
	clock    func() time.Time
	timeout  time.Duration
	logger   *zap.Logger
	onResult func(Result)

	mu        sync.Mutex
	nextToken uint64
	latest    map[presence.WorkerID]uint64
	cancels   map[presence.WorkerID]context.CancelFunc
	current   Result
	closed    bool
	inflight  sync.WaitGroup
}

// NewFetcher constructs a fetcher.
func NewFetcher(cfg Config) (*Fetcher, error) {
	if cfg.Source == nil {
		return nil, ErrMissingSource
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		source:   cfg.Source,
		clock:    clock,
		timeout:  timeout,
		logger:   logger,
		onResult: cfg.OnResult,
		latest:   make(map[presence.WorkerID]uint64),
		cancels:  make(map[presence.WorkerID]context.CancelFunc),
	}, nil
}

// FetchHistory performs a blocking fetch. It supersedes any earlier request
// for the same worker, and returns ErrSuperseded if a later one supersedes it.
func (f *Fetcher) FetchHistory(ctx context.Context, workerID presence.WorkerID, historyRange Range) ([]Point, error) {
	f.mu.Lock()
	token, requestCtx, cancel, err := f.beginLocked(ctx, workerID)
	if err == nil {
		f.abandonSelectionLocked(workerID, token)
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	defer f.inflight.Done()
	defer cancel()

	points, fetchErr := f.fetch(requestCtx, workerID, historyRange)

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.finishLocked(workerID, token) {
		return nil, ErrSuperseded
	}
	if fetchErr != nil {
		return nil, fetchErr
	}
	return points, nil
}

// Select starts a fetch in the background and makes it the current result.
// Switching to another worker clears the displayed points; switching range
// for the same worker keeps them while loading. It returns the request token.
func (f *Fetcher) Select(workerID presence.WorkerID, historyRange Range) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	token, requestCtx, cancel, err := f.beginLocked(context.Background(), workerID)
	if err != nil {
		return 0, err
	}

	next := Result{WorkerID: workerID, Range: historyRange, Loading: true, Token: token}
	if f.current.WorkerID == workerID {
		next.Points = f.current.Points
		next.FetchedAt = f.current.FetchedAt
	}
	f.setCurrentLocked(next)

	go func() {
		defer f.inflight.Done()
		defer cancel()
		points, fetchErr := f.fetch(requestCtx, workerID, historyRange)
		f.complete(workerID, historyRange, token, points, fetchErr)
	}()
	return token, nil
}

// Current returns a copy of the current result.
func (f *Fetcher) Current() Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyResult(f.current)
}

// Close cancels every in-flight request and waits for them to return.
func (f *Fetcher) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for id, cancel := range f.cancels {
		cancel()
		delete(f.cancels, id)
	}
	f.mu.Unlock()
	f.inflight.Wait()
}

func (f *Fetcher) beginLocked(ctx context.Context, workerID presence.WorkerID) (uint64, context.Context, context.CancelFunc, error) {
	if f.closed {
		return 0, nil, nil, ErrClosed
	}
	if previous, ok := f.cancels[workerID]; ok {
		previous()
	}
	f.nextToken++
	token := f.nextToken
	f.latest[workerID] = token
	requestCtx, cancel := context.WithTimeout(ctx, f.timeout)
	f.cancels[workerID] = cancel
	f.inflight.Add(1)
	return token, requestCtx, cancel, nil
}

// abandonSelectionLocked settles a loading selection for workerID that a
// blocking fetch has just superseded, so Current never stays loading.
func (f *Fetcher) abandonSelectionLocked(workerID presence.WorkerID, token uint64) {
	if !f.current.Loading || f.current.WorkerID != workerID || f.current.Token == token {
		return
	}
	next := f.current
	next.Loading = false
	next.Err = ErrSuperseded
	f.setCurrentLocked(next)
}

// finishLocked reports whether token is still the newest for the worker.
func (f *Fetcher) finishLocked(workerID presence.WorkerID, token uint64) bool {
	if f.latest[workerID] != token {
		return false
	}
	delete(f.cancels, workerID)
	return true
}

func (f *Fetcher) fetch(ctx context.Context, workerID presence.WorkerID, historyRange Range) ([]Point, error) {
	window := historyRange.Window(f.clock())
	points, err := f.source.FetchHistory(ctx, workerID, historyRange, window)
	if err != nil {
		return nil, err
	}
	sorted := slices.Clone(points)
	slices.SortStableFunc(sorted, func(a, b Point) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return sorted, nil
}

func (f *Fetcher) complete(workerID presence.WorkerID, historyRange Range, token uint64, points []Point, fetchErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.finishLocked(workerID, token) || f.current.Token != token {
		f.logger.Debug("history result ignored",
			zap.String("worker_id", workerID.String()),
			zap.String("range", historyRange.String()),
			zap.Uint64("token", token),
			zap.String("reason", "superseded"),
		)
		return
	}

	next := f.current
	next.Loading = false
	if fetchErr != nil {
		next.Err = fetchErr
		f.logger.Warn("history fetch failed",
			zap.String("operation", "history.fetch"),
			zap.String("worker_id", workerID.String()),
			zap.String("range", historyRange.String()),
			zap.Error(fetchErr),
		)
		f.setCurrentLocked(next)
		return
	}
	fetchedAt := f.clock()
	next.Points = points
	next.Err = nil
	next.FetchedAt = &fetchedAt
	f.setCurrentLocked(next)
}

func (f *Fetcher) setCurrentLocked(next Result) {
	f.current = next
	if f.onResult != nil {
		f.onResult(copyResult(next))
	}
}

func copyResult(result Result) Result {
	copied := result
	copied.Points = slices.Clone(result.Points)
	if copied.Points == nil {
		copied.Points = []Point{}
	}
	if result.FetchedAt != nil {
		at := *result.FetchedAt
		copied.FetchedAt = &at
	}
	return copied
}
