// Package livechannel maintains one push connection to the live presence
// endpoint, forwarding worker updates to a sink and reconnecting with capped
// exponential backoff until it is explicitly disconnected.
package livechannel

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/presence-tracker/internal/metrics"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/presence"
)

const (
	clockTag                = "livechannel"
	reconnectTag            = "reconnect"
	pingTag                 = "ping"
	defaultHandshakeTimeout = 10 * time.Second
	pingWriteTimeout        = 5 * time.Second
)

var (
	// ErrMissingURL indicates a channel constructed without an endpoint.
	ErrMissingURL = errors.New("livechannel: url is required")
	// ErrMissingSink indicates a channel constructed without a sink.
	ErrMissingSink = errors.New("livechannel: sink is required")
	// ErrUnsupportedScheme indicates an endpoint that is not ws or wss.
	ErrUnsupportedScheme = errors.New("livechannel: url must use ws or wss")
)

// Sink receives decoded worker updates in receipt order.
type Sink interface {
	ApplyLiveUpdate(update presence.WorkerUpdate) (presence.Worker, error)
}

// HeaderFunc builds the handshake headers for one dial.
type HeaderFunc func(ctx context.Context) (http.Header, error)

// Config wires a Channel.
type Config struct {
	URL              string
	Dialer           *websocket.Dialer
	Header           HeaderFunc
	Sink             Sink
	Clock            quartz.Clock
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	HandshakeTimeout time.Duration
	// PingInterval enables keepalive pings; zero disables them.
	PingInterval time.Duration
	// OnStatus observes every transition. It runs while the channel holds its
	// lock and must not block or call back into the channel.
	OnStatus func(Status)
	// OnMalformed observes messages that were dropped. Same constraints as OnStatus.
	OnMalformed func(Malformed)
}

// Channel is the live update connection.
type Channel struct {
	url          string
	dialer       *websocket.Dialer
	header       HeaderFunc
	sink         Sink
	clock        quartz.Clock
	logger       *zap.Logger
	metrics      *metrics.Metrics
	pingInterval time.Duration
	onStatus     func(Status)
	onMalformed  func(Malformed)

	mu          sync.Mutex
	state       State
	attempt     int
	paused      bool
	wanted      bool
	generation  uint64
	policy      *delayPolicy
	timer       *quartz.Timer
	nextRetryAt *time.Time
	lastErr     error
	seq         uint64
	conn        *websocket.Conn
	cancelDial  context.CancelFunc

	workers sync.WaitGroup
}

// New validates cfg and returns a disconnected channel.
func New(cfg Config) (*Channel, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, ErrMissingURL
	}
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return nil, ErrUnsupportedScheme
	}
	if cfg.Sink == nil {
		return nil, ErrMissingSink
	}
	clock := cfg.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		handshakeTimeout := cfg.HandshakeTimeout
		if handshakeTimeout <= 0 {
			handshakeTimeout = defaultHandshakeTimeout
		}
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}
	return &Channel{
		url:          url,
		dialer:       dialer,
		header:       cfg.Header,
		sink:         cfg.Sink,
		clock:        clock,
		logger:       logger,
		metrics:      cfg.Metrics,
		pingInterval: cfg.PingInterval,
		onStatus:     cfg.OnStatus,
		onMalformed:  cfg.OnMalformed,
		state:        StateDisconnected,
		policy:       newDelayPolicy(cfg.InitialBackoff, maxBackoff),
	}, nil
}

// Status returns the current connectivity.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Connect opens the channel. It is a no-op while OPEN or CONNECTING; while
// waiting for a retry it dials immediately.
func (c *Channel) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wanted = true
	if c.state == StateOpen || c.state == StateConnecting {
		return
	}
	c.stopTimerLocked()
	c.dialLocked()
}

// Pause stops forwarding messages and suppresses reconnects. An open
// connection stays open.
func (c *Channel) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}
	c.paused = true
	c.stopTimerLocked()
	c.emitLocked()
}

// Resume restarts forwarding. A channel waiting for a retry dials now.
func (c *Channel) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.paused = false
	c.emitLocked()
	if c.wanted && c.state == StateClosedPendingRetry {
		c.dialLocked()
	}
}

// Disconnect closes the connection, cancels any dial or pending reconnect and
// waits for the connection goroutines to exit. No retry follows.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.wanted = false
	c.generation++
	c.stopTimerLocked()
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	changed := c.state != StateDisconnected
	c.state = StateDisconnected
	c.attempt = 0
	c.policy.Reset()
	if changed {
		c.emitLocked()
	}
	c.mu.Unlock()

	c.workers.Wait()
}

func (c *Channel) dialLocked() {
	c.generation++
	generation := c.generation
	c.state = StateConnecting
	c.nextRetryAt = nil
	c.emitLocked()

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.workers.Add(1)
	go c.run(ctx, cancel, generation)
}

func (c *Channel) run(ctx context.Context, cancel context.CancelFunc, generation uint64) {
	defer c.workers.Done()
	defer cancel()

	conn, err := c.dial(ctx)
	if err != nil {
		c.fail(generation, err)
		return
	}
	defer conn.Close()

	if !c.opened(generation, conn) {
		return
	}

	done := make(chan struct{})
	defer close(done)
	if c.pingInterval > 0 {
		c.startKeepalive(conn, done)
	}
	c.fail(generation, c.readLoop(conn))
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	var header http.Header
	if c.header != nil {
		built, err := c.header(ctx)
		if err != nil {
			return nil, err
		}
		header = built
	}
	conn, response, err := c.dialer.DialContext(ctx, c.url, header)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// opened publishes the connection unless Disconnect raced the dial.
func (c *Channel) opened(generation uint64, conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation {
		return false
	}
	c.conn = conn
	c.cancelDial = nil
	c.state = StateOpen
	c.attempt = 0
	c.policy.Reset()
	c.lastErr = nil
	c.emitLocked()
	c.logger.Info("live channel open", zap.String("url", c.url))
	return true
}

func (c *Channel) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if c.pingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
		}
		c.handle(data)
	}
}

func (c *Channel) handle(data []byte) {
	decoded, err := decodeMessage(data)
	if err != nil {
		c.reportMalformed(metrics.ResultMalformed, "decode", err)
		return
	}
	if decoded.kind == messageInformational {
		c.metrics.ObserveLiveMessage(metrics.ResultIgnored)
		c.logger.Debug("live channel status message", zap.String("message", decoded.status))
		return
	}
	for _, malformed := range decoded.malformed {
		c.reportMalformed(metrics.ResultMalformed, "decode", malformed)
	}

	c.mu.Lock()
	paused := c.paused
	c.mu.Unlock()
	if paused {
		for range decoded.updates {
			c.metrics.ObserveLiveMessage(metrics.ResultPaused)
		}
		return
	}

	for _, update := range decoded.updates {
		if _, err := c.sink.ApplyLiveUpdate(update); err != nil {
			c.reportMalformed(metrics.ResultRejected, "apply", err)
			continue
		}
		c.metrics.ObserveLiveMessage(metrics.ResultApplied)
	}
}

func (c *Channel) reportMalformed(result, reason string, err error) {
	c.metrics.ObserveLiveMessage(result)
	c.logger.Warn("live message dropped",
		zap.String("operation", "livechannel.message"),
		zap.String("reason", reason),
		zap.Error(err),
	)
	if c.onMalformed == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMalformed(Malformed{Reason: reason, Detail: err.Error(), At: c.clock.Now()})
}

func (c *Channel) startKeepalive(conn *websocket.Conn, done <-chan struct{}) {
	_ = conn.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
	})

	ticker := c.clock.NewTicker(c.pingInterval, clockTag, pingTag)
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteTimeout)); err != nil {
					c.logger.Debug("live channel ping failed", zap.Error(err))
					return
				}
			}
		}
	}()
}

// fail moves to CLOSED_PENDING_RETRY and schedules the next dial. Failures of
// a superseded generation are ignored.
func (c *Channel) fail(generation uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation {
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.cancelDial = nil
	c.lastErr = err
	c.state = StateClosedPendingRetry
	c.logger.Warn("live channel closed",
		zap.String("operation", "livechannel.connect"),
		zap.Int("attempt", c.attempt),
		zap.Error(err),
	)
	if c.paused {
		c.emitLocked()
		return
	}
	c.scheduleRetryLocked()
}

func (c *Channel) scheduleRetryLocked() {
	delay := c.policy.Next()
	c.attempt++
	retryAt := c.clock.Now().Add(delay)
	c.nextRetryAt = &retryAt
	c.metrics.ObserveReconnect(delay)
	c.emitLocked()

	generation := c.generation
	c.timer = c.clock.AfterFunc(delay, func() {
		c.retry(generation)
	}, clockTag, reconnectTag)
}

func (c *Channel) retry(generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation || c.state != StateClosedPendingRetry || c.paused || !c.wanted {
		return
	}
	c.timer = nil
	c.dialLocked()
}

func (c *Channel) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.nextRetryAt = nil
}

func (c *Channel) emitLocked() {
	c.seq++
	status := c.statusLocked()
	c.metrics.SetConnectionState(string(status.State))
	if c.onStatus != nil {
		c.onStatus(status)
	}
}

func (c *Channel) statusLocked() Status {
	status := Status{
		State:   c.state,
		Attempt: c.attempt,
		Paused:  c.paused,
		Seq:     c.seq,
		At:      c.clock.Now(),
	}
	if c.nextRetryAt != nil {
		retryAt := *c.nextRetryAt
		status.NextRetryAt = &retryAt
	}
	if c.lastErr != nil {
		status.LastError = c.lastErr.Error()
	}
	return status
}
