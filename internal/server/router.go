package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/presence-tracker/internal/auth"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/history"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/journal"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/livechannel"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/metrics"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/presence"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/realtime"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/tracker"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/views"
)

const (
	operatorIDContextKey     = "presence_operator_id"
	defaultHeartbeatInterval = 25 * time.Second
	defaultJournalLimit      = 50
	maxJournalLimit          = 500
)

var (
	errMissingTracker    = errors.New("tracker dependency required")
	errMissingJournal    = errors.New("journal dependency required")
	errMissingDispatcher = errors.New("dispatcher dependency required")
)

// Tracker is the session surface served over HTTP.
type Tracker interface {
	VisibleWorkers() []views.WorkerView
	WorkersFor(filter views.ProjectFilter) []views.WorkerView
	Stats() views.Stats
	Projects() []presence.Project
	Connection() livechannel.Status
	History() tracker.HistoryView
	SnapshotState() tracker.SnapshotState
	Selection() views.ProjectFilter
	SelectProject(filter views.ProjectFilter)
	Pause()
	Resume()
	RefreshSnapshot(ctx context.Context) error
	SelectWorkerForHistory(id presence.WorkerID, historyRange history.Range) (uint64, error)
}

// JournalReader lists recent connectivity entries.
type JournalReader interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// EventSource fans out change signals to stream subscribers.
type EventSource interface {
	Subscribe(ctx context.Context, topics ...realtime.Topic) (<-chan realtime.Event, func())
}

// SessionAuthenticator validates dashboard operator sessions.
type SessionAuthenticator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP handler. SessionValidator is optional; without
// it the API is served unauthenticated.
type Dependencies struct {
	Tracker           Tracker
	Journal           JournalReader
	Events            EventSource
	SessionValidator  SessionAuthenticator
	Gatherer          prometheus.Gatherer
	Metrics           *metrics.Metrics
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Clock             quartz.Clock
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tracker == nil {
		return nil, errMissingTracker
	}
	if deps.Journal == nil {
		return nil, errMissingJournal
	}
	if deps.Events == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	handler := &httpHandler{
		tracker:   deps.Tracker,
		journal:   deps.Journal,
		events:    deps.Events,
		sessions:  deps.SessionValidator,
		metrics:   deps.Metrics,
		heartbeat: heartbeat,
		clock:     clock,
		logger:    logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handler.observeRequest)
	router.Use(corsMiddleware(deps.AllowedOrigins))

	router.GET("/healthz", handler.handleHealth)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api")
	if deps.SessionValidator != nil {
		api.Use(handler.authorizeRequest)
	}
	api.GET("/workers", handler.handleWorkers)
	api.GET("/stats", handler.handleStats)
	api.GET("/projects", handler.handleProjects)
	api.GET("/connection", handler.handleConnection)
	api.GET("/connection/events", handler.handleConnectionEvents)
	api.GET("/history", handler.handleHistory)
	api.POST("/history/select", handler.handleHistorySelect)
	api.GET("/selection", handler.handleSelection)
	api.POST("/selection", handler.handleSelect)
	api.POST("/stream/pause", handler.handlePause)
	api.POST("/stream/resume", handler.handleResume)
	api.GET("/snapshot", handler.handleSnapshot)
	api.POST("/snapshot/refresh", handler.handleSnapshotRefresh)
	api.GET("/events", handler.handleEventStream)

	return router, nil
}

type httpHandler struct {
	tracker   Tracker
	journal   JournalReader
	events    EventSource
	sessions  SessionAuthenticator
	metrics   *metrics.Metrics
	heartbeat time.Duration
	clock     quartz.Clock
	logger    *zap.Logger
}
