package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/presence-tracker/internal/history"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/journal"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/presence"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/tracker"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/views"
)

type workersResponsePayload struct {
	Filter  string             `json:"filter"`
	Count   int                `json:"count"`
	Workers []views.WorkerView `json:"workers"`
}

type projectsResponsePayload struct {
	Projects []presence.Project `json:"projects"`
}

type journalResponsePayload struct {
	Entries []journal.Entry `json:"entries"`
}

type selectionPayload struct {
	Project string `json:"project"`
}

type historySelectRequestPayload struct {
	WorkerID string `json:"worker_id"`
	Range    string `json:"range"`
}

type historySelectResponsePayload struct {
	Token uint64 `json:"token"`
}

type streamStatePayload struct {
	Paused bool   `json:"paused"`
	State  string `json:"state"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleWorkers(c *gin.Context) {
	filter := h.tracker.Selection()
	if raw, ok := c.GetQuery("project"); ok {
		parsed, err := views.ParseProjectFilter(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_project_filter"})
			return
		}
		filter = parsed
	}
	workers := h.tracker.WorkersFor(filter)
	c.JSON(http.StatusOK, workersResponsePayload{
		Filter:  filter.String(),
		Count:   len(workers),
		Workers: workers,
	})
}

func (h *httpHandler) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.tracker.Stats())
}

func (h *httpHandler) handleProjects(c *gin.Context) {
	c.JSON(http.StatusOK, projectsResponsePayload{Projects: h.tracker.Projects()})
}

func (h *httpHandler) handleConnection(c *gin.Context) {
	c.JSON(http.StatusOK, h.tracker.Connection())
}

func (h *httpHandler) handleConnectionEvents(c *gin.Context) {
	limit := defaultJournalLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = min(parsed, maxJournalLimit)
	}
	entries, err := h.journal.Recent(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("failed to read connectivity journal", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "journal_unavailable"})
		return
	}
	c.JSON(http.StatusOK, journalResponsePayload{Entries: entries})
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	c.JSON(http.StatusOK, h.tracker.History())
}

func (h *httpHandler) handleHistorySelect(c *gin.Context) {
	var request historySelectRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	workerID, err := presence.NewWorkerID(request.WorkerID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_worker_id"})
		return
	}
	historyRange, err := history.ParseRange(request.Range)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_range"})
		return
	}
	token, err := h.tracker.SelectWorkerForHistory(workerID, historyRange)
	if errors.Is(err, presence.ErrWorkerNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "worker_not_found"})
		return
	}
	if err != nil {
		h.respondActionError(c, "history_select_failed", err)
		return
	}
	c.JSON(http.StatusAccepted, historySelectResponsePayload{Token: token})
}

func (h *httpHandler) handleSelection(c *gin.Context) {
	c.JSON(http.StatusOK, selectionPayload{Project: h.tracker.Selection().String()})
}

func (h *httpHandler) handleSelect(c *gin.Context) {
	var request selectionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	filter, err := views.ParseProjectFilter(request.Project)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_project_filter"})
		return
	}
	h.tracker.SelectProject(filter)
	h.logger.Debug("project selected",
		zap.String("operator_id", c.GetString(operatorIDContextKey)),
		zap.String("filter", filter.String()),
	)
	c.JSON(http.StatusOK, selectionPayload{Project: filter.String()})
}

func (h *httpHandler) handlePause(c *gin.Context) {
	h.tracker.Pause()
	h.respondStreamState(c)
}

func (h *httpHandler) handleResume(c *gin.Context) {
	h.tracker.Resume()
	h.respondStreamState(c)
}

func (h *httpHandler) respondStreamState(c *gin.Context) {
	status := h.tracker.Connection()
	c.JSON(http.StatusOK, streamStatePayload{Paused: status.Paused, State: string(status.State)})
}

func (h *httpHandler) handleSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.tracker.SnapshotState())
}

func (h *httpHandler) handleSnapshotRefresh(c *gin.Context) {
	if err := h.tracker.RefreshSnapshot(c.Request.Context()); err != nil {
		h.respondActionError(c, "snapshot_refresh_failed", err)
		return
	}
	c.JSON(http.StatusOK, h.tracker.SnapshotState())
}

func (h *httpHandler) respondActionError(c *gin.Context, code string, err error) {
	if errors.Is(err, tracker.ErrStopped) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session_stopped"})
		return
	}
	h.logger.Warn("tracker action failed", zap.String("code", code), zap.Error(err))
	c.JSON(http.StatusBadGateway, gin.H{"error": code})
}
