package server

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MarcoPoloResearchLab/presence-tracker/internal/realtime"
)

const (
	streamEventReady = "stream.ready"
	serverClockTag   = "server"
	heartbeatTag     = "heartbeat"
)

var streamTopics = map[string]realtime.Topic{
	string(realtime.TopicPresence):   realtime.TopicPresence,
	string(realtime.TopicConnection): realtime.TopicConnection,
	string(realtime.TopicHistory):    realtime.TopicHistory,
	string(realtime.TopicSelection):  realtime.TopicSelection,
}

type streamEventPayload struct {
	Topic     realtime.Topic `json:"topic"`
	Revision  uint64         `json:"revision"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   any            `json:"payload,omitempty"`
}

type streamReadyPayload struct {
	Topics     []realtime.Topic `json:"topics"`
	Selection  string           `json:"selection"`
	Connection string           `json:"connection"`
}

// handleEventStream serves change signals as Server-Sent Events until the
// client goes away. Heartbeats keep idle proxies from closing the stream.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	topics, err := parseTopics(c.Query("topics"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_topics"})
		return
	}

	ctx := c.Request.Context()
	events, cleanup := h.events.Subscribe(ctx, topics...)
	defer cleanup()

	ticker := h.clock.NewTicker(h.heartbeat, serverClockTag, heartbeatTag)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent(streamEventReady, streamReadyPayload{
		Topics:     topics,
		Selection:  h.tracker.Selection().String(),
		Connection: string(h.tracker.Connection().State),
	})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(event.Type, streamEventPayload{
				Topic:     event.Topic,
				Revision:  event.Revision,
				Timestamp: event.Timestamp.UTC(),
				Payload:   event.Payload,
			})
			return true
		case <-ticker.C:
			c.SSEvent(realtime.EventHeartbeat, gin.H{"at": h.clock.Now().UTC()})
			return true
		}
	})
}

func parseTopics(raw string) ([]realtime.Topic, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var topics []realtime.Topic
	for _, part := range strings.Split(raw, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		topic, ok := streamTopics[name]
		if !ok {
			return nil, fmt.Errorf("unknown topic %q", part)
		}
		topics = append(topics, topic)
	}
	return topics, nil
}
