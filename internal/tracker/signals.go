package tracker

import (
	"errors"

	"github.com/MarcoPoloResearchLab/presence-tracker/internal/history"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/livechannel"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/metrics"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/presence"
	"github.com/MarcoPoloResearchLab/presence-tracker/internal/realtime"
)

// Event types published on the dispatcher.
const (
	EventWorkersChanged   = "workers.changed"
	EventSnapshotState    = "snapshot.state"
	EventConnectionStatus = "connection.status"
	EventMessageDropped   = "connection.malformed"
	EventHistoryResult    = "history.result"
	EventSelectionChanged = "selection.changed"
)

// Signals turns component callbacks into dispatcher events. Its methods are
// plugged into the store, channel and fetcher configs before the session is
// built; they never block.
type Signals struct {
	dispatcher *realtime.Dispatcher
	metrics    *metrics.Metrics
}

// NewSignals binds callbacks to dispatcher.
func NewSignals(dispatcher *realtime.Dispatcher, collectors *metrics.Metrics) *Signals {
	return &Signals{dispatcher: dispatcher, metrics: collectors}
}

// StoreChanged is a presence.StoreConfig.OnChange callback.
func (s *Signals) StoreChanged(change presence.Change) {
	s.metrics.ObserveMutation(string(change.Kind), change.Total)
	s.publish(realtime.Event{
		Topic:     realtime.TopicPresence,
		Type:      EventWorkersChanged,
		Revision:  change.Revision,
		Payload:   change,
		Timestamp: change.At,
	})
}

// ConnectionChanged is a livechannel.Config.OnStatus callback.
func (s *Signals) ConnectionChanged(status livechannel.Status) {
	s.publish(realtime.Event{
		Topic:     realtime.TopicConnection,
		Type:      EventConnectionStatus,
		Revision:  status.Seq,
		Payload:   status,
		Timestamp: status.At,
	})
}

// MessageDropped is a livechannel.Config.OnMalformed callback.
func (s *Signals) MessageDropped(malformed livechannel.Malformed) {
	s.publish(realtime.Event{
		Topic:     realtime.TopicConnection,
		Type:      EventMessageDropped,
		Payload:   malformed,
		Timestamp: malformed.At,
	})
}

// HistoryChanged is a history.Config.OnResult callback.
func (s *Signals) HistoryChanged(result history.Result) {
	switch {
	case result.Loading:
	case errors.Is(result.Err, history.ErrSuperseded):
		s.metrics.ObserveHistory(metrics.ResultSuperseded)
	case result.Err != nil:
		s.metrics.ObserveHistory(metrics.ResultError)
	default:
		s.metrics.ObserveHistory(metrics.ResultSuccess)
	}
	s.publish(realtime.Event{
		Topic:    realtime.TopicHistory,
		Type:     EventHistoryResult,
		Revision: result.Token,
		Payload:  newHistoryView(result),
	})
}

func (s *Signals) publish(event realtime.Event) {
	if s == nil || s.dispatcher == nil {
		return
	}
	s.dispatcher.Publish(event)
}
