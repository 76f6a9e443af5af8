package livechannel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/presence-tracker/internal/presence"
)

var errUnsupportedPayload = errors.New("payload is neither an object nor an array of objects")

type messageKind int

const (
	messageInformational messageKind = iota
	messageUpdates
)

// message is one decoded frame. A frame carries either a status text or one
// or more worker updates; batched frames are JSON arrays.
type message struct {
	kind      messageKind
	status    string
	updates   []presence.WorkerUpdate
	malformed []error
}

func decodeMessage(data []byte) (message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return message{}, errUnsupportedPayload
	}
	switch trimmed[0] {
	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return message{}, err
		}
		if !presence.HasIdentity(fields) {
			return decodeInformational(fields)
		}
		update, err := presence.DecodeWorkerUpdate(fields)
		if err != nil {
			return message{}, err
		}
		return message{kind: messageUpdates, updates: []presence.WorkerUpdate{update}}, nil
	case '[':
		var items []map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return message{}, err
		}
		decoded := message{kind: messageUpdates}
		for index, fields := range items {
			update, err := presence.DecodeWorkerUpdate(fields)
			if err != nil {
				decoded.malformed = append(decoded.malformed, fmt.Errorf("item %d: %w", index, err))
				continue
			}
			decoded.updates = append(decoded.updates, update)
		}
		return decoded, nil
	default:
		return message{}, errUnsupportedPayload
	}
}

func decodeInformational(fields map[string]json.RawMessage) (message, error) {
	raw, ok := fields["message"]
	if !ok {
		return message{}, presence.ErrMissingIdentity
	}
	var status string
	if err := json.Unmarshal(raw, &status); err != nil {
		status = string(raw)
	}
	return message{kind: messageInformational, status: status}, nil
}
