package livechannel

import "time"

// State is the connection state of the channel.
type State string

const (
	StateDisconnected       State = "DISCONNECTED"
	StateConnecting         State = "CONNECTING"
	StateOpen               State = "OPEN"
	StateClosedPendingRetry State = "CLOSED_PENDING_RETRY"
)

// Status is the observable connectivity of the channel.
type Status struct {
	State       State      `json:"state"`
	Attempt     int        `json:"attempt"`
	Paused      bool       `json:"paused"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Seq         uint64     `json:"seq"`
	At          time.Time  `json:"at"`
}

// Malformed describes a message that could not be applied.
type Malformed struct {
	Reason string    `json:"reason"`
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}
