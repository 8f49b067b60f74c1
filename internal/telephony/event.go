package telephony

import "time"

// CallEvent is the canonical, provider-agnostic call webhook event.
//
// Only CallID is guaranteed. Time fields are optional and downstream stages
// must tolerate their absence.
type CallEvent struct {
	CallID    string    `json:"call_id"`
	AccountID string    `json:"account_id"`
	Direction Direction `json:"direction"`

	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// ContactNumber is the remote party: From for inbound, To for outbound.
	ContactNumber string `json:"contact_number"`

	Signal Signal `json:"signal"`

	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Signal is the lifecycle signal a webhook entry carries.
type Signal string

const (
	SignalRinging   Signal = "ringing"
	SignalConnected Signal = "connected"
	SignalEnded     Signal = "ended"
	SignalRejected  Signal = "rejected"
	SignalFailed    Signal = "failed"
)

// IsTerminal reports whether the signal ends a call.
func (s Signal) IsTerminal() bool {
	switch s {
	case SignalEnded, SignalRejected, SignalFailed:
		return true
	default:
		return false
	}
}
