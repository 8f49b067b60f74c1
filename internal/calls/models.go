package calls

import (
	"errors"
	"time"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
)

// CallRecord is the lifecycle record of one provider call id.
//
// Invariants:
//   - Outcome stays pending until a terminal signal (ended, rejected, failed)
//     is observed; once terminal it never changes.
//   - A call that ends without ConnectedAt ever being set is missed.
//   - Records are never deleted; they feed quality scoring and the missed-call
//     inbox.
type CallRecord struct {
	CallID        string    `json:"call_id" db:"call_id"`
	AccountID     string    `json:"account_id" db:"account_id"`
	Direction     Direction `json:"direction" db:"direction"`
	ContactNumber string    `json:"contact_number" db:"contact_number"`

	Phase   Phase   `json:"phase" db:"phase"`
	Outcome Outcome `json:"outcome" db:"outcome"`

	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty" db:"connected_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	// DurationSeconds is EndedAt - ConnectedAt, 0 if never connected.
	DurationSeconds int `json:"duration_seconds" db:"duration_seconds"`

	CallbackSent        bool       `json:"callback_sent" db:"callback_sent"`
	CallbackSentAt      *time.Time `json:"callback_sent_at,omitempty" db:"callback_sent_at"`
	CallbackCompleted   bool       `json:"callback_completed" db:"callback_completed"`
	CallbackCompletedAt *time.Time `json:"callback_completed_at,omitempty" db:"callback_completed_at"`

	// Version backs optimistic concurrency; stores bump it on every write.
	Version int64 `json:"-" db:"version"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type Phase string

const (
	PhaseRinging   Phase = "ringing"
	PhaseConnected Phase = "connected"
	PhaseEnded     Phase = "ended"
)

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeConnected Outcome = "connected"
	OutcomeMissed    Outcome = "missed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// isTerminal reports whether an outcome is final.
func isTerminal(o Outcome) bool {
	switch o {
	case OutcomeConnected, OutcomeMissed, OutcomeRejected, OutcomeFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the record reached its final outcome.
func (r CallRecord) IsTerminal() bool { return isTerminal(r.Outcome) }

// wasNeverConnected is the missed-call inference: the provider never sends a
// "missed" status, so an ended call without a connect timestamp is missed.
func wasNeverConnected(r CallRecord) bool {
	return r.ConnectedAt == nil
}

// NeedsCallback reports whether a record belongs in the unread missed inbox.
func (r CallRecord) NeedsCallback() bool {
	return r.Outcome == OutcomeMissed && !r.CallbackCompleted
}

func durationSeconds(connectedAt, endedAt *time.Time) int {
	if connectedAt == nil || endedAt == nil {
		return 0
	}
	d := endedAt.Sub(*connectedAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

// Filter selects records for List. AccountID is required.
type Filter struct {
	AccountID     string
	ContactNumber string
	Outcome       Outcome
	Direction     Direction

	// StartedFrom and StartedTo bound started_at as [from, to) when set.
	StartedFrom time.Time
	StartedTo   time.Time

	// UnhandledOnly keeps records whose callback is not completed.
	UnhandledOnly bool

	// Limit caps the result; zero means no limit.
	Limit int
}

func (f Filter) matches(r CallRecord) bool {
	if r.AccountID != f.AccountID {
		return false
	}
	if f.ContactNumber != "" && r.ContactNumber != f.ContactNumber {
		return false
	}
	if f.Outcome != "" && r.Outcome != f.Outcome {
		return false
	}
	if f.Direction != "" && r.Direction != f.Direction {
		return false
	}
	if !f.StartedFrom.IsZero() && r.StartedAt.Before(f.StartedFrom) {
		return false
	}
	if !f.StartedTo.IsZero() && !r.StartedAt.Before(f.StartedTo) {
		return false
	}
	if f.UnhandledOnly && r.CallbackCompleted {
		return false
	}
	return true
}

func timePtr(t time.Time) *time.Time { return &t }
