package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call metrics.
// Account isolation: AccountID is required.

type CallsSummaryRequest struct {
	AccountID string    `json:"account_id"`
	Range     TimeRange `json:"range"`
	Direction string    `json:"direction,omitempty"`
}

type CallsSummary struct {
	AccountID string    `json:"account_id"`
	Direction string    `json:"direction,omitempty"`
	Range     TimeRange `json:"range"`

	TotalCalls     int `json:"total_calls"`
	InboundCalls   int `json:"inbound_calls"`
	OutboundCalls  int `json:"outbound_calls"`
	ConnectedCalls int `json:"connected_calls"`
	MissedCalls    int `json:"missed_calls"`
	RejectedCalls  int `json:"rejected_calls"`
	FailedCalls    int `json:"failed_calls"`
	PendingCalls   int `json:"pending_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	// PickupRate is connected / terminal calls, as a percentage with two decimals.
	PickupRate string `json:"pickup_rate"`

	// Missed-call follow-up.
	CallbacksSent   int `json:"callbacks_sent"`
	MissedHandled   int `json:"missed_handled"`
	MissedUnhandled int `json:"missed_unhandled"`
}
