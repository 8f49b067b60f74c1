package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrRateLimitExceeded = errors.New("call rate limit exceeded")
)

// Key identifies one counting window: a calling account and a contact.
type Key struct {
	AccountID     string
	ContactNumber string
}

func (k Key) String() string { return k.AccountID + "|" + k.ContactNumber }

func (k Key) valid() bool { return k.AccountID != "" && k.ContactNumber != "" }

// Window is the persisted fixed-window counter for one Key.
//
// Invariant: CallCount counts calls recorded within
// [WindowStart, WindowStart + window). Windows are never deleted; they reset
// in place once expired.
type Window struct {
	AccountID     string     `json:"account_id"`
	ContactNumber string     `json:"contact_number"`
	WindowStart   time.Time  `json:"window_start"`
	CallCount     int        `json:"call_count"`
	LastCallAt    *time.Time `json:"last_call_at,omitempty"`
}

// expired reports whether the window no longer covers now.
func (w Window) expired(now time.Time, length time.Duration) bool {
	return !now.Before(w.WindowStart.Add(length))
}

// Decision is the advisory result of a rate check.
type Decision struct {
	Allowed   bool          `json:"allowed"`
	Remaining int           `json:"remaining"`
	ResetIn   time.Duration `json:"reset_in"`

	Limit        int     `json:"limit"`
	CallCount    int     `json:"call_count"`
	UsagePercent float64 `json:"usage_percent"`
}

// ExceededError is returned to call initiators when the window is full.
type ExceededError struct {
	Limit   int
	ResetIn time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("call rate limit of %d reached, resets in %s", e.Limit, e.ResetIn.Round(time.Second))
}

func (e *ExceededError) Unwrap() error { return ErrRateLimitExceeded }
