package quality

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
)

// Outcome is a terminal call outcome as seen by the scorer.
type Outcome string

const (
	OutcomeConnected Outcome = "connected"
	OutcomeMissed    Outcome = "missed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

func (o Outcome) valid() bool {
	switch o {
	case OutcomeConnected, OutcomeMissed, OutcomeRejected, OutcomeFailed:
		return true
	default:
		return false
	}
}

// Key identifies one metric: a calling account and a contact.
type Key struct {
	AccountID     string
	ContactNumber string
}

func (k Key) String() string { return k.AccountID + "|" + k.ContactNumber }

// Metric is the per-contact outcome tracker.
//
// Invariants:
//   - Every terminal outcome bumps TotalCalls and exactly one category counter.
//   - ConsecutiveMissed counts missed, rejected and failed in a row and resets
//     on connected; ConsecutiveConnected is the mirror.
//   - WarningSent is only cleared by an explicit reset.
type Metric struct {
	AccountID     string `json:"account_id"`
	ContactNumber string `json:"contact_number"`

	TotalCalls     int `json:"total_calls"`
	ConnectedCalls int `json:"connected_calls"`
	MissedCalls    int `json:"missed_calls"`
	RejectedCalls  int `json:"rejected_calls"`
	FailedCalls    int `json:"failed_calls"`

	ConsecutiveMissed    int `json:"consecutive_missed"`
	ConsecutiveConnected int `json:"consecutive_connected"`

	WarningSent bool `json:"warning_sent"`

	// WarningSentAtCall and LastConnectedAtCall are TotalCalls positions.
	// A connected outcome after the last warning re-arms it for the next
	// streak without clearing WarningSent.
	WarningSentAtCall   int `json:"-"`
	LastConnectedAtCall int `json:"-"`

	LastCallAt *time.Time `json:"last_call_at,omitempty"`

	Version   int64     `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tier is the quality bucket of a contact.
type Tier string

const (
	TierUnrated   Tier = "unrated"
	TierCritical  Tier = "critical"
	TierPoor      Tier = "poor"
	TierFair      Tier = "fair"
	TierGood      Tier = "good"
	TierExcellent Tier = "excellent"
)

// Assessment is the advisory view of a metric.
type Assessment struct {
	Metric          Metric          `json:"metric"`
	Tier            Tier            `json:"tier"`
	PickupRate      decimal.Decimal `json:"pickup_rate"`
	NeedsWarning    bool            `json:"needs_warning"`
	NeedsRevocation bool            `json:"needs_revocation"`
}

const (
	warningStreak    = 3
	revocationStreak = 5
	minRatedCalls    = 5
)

var (
	hundred     = decimal.NewFromInt(100)
	pickupCrit  = decimal.NewFromInt(20)
	pickupPoor  = decimal.NewFromInt(40)
	pickupFair  = decimal.NewFromInt(60)
	pickupExcel = decimal.NewFromInt(85)
)

// PickupRate is connected_calls / total_calls * 100 in decimal, 0 when there
// are no calls.
func PickupRate(m Metric) decimal.Decimal {
	if m.TotalCalls <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(m.ConnectedCalls)).
		Mul(hundred).
		Div(decimal.NewFromInt(int64(m.TotalCalls)))
}

// TierOf derives the tier. Rules are evaluated worst first so that a metric
// matching several tiers lands in the most conservative one.
func TierOf(m Metric) Tier {
	if m.TotalCalls <= 0 {
		return TierUnrated
	}
	rate := PickupRate(m)
	rated := m.TotalCalls >= minRatedCalls

	switch {
	case m.ConsecutiveMissed >= revocationStreak || (rated && rate.LessThan(pickupCrit)):
		return TierCritical
	case m.ConsecutiveMissed >= warningStreak || (rated && rate.LessThan(pickupPoor)):
		return TierPoor
	case rated && rate.LessThan(pickupFair):
		return TierFair
	case rate.GreaterThanOrEqual(pickupExcel):
		return TierExcellent
	case rate.GreaterThanOrEqual(pickupFair):
		return TierGood
	default:
		// Too few calls to rate and a low pickup rate.
		return TierFair
	}
}

func needsWarning(m Metric) bool {
	if m.ConsecutiveMissed < warningStreak {
		return false
	}
	return !m.WarningSent || m.LastConnectedAtCall > m.WarningSentAtCall
}

func needsRevocation(m Metric) bool {
	return m.ConsecutiveMissed >= revocationStreak
}

// Assess computes the advisory view of m. It is pure.
func Assess(m Metric) Assessment {
	return Assessment{
		Metric:          m,
		Tier:            TierOf(m),
		PickupRate:      PickupRate(m).Round(2),
		NeedsWarning:    needsWarning(m),
		NeedsRevocation: needsRevocation(m),
	}
}

// apply folds one terminal outcome into m.
func apply(m Metric, o Outcome, at time.Time) Metric {
	m.TotalCalls++
	switch o {
	case OutcomeConnected:
		m.ConnectedCalls++
		m.ConsecutiveConnected++
		m.ConsecutiveMissed = 0
		m.LastConnectedAtCall = m.TotalCalls
	case OutcomeMissed:
		m.MissedCalls++
	case OutcomeRejected:
		m.RejectedCalls++
	case OutcomeFailed:
		m.FailedCalls++
	}
	if o != OutcomeConnected {
		m.ConsecutiveMissed++
		m.ConsecutiveConnected = 0
	}
	m.LastCallAt = &at
	return m
}
