package ratelimit

import (
	"context"
	"strings"
	"time"

	"whatsapp-calling/pkg/utils"
)

// Metrics is the optional instrumentation hook for the limiter.
type Metrics interface {
	RateDecision(allowed bool)
	RateRecorded()
}

// Limiter enforces a per-contact call budget over a fixed window.
//
// Contract:
//   - CheckAndReserve is read-only: it never resets or increments.
//   - Record is called once per confirmed call and is the only writer.
//   - Writers for the same key are serialized in-process; the store makes the
//     write atomic across processes.
//   - A limit of 0 denies everything.
type Limiter struct {
	store   Store
	limit   int
	window  time.Duration
	locks   *utils.KeyedMutex
	metrics Metrics
	clock   func() time.Time
}

func NewLimiter(store Store, limit int, window time.Duration) *Limiter {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if limit < 0 {
		limit = 0
	}
	return &Limiter{
		store:  store,
		limit:  limit,
		window: window,
		locks:  utils.NewKeyedMutex(),
		clock:  time.Now,
	}
}

// WithClock replaces the time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.clock = now
	return l
}

// WithMetrics attaches instrumentation.
func (l *Limiter) WithMetrics(m Metrics) *Limiter {
	l.metrics = m
	return l
}

func (l *Limiter) Limit() int            { return l.limit }
func (l *Limiter) Window() time.Duration { return l.window }

// CheckAndReserve reports whether one more call to contact is allowed now.
// A window never seen before counts as empty; an expired window is evaluated
// as if it had already been reset.
func (l *Limiter) CheckAndReserve(ctx context.Context, accountID, contact string) (Decision, error) {
	key, err := newKey(accountID, contact)
	if err != nil {
		return Decision{}, err
	}
	now := l.clock().UTC()

	w, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	if !ok || w.expired(now, l.window) {
		w = Window{AccountID: key.AccountID, ContactNumber: key.ContactNumber, WindowStart: now}
	}

	d := l.decide(w, now)
	if l.metrics != nil {
		l.metrics.RateDecision(d.Allowed)
	}
	return d, nil
}

// Record counts one call against the window, resetting it first if expired.
func (l *Limiter) Record(ctx context.Context, accountID, contact string) (Window, error) {
	key, err := newKey(accountID, contact)
	if err != nil {
		return Window{}, err
	}

	unlock := l.locks.Lock(key.String())
	defer unlock()

	w, err := l.store.Record(ctx, key, l.clock().UTC(), l.window)
	if err != nil {
		return Window{}, err
	}
	if l.metrics != nil {
		l.metrics.RateRecorded()
	}
	return w, nil
}

// Exceeded converts a denying decision into the error returned to initiators.
func Exceeded(d Decision) error {
	if d.Allowed {
		return nil
	}
	return &ExceededError{Limit: d.Limit, ResetIn: d.ResetIn}
}

func (l *Limiter) decide(w Window, now time.Time) Decision {
	remaining := l.limit - w.CallCount
	if remaining < 0 {
		remaining = 0
	}
	resetIn := w.WindowStart.Add(l.window).Sub(now)
	if resetIn < 0 {
		resetIn = 0
	}
	return Decision{
		Allowed:      w.CallCount < l.limit,
		Remaining:    remaining,
		ResetIn:      resetIn,
		Limit:        l.limit,
		CallCount:    w.CallCount,
		UsagePercent: usagePercent(w.CallCount, l.limit),
	}
}

// usagePercent is call_count / limit * 100 clamped to [0, 100]. A zero limit
// reads as fully used.
func usagePercent(count, limit int) float64 {
	if limit <= 0 {
		return 100
	}
	p := float64(count) / float64(limit) * 100
	if p > 100 {
		return 100
	}
	if p < 0 {
		return 0
	}
	return p
}

func newKey(accountID, contact string) (Key, error) {
	k := Key{AccountID: strings.TrimSpace(accountID), ContactNumber: strings.TrimSpace(contact)}
	if !k.valid() {
		return Key{}, ErrInvalidArgument
	}
	return k, nil
}
