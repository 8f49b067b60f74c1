package quality

import (
	"context"
	"errors"
	"strings"
	"time"

	"whatsapp-calling/pkg/utils"
)

// Scorer owns QualityMetric. It is the only writer.
//
// Contract:
//   - RecordOutcome is called once per terminal call and returns the advisory
//     assessment computed from the updated metric.
//   - When the assessment asks for a warning, WarningSent is persisted in the
//     same write, so the warning is emitted once per streak.
//   - Signals are advisory; the scorer never blocks calls itself.
type Scorer struct {
	store Store
	locks *utils.KeyedMutex
	clock func() time.Time
}

func NewScorer(store Store) *Scorer {
	return &Scorer{store: store, locks: utils.NewKeyedMutex(), clock: time.Now}
}

// WithClock replaces the time source.
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	s.clock = now
	return s
}

func (s *Scorer) RecordOutcome(ctx context.Context, accountID, contact string, outcome Outcome) (Assessment, error) {
	key, err := newKey(accountID, contact)
	if err != nil {
		return Assessment{}, err
	}
	if !outcome.valid() {
		return Assessment{}, ErrInvalidArgument
	}

	unlock := s.locks.Lock(key.String())
	defer unlock()

	var out Assessment
	err = utils.RetryOnConflict(ctx, func(ctx context.Context) error {
		m, err := s.load(ctx, key)
		if err != nil {
			return err
		}
		m = apply(m, outcome, s.clock().UTC())

		a := Assess(m)
		if a.NeedsWarning {
			m.WarningSent = true
			m.WarningSentAtCall = m.TotalCalls
		}
		saved, err := s.store.Save(ctx, m)
		if err != nil {
			return err
		}
		a.Metric = saved
		out = a
		return nil
	})
	if err != nil {
		return Assessment{}, err
	}
	return out, nil
}

// GetMetric returns the current assessment. Unknown contacts read as an
// empty, unrated metric.
func (s *Scorer) GetMetric(ctx context.Context, accountID, contact string) (Assessment, error) {
	key, err := newKey(accountID, contact)
	if err != nil {
		return Assessment{}, err
	}
	m, err := s.load(ctx, key)
	if err != nil {
		return Assessment{}, err
	}
	return Assess(m), nil
}

// ResetWarning clears WarningSent so the next streak reaching the threshold
// warns again.
func (s *Scorer) ResetWarning(ctx context.Context, accountID, contact string) (Assessment, error) {
	key, err := newKey(accountID, contact)
	if err != nil {
		return Assessment{}, err
	}

	unlock := s.locks.Lock(key.String())
	defer unlock()

	var out Assessment
	err = utils.RetryOnConflict(ctx, func(ctx context.Context) error {
		m, err := s.store.Get(ctx, key)
		if err != nil {
			return err
		}
		if !m.WarningSent {
			out = Assess(m)
			return nil
		}
		m.WarningSent = false
		m.WarningSentAtCall = 0
		saved, err := s.store.Save(ctx, m)
		if err != nil {
			return err
		}
		out = Assess(saved)
		return nil
	})
	if err != nil {
		return Assessment{}, err
	}
	return out, nil
}

func (s *Scorer) load(ctx context.Context, key Key) (Metric, error) {
	m, err := s.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return Metric{AccountID: key.AccountID, ContactNumber: key.ContactNumber}, nil
	}
	return m, err
}

func newKey(accountID, contact string) (Key, error) {
	k := Key{AccountID: strings.TrimSpace(accountID), ContactNumber: strings.TrimSpace(contact)}
	if k.AccountID == "" || k.ContactNumber == "" {
		return Key{}, ErrInvalidArgument
	}
	return k, nil
}
