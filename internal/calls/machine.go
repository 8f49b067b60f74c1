package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"whatsapp-calling/internal/quality"
	"whatsapp-calling/internal/ratelimit"
	"whatsapp-calling/internal/telephony"
	"whatsapp-calling/pkg/logger"
	"whatsapp-calling/pkg/utils"
)

// Scorer receives each terminal outcome exactly once.
type Scorer interface {
	RecordOutcome(ctx context.Context, accountID, contact string, outcome quality.Outcome) (quality.Assessment, error)
}

// CallCounter counts outbound calls against the contact's rate window.
type CallCounter interface {
	Record(ctx context.Context, accountID, contact string) (ratelimit.Window, error)
}

// Notifier pushes live call events to connected sessions.
type Notifier interface {
	IncomingCall(ctx context.Context, accountID, callID, contact, phase string)
	CallTerminal(ctx context.Context, accountID, callID, outcome string)
	QualityWarning(ctx context.Context, accountID, contact, tier string)
}

// Metrics is the optional instrumentation hook for the machine.
type Metrics interface {
	CallEventHandled(signal, result string)
	CallOutcome(outcome string)
}

const (
	resultCreated   = "created"
	resultUpdated   = "updated"
	resultUnchanged = "unchanged"
	resultIgnored   = "ignored"
	resultDropped   = "dropped"
	resultError     = "error"
)

// Machine is the call state machine and the only writer of CallRecord.
//
// Rules, in order:
//  1. The first event for a call id creates the record (ringing, pending).
//  2. connected sets connected_at; the outcome stays pending.
//  3. rejected and failed are terminal regardless of phase.
//  4. ended is terminal: connected if connected_at is set, missed otherwise.
//  5. Events for a terminal record are no-ops (delivery is at-least-once).
//  6. A terminal event for an unknown call id creates the record already
//     terminal; a late ringing for it is then ignored by rule 5.
//
// IMPORTANT:
//   - Events for one call id are serialized; different call ids never contend.
//   - Side effects of a terminal transition (scoring and notifications) run
//     once, after the transition is committed, never once per delivery.
//   - Handle never fails. The provider must always get a 2xx.
type Machine struct {
	repo     Repository
	scorer   Scorer
	counter  CallCounter
	notifier Notifier
	metrics  Metrics
	log      *slog.Logger
	locks    *utils.KeyedMutex
	clock    func() time.Time
}

// MachineDeps wires the machine. Only Repo is required.
type MachineDeps struct {
	Repo     Repository
	Scorer   Scorer
	Counter  CallCounter
	Notifier Notifier
	Metrics  Metrics

	// Log overrides the request-scoped logger.
	Log *slog.Logger
}

func NewMachine(d MachineDeps) *Machine {
	return &Machine{
		repo:     d.Repo,
		scorer:   d.Scorer,
		counter:  d.Counter,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		log:      d.Log,
		locks:    utils.NewKeyedMutex(),
		clock:    time.Now,
	}
}

// WithClock replaces the time source.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.clock = now
	return m
}

type transition struct {
	rec      CallRecord
	created  bool
	terminal bool
	result   string
}

// Handle applies one normalized webhook event.
func (m *Machine) Handle(ctx context.Context, ev telephony.CallEvent) {
	log := logger.Or(ctx, m.log).With("call_id", ev.CallID, "signal", string(ev.Signal))

	if strings.TrimSpace(ev.CallID) == "" {
		log.Warn("call event dropped: missing call id")
		m.count(ev.Signal, resultDropped)
		return
	}

	unlock := m.locks.Lock(ev.CallID)
	defer unlock()

	var tr transition
	err := utils.RetryOnConflict(ctx, func(ctx context.Context) error {
		var err error
		tr, err = m.apply(ctx, ev)
		return err
	})
	if err != nil {
		log.Error("call event not applied", "err", err)
		m.count(ev.Signal, resultError)
		return
	}
	m.count(ev.Signal, tr.result)

	if tr.result == resultIgnored {
		log.Info("call event ignored: record already terminal", "outcome", string(tr.rec.Outcome))
		return
	}
	m.afterCommit(ctx, log, tr)
}

func (m *Machine) apply(ctx context.Context, ev telephony.CallEvent) (transition, error) {
	now := m.clock().UTC()

	rec, err := m.repo.Get(ctx, ev.CallID)
	if errors.Is(err, ErrNotFound) {
		rec = newRecordFromEvent(ev, now)
		applySignal(&rec, ev, now)
		saved, err := m.repo.Insert(ctx, rec)
		if errors.Is(err, ErrAlreadyExists) {
			// Another writer created it; retry against the stored record.
			return transition{}, utils.ErrConflict
		}
		if err != nil {
			return transition{}, err
		}
		return transition{rec: saved, created: true, terminal: saved.IsTerminal(), result: resultCreated}, nil
	}
	if err != nil {
		return transition{}, err
	}

	if rec.IsTerminal() {
		return transition{rec: rec, result: resultIgnored}, nil
	}

	next := rec
	if !applySignal(&next, ev, now) {
		return transition{rec: rec, result: resultUnchanged}, nil
	}
	saved, err := m.repo.Update(ctx, next)
	if err != nil {
		return transition{}, err
	}
	return transition{rec: saved, terminal: saved.IsTerminal(), result: resultUpdated}, nil
}

func newRecordFromEvent(ev telephony.CallEvent, now time.Time) CallRecord {
	dir := DirectionInbound
	if ev.Direction == telephony.DirectionOutbound {
		dir = DirectionOutbound
	}
	started := now
	if ev.Timestamp != nil {
		started = ev.Timestamp.UTC()
	} else if ev.StartTime != nil {
		started = ev.StartTime.UTC()
	}
	return CallRecord{
		CallID:        ev.CallID,
		AccountID:     ev.AccountID,
		Direction:     dir,
		ContactNumber: ev.ContactNumber,
		Phase:         PhaseRinging,
		Outcome:       OutcomePending,
		StartedAt:     started,
	}
}

// applySignal mutates a non-terminal record and reports whether it changed.
func applySignal(rec *CallRecord, ev telephony.CallEvent, now time.Time) bool {
	switch ev.Signal {
	case telephony.SignalConnected:
		if rec.ConnectedAt != nil {
			return false
		}
		rec.Phase = PhaseConnected
		rec.ConnectedAt = timePtr(orNow(ev.StartTime, now))
		return true
	case telephony.SignalRejected:
		terminate(rec, OutcomeRejected, ev, now)
		return true
	case telephony.SignalFailed:
		terminate(rec, OutcomeFailed, ev, now)
		return true
	case telephony.SignalEnded:
		outcome := OutcomeConnected
		if wasNeverConnected(*rec) {
			outcome = OutcomeMissed
		}
		terminate(rec, outcome, ev, now)
		return true
	default:
		// ringing carries nothing new for an existing record.
		return false
	}
}

func terminate(rec *CallRecord, outcome Outcome, ev telephony.CallEvent, now time.Time) {
	rec.Phase = PhaseEnded
	rec.Outcome = outcome
	rec.EndedAt = timePtr(orNow(ev.EndTime, now))
	rec.DurationSeconds = durationSeconds(rec.ConnectedAt, rec.EndedAt)
}

func orNow(t *time.Time, now time.Time) time.Time {
	if t != nil {
		return t.UTC()
	}
	return now
}

func (m *Machine) afterCommit(ctx context.Context, log *slog.Logger, tr transition) {
	rec := tr.rec

	if tr.created && rec.Direction == DirectionOutbound {
		// Placed outside the dialer; the dialer path counts in RegisterOutbound.
		m.countOutbound(ctx, log, rec)
	}
	if tr.created && rec.Direction == DirectionInbound && !rec.IsTerminal() && m.notifier != nil {
		m.notifier.IncomingCall(ctx, rec.AccountID, rec.CallID, rec.ContactNumber, string(rec.Phase))
	}
	if tr.terminal {
		m.onTerminal(ctx, log, rec)
	}
}

func (m *Machine) onTerminal(ctx context.Context, log *slog.Logger, rec CallRecord) {
	log.Info("call terminal",
		"outcome", string(rec.Outcome),
		"direction", string(rec.Direction),
		"duration_seconds", rec.DurationSeconds,
	)
	if m.metrics != nil {
		m.metrics.CallOutcome(string(rec.Outcome))
	}
	if m.notifier != nil {
		m.notifier.CallTerminal(ctx, rec.AccountID, rec.CallID, string(rec.Outcome))
	}
	if m.scorer == nil || rec.ContactNumber == "" || rec.AccountID == "" {
		return
	}
	a, err := m.scorer.RecordOutcome(ctx, rec.AccountID, rec.ContactNumber, quality.Outcome(rec.Outcome))
	if err != nil {
		log.Error("quality outcome not recorded", "err", err)
		return
	}
	if a.NeedsRevocation {
		log.Warn("contact reached revocation threshold", "contact", rec.ContactNumber, "consecutive_missed", a.Metric.ConsecutiveMissed)
	}
	if a.NeedsWarning && m.notifier != nil {
		m.notifier.QualityWarning(ctx, rec.AccountID, rec.ContactNumber, string(a.Tier))
	}
}

func (m *Machine) countOutbound(ctx context.Context, log *slog.Logger, rec CallRecord) {
	if m.counter == nil || rec.ContactNumber == "" || rec.AccountID == "" {
		return
	}
	if _, err := m.counter.Record(ctx, rec.AccountID, rec.ContactNumber); err != nil {
		log.Error("rate window not updated", "err", err)
	}
}

func (m *Machine) count(sig telephony.Signal, result string) {
	if m.metrics != nil {
		m.metrics.CallEventHandled(string(sig), result)
	}
}

// RegisterOutbound records a call the dialer just placed and counts it
// against the contact's rate window. If the provider's first webhook already
// created the record, the stored record is returned and nothing is counted
// twice. A stored record of another account or direction is rejected with
// ErrInvalidArgument.
func (m *Machine) RegisterOutbound(ctx context.Context, accountID, callID, contact string) (CallRecord, error) {
	accountID = strings.TrimSpace(accountID)
	callID = strings.TrimSpace(callID)
	contact = strings.TrimSpace(contact)
	if accountID == "" || callID == "" || contact == "" {
		return CallRecord{}, ErrInvalidArgument
	}
	log := logger.Or(ctx, m.log).With("call_id", callID)

	unlock := m.locks.Lock(callID)
	defer unlock()

	rec := CallRecord{
		CallID:        callID,
		AccountID:     accountID,
		Direction:     DirectionOutbound,
		ContactNumber: contact,
		Phase:         PhaseRinging,
		Outcome:       OutcomePending,
		StartedAt:     m.clock().UTC(),
	}
	saved, err := m.repo.Insert(ctx, rec)
	if errors.Is(err, ErrAlreadyExists) {
		existing, gerr := m.repo.Get(ctx, callID)
		if gerr != nil {
			return CallRecord{}, gerr
		}
		// A provider id that collides with another account's or an inbound
		// record must never be adopted by this dial.
		if existing.AccountID != accountID || existing.Direction != DirectionOutbound {
			log.Error("outbound call id already used by another record",
				"account_id", accountID,
				"existing_account_id", existing.AccountID,
				"existing_direction", existing.Direction,
			)
			return CallRecord{}, fmt.Errorf("%w: call %s already recorded for another account or direction", ErrInvalidArgument, callID)
		}
		return existing, nil
	}
	if err != nil {
		return CallRecord{}, err
	}
	m.countOutbound(ctx, log, saved)
	return saved, nil
}

// MarkCallbackSent flags that a callback or follow-up message was delivered.
// Each successful delegation refreshes callback_sent_at.
func (m *Machine) MarkCallbackSent(ctx context.Context, accountID, callID string) (CallRecord, error) {
	return m.mutate(ctx, accountID, callID, func(rec *CallRecord, now time.Time) bool {
		rec.CallbackSent = true
		rec.CallbackSentAt = timePtr(now)
		return true
	})
}

// MarkCallbackCompleted marks a call handled. It does not require a prior
// callback and is idempotent.
func (m *Machine) MarkCallbackCompleted(ctx context.Context, accountID, callID string) (CallRecord, error) {
	return m.mutate(ctx, accountID, callID, func(rec *CallRecord, now time.Time) bool {
		if rec.CallbackCompleted {
			return false
		}
		rec.CallbackCompleted = true
		rec.CallbackCompletedAt = timePtr(now)
		return true
	})
}

func (m *Machine) mutate(ctx context.Context, accountID, callID string, fn func(rec *CallRecord, now time.Time) bool) (CallRecord, error) {
	if strings.TrimSpace(accountID) == "" || strings.TrimSpace(callID) == "" {
		return CallRecord{}, ErrInvalidArgument
	}

	unlock := m.locks.Lock(callID)
	defer unlock()

	var out CallRecord
	err := utils.RetryOnConflict(ctx, func(ctx context.Context) error {
		rec, err := m.repo.Get(ctx, callID)
		if err != nil {
			return err
		}
		if rec.AccountID != accountID {
			return ErrNotFound
		}
		if !fn(&rec, m.clock().UTC()) {
			out = rec
			return nil
		}
		saved, err := m.repo.Update(ctx, rec)
		if err != nil {
			return err
		}
		out = saved
		return nil
	})
	if err != nil {
		return CallRecord{}, err
	}
	return out, nil
}
