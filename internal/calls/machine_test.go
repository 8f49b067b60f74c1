package calls

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"whatsapp-calling/internal/quality"
	"whatsapp-calling/internal/ratelimit"
	"whatsapp-calling/internal/telephony"
	"whatsapp-calling/pkg/logger"
	"whatsapp-calling/pkg/utils"
)

type fakeScorer struct {
	mu       sync.Mutex
	outcomes []quality.Outcome
	inner    *quality.Scorer
}

func (s *fakeScorer) RecordOutcome(ctx context.Context, accountID, contact string, o quality.Outcome) (quality.Assessment, error) {
	s.mu.Lock()
	s.outcomes = append(s.outcomes, o)
	s.mu.Unlock()
	if s.inner != nil {
		return s.inner.RecordOutcome(ctx, accountID, contact, o)
	}
	return quality.Assessment{}, nil
}

type fakeCounter struct {
	mu    sync.Mutex
	calls []string
}

func (c *fakeCounter) Record(ctx context.Context, accountID, contact string) (ratelimit.Window, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, accountID+"|"+contact)
	return ratelimit.Window{CallCount: len(c.calls)}, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	incoming []string
	terminal []string
	warnings []string
}

func (n *fakeNotifier) IncomingCall(ctx context.Context, accountID, callID, contact, phase string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.incoming = append(n.incoming, callID)
}

func (n *fakeNotifier) CallTerminal(ctx context.Context, accountID, callID, outcome string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.terminal = append(n.terminal, callID+":"+outcome)
}

func (n *fakeNotifier) QualityWarning(ctx context.Context, accountID, contact, tier string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.warnings = append(n.warnings, contact+":"+tier)
}

type harness struct {
	m        *Machine
	repo     *MemoryRepo
	scorer   *fakeScorer
	counter  *fakeCounter
	notifier *fakeNotifier
	now      time.Time
}

func newHarness() *harness {
	h := &harness{
		repo:     NewMemoryRepo(),
		scorer:   &fakeScorer{},
		counter:  &fakeCounter{},
		notifier: &fakeNotifier{},
		now:      time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC),
	}
	h.m = NewMachine(MachineDeps{
		Repo:     h.repo,
		Scorer:   h.scorer,
		Counter:  h.counter,
		Notifier: h.notifier,
		Log:      logger.Discard(),
	}).WithClock(func() time.Time { return h.now })
	return h
}

func ev(callID string, sig telephony.Signal) telephony.CallEvent {
	return telephony.CallEvent{
		CallID:        callID,
		AccountID:     "acct",
		Direction:     telephony.DirectionInbound,
		From:          "+1555",
		ContactNumber: "+1555",
		Signal:        sig,
	}
}

func at(t time.Time) *time.Time { return &t }

func (h *harness) get(t *testing.T, callID string) CallRecord {
	t.Helper()
	rec, err := h.repo.Get(context.Background(), callID)
	if err != nil {
		t.Fatalf("get %s: %v", callID, err)
	}
	return rec
}

func TestMachine_RingingThenEndedIsMissed(t *testing.T) {
	ctx := context.Background()
	h := newHarness()

	h.m.Handle(ctx, ev("c1", telephony.SignalRinging))
	rec := h.get(t, "c1")
	if rec.Phase != PhaseRinging || rec.Outcome != OutcomePending || !rec.StartedAt.Equal(h.now) {
		t.Fatalf("unexpected record after ringing: %+v", rec)
	}

	end := ev("c1", telephony.SignalEnded)
	end.EndTime = at(h.now.Add(30 * time.Second))
	h.m.Handle(ctx, end)

	rec = h.get(t, "c1")
	if rec.Outcome != OutcomeMissed || rec.Phase != PhaseEnded {
		t.Fatalf("expected missed, got %+v", rec)
	}
	if rec.DurationSeconds != 0 || rec.ConnectedAt != nil {
		t.Fatalf("missed call must have no duration: %+v", rec)
	}
	if !rec.EndedAt.Equal(h.now.Add(30 * time.Second)) {
		t.Fatalf("expected end_time from event, got %v", rec.EndedAt)
	}
	if len(h.scorer.outcomes) != 1 || h.scorer.outcomes[0] != quality.OutcomeMissed {
		t.Fatalf("expected one missed outcome scored, got %v", h.scorer.outcomes)
	}
	if len(h.notifier.incoming) != 1 || len(h.notifier.terminal) != 1 || h.notifier.terminal[0] != "c1:missed" {
		t.Fatalf("unexpected notifications: %+v", h.notifier)
	}
	if len(h.counter.calls) != 0 {
		t.Fatalf("inbound calls must not count toward the rate window")
	}
}

func TestMachine_ConnectedThenEnded(t *testing.T) {
	ctx := context.Background()
	h := newHarness()

	h.m.Handle(ctx, ev("c2", telephony.SignalRinging))
	conn := ev("c2", telephony.SignalConnected)
	conn.StartTime = at(h.now.Add(5 * time.Second))
	h.m.Handle(ctx, conn)

	rec := h.get(t, "c2")
	if rec.Phase != PhaseConnected || rec.Outcome != OutcomePending {
		t.Fatalf("connected must keep outcome pending: %+v", rec)
	}

	end := ev("c2", telephony.SignalEnded)
	end.EndTime = at(h.now.Add(95 * time.Second))
	h.m.Handle(ctx, end)

	rec = h.get(t, "c2")
	if rec.Outcome != OutcomeConnected || rec.DurationSeconds != 90 {
		t.Fatalf("expected connected 90s, got %+v", rec)
	}
}

func TestMachine_TerminalReplayIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness()

	h.m.Handle(ctx, ev("c3", telephony.SignalRinging))
	end := ev("c3", telephony.SignalEnded)
	h.m.Handle(ctx, end)
	first := h.get(t, "c3")

	h.now = h.now.Add(time.Minute)
	h.m.Handle(ctx, end)
	h.m.Handle(ctx, ev("c3", telephony.SignalConnected))
	h.m.Handle(ctx, ev("c3", telephony.SignalRejected))

	again := h.get(t, "c3")
	if again.Outcome != first.Outcome || !again.EndedAt.Equal(*first.EndedAt) || again.Version != first.Version {
		t.Fatalf("terminal record changed on replay: %+v vs %+v", first, again)
	}
	if len(h.scorer.outcomes) != 1 || len(h.notifier.terminal) != 1 {
		t.Fatalf("side effects must fire once, got scorer=%d terminal=%d", len(h.scorer.outcomes), len(h.notifier.terminal))
	}
}

func TestMachine_EndedBeforeRinging(t *testing.T) {
	ctx := context.Background()
	h := newHarness()

	end := ev("c4", telephony.SignalEnded)
	end.Timestamp = at(h.now.Add(-time.Minute))
	h.m.Handle(ctx, end)
	h.m.Handle(ctx, ev("c4", telephony.SignalRinging))

	rec := h.get(t, "c4")
	if rec.Outcome != OutcomeMissed || rec.Phase != PhaseEnded {
		t.Fatalf("expected record created terminal, got %+v", rec)
	}
	if !rec.StartedAt.Equal(h.now.Add(-time.Minute)) {
		t.Fatalf("expected started_at from event timestamp, got %v", rec.StartedAt)
	}
	if len(h.notifier.incoming) != 0 {
		t.Fatalf("late ringing must not raise an incoming notification")
	}
	if len(h.scorer.outcomes) != 1 {
		t.Fatalf("expected one scored outcome, got %d", len(h.scorer.outcomes))
	}
}

func TestMachine_RejectedRegardlessOfPhase(t *testing.T) {
	ctx := context.Background()
	h := newHarness()

	h.m.Handle(ctx, ev("c5", telephony.SignalRinging))
	h.m.Handle(ctx, ev("c5", telephony.SignalConnected))
	h.m.Handle(ctx, ev("c5", telephony.SignalRejected))

	rec := h.get(t, "c5")
	if rec.Outcome != OutcomeRejected {
		t.Fatalf("expected rejected, got %+v", rec)
	}

	h.m.Handle(ctx, ev("c6", telephony.SignalFailed))
	if rec := h.get(t, "c6"); rec.Outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %+v", rec)
	}
}

func TestMachine_DuplicateRingingCreatesOneRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.m.Handle(ctx, ev("dup", telephony.SignalRinging))
		}()
	}
	wg.Wait()

	list, _ := h.repo.List(ctx, Filter{AccountID: "acct"})
	if len(list) != 1 {
		t.Fatalf("expected one record, got %d", len(list))
	}
	if len(h.notifier.incoming) != 1 {
		t.Fatalf("expected one incoming notification, got %d", len(h.notifier.incoming))
	}
}

func TestMachine_OutboundCountedOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("webhook only", func(t *testing.T) {
		h := newHarness()
		e := ev("o1", telephony.SignalRinging)
		e.Direction = telephony.DirectionOutbound
		e.ContactNumber = "+1777"
		h.m.Handle(ctx, e)
		h.m.Handle(ctx, e)
		if len(h.counter.calls) != 1 || h.counter.calls[0] != "acct|+1777" {
			t.Fatalf("expected one count, got %v", h.counter.calls)
		}
		if len(h.notifier.incoming) != 0 {
			t.Fatalf("outbound calls must not raise incoming notifications")
		}
	})

	t.Run("dialer then webhook", func(t *testing.T) {
		h := newHarness()
		if _, err := h.m.RegisterOutbound(ctx, "acct", "o2", "+1777"); err != nil {
			t.Fatalf("register: %v", err)
		}
		e := ev("o2", telephony.SignalConnected)
		e.Direction = telephony.DirectionOutbound
		h.m.Handle(ctx, e)
		if len(h.counter.calls) != 1 {
			t.Fatalf("expected one count, got %v", h.counter.calls)
		}
		if rec := h.get(t, "o2"); rec.Phase != PhaseConnected || rec.Direction != DirectionOutbound {
			t.Fatalf("unexpected record %+v", rec)
		}
	})

	t.Run("webhook then dialer", func(t *testing.T) {
		h := newHarness()
		e := ev("o3", telephony.SignalRinging)
		e.Direction = telephony.DirectionOutbound
		e.ContactNumber = "+1777"
		h.m.Handle(ctx, e)
		rec, err := h.m.RegisterOutbound(ctx, "acct", "o3", "+1777")
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		if rec.CallID != "o3" || len(h.counter.calls) != 1 {
			t.Fatalf("expected existing record and one count, got %+v %v", rec, h.counter.calls)
		}
	})

	t.Run("colliding id of another account or direction", func(t *testing.T) {
		h := newHarness()
		h.m.Handle(ctx, ev("in1", telephony.SignalRinging))
		if _, err := h.m.RegisterOutbound(ctx, "acct", "in1", "+1555"); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument for inbound record, got %v", err)
		}

		e := ev("o4", telephony.SignalRinging)
		e.Direction = telephony.DirectionOutbound
		e.ContactNumber = "+1777"
		h.m.Handle(ctx, e)
		if _, err := h.m.RegisterOutbound(ctx, "other", "o4", "+1777"); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument for foreign record, got %v", err)
		}
		if rec := h.get(t, "o4"); rec.AccountID != "acct" {
			t.Fatalf("record must be untouched, got %+v", rec)
		}
		if len(h.counter.calls) != 1 {
			t.Fatalf("rejected registrations must not count, got %v", h.counter.calls)
		}
	})
}

func TestMachine_QualityWarningAfterThirdMiss(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.scorer.inner = quality.NewScorer(quality.NewMemoryStore())

	for i, id := range []string{"m1", "m2", "m3", "m4"} {
		h.m.Handle(ctx, ev(id, telephony.SignalRinging))
		h.m.Handle(ctx, ev(id, telephony.SignalEnded))
		want := 0
		if i >= 2 {
			want = 1
		}
		if len(h.notifier.warnings) != want {
			t.Fatalf("after %d misses expected %d warnings, got %v", i+1, want, h.notifier.warnings)
		}
	}
	if h.notifier.warnings[0] != "+1555:poor" {
		t.Fatalf("unexpected warning payload %q", h.notifier.warnings[0])
	}
}

type conflictingRepo struct {
	*MemoryRepo
	failures int
}

func (r *conflictingRepo) Update(ctx context.Context, rec CallRecord) (CallRecord, error) {
	if r.failures > 0 {
		r.failures--
		return CallRecord{}, utils.ErrConflict
	}
	return r.MemoryRepo.Update(ctx, rec)
}

func TestMachine_ConflictRetriedOnce(t *testing.T) {
	ctx := context.Background()

	repo := &conflictingRepo{MemoryRepo: NewMemoryRepo(), failures: 1}
	scorer := &fakeScorer{}
	m := NewMachine(MachineDeps{Repo: repo, Scorer: scorer, Log: logger.Discard()})
	m.Handle(ctx, ev("r1", telephony.SignalRinging))
	m.Handle(ctx, ev("r1", telephony.SignalEnded))
	rec, _ := repo.Get(ctx, "r1")
	if rec.Outcome != OutcomeMissed || len(scorer.outcomes) != 1 {
		t.Fatalf("expected retry to succeed, got %+v", rec)
	}

	repo = &conflictingRepo{MemoryRepo: NewMemoryRepo(), failures: 2}
	scorer = &fakeScorer{}
	m = NewMachine(MachineDeps{Repo: repo, Scorer: scorer, Log: logger.Discard()})
	m.Handle(ctx, ev("r2", telephony.SignalRinging))
	m.Handle(ctx, ev("r2", telephony.SignalEnded))
	rec, _ = repo.Get(ctx, "r2")
	if rec.Outcome != OutcomePending || len(scorer.outcomes) != 0 {
		t.Fatalf("expected the event dropped after a second conflict, got %+v", rec)
	}
}

func TestMachine_CallbackBookkeeping(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.m.Handle(ctx, ev("cb", telephony.SignalEnded))

	if _, err := h.m.MarkCallbackSent(ctx, "other", "cb"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for foreign account, got %v", err)
	}
	if _, err := h.m.MarkCallbackSent(ctx, "acct", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	rec, err := h.m.MarkCallbackSent(ctx, "acct", "cb")
	if err != nil || !rec.CallbackSent || rec.CallbackSentAt == nil || rec.CallbackCompleted {
		t.Fatalf("unexpected record after callback sent: %+v (%v)", rec, err)
	}

	rec, err = h.m.MarkCallbackCompleted(ctx, "acct", "cb")
	if err != nil || !rec.CallbackCompleted || rec.CallbackCompletedAt == nil {
		t.Fatalf("unexpected record after completion: %+v (%v)", rec, err)
	}
	first := *rec.CallbackCompletedAt

	h.now = h.now.Add(time.Hour)
	rec, _ = h.m.MarkCallbackCompleted(ctx, "acct", "cb")
	if !rec.CallbackCompletedAt.Equal(first) {
		t.Fatalf("completion must be idempotent")
	}
	if rec.Outcome != OutcomeMissed {
		t.Fatalf("callback bookkeeping must not touch the outcome")
	}
}

func TestMachine_DropsEventWithoutCallID(t *testing.T) {
	h := newHarness()
	h.m.Handle(context.Background(), ev("", telephony.SignalRinging))
	list, _ := h.repo.List(context.Background(), Filter{AccountID: "acct"})
	if len(list) != 0 {
		t.Fatalf("expected nothing stored")
	}
}

func TestWasNeverConnected(t *testing.T) {
	if !wasNeverConnected(CallRecord{}) {
		t.Fatalf("record without connected_at was never connected")
	}
	if wasNeverConnected(CallRecord{ConnectedAt: at(time.Now())}) {
		t.Fatalf("record with connected_at was connected")
	}
}
