package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"whatsapp-calling/pkg/clock"
	"whatsapp-calling/pkg/logger"

	"github.com/google/uuid"
)

type EventType string

const (
	EventIncomingCall       EventType = "incoming_call"
	EventCallTerminal       EventType = "call_terminal"
	EventQualityWarning     EventType = "quality_warning"
	EventNotificationClosed EventType = "notification_closed"
)

const (
	CloseReasonTerminal = "terminal"
	CloseReasonTimeout  = "timeout"
)

// DefaultAutoClose is how long an incoming-call notification stays open
// without a terminal event.
const DefaultAutoClose = 60 * time.Second

// subscriptionBuffer absorbs short bursts. A subscriber that falls further
// behind loses events; there is no replay.
const subscriptionBuffer = 64

// Event is one push to a connected session.
type Event struct {
	Type           EventType `json:"type"`
	NotificationID string    `json:"notification_id,omitempty"`
	AccountID      string    `json:"account_id"`
	CallID         string    `json:"call_id,omitempty"`
	ContactNumber  string    `json:"contact_number,omitempty"`
	Phase          string    `json:"phase,omitempty"`
	Outcome        string    `json:"outcome,omitempty"`
	Tier           string    `json:"tier,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	At             time.Time `json:"at"`
}

// Metrics is the optional instrumentation hook for the hub.
type Metrics interface {
	NotificationSent(eventType string)
	NotificationDropped(eventType string)
}

// Subscription is one connected session for an account.
type Subscription struct {
	accountID string
	ch        chan Event
	dropped   atomic.Int64
	hub       *Hub
	once      sync.Once
}

// Events is closed when the subscription or the hub is closed.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped counts events lost because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		s.hub.removeLocked(s)
		close(s.ch)
	})
}

type openNotification struct {
	id        string
	accountID string
	timer     clock.Timer
}

// Hub fans call events out to an account's connected sessions.
//
// IMPORTANT:
//   - Delivery is best-effort and at most once per connected session.
//   - Sends never block the state machine; a full subscriber drops the event.
//   - Each incoming call opens one notification that closes on the terminal
//     event or after the auto-close timeout, whichever comes first.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	open   map[string]*openNotification // by call id
	closed bool

	clock     clock.Clock
	autoClose time.Duration
	metrics   Metrics
	log       *slog.Logger
}

func NewHub(clk clock.Clock, autoClose time.Duration, log *slog.Logger) *Hub {
	if clk == nil {
		clk = clock.Real()
	}
	if autoClose <= 0 {
		autoClose = DefaultAutoClose
	}
	return &Hub{
		subs:      make(map[string]map[*Subscription]struct{}),
		open:      make(map[string]*openNotification),
		clock:     clk,
		autoClose: autoClose,
		log:       log,
	}
}

func (h *Hub) WithMetrics(m Metrics) *Hub {
	h.metrics = m
	return h
}

// Subscribe registers a session. Callers must Close the subscription.
func (h *Hub) Subscribe(accountID string) *Subscription {
	s := &Subscription{accountID: accountID, ch: make(chan Event, subscriptionBuffer), hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	if h.subs[accountID] == nil {
		h.subs[accountID] = make(map[*Subscription]struct{})
	}
	h.subs[accountID][s] = struct{}{}
	return s
}

// Subscribers returns the number of connected sessions for an account.
func (h *Hub) Subscribers(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[accountID])
}

// IncomingCall opens a notification for a ringing inbound call.
func (h *Hub) IncomingCall(ctx context.Context, accountID, callID, contact, phase string) {
	id := uuid.NewString()

	h.mu.Lock()
	if prev := h.open[callID]; prev != nil {
		prev.timer.Stop()
	}
	n := &openNotification{id: id, accountID: accountID}
	n.timer = h.clock.AfterFunc(h.autoClose, func() { h.expire(callID, id) })
	h.open[callID] = n
	h.mu.Unlock()

	logger.Or(ctx, h.log).Debug("incoming call notification opened", "call_id", callID, "notification_id", id)
	h.publish(Event{
		Type:           EventIncomingCall,
		NotificationID: id,
		AccountID:      accountID,
		CallID:         callID,
		ContactNumber:  contact,
		Phase:          phase,
	})
}

// CallTerminal reports the final outcome and closes the call's open
// notification, if any.
func (h *Hub) CallTerminal(ctx context.Context, accountID, callID, outcome string) {
	h.mu.Lock()
	n := h.open[callID]
	delete(h.open, callID)
	h.mu.Unlock()

	h.publish(Event{
		Type:      EventCallTerminal,
		AccountID: accountID,
		CallID:    callID,
		Outcome:   outcome,
	})
	if n == nil {
		return
	}
	n.timer.Stop()
	h.publish(Event{
		Type:           EventNotificationClosed,
		NotificationID: n.id,
		AccountID:      n.accountID,
		CallID:         callID,
		Reason:         CloseReasonTerminal,
	})
}

func (h *Hub) QualityWarning(ctx context.Context, accountID, contact, tier string) {
	h.publish(Event{
		Type:          EventQualityWarning,
		AccountID:     accountID,
		ContactNumber: contact,
		Tier:          tier,
	})
}

// expire runs on the auto-close timer. A timer that lost the race with a
// terminal event or a newer notification finds a different id and does
// nothing.
func (h *Hub) expire(callID, id string) {
	h.mu.Lock()
	n := h.open[callID]
	if n == nil || n.id != id {
		h.mu.Unlock()
		return
	}
	delete(h.open, callID)
	h.mu.Unlock()

	h.publish(Event{
		Type:           EventNotificationClosed,
		NotificationID: id,
		AccountID:      n.accountID,
		CallID:         callID,
		Reason:         CloseReasonTimeout,
	})
}

// OpenNotifications returns the number of incoming-call notifications not
// yet closed.
func (h *Hub) OpenNotifications() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.open)
}

func (h *Hub) publish(ev Event) {
	ev.At = h.clock.Now().UTC()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[ev.AccountID] {
		select {
		case s.ch <- ev:
			if h.metrics != nil {
				h.metrics.NotificationSent(string(ev.Type))
			}
		default:
			s.dropped.Add(1)
			if h.metrics != nil {
				h.metrics.NotificationDropped(string(ev.Type))
			}
		}
	}
}

// Close stops pending timers and ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for callID, n := range h.open {
		n.timer.Stop()
		delete(h.open, callID)
	}
	for _, set := range h.subs {
		for s := range set {
			s.once.Do(func() { close(s.ch) })
		}
	}
	h.subs = make(map[string]map[*Subscription]struct{})
}

func (h *Hub) removeLocked(s *Subscription) {
	set := h.subs[s.accountID]
	if set == nil {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.accountID)
	}
}
