package missed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"whatsapp-calling/internal/audit"
	"whatsapp-calling/internal/calls"
	"whatsapp-calling/internal/outbound"
	"whatsapp-calling/internal/telephony"
	"whatsapp-calling/pkg/logger"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotMissed       = errors.New("call is not missed")
)

// Reader is the read side of the call record store.
type Reader interface {
	Get(ctx context.Context, callID string) (calls.CallRecord, error)
	List(ctx context.Context, f calls.Filter) ([]calls.CallRecord, error)
}

// Bookkeeper owns the callback flags on a record. calls.Machine implements it.
type Bookkeeper interface {
	MarkCallbackSent(ctx context.Context, accountID, callID string) (calls.CallRecord, error)
	MarkCallbackCompleted(ctx context.Context, accountID, callID string) (calls.CallRecord, error)
}

// Caller places a rate-limited outbound call. outbound.Dialer implements it.
type Caller interface {
	Dial(ctx context.Context, accountID, contact string) (outbound.Result, error)
}

// Manager is the operator-facing missed-call inbox.
//
// A record is missed strictly when outcome == missed; the state machine has
// already made that inference. Unread means missed and not yet handled.
//
// IMPORTANT:
// - callback_sent is only set after the provider accepted the call or message.
// - The manager never writes records directly; the machine owns them.
type Manager struct {
	reader    Reader
	books     Bookkeeper
	caller    Caller
	messenger telephony.Messenger
	audit     *audit.Service
}

func NewManager(reader Reader, books Bookkeeper, caller Caller, messenger telephony.Messenger) *Manager {
	return &Manager{reader: reader, books: books, caller: caller, messenger: messenger}
}

// WithAudit records operator actions. Audit failures never fail the action.
func (m *Manager) WithAudit(a *audit.Service) *Manager {
	m.audit = a
	return m
}

func (m *Manager) ListMissed(ctx context.Context, accountID string, unreadOnly bool) ([]calls.CallRecord, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, ErrInvalidArgument
	}
	return m.reader.List(ctx, calls.Filter{
		AccountID:     accountID,
		Outcome:       calls.OutcomeMissed,
		UnhandledOnly: unreadOnly,
	})
}

// ContactGroup is the missed calls of one contact.
type ContactGroup struct {
	ContactNumber string             `json:"contact_number"`
	Calls         []calls.CallRecord `json:"calls"`
	LatestAt      time.Time          `json:"latest_at"`
	Unread        int                `json:"unread"`
}

// GroupByContact groups records by contact number. Calls within a group are
// newest first and groups are ordered by their newest call.
func GroupByContact(records []calls.CallRecord) []ContactGroup {
	idx := make(map[string]int)
	var groups []ContactGroup
	for _, r := range records {
		i, ok := idx[r.ContactNumber]
		if !ok {
			i = len(groups)
			idx[r.ContactNumber] = i
			groups = append(groups, ContactGroup{ContactNumber: r.ContactNumber})
		}
		g := &groups[i]
		g.Calls = append(g.Calls, r)
		if r.StartedAt.After(g.LatestAt) {
			g.LatestAt = r.StartedAt
		}
		if r.NeedsCallback() {
			g.Unread++
		}
	}

	for i := range groups {
		sort.SliceStable(groups[i].Calls, func(a, b int) bool {
			return groups[i].Calls[a].StartedAt.After(groups[i].Calls[b].StartedAt)
		})
	}
	sort.SliceStable(groups, func(a, b int) bool {
		if groups[a].LatestAt.Equal(groups[b].LatestAt) {
			return groups[a].ContactNumber < groups[b].ContactNumber
		}
		return groups[a].LatestAt.After(groups[b].LatestAt)
	})
	return groups
}

// CallbackResult pairs the updated missed record with the placed call.
type CallbackResult struct {
	Missed   calls.CallRecord `json:"missed_call"`
	Callback outbound.Result  `json:"callback"`
}

// InitiateCallback calls the contact of a missed call back through the
// rate-limited dialer.
func (m *Manager) InitiateCallback(ctx context.Context, accountID, callID string) (CallbackResult, error) {
	rec, err := m.missedRecord(ctx, accountID, callID)
	if err != nil {
		return CallbackResult{}, err
	}
	if m.caller == nil {
		return CallbackResult{}, errors.New("callback dialer not configured")
	}

	res, err := m.caller.Dial(ctx, rec.AccountID, rec.ContactNumber)
	if err != nil {
		return CallbackResult{Callback: res}, err
	}

	updated, err := m.books.MarkCallbackSent(ctx, rec.AccountID, rec.CallID)
	if err != nil {
		return CallbackResult{Callback: res}, fmt.Errorf("mark callback sent: %w", err)
	}
	m.audit.Record(ctx, audit.Event{
		AccountID:     rec.AccountID,
		Type:          audit.EventTypeCallbackInitiated,
		CallID:        rec.CallID,
		ContactNumber: rec.ContactNumber,
		Message:       "callback call " + res.Record.CallID,
	})
	return CallbackResult{Missed: updated, Callback: res}, nil
}

// SendFollowupMessage texts the contact of a missed call.
func (m *Manager) SendFollowupMessage(ctx context.Context, accountID, callID, text string) (calls.CallRecord, string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return calls.CallRecord{}, "", ErrInvalidArgument
	}
	rec, err := m.missedRecord(ctx, accountID, callID)
	if err != nil {
		return calls.CallRecord{}, "", err
	}
	if m.messenger == nil {
		return calls.CallRecord{}, "", errors.New("messenger not configured")
	}

	messageID, err := m.messenger.SendText(ctx, rec.AccountID, rec.ContactNumber, text)
	if err != nil {
		logger.From(ctx).Warn("follow-up message failed", "call_id", rec.CallID, "err", err)
		return calls.CallRecord{}, "", err
	}

	updated, err := m.books.MarkCallbackSent(ctx, rec.AccountID, rec.CallID)
	if err != nil {
		return calls.CallRecord{}, messageID, fmt.Errorf("mark callback sent: %w", err)
	}
	m.audit.Record(ctx, audit.Event{
		AccountID:     rec.AccountID,
		Type:          audit.EventTypeFollowupSent,
		CallID:        rec.CallID,
		ContactNumber: rec.ContactNumber,
		Message:       "message " + messageID,
	})
	return updated, messageID, nil
}

// MarkHandled closes a call in the inbox. A prior callback is not required.
func (m *Manager) MarkHandled(ctx context.Context, accountID, callID string) (calls.CallRecord, error) {
	accountID = strings.TrimSpace(accountID)
	callID = strings.TrimSpace(callID)
	if accountID == "" || callID == "" {
		return calls.CallRecord{}, ErrInvalidArgument
	}
	rec, err := m.books.MarkCallbackCompleted(ctx, accountID, callID)
	if err != nil {
		return calls.CallRecord{}, err
	}
	m.audit.Record(ctx, audit.Event{
		AccountID:     accountID,
		Type:          audit.EventTypeMarkedHandled,
		CallID:        callID,
		ContactNumber: rec.ContactNumber,
	})
	return rec, nil
}

// BulkFailure is one call id BulkMarkHandled could not handle.
type BulkFailure struct {
	CallID string `json:"call_id"`
	Err    error  `json:"-"`
	Reason string `json:"reason"`
}

// BulkResult reports which ids were handled and which failed.
type BulkResult struct {
	Handled []string      `json:"handled"`
	Failed  []BulkFailure `json:"failed"`
}

// BulkMarkHandled marks each id handled and keeps going past failures.
// Duplicate ids are handled once.
func (m *Manager) BulkMarkHandled(ctx context.Context, accountID string, callIDs []string) (BulkResult, error) {
	if strings.TrimSpace(accountID) == "" {
		return BulkResult{}, ErrInvalidArgument
	}
	res := BulkResult{Handled: []string{}, Failed: []BulkFailure{}}
	seen := make(map[string]struct{}, len(callIDs))
	for _, id := range callIDs {
		id = strings.TrimSpace(id)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if _, err := m.MarkHandled(ctx, accountID, id); err != nil {
			res.Failed = append(res.Failed, BulkFailure{CallID: id, Err: err, Reason: err.Error()})
			continue
		}
		res.Handled = append(res.Handled, id)
	}
	return res, nil
}

func (m *Manager) missedRecord(ctx context.Context, accountID, callID string) (calls.CallRecord, error) {
	accountID = strings.TrimSpace(accountID)
	callID = strings.TrimSpace(callID)
	if accountID == "" || callID == "" {
		return calls.CallRecord{}, ErrInvalidArgument
	}
	rec, err := m.reader.Get(ctx, callID)
	if err != nil {
		return calls.CallRecord{}, err
	}
	if rec.AccountID != accountID {
		return calls.CallRecord{}, calls.ErrNotFound
	}
	if rec.Outcome != calls.OutcomeMissed {
		return calls.CallRecord{}, ErrNotMissed
	}
	return rec, nil
}
