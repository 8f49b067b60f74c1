package telephony

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMalformedPayload = errors.New("malformed webhook payload")
	ErrMissingCallID    = errors.New("call id is required")
	ErrUnknownStatus    = errors.New("unknown call status")
)

// NormalizationError describes a single webhook entry that was dropped.
type NormalizationError struct {
	// Index is the position of the entry in the flattened calls list.
	Index  int
	CallID string
	Err    error
}

func (e *NormalizationError) Error() string {
	if e.CallID != "" {
		return fmt.Sprintf("normalize call entry %d (%s): %v", e.Index, e.CallID, e.Err)
	}
	return fmt.Sprintf("normalize call entry %d: %v", e.Index, e.Err)
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// whatsappEnvelope captures the subset of the Cloud API webhook we care about.
// Ref: https://developers.facebook.com/docs/whatsapp/cloud-api/calling
type whatsappEnvelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					PhoneNumberID      string `json:"phone_number_id"`
					DisplayPhoneNumber string `json:"display_phone_number"`
				} `json:"metadata"`
				Calls []whatsappCall `json:"calls"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type whatsappCall struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Event     string    `json:"event"`
	Status    string    `json:"status"`
	Direction string    `json:"direction"`
	Timestamp unixField `json:"timestamp"`
	StartTime unixField `json:"start_time"`
	EndTime   unixField `json:"end_time"`
}

// unixField accepts unix seconds encoded either as a JSON number or string.
// Unparseable or non-finite values are treated as absent so one bad timestamp never drops
// the whole delivery.
type unixField struct {
	t *time.Time
}

func (u *unixField) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		n = int64(f)
	}
	t := time.Unix(n, 0).UTC()
	u.t = &t
	return nil
}

// Normalize parses one webhook delivery into canonical events.
//
// A delivery may carry several call entries. Entries that cannot be
// normalized are dropped; their errors are joined and returned next to the
// events that could be parsed. Only a body that is not a JSON envelope at all
// yields zero events and ErrMalformedPayload.
func Normalize(raw []byte) ([]CallEvent, error) {
	var env whatsappEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var (
		out  []CallEvent
		errs []error
		idx  int
	)
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			accountID := strings.TrimSpace(change.Value.Metadata.PhoneNumberID)
			if accountID == "" {
				accountID = strings.TrimSpace(entry.ID)
			}
			for _, call := range change.Value.Calls {
				ev, err := normalizeCall(accountID, call)
				if err != nil {
					errs = append(errs, &NormalizationError{Index: idx, CallID: strings.TrimSpace(call.ID), Err: err})
				} else {
					out = append(out, ev)
				}
				idx++
			}
		}
	}
	return out, errors.Join(errs...)
}

func normalizeCall(accountID string, c whatsappCall) (CallEvent, error) {
	id := strings.TrimSpace(c.ID)
	if id == "" {
		return CallEvent{}, ErrMissingCallID
	}

	raw := c.Status
	if strings.TrimSpace(raw) == "" {
		raw = c.Event
	}
	sig, err := ParseSignal(raw)
	if err != nil {
		return CallEvent{}, err
	}

	dir := parseDirection(c.Direction)
	from := strings.TrimSpace(c.From)
	to := strings.TrimSpace(c.To)
	contact := from
	if dir == DirectionOutbound {
		contact = to
	}

	return CallEvent{
		CallID:        id,
		AccountID:     accountID,
		Direction:     dir,
		From:          from,
		To:            to,
		ContactNumber: contact,
		Signal:        sig,
		StartTime:     c.StartTime.t,
		EndTime:       c.EndTime.t,
		Timestamp:     c.Timestamp.t,
	}, nil
}

// ParseSignal maps a provider status or event name to a Signal.
// An empty value means the call is ringing.
func ParseSignal(raw string) (Signal, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "ringing", "connect":
		return SignalRinging, nil
	case "accepted", "connected", "answered", "in_progress":
		return SignalConnected, nil
	case "ended", "completed", "terminate", "terminated":
		return SignalEnded, nil
	case "rejected", "declined", "busy":
		return SignalRejected, nil
	case "failed", "error":
		return SignalFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
}

func parseDirection(raw string) Direction {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "business_initiated", "outbound":
		return DirectionOutbound
	default:
		return DirectionInbound
	}
}
