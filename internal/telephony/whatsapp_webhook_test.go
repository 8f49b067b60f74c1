package telephony

import (
	"errors"
	"testing"
	"time"
)

func TestNormalize_InboundRingingWithoutStatus(t *testing.T) {
	raw := []byte(`{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "waba-1",
			"changes": [{
				"field": "calls",
				"value": {
					"metadata": {"phone_number_id": "pn-1"},
					"calls": [{"id": "c1", "from": "+1555", "to": "+1999", "direction": "USER_INITIATED", "timestamp": "1700000000"}]
				}
			}]
		}]
	}`)

	events, err := Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.CallID != "c1" || ev.AccountID != "pn-1" {
		t.Fatalf("unexpected ids: %+v", ev)
	}
	if ev.Signal != SignalRinging {
		t.Fatalf("absent status must mean ringing, got %q", ev.Signal)
	}
	if ev.Direction != DirectionInbound || ev.ContactNumber != "+1555" {
		t.Fatalf("inbound contact must be from, got %+v", ev)
	}
	if ev.Timestamp == nil || !ev.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected timestamp: %v", ev.Timestamp)
	}
	if ev.StartTime != nil || ev.EndTime != nil {
		t.Fatalf("absent times must stay nil")
	}
}

func TestNormalize_OutboundUsesToAsContact(t *testing.T) {
	raw := []byte(`{"entry":[{"id":"waba","changes":[{"value":{
		"calls":[{"id":"c2","from":"+1999","to":"+1444","direction":"BUSINESS_INITIATED","event":"terminate","status":"COMPLETED","start_time":1700000010,"end_time":1700000070}]
	}}]}]}`)

	events, err := Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	ev := events[0]
	if ev.AccountID != "waba" {
		t.Fatalf("expected entry id fallback for account, got %q", ev.AccountID)
	}
	if ev.Direction != DirectionOutbound || ev.ContactNumber != "+1444" {
		t.Fatalf("outbound contact must be to, got %+v", ev)
	}
	if ev.Signal != SignalEnded {
		t.Fatalf("expected ended, got %q", ev.Signal)
	}
	if ev.EndTime == nil || ev.EndTime.Sub(*ev.StartTime) != time.Minute {
		t.Fatalf("unexpected times: %v %v", ev.StartTime, ev.EndTime)
	}
}

func TestNormalize_DropsBadEntriesAndKeepsGoodOnes(t *testing.T) {
	raw := []byte(`{"entry":[{"id":"waba","changes":[{"value":{
		"metadata":{"phone_number_id":"pn"},
		"calls":[
			{"from":"+1"},
			{"id":"ok","status":"accepted"},
			{"id":"weird","status":"teleported"}
		]
	}}]}]}`)

	events, err := Normalize(raw)
	if len(events) != 1 || events[0].CallID != "ok" || events[0].Signal != SignalConnected {
		t.Fatalf("expected only the valid entry, got %+v", events)
	}
	if !errors.Is(err, ErrMissingCallID) || !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected both entry errors joined, got %v", err)
	}
	var ne *NormalizationError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NormalizationError, got %T", err)
	}
}

func TestNormalize_MalformedBody(t *testing.T) {
	events, err := Normalize([]byte(`{not json`))
	if len(events) != 0 || !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed payload, got %v %v", events, err)
	}
}

func TestNormalize_BadTimestampIsTreatedAsAbsent(t *testing.T) {
	events, err := Normalize([]byte(`{"entry":[{"changes":[{"value":{"calls":[{"id":"c","timestamp":"soon"}]}}]}]}`))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if events[0].Timestamp != nil {
		t.Fatalf("expected nil timestamp")
	}
}

func TestParseSignal(t *testing.T) {
	cases := map[string]Signal{
		"":            SignalRinging,
		"RINGING":     SignalRinging,
		"connect":     SignalRinging,
		"in_progress": SignalConnected,
		"Answered":    SignalConnected,
		"terminated":  SignalEnded,
		"busy":        SignalRejected,
		"declined":    SignalRejected,
		"error":       SignalFailed,
	}
	for in, want := range cases {
		got, err := ParseSignal(in)
		if err != nil || got != want {
			t.Fatalf("ParseSignal(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseSignal("missed"); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected unknown status for explicit missed, got %v", err)
	}
}

func TestNormalize_NonFiniteTimestampIsTreatedAsAbsent(t *testing.T) {
	for _, ts := range []string{`"NaN"`, `"Inf"`, `"-Inf"`, `"+Infinity"`, `"1e400"`} {
		events, err := Normalize([]byte(`{"entry":[{"changes":[{"value":{"calls":[{"id":"c","timestamp":` + ts + `}]}}]}]}`))
		if err != nil {
			t.Fatalf("%s: unexpected err: %v", ts, err)
		}
		if len(events) != 1 || events[0].Timestamp != nil {
			t.Fatalf("%s: expected nil timestamp, got %+v", ts, events)
		}
	}

	events, err := Normalize([]byte(`{"entry":[{"changes":[{"value":{"calls":[{"id":"c","timestamp":1.7e9}]}}]}]}`))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if events[0].Timestamp == nil || events[0].Timestamp.Unix() != 1700000000 {
		t.Fatalf("expected float seconds to parse, got %v", events[0].Timestamp)
	}
}
