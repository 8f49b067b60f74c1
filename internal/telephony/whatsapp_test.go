package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestWhatsAppClient_PlaceCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pn-1/calls" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["to"] != "+1555" || body["action"] != "connect" {
			t.Errorf("unexpected body %v", body)
		}
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","calls":[{"id":"wacid.1"}]}`))
	}))
	defer srv.Close()

	c := NewWhatsAppClient(srv.URL, "tok", nil, DefaultBreakerSettings())
	id, err := c.PlaceCall(context.Background(), "pn-1", "+1555")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if id != "wacid.1" {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestWhatsAppClient_SendTextProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Recipient not allowed","code":131030}}`))
	}))
	defer srv.Close()

	c := NewWhatsAppClient(srv.URL, "tok", nil, DefaultBreakerSettings())
	_, err := c.SendText(context.Background(), "pn-1", "+1555", "sorry we missed you")
	if !errors.Is(err, ErrDelegationFailed) {
		t.Fatalf("expected delegation failure, got %v", err)
	}
	var de *DelegationError
	if !errors.As(err, &de) || de.StatusCode != http.StatusBadRequest || de.Err.Error() != "Recipient not allowed" {
		t.Fatalf("unexpected error detail: %#v", err)
	}
}

func TestWhatsAppClient_BreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	bs := BreakerSettings{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, FailureThreshold: 2}
	c := NewWhatsAppClient(srv.URL, "tok", nil, bs)
	for i := 0; i < 4; i++ {
		_, err := c.PlaceCall(context.Background(), "pn", "+1")
		if !errors.Is(err, ErrDelegationFailed) {
			t.Fatalf("attempt %d: expected delegation failure, got %v", i, err)
		}
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("expected breaker to stop requests after 2 failures, got %d hits", got)
	}
	if c.BreakerState() != "open" {
		t.Fatalf("expected open breaker, got %s", c.BreakerState())
	}
}

func TestWhatsAppClient_ClientErrorsDoNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	bs := BreakerSettings{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, FailureThreshold: 1}
	c := NewWhatsAppClient(srv.URL, "tok", nil, bs)
	for i := 0; i < 3; i++ {
		_, _ = c.PlaceCall(context.Background(), "pn", "+1")
	}
	if c.BreakerState() != "closed" {
		t.Fatalf("4xx must not trip the breaker, got %s", c.BreakerState())
	}
}

func TestWhatsAppClient_RejectsMissingArguments(t *testing.T) {
	c := NewWhatsAppClient("http://unused", "tok", nil, DefaultBreakerSettings())
	if _, err := c.PlaceCall(context.Background(), "", "+1"); !errors.Is(err, ErrDelegationFailed) {
		t.Fatalf("expected delegation failure, got %v", err)
	}
	if _, err := c.SendText(context.Background(), "pn", "+1", " "); !errors.Is(err, ErrDelegationFailed) {
		t.Fatalf("expected delegation failure, got %v", err)
	}
}
