package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

var ErrDelegationFailed = errors.New("provider delegation failed")

// DelegationError is returned when the provider rejected or never answered
// an outbound call or message request.
type DelegationError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *DelegationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: provider returned %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DelegationError) Unwrap() []error { return []error{ErrDelegationFailed, e.Err} }

// CallPlacer starts a business-initiated call and returns the provider call id.
type CallPlacer interface {
	PlaceCall(ctx context.Context, accountID, contact string) (string, error)
}

// Messenger sends a plain text message and returns the provider message id.
type Messenger interface {
	SendText(ctx context.Context, accountID, contact, text string) (string, error)
}

// WhatsAppClient talks to the Graph API. accountID is the business
// phone_number_id.
//
// NOTE: every request goes through a circuit breaker so a Graph API outage
// fails fast instead of piling up callbacks behind slow timeouts.
type WhatsAppClient struct {
	BaseURL     string
	AccessToken string
	HTTP        *http.Client
	Log         *slog.Logger

	breaker *gobreaker.CircuitBreaker
}

// BreakerSettings tunes the Graph API circuit breaker.
type BreakerSettings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32

	// OnStateChange, when set, observes every transition (e.g. for a gauge).
	OnStateChange func(name, state string)
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

func NewWhatsAppClient(baseURL, accessToken string, log *slog.Logger, bs BreakerSettings) *WhatsAppClient {
	if log == nil {
		log = slog.Default()
	}
	c := &WhatsAppClient{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		AccessToken: accessToken,
		HTTP:        &http.Client{Timeout: 15 * time.Second},
		Log:         log,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "whatsapp-graph",
		MaxRequests: bs.MaxRequests,
		Interval:    bs.Interval,
		Timeout:     bs.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bs.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			if bs.OnStateChange != nil {
				bs.OnStateChange(name, to.String())
			}
		},
		IsSuccessful: func(err error) bool {
			// 4xx means we sent something bad; only transport errors and 5xx trip.
			var de *DelegationError
			if errors.As(err, &de) && de.StatusCode >= 400 && de.StatusCode < 500 {
				return true
			}
			return err == nil
		},
	})
	return c
}

// BreakerState exposes the breaker state for health and metrics.
func (c *WhatsAppClient) BreakerState() string {
	return c.breaker.State().String()
}

type graphCallRequest struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Action           string `json:"action"`
}

type graphCallResponse struct {
	Calls []struct {
		ID string `json:"id"`
	} `json:"calls"`
}

type graphTextRequest struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		Body string `json:"body"`
	} `json:"text"`
}

type graphMessageResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type graphErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (c *WhatsAppClient) PlaceCall(ctx context.Context, accountID, contact string) (string, error) {
	const op = "place call"
	if strings.TrimSpace(accountID) == "" || strings.TrimSpace(contact) == "" {
		return "", &DelegationError{Op: op, Err: errors.New("account_id and contact are required")}
	}

	var out graphCallResponse
	body := graphCallRequest{MessagingProduct: "whatsapp", To: contact, Action: "connect"}
	if err := c.post(ctx, op, "/"+accountID+"/calls", body, &out); err != nil {
		return "", err
	}
	if len(out.Calls) == 0 || out.Calls[0].ID == "" {
		return "", &DelegationError{Op: op, Err: errors.New("response carried no call id")}
	}
	return out.Calls[0].ID, nil
}

func (c *WhatsAppClient) SendText(ctx context.Context, accountID, contact, text string) (string, error) {
	const op = "send text"
	if strings.TrimSpace(accountID) == "" || strings.TrimSpace(contact) == "" {
		return "", &DelegationError{Op: op, Err: errors.New("account_id and contact are required")}
	}
	if strings.TrimSpace(text) == "" {
		return "", &DelegationError{Op: op, Err: errors.New("text is required")}
	}

	body := graphTextRequest{MessagingProduct: "whatsapp", RecipientType: "individual", To: contact, Type: "text"}
	body.Text.Body = text

	var out graphMessageResponse
	if err := c.post(ctx, op, "/"+accountID+"/messages", body, &out); err != nil {
		return "", err
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return "", &DelegationError{Op: op, Err: errors.New("response carried no message id")}
	}
	return out.Messages[0].ID, nil
}

func (c *WhatsAppClient) post(ctx context.Context, op, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return &DelegationError{Op: op, Err: err}
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, &DelegationError{Op: op, Err: err}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, &DelegationError{Op: op, Err: err}
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.AccessToken)

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return nil, &DelegationError{Op: op, Err: err}
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, &DelegationError{Op: op, StatusCode: resp.StatusCode, Err: err}
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			var ge graphErrorResponse
			msg := strings.TrimSpace(string(raw))
			if json.Unmarshal(raw, &ge) == nil && ge.Error.Message != "" {
				msg = ge.Error.Message
			}
			return nil, &DelegationError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(msg)}
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, &DelegationError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.Log.Warn("graph api circuit open, rejecting request", "op", op)
			return &DelegationError{Op: op, Err: err}
		}
		return err
	}
	return nil
}
