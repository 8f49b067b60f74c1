package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"

	"whatsapp-calling/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Sink consumes normalized events. The call state machine implements it.
type Sink interface {
	Handle(ctx context.Context, ev CallEvent)
}

// WebhookMetrics is the optional instrumentation hook for the webhook path.
type WebhookMetrics interface {
	WebhookReceived(events int)
	WebhookEntryDropped(reason string)
}

// WhatsAppWebhookHandler converts Cloud API webhooks to CallEvents and hands
// them to the Sink.
//
// IMPORTANT: POST answers 200 for every authentic delivery, even one with bad
// entries. The provider retries anything else and a retry storm helps nobody;
// every failure is logged and dropped here.
type WhatsAppWebhookHandler struct {
	Sink        Sink
	VerifyToken string
	Metrics     WebhookMetrics

	// AppSecret, when set, requires a valid X-Hub-Signature-256 header.
	// Unsigned or mis-signed deliveries are answered 401 and never applied.
	AppSecret string

	// MaxBodyBytes caps the request body. Zero means 1 MiB.
	MaxBodyBytes int64
}

// Verify answers the subscription handshake:
// GET ?hub.mode=subscribe&hub.verify_token=...&hub.challenge=...
func (h WhatsAppWebhookHandler) Verify(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode != "subscribe" || h.VerifyToken == "" || token != h.VerifyToken {
		logger.FromGin(c).Warn("webhook verification rejected", "mode", mode)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "verification failed"})
		return
	}
	c.String(http.StatusOK, challenge)
}

func (h WhatsAppWebhookHandler) Receive(c *gin.Context) {
	log := logger.FromGin(c)

	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Warn("webhook body too large", "limit", tooLarge.Limit)
			h.dropped("too_large")
		} else {
			log.Warn("webhook body read failed", "err", err)
			h.dropped("read")
		}
		c.Status(http.StatusOK)
		return
	}
	if h.AppSecret != "" && !validSignature(h.AppSecret, raw, c.GetHeader(signatureHeader)) {
		log.Warn("webhook signature rejected")
		h.dropped("signature")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	events, err := Normalize(raw)
	if err != nil {
		var nerrs []*NormalizationError
		collectNormalizationErrors(err, &nerrs)
		if len(nerrs) == 0 {
			log.Warn("webhook payload dropped", "err", err)
			h.dropped("malformed")
		}
		for _, ne := range nerrs {
			log.Warn("webhook entry dropped", "index", ne.Index, "call_id", ne.CallID, "err", ne.Err)
			h.dropped(dropReason(ne.Err))
		}
	}
	if h.Metrics != nil {
		h.Metrics.WebhookReceived(len(events))
	}

	if h.Sink == nil {
		if len(events) > 0 {
			log.Error("webhook sink not configured, dropping events", "events", len(events))
		}
		c.Status(http.StatusOK)
		return
	}
	ctx := c.Request.Context()
	for _, ev := range events {
		h.Sink.Handle(ctx, ev)
	}
	c.Status(http.StatusOK)
}

const signatureHeader = "X-Hub-Signature-256"

// validSignature checks header "sha256=<hex hmac of body>".
func validSignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (h WhatsAppWebhookHandler) dropped(reason string) {
	if h.Metrics != nil {
		h.Metrics.WebhookEntryDropped(reason)
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingCallID):
		return "missing_call_id"
	case errors.Is(err, ErrUnknownStatus):
		return "unknown_status"
	default:
		return "other"
	}
}

func collectNormalizationErrors(err error, out *[]*NormalizationError) {
	var ne *NormalizationError
	if errors.As(err, &ne) {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				collectNormalizationErrors(e, out)
			}
			return
		}
		*out = append(*out, ne)
	}
}
