package httpapi

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"whatsapp-calling/internal/audit"
	"whatsapp-calling/internal/auth"
	"whatsapp-calling/internal/calls"
	"whatsapp-calling/internal/missed"
	"whatsapp-calling/internal/outbound"
	"whatsapp-calling/internal/quality"
	"whatsapp-calling/internal/ratelimit"
	"whatsapp-calling/internal/rbac"
	"whatsapp-calling/internal/reporting"
	"whatsapp-calling/internal/telephony"
	"whatsapp-calling/pkg/logger"
	"whatsapp-calling/pkg/utils"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth    *auth.Manager
	Limiter *ratelimit.Limiter
	Dialer  *outbound.Dialer
	Missed  *missed.Manager
	Quality *quality.Scorer
	Reports *reporting.Service
	Audit   *audit.Service

	// DevLogin enables the credential-less token endpoint. Off outside
	// local/dev; real tokens come from the identity service.
	DevLogin bool
}

// --- Auth ---

type loginRequest struct {
	UserID    string `json:"user_id"`
	AccountID string `json:"account_id"`
	Role      string `json:"role"`
}

// Login issues an access token for local development.
//
// NOTE: No credentials are checked. The endpoint answers 404 unless DevLogin
// is set, and never mints super_admin or hidden-role tokens.
func (h Handlers) Login(c *gin.Context) {
	if !h.DevLogin {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.AccountID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, account_id, role required"})
		return
	}
	if rbac.IsSuperAdmin(req.Role) || rbac.IsHiddenRole(req.Role) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "role not issuable"})
		return
	}
	tok, err := h.Auth.IssueAccess(time.Now(), req.UserID, req.AccountID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": tok})
}

// --- Calls ---

type rateLimitView struct {
	ContactNumber  string  `json:"contact_number"`
	Allowed        bool    `json:"allowed"`
	Limit          int     `json:"limit"`
	CallCount      int     `json:"call_count"`
	Remaining      int     `json:"remaining"`
	UsagePercent   float64 `json:"usage_percent"`
	ResetInSeconds int64   `json:"reset_in_seconds"`
}

func newRateLimitView(contact string, d ratelimit.Decision) rateLimitView {
	return rateLimitView{
		ContactNumber:  contact,
		Allowed:        d.Allowed,
		Limit:          d.Limit,
		CallCount:      d.CallCount,
		Remaining:      d.Remaining,
		UsagePercent:   math.Round(d.UsagePercent*100) / 100,
		ResetInSeconds: ceilSeconds(d.ResetIn),
	}
}

// GetRateLimit reports the contact's window without consuming it.
func (h Handlers) GetRateLimit(c *gin.Context) {
	accountID, ok := accountFrom(c)
	if !ok {
		return
	}
	contact := strings.TrimSpace(c.Query("contact"))
	if contact == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "contact required"})
		return
	}
	d, err := h.Limiter.CheckAndReserve(c.Request.Context(), accountID, contact)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newRateLimitView(contact, d))
}

type placeCallRequest struct {
	ContactNumber string `json:"contact_number"`
}

// PlaceCall starts a business-initiated call through the rate limiter.
func (h Handlers) PlaceCall(c *gin.Context) {
	accountID, ok := accountFrom(c)
	if !ok {
		return
	}
	var req placeCallRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ContactNumber) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "contact_number required"})
		return
	}
	res, err := h.Dialer.Dial(c.Request.Context(), accountID, req.ContactNumber)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"call":       res.Record,
		"rate_limit": newRateLimitView(res.Record.ContactNumber, res.Decision),
	})
}

// --- Missed calls ---

// ListMissed returns the missed-call inbox. unread=true (default) hides
// handled calls; group=true groups by contact.
func (h Handlers) ListMissed(c *gin.Context) {
	accountID, ok := accountFrom(c)
	if !ok {
		return
	}
	unread, err := boolQuery(c, "unread", true)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unread must be a boolean"})
		return
	}
	group, err := boolQuery(c, "group", false)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "group must be a boolean"})
		return
	}

	recs, err := h.Missed.ListMissed(c.Request.Context(), accountID, unread)
	if err != nil {
		writeError(c, err)
		return
	}
	if group {
		c.JSON(http.StatusOK, gin.H{"groups": missed.GroupByContact(recs)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": recs})
}

func (h Handlers) InitiateCallback(c *gin.Context) {
	accountID, ok := accountFrom(c)
	if !ok {
		return
	}
	res, err := h.Missed.InitiateCallback(c.Request.Context(), accountID, c.Param("call_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"missed_call": res.Missed,
		"callback":    res.Callback.Record,
		"rate_limit":  newRateLimitView(res.Callback.Record.ContactNumber, res.Callback.Decision),
	})
}

type followupRequest struct {
	Text string `json:"text"`
}

func (h Handlers) SendFollowup(c *gin.Context) {
	accountID, ok := accountFrom(c)
	if !ok {
		return
	}
	var req followupRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "text required"})
		return
	}
	rec, messageID, err := h.Missed.SendFollowupMessage(c.Request.Context(), accountID, c.Param("call_id"), req.Text)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"missed_call": rec, "message_id": messageID})
}

func (h Handlers) MarkHandled(c *gin.Context) {
	accountID, ok := accountFrom(c)
	if !ok {
		return
	}
	rec, err := h.Missed.MarkHandled(c.Request.Context(), accountID, c.Param("call_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type bulkHandledRequest struct {
	CallIDs []string `json:"call_ids"`
}

const maxBulkHandled = 500

func (h Handlers) BulkMarkHandled(c *gin.Context) {
	accountID, ok := accountFrom(c)
	if !ok {
		return
	}
	var req bulkHandledRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.CallIDs) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_ids required"})
		return
	}
	if len(req.CallIDs) > maxBulkHandled {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "too many call_ids"})
		return
	}
	res, err := h.Missed.BulkMarkHandled(c.Request.Context(), accountID, req.CallIDs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// --- Quality ---

func (h Handlers) GetQuality(c *gin.Context) {
	accountID, ok := accountFrom(c)
	if !ok {
		return
	}
	a, err := h.Quality.GetMetric(c.Request.Context(), accountID, c.Param("contact"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// ResetQualityWarning re-arms the contact's quality warning.
func (h Handlers) ResetQualityWarning(c *gin.Context) {
	accountID, ok := accountFrom(c)
	if !ok {
		return
	}
	contact := c.Param("contact")
	a, err := h.Quality.ResetWarning(c.Request.Context(), accountID, contact)
	if err != nil {
		writeError(c, err)
		return
	}
	h.Audit.Record(c.Request.Context(), audit.Event{
		AccountID:     accountID,
		Type:          audit.EventTypeWarningReset,
		ContactNumber: contact,
		Message:       "tier " + string(a.Tier),
	})
	c.JSON(http.StatusOK, a)
}

// --- Reports ---

// CallsReport summarizes calls in [from, to). Both are RFC 3339; the range
// defaults to the last 24 hours.
func (h Handlers) CallsReport(c *gin.Context) {
	accountID, ok := accountFrom(c)
	if !ok {
		return
	}
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return
		}
	}
	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		AccountID: accountID,
		Direction: c.Query("direction"),
		Range:     reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- helpers ---

func accountFrom(c *gin.Context) (string, bool) {
	accountID, err := auth.AccountID(c.Request.Context())
	if err != nil || accountID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "account_id required"})
		return "", false
	}
	return accountID, true
}

func boolQuery(c *gin.Context, key string, def bool) (bool, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseBool(v)
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

// writeError maps domain errors to status codes.
func writeError(c *gin.Context, err error) {
	var (
		exceeded   *ratelimit.ExceededError
		delegation *telephony.DelegationError
	)
	switch {
	case errors.As(err, &exceeded):
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":            "rate_limited",
			"limit":            exceeded.Limit,
			"reset_in_seconds": ceilSeconds(exceeded.ResetIn),
		})
	case errors.As(err, &delegation):
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "provider_unavailable", "op": delegation.Op})
	case errors.Is(err, calls.ErrNotFound), errors.Is(err, quality.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, missed.ErrNotMissed):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "call_not_missed"})
	case errors.Is(err, utils.ErrPersistenceConflict):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "conflict, retry"})
	case errors.Is(err, missed.ErrInvalidArgument),
		errors.Is(err, calls.ErrInvalidArgument),
		errors.Is(err, quality.ErrInvalidArgument),
		errors.Is(err, ratelimit.ErrInvalidArgument),
		errors.Is(err, outbound.ErrInvalidArgument),
		errors.Is(err, reporting.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_argument"})
	default:
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
