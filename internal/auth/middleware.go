package auth

import (
	"net/http"
	"strings"
	"time"

	"whatsapp-calling/internal/audit"

	"github.com/gin-gonic/gin"
)

const authorizationHeader = "Authorization"
const bearerPrefix = "Bearer "

// queryTokenParam carries the token for clients that cannot set headers
// (browser EventSource).
const queryTokenParam = "access_token"

// RequireAccessToken verifies an access token and injects identity into request context.
// It does not perform RBAC checks; those belong to internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
		if raw == "" || !strings.HasPrefix(raw, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		authenticate(c, m, strings.TrimPrefix(raw, bearerPrefix))
	}
}

// RequireStreamToken is RequireAccessToken that also accepts the token as the
// access_token query parameter. Use it only on event-stream routes.
func RequireStreamToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
		tok := strings.TrimPrefix(raw, bearerPrefix)
		if raw == "" || !strings.HasPrefix(raw, bearerPrefix) {
			tok = strings.TrimSpace(c.Query(queryTokenParam))
		}
		if tok == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		authenticate(c, m, tok)
	}
}

func authenticate(c *gin.Context, m *Manager, tok string) {
	claims, err := m.Verify(tok, TokenTypeAccess, time.Now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	ctx := WithIdentity(c.Request.Context(), claims.UserID, claims.AccountID, claims.Role)
	ctx = audit.WithActor(ctx, audit.Actor{UserID: claims.UserID, Role: claims.Role, IP: c.ClientIP()})
	c.Request = c.Request.WithContext(ctx)

	// Also store on gin context for handler convenience.
	c.Set("user_id", claims.UserID)
	c.Set("account_id", claims.AccountID)
	c.Set("role", claims.Role)

	c.Next()
}
