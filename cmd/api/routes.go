package main

import (
	"net/http"

	"whatsapp-calling/internal/auth"
	"whatsapp-calling/internal/httpapi"
	"whatsapp-calling/internal/monitoring"
	"whatsapp-calling/internal/notify"
	"whatsapp-calling/internal/rbac"
	"whatsapp-calling/internal/telephony"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	Auth    *auth.Manager
	Metrics *monitoring.Metrics
	Hub     *notify.Hub
	Webhook telephony.WhatsAppWebhookHandler
	API     httpapi.Handlers
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", d.Metrics.GinHandler())

	// Provider webhooks (public). Authenticity is checked by the handler when
	// WHATSAPP_APP_SECRET is configured.
	r.GET("/webhooks/whatsapp", d.Webhook.Verify)
	r.POST("/webhooks/whatsapp", d.Webhook.Receive)

	v1 := r.Group("/v1")

	// AUTH routes (token issuance).
	// NOTE: Development only. No credentials are checked, so the route does not
	// exist outside local/dev.
	if d.API.DevLogin {
		v1.POST("/auth/login", d.API.Login)
	}

	// Browsers cannot set headers on EventSource, so this route alone also
	// accepts ?access_token=.
	v1.GET("/events",
		auth.RequireStreamToken(d.Auth),
		rbac.RequireAccount(),
		rbac.RequireAnyRole(rbac.Viewers...),
		d.Hub.StreamHandler(auth.GinAccountID),
	)

	protected := v1.Group("")
	protected.Use(auth.RequireAccessToken(d.Auth))
	protected.Use(rbac.RequireAccount())
	{
		protected.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			aid, _ := auth.AccountID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(http.StatusOK, gin.H{"user_id": uid, "account_id": aid, "role": role})
		})

		// Read-only views.
		view := protected.Group("")
		view.Use(rbac.RequireAnyRole(rbac.Viewers...))
		{
			view.GET("/calls/limits", d.API.GetRateLimit)
			view.GET("/calls/missed", d.API.ListMissed)
			view.GET("/quality/:contact", d.API.GetQuality)
			view.GET("/reports/calls", d.API.CallsReport)
		}

		// CALLS routes. Anything that dials, messages or mutates call state.
		ops := protected.Group("")
		ops.Use(rbac.RequireAnyRole(rbac.Operators...))
		{
			ops.POST("/calls", d.API.PlaceCall)
			ops.POST("/calls/missed/handled", d.API.BulkMarkHandled)
			ops.POST("/calls/missed/:call_id/callback", d.API.InitiateCallback)
			ops.POST("/calls/missed/:call_id/message", d.API.SendFollowup)
			ops.POST("/calls/missed/:call_id/handled", d.API.MarkHandled)
		}

		// ADMIN routes
		// Only owner/super_admin can clear a quality warning.
		// Hidden network_operator is intentionally NOT included unless explicitly desired.
		admin := protected.Group("")
		admin.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleSuperAdmin))
		{
			admin.POST("/quality/:contact/reset-warning", d.API.ResetQualityWarning)
		}
	}
}
