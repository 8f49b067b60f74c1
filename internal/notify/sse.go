package notify

import (
	"io"
	"net/http"
	"time"

	"whatsapp-calling/pkg/logger"

	"github.com/gin-gonic/gin"
)

const heartbeatInterval = 20 * time.Second

// StreamHandler serves an account's events as server-sent events. account
// resolves the caller's account; an empty result is rejected with 401.
func (h *Hub) StreamHandler(account func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := account(c)
		if accountID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		sub := h.Subscribe(accountID)
		defer sub.Close()

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
		c.Writer.Flush()

		log := logger.FromGin(c)
		log.Info("event stream opened", "account_id", accountID)

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		ctx := c.Request.Context()
		c.Stream(func(w io.Writer) bool {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					return false
				}
				c.SSEvent(string(ev.Type), ev)
				return true
			case <-heartbeat.C:
				c.SSEvent("heartbeat", gin.H{"dropped": sub.Dropped()})
				return true
			case <-ctx.Done():
				return false
			}
		})
		log.Info("event stream closed", "account_id", accountID, "dropped", sub.Dropped())
	}
}
