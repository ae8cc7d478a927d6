// Package api exposes the coordinator's small event/query surface over
// HTTP: remaining time, extend, expire, grace requests. Rendering and
// business data stay with the UI collaborators.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goatkit/sessionclock/internal/clock"
	"github.com/goatkit/sessionclock/internal/grace"
	"github.com/goatkit/sessionclock/internal/guard"
	"github.com/goatkit/sessionclock/internal/models"
	"github.com/goatkit/sessionclock/internal/token"
)

// Handlers binds the coordinator components to HTTP routes.
type Handlers struct {
	clock  *clock.Clock
	ledger *grace.Ledger
	guard  *guard.Guard
	tokens *token.Manager
}

// NewHandlers creates the HTTP surface for the given components.
func NewHandlers(c *clock.Clock, l *grace.Ledger, g *guard.Guard, t *token.Manager) *Handlers {
	return &Handlers{clock: c, ledger: l, guard: g, tokens: t}
}

// Register mounts all routes on the router.
func (h *Handlers) Register(r *gin.Engine) {
	r.GET("/api/session/status", h.handleStatus)
	r.POST("/api/session/extend", h.handleExtend)
	r.POST("/api/session/expire", h.handleExpire)
	r.POST("/api/session/activity", h.handleActivity)
	r.POST("/api/session/grace", h.handleGrace)
	r.POST("/api/session/critical/clear", h.handleForceClear)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (h *Handlers) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"status":  h.clock.CurrentStatus(c.Request.Context()),
	})
}

func (h *Handlers) handleExtend(c *gin.Context) {
	if err := h.clock.Extend(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"error":   "no valid session to extend",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handlers) handleExpire(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	reason := models.ExpiryReason(req.Reason)
	switch reason {
	case models.ExpiryInactivity, models.ExpiryAbsoluteLimit, models.ExpiryExternal:
	default:
		reason = models.ExpiryUnknown
	}
	h.clock.Expire(c.Request.Context(), reason)
	c.JSON(http.StatusOK, gin.H{"success": true, "reason": reason})
}

func (h *Handlers) handleActivity(c *gin.Context) {
	h.tokens.RecordActivity(c.Request.Context(), time.Now())
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handlers) handleGrace(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "reason is required",
		})
		return
	}
	rec := h.ledger.Start(c.Request.Context(), models.GraceReason(req.Reason))
	if rec == nil {
		// Budget exhausted or unknown reason: fail closed, expiry
		// evaluation proceeds normally.
		c.JSON(http.StatusTooManyRequests, gin.H{
			"success": false,
			"error":   "grace period rejected",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"reason":     rec.Reason,
		"expires_at": rec.ExpiresAt(),
	})
}

func (h *Handlers) handleForceClear(c *gin.Context) {
	h.guard.ForceClear(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"success": true})
}
