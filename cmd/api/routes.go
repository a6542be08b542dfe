package main

import (
	"database/sql"
	"net/http"
	"time"

	"recruit-voice/internal/config"
	"recruit-voice/internal/httpapi"
	"recruit-voice/internal/observability"
	"recruit-voice/internal/rbac"
	"recruit-voice/internal/telephony"
	"recruit-voice/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

type routeDeps struct {
	cfg          config.Config
	handlers     httpapi.Handlers
	authMW       gin.HandlerFunc
	tokenLimiter *httpapi.IPRateLimiter
	presence     telephony.Presence
	gatherer     prometheus.Gatherer
	db           *sql.DB
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	h := d.handlers

	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), d.db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(observability.MetricsHandler(d.gatherer)))

	// Calling application webhooks, signed by the provider.
	{
		wh := telephony.VoiceWebhookHandler{Router: telephony.Router{
			CallerID:      d.cfg.Twilio.CallerID,
			AgentIdentity: d.cfg.Twilio.DefaultIdentity,
			Presence:      d.presence,
		}}
		hooks := r.Group("/webhooks/twilio/voice")
		if d.cfg.Twilio.AuthToken != "" {
			hooks.Use(telephony.RequireSignature(d.cfg.Twilio.AuthToken, d.cfg.Twilio.WebhookBaseURL))
		}
		hooks.POST("/outgoing", wh.HandleOutgoing)
		hooks.POST("/incoming", wh.HandleIncoming)
	}

	if h.DevLogin {
		r.POST("/v1/auth/login", h.Login)
	}

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(d.authMW, rbac.RequireUser())
	{
		v1.GET("/me", h.Me)

		voice := v1.Group("/voice")
		voice.Use(rbac.RequireAnyRole(rbac.RoleRecruiter), d.tokenLimiter.Middleware())
		{
			voice.POST("/token", h.IssueToken)
			voice.GET("/token", h.IssueToken)
		}

		phone := v1.Group("/phone")
		phone.Use(rbac.RequireAnyRole(rbac.RoleRecruiter))
		h.PhoneRoutes(phone)
	}
}
