package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"recruit-voice/internal/auth"
	"recruit-voice/internal/capability"
	"recruit-voice/internal/observability"
	"recruit-voice/internal/voice"
	"recruit-voice/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth *auth.Manager
	// DevLogin enables the credential-less login used in local development.
	DevLogin bool

	// Issuer is nil when capability credentials are not configured;
	// IssuerErr then explains why and is returned per request.
	Issuer    TokenIssuer
	IssuerErr error

	Sessions Sessions
	Devices  DeviceServer
	Metrics  *observability.Metrics

	// DefaultIdentity is the phone used when a request names none.
	DefaultIdentity string
	// InitTimeout bounds how long initialize waits for registration.
	InitTimeout time.Duration
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
}

type TokenIssuer interface {
	Issue(now time.Time, identity string) (capability.Token, error)
}

// Sessions is the phone session registry.
type Sessions interface {
	Open(ctx context.Context, identity string) (*voice.Manager, error)
	Get(identity string) (*voice.Manager, error)
	Close(identity string) error
}

// DeviceServer attaches a browser device shim to identity's session.
type DeviceServer interface {
	Serve(w http.ResponseWriter, r *http.Request, identity string) error
}

const (
	defaultInitTimeout = 30 * time.Second
	defaultHeartbeat   = 25 * time.Second
)

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair without checking credentials. It is only
// routed when DevLogin is set.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil || !h.DevLogin {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

func (h Handlers) Me(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"user_id": uid, "role": role})
}

// --- Capability token ---

type tokenRequest struct {
	Identity string `json:"identity"`
}

// IssueToken returns a voice capability token. The identity comes from the
// JSON body (POST) or the identity query parameter (GET); empty means the
// configured default.
func (h Handlers) IssueToken(c *gin.Context) {
	if h.Issuer == nil {
		h.Metrics.TokenIssued("config_error")
		msg := "capability token issuer not configured"
		if h.IssuerErr != nil {
			msg = h.IssuerErr.Error()
		}
		logger.FromGin(c).Error("token issue refused", "err", msg)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": msg})
		return
	}

	var req tokenRequest
	if c.Request.Method == http.MethodPost && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.Metrics.TokenIssued("bad_request")
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	} else {
		req.Identity = c.Query("identity")
	}

	tok, err := h.Issuer.Issue(time.Now(), req.Identity)
	if err != nil {
		h.Metrics.TokenIssued("error")
		logger.FromGin(c).Error("token issue failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	h.Metrics.TokenIssued("ok")
	c.JSON(http.StatusOK, tok)
}

// phoneIdentity picks the session a request addresses.
func (h Handlers) phoneIdentity(c *gin.Context) string {
	if id := strings.TrimSpace(c.Query("identity")); id != "" {
		return id
	}
	return h.DefaultIdentity
}

// actor is the authenticated user behind the request, empty when the route is
// not behind the auth middleware.
func actor(c *gin.Context) string {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		return ""
	}
	return uid
}
