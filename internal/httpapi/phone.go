package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"recruit-voice/internal/callers"
	"recruit-voice/internal/capability"
	"recruit-voice/internal/voice"
	"recruit-voice/pkg/logger"

	"github.com/gin-gonic/gin"
)

// PhoneRoutes mounts the phone surface on g.
func (h Handlers) PhoneRoutes(g *gin.RouterGroup) {
	g.GET("", h.GetPhone)
	g.DELETE("", h.Destroy)
	g.POST("/initialize", h.Initialize)
	g.POST("/calls", h.PlaceCall)
	g.POST("/hangup", h.Hangup)
	g.POST("/mute", h.Mute)
	g.POST("/unmute", h.Unmute)
	g.POST("/accept", h.Accept)
	g.POST("/reject", h.Reject)
	g.GET("/events", h.Events)
	g.GET("/device", h.Device)
}

// statusFor maps session errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, voice.ErrInvalidNumber):
		return http.StatusBadRequest
	case errors.Is(err, voice.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, voice.ErrCallInProgress),
		errors.Is(err, voice.ErrNotReady),
		errors.Is(err, voice.ErrNoIncomingCall),
		errors.Is(err, voice.ErrIdentityInUse),
		errors.Is(err, voice.ErrSuperseded),
		errors.Is(err, voice.ErrDestroyed):
		return http.StatusConflict
	case errors.Is(err, capability.ErrMissingConfig):
		return http.StatusInternalServerError
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, voice.ErrTokenFetch),
		errors.Is(err, voice.ErrRegistration),
		errors.Is(err, voice.ErrPlacement):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.FromGin(c).Error("phone request failed", "err", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func idleSnapshot(identity string) voice.Snapshot {
	return voice.Snapshot{
		State:    voice.StateUninitialized,
		Identity: identity,
		Debug: voice.Debug{
			TokenStatus:    voice.TokenNone,
			EndpointStatus: voice.RegistrationUnregistered,
		},
	}
}

// session returns the live manager for the request, or aborts with 404.
func (h Handlers) session(c *gin.Context) (*voice.Manager, bool) {
	m, err := h.Sessions.Get(h.phoneIdentity(c))
	if err != nil {
		abortWithError(c, err)
		return nil, false
	}
	return m, true
}

type initializeRequest struct {
	Identity string `json:"identity"`
}

// Initialize opens the session and registers its endpoint, waiting until the
// phone is ready or registration fails.
func (h Handlers) Initialize(c *gin.Context) {
	var req initializeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	identity := strings.TrimSpace(req.Identity)
	if identity == "" {
		identity = h.phoneIdentity(c)
	}

	m, err := h.Sessions.Open(c.Request.Context(), identity)
	if err != nil {
		abortWithError(c, err)
		return
	}

	timeout := h.InitTimeout
	if timeout <= 0 {
		timeout = defaultInitTimeout
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()
	if err := m.Initialize(ctx, identity, voice.WithOperator(actor(c))); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, m.Snapshot())
}

func (h Handlers) GetPhone(c *gin.Context) {
	identity := h.phoneIdentity(c)
	m, err := h.Sessions.Get(identity)
	if errors.Is(err, voice.ErrUnknownSession) {
		c.JSON(http.StatusOK, idleSnapshot(identity))
		return
	}
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, m.Snapshot())
}

type placeCallRequest struct {
	Number string `json:"number"`

	// Optional pipeline link for the communication log.
	PersonID      string `json:"person_id"`
	ApplicationID string `json:"application_id"`
	Name          string `json:"name"`
}

func (h Handlers) PlaceCall(c *gin.Context) {
	var req placeCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	m, ok := h.session(c)
	if !ok {
		return
	}
	callee := callers.Identity{
		Name:          req.Name,
		Phone:         req.Number,
		PersonID:      req.PersonID,
		ApplicationID: req.ApplicationID,
		Known:         req.PersonID != "",
	}
	if err := m.PlaceCall(c.Request.Context(), req.Number, voice.WithCallee(callee), voice.WithAuthor(actor(c))); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, m.Snapshot())
}

func (h Handlers) Hangup(c *gin.Context) {
	m, ok := h.session(c)
	if !ok {
		return
	}
	m.Hangup(voice.WithAuthor(actor(c)))
	c.JSON(http.StatusOK, m.Snapshot())
}

func (h Handlers) Mute(c *gin.Context) {
	m, ok := h.session(c)
	if !ok {
		return
	}
	m.Mute()
	c.JSON(http.StatusOK, m.Snapshot())
}

func (h Handlers) Unmute(c *gin.Context) {
	m, ok := h.session(c)
	if !ok {
		return
	}
	m.Unmute()
	c.JSON(http.StatusOK, m.Snapshot())
}

func (h Handlers) Accept(c *gin.Context) {
	m, ok := h.session(c)
	if !ok {
		return
	}
	if err := m.AcceptIncomingCall(c.Request.Context(), voice.WithAuthor(actor(c))); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, m.Snapshot())
}

func (h Handlers) Reject(c *gin.Context) {
	m, ok := h.session(c)
	if !ok {
		return
	}
	if err := m.RejectIncomingCall(c.Request.Context(), voice.WithAuthor(actor(c))); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, m.Snapshot())
}

// Destroy tears the session down. Destroying a phone that has no session is
// not an error.
func (h Handlers) Destroy(c *gin.Context) {
	err := h.Sessions.Close(h.phoneIdentity(c))
	if err != nil && !errors.Is(err, voice.ErrUnknownSession) {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Events streams every Change of the session as server-sent events. The
// session is opened if needed so the widget can subscribe before initialize.
func (h Handlers) Events(c *gin.Context) {
	m, err := h.Sessions.Open(c.Request.Context(), h.phoneIdentity(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	changes, cancel := m.Subscribe(16)
	defer cancel()

	interval := h.Heartbeat
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	done := c.Request.Context().Done()
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-done:
			return false
		case ch, ok := <-changes:
			if !ok {
				c.SSEvent("closed", idleSnapshot(m.Identity()))
				return false
			}
			c.SSEvent("change", ch)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			return true
		}
	})
}

// Device upgrades to the device-shim websocket for the session. It blocks
// for the life of the connection.
func (h Handlers) Device(c *gin.Context) {
	identity := h.phoneIdentity(c)
	if _, err := h.Sessions.Open(c.Request.Context(), identity); err != nil {
		abortWithError(c, err)
		return
	}
	if err := h.Devices.Serve(c.Writer, c.Request, identity); err != nil {
		logger.FromGin(c).Warn("device upgrade failed", "identity", identity, "err", err)
	}
}
