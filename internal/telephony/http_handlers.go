package telephony

import (
	"net/http"

	"recruit-voice/pkg/logger"

	"github.com/gin-gonic/gin"
)

// VoiceWebhookHandler serves the calling application's voice URLs: it
// parses the webhook, asks the Router, and writes TwiML.
type VoiceWebhookHandler struct {
	Router Router
}

// HandleOutgoing is the voice URL for calls placed from a browser endpoint.
func (h VoiceWebhookHandler) HandleOutgoing(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := ParseVoiceForm(c.Request)
	if err != nil {
		log.Warn("twilio webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	d, err := h.Router.Outgoing(form)
	if err != nil {
		log.Warn("outgoing call rejected", "call_sid", form.CallSid, "client", form.ClientIdentity(), "err", err)
	} else {
		log.Info("outgoing call", "call_sid", form.CallSid, "client", form.ClientIdentity(), "to", form.To)
	}
	h.write(c, d)
}

// HandleIncoming is the voice URL of the company number.
func (h VoiceWebhookHandler) HandleIncoming(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := ParseVoiceForm(c.Request)
	if err != nil {
		log.Warn("twilio webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	d := h.Router.Incoming(form)
	log.Info("incoming call", "call_sid", form.CallSid, "from", form.From, "action", d.Action)
	h.write(c, d)
}

func (h VoiceWebhookHandler) write(c *gin.Context, d Decision) {
	twiml, err := RenderTwiML(d)
	if err != nil {
		logger.FromGin(c).Error("twiml render failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}
