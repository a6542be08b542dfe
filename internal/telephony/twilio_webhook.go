package telephony

import (
	"net/http"
	"strings"
)

// VoiceForm captures the subset of voice webhook fields we care about.
// Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/twiml
type VoiceForm struct {
	CallSid    string
	AccountSid string
	From       string
	To         string
	Direction  string
	CallStatus string
	ApiVersion string
	CallerName string
}

func ParseVoiceForm(r *http.Request) (VoiceForm, error) {
	if err := r.ParseForm(); err != nil {
		return VoiceForm{}, err
	}
	return VoiceForm{
		CallSid:    r.PostFormValue("CallSid"),
		AccountSid: r.PostFormValue("AccountSid"),
		From:       normalizePhone(r.PostFormValue("From")),
		To:         normalizePhone(r.PostFormValue("To")),
		Direction:  r.PostFormValue("Direction"),
		CallStatus: r.PostFormValue("CallStatus"),
		ApiVersion: r.PostFormValue("ApiVersion"),
		CallerName: r.PostFormValue("CallerName"),
	}, nil
}

// ClientIdentity returns the identity of a browser endpoint caller
// ("client:agent" → "agent"), or "" if From is a phone number.
func (f VoiceForm) ClientIdentity() string {
	if id, ok := strings.CutPrefix(f.From, "client:"); ok {
		return id
	}
	return ""
}

func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	// Twilio sometimes sends "anonymous" or empty; keep as-is.
	return s
}
