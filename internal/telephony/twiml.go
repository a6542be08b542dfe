package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// TwiML is a minimal Twilio Markup Language response builder.
// Only the verbs the calling application needs.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlReject struct {
	XMLName xml.Name `xml:"Reject"`
	Reason  string   `xml:"reason,attr,omitempty"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlDial struct {
	XMLName  xml.Name `xml:"Dial"`
	CallerID string   `xml:"callerId,attr,omitempty"`
	Number   string   `xml:"Number,omitempty"`
	Client   string   `xml:"Client,omitempty"`
}

// RenderTwiML maps a Decision to TwiML.
func RenderTwiML(d Decision) (string, error) {
	var r twimlResponse

	switch d.Action {
	case ActionReject:
		reason := d.Reason
		if reason == "" {
			reason = "busy"
		}
		r.Verbs = append(r.Verbs, twimlReject{Reason: reason})
	case ActionHangup:
		r.Verbs = append(r.Verbs, twimlHangup{})
	case ActionDialNumber:
		if strings.TrimSpace(d.Target) == "" {
			return "", errors.New("telephony: target required for dial_number")
		}
		r.Verbs = append(r.Verbs, twimlDial{CallerID: d.CallerID, Number: d.Target})
	case ActionDialClient:
		if strings.TrimSpace(d.Target) == "" {
			return "", errors.New("telephony: target required for dial_client")
		}
		r.Verbs = append(r.Verbs, twimlDial{Client: d.Target})
	default:
		return "", errors.New("telephony: unknown call action")
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
