package telephony

import (
	"errors"
	"strings"

	"recruit-voice/internal/callers"
)

// Decision is what the calling application tells the provider to do with a call.
type Decision struct {
	Action CallAction `json:"action"`

	// Target is the number (dial_number) or client identity (dial_client).
	Target string `json:"target,omitempty"`

	// CallerID is presented to the callee on dial_number.
	CallerID string `json:"caller_id,omitempty"`

	// Reason is set on reject.
	Reason string `json:"reason,omitempty"`
}

type CallAction string

const (
	ActionDialNumber CallAction = "dial_number"
	ActionDialClient CallAction = "dial_client"
	ActionReject     CallAction = "reject"
	ActionHangup     CallAction = "hangup"
)

var ErrMissingDestination = errors.New("telephony: outgoing call has no destination")

// Presence reports whether an agent identity has a live phone session.
type Presence interface {
	Online(identity string) bool
}

// Router decides how the calling application routes calls. It makes no
// network calls.
type Router struct {
	// CallerID is the company number shown on outgoing calls.
	CallerID string

	// AgentIdentity receives inbound calls to the company number.
	AgentIdentity string

	// Presence is optional; without it inbound calls always ring the agent.
	Presence Presence
}

// Outgoing routes a call placed from a browser endpoint to a phone number.
func (r Router) Outgoing(f VoiceForm) (Decision, error) {
	to := strings.TrimSpace(f.To)
	if callers.Normalize(to) == "" {
		return Decision{Action: ActionReject, Reason: "rejected"}, ErrMissingDestination
	}
	return Decision{Action: ActionDialNumber, Target: to, CallerID: r.CallerID}, nil
}

// Incoming routes a PSTN call to the company number onto the agent endpoint.
// Nobody to ring means the caller hears busy.
func (r Router) Incoming(f VoiceForm) Decision {
	id := strings.TrimSpace(r.AgentIdentity)
	if id == "" {
		return Decision{Action: ActionReject, Reason: "busy"}
	}
	if r.Presence != nil && !r.Presence.Online(id) {
		return Decision{Action: ActionReject, Reason: "busy"}
	}
	return Decision{Action: ActionDialClient, Target: id}
}
