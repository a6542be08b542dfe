package bridge

import (
	"errors"

	"recruit-voice/internal/voice"
)

// Command types sent to the browser shim.
const (
	CmdRegister    = "register"
	CmdUpdateToken = "update_token"
	CmdConnect     = "connect"
	CmdAccept      = "accept"
	CmdReject      = "reject"
	CmdDisconnect  = "disconnect"
	CmdMute        = "mute"
	CmdUnregister  = "unregister"
)

// Command is a server to shim frame. The shim maps each one onto the
// provider's browser SDK.
type Command struct {
	Type     string `json:"type"`
	CallID   string `json:"call_id,omitempty"`
	To       string `json:"to,omitempty"`
	Token    string `json:"token,omitempty"`
	Identity string `json:"identity,omitempty"`
	Muted    bool   `json:"muted,omitempty"`
}

// Frame is a shim to server event. Type is one of the voice.EventKind values.
type Frame struct {
	Type    string `json:"type"`
	CallID  string `json:"call_id,omitempty"`
	CallSID string `json:"call_sid,omitempty"`
	From    string `json:"from,omitempty"`
	Error   string `json:"error,omitempty"`
}

var errUnknownFrame = errors.New("bridge: unknown frame type")

func (f Frame) event() (voice.Event, error) {
	kind := voice.EventKind(f.Type)
	switch kind {
	case voice.EventRegistered, voice.EventUnregistered, voice.EventIncoming,
		voice.EventAccepted, voice.EventDisconnected, voice.EventCancelled,
		voice.EventError, voice.EventTokenWillExpire, voice.EventCallSID:
	default:
		return voice.Event{}, errUnknownFrame
	}
	ev := voice.Event{Kind: kind, CallID: f.CallID, ProviderSID: f.CallSID, From: f.From}
	if f.Error != "" {
		ev.Err = errors.New(f.Error)
	}
	return ev, nil
}
