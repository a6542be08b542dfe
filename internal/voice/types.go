package voice

import (
	"time"

	"recruit-voice/internal/callers"
)

// State is the phone's position in the session state machine.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateConnecting    State = "connecting"
	StateIncoming      State = "incoming"
	StateActive        State = "active"
	StateDisconnected  State = "disconnected"
	StateError         State = "error"
)

// RegistrationStatus tracks the endpoint registration with the provider.
type RegistrationStatus string

const (
	RegistrationUnregistered RegistrationStatus = "unregistered"
	RegistrationRegistering  RegistrationStatus = "registering"
	RegistrationRegistered   RegistrationStatus = "registered"
	RegistrationError        RegistrationStatus = "error"
)

type TokenStatus string

const (
	TokenNone     TokenStatus = "none"
	TokenFetching TokenStatus = "fetching"
	TokenValid    TokenStatus = "valid"
	TokenExpired  TokenStatus = "expired"
	TokenError    TokenStatus = "error"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Call is the single call slot of a session.
type Call struct {
	// ID is the local key shared with the device for this call.
	ID string `json:"id"`
	// ProviderSID may arrive after the call is placed.
	ProviderSID string `json:"provider_sid,omitempty"`

	Direction Direction `json:"direction"`
	Remote    string    `json:"remote"`

	// StartedAt is set when the call becomes active.
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`

	Muted bool  `json:"muted"`
	State State `json:"state"`

	// Caller is the resolved identity kept for the duration of the call.
	Caller *callers.Identity `json:"caller,omitempty"`

	// AuthorID is the user who placed, answered or ended the call.
	AuthorID string `json:"author_id,omitempty"`
}

// Registration is the one endpoint a session owns.
type Registration struct {
	Identity  string             `json:"identity"`
	Status    RegistrationStatus `json:"status"`
	LastError string             `json:"last_error,omitempty"`
}

// Debug is diagnostic information for the phone widget.
type Debug struct {
	TokenStatus    TokenStatus        `json:"token_status"`
	TokenExpiresAt time.Time          `json:"token_expires_at,omitempty"`
	EndpointStatus RegistrationStatus `json:"endpoint_status"`
	LastError      string             `json:"last_error,omitempty"`
}

// Snapshot is a read-only copy of the session for display.
type Snapshot struct {
	State    State             `json:"state"`
	Identity string            `json:"identity"`
	Call     *Call             `json:"call,omitempty"`
	LastCall *Call             `json:"last_call,omitempty"`
	Caller   *callers.Identity `json:"caller,omitempty"`
	Debug    Debug             `json:"debug"`
}

// Notification is a toast (and optional platform notification) for the user.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	// Kind lets the browser choose an icon: "incoming", "caller", "error".
	Kind string `json:"kind"`
}

// Change is published to subscribers on every state transition or notification.
type Change struct {
	Seq          uint64        `json:"seq"`
	At           time.Time     `json:"at"`
	Snapshot     Snapshot      `json:"snapshot"`
	Notification *Notification `json:"notification,omitempty"`
}

// EventKind names an asynchronous event delivered by the device.
type EventKind string

const (
	EventRegistered      EventKind = "registered"
	EventUnregistered    EventKind = "unregistered"
	EventIncoming        EventKind = "incoming"
	EventAccepted        EventKind = "accepted"
	EventDisconnected    EventKind = "disconnected"
	EventCancelled       EventKind = "cancelled"
	EventError           EventKind = "error"
	EventTokenWillExpire EventKind = "token_will_expire"
	EventCallSID         EventKind = "call_sid"
)

// Event is one provider event. CallID is empty for endpoint-level events.
type Event struct {
	Kind        EventKind
	CallID      string
	ProviderSID string
	From        string
	Err         error
}
