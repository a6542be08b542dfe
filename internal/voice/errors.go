package voice

import "errors"

// Precondition violations. These never change state.
var (
	ErrCallInProgress = errors.New("voice: a call is already in progress")
	ErrNotReady       = errors.New("voice: phone is not ready")
	ErrNoIncomingCall = errors.New("voice: no incoming call")
	ErrInvalidNumber  = errors.New("voice: invalid number")
	ErrDestroyed      = errors.New("voice: session destroyed")
)

// Runtime failures surfaced to the user.
var (
	ErrTokenFetch     = errors.New("voice: token fetch failed")
	ErrRegistration   = errors.New("voice: endpoint registration failed")
	ErrPlacement      = errors.New("voice: call placement failed")
	ErrSuperseded     = errors.New("voice: initialize superseded")
	ErrEndpointLost   = errors.New("voice: endpoint lost")
	ErrIdentityInUse  = errors.New("voice: identity registered elsewhere")
	ErrUnknownSession = errors.New("voice: no session for identity")
)
