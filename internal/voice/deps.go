package voice

import (
	"context"
	"time"

	"recruit-voice/internal/callers"
	"recruit-voice/internal/calllog"
	"recruit-voice/internal/capability"
)

// TokenSource fetches capability tokens for an identity.
type TokenSource interface {
	Token(ctx context.Context, identity string) (capability.Token, error)
}

// Device is the calling endpoint at the provider boundary.
//
// Methods only send commands; their results arrive later through
// Manager.HandleEvent. Implementations must not call HandleEvent
// synchronously while holding their own locks.
type Device interface {
	Register(ctx context.Context, identity string, token capability.Token) error
	UpdateToken(ctx context.Context, token capability.Token) error
	Connect(ctx context.Context, callID, to string) error
	Accept(ctx context.Context, callID string) error
	Reject(ctx context.Context, callID string) error
	Disconnect(ctx context.Context, callID string) error
	SetMuted(ctx context.Context, callID string, muted bool) error
	Unregister(ctx context.Context) error
}

// CallerResolver looks up who is calling. It may take arbitrarily long.
type CallerResolver interface {
	Resolve(ctx context.Context, number string) (callers.Identity, error)
}

// OutcomeRecorder writes the communication log. It must swallow its own errors.
type OutcomeRecorder interface {
	Record(ctx context.Context, o calllog.Outcome)
}

// Clock is injectable for deterministic cooldown tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
