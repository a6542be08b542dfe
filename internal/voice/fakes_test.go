package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"recruit-voice/internal/callers"
	"recruit-voice/internal/capability"
)

type fakeDevice struct {
	mu       sync.Mutex
	m        *Manager
	commands []string
	lastCall string

	autoRegister bool
	registerErr  error
	connectErr   error
	rejectErr    error
}

func (d *fakeDevice) record(cmd string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, cmd)
}

func (d *fakeDevice) count(prefix string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.commands {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (d *fakeDevice) lastCallID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastCall
}

func (d *fakeDevice) Register(ctx context.Context, identity string, token capability.Token) error {
	d.record("register:" + identity)
	if d.registerErr != nil {
		return d.registerErr
	}
	if d.autoRegister {
		d.m.HandleEvent(Event{Kind: EventRegistered})
	}
	return nil
}

func (d *fakeDevice) UpdateToken(ctx context.Context, token capability.Token) error {
	d.record("update_token")
	return nil
}

func (d *fakeDevice) Connect(ctx context.Context, callID, to string) error {
	d.record("connect:" + to)
	d.mu.Lock()
	d.lastCall = callID
	d.mu.Unlock()
	return d.connectErr
}

func (d *fakeDevice) Accept(ctx context.Context, callID string) error {
	d.record("accept:" + callID)
	return nil
}

func (d *fakeDevice) Reject(ctx context.Context, callID string) error {
	d.record("reject:" + callID)
	return d.rejectErr
}

func (d *fakeDevice) Disconnect(ctx context.Context, callID string) error {
	d.record("disconnect:" + callID)
	return nil
}

func (d *fakeDevice) SetMuted(ctx context.Context, callID string, muted bool) error {
	if muted {
		d.record("mute:" + callID)
	} else {
		d.record("unmute:" + callID)
	}
	return nil
}

func (d *fakeDevice) Unregister(ctx context.Context) error {
	d.record("unregister")
	return nil
}

type fakeTokens struct {
	clock *fakeClock
	err   error
	calls int
	mu    sync.Mutex
}

func (f *fakeTokens) Token(ctx context.Context, identity string) (capability.Token, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return capability.Token{}, f.err
	}
	now := f.clock.Now()
	return capability.Token{Value: "tok", Identity: identity, IssuedAt: now, ExpiresAt: now.Add(time.Hour)}, nil
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs due timers on the calling goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

type emptyDirectory struct{}

func (emptyDirectory) FindPersonByPhoneSuffix(ctx context.Context, suffix string) (callers.Person, bool, error) {
	return callers.Person{}, false, nil
}

func (emptyDirectory) LatestApplicationForPerson(ctx context.Context, personID string) (callers.Application, bool, error) {
	return callers.Application{}, false, nil
}

// stuckResolver never answers until the session is torn down.
type stuckResolver struct{}

func (stuckResolver) Resolve(ctx context.Context, number string) (callers.Identity, error) {
	<-ctx.Done()
	return callers.Identity{}, errors.New("lookup abandoned")
}

type fixedResolver struct{ id callers.Identity }

func (f fixedResolver) Resolve(ctx context.Context, number string) (callers.Identity, error) {
	id := f.id
	id.Phone = number
	return id, nil
}

// gatedResolver answers only once release is closed.
type gatedResolver struct {
	release chan struct{}
	id      callers.Identity
}

func (g gatedResolver) Resolve(ctx context.Context, number string) (callers.Identity, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return callers.Identity{}, ctx.Err()
	}
	id := g.id
	id.Phone = number
	return id, nil
}
