package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"recruit-voice/internal/capability"
	"recruit-voice/internal/observability"
	"recruit-voice/internal/voice"

	"github.com/gorilla/websocket"
)

var (
	ErrNotAttached = errors.New("bridge: no device attached")
	ErrQueueFull   = errors.New("bridge: device queue full")
)

const (
	outboundQueue = 64
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingEvery     = 30 * time.Second
	maxFrameBytes = 64 << 10
)

// Bridge is the voice.Device for one identity. Commands are relayed to the
// browser shim attached over a websocket; frames coming back are handed to
// the event handler. Only the most recently attached shim is live.
type Bridge struct {
	identity string
	log      *slog.Logger
	metrics  *observability.Metrics

	mu       sync.Mutex
	handler  func(voice.Event)
	out      chan Command
	attached chan struct{}
	connSeq  uint64
	kick     context.CancelFunc
}

var _ voice.Device = (*Bridge)(nil)

func newBridge(identity string, log *slog.Logger, metrics *observability.Metrics) *Bridge {
	return &Bridge{
		identity: identity,
		log:      log.With("identity", identity),
		metrics:  metrics,
		attached: make(chan struct{}),
	}
}

// SetHandler installs the receiver for device events, normally
// Manager.HandleEvent.
func (b *Bridge) SetHandler(h func(voice.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// Attached reports whether a shim is connected.
func (b *Bridge) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.out != nil
}

// Register waits for a shim to attach (bounded by ctx) and asks it to
// register the endpoint.
func (b *Bridge) Register(ctx context.Context, identity string, token capability.Token) error {
	b.mu.Lock()
	attached := b.attached
	b.mu.Unlock()

	select {
	case <-attached:
	case <-ctx.Done():
		return ErrNotAttached
	}
	return b.send(ctx, Command{Type: CmdRegister, Identity: identity, Token: token.Value})
}

func (b *Bridge) UpdateToken(ctx context.Context, token capability.Token) error {
	return b.send(ctx, Command{Type: CmdUpdateToken, Token: token.Value})
}

func (b *Bridge) Connect(ctx context.Context, callID, to string) error {
	return b.send(ctx, Command{Type: CmdConnect, CallID: callID, To: to})
}

func (b *Bridge) Accept(ctx context.Context, callID string) error {
	return b.send(ctx, Command{Type: CmdAccept, CallID: callID})
}

func (b *Bridge) Reject(ctx context.Context, callID string) error {
	return b.send(ctx, Command{Type: CmdReject, CallID: callID})
}

func (b *Bridge) Disconnect(ctx context.Context, callID string) error {
	return b.send(ctx, Command{Type: CmdDisconnect, CallID: callID})
}

func (b *Bridge) SetMuted(ctx context.Context, callID string, muted bool) error {
	return b.send(ctx, Command{Type: CmdMute, CallID: callID, Muted: muted})
}

// Unregister tolerates a missing shim: with nothing attached there is no
// endpoint left to release.
func (b *Bridge) Unregister(ctx context.Context) error {
	err := b.send(ctx, Command{Type: CmdUnregister})
	if errors.Is(err, ErrNotAttached) {
		return nil
	}
	return err
}

func (b *Bridge) send(ctx context.Context, cmd Command) error {
	b.mu.Lock()
	out := b.out
	b.mu.Unlock()
	if out == nil {
		return ErrNotAttached
	}
	select {
	case out <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (b *Bridge) emit(ev voice.Event) {
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// attach makes out the live queue, kicking any previous shim. It reports
// whether one was kicked.
func (b *Bridge) attach(out chan Command, kick context.CancelFunc) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.kick != nil {
		b.kick()
	}
	replaced := b.out != nil
	b.connSeq++
	b.out = out
	b.kick = kick
	if !replaced {
		close(b.attached)
	}
	return b.connSeq, replaced
}

// detach reports whether seq was still the live connection.
func (b *Bridge) detach(seq uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq != b.connSeq {
		return false
	}
	b.out = nil
	b.kick = nil
	b.attached = make(chan struct{})
	return true
}

// serve runs one shim connection until it drops or is replaced.
func (b *Bridge) serve(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan Command, outboundQueue)
	seq, replaced := b.attach(out, cancel)
	b.log.Info("device attached", "replaced", replaced)
	if replaced {
		// The new shim starts unregistered; the old endpoint is gone with its page.
		b.emit(voice.Event{Kind: voice.EventUnregistered})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		b.writeLoop(ctx, conn, out)
		_ = conn.Close()
	}()

	b.readLoop(ctx, conn)
	cancel()
	<-writerDone

	if b.detach(seq) {
		b.log.Info("device detached")
		b.emit(voice.Event{Kind: voice.EventUnregistered})
	}
}

func (b *Bridge) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan Command) {
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case cmd := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(cmd); err != nil {
				b.log.Warn("device write failed", "type", cmd.Type, "err", err)
				return
			}
			b.metrics.DeviceFrame("outbound", cmd.Type)
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for ctx.Err() == nil {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.log.Warn("device read failed", "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		ev, err := f.event()
		if err != nil {
			b.metrics.DeviceFrame("inbound", "unknown")
			b.log.Debug("ignoring device frame", "type", f.Type)
			continue
		}
		b.metrics.DeviceFrame("inbound", f.Type)
		b.emit(ev)
	}
}
