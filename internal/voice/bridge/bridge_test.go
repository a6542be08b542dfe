package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"recruit-voice/internal/capability"
	"recruit-voice/internal/voice"

	"github.com/gorilla/websocket"
)

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(Options{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Serve(w, r, r.URL.Query().Get("identity"))
	}))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dialShim(t *testing.T, srv *httptest.Server, identity string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?identity=" + identity
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func collect(b *Bridge) chan voice.Event {
	events := make(chan voice.Event, 16)
	b.SetHandler(func(ev voice.Event) { events <- ev })
	return events
}

func waitEvent(t *testing.T, events chan voice.Event) voice.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for device event")
	}
	return voice.Event{}
}

func waitAttached(t *testing.T, b *Bridge) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !b.Attached() {
		if time.Now().After(deadline) {
			t.Fatalf("shim never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBridge_RegisterRelaysCommandAndEvents(t *testing.T) {
	hub, srv := startHub(t)
	b := hub.Device("agent")
	events := collect(b)

	conn := dialShim(t, srv, "agent")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Register(ctx, "agent", capability.Token{Value: "tok-1"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	var cmd Command
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&cmd); err != nil {
		t.Fatalf("read command: %v", err)
	}
	if cmd.Type != CmdRegister || cmd.Token != "tok-1" || cmd.Identity != "agent" {
		t.Fatalf("unexpected command: %+v", cmd)
	}

	if err := conn.WriteJSON(Frame{Type: "incoming", CallID: "c1", CallSID: "CA1", From: "+4598765432"}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	ev := waitEvent(t, events)
	if ev.Kind != voice.EventIncoming || ev.CallID != "c1" || ev.ProviderSID != "CA1" || ev.From != "+4598765432" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	if err := conn.WriteJSON(Frame{Type: "error", Error: "mic denied"}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	ev = waitEvent(t, events)
	if ev.Kind != voice.EventError || ev.Err == nil || ev.Err.Error() != "mic denied" {
		t.Fatalf("unexpected error event: %+v", ev)
	}
}

func TestBridge_UnknownFramesIgnored(t *testing.T) {
	hub, srv := startHub(t)
	b := hub.Device("agent")
	events := collect(b)
	conn := dialShim(t, srv, "agent")
	waitAttached(t, b)

	_ = conn.WriteJSON(Frame{Type: "bogus"})
	_ = conn.WriteJSON(Frame{Type: "registered"})

	if ev := waitEvent(t, events); ev.Kind != voice.EventRegistered {
		t.Fatalf("expected registered after skipping bogus frame, got %+v", ev)
	}
}

func TestBridge_DetachEmitsUnregistered(t *testing.T) {
	hub, srv := startHub(t)
	b := hub.Device("agent")
	events := collect(b)
	conn := dialShim(t, srv, "agent")
	waitAttached(t, b)

	_ = conn.Close()

	if ev := waitEvent(t, events); ev.Kind != voice.EventUnregistered {
		t.Fatalf("expected unregistered, got %+v", ev)
	}
	if b.Attached() {
		t.Fatalf("expected bridge to be detached")
	}
	if err := b.Connect(context.Background(), "c1", "+4511111111"); err != ErrNotAttached {
		t.Fatalf("expected ErrNotAttached, got %v", err)
	}
	if err := b.Unregister(context.Background()); err != nil {
		t.Fatalf("expected unregister without shim to be a no-op, got %v", err)
	}
}

func TestBridge_RegisterWithoutShimTimesOut(t *testing.T) {
	hub := NewHub(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := hub.Device("agent").Register(ctx, "agent", capability.Token{}); err != ErrNotAttached {
		t.Fatalf("expected ErrNotAttached, got %v", err)
	}
}

func TestHub_DevicePerIdentity(t *testing.T) {
	hub := NewHub(Options{})
	if hub.Device("a") != hub.Device("a") {
		t.Fatalf("expected same bridge for same identity")
	}
	if hub.Device("a") == hub.Device("b") {
		t.Fatalf("expected distinct bridges per identity")
	}
}

func TestCheckOrigin(t *testing.T) {
	check := CheckOrigin([]string{"https://app.example.com/"})
	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://api.example.com", true},
		{"https://app.example.com", true},
		{"https://evil.example.com", false},
		{"file://local", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "http://api.example.com/v1/phone/device", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := check(r); got != tc.want {
			t.Fatalf("origin %q: expected %v, got %v", tc.origin, tc.want, got)
		}
	}
}
