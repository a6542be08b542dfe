package bridge

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"recruit-voice/internal/observability"

	"github.com/gorilla/websocket"
)

type Options struct {
	// AllowedOrigins lists browser origins allowed to attach. Empty means
	// same-origin only.
	AllowedOrigins []string
	Logger         *slog.Logger
	Metrics        *observability.Metrics
}

// Hub owns one Bridge per identity and upgrades shim connections onto them.
type Hub struct {
	upgrader websocket.Upgrader
	log      *slog.Logger
	metrics  *observability.Metrics

	mu      sync.Mutex
	bridges map[string]*Bridge
}

func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     CheckOrigin(opts.AllowedOrigins),
		},
		log:     opts.Logger.With("component", "device_bridge"),
		metrics: opts.Metrics,
		bridges: map[string]*Bridge{},
	}
}

// Device returns the bridge for identity, creating it on first use.
func (h *Hub) Device(identity string) *Bridge {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.bridges[identity]
	if !ok {
		b = newBridge(identity, h.log, h.metrics)
		h.bridges[identity] = b
	}
	return b
}

// Serve upgrades r and attaches the shim to identity's bridge. It blocks
// until the connection ends.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, identity string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return err
	}
	h.Device(identity).serve(r.Context(), conn)
	return nil
}

// CheckOrigin allows requests without an Origin header (non-browser
// clients), same-origin requests, and the listed origins.
func CheckOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		for _, a := range allowed {
			if strings.EqualFold(strings.TrimRight(a, "/"), origin) {
				return true
			}
		}
		return false
	}
}
