package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"recruit-voice/internal/observability"

	"github.com/google/uuid"
)

// LeaseStore grants cross-process ownership of an identity.
type LeaseStore interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// BuildFunc constructs the Manager for identity.
type BuildFunc func(identity string) (*Manager, error)

const DefaultLeaseTTL = 2 * time.Minute

type RegistryOptions struct {
	// Leases is optional; without it exclusivity only holds within this process.
	Leases   LeaseStore
	LeaseTTL time.Duration
	Logger   *slog.Logger
	Metrics  *observability.Metrics
}

// Registry is the composition root for sessions: at most one Manager per
// identity, shared by every surface that asks for it.
type Registry struct {
	build   BuildFunc
	leases  LeaseStore
	ttl     time.Duration
	owner   string
	log     *slog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	sessions map[string]*session
	opening  map[string]chan struct{}
	closed   bool
}

type session struct {
	m    *Manager
	stop context.CancelFunc
	done chan struct{}
}

func NewRegistry(build BuildFunc, opts RegistryOptions) *Registry {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		build:    build,
		leases:   opts.Leases,
		ttl:      opts.LeaseTTL,
		owner:    uuid.NewString(),
		log:      opts.Logger.With("component", "voice_registry"),
		metrics:  opts.Metrics,
		sessions: map[string]*session{},
		opening:  map[string]chan struct{}{},
	}
}

// Open returns the session for identity, creating it if needed. It fails with
// ErrIdentityInUse when another process holds the identity.
//
// The lease is acquired without holding the registry lock; concurrent opens
// of the same identity wait for the first one and share its result.
func (r *Registry) Open(ctx context.Context, identity string) (*Manager, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, fmt.Errorf("voice: identity is required")
	}

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrDestroyed
		}
		if s, ok := r.sessions[identity]; ok {
			r.mu.Unlock()
			return s.m, nil
		}
		pending, busy := r.opening[identity]
		if !busy {
			break
		}
		r.mu.Unlock()
		select {
		case <-pending:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	done := make(chan struct{})
	r.opening[identity] = done
	r.mu.Unlock()

	m, err := r.create(ctx, identity)

	r.mu.Lock()
	delete(r.opening, identity)
	close(done)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if r.closed {
		r.mu.Unlock()
		m.Destroy()
		m.Wait()
		r.release(identity)
		return nil, ErrDestroyed
	}
	loopCtx, stop := context.WithCancel(context.Background())
	s := &session{m: m, stop: stop, done: make(chan struct{})}
	r.sessions[identity] = s
	r.mu.Unlock()

	r.metrics.SessionOpened()
	go r.keepAlive(loopCtx, identity, s)
	return m, nil
}

// create takes the lease and builds the manager.
func (r *Registry) create(ctx context.Context, identity string) (*Manager, error) {
	if r.leases != nil {
		ok, err := r.leases.Acquire(ctx, identity, r.owner, r.ttl)
		if err != nil {
			return nil, fmt.Errorf("voice: acquire lease: %w", err)
		}
		if !ok {
			return nil, ErrIdentityInUse
		}
	}
	m, err := r.build(identity)
	if err != nil {
		r.release(identity)
		return nil, err
	}
	return m, nil
}

// Get returns the live session for identity without creating one.
func (r *Registry) Get(identity string) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[strings.TrimSpace(identity)]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s.m, nil
}

// Online reports whether identity has a session with a registered endpoint.
func (r *Registry) Online(identity string) bool {
	m, err := r.Get(identity)
	if err != nil {
		return false
	}
	return m.Snapshot().Debug.EndpointStatus == RegistrationRegistered
}

// Close destroys the session for identity and releases its lease.
func (r *Registry) Close(identity string) error {
	identity = strings.TrimSpace(identity)
	r.mu.Lock()
	s, ok := r.sessions[identity]
	if ok {
		delete(r.sessions, identity)
	}
	r.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	r.teardown(identity, s)
	return nil
}

// CloseAll destroys every session. Used on shutdown; Open fails afterwards.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = map[string]*session{}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for id, s := range sessions {
		wg.Add(1)
		go func(id string, s *session) {
			defer wg.Done()
			r.teardown(id, s)
		}(id, s)
	}
	wg.Wait()
}

func (r *Registry) teardown(identity string, s *session) {
	s.stop()
	<-s.done
	s.m.Destroy()
	s.m.Wait()
	r.release(identity)
	r.metrics.SessionClosed()
}

func (r *Registry) release(identity string) {
	if r.leases == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.leases.Release(ctx, identity, r.owner); err != nil {
		r.log.Warn("lease release failed", "identity", identity, "err", err)
	}
}

// keepAlive renews the lease at a third of its TTL. Losing the lease means
// another process may now own the identity, so the local session is dropped.
func (r *Registry) keepAlive(ctx context.Context, identity string, s *session) {
	defer close(s.done)
	if r.leases == nil {
		<-ctx.Done()
		return
	}

	t := time.NewTicker(r.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		rctx, cancel := context.WithTimeout(ctx, r.ttl/3)
		ok, err := r.leases.Renew(rctx, identity, r.owner, r.ttl)
		cancel()
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		if err != nil {
			// Transient; the lease survives until its TTL runs out.
			r.log.Warn("lease renew failed", "identity", identity, "err", err)
			continue
		}
		if ok {
			continue
		}

		r.log.Error("lease lost, dropping session", "identity", identity)
		r.mu.Lock()
		if cur, exists := r.sessions[identity]; exists && cur == s {
			delete(r.sessions, identity)
		} else {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
		go func() {
			<-s.done
			s.m.Destroy()
			s.m.Wait()
			r.metrics.SessionClosed()
		}()
		return
	}
}
