package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"recruit-voice/pkg/utils"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRegistry(t *testing.T, leases LeaseStore) (*Registry, *int) {
	t.Helper()
	built := 0
	clock := newFakeClock()
	r := NewRegistry(func(identity string) (*Manager, error) {
		built++
		dev := &fakeDevice{autoRegister: true}
		m := NewManager(Deps{Tokens: &fakeTokens{clock: clock}, Device: dev}, Options{Clock: clock})
		dev.m = m
		return m, nil
	}, RegistryOptions{Leases: leases, LeaseTTL: time.Minute})
	t.Cleanup(r.CloseAll)
	return r, &built
}

func TestRegistry_OneManagerPerIdentity(t *testing.T) {
	r, built := newTestRegistry(t, nil)
	ctx := context.Background()

	a, err := r.Open(ctx, "agent")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b, err := r.Open(ctx, " agent ")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if a != b || *built != 1 {
		t.Fatalf("expected the same manager to be shared")
	}
	if got, err := r.Get("agent"); err != nil || got != a {
		t.Fatalf("expected Get to return the session, err=%v", err)
	}
	if _, err := r.Get("other"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestRegistry_CloseDestroysSession(t *testing.T) {
	r, built := newTestRegistry(t, nil)
	ctx := context.Background()

	m, _ := r.Open(ctx, "agent")
	if err := m.Initialize(ctx, "agent"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := r.Close("agent"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := m.State(); got != StateUninitialized {
		t.Fatalf("expected destroyed session, got %s", got)
	}
	if err := r.Close("agent"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}

	if _, err := r.Open(ctx, "agent"); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if *built != 2 {
		t.Fatalf("expected a fresh manager after close")
	}
}

func TestRegistry_LeaseBlocksOtherProcess(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	leases := utils.NewLeases(rdb, "voice:lease:")
	ctx := context.Background()

	first, _ := newTestRegistry(t, leases)
	second, _ := newTestRegistry(t, leases)

	if _, err := first.Open(ctx, "agent"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := second.Open(ctx, "agent"); !errors.Is(err, ErrIdentityInUse) {
		t.Fatalf("expected ErrIdentityInUse, got %v", err)
	}

	first.CloseAll()
	if mr.Exists("voice:lease:agent") {
		t.Fatalf("expected lease to be released")
	}
	if _, err := second.Open(ctx, "agent"); err != nil {
		t.Fatalf("expected second registry to take over, got %v", err)
	}
	if _, err := first.Open(ctx, "agent"); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected closed registry to refuse, got %v", err)
	}
}

func TestRegistry_RequiresIdentity(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	if _, err := r.Open(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for empty identity")
	}
}

func TestRegistry_Online(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()
	if r.Online("agent") {
		t.Fatalf("expected offline without session")
	}
	m, _ := r.Open(ctx, "agent")
	if r.Online("agent") {
		t.Fatalf("expected offline before registration")
	}
	if err := m.Initialize(ctx, "agent"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if !r.Online("agent") {
		t.Fatalf("expected online after registration")
	}
}

// gatedLeases holds Acquire for the "slow" identity until gate is closed.
type gatedLeases struct {
	gate    chan struct{}
	entered chan struct{}

	mu       sync.Mutex
	acquired int
	released []string
}

func newGatedLeases() *gatedLeases {
	return &gatedLeases{gate: make(chan struct{}), entered: make(chan struct{}, 8)}
}

func (g *gatedLeases) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if key == "slow" {
		g.entered <- struct{}{}
		select {
		case <-g.gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	g.mu.Lock()
	g.acquired++
	g.mu.Unlock()
	return true, nil
}

func (g *gatedLeases) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (g *gatedLeases) Release(ctx context.Context, key, owner string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = append(g.released, key)
	return nil
}

func within(t *testing.T, what string, f func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s blocked", what)
	}
}

func TestRegistry_SlowLeaseDoesNotBlockOtherIdentities(t *testing.T) {
	leases := newGatedLeases()
	r, built := newTestRegistry(t, leases)
	ctx := context.Background()

	fast, err := r.Open(ctx, "fast")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	type result struct {
		m   *Manager
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			m, err := r.Open(ctx, "slow")
			results <- result{m, err}
		}()
	}
	<-leases.entered

	within(t, "Get", func() {
		if got, err := r.Get("fast"); err != nil || got != fast {
			t.Errorf("expected fast session, got %v %v", got, err)
		}
	})
	within(t, "Online", func() { r.Online("fast") })
	within(t, "Open", func() {
		if _, err := r.Open(ctx, "other"); err != nil {
			t.Errorf("open other: %v", err)
		}
	})

	close(leases.gate)
	a, b := <-results, <-results
	if a.err != nil || b.err != nil {
		t.Fatalf("open slow: %v %v", a.err, b.err)
	}
	if a.m != b.m {
		t.Fatalf("expected concurrent opens to share one manager")
	}
	if *built != 3 {
		t.Fatalf("expected 3 managers, got %d", *built)
	}
	leases.mu.Lock()
	defer leases.mu.Unlock()
	if leases.acquired != 3 {
		t.Fatalf("expected one lease per identity, got %d", leases.acquired)
	}
}

func TestRegistry_CloseAllDuringOpenReleasesLease(t *testing.T) {
	leases := newGatedLeases()
	r, _ := newTestRegistry(t, leases)

	errc := make(chan error, 1)
	go func() {
		_, err := r.Open(context.Background(), "slow")
		errc <- err
	}()
	<-leases.entered
	within(t, "CloseAll", r.CloseAll)
	close(leases.gate)

	if err := <-errc; !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
	leases.mu.Lock()
	defer leases.mu.Unlock()
	if len(leases.released) != 1 || leases.released[0] != "slow" {
		t.Fatalf("expected the slow lease to be released, got %v", leases.released)
	}
}
