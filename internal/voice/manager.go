package voice

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"recruit-voice/internal/callers"
	"recruit-voice/internal/calllog"
	"recruit-voice/internal/observability"
	"recruit-voice/pkg/logger"

	"github.com/google/uuid"
)

const (
	DefaultCooldown       = 3 * time.Second
	defaultCommandTimeout = 10 * time.Second
	defaultRecordTimeout  = 5 * time.Second
)

type Deps struct {
	Tokens TokenSource
	Device Device

	// Optional. Without a resolver inbound callers stay unresolved; without a
	// recorder nothing is logged.
	Resolver CallerResolver
	Recorder OutcomeRecorder
}

type Options struct {
	// AutoDial is dialed once, the first time the phone becomes ready.
	AutoDial string

	// Cooldown holds the error and disconnected states before returning to ready.
	Cooldown time.Duration

	// CommandTimeout bounds device commands issued without a caller context
	// (hangup, mute, teardown).
	CommandTimeout time.Duration

	Clock   Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Manager owns one endpoint registration and at most one call.
//
// Every mutation happens under mu and is published to subscribers before the
// lock is released, so a Snapshot taken after an operation returns always
// reflects it. Device commands, token fetches and side effects run without
// the lock; their results are re-validated against the current call before
// being applied.
type Manager struct {
	deps    Deps
	opts    Options
	clock   Clock
	log     *slog.Logger
	metrics *observability.Metrics

	// ctx scopes side effects; cancelled by Destroy.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	state       State
	reg         Registration
	tokenStatus TokenStatus
	tokenExp    time.Time
	call        *Call
	lastCall    *Call
	caller      *callers.Identity
	lastErr     error
	autoDial    string
	operator    string
	gen         uint64
	regWait     chan error
	cooldown    Timer
	cooldownSeq uint64
	destroyed   bool

	subs   map[uint64]chan Change
	subSeq uint64
	seq    uint64
}

func NewManager(deps Deps, opts Options) *Manager {
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:        deps,
		opts:        opts,
		clock:       opts.Clock,
		log:         opts.Logger.With("component", "voice"),
		metrics:     opts.Metrics,
		ctx:         ctx,
		cancel:      cancel,
		state:       StateUninitialized,
		reg:         Registration{Status: RegistrationUnregistered},
		tokenStatus: TokenNone,
		autoDial:    strings.TrimSpace(opts.AutoDial),
		subs:        map[uint64]chan Change{},
	}
}

// InitOption configures a registration.
type InitOption func(*Manager)

// WithOperator names the signed-in user operating the phone. Log entries for
// calls nobody acted on (missed, dropped) are attributed to them.
func WithOperator(userID string) InitOption {
	return func(m *Manager) {
		if userID = strings.TrimSpace(userID); userID != "" {
			m.operator = userID
		}
	}
}

// Initialize fetches a token and registers the endpoint for identity. Any
// previous registration (and call) is torn down first. It returns once the
// provider confirms the registration, or with the failure that put the phone
// in the error state. It is safe to call again after a failure.
func (m *Manager) Initialize(ctx context.Context, identity string, opts ...InitOption) error {
	identity = strings.TrimSpace(identity)

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	for _, o := range opts {
		o(m)
	}
	if identity == "" {
		identity = m.reg.Identity
	}
	prevCall := m.call
	hadReg := m.reg.Status != RegistrationUnregistered
	if prevCall != nil {
		m.endCallLocked(prevCall, endTag(prevCall))
	}
	m.stopCooldownLocked()
	m.signalRegWaitLocked(ErrSuperseded)

	m.gen++
	gen := m.gen
	wait := make(chan error, 1)
	m.regWait = wait
	m.reg = Registration{Identity: identity, Status: RegistrationRegistering}
	m.tokenStatus = TokenFetching
	m.lastErr = nil
	m.setStateLocked(StateInitializing, nil)
	m.mu.Unlock()

	log := m.log.With("identity", identity)
	if prevCall != nil {
		if err := m.deps.Device.Disconnect(ctx, prevCall.ID); err != nil {
			log.Warn("disconnect before re-register failed", "call_id", prevCall.ID, "err", err)
		}
	}
	if hadReg {
		if err := m.deps.Device.Unregister(ctx); err != nil {
			log.Warn("unregister before re-register failed", "err", err)
		}
	}

	tok, tokErr := m.deps.Tokens.Token(ctx, identity)

	m.mu.Lock()
	if err := m.checkGenLocked(gen); err != nil {
		m.mu.Unlock()
		return err
	}
	if tokErr != nil {
		err := fmt.Errorf("%w: %w", ErrTokenFetch, tokErr)
		m.tokenStatus = TokenError
		m.registrationFailedLocked(err)
		m.mu.Unlock()
		log.Error("capability token fetch failed", "err", tokErr)
		return err
	}
	m.tokenStatus = TokenValid
	m.tokenExp = tok.ExpiresAt
	m.mu.Unlock()

	if regErr := m.deps.Device.Register(ctx, identity, tok); regErr != nil {
		err := fmt.Errorf("%w: %w", ErrRegistration, regErr)
		m.mu.Lock()
		if genErr := m.checkGenLocked(gen); genErr != nil {
			m.mu.Unlock()
			return genErr
		}
		m.registrationFailedLocked(err)
		m.mu.Unlock()
		log.Error("endpoint registration failed", "err", regErr)
		return err
	}

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		// No confirmation in time counts as a failed registration, so the
		// phone leaves initializing and the cooldown runs.
		err := fmt.Errorf("%w: %w", ErrRegistration, ctx.Err())
		m.mu.Lock()
		if genErr := m.checkGenLocked(gen); genErr != nil {
			m.mu.Unlock()
			return genErr
		}
		if m.regWait != wait {
			// The outcome arrived while the context was ending.
			m.mu.Unlock()
			return <-wait
		}
		m.registrationFailedLocked(err)
		m.mu.Unlock()
		log.Error("endpoint registration not confirmed", "err", ctx.Err())
		return err
	case <-m.ctx.Done():
		return ErrDestroyed
	}
}

// CallOption annotates a call at the moment a user acts on it.
type CallOption func(*Call)

// WithAuthor attributes the call's log entries to userID.
func WithAuthor(userID string) CallOption {
	return func(c *Call) {
		if userID = strings.TrimSpace(userID); userID != "" {
			c.AuthorID = userID
		}
	}
}

// WithCallee links an outgoing call to a known person so the log entry
// carries the pipeline record.
func WithCallee(id callers.Identity) CallOption {
	return func(c *Call) {
		if id.PersonID == "" && id.ApplicationID == "" && id.Name == "" {
			return
		}
		c.Caller = &id
	}
}

// PlaceCall dials number. Preconditions are checked before any device
// command: a second call is rejected, never queued.
func (m *Manager) PlaceCall(ctx context.Context, number string, opts ...CallOption) error {
	number = strings.TrimSpace(number)

	m.mu.Lock()
	switch {
	case m.destroyed:
		m.mu.Unlock()
		return ErrDestroyed
	case m.call != nil:
		m.mu.Unlock()
		return ErrCallInProgress
	case m.state != StateReady:
		m.mu.Unlock()
		return ErrNotReady
	case callers.Normalize(number) == "":
		m.mu.Unlock()
		return ErrInvalidNumber
	}

	call := &Call{
		ID:        uuid.NewString(),
		Direction: DirectionOutbound,
		Remote:    number,
		State:     StateConnecting,
	}
	for _, o := range opts {
		o(call)
	}
	m.call = call
	m.setStateLocked(StateConnecting, nil)
	m.mu.Unlock()

	if err := m.deps.Device.Connect(ctx, call.ID, number); err != nil {
		werr := fmt.Errorf("%w: %w", ErrPlacement, err)
		m.mu.Lock()
		if m.call == call {
			m.endCallLocked(call, calllog.OutcomeFailed)
			m.failLocked(werr)
		}
		m.mu.Unlock()
		m.log.Error("call placement failed", "call_id", call.ID, "err", err)
		return werr
	}
	return nil
}

// AcceptIncomingCall answers the ringing call. It does not wait for caller
// resolution; whatever identity is known at this moment goes into the log.
func (m *Manager) AcceptIncomingCall(ctx context.Context, opts ...CallOption) error {
	m.mu.Lock()
	call, err := m.incomingLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	devErr := m.deps.Device.Accept(ctx, call.ID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.call != call {
		// The caller hung up while we were answering.
		return ErrNoIncomingCall
	}
	if devErr != nil {
		werr := fmt.Errorf("voice: accept: %w", devErr)
		m.endCallLocked(call, calllog.OutcomeFailed)
		m.failLocked(werr)
		return werr
	}
	if call.State != StateIncoming {
		// A concurrent accept got there first.
		return nil
	}
	for _, o := range opts {
		o(call)
	}
	m.caller = nil
	m.recordLocked(m.outcomeLocked(call, calllog.OutcomeAnswered, false))
	m.activateLocked(call)
	return nil
}

// RejectIncomingCall declines the ringing call and returns to ready.
func (m *Manager) RejectIncomingCall(ctx context.Context, opts ...CallOption) error {
	m.mu.Lock()
	call, err := m.incomingLocked()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	for _, o := range opts {
		o(call)
	}
	m.rejectLocked(call)
	m.mu.Unlock()

	if err := m.deps.Device.Reject(ctx, call.ID); err != nil {
		m.log.Warn("reject failed", "call_id", call.ID, "err", err)
		return fmt.Errorf("voice: reject: %w", err)
	}
	return nil
}

// Hangup ends the current call, if any. Repeated calls are no-ops.
func (m *Manager) Hangup(opts ...CallOption) {
	m.mu.Lock()
	call := m.call
	if call == nil {
		m.mu.Unlock()
		return
	}
	for _, o := range opts {
		o(call)
	}
	incoming := call.State == StateIncoming
	if incoming {
		m.rejectLocked(call)
	} else {
		m.endCallLocked(call, endTag(call))
		m.setStateLocked(StateDisconnected, nil)
		m.scheduleRecoveryLocked()
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, m.opts.CommandTimeout)
	defer cancel()
	var err error
	if incoming {
		err = m.deps.Device.Reject(ctx, call.ID)
	} else {
		err = m.deps.Device.Disconnect(ctx, call.ID)
	}
	if err != nil {
		m.log.Warn("hangup command failed", "call_id", call.ID, "err", err)
	}
}

func (m *Manager) Mute()   { m.setMuted(true) }
func (m *Manager) Unmute() { m.setMuted(false) }

func (m *Manager) IsMuted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.call != nil && m.call.Muted
}

func (m *Manager) setMuted(muted bool) {
	m.mu.Lock()
	call := m.call
	if call == nil || call.Muted == muted {
		m.mu.Unlock()
		return
	}
	call.Muted = muted
	m.publishLocked(nil)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, m.opts.CommandTimeout)
	defer cancel()
	if err := m.deps.Device.SetMuted(ctx, call.ID, muted); err != nil {
		m.log.Warn("mute command failed", "call_id", call.ID, "muted", muted, "err", err)
	}
}

// Destroy disconnects any live call and unregisters the endpoint. It is safe
// from any state and idempotent. Subscriber channels are closed.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	call := m.call
	hadReg := m.reg.Status != RegistrationUnregistered
	if call != nil {
		m.endCallLocked(call, endTag(call))
	}
	m.stopCooldownLocked()
	m.signalRegWaitLocked(ErrDestroyed)
	m.reg.Status = RegistrationUnregistered
	m.tokenStatus = TokenNone
	m.setStateLocked(StateUninitialized, nil)
	m.destroyed = true
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.CommandTimeout)
	defer cancel()
	if call != nil {
		if err := m.deps.Device.Disconnect(ctx, call.ID); err != nil {
			m.log.Warn("teardown disconnect failed", "call_id", call.ID, "err", err)
		}
	}
	if hadReg {
		if err := m.deps.Device.Unregister(ctx); err != nil {
			m.log.Warn("teardown unregister failed", "err", err)
		}
	}
	m.cancel()
}

// Wait blocks until in-flight side effects (caller lookups, log writes,
// token renewals) have finished.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg.Identity
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

/* ===================== LOCKED HELPERS ===================== */

func (m *Manager) incomingLocked() (*Call, error) {
	if m.destroyed {
		return nil, ErrDestroyed
	}
	if m.call == nil || m.state != StateIncoming || m.call.State != StateIncoming {
		return nil, ErrNoIncomingCall
	}
	return m.call, nil
}

func (m *Manager) rejectLocked(call *Call) {
	m.endCallLocked(call, calllog.OutcomeRejected)
	m.enterReadyLocked()
}

func (m *Manager) checkGenLocked(gen uint64) error {
	if m.destroyed {
		return ErrDestroyed
	}
	if gen != m.gen {
		return ErrSuperseded
	}
	return nil
}

func (m *Manager) signalRegWaitLocked(err error) {
	if m.regWait == nil {
		return
	}
	select {
	case m.regWait <- err:
	default:
	}
	m.regWait = nil
}

func (m *Manager) registrationFailedLocked(err error) {
	m.reg.Status = RegistrationError
	m.reg.LastError = err.Error()
	m.signalRegWaitLocked(err)
	m.failLocked(err)
}

func (m *Manager) activateLocked(call *Call) {
	call.State = StateActive
	call.StartedAt = m.clock.Now()
	m.setStateLocked(StateActive, nil)
}

// endCallLocked frees the call slot and records the outcome. The caller
// decides the next state.
func (m *Manager) endCallLocked(call *Call, tag string) {
	call.EndedAt = m.clock.Now()
	call.State = StateDisconnected
	if m.call == call {
		m.call = nil
	}
	m.caller = nil
	ended := *call
	m.lastCall = &ended
	m.recordLocked(m.outcomeLocked(call, tag, true))
}

func (m *Manager) outcomeLocked(call *Call, tag string, withDuration bool) calllog.Outcome {
	o := calllog.Outcome{
		Direction:    calllog.Direction(call.Direction),
		Tag:          tag,
		RemoteNumber: call.Remote,
		ProviderSID:  call.ProviderSID,
		EndedAt:      call.EndedAt,
		AuthorID:     call.AuthorID,
	}
	if o.AuthorID == "" {
		o.AuthorID = m.operator
	}
	if o.AuthorID == "" {
		o.AuthorID = m.reg.Identity
	}
	if withDuration {
		o.StartedAt = call.StartedAt
	}
	if o.EndedAt.IsZero() {
		o.EndedAt = m.clock.Now()
	}
	if c := call.Caller; c != nil {
		o.CallerName = c.Name
		o.PersonID = c.PersonID
		o.ApplicationID = c.ApplicationID
	}
	return o
}

// failLocked enters the error state and schedules recovery.
func (m *Manager) failLocked(err error) {
	m.lastErr = err
	m.setStateLocked(StateError, &Notification{Kind: "error", Title: "Telefonfejl", Body: err.Error()})
	m.scheduleRecoveryLocked()
}

func (m *Manager) scheduleRecoveryLocked() {
	m.stopCooldownLocked()
	m.cooldownSeq++
	seq := m.cooldownSeq
	m.cooldown = m.clock.AfterFunc(m.opts.Cooldown, func() { m.recover(seq) })
}

func (m *Manager) stopCooldownLocked() {
	if m.cooldown != nil {
		m.cooldown.Stop()
		m.cooldown = nil
	}
	m.cooldownSeq++
}

func (m *Manager) recover(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed || seq != m.cooldownSeq {
		return
	}
	m.cooldown = nil
	if m.state != StateError && m.state != StateDisconnected {
		return
	}
	if m.reg.Status == RegistrationRegistered {
		m.enterReadyLocked()
		return
	}
	// Without a registration there is nothing to be ready with; the UI
	// offers Initialize again.
	m.setStateLocked(StateUninitialized, nil)
}

func (m *Manager) enterReadyLocked() {
	m.setStateLocked(StateReady, nil)

	number := m.autoDial
	if number == "" {
		return
	}
	m.autoDial = ""
	if m.call != nil {
		return
	}
	m.goSideEffect("auto_dial", func(ctx context.Context) {
		if err := m.PlaceCall(ctx, number); err != nil {
			m.log.Warn("auto dial failed", "number", number, "err", err)
		}
	})
}

func (m *Manager) setStateLocked(s State, n *Notification) {
	if m.state != s {
		m.log.Debug("phone state", "from", m.state, "to", s)
		m.metrics.Transition(string(s))
	}
	m.state = s
	m.publishLocked(n)
}

func (m *Manager) snapshotLocked() Snapshot {
	s := Snapshot{
		State:    m.state,
		Identity: m.reg.Identity,
		Debug: Debug{
			TokenStatus:    m.tokenStatus,
			TokenExpiresAt: m.tokenExp,
			EndpointStatus: m.reg.Status,
		},
	}
	if s.Debug.TokenStatus == TokenValid && !m.tokenExp.IsZero() && !m.clock.Now().Before(m.tokenExp) {
		s.Debug.TokenStatus = TokenExpired
	}
	if m.lastErr != nil {
		s.Debug.LastError = m.lastErr.Error()
	}
	if m.call != nil {
		c := *m.call
		s.Call = &c
	}
	if m.lastCall != nil {
		c := *m.lastCall
		s.LastCall = &c
	}
	if m.caller != nil {
		id := *m.caller
		s.Caller = &id
	}
	return s
}

/* ===================== SIDE EFFECTS ===================== */

// goSideEffect runs fn off the state machine. fn must re-check state under
// the lock before applying results.
func (m *Manager) goSideEffect(kind string, fn func(ctx context.Context)) {
	if m.destroyed {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx := logger.With(m.ctx, m.log.With("side_effect", kind))
		fn(ctx)
	}()
}

func (m *Manager) recordLocked(o calllog.Outcome) {
	var connected time.Duration
	if !o.StartedAt.IsZero() {
		connected = o.EndedAt.Sub(o.StartedAt)
	}
	m.metrics.CallEnded(string(o.Direction), o.Tag, connected)

	if m.deps.Recorder == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		// The write outlives Destroy so a call torn down at shutdown is still logged.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), defaultRecordTimeout)
		defer cancel()
		m.deps.Recorder.Record(logger.With(ctx, m.log), o)
	}()
}

func (m *Manager) resolveCaller(ctx context.Context, callID, number string) {
	id, err := m.deps.Resolver.Resolve(ctx, number)
	if err != nil {
		logger.From(ctx).Warn("caller lookup failed", "err", err)
		m.metrics.SideEffectFailed("caller_lookup")
	}
	if id.Name == "" {
		id = callers.Identity{Name: callers.UnknownName, Phone: number}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed || m.call == nil || m.call.ID != callID {
		return
	}
	m.call.Caller = &id
	if m.call.State != StateIncoming {
		// Already answered: keep the identity for the log, do not ring again.
		m.publishLocked(nil)
		return
	}
	m.caller = &id
	m.publishLocked(callerNotification(id))
}

func (m *Manager) renewToken(ctx context.Context) {
	m.mu.Lock()
	identity := m.reg.Identity
	if m.destroyed || m.reg.Status != RegistrationRegistered {
		m.mu.Unlock()
		return
	}
	m.tokenStatus = TokenFetching
	m.publishLocked(nil)
	m.mu.Unlock()

	tok, err := m.deps.Tokens.Token(ctx, identity)
	if err == nil {
		err = m.deps.Device.UpdateToken(ctx, tok)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	if err != nil {
		// The live call keeps going; the next registration attempt will surface it.
		m.tokenStatus = TokenError
		m.lastErr = fmt.Errorf("%w: %w", ErrTokenFetch, err)
		m.metrics.SideEffectFailed("token_renewal")
		logger.From(ctx).Error("token renewal failed", "err", err)
		m.publishLocked(nil)
		return
	}
	m.tokenStatus = TokenValid
	m.tokenExp = tok.ExpiresAt
	m.publishLocked(nil)
}

func callerNotification(id callers.Identity) *Notification {
	body := id.Name
	if id.Role != "" {
		body += " · " + id.Role
	}
	if id.Known && id.Phone != "" {
		body += " (" + id.Phone + ")"
	} else if !id.Known && id.Phone != "" {
		body = id.Name + " " + id.Phone
	}
	return &Notification{Kind: "caller", Title: "Indgående opkald", Body: body}
}

// endTag picks the log outcome for a call ending without an explicit decision.
func endTag(c *Call) string {
	if c.State == StateActive || !c.StartedAt.IsZero() {
		return calllog.OutcomeCompleted
	}
	return calllog.OutcomeMissed
}
