package voice

import (
	"context"
	"fmt"

	"recruit-voice/internal/calllog"
)

// HandleEvent applies one provider event. Events are expected in order per
// endpoint; events naming a call other than the current one are ignored.
func (m *Manager) HandleEvent(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}

	switch ev.Kind {
	case EventRegistered:
		m.onRegisteredLocked()
	case EventUnregistered:
		m.onUnregisteredLocked()
	case EventIncoming:
		m.onIncomingLocked(ev)
	case EventAccepted:
		if call := m.currentLocked(ev.CallID); call != nil && call.State == StateConnecting {
			m.activateLocked(call)
		}
	case EventCallSID:
		if call := m.currentLocked(ev.CallID); call != nil && ev.ProviderSID != "" {
			call.ProviderSID = ev.ProviderSID
			m.publishLocked(nil)
		}
	case EventDisconnected, EventCancelled:
		call := m.currentLocked(ev.CallID)
		if call == nil {
			return
		}
		m.endCallLocked(call, endTag(call))
		m.setStateLocked(StateDisconnected, nil)
		m.scheduleRecoveryLocked()
	case EventError:
		m.onErrorLocked(ev)
	case EventTokenWillExpire:
		m.goSideEffect("token_renewal", m.renewToken)
	default:
		m.log.Debug("ignoring device event", "kind", ev.Kind)
	}
}

// currentLocked returns the current call if id names it.
func (m *Manager) currentLocked(id string) *Call {
	if m.call == nil || id == "" || m.call.ID != id {
		return nil
	}
	return m.call
}

func (m *Manager) onRegisteredLocked() {
	m.reg.Status = RegistrationRegistered
	m.reg.LastError = ""
	m.signalRegWaitLocked(nil)
	switch m.state {
	case StateInitializing, StateUninitialized:
		m.enterReadyLocked()
	default:
		m.publishLocked(nil)
	}
}

func (m *Manager) onUnregisteredLocked() {
	switch m.reg.Status {
	case RegistrationUnregistered, RegistrationRegistering:
		return
	}
	m.reg.Status = RegistrationUnregistered
	if call := m.call; call != nil {
		m.endCallLocked(call, endTag(call))
	}
	m.failLocked(ErrEndpointLost)
}

func (m *Manager) onIncomingLocked(ev Event) {
	busy := m.call != nil ||
		m.reg.Status != RegistrationRegistered ||
		(m.state != StateReady && m.state != StateDisconnected && m.state != StateError)
	if busy {
		// One call slot: a second inbound call is turned away, never queued.
		id := ev.CallID
		m.goSideEffect("reject_busy", func(ctx context.Context) {
			if err := m.deps.Device.Reject(ctx, id); err != nil {
				m.log.Warn("reject while busy failed", "call_id", id, "err", err)
			}
		})
		return
	}

	m.stopCooldownLocked()
	call := &Call{
		ID:          ev.CallID,
		ProviderSID: ev.ProviderSID,
		Direction:   DirectionInbound,
		Remote:      ev.From,
		State:       StateIncoming,
	}
	m.call = call
	m.caller = nil
	m.setStateLocked(StateIncoming, &Notification{Kind: "incoming", Title: "Indgående opkald", Body: ev.From})

	if m.deps.Resolver != nil {
		id, from := call.ID, ev.From
		m.goSideEffect("caller_lookup", func(ctx context.Context) {
			m.resolveCaller(ctx, id, from)
		})
	}
}

func (m *Manager) onErrorLocked(ev Event) {
	cause := ev.Err
	if cause == nil {
		cause = fmt.Errorf("unspecified device error")
	}

	if ev.CallID != "" {
		call := m.currentLocked(ev.CallID)
		if call == nil {
			return
		}
		m.endCallLocked(call, calllog.OutcomeFailed)
		m.failLocked(fmt.Errorf("voice: call failed: %w", cause))
		return
	}

	switch {
	case m.state == StateInitializing:
		m.registrationFailedLocked(fmt.Errorf("%w: %w", ErrRegistration, cause))
	case m.call != nil:
		// Endpoint-level noise during a live call is kept for diagnostics only.
		m.lastErr = cause
		m.publishLocked(nil)
	default:
		m.failLocked(fmt.Errorf("voice: device error: %w", cause))
	}
}
