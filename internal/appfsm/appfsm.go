// Package appfsm is the application-level state machine coordinating the
// stack: it tracks the IDLE → SCANNING → CONNECTING → CONNECTED → SENDING →
// DISCONNECTING lifecycle, applies the retry and cool-down policy, and
// decides whether an unsolicited disconnect triggers a reconnect.
package appfsm

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/blectl/internal/timing"
)

// State enumerates the application lifecycle (spec §4.10).
type State int

const (
	StateInit State = iota
	StateIdle
	StateScanning
	StateConnecting
	StateConnected
	StateSending
	StateDisconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSending:
		return "sending"
	case StateDisconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// EventType enumerates the inputs that drive transitions: external
// commands, Link-Layer callbacks, and timeouts.
type EventType int

const (
	// EvStart completes initialization (Init -> Idle).
	EvStart EventType = iota
	// EvConnectRequested starts scanning for the target.
	EvConnectRequested
	// EvAdvMatched moves Scanning -> Connecting once an advertisement
	// matched and CONNECT_REQ went out.
	EvAdvMatched
	// EvConnected is the Link-Layer connected callback.
	EvConnected
	// EvConnectFailed is a scan timeout or a connection that never
	// reached its first successful event.
	EvConnectFailed
	// EvSendRequested begins a text transfer.
	EvSendRequested
	// EvSendDone completes a text transfer.
	EvSendDone
	// EvDisconnectRequested starts a user-initiated teardown.
	EvDisconnectRequested
	// EvDisconnected is the Link-Layer disconnected callback; Reason
	// carries the LL reason byte.
	EvDisconnected
	// EvFault records an unrecoverable error; the machine cools down in
	// StateError before returning to Idle.
	EvFault
)

func (e EventType) String() string {
	switch e {
	case EvStart:
		return "start"
	case EvConnectRequested:
		return "connect_requested"
	case EvAdvMatched:
		return "adv_matched"
	case EvConnected:
		return "connected"
	case EvConnectFailed:
		return "connect_failed"
	case EvSendRequested:
		return "send_requested"
	case EvSendDone:
		return "send_done"
	case EvDisconnectRequested:
		return "disconnect_requested"
	case EvDisconnected:
		return "disconnected"
	case EvFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Event is one input to the machine.
type Event struct {
	Type   EventType
	Reason byte  // EvDisconnected: LL reason byte
	Err    error // EvFault / EvConnectFailed: underlying cause
}

// reasonLocalTerminate is the LL reason for a user-initiated disconnect;
// it never triggers auto-reconnect.
const reasonLocalTerminate byte = 0x13

// Options configures the retry and reconnect policy (spec §4.10).
type Options struct {
	// MaxRetryCount bounds consecutive connect attempts before the
	// machine gives up into StateError.
	MaxRetryCount int
	// RetryDelay is the back-off base between connect retries; attempt n
	// waits n*RetryDelay.
	RetryDelay time.Duration
	// ErrorCooldown holds the machine in StateError before it returns to
	// Idle (default 3s).
	ErrorCooldown time.Duration
	// AutoReconnect rescans after an unsolicited disconnect.
	AutoReconnect bool
}

// DefaultOptions returns the spec defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetryCount: 3,
		RetryDelay:    time.Second,
		ErrorCooldown: 3 * time.Second,
	}
}

// Machine is the deterministic transition table. It owns no goroutines:
// the host's foreground loop feeds it events and polls it for deadline
// work, matching the single-threaded model of spec §5.
type Machine struct {
	state  State
	opts   Options
	clock  timing.Clock
	logger *slog.Logger

	retries         int
	retryAtUS       uint64
	cooldownUntilUS uint64
}

// New builds a Machine in StateInit.
func New(clk timing.Clock, opts Options, logger *slog.Logger) *Machine {
	if opts.ErrorCooldown <= 0 {
		opts.ErrorCooldown = 3 * time.Second
	}
	return &Machine{state: StateInit, opts: opts, clock: clk, logger: logger}
}

func (m *Machine) log() *slog.Logger {
	if m.logger == nil {
		return slog.Default()
	}
	return m.logger
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Retries returns the consecutive connect attempts made so far.
func (m *Machine) Retries() int { return m.retries }

// RetryReady reports whether a pending connect retry's back-off has
// elapsed. Only meaningful in StateScanning after a connect failure.
func (m *Machine) RetryReady() bool {
	return m.clock.NowUS() >= m.retryAtUS
}

// Dispatch applies one event, returning the resulting state. Events that
// are not legal in the current state return an error and leave the state
// unchanged.
func (m *Machine) Dispatch(ev Event) (State, error) {
	next, err := m.transition(ev)
	if err != nil {
		return m.state, err
	}
	if next != m.state {
		m.log().Debug("app: state change", "from", m.state, "to", next, "event", ev.Type)
	}
	m.state = next
	return m.state, nil
}

func (m *Machine) transition(ev Event) (State, error) {
	switch ev.Type {
	case EvStart:
		if m.state != StateInit {
			return 0, m.invalid(ev)
		}
		return StateIdle, nil

	case EvConnectRequested:
		if m.state != StateIdle {
			return 0, m.invalid(ev)
		}
		m.retries = 0
		m.retryAtUS = 0
		return StateScanning, nil

	case EvAdvMatched:
		if m.state != StateScanning {
			return 0, m.invalid(ev)
		}
		return StateConnecting, nil

	case EvConnected:
		if m.state != StateConnecting {
			return 0, m.invalid(ev)
		}
		m.retries = 0
		return StateConnected, nil

	case EvConnectFailed:
		if m.state != StateScanning && m.state != StateConnecting {
			return 0, m.invalid(ev)
		}
		m.retries++
		if m.retries > m.opts.MaxRetryCount {
			m.log().Error("app: connect retries exhausted", "attempts", m.retries, "error", ev.Err)
			m.enterError()
			return StateError, nil
		}
		m.retryAtUS = m.clock.NowUS() + uint64(m.retries)*uint64(m.opts.RetryDelay.Microseconds())
		m.log().Warn("app: connect failed, will retry", "attempt", m.retries, "error", ev.Err)
		return StateScanning, nil

	case EvSendRequested:
		if m.state != StateConnected {
			return 0, m.invalid(ev)
		}
		return StateSending, nil

	case EvSendDone:
		if m.state != StateSending {
			return 0, m.invalid(ev)
		}
		return StateConnected, nil

	case EvDisconnectRequested:
		if m.state != StateConnected && m.state != StateSending {
			return 0, m.invalid(ev)
		}
		return StateDisconnecting, nil

	case EvDisconnected:
		switch m.state {
		case StateDisconnecting:
			return StateIdle, nil
		case StateConnected, StateSending, StateConnecting:
			if m.opts.AutoReconnect && ev.Reason != reasonLocalTerminate {
				m.log().Warn("app: link lost, reconnecting", "reason", fmt.Sprintf("0x%02x", ev.Reason))
				m.retries = 0
				m.retryAtUS = 0
				return StateScanning, nil
			}
			return StateIdle, nil
		default:
			return 0, m.invalid(ev)
		}

	case EvFault:
		m.log().Error("app: fault", "error", ev.Err)
		m.enterError()
		return StateError, nil

	default:
		return 0, fmt.Errorf("appfsm: unknown event %d", ev.Type)
	}
}

func (m *Machine) enterError() {
	m.cooldownUntilUS = m.clock.NowUS() + uint64(m.opts.ErrorCooldown.Microseconds())
}

func (m *Machine) invalid(ev Event) error {
	return fmt.Errorf("appfsm: event %s not valid in state %s", ev.Type, m.state)
}

// Poll performs deadline-driven work: leaving StateError once the
// cool-down has elapsed. The host's foreground loop calls it each
// iteration.
func (m *Machine) Poll() State {
	if m.state == StateError && m.clock.NowUS() >= m.cooldownUntilUS {
		m.log().Info("app: cooldown elapsed, returning to idle")
		m.state = StateIdle
		m.retries = 0
	}
	return m.state
}
