package ll

import (
	"log/slog"

	"github.com/chaz8081/blectl/internal/accessaddr"
	"github.com/chaz8081/blectl/internal/radio"
	"github.com/chaz8081/blectl/internal/timing"
)

// T_IFS is the fixed Inter-Frame Space between TX completion and the
// following RX window (spec §6).
const T_IFS_US = 150

// defaultRXTimeoutUS is used whenever the RX window is not otherwise known
// (spec §4.6 step 5: "≥2ms when RX window is unknown").
const defaultRXTimeoutUS = 2000

// preConnectionCRCErrorLimit is the number of consecutive CRC errors
// tolerated before the very first successful RX of a new connection before
// the connection is abandoned (spec §4.6 step 8).
const preConnectionCRCErrorLimit = 6

// Sink is the upstream consumer of Link-Layer Data PDU payloads: the L2CAP
// fixed-channel mux (spec §2.7). The engine pulls outbound fragments from
// Sink and pushes inbound ones to it, never buffering more than one
// fragment itself (matching the Connection Context's singular tx_buffer of
// spec §3).
type Sink interface {
	// HandleLLPayload delivers one received LL Data PDU's LLID and payload.
	HandleLLPayload(llid LLID, payload []byte)
	// NextOutbound returns the next fragment to transmit, if any, and
	// whether another fragment is queued to follow it immediately (used to
	// set the MD bit per spec §4.6 step 3).
	NextOutbound() (llid LLID, payload []byte, moreAfter bool, ok bool)
	// PendingOutbound reports whether NextOutbound would return a fragment,
	// without consuming it. The engine uses it to decide whether an event
	// may be skipped under slave latency.
	PendingOutbound() bool
}

// Callbacks are the application-facing notifications the engine fires.
// Unset callbacks are no-ops, per spec §9's "typed callback table... unset
// callbacks are no-ops" replacement for the source's ad-hoc weak overrides.
type Callbacks struct {
	OnConnected    func()
	OnDisconnected func(reason byte)
}

// Engine is the Link-Layer connection engine: scanner, initiator, and
// Master connection-event loop (spec §2.6). It owns the one Connection
// Context and the radio exclusively, matching the single-threaded
// cooperative scheduling model of spec §5.
type Engine struct {
	radio radio.Driver
	clock timing.Clock
	rng   accessaddr.Source
	sink  Sink
	cb    Callbacks
	logger *slog.Logger

	ctx ConnContext

	latencySkipped uint16 // events skipped in a row under slave latency

	pendingDisconnectReason *byte
}

// Option configures an Engine at construction time.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithLocalAddr(a Addr) Option {
	return func(e *Engine) { e.ctx.LocalAddr = RandomStaticAddr(a) }
}

func WithSink(s Sink) Option {
	return func(e *Engine) { e.sink = s }
}

func WithCallbacks(cb Callbacks) Option {
	return func(e *Engine) { e.cb = cb }
}

func WithAccessAddressSource(src accessaddr.Source) Option {
	return func(e *Engine) { e.rng = src }
}

// NewEngine constructs an Engine bound to drv and clk, both required.
func NewEngine(drv radio.Driver, clk timing.Clock, opts ...Option) *Engine {
	e := &Engine{
		radio:  drv,
		clock:  clk,
		logger: slog.Default(),
		rng:    accessaddr.NewLFSR(0),
	}
	e.ctx.Reset()
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current connection state.
func (e *Engine) State() State { return e.ctx.State }

// Context returns a copy of the current connection context, for
// introspection (tests, application status reporting). The engine itself
// never shares the live pointer outside the event loop, per spec §5's
// "ATT/L2CAP/GATT do not retain references across event-loop iterations".
func (e *Engine) Context() ConnContext {
	return e.ctx
}

func (e *Engine) log() *slog.Logger {
	if e.logger == nil {
		return slog.Default()
	}
	return e.logger
}

// programChannel sets the radio's frequency and whitening seed for ch, and
// sync word / CRC seed for the current connection (or advertising
// defaults, if aa==0 meaning pre-connection).
func (e *Engine) programChannel(ch int, aa uint32, crcInit uint32) error {
	if err := e.radio.SetFrequencyHz(FrequencyHz(ch)); err != nil {
		return newErr("programChannel", Radio, err)
	}
	if err := e.radio.SetWhiteningSeed(radio.WhiteningSeed(ch)); err != nil {
		return newErr("programChannel", Radio, err)
	}
	if err := e.radio.SetSyncWord(radio.SyncWordFromAccessAddress(aa)); err != nil {
		return newErr("programChannel", Radio, err)
	}
	if err := e.radio.SetCRCSeed(crcInit); err != nil {
		return newErr("programChannel", Radio, err)
	}
	return nil
}

// Disconnect requests a user-initiated teardown: the next event queues an
// LL_TERMINATE_IND and, once it has gone out, the engine transitions to
// Idle and invokes OnDisconnected(reason).
func (e *Engine) Disconnect(reason byte) error {
	if e.ctx.State != Connected {
		return newErr("Disconnect", NotConnected, nil)
	}
	e.ctx.pendingControl = append(e.ctx.pendingControl, encodeTerminateInd(reason))
	e.ctx.State = Disconnecting
	e.pendingDisconnectReason = &reason
	return nil
}
