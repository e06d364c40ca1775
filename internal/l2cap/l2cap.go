// Package l2cap implements the BLE L2CAP fixed-channel mux for channel
// 0x0004 (ATT): framing outbound ATT PDUs behind the 4-byte basic header,
// fragmenting frames across Link-Layer PDU boundaries, and reassembling
// inbound fragments by LLID before dispatching on CID.
package l2cap

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/blectl/internal/ll"
)

// CIDAtt is the fixed L2CAP channel that carries ATT (spec §4.7).
const CIDAtt uint16 = 0x0004

// HeaderLen is the basic L2CAP header: Length[2B LE] | CID[2B LE].
const HeaderLen = 4

// DefaultFragmentSize is the largest LL Data PDU payload a single fragment
// occupies. 27 bytes is the BLE 4.2 default LL payload; the connection
// context's TX slot is sized for it (spec §3: "tx_buffer[>=27]").
const DefaultFragmentSize = 27

// Frame prepends the basic L2CAP header to an upper-layer PDU.
func Frame(cid uint16, pdu []byte) []byte {
	out := make([]byte, HeaderLen+len(pdu))
	out[0] = byte(len(pdu))
	out[1] = byte(len(pdu) >> 8)
	out[2] = byte(cid)
	out[3] = byte(cid >> 8)
	copy(out[HeaderLen:], pdu)
	return out
}

// Fragments splits a framed L2CAP PDU into LL-sized fragments. It returns
// the raw bytes only; the sender marks the first fragment LLID=10 (start)
// and the rest LLID=01 (spec §4.7), as Mux.NextOutbound does.
func Fragments(frame []byte, maxFragment int) [][]byte {
	if maxFragment <= 0 {
		maxFragment = DefaultFragmentSize
	}
	var frags [][]byte
	for len(frame) > 0 {
		n := len(frame)
		if n > maxFragment {
			n = maxFragment
		}
		frag := make([]byte, n)
		copy(frag, frame[:n])
		frags = append(frags, frag)
		frame = frame[n:]
	}
	return frags
}

// Reassembler accumulates inbound LL fragments into a complete L2CAP frame,
// keyed off the LLID start/continuation distinction and the length field in
// the basic header.
type Reassembler struct {
	buf      []byte
	expected int
	active   bool
}

// Push adds one received LL fragment. It returns the complete frame's CID
// and payload once the frame's length field is satisfied, or done=false
// while more fragments are needed. A start fragment while a frame is in
// progress abandons the partial frame and begins anew.
func (r *Reassembler) Push(llid ll.LLID, fragment []byte) (cid uint16, payload []byte, done bool, err error) {
	switch llid {
	case ll.LLIDStart:
		r.buf = append(r.buf[:0], fragment...)
		r.active = true
	case ll.LLIDContinuation:
		if !r.active {
			return 0, nil, false, fmt.Errorf("l2cap: continuation fragment with no frame in progress")
		}
		r.buf = append(r.buf, fragment...)
	default:
		return 0, nil, false, fmt.Errorf("l2cap: unexpected llid %d", llid)
	}

	if len(r.buf) < HeaderLen {
		return 0, nil, false, nil
	}
	r.expected = HeaderLen + int(uint16(r.buf[0])|uint16(r.buf[1])<<8)
	if len(r.buf) < r.expected {
		return 0, nil, false, nil
	}
	if len(r.buf) > r.expected {
		r.active = false
		return 0, nil, false, fmt.Errorf("l2cap: frame overrun: got %d bytes, header says %d", len(r.buf), r.expected)
	}

	cid = uint16(r.buf[2]) | uint16(r.buf[3])<<8
	payload = make([]byte, r.expected-HeaderLen)
	copy(payload, r.buf[HeaderLen:])
	r.active = false
	return cid, payload, true, nil
}

// Mux is the fixed-channel mux the Link-Layer engine pulls outbound
// fragments from and pushes inbound ones to (it satisfies ll.Sink). Frames
// on any CID other than 0x0004 are discarded (spec §4.7).
type Mux struct {
	mu sync.Mutex

	fragmentSize int
	outbound     [][]byte // pending LL fragments, oldest first
	firstOfFrame []bool   // parallel to outbound: true for start fragments

	reasm      Reassembler
	attHandler func(pdu []byte)
	logger     *slog.Logger
}

// MuxOption configures a Mux.
type MuxOption func(*Mux)

// WithFragmentSize overrides the LL fragment size used for outbound frames.
func WithFragmentSize(n int) MuxOption {
	return func(m *Mux) { m.fragmentSize = n }
}

// WithLogger sets the mux's logger.
func WithLogger(l *slog.Logger) MuxOption {
	return func(m *Mux) { m.logger = l }
}

// NewMux returns a Mux with no ATT handler registered; inbound ATT frames
// are dropped until SetATTHandler is called.
func NewMux(opts ...MuxOption) *Mux {
	m := &Mux{fragmentSize: DefaultFragmentSize}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetATTHandler registers the consumer of complete inbound ATT PDUs.
func (m *Mux) SetATTHandler(fn func(pdu []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attHandler = fn
}

func (m *Mux) log() *slog.Logger {
	if m.logger == nil {
		return slog.Default()
	}
	return m.logger
}

// SendATT frames an ATT PDU on CID 0x0004 and queues its fragments for
// transmission.
func (m *Mux) SendATT(pdu []byte) error {
	if len(pdu) == 0 {
		return fmt.Errorf("l2cap: empty att pdu")
	}
	frags := Fragments(Frame(CIDAtt, pdu), m.fragmentSize)

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, f := range frags {
		m.outbound = append(m.outbound, f)
		m.firstOfFrame = append(m.firstOfFrame, i == 0)
	}
	return nil
}

// NextOutbound pops the next pending fragment for the Link-Layer engine.
func (m *Mux) NextOutbound() (llid ll.LLID, payload []byte, moreAfter bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.outbound) == 0 {
		return 0, nil, false, false
	}
	payload = m.outbound[0]
	if m.firstOfFrame[0] {
		llid = ll.LLIDStart
	} else {
		llid = ll.LLIDContinuation
	}
	m.outbound = m.outbound[1:]
	m.firstOfFrame = m.firstOfFrame[1:]
	return llid, payload, len(m.outbound) > 0, true
}

// PendingOutbound reports whether fragments await transmission.
func (m *Mux) PendingOutbound() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outbound) > 0
}

// HandleLLPayload feeds one received LL Data PDU fragment into reassembly
// and dispatches the frame once complete.
func (m *Mux) HandleLLPayload(llid ll.LLID, payload []byte) {
	m.mu.Lock()
	cid, pdu, done, err := m.reasm.Push(llid, payload)
	handler := m.attHandler
	m.mu.Unlock()

	if err != nil {
		m.log().Warn("l2cap: dropping fragment", "error", err)
		return
	}
	if !done {
		return
	}
	if cid != CIDAtt {
		m.log().Warn("l2cap: discarding frame on unknown cid", "cid", cid)
		return
	}
	if handler != nil {
		handler(pdu)
	}
}
