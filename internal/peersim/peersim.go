// Package peersim is a scripted BLE peripheral that plugs into the
// simulated radio driver (radio.Sim) as its PeerScript: it advertises,
// accepts CONNECT_REQ, runs the slave half of the Link-Layer sequence
// protocol, and answers ATT requests from an in-memory attribute table.
// The end-to-end scenario tests and the host CLI's simulate mode both
// drive the real stack against it, the way the teacher's mockAdapter
// plays the OS BLE stack for its client tests.
package peersim

import (
	"sync"

	"github.com/chaz8081/blectl/internal/att"
	"github.com/chaz8081/blectl/internal/l2cap"
	"github.com/chaz8081/blectl/internal/ll"
)

// outFrag is one queued Link-Layer fragment.
type outFrag struct {
	llid    ll.LLID
	payload []byte
}

// WriteRecord is one attribute write the peripheral received.
type WriteRecord struct {
	Handle uint16
	Value  []byte
	Cmd    bool // true for Write Command
}

// Options configures a Peripheral.
type Options struct {
	// Addr is the peripheral's advertised address.
	Addr ll.Addr
	// Name is returned for Device Name reads (handle 0x0003).
	Name string
	// ServiceUUID16 is returned for primary-service discovery.
	ServiceUUID16 uint16
	// ServiceHandle anchors the advertised service.
	ServiceHandle uint16
	// ServerMTU is the receive MTU offered during MTU exchange
	// (default 23).
	ServerMTU uint16
	// AdvData is appended after the address in ADV_IND payloads.
	AdvData []byte
}

// Peripheral is the fake peer. All methods are safe for use from the test
// goroutine while the stack runs; Reply itself is invoked under the
// simulated radio's lock.
type Peripheral struct {
	mu sync.Mutex

	opts Options

	connected bool
	connReq   ll.ConnectReq

	sn   uint8
	nesn uint8

	txQueue  []outFrag // pending LL fragments awaiting transmission
	inFlight bool

	reasm l2cap.Reassembler

	attrs   map[uint16][]byte
	writes  []WriteRecord
	onWrite func(handle uint16, value []byte)

	corruptNext  int
	silent       bool
	dropWriteRsp int // swallow the next N write responses (request timeouts)

	recvControls [][]byte

	terminated   bool
	termReason   byte
	eventsSeen   int
	channelsSeen []int
}

// New builds a Peripheral. A zero ServerMTU defaults to 23; a zero
// ServiceUUID16 defaults to the Nordic-UART service.
func New(opts Options) *Peripheral {
	if opts.ServerMTU == 0 {
		opts.ServerMTU = att.MTUDefault
	}
	if opts.ServiceUUID16 == 0 {
		opts.ServiceUUID16 = 0xFFE0
	}
	if opts.ServiceHandle == 0 {
		opts.ServiceHandle = 0x000C
	}
	return &Peripheral{
		opts:  opts,
		attrs: make(map[uint16][]byte),
	}
}

// SetAttr installs or replaces a readable attribute value.
func (p *Peripheral) SetAttr(handle uint16, value []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attrs[handle] = append([]byte(nil), value...)
}

// SetOnWrite registers a hook invoked for every received write, before the
// response is queued.
func (p *Peripheral) SetOnWrite(fn func(handle uint16, value []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onWrite = fn
}

// CorruptNext makes the next n replies arrive with a CRC error.
func (p *Peripheral) CorruptNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.corruptNext = n
}

// SetSilent stops (or resumes) all replies, simulating a peer that has
// gone out of range.
func (p *Peripheral) SetSilent(silent bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.silent = silent
}

// Notify queues a HANDLE_VALUE_NTF for delivery on the next events.
func (p *Peripheral) Notify(handle uint16, value []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queueATT(att.HandleValueNtf{Handle: handle, Value: value}.Encode())
}

// Connected reports whether a CONNECT_REQ has been accepted and no
// terminate has been seen.
func (p *Peripheral) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// ConnReq returns the accepted CONNECT_REQ parameters.
func (p *Peripheral) ConnReq() ll.ConnectReq {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connReq
}

// Writes returns the attribute writes received so far.
func (p *Peripheral) Writes() []WriteRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WriteRecord, len(p.writes))
	copy(out, p.writes)
	return out
}

// Terminated returns the reason byte of a received LL_TERMINATE_IND, and
// whether one arrived.
func (p *Peripheral) Terminated() (byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.termReason, p.terminated
}

// EventsSeen counts the connection events the peripheral serviced.
func (p *Peripheral) EventsSeen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.eventsSeen
}

// ChannelsSeen lists the data channels connection events arrived on.
func (p *Peripheral) ChannelsSeen() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.channelsSeen))
	copy(out, p.channelsSeen)
	return out
}

// Reply implements radio.PeerScript.
func (p *Peripheral) Reply(channel int, tx []byte) (reply []byte, corrupt bool, timeout bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.silent {
		return nil, false, true
	}

	if !p.connected {
		if channel >= 37 {
			return p.advPDU(), false, false
		}
		// Host listens on a data channel: its last transmit should be the
		// CONNECT_REQ still in the simulated TX buffer.
		if req, ok := parseConnectReq(tx); ok {
			p.connected = true
			p.connReq = req
			p.sn = 0
			p.nesn = 0
			p.txQueue = nil
			p.inFlight = false
			p.reasm = l2cap.Reassembler{}
			return p.buildReply(), false, false
		}
		return nil, false, true
	}

	p.eventsSeen++
	p.channelsSeen = append(p.channelsSeen, channel)

	if len(tx) >= 2 {
		hdr := ll.DecodeDataHeader([2]byte{tx[0], tx[1]})
		var payload []byte
		if int(hdr.Length) > 0 && len(tx) >= 2+int(hdr.Length) {
			payload = tx[2 : 2+int(hdr.Length)]
		}

		if hdr.NESN != p.sn {
			p.sn = hdr.NESN
			if p.inFlight {
				p.txQueue = p.txQueue[1:]
				p.inFlight = false
			}
		}

		if hdr.SN == p.nesn {
			p.nesn ^= 1
			p.consume(hdr.LLID, payload)
		}
	}

	if p.corruptNext > 0 {
		p.corruptNext--
		return nil, true, false
	}
	if p.terminated {
		p.connected = false
		return p.buildReply(), false, false
	}
	return p.buildReply(), false, false
}

// advPDU builds an ADV_IND with the peripheral's address and adv data.
func (p *Peripheral) advPDU() []byte {
	body := append(append([]byte(nil), p.opts.Addr[:]...), p.opts.AdvData...)
	hdr := []byte{0x00 | 1<<6, byte(len(body))} // ADV_IND, TxAdd=1
	return append(hdr, body...)
}

func parseConnectReq(tx []byte) (ll.ConnectReq, bool) {
	if len(tx) < 2+ll.ConnectReqBodyLen {
		return ll.ConnectReq{}, false
	}
	if tx[0]&0x0F != 0x5 || tx[1]&0x3F != ll.ConnectReqBodyLen {
		return ll.ConnectReq{}, false
	}
	var body [ll.ConnectReqBodyLen]byte
	copy(body[:], tx[2:2+ll.ConnectReqBodyLen])
	return ll.DecodeConnectReq(body), true
}

// consume processes one accepted host PDU.
func (p *Peripheral) consume(llid ll.LLID, payload []byte) {
	switch llid {
	case ll.LLIDControl:
		if len(payload) >= 1 && payload[0] == ll.OpcodeTerminateInd {
			p.terminated = true
			p.termReason = 0
			if len(payload) >= 2 {
				p.termReason = payload[1]
			}
			return
		}
		p.recvControls = append(p.recvControls, append([]byte(nil), payload...))
	case ll.LLIDStart, ll.LLIDContinuation:
		if len(payload) == 0 {
			return
		}
		cid, pdu, done, err := p.reasm.Push(llid, payload)
		if err != nil || !done || cid != l2cap.CIDAtt {
			return
		}
		p.handleATT(pdu)
	}
}

// handleATT answers one ATT request from the attribute table.
func (p *Peripheral) handleATT(pdu []byte) {
	req, err := att.Decode(pdu)
	if err != nil {
		return
	}
	switch r := req.(type) {
	case att.ExchangeMTUReq:
		p.queueATT(att.ExchangeMTURsp{ServerRxMTU: p.opts.ServerMTU}.Encode())
	case att.ReadReq:
		if r.Handle == 0x0003 && p.opts.Name != "" {
			p.queueATT(att.ReadRsp{Value: []byte(p.opts.Name)}.Encode())
			return
		}
		if v, ok := p.attrs[r.Handle]; ok {
			p.queueATT(att.ReadRsp{Value: v}.Encode())
			return
		}
		p.queueATT(att.ErrorRsp{ReqOpcode: att.OpReadReq, Handle: r.Handle, Code: 0x01}.Encode())
	case att.ReadByTypeReq:
		if r.Type == 0x2800 {
			p.queueATT(att.ReadByTypeRsp{Attributes: []att.AttributeData{{
				Handle: p.opts.ServiceHandle,
				Value:  []byte{byte(p.opts.ServiceUUID16), byte(p.opts.ServiceUUID16 >> 8)},
			}}}.Encode())
			return
		}
		p.queueATT(att.ErrorRsp{ReqOpcode: att.OpReadByTypeReq, Handle: r.StartHandle, Code: 0x0A}.Encode())
	case att.WriteReq:
		p.writes = append(p.writes, WriteRecord{Handle: r.Handle, Value: append([]byte(nil), r.Value...)})
		if p.onWrite != nil {
			p.onWrite(r.Handle, r.Value)
		}
		if p.dropWriteRsp > 0 {
			p.dropWriteRsp--
			return
		}
		p.queueATT(att.WriteRsp{}.Encode())
	case att.WriteCmd:
		p.writes = append(p.writes, WriteRecord{Handle: r.Handle, Value: append([]byte(nil), r.Value...), Cmd: true})
		if p.onWrite != nil {
			p.onWrite(r.Handle, r.Value)
		}
	case att.HandleValueCfm:
		// confirmation of an indication; nothing to do
	}
}

// DropWriteResponses swallows the next n Write Request acknowledgements,
// for request-timeout scenarios.
func (p *Peripheral) DropWriteResponses(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropWriteRsp = n
}

// queueATT frames an ATT PDU on the fixed channel and appends its LL
// fragments to the transmit queue. Caller must hold mu.
func (p *Peripheral) queueATT(pdu []byte) {
	frags := l2cap.Fragments(l2cap.Frame(l2cap.CIDAtt, pdu), l2cap.DefaultFragmentSize)
	for i, f := range frags {
		llid := ll.LLIDContinuation
		if i == 0 {
			llid = ll.LLIDStart
		}
		p.txQueue = append(p.txQueue, outFrag{llid: llid, payload: f})
	}
}

// QueueControl queues a raw LL Control PDU payload (opcode first) for
// transmission on the next event.
func (p *Peripheral) QueueControl(payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txQueue = append(p.txQueue, outFrag{llid: ll.LLIDControl, payload: append([]byte(nil), payload...)})
}

// RecvControls lists the LL Control PDU payloads received from the host,
// excluding the terminate recorded by Terminated.
func (p *Peripheral) RecvControls() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.recvControls))
	for i, c := range p.recvControls {
		out[i] = append([]byte(nil), c...)
	}
	return out
}

// buildReply assembles the peripheral's PDU for this event: the front of
// the fragment queue, or an empty keep-alive. Caller must hold mu.
func (p *Peripheral) buildReply() []byte {
	llid := ll.LLIDContinuation
	var payload []byte
	if len(p.txQueue) > 0 {
		llid = p.txQueue[0].llid
		payload = p.txQueue[0].payload
		p.inFlight = true
	}
	hdr := ll.EncodeDataHeader(ll.DataHeader{
		LLID:   llid,
		NESN:   p.nesn,
		SN:     p.sn,
		MD:     len(p.txQueue) > 1,
		Length: uint8(len(payload)),
	})
	return append(hdr[:], payload...)
}
