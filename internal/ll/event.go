package ll

import (
	"github.com/chaz8081/blectl/internal/channel"
	"github.com/chaz8081/blectl/internal/radio"
)

// windowWideningPerSecondUS is the per-second clock-drift allowance added to
// each successive RX window, per spec §4.6 step 7's simplified model (no
// peer SCA is ever learned in this subset, so both ends are assumed to
// drift at the simplified 32ppm-equivalent bound).
const windowWideningPerSecondUS = 32

// Tick drives exactly one connection event to completion: channel select,
// anchor wait, TX, T_IFS wait, RX, PDU processing, and anchor/event-counter
// advance (spec §4.6, "the heart of the design"). It must be called once per
// connection interval by the caller's scheduling loop. It returns false once
// the connection has ended (supervision timeout, peer terminate, or local
// disconnect completed), after invoking Callbacks.OnDisconnected.
func (e *Engine) Tick() (bool, error) {
	switch e.ctx.State {
	case Connecting:
		return e.firstEvent()
	case Connected, Disconnecting:
		return e.subsequentEvent()
	default:
		return false, newErr("Tick", NotConnected, nil)
	}
}

// firstEvent waits for the first anchor point and listens for the peer's
// first Data PDU, completing the transition into Connected on success.
func (e *Engine) firstEvent() (bool, error) {
	ch, err := channel.Next(&e.ctx.ChanState, e.ctx.HopIncrement, e.ctx.ChannelMap)
	if err != nil {
		return false, newErr("Tick", Protocol, err)
	}
	e.ctx.CurrentChannel = ch

	if err := e.programChannel(ch, e.ctx.AccessAddress, e.ctx.CRCInit); err != nil {
		return false, err
	}
	defer func() { _ = e.radio.Standby() }()

	e.clock.WaitUntilUS(e.ctx.AnchorPointUS)

	ok, crcErr, err := e.receiveOne(defaultRXTimeoutUS)
	if err != nil {
		return false, err
	}
	if !ok {
		e.ctx.ConsecutiveCRCErrors++
		if crcErr {
			e.ctx.TotalCRCErrors++
		}
		if e.ctx.ConsecutiveCRCErrors > preConnectionCRCErrorLimit {
			e.finishDisconnect(ReasonSupervisionTimeout)
			return false, nil
		}
		e.ctx.AnchorPointUS += e.ctx.IntervalUS
		e.ctx.EventCounter++
		return true, nil
	}

	e.ctx.ConsecutiveCRCErrors = 0
	e.ctx.ConnectedSinceUS = e.clock.NowUS()
	e.ctx.LastSuccessfulRXUS = e.ctx.ConnectedSinceUS
	e.ctx.State = Connected
	e.log().Info("ll: connected", "peer", e.ctx.PeerAddr, "channel", ch)
	if e.cb.OnConnected != nil {
		e.cb.OnConnected()
	}

	e.ctx.AnchorPointUS += e.ctx.IntervalUS
	e.ctx.EventCounter++
	return true, nil
}

// subsequentEvent runs one ordinary connection event per spec §4.6 steps
// 1-8, including the outbound control-PDU queue, the MD-driven upper-layer
// pull, and the supervision-timeout check.
func (e *Engine) subsequentEvent() (bool, error) {
	e.loadTxBuffer()

	if e.maySkipForLatency() {
		e.latencySkipped++
		e.advanceAnchor()
		return e.checkSupervision()
	}
	e.latencySkipped = 0

	ch, err := channel.Next(&e.ctx.ChanState, e.ctx.HopIncrement, e.ctx.ChannelMap)
	if err != nil {
		return false, newErr("Tick", Protocol, err)
	}
	e.ctx.CurrentChannel = ch

	if err := e.programChannel(ch, e.ctx.AccessAddress, e.ctx.CRCInit); err != nil {
		return false, err
	}
	defer func() { _ = e.radio.Standby() }()

	// Open the window early by the accumulated drift allowance (spec §4.6
	// step 2).
	anchor := e.ctx.AnchorPointUS
	if e.ctx.WindowWideningUS < anchor {
		anchor -= e.ctx.WindowWideningUS
	}
	e.clock.WaitUntilUS(anchor)

	if err := e.transmitOne(); err != nil {
		return false, err
	}

	e.clock.DelayUS(T_IFS_US)

	rxTimeout := uint32(defaultRXTimeoutUS + 2*e.ctx.WindowWideningUS)
	ok, crcErr, err := e.receiveOne(rxTimeout)
	if err != nil {
		return false, err
	}

	if e.ctx.State == Idle {
		// receiveOne processed a TERMINATE_IND and already tore down.
		return false, nil
	}

	if ok {
		e.ctx.LastSuccessfulRXUS = e.clock.NowUS()
		e.ctx.ConsecutiveCRCErrors = 0
	} else {
		e.ctx.ConsecutiveCRCErrors++
		if crcErr {
			e.ctx.TotalCRCErrors++
			e.log().Warn("ll: crc error", "channel", ch, "consecutive", e.ctx.ConsecutiveCRCErrors)
		}
	}

	if e.pendingDisconnectReason != nil && len(e.ctx.pendingControl) == 0 && !e.ctx.TxPending {
		reason := *e.pendingDisconnectReason
		e.finishDisconnect(reason)
		return false, nil
	}

	e.advanceAnchor()
	return e.checkSupervision()
}

// advanceAnchor moves the schedule forward one interval and accumulates
// window widening per spec §4.6 step 7's simplified 32us-per-second model,
// measured from the last successfully received anchor.
func (e *Engine) advanceAnchor() {
	e.ctx.AnchorPointUS += e.ctx.IntervalUS
	e.ctx.EventCounter++

	elapsed := e.ctx.AnchorPointUS - e.ctx.LastSuccessfulRXUS
	widening := elapsed / 1_000_000 * windowWideningPerSecondUS
	if limit := e.ctx.IntervalUS / 2; widening > limit {
		widening = limit
	}
	e.ctx.WindowWideningUS = widening
}

// checkSupervision applies the time-based supervision rule of spec §4.6
// step 8 after an event (or a latency skip) has advanced the schedule.
func (e *Engine) checkSupervision() (bool, error) {
	if e.clock.NowUS()-e.ctx.LastSuccessfulRXUS > e.ctx.SupervisionUS {
		e.log().Error("ll: supervision timeout", "peer", e.ctx.PeerAddr)
		e.finishDisconnect(ReasonSupervisionTimeout)
		return false, nil
	}
	return true, nil
}

// maySkipForLatency reports whether this event may be skipped under the
// negotiated slave latency: only while Connected, only when nothing is
// pending on our side and the peer did not signal more data, and never more
// than SlaveLatency events in a row (spec §4.6 step 8).
func (e *Engine) maySkipForLatency() bool {
	if e.ctx.State != Connected || e.ctx.SlaveLatency == 0 {
		return false
	}
	if e.latencySkipped >= uint16(e.ctx.SlaveLatency) {
		return false
	}
	if e.ctx.TxPending || e.ctx.MoreData || len(e.ctx.pendingControl) > 0 {
		return false
	}
	if e.sink != nil && e.sink.PendingOutbound() {
		return false
	}
	return true
}

// loadTxBuffer stages this connection's next outbound PDU into the context's
// single TX slot if it is free: a queued control PDU takes priority, then
// the upper layer's next fragment via Sink.NextOutbound. An occupied slot is
// left untouched so an unacknowledged PDU retransmits with the same SN
// (spec §4.6 step 6: "retain buffer for retransmission next event").
func (e *Engine) loadTxBuffer() {
	if e.ctx.TxPending {
		return
	}
	switch {
	case len(e.ctx.pendingControl) > 0:
		e.ctx.TxBuffer = e.ctx.pendingControl[0]
		e.ctx.pendingControl = e.ctx.pendingControl[1:]
		e.ctx.TxLLID = LLIDControl
		e.ctx.TxPending = true
		e.ctx.TxMoreDataPending = len(e.ctx.pendingControl) > 0 || (e.sink != nil && e.sink.PendingOutbound())
	case e.sink != nil:
		if llid, payload, more, ok := e.sink.NextOutbound(); ok {
			e.ctx.TxBuffer = payload
			e.ctx.TxLLID = llid
			e.ctx.TxPending = true
			e.ctx.TxMoreDataPending = more
		}
	}
}

// transmitOne sends the staged TX slot, or an empty LL Data PDU to keep the
// link alive when nothing is staged (spec §4.6 step 3).
func (e *Engine) transmitOne() error {
	var llid LLID
	var payload []byte
	md := false
	if e.ctx.TxPending {
		llid = e.ctx.TxLLID
		payload = e.ctx.TxBuffer
		md = e.ctx.TxMoreDataPending
	}

	if err := validateDataLength(len(payload)); err != nil {
		return newErr("transmitOne", Param, err)
	}

	hdr := EncodeDataHeader(DataHeader{
		LLID:   llidOrContinuation(llid, payload),
		NESN:   e.ctx.NextExpectedSeqNum,
		SN:     e.ctx.TxSeqNum,
		MD:     md,
		Length: uint8(len(payload)),
	})

	if err := e.radio.WriteBuffer(0, hdr[:]); err != nil {
		return newErr("transmitOne", Radio, err)
	}
	if len(payload) > 0 {
		if err := e.radio.WriteBuffer(2, payload); err != nil {
			return newErr("transmitOne", Radio, err)
		}
	}
	if err := e.radio.Transmit(); err != nil {
		return newErr("transmitOne", Radio, err)
	}
	status, err := e.radio.Status()
	if err != nil {
		return newErr("transmitOne", Radio, err)
	}
	_ = e.radio.ClearStatus(status)
	return nil
}

func llidOrContinuation(llid LLID, payload []byte) LLID {
	if llid == 0 {
		if len(payload) == 0 {
			return LLIDContinuation
		}
		return LLIDStart
	}
	return llid
}

// receiveOne arms the receiver for one RX window and, on success, validates
// the sequence numbers, acknowledges, and dispatches the payload (spec §4.6
// steps 5-6). ok is false on timeout or CRC error; crcErr distinguishes the
// two for the caller's CRC-error accounting.
func (e *Engine) receiveOne(timeoutUS uint32) (ok bool, crcErr bool, err error) {
	timeoutMS := timeoutUS / 1000
	if timeoutMS == 0 {
		timeoutMS = 1
	}
	if rerr := e.radio.Receive(timeoutMS); rerr != nil {
		return false, false, newErr("receiveOne", Radio, rerr)
	}

	status, serr := e.radio.Status()
	if serr != nil {
		return false, false, newErr("receiveOne", Radio, serr)
	}
	_ = e.radio.ClearStatus(status)

	if status&radio.IRQRxTimeout != 0 {
		return false, false, nil
	}
	if status&radio.IRQCRCError != 0 {
		return false, true, nil
	}
	if status&radio.IRQRxDone == 0 {
		return false, false, nil
	}

	rssi, _ := e.radio.RSSI()
	e.ctx.LastRSSI = rssi

	hdrBytes, rerr := e.radio.ReadBuffer(0, 2)
	if rerr != nil {
		return false, false, newErr("receiveOne", Radio, rerr)
	}
	hdr := DecodeDataHeader([2]byte{hdrBytes[0], hdrBytes[1]})

	var payload []byte
	if hdr.Length > 0 {
		payload, rerr = e.radio.ReadBuffer(2, int(hdr.Length))
		if rerr != nil {
			return false, false, newErr("receiveOne", Radio, rerr)
		}
	}

	e.ctx.RxBuffer = payload
	e.ctx.MoreData = hdr.MD

	if hdr.NESN != e.ctx.TxSeqNum {
		e.ctx.TxSeqNum ^= 1
		e.ctx.TxPending = false
	}

	if hdr.SN == e.ctx.NextExpectedSeqNum {
		e.ctx.NextExpectedSeqNum ^= 1
		if hdr.LLID == LLIDControl {
			if reason, disconnect := e.dispatchControl(payload); disconnect {
				e.finishDisconnect(reason)
				return true, false, nil
			}
		} else if e.sink != nil && len(payload) > 0 {
			e.sink.HandleLLPayload(hdr.LLID, payload)
		}
	}
	// A repeated SN means the peer didn't see our ack; NESN already reflects
	// what we've accepted, so no re-dispatch is needed (spec §6 ARQ).

	return true, false, nil
}

// finishDisconnect tears the connection down and notifies the application.
func (e *Engine) finishDisconnect(reason byte) {
	e.ctx.State = Idle
	e.pendingDisconnectReason = nil
	e.latencySkipped = 0
	e.ctx.Reset()
	if e.cb.OnDisconnected != nil {
		e.cb.OnDisconnected(reason)
	}
}
