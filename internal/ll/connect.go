package ll

import (
	"context"
	"fmt"

	"github.com/chaz8081/blectl/internal/accessaddr"
	"github.com/chaz8081/blectl/internal/channel"
)

// unit1250US is the 1.25ms unit CONNECT_REQ's Interval/WinSize/WinOffset
// fields are expressed in (spec §4.5).
const unit1250US = 1250

// unit10msUS is the 10ms unit CONNECT_REQ's Timeout (supervision timeout)
// field is expressed in.
const unit10msUS = 10_000

// ConnectOptions carries the connection parameters the initiator proposes
// in CONNECT_REQ (spec §4.5). All duration fields are in microseconds; they
// are quantized to the PDU's native units when encoded.
type ConnectOptions struct {
	IntervalUS    uint64
	SlaveLatency  uint16
	SupervisionUS uint64
	WinSizeUS     uint64
	WinOffsetUS   uint64
}

// DefaultConnectOptions returns the conservative connection parameters used
// when the caller has no specific requirement: a 30ms interval, zero slave
// latency, and a 4s supervision timeout, well inside the BLE
// "Timeout > (1+Latency) * Interval * 2" rule.
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{
		IntervalUS:    30_000,
		SlaveLatency:  0,
		SupervisionUS: 4_000_000,
		WinSizeUS:     2_500,
		WinOffsetUS:   1_250,
	}
}

// Connect scans for target (or a filter match), transmits CONNECT_REQ on
// the same advertising channel immediately on a match, and arms the
// connection context for the first event. It returns once the CONNECT_REQ
// has been sent; the caller drives the event loop via Tick to learn whether
// the peer actually connects.
func (e *Engine) Connect(ctx context.Context, target Addr, filter ScanFilter, opts ConnectOptions) error {
	res, err := e.Scan(ctx, target, filter)
	if err != nil {
		return err
	}

	if opts.IntervalUS == 0 {
		opts = DefaultConnectOptions()
	}
	if err := validateConnectOptions(opts); err != nil {
		return newErr("Connect", Param, err)
	}

	aa, err := accessaddr.Generate(e.rng)
	if err != nil {
		return newErr("Connect", Param, err)
	}
	crcInit := e.rng.Next() & 0xFFFFFF // fresh per connection; any 24-bit value is valid (spec §4.5)

	hopIncrement := 5 + int(e.rng.Next()%12) // draw from [5,16]

	req := ConnectReq{
		InitAddr:     e.ctx.LocalAddr,
		AdvAddr:      res.PeerAddr,
		AccessAddr:   aa,
		CRCInit:      crcInit,
		WinSize:      uint8(opts.WinSizeUS / unit1250US),
		WinOffset:    uint16(opts.WinOffsetUS / unit1250US),
		Interval:     uint16(opts.IntervalUS / unit1250US),
		Latency:      opts.SlaveLatency,
		Timeout:      uint16(opts.SupervisionUS / unit10msUS),
		ChannelMap:   channel.AllChannels.Bytes(),
		HopIncrement: uint8(hopIncrement),
		SCA:          0,
	}
	body := req.Encode()
	pduLen := ConnectReqBodyLen

	advHdr := [2]byte{byte(0x5) | (1 << 6), byte(pduLen)} // CONNECT_REQ PDU type 0x5, TxAdd=1 (random)
	if err := e.radio.WriteBuffer(0, advHdr[:]); err != nil {
		return newErr("Connect", Radio, err)
	}
	if err := e.radio.WriteBuffer(2, body[:]); err != nil {
		return newErr("Connect", Radio, err)
	}
	if err := e.radio.Transmit(); err != nil {
		return newErr("Connect", Radio, err)
	}
	status, err := e.radio.Status()
	if err != nil {
		return newErr("Connect", Radio, err)
	}
	_ = e.radio.ClearStatus(status)

	e.ctx.Role = Master
	e.ctx.PeerAddr = res.PeerAddr
	e.ctx.AccessAddress = aa
	e.ctx.CRCInit = crcInit
	e.ctx.HopIncrement = hopIncrement
	e.ctx.ChannelMap = channel.AllChannels
	e.ctx.ChanState = channel.State{LastUnmapped: 0}
	e.ctx.IntervalUS = opts.IntervalUS
	e.ctx.SlaveLatency = opts.SlaveLatency
	e.ctx.SupervisionUS = opts.SupervisionUS
	e.ctx.EventCounter = 0
	e.ctx.WindowWideningUS = 0
	e.ctx.TxSeqNum = 0
	e.ctx.NextExpectedSeqNum = 0
	e.ctx.ConsecutiveCRCErrors = 0

	// First anchor point: a fixed 1.25ms after the end of CONNECT_REQ plus
	// the transmit window offset (spec §4.5). The window size only bounds
	// how late the first packet may arrive; it does not shift the anchor.
	e.ctx.AnchorPointUS = e.clock.NowUS() + unit1250US + opts.WinOffsetUS
	e.ctx.State = Connecting

	e.log().Info("ll: sent CONNECT_REQ", "peer", res.PeerAddr, "access_address", aa, "hop_increment", hopIncrement)
	return nil
}

func validateConnectOptions(opts ConnectOptions) error {
	if opts.IntervalUS == 0 {
		return fmt.Errorf("ll: connect interval must be non-zero")
	}
	minTimeout := (1 + uint64(opts.SlaveLatency)) * opts.IntervalUS * 2
	if opts.SupervisionUS <= minTimeout {
		return fmt.Errorf("ll: supervision timeout %dus must exceed (1+latency)*interval*2 = %dus", opts.SupervisionUS, minTimeout)
	}
	return nil
}
