package att

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/blectl/internal/timing"
)

// Transport carries encoded ATT PDUs toward the peer; the L2CAP fixed-
// channel mux satisfies it.
type Transport interface {
	SendATT(pdu []byte) error
}

// Pump advances the underlying link by one connection event while a request
// waits for its response. In the single-threaded cooperative model of spec
// §5 the ATT client never blocks on a channel; it drives the Link-Layer
// event loop itself until the response PDU arrives through HandleRxPDU.
type Pump func() error

// NotifyFunc receives handle/value pairs from HANDLE_VALUE_NTF and
// HANDLE_VALUE_IND PDUs.
type NotifyFunc func(handle uint16, value []byte)

// Options configures a Client.
type Options struct {
	// RequestTimeout bounds each outstanding request (default 1s).
	RequestTimeout time.Duration
	// RxMTU is the client receive MTU offered during MTU exchange,
	// clamped to [23, 247].
	RxMTU int
}

// DefaultOptions returns the spec defaults.
func DefaultOptions() Options {
	return Options{
		RequestTimeout: time.Second,
		RxMTU:          MTUDefault,
	}
}

// Client is the ATT client state machine: one outstanding request at a
// time, submitted from the foreground task and completed by PDUs arriving
// through HandleRxPDU during event-loop pumping.
type Client struct {
	tr     Transport
	clock  timing.Clock
	pump   Pump
	opts   Options
	logger *slog.Logger

	mtu int

	pending   bool
	reqOpcode byte
	reqHandle uint16
	rsp       []byte
	rspReady  bool

	abortErr error

	notify NotifyFunc
}

// ClientOption configures a Client at construction time.
type ClientOption func(*Client)

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithNotifyHandler registers the notification/indication receiver.
func WithNotifyHandler(fn NotifyFunc) ClientOption {
	return func(c *Client) { c.notify = fn }
}

// NewClient builds a Client over tr, driven by pump and timed by clk.
func NewClient(tr Transport, clk timing.Clock, pump Pump, opts Options, copts ...ClientOption) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = time.Second
	}
	opts.RxMTU = clampMTU(opts.RxMTU)
	c := &Client{
		tr:    tr,
		clock: clk,
		pump:  pump,
		opts:  opts,
		mtu:   MTUDefault,
	}
	for _, o := range copts {
		o(c)
	}
	return c
}

func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

// MTU returns the negotiated MTU (23 until ExchangeMTU succeeds).
func (c *Client) MTU() int { return c.mtu }

// SetNotifyHandler replaces the notification/indication receiver.
func (c *Client) SetNotifyHandler(fn NotifyFunc) { c.notify = fn }

// HandleRxPDU consumes one inbound ATT PDU from the L2CAP mux. It runs in
// the foreground (called from within a pump iteration), so no locking is
// needed against the request path.
func (c *Client) HandleRxPDU(pdu []byte) {
	if len(pdu) == 0 {
		return
	}
	switch pdu[0] {
	case OpHandleValueNtf:
		p, err := Decode(pdu)
		if err != nil {
			c.log().Warn("att: bad notification", "error", err)
			return
		}
		ntf := p.(HandleValueNtf)
		if c.notify != nil {
			c.notify(ntf.Handle, ntf.Value)
		}
	case OpHandleValueInd:
		p, err := Decode(pdu)
		if err != nil {
			c.log().Warn("att: bad indication", "error", err)
			return
		}
		ind := p.(HandleValueInd)
		if err := c.tr.SendATT(HandleValueCfm{}.Encode()); err != nil {
			c.log().Warn("att: sending confirmation", "error", err)
		}
		if c.notify != nil {
			c.notify(ind.Handle, ind.Value)
		}
	default:
		if c.pending && !c.rspReady {
			c.rsp = clone(pdu)
			c.rspReady = true
			return
		}
		c.log().Warn("att: unexpected pdu", "opcode", fmt.Sprintf("0x%02x", pdu[0]))
	}
}

// Abort fails any outstanding request, used by the disconnect path (spec
// §5: a pending request "aborted by a connection disconnect").
func (c *Client) Abort(err error) {
	if err == nil {
		err = newErr("Abort", Disconnected, nil)
	}
	c.abortErr = err
}

// request submits one request PDU and pumps the link until the matching
// response, an ERROR_RSP, an abort, or the request timeout.
func (c *Client) request(op string, req []byte, handle uint16) ([]byte, error) {
	if c.pending {
		return nil, newErr(op, Busy, nil)
	}
	c.pending = true
	c.reqOpcode = req[0]
	c.reqHandle = handle
	c.rspReady = false
	c.abortErr = nil
	defer func() {
		c.pending = false
		c.rsp = nil
		c.rspReady = false
	}()

	if err := c.tr.SendATT(req); err != nil {
		return nil, newErr(op, NotConnected, err)
	}

	deadline := c.clock.NowUS() + uint64(c.opts.RequestTimeout.Microseconds())
	wantRsp := responseFor(c.reqOpcode)
	for {
		if c.rspReady {
			rsp := c.rsp
			switch rsp[0] {
			case wantRsp:
				return rsp, nil
			case OpErrorRsp:
				p, err := Decode(rsp)
				if err != nil {
					return nil, newErr(op, Protocol, err)
				}
				er := p.(ErrorRsp)
				if er.ReqOpcode != c.reqOpcode {
					return nil, newErr(op, Protocol, fmt.Errorf("error rsp for opcode 0x%02x, expected 0x%02x", er.ReqOpcode, c.reqOpcode))
				}
				return nil, &Error{Kind: Protocol, Op: op, Code: er.Code}
			default:
				return nil, newErr(op, Protocol, fmt.Errorf("unexpected response opcode 0x%02x", rsp[0]))
			}
		}
		if c.abortErr != nil {
			return nil, newErr(op, Disconnected, c.abortErr)
		}
		if c.clock.NowUS() >= deadline {
			return nil, newErr(op, Timeout, nil)
		}
		if c.pump == nil {
			return nil, newErr(op, Timeout, fmt.Errorf("no pump attached"))
		}
		if err := c.pump(); err != nil {
			return nil, newErr(op, Disconnected, err)
		}
	}
}

// ExchangeMTU negotiates the ATT MTU and returns the agreed value:
// min(client, server), clamped to [23, 247].
func (c *Client) ExchangeMTU() (int, error) {
	req := ExchangeMTUReq{ClientRxMTU: uint16(c.opts.RxMTU)}
	rsp, err := c.request("ExchangeMTU", req.Encode(), 0)
	if err != nil {
		return 0, err
	}
	p, derr := Decode(rsp)
	if derr != nil {
		return 0, newErr("ExchangeMTU", Protocol, derr)
	}
	server := int(p.(ExchangeMTURsp).ServerRxMTU)
	agreed := c.opts.RxMTU
	if server < agreed {
		agreed = server
	}
	c.mtu = clampMTU(agreed)
	c.log().Debug("att: mtu agreed", "mtu", c.mtu)
	return c.mtu, nil
}

// Read returns the value of the attribute at handle.
func (c *Client) Read(handle uint16) ([]byte, error) {
	rsp, err := c.request("Read", ReadReq{Handle: handle}.Encode(), handle)
	if err != nil {
		return nil, err
	}
	return clone(rsp[1:]), nil
}

// ReadByType returns attributes of the given 16-bit type within the handle
// range, used by GATT profile discovery (spec §4.9).
func (c *Client) ReadByType(start, end, attrType uint16) ([]AttributeData, error) {
	req := ReadByTypeReq{StartHandle: start, EndHandle: end, Type: attrType}
	rsp, err := c.request("ReadByType", req.Encode(), start)
	if err != nil {
		return nil, err
	}
	p, derr := Decode(rsp)
	if derr != nil {
		return nil, newErr("ReadByType", Protocol, derr)
	}
	return p.(ReadByTypeRsp).Attributes, nil
}

// Write performs an acknowledged Write Request. The value must fit in
// mtu-3 bytes.
func (c *Client) Write(handle uint16, value []byte) error {
	if len(value) > c.mtu-3 {
		return newErr("Write", Param, fmt.Errorf("value length %d exceeds mtu-3 = %d", len(value), c.mtu-3))
	}
	_, err := c.request("Write", WriteReq{Handle: handle, Value: value}.Encode(), handle)
	return err
}

// WriteCmd performs a fire-and-forget Write Command; no response is awaited.
func (c *Client) WriteCmd(handle uint16, value []byte) error {
	if len(value) > c.mtu-3 {
		return newErr("WriteCmd", Param, fmt.Errorf("value length %d exceeds mtu-3 = %d", len(value), c.mtu-3))
	}
	if err := c.tr.SendATT(WriteCmd{Handle: handle, Value: value}.Encode()); err != nil {
		return newErr("WriteCmd", NotConnected, err)
	}
	return nil
}

// EnableNotifications writes 0x0001 little-endian to the CCCD (spec §4.8).
func (c *Client) EnableNotifications(cccdHandle uint16) error {
	return c.Write(cccdHandle, []byte{0x01, 0x00})
}

func clampMTU(mtu int) int {
	if mtu < MTUDefault {
		return MTUDefault
	}
	if mtu > MTUMax {
		return MTUMax
	}
	return mtu
}
