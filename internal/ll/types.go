// Package ll implements the BLE Link-Layer connection engine: the scanner,
// initiator, Master connection-event loop, sequence-number/ACK protocol,
// and control-PDU handling that sit directly on top of the radio driver
// contract (internal/radio). This is "THE CORE" named by spec §1.
package ll

import (
	"fmt"

	"github.com/chaz8081/blectl/internal/channel"
)

// Addr is a 6-byte BLE device address.
type Addr [6]byte

func (a Addr) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[5], a[4], a[3], a[2], a[1], a[0])
}

// ParseAddr parses a colon-separated MAC-style address string
// ("11:22:33:44:55:66") into an Addr, on-air byte order (last octet first
// in the string, matching common BLE address display convention).
func ParseAddr(s string) (Addr, error) {
	var a Addr
	var b [6]int
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x", &b[0], &b[1], &b[2], &b[3], &b[4], &b[5])
	if err != nil || n != 6 {
		return a, fmt.Errorf("ll: invalid address %q", s)
	}
	for i := 0; i < 6; i++ {
		a[5-i] = byte(b[i])
	}
	return a, nil
}

// RandomStaticAddr marks a as a random static address by setting the top
// two bits of the most significant octet, per spec §3.
func RandomStaticAddr(a Addr) Addr {
	a[5] |= 0xC0
	return a
}

// Role enumerates the Link-Layer roles. Only Master is implemented; any
// attempt to drive Slave-role state transitions must be rejected at the API
// boundary (spec §3).
type Role int

const (
	Master Role = iota
	Slave
)

// State enumerates the connection context's lifecycle states (spec §3).
type State int

const (
	Idle State = iota
	Scanning
	Initiating
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Initiating:
		return "initiating"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Disconnect reasons (spec §7).
const (
	ReasonSupervisionTimeout byte = 0x08
	ReasonLocalTerminate     byte = 0x13
)

// ConnContext is the single large mutable aggregate the LL engine owns and
// mutates exclusively from the event loop and the IRQ top-half (spec §3).
type ConnContext struct {
	Role  Role
	State State

	LocalAddr Addr
	PeerAddr  Addr

	AccessAddress  uint32
	CRCInit        uint32
	HopIncrement   int
	ChannelMap     channel.Map
	ChanState      channel.State
	CurrentChannel int

	IntervalUS       uint64
	SlaveLatency     uint16
	SupervisionUS    uint64
	AnchorPointUS    uint64
	EventCounter     uint32
	WindowWideningUS uint64

	TxSeqNum           uint8 // 1 bit
	NextExpectedSeqNum uint8 // 1 bit
	MoreData           bool
	TxPending          bool
	TxBuffer           []byte
	TxLLID             LLID
	TxMoreDataPending  bool // upper layer has more fragments queued after TxBuffer

	RxBuffer []byte

	ConsecutiveCRCErrors uint32
	TotalCRCErrors       uint32
	LastRSSI             int
	LastSuccessfulRXUS   uint64
	ConnectedSinceUS     uint64

	pendingControl [][]byte // queued outbound control PDU payloads (e.g. UNKNOWN_RSP, FEATURE_RSP)
}

// Reset returns the context to a fresh Idle state: sequence numbers and
// event counter zeroed, channel map reset to all-37 (spec §3).
func (c *ConnContext) Reset() {
	seq := c.LocalAddr
	*c = ConnContext{
		Role:       Master,
		State:      Idle,
		LocalAddr:  seq,
		ChannelMap: channel.AllChannels,
	}
}
