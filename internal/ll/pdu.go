package ll

import "fmt"

// LLID is the 2-bit Logical Link Identifier carried in every LL Data PDU
// header (spec §6).
type LLID uint8

const (
	// LLIDContinuation marks an empty PDU or a non-first L2CAP fragment.
	LLIDContinuation LLID = 0x01
	// LLIDStart marks a complete or first-fragment L2CAP payload.
	LLIDStart LLID = 0x02
	// LLIDControl marks an LL Control PDU.
	LLIDControl LLID = 0x03
)

// DataHeader is the decoded 2-byte LL Data PDU header (spec §6):
//
//	Byte0: LLID[1:0] NESN[2] SN[3] MD[4] RFU[7:5]
//	Byte1: Length[7:0]
type DataHeader struct {
	LLID   LLID
	NESN   uint8
	SN     uint8
	MD     bool
	Length uint8
}

// MaxPDULength is the largest LL Data PDU payload length (spec §8 boundary
// case: "Max-length LL PDU (length=251)").
const MaxPDULength = 251

// EncodeDataHeader packs h into its 2-byte on-air form.
func EncodeDataHeader(h DataHeader) [2]byte {
	var b0 byte
	b0 |= byte(h.LLID) & 0x03
	b0 |= (h.NESN & 0x01) << 2
	b0 |= (h.SN & 0x01) << 3
	if h.MD {
		b0 |= 1 << 4
	}
	return [2]byte{b0, h.Length}
}

// DecodeDataHeader unpacks a 2-byte on-air LL Data PDU header.
func DecodeDataHeader(raw [2]byte) DataHeader {
	return DataHeader{
		LLID:   LLID(raw[0] & 0x03),
		NESN:   (raw[0] >> 2) & 0x01,
		SN:     (raw[0] >> 3) & 0x01,
		MD:     (raw[0]>>4)&0x01 != 0,
		Length: raw[1],
	}
}

// AdvPDUType is the 4-bit advertising PDU type field (spec §4.5).
type AdvPDUType uint8

const (
	AdvInd       AdvPDUType = 0x0
	AdvDirectInd AdvPDUType = 0x1
	AdvScanInd   AdvPDUType = 0x6
)

// AdvHeader is the decoded 2-byte advertising-channel PDU header.
type AdvHeader struct {
	Type   AdvPDUType
	TxAdd  bool
	RxAdd  bool
	Length uint8
}

// DecodeAdvHeader unpacks a 2-byte advertising PDU header.
func DecodeAdvHeader(raw [2]byte) AdvHeader {
	return AdvHeader{
		Type:   AdvPDUType(raw[0] & 0x0F),
		TxAdd:  (raw[0]>>6)&0x01 != 0,
		RxAdd:  (raw[0]>>7)&0x01 != 0,
		Length: raw[1] & 0x3F,
	}
}

// IsScannable reports whether t is one of the PDU types the scanner acts on
// (spec §4.5: ADV_IND, ADV_DIRECT_IND, ADV_SCAN_IND).
func (t AdvPDUType) IsScannable() bool {
	switch t {
	case AdvInd, AdvDirectInd, AdvScanInd:
		return true
	default:
		return false
	}
}

// ConnectReqBodyLen is the fixed length of the CONNECT_REQ PDU body
// (spec §4.5).
const ConnectReqBodyLen = 34

// ConnectReq is the decoded CONNECT_REQ PDU body.
type ConnectReq struct {
	InitAddr     Addr
	AdvAddr      Addr
	AccessAddr   uint32
	CRCInit      uint32 // 24 bits
	WinSize      uint8
	WinOffset    uint16
	Interval     uint16
	Latency      uint16
	Timeout      uint16
	ChannelMap   [5]byte
	HopIncrement uint8 // 5 bits
	SCA          uint8 // 3 bits
}

// Encode serializes a ConnectReq to its 34-byte on-air form.
func (r ConnectReq) Encode() [ConnectReqBodyLen]byte {
	var b [ConnectReqBodyLen]byte
	o := 0
	copy(b[o:o+6], r.InitAddr[:])
	o += 6
	copy(b[o:o+6], r.AdvAddr[:])
	o += 6
	putU32LE(b[o:o+4], r.AccessAddr)
	o += 4
	putU24LE(b[o:o+3], r.CRCInit)
	o += 3
	b[o] = r.WinSize
	o++
	putU16LE(b[o:o+2], r.WinOffset)
	o += 2
	putU16LE(b[o:o+2], r.Interval)
	o += 2
	putU16LE(b[o:o+2], r.Latency)
	o += 2
	putU16LE(b[o:o+2], r.Timeout)
	o += 2
	copy(b[o:o+5], r.ChannelMap[:])
	o += 5
	b[o] = (r.HopIncrement & 0x1F) | ((r.SCA & 0x07) << 5)
	return b
}

// DecodeConnectReq parses the 34-byte CONNECT_REQ body.
func DecodeConnectReq(b [ConnectReqBodyLen]byte) ConnectReq {
	var r ConnectReq
	o := 0
	copy(r.InitAddr[:], b[o:o+6])
	o += 6
	copy(r.AdvAddr[:], b[o:o+6])
	o += 6
	r.AccessAddr = u32LE(b[o : o+4])
	o += 4
	r.CRCInit = u24LE(b[o : o+3])
	o += 3
	r.WinSize = b[o]
	o++
	r.WinOffset = u16LE(b[o : o+2])
	o += 2
	r.Interval = u16LE(b[o : o+2])
	o += 2
	r.Latency = u16LE(b[o : o+2])
	o += 2
	r.Timeout = u16LE(b[o : o+2])
	o += 2
	copy(r.ChannelMap[:], b[o:o+5])
	o += 5
	r.HopIncrement = b[o] & 0x1F
	r.SCA = (b[o] >> 5) & 0x07
	return r
}

func putU16LE(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func putU24LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

func putU32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func u16LE(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func u24LE(b []byte) uint32 { return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 }
func u32LE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// validateDataLength checks a payload fits within a single LL Data PDU.
func validateDataLength(n int) error {
	if n < 0 || n > MaxPDULength {
		return fmt.Errorf("ll: pdu length %d exceeds max %d", n, MaxPDULength)
	}
	return nil
}
