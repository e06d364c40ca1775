// Package att implements the ATT client of spec §2.8: the PDU codec, the
// single-outstanding-request state machine over L2CAP channel 0x0004, MTU
// negotiation, and notification/indication reception.
package att

import "fmt"

// ATT opcodes (spec §4.8).
const (
	OpErrorRsp       byte = 0x01
	OpExchangeMTUReq byte = 0x02
	OpExchangeMTURsp byte = 0x03
	OpReadByTypeReq  byte = 0x08
	OpReadByTypeRsp  byte = 0x09
	OpReadReq        byte = 0x0A
	OpReadRsp        byte = 0x0B
	OpReadByGroupReq byte = 0x10
	OpReadByGroupRsp byte = 0x11
	OpWriteReq       byte = 0x12
	OpWriteRsp       byte = 0x13
	OpHandleValueNtf byte = 0x1B
	OpHandleValueInd byte = 0x1D
	OpHandleValueCfm byte = 0x1E
	OpWriteCmd       byte = 0x52
)

// MTU bounds (spec §3, §8: "MTU negotiation clamps to [23, 247]").
const (
	MTUDefault = 23
	MTUMax     = 247
)

// PDU is a decoded ATT protocol data unit. Each concrete type encodes back
// to its exact on-air byte form; spec §8's round-trip law is pinned by
// TestPDURoundTrip.
type PDU interface {
	Opcode() byte
	Encode() []byte
}

// ErrorRsp reports a failed request (opcode 0x01).
type ErrorRsp struct {
	ReqOpcode byte
	Handle    uint16
	Code      byte
}

func (p ErrorRsp) Opcode() byte { return OpErrorRsp }
func (p ErrorRsp) Encode() []byte {
	return []byte{OpErrorRsp, p.ReqOpcode, byte(p.Handle), byte(p.Handle >> 8), p.Code}
}

// ExchangeMTUReq opens MTU negotiation with the client's receive MTU.
type ExchangeMTUReq struct {
	ClientRxMTU uint16
}

func (p ExchangeMTUReq) Opcode() byte { return OpExchangeMTUReq }
func (p ExchangeMTUReq) Encode() []byte {
	return []byte{OpExchangeMTUReq, byte(p.ClientRxMTU), byte(p.ClientRxMTU >> 8)}
}

// ExchangeMTURsp carries the server's receive MTU.
type ExchangeMTURsp struct {
	ServerRxMTU uint16
}

func (p ExchangeMTURsp) Opcode() byte { return OpExchangeMTURsp }
func (p ExchangeMTURsp) Encode() []byte {
	return []byte{OpExchangeMTURsp, byte(p.ServerRxMTU), byte(p.ServerRxMTU >> 8)}
}

// ReadByTypeReq asks for attributes of a given 16-bit type in a handle range.
type ReadByTypeReq struct {
	StartHandle uint16
	EndHandle   uint16
	Type        uint16
}

func (p ReadByTypeReq) Opcode() byte { return OpReadByTypeReq }
func (p ReadByTypeReq) Encode() []byte {
	return []byte{OpReadByTypeReq,
		byte(p.StartHandle), byte(p.StartHandle >> 8),
		byte(p.EndHandle), byte(p.EndHandle >> 8),
		byte(p.Type), byte(p.Type >> 8)}
}

// AttributeData is one handle/value pair in a Read By Type or Read By Group
// Type response.
type AttributeData struct {
	Handle uint16
	Value  []byte
}

// ReadByTypeRsp lists attributes matching a Read By Type request. Every
// entry's value has the same length, carried once in the PDU.
type ReadByTypeRsp struct {
	Attributes []AttributeData
}

func (p ReadByTypeRsp) Opcode() byte { return OpReadByTypeRsp }
func (p ReadByTypeRsp) Encode() []byte {
	pairLen := 2
	if len(p.Attributes) > 0 {
		pairLen = 2 + len(p.Attributes[0].Value)
	}
	out := []byte{OpReadByTypeRsp, byte(pairLen)}
	for _, a := range p.Attributes {
		out = append(out, byte(a.Handle), byte(a.Handle>>8))
		out = append(out, a.Value...)
	}
	return out
}

// ReadReq reads the value of a single attribute.
type ReadReq struct {
	Handle uint16
}

func (p ReadReq) Opcode() byte { return OpReadReq }
func (p ReadReq) Encode() []byte {
	return []byte{OpReadReq, byte(p.Handle), byte(p.Handle >> 8)}
}

// ReadRsp carries the attribute value.
type ReadRsp struct {
	Value []byte
}

func (p ReadRsp) Opcode() byte { return OpReadRsp }
func (p ReadRsp) Encode() []byte {
	return append([]byte{OpReadRsp}, p.Value...)
}

// ReadByGroupReq asks for grouping attributes (e.g. 0x2800 primary
// services) in a handle range.
type ReadByGroupReq struct {
	StartHandle uint16
	EndHandle   uint16
	Type        uint16
}

func (p ReadByGroupReq) Opcode() byte { return OpReadByGroupReq }
func (p ReadByGroupReq) Encode() []byte {
	return []byte{OpReadByGroupReq,
		byte(p.StartHandle), byte(p.StartHandle >> 8),
		byte(p.EndHandle), byte(p.EndHandle >> 8),
		byte(p.Type), byte(p.Type >> 8)}
}

// GroupData is one entry in a Read By Group Type response.
type GroupData struct {
	Handle    uint16
	EndHandle uint16
	Value     []byte
}

// ReadByGroupRsp lists attribute groups. Every entry's value has the same
// length, carried once in the PDU.
type ReadByGroupRsp struct {
	Groups []GroupData
}

func (p ReadByGroupRsp) Opcode() byte { return OpReadByGroupRsp }
func (p ReadByGroupRsp) Encode() []byte {
	entryLen := 4
	if len(p.Groups) > 0 {
		entryLen = 4 + len(p.Groups[0].Value)
	}
	out := []byte{OpReadByGroupRsp, byte(entryLen)}
	for _, g := range p.Groups {
		out = append(out, byte(g.Handle), byte(g.Handle>>8))
		out = append(out, byte(g.EndHandle), byte(g.EndHandle>>8))
		out = append(out, g.Value...)
	}
	return out
}

// WriteReq writes an attribute value, acknowledged by WriteRsp.
type WriteReq struct {
	Handle uint16
	Value  []byte
}

func (p WriteReq) Opcode() byte { return OpWriteReq }
func (p WriteReq) Encode() []byte {
	return append([]byte{OpWriteReq, byte(p.Handle), byte(p.Handle >> 8)}, p.Value...)
}

// WriteRsp acknowledges a WriteReq.
type WriteRsp struct{}

func (p WriteRsp) Opcode() byte   { return OpWriteRsp }
func (p WriteRsp) Encode() []byte { return []byte{OpWriteRsp} }

// WriteCmd writes an attribute value with no acknowledgement.
type WriteCmd struct {
	Handle uint16
	Value  []byte
}

func (p WriteCmd) Opcode() byte { return OpWriteCmd }
func (p WriteCmd) Encode() []byte {
	return append([]byte{OpWriteCmd, byte(p.Handle), byte(p.Handle >> 8)}, p.Value...)
}

// HandleValueNtf is a server-initiated unacknowledged value push.
type HandleValueNtf struct {
	Handle uint16
	Value  []byte
}

func (p HandleValueNtf) Opcode() byte { return OpHandleValueNtf }
func (p HandleValueNtf) Encode() []byte {
	return append([]byte{OpHandleValueNtf, byte(p.Handle), byte(p.Handle >> 8)}, p.Value...)
}

// HandleValueInd is a server-initiated value push the client must confirm.
type HandleValueInd struct {
	Handle uint16
	Value  []byte
}

func (p HandleValueInd) Opcode() byte { return OpHandleValueInd }
func (p HandleValueInd) Encode() []byte {
	return append([]byte{OpHandleValueInd, byte(p.Handle), byte(p.Handle >> 8)}, p.Value...)
}

// HandleValueCfm confirms an indication.
type HandleValueCfm struct{}

func (p HandleValueCfm) Opcode() byte   { return OpHandleValueCfm }
func (p HandleValueCfm) Encode() []byte { return []byte{OpHandleValueCfm} }

// Decode parses an on-air ATT PDU into its typed form.
func Decode(b []byte) (PDU, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("att: empty pdu")
	}
	switch b[0] {
	case OpErrorRsp:
		if len(b) != 5 {
			return nil, fmt.Errorf("att: error rsp length %d", len(b))
		}
		return ErrorRsp{ReqOpcode: b[1], Handle: u16(b[2:]), Code: b[4]}, nil
	case OpExchangeMTUReq:
		if len(b) != 3 {
			return nil, fmt.Errorf("att: mtu req length %d", len(b))
		}
		return ExchangeMTUReq{ClientRxMTU: u16(b[1:])}, nil
	case OpExchangeMTURsp:
		if len(b) != 3 {
			return nil, fmt.Errorf("att: mtu rsp length %d", len(b))
		}
		return ExchangeMTURsp{ServerRxMTU: u16(b[1:])}, nil
	case OpReadByTypeReq:
		if len(b) != 7 {
			return nil, fmt.Errorf("att: read by type req length %d", len(b))
		}
		return ReadByTypeReq{StartHandle: u16(b[1:]), EndHandle: u16(b[3:]), Type: u16(b[5:])}, nil
	case OpReadByTypeRsp:
		return decodeReadByTypeRsp(b)
	case OpReadReq:
		if len(b) != 3 {
			return nil, fmt.Errorf("att: read req length %d", len(b))
		}
		return ReadReq{Handle: u16(b[1:])}, nil
	case OpReadRsp:
		return ReadRsp{Value: clone(b[1:])}, nil
	case OpReadByGroupReq:
		if len(b) != 7 {
			return nil, fmt.Errorf("att: read by group req length %d", len(b))
		}
		return ReadByGroupReq{StartHandle: u16(b[1:]), EndHandle: u16(b[3:]), Type: u16(b[5:])}, nil
	case OpReadByGroupRsp:
		return decodeReadByGroupRsp(b)
	case OpWriteReq:
		if len(b) < 3 {
			return nil, fmt.Errorf("att: write req length %d", len(b))
		}
		return WriteReq{Handle: u16(b[1:]), Value: clone(b[3:])}, nil
	case OpWriteRsp:
		if len(b) != 1 {
			return nil, fmt.Errorf("att: write rsp length %d", len(b))
		}
		return WriteRsp{}, nil
	case OpWriteCmd:
		if len(b) < 3 {
			return nil, fmt.Errorf("att: write cmd length %d", len(b))
		}
		return WriteCmd{Handle: u16(b[1:]), Value: clone(b[3:])}, nil
	case OpHandleValueNtf:
		if len(b) < 3 {
			return nil, fmt.Errorf("att: notification length %d", len(b))
		}
		return HandleValueNtf{Handle: u16(b[1:]), Value: clone(b[3:])}, nil
	case OpHandleValueInd:
		if len(b) < 3 {
			return nil, fmt.Errorf("att: indication length %d", len(b))
		}
		return HandleValueInd{Handle: u16(b[1:]), Value: clone(b[3:])}, nil
	case OpHandleValueCfm:
		if len(b) != 1 {
			return nil, fmt.Errorf("att: confirmation length %d", len(b))
		}
		return HandleValueCfm{}, nil
	default:
		return nil, fmt.Errorf("att: unknown opcode 0x%02x", b[0])
	}
}

func decodeReadByTypeRsp(b []byte) (PDU, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("att: read by type rsp length %d", len(b))
	}
	pairLen := int(b[1])
	if pairLen < 2 {
		return nil, fmt.Errorf("att: read by type rsp pair length %d", pairLen)
	}
	body := b[2:]
	if len(body)%pairLen != 0 || len(body) == 0 {
		return nil, fmt.Errorf("att: read by type rsp body %d not a multiple of %d", len(body), pairLen)
	}
	var rsp ReadByTypeRsp
	for off := 0; off < len(body); off += pairLen {
		rsp.Attributes = append(rsp.Attributes, AttributeData{
			Handle: u16(body[off:]),
			Value:  clone(body[off+2 : off+pairLen]),
		})
	}
	return rsp, nil
}

func decodeReadByGroupRsp(b []byte) (PDU, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("att: read by group rsp length %d", len(b))
	}
	entryLen := int(b[1])
	if entryLen < 4 {
		return nil, fmt.Errorf("att: read by group rsp entry length %d", entryLen)
	}
	body := b[2:]
	if len(body)%entryLen != 0 || len(body) == 0 {
		return nil, fmt.Errorf("att: read by group rsp body %d not a multiple of %d", len(body), entryLen)
	}
	var rsp ReadByGroupRsp
	for off := 0; off < len(body); off += entryLen {
		rsp.Groups = append(rsp.Groups, GroupData{
			Handle:    u16(body[off:]),
			EndHandle: u16(body[off+2:]),
			Value:     clone(body[off+4 : off+entryLen]),
		})
	}
	return rsp, nil
}

// responseFor maps a request opcode to the response opcode that completes
// it (spec §4.8 request lifecycle).
func responseFor(reqOpcode byte) byte {
	switch reqOpcode {
	case OpExchangeMTUReq:
		return OpExchangeMTURsp
	case OpReadByTypeReq:
		return OpReadByTypeRsp
	case OpReadReq:
		return OpReadRsp
	case OpReadByGroupReq:
		return OpReadByGroupRsp
	case OpWriteReq:
		return OpWriteRsp
	default:
		return 0
	}
}

func u16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
