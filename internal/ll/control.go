package ll

// Control-PDU opcodes (spec §4.6).
const (
	OpcodeTerminateInd byte = 0x02
	OpcodeUnknownRsp   byte = 0x07
	OpcodeFeatureReq   byte = 0x08
	OpcodeFeatureRsp   byte = 0x09
	OpcodeVersionInd   byte = 0x0C
)

// encodeUnknownRsp builds an LL_UNKNOWN_RSP control PDU payload carrying
// the opcode that was not recognized.
func encodeUnknownRsp(unknownOpcode byte) []byte {
	return []byte{OpcodeUnknownRsp, unknownOpcode}
}

// encodeFeatureRsp builds an LL_FEATURE_RSP with a zero feature bitmap
// (spec §4.6: "Queue FEATURE_RSP with a zero feature bitmap").
func encodeFeatureRsp() []byte {
	return []byte{OpcodeFeatureRsp, 0, 0, 0, 0, 0, 0, 0, 0}
}

// encodeTerminateInd builds an LL_TERMINATE_IND carrying the disconnect
// reason, used for user-initiated disconnects (spec §7: reason 0x13).
func encodeTerminateInd(reason byte) []byte {
	return []byte{OpcodeTerminateInd, reason}
}

// dispatchControl processes one received control PDU payload per the
// dispatch table of spec §4.6, queuing any response and invoking callbacks
// as needed. Returns the disconnect reason and true if the connection
// should be torn down.
func (e *Engine) dispatchControl(payload []byte) (reason byte, disconnect bool) {
	if len(payload) == 0 {
		return 0, false
	}
	opcode := payload[0]
	switch opcode {
	case OpcodeTerminateInd:
		r := byte(ReasonSupervisionTimeout)
		if len(payload) >= 2 {
			r = payload[1]
		}
		return r, true
	case OpcodeUnknownRsp:
		e.log().Warn("ll: received UNKNOWN_RSP", "opcode", opcode)
		return 0, false
	case OpcodeFeatureReq:
		e.ctx.pendingControl = append(e.ctx.pendingControl, encodeFeatureRsp())
		return 0, false
	case OpcodeVersionInd:
		// Optional per spec §4.6; this implementation ignores it rather
		// than replying, since no peer ever requires the reply to proceed.
		return 0, false
	default:
		e.ctx.pendingControl = append(e.ctx.pendingControl, encodeUnknownRsp(opcode))
		return 0, false
	}
}
