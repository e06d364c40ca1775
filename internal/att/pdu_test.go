package att

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestPDURoundTrip pins spec §8's "att_decode(att_encode(op)) == op" law
// for every supported opcode.
func TestPDURoundTrip(t *testing.T) {
	pdus := []PDU{
		ErrorRsp{ReqOpcode: OpReadReq, Handle: 0x000E, Code: 0x0A},
		ExchangeMTUReq{ClientRxMTU: 23},
		ExchangeMTURsp{ServerRxMTU: 247},
		ReadByTypeReq{StartHandle: 0x0001, EndHandle: 0xFFFF, Type: 0x2800},
		ReadByTypeRsp{Attributes: []AttributeData{
			{Handle: 0x000C, Value: []byte{0xE0, 0xFF}},
			{Handle: 0x0020, Value: []byte{0xE0, 0xFE}},
		}},
		ReadReq{Handle: 0x0003},
		ReadRsp{Value: []byte("Nordic UART")},
		ReadByGroupReq{StartHandle: 0x0001, EndHandle: 0xFFFF, Type: 0x2800},
		ReadByGroupRsp{Groups: []GroupData{
			{Handle: 0x000C, EndHandle: 0x0011, Value: []byte{0xE0, 0xFF}},
		}},
		WriteReq{Handle: 0x000E, Value: []byte("Hello")},
		WriteRsp{},
		WriteCmd{Handle: 0x000E, Value: []byte{0x01}},
		HandleValueNtf{Handle: 0x0010, Value: []byte{0xAA, 0xBB}},
		HandleValueInd{Handle: 0x0010, Value: []byte{0xCC}},
		HandleValueCfm{},
	}
	for _, want := range pdus {
		encoded := want.Encode()
		got, err := Decode(encoded)
		require.NoError(t, err, "opcode 0x%02x", want.Opcode())
		assert.Equal(t, want, got, "opcode 0x%02x", want.Opcode())
		assert.Equal(t, encoded, got.Encode(), "opcode 0x%02x re-encode", want.Opcode())
	}
}

func TestWriteReqRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		want := WriteReq{
			Handle: rapid.Uint16().Draw(t, "handle"),
			Value:  rapid.SliceOfN(rapid.Byte(), 0, 244).Draw(t, "value"),
		}
		got, err := Decode(want.Encode())
		require.NoError(t, err)
		assert.Equal(t, want.Handle, got.(WriteReq).Handle)
		assert.Equal(t, want.Value, got.(WriteReq).Value)
	})
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := [][]byte{
		nil,
		{OpErrorRsp, 0x0A},                  // truncated error rsp
		{OpExchangeMTURsp, 0x17},            // truncated mtu rsp
		{OpWriteReq, 0x0E},                  // write req missing handle byte
		{OpReadByTypeRsp, 0x04, 0x0C, 0x00}, // body not a multiple of pair length
		{0x7F},                              // unknown opcode
	}
	for _, b := range cases {
		_, err := Decode(b)
		assert.Error(t, err, "pdu % x", b)
	}
}

func TestResponseForCoversRequests(t *testing.T) {
	assert.Equal(t, OpExchangeMTURsp, responseFor(OpExchangeMTUReq))
	assert.Equal(t, OpReadRsp, responseFor(OpReadReq))
	assert.Equal(t, OpReadByTypeRsp, responseFor(OpReadByTypeReq))
	assert.Equal(t, OpReadByGroupRsp, responseFor(OpReadByGroupReq))
	assert.Equal(t, OpWriteRsp, responseFor(OpWriteReq))
	assert.Equal(t, byte(0), responseFor(OpWriteCmd))
}
