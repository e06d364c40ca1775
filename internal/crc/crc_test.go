package crc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

// TestBLE24MatchesBitwise is grounded on doismellburning-samoyed's il2p_crc.go
// table-vs-bitwise cross-check pattern: the table-driven implementation must
// agree with the reference bit-at-a-time one for any input.
func TestBLE24MatchesBitwise(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "data")
		init := rapid.Uint32Range(0, 0xFFFFFF).Draw(t, "init")

		got := BLE24(data, init)
		want := Bitwise(data, init)
		assert.Equal(t, want, got)
	})
}

func TestAppendDecode3RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.Uint32Range(0, 0xFFFFFF).Draw(t, "v")
		b := Append3(v)
		assert.Equal(t, v, Decode3(b))
	})
}

func TestBLE24KnownVector(t *testing.T) {
	// An empty payload runs zero table iterations, so its CRC is the init
	// value unchanged. This pins the empty-input path only; it does not
	// exercise the polynomial.
	got := BLE24(nil, AdvertisingInit)
	assert.Equal(t, AdvertisingInit&0xFFFFFF, got&0xFFFFFF)
}
