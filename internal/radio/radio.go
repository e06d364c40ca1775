// Package radio defines the abstract transceiver-facing driver contract the
// Link-Layer engine programs: PHY/modulation setup, frequency, sync-word
// (the connection's access address), CRC seed, whitening seed, TX/RX/standby
// mode control, and packed IRQ status reporting. Concrete register-level
// drivers for a specific radio chip are platform bring-up and explicitly out
// of this core's scope (spec §1); this package only defines the contract and
// a deterministic in-memory simulator used by tests and examples.
package radio

import (
	"errors"
	"fmt"
)

// Kind enumerates the driver error domains the spec requires kept distinct
// from protocol-level errors at the driver boundary (spec §9: "Keep the two
// as distinct sum types at the driver boundary").
type Kind int

const (
	// Hal indicates a hardware/transport failure talking to the chip.
	Hal Kind = iota
	// Busy indicates the chip's busy signal did not clear within the
	// bounded wait (spec §4.1: 10 ms).
	Busy
	// Timeout indicates an RX window or other bounded wait expired without
	// the expected event.
	Timeout
)

func (k Kind) String() string {
	switch k {
	case Hal:
		return "hal"
	case Busy:
		return "busy"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the radio driver's error type. It intentionally carries no
// protocol-layer meaning; the Link-Layer engine lifts it into a protocol
// error only at its own boundary (spec §9).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("radio: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("radio: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, k Kind) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == k
	}
	return false
}

// Mode is the radio's current operating mode.
type Mode int

const (
	Standby Mode = iota
	TX
	RX
)

// IRQ bits reported by Status, per spec §4.1.
type IRQ uint8

const (
	IRQTxDone IRQ = 1 << iota
	IRQRxDone
	IRQSyncValid
	IRQCRCError
	IRQRxTimeout
)

// PacketParams configures the BLE-specific packet parameters: CRC length
// (always 3 bytes for BLE) and whether whitening is enabled.
type PacketParams struct {
	CRCLengthBytes int
	Whitening      bool
}

// Driver is the capability the Link-Layer engine consumes to drive the
// physical transceiver. All methods are blocking up to an upper-bounded
// wait on the chip's busy signal (spec §4.1: timeout 10ms, else Hal).
type Driver interface {
	// SetBLEPacketType configures 1 Mbps GFSK, BT=0.5, modulation index
	// 0.5, and the given packet parameters.
	SetBLEPacketType(p PacketParams) error
	// SetFrequencyHz tunes the radio to the given RF frequency.
	SetFrequencyHz(hz uint32) error
	// SetSyncWord programs the 4-byte sync word (the access address,
	// byte-reversed on air per spec §4.1).
	SetSyncWord(syncWord [4]byte) error
	// SetCRCSeed programs the 24-bit CRC initial value.
	SetCRCSeed(seed uint32) error
	// SetWhiteningSeed programs the 7-bit whitening seed (channel | 0x40).
	SetWhiteningSeed(seed byte) error

	// WriteBuffer writes data into the TX buffer starting at offset.
	WriteBuffer(offset int, data []byte) error
	// ReadBuffer reads n bytes from the RX buffer starting at offset.
	ReadBuffer(offset int, n int) ([]byte, error)

	// Standby puts the radio into standby (idle) mode.
	Standby() error
	// Transmit sends the previously-written TX buffer contents.
	Transmit() error
	// Receive arms the receiver for up to timeoutMS milliseconds.
	Receive(timeoutMS uint32) error

	// Status returns the packed IRQ status word.
	Status() (IRQ, error)
	// ClearStatus clears the given IRQ bits.
	ClearStatus(mask IRQ) error

	// RSSI returns the last received signal strength in dBm.
	RSSI() (int, error)
}

// SyncWordFromAccessAddress byte-reverses a 32-bit access address into the
// 4-byte sync word form the driver expects (spec §4.1).
func SyncWordFromAccessAddress(aa uint32) [4]byte {
	return [4]byte{
		byte(aa >> 24),
		byte(aa >> 16),
		byte(aa >> 8),
		byte(aa),
	}
}

// WhiteningSeed computes the 7-bit whitening seed for a data/advertising
// channel: channel | 0x40 (spec §4.1, §4.5).
func WhiteningSeed(channel int) byte {
	return byte(channel&0x3F) | 0x40
}
