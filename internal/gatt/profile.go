// Package gatt is the client facade over the ATT layer: peripheral profile
// selection, CCCD enablement, the chunked text-write path, and the pluggable
// authentication hook for peripherals that require a proprietary handshake
// before accepting payloads.
package gatt

import (
	"bytes"
	"fmt"

	"github.com/chaz8081/blectl/internal/att"
)

// Profile tags the peripheral families this client knows fixed handle
// layouts for (spec §4.9).
type Profile int

const (
	ProfileCustom Profile = iota
	ProfileXiaomi
	ProfileNordicUart
)

func (p Profile) String() string {
	switch p {
	case ProfileXiaomi:
		return "xiaomi"
	case ProfileNordicUart:
		return "nordic-uart"
	default:
		return "custom"
	}
}

// ParseProfile maps a config/CLI profile name to its tag. "auto" and ""
// select detection at connect time.
func ParseProfile(s string) (Profile, bool, error) {
	switch s {
	case "", "auto":
		return ProfileCustom, true, nil
	case "xiaomi":
		return ProfileXiaomi, false, nil
	case "nordic-uart":
		return ProfileNordicUart, false, nil
	case "custom":
		return ProfileCustom, false, nil
	default:
		return ProfileCustom, false, fmt.Errorf("gatt: unknown profile %q", s)
	}
}

// Service UUIDs used for profile detection by primary-service discovery.
const (
	ServiceUUIDXiaomi     uint16 = 0xFEE0
	ServiceUUIDNordicUart uint16 = 0xFFE0
)

// deviceNameHandle is where the GAP Device Name characteristic value
// conventionally sits on the peripherals this client targets (spec §4.9).
const deviceNameHandle uint16 = 0x0003

// Handles is the fixed four-handle set a profile maps onto the peripheral's
// attribute table (spec §3: "{service, tx_char, rx_char, cccd}").
type Handles struct {
	Service uint16
	TXChar  uint16
	RXChar  uint16
	CCCD    uint16
}

// HandlesFor returns the fixed handle set for a known profile. Custom
// profiles carry no fixed layout; the caller supplies handles itself.
func HandlesFor(p Profile) Handles {
	switch p {
	case ProfileXiaomi:
		return Handles{Service: 0x0025, TXChar: 0x0026, RXChar: 0x0028, CCCD: 0x0029}
	case ProfileNordicUart:
		return Handles{Service: 0x000C, TXChar: 0x000E, RXChar: 0x0010, CCCD: 0x0011}
	default:
		return Handles{}
	}
}

// DetectProfile identifies the peripheral per spec §4.9: read the Device
// Name and match substrings; on failure, discover primary services by type
// 0x2800 and match the first known service UUID.
func DetectProfile(c *att.Client) (Profile, error) {
	name, err := c.Read(deviceNameHandle)
	if err == nil {
		switch {
		case bytes.Contains(name, []byte("Mi Band")):
			return ProfileXiaomi, nil
		case bytes.Contains(name, []byte("Nordic")):
			return ProfileNordicUart, nil
		default:
			return ProfileCustom, nil
		}
	}

	attrs, err := c.ReadByType(0x0001, 0xFFFF, 0x2800)
	if err != nil {
		return ProfileCustom, fmt.Errorf("gatt: profile detection: %w", err)
	}
	for _, a := range attrs {
		if len(a.Value) != 2 {
			continue
		}
		uuid := uint16(a.Value[0]) | uint16(a.Value[1])<<8
		switch uuid {
		case ServiceUUIDXiaomi:
			return ProfileXiaomi, nil
		case ServiceUUIDNordicUart:
			return ProfileNordicUart, nil
		}
	}
	return ProfileCustom, nil
}
