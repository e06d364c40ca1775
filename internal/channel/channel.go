// Package channel implements BLE Channel Selection Algorithm #1: given the
// last unmapped channel and the connection's hop increment, compute the
// next data channel, remapping through the connection's used-channel
// bitmap when the unmapped candidate isn't in use.
package channel

import "fmt"

// NumChannels is the number of BLE data channels (0..36).
const NumChannels = 37

// Map is the 37-bit used-channel bitmap carried in CONNECT_REQ and stored
// on the connection context. Bit i set means data channel i is in use.
type Map uint64

// AllChannels is the default map: every data channel in use, the state a
// fresh connection context starts in (spec §3: "channel map resets to
// all-37" on entering Idle).
const AllChannels Map = (1 << NumChannels) - 1

// NewMap builds a Map from the 5-byte on-air channel map field (37 bits,
// LSB-first across the 5 bytes, high 3 bits of byte 4 reserved/zero).
func NewMap(raw [5]byte) Map {
	var m Map
	for i, b := range raw {
		m |= Map(b) << uint(8*i)
	}
	return m & AllChannels
}

// Bytes encodes the Map back to its 5-byte on-air form.
func (m Map) Bytes() [5]byte {
	var raw [5]byte
	v := uint64(m) & uint64(AllChannels)
	for i := range raw {
		raw[i] = byte(v >> uint(8*i))
	}
	return raw
}

// Has reports whether data channel ch is marked in use.
func (m Map) Has(ch int) bool {
	if ch < 0 || ch >= NumChannels {
		return false
	}
	return m&(1<<uint(ch)) != 0
}

// Count returns the number of channels marked in use (num_used_channels).
func (m Map) Count() int {
	n := 0
	for ch := 0; ch < NumChannels; ch++ {
		if m.Has(ch) {
			n++
		}
	}
	return n
}

// Valid reports whether the map has at least 2 used channels, the
// connection-context invariant from spec §3.
func (m Map) Valid() bool {
	return m.Count() >= 2
}

// State holds the mutable hop state algorithm #1 needs between calls:
// the last unmapped channel computed, carried forward event to event.
type State struct {
	LastUnmapped int
}

// Next computes the next data channel per algorithm #1 (spec §4.3) and
// advances s.LastUnmapped, which algorithm #1 updates even when remapping
// occurs.
func Next(s *State, hopIncrement int, m Map) (int, error) {
	if hopIncrement < 5 || hopIncrement > 16 {
		return 0, fmt.Errorf("channel: hop increment %d out of range [5,16]", hopIncrement)
	}
	used := m.Count()
	if used < 1 {
		return 0, fmt.Errorf("channel: channel map has no used channels")
	}

	unmapped := (s.LastUnmapped + hopIncrement) % NumChannels
	s.LastUnmapped = unmapped

	if m.Has(unmapped) {
		return unmapped, nil
	}

	remapIndex := unmapped % used
	seen := 0
	for ch := 0; ch < NumChannels; ch++ {
		if !m.Has(ch) {
			continue
		}
		if seen == remapIndex {
			return ch, nil
		}
		seen++
	}
	// Unreachable: used >= 1 guarantees remapIndex < used finds a match.
	return 0, fmt.Errorf("channel: remap index %d not found in map", remapIndex)
}
