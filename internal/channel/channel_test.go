package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestNextAlwaysInUsedSet pins the §8 invariant: every returned channel has
// its bit set in the channel map, for arbitrary maps, hops, and starting
// points.
func TestNextAlwaysInUsedSet(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := Map(rapid.Uint64Range(1, uint64(AllChannels)).Draw(t, "map")) & AllChannels
		if m.Count() < 1 {
			t.Skip("empty map")
		}
		hop := rapid.IntRange(5, 16).Draw(t, "hop")
		s := State{LastUnmapped: rapid.IntRange(0, 36).Draw(t, "last")}

		for i := 0; i < 50; i++ {
			ch, err := Next(&s, hop, m)
			require.NoError(t, err)
			assert.True(t, m.Has(ch), "channel %d not in map %037b", ch, m)
		}
	})
}

// TestSingleChannelMapAlwaysRemapsToIt is §8 scenario 4: with only channel
// 0 in use, every hop lands on 0 regardless of hop increment.
func TestSingleChannelMapAlwaysRemapsToIt(t *testing.T) {
	m := Map(1) // only channel 0
	for hop := 5; hop <= 16; hop++ {
		s := State{}
		for i := 0; i < 40; i++ {
			ch, err := Next(&s, hop, m)
			require.NoError(t, err)
			assert.Equal(t, 0, ch, "hop %d iteration %d", hop, i)
		}
	}
}

func TestUnmappedChannelUsedDirectly(t *testing.T) {
	s := State{LastUnmapped: 0}
	ch, err := Next(&s, 7, AllChannels)
	require.NoError(t, err)
	assert.Equal(t, 7, ch)
	assert.Equal(t, 7, s.LastUnmapped)

	ch, err = Next(&s, 7, AllChannels)
	require.NoError(t, err)
	assert.Equal(t, 14, ch)
}

func TestLastUnmappedAdvancesEvenWhenRemapping(t *testing.T) {
	// Map with only channels 1 and 3: unmapped candidate 7 is unused, so
	// the hop remaps (remap index 7 mod 2 = 1 -> second used channel, 3),
	// but last_unmapped still becomes 7.
	m := Map(1<<1 | 1<<3)
	s := State{LastUnmapped: 0}
	ch, err := Next(&s, 7, m)
	require.NoError(t, err)
	assert.Equal(t, 3, ch)
	assert.Equal(t, 7, s.LastUnmapped)
}

func TestModulo37Wraparound(t *testing.T) {
	s := State{LastUnmapped: 35}
	ch, err := Next(&s, 5, AllChannels)
	require.NoError(t, err)
	assert.Equal(t, 3, ch) // (35+5) mod 37
}

func TestNextRejectsBadHop(t *testing.T) {
	s := State{}
	_, err := Next(&s, 4, AllChannels)
	assert.Error(t, err)
	_, err = Next(&s, 17, AllChannels)
	assert.Error(t, err)
}

func TestMapBytesRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := Map(rapid.Uint64Range(0, uint64(AllChannels)).Draw(t, "map"))
		assert.Equal(t, m, NewMap(m.Bytes()))
	})
}

func TestMapCountAndValid(t *testing.T) {
	assert.Equal(t, 37, AllChannels.Count())
	assert.True(t, AllChannels.Valid())
	assert.False(t, Map(1).Valid())
	assert.True(t, Map(3).Valid())
	assert.Equal(t, 0, Map(0).Count())
}
