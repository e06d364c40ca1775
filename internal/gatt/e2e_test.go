package gatt_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/blectl/internal/att"
	"github.com/chaz8081/blectl/internal/gatt"
	"github.com/chaz8081/blectl/internal/l2cap"
	"github.com/chaz8081/blectl/internal/ll"
	"github.com/chaz8081/blectl/internal/peersim"
	"github.com/chaz8081/blectl/internal/radio"
	"github.com/chaz8081/blectl/internal/timing"
)

// fullStack wires the whole data path — engine, mux, ATT client, facade —
// against a scripted peripheral, the same topology cmd/blectl builds in
// simulate mode.
type fullStack struct {
	peer   *peersim.Peripheral
	sim    *radio.Sim
	clock  *timing.Fake
	engine *ll.Engine
	mux    *l2cap.Mux
	client *att.Client
	facade *gatt.Facade
}

func newFullStack(t *testing.T, peerOpts peersim.Options, fopts gatt.Options) *fullStack {
	t.Helper()
	addr, err := ll.ParseAddr("11:22:33:44:55:66")
	require.NoError(t, err)
	if peerOpts.Addr == (ll.Addr{}) {
		peerOpts.Addr = addr
	}

	s := &fullStack{
		peer:  peersim.New(peerOpts),
		sim:   radio.NewSim(),
		clock: timing.NewFake(0),
	}
	s.sim.SetScript(s.peer)

	s.mux = l2cap.NewMux()
	local, err := ll.ParseAddr("C0:AA:BB:CC:DD:EE")
	require.NoError(t, err)
	s.engine = ll.NewEngine(s.sim, s.clock,
		ll.WithLocalAddr(local),
		ll.WithSink(s.mux),
	)

	pump := func() error {
		alive, err := s.engine.Tick()
		if err != nil {
			return err
		}
		if !alive {
			s.client.Abort(nil)
		}
		return nil
	}
	s.client = att.NewClient(s.mux, s.clock, pump, att.Options{RxMTU: int(peerOpts.ServerMTU)})
	s.mux.SetATTHandler(s.client.HandleRxPDU)
	s.facade = gatt.NewFacade(s.client, s.clock, fopts)

	require.NoError(t, s.engine.Connect(context.Background(), peerOpts.Addr, nil, ll.DefaultConnectOptions()))
	alive, err := s.engine.Tick()
	require.NoError(t, err)
	require.True(t, alive)
	require.Equal(t, ll.Connected, s.engine.State())
	return s
}

// TestHappyPathTextSend is spec §8 scenario 1: scan, CONNECT_REQ with a
// valid generated access address, MTU exchange at 23, "Hello" written to
// handle 0x000E and acknowledged, then a clean 0x13 disconnect.
func TestHappyPathTextSend(t *testing.T) {
	s := newFullStack(t, peersim.Options{Name: "Nordic UART"}, gatt.DefaultOptions())

	require.NoError(t, s.facade.Setup())
	assert.Equal(t, gatt.ProfileNordicUart, s.facade.Profile())
	assert.Equal(t, 23, s.client.MTU())

	require.NoError(t, s.facade.SendText("Hello"))

	var payloadWrites []peersim.WriteRecord
	for _, w := range s.peer.Writes() {
		if w.Handle == 0x000E {
			payloadWrites = append(payloadWrites, w)
		}
	}
	require.Len(t, payloadWrites, 1)
	assert.Equal(t, []byte("Hello"), payloadWrites[0].Value)

	// CCCD enabled along the way.
	var cccd []peersim.WriteRecord
	for _, w := range s.peer.Writes() {
		if w.Handle == 0x0011 {
			cccd = append(cccd, w)
		}
	}
	require.Len(t, cccd, 1)
	assert.Equal(t, []byte{0x01, 0x00}, cccd[0].Value)

	// Clean teardown with the user-initiated reason.
	require.NoError(t, s.engine.Disconnect(0x13))
	alive := true
	var err error
	for i := 0; i < 10 && alive; i++ {
		alive, err = s.engine.Tick()
		require.NoError(t, err)
	}
	require.False(t, alive)
	reason, ok := s.peer.Terminated()
	require.True(t, ok)
	assert.Equal(t, byte(0x13), reason)
}

// TestMTUWriteFragmentationEndToEnd is spec §8 scenario 5 run through the
// whole stack: 100 bytes at MTU 23 arrive as five acknowledged 20-byte
// writes, in order.
func TestMTUWriteFragmentationEndToEnd(t *testing.T) {
	s := newFullStack(t, peersim.Options{Name: "Nordic UART"}, gatt.DefaultOptions())
	require.NoError(t, s.facade.Setup())

	text := ""
	for i := 0; i < 100; i++ {
		text += "A"
	}
	require.NoError(t, s.facade.SendText(text))

	var sizes []int
	var joined []byte
	for _, w := range s.peer.Writes() {
		if w.Handle == 0x000E {
			sizes = append(sizes, len(w.Value))
			joined = append(joined, w.Value...)
		}
	}
	assert.Equal(t, []int{20, 20, 20, 20, 20}, sizes)
	assert.Equal(t, []byte(text), joined)
}

// TestNotificationDeliveredUpTheStack drives a peripheral-initiated
// notification through LL, L2CAP, and ATT to the facade's handler.
func TestNotificationDeliveredUpTheStack(t *testing.T) {
	var got []byte
	var gotHandle uint16
	fopts := gatt.DefaultOptions()
	s := newFullStack(t, peersim.Options{Name: "Nordic UART"}, fopts)
	s.facade = gatt.NewFacade(s.client, s.clock, fopts, gatt.WithNotifyHandler(func(handle uint16, value []byte) {
		gotHandle = handle
		got = value
	}))
	require.NoError(t, s.facade.Setup())

	s.peer.Notify(0x0010, []byte{0xCA, 0xFE})
	for i := 0; i < 4; i++ {
		alive, err := s.engine.Tick()
		require.NoError(t, err)
		require.True(t, alive)
	}
	assert.Equal(t, uint16(0x0010), gotHandle)
	assert.Equal(t, []byte{0xCA, 0xFE}, got)
}

// TestRequestTimeoutSurfacesWithoutDisconnect drops a write response: the
// request fails with Timeout while the link itself stays up (spec §7).
func TestRequestTimeoutSurfacesWithoutDisconnect(t *testing.T) {
	s := newFullStack(t, peersim.Options{Name: "Nordic UART"}, gatt.DefaultOptions())
	require.NoError(t, s.facade.Setup())

	s.peer.DropWriteResponses(1)
	err := s.facade.SendText("lost")
	require.Error(t, err)
	assert.True(t, att.IsKind(err, att.Timeout))
	assert.Equal(t, ll.Connected, s.engine.State())
}
