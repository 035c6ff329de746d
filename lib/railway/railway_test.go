package railway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-rho/railway/lib/buffer"
	"github.com/go-rho/railway/lib/config"
	"github.com/go-rho/railway/lib/crypto"
	"github.com/go-rho/railway/lib/packet"
	"github.com/go-rho/railway/lib/station"
	"github.com/go-rho/railway/lib/tunnel"
)

func newFabric(t *testing.T, ids ...string) *Railway {
	t.Helper()
	r := New()
	for _, id := range ids {
		_, err := r.RegisterStation(id)
		require.NoError(t, err)
	}
	return r
}

func TestRegisterStation(t *testing.T) {
	r := newFabric(t, "a")
	_, err := r.RegisterStation("a")
	assert.ErrorIs(t, err, ErrStationExists)

	st, err := r.Station("a")
	require.NoError(t, err)
	assert.Equal(t, "a", st.ID())

	_, err = r.Station("nope")
	assert.ErrorIs(t, err, ErrUnknownStation)

	assert.ElementsMatch(t, []string{"a"}, r.Stations())
}

func TestAddExistingStation(t *testing.T) {
	r := New()
	st, err := station.New("ext")
	require.NoError(t, err)
	require.NoError(t, r.AddStation(st))
	assert.ErrorIs(t, r.AddStation(st), ErrStationExists)
}

func TestCreateTunnelValidation(t *testing.T) {
	r := newFabric(t, "a", "b")

	_, err := r.CreateTunnel(nil)
	assert.ErrorIs(t, err, tunnel.ErrInvalidPath)

	_, err = r.CreateTunnel([]string{"a", "ghost"})
	assert.ErrorIs(t, err, ErrUnknownStation)
}

func TestScenarioThreeStations(t *testing.T) {
	r := newFabric(t, "A", "B", "C")

	id, err := r.CreateTunnel([]string{"A", "B", "C"})
	require.NoError(t, err)

	tn, err := r.Tunnel(id)
	require.NoError(t, err)
	assert.Equal(t, tunnel.StateEstablished, tn.State())

	pkt, err := r.Send(id, buffer.FromBytes([]byte("hello")), packet.Forward)
	require.NoError(t, err)

	// Route through B.
	res, err := r.Route(pkt)
	require.NoError(t, err)
	assert.False(t, res.Delivered())
	require.NotNil(t, res.Next)

	// Route to C: destination reached.
	res, err = r.Route(res.Next)
	require.NoError(t, err)
	assert.True(t, res.Delivered())
	assert.Equal(t, []byte("hello"), res.Plaintext.Export())
}

func TestRouteWire(t *testing.T) {
	r := newFabric(t, "A", "B")
	id, err := r.CreateTunnel([]string{"A", "B"})
	require.NoError(t, err)

	pkt, err := r.Send(id, buffer.FromBytes([]byte("wire")), packet.Forward)
	require.NoError(t, err)

	res, err := r.RouteWire(pkt.Encode())
	require.NoError(t, err)
	assert.True(t, res.Delivered())
	assert.Equal(t, []byte("wire"), res.Plaintext.Export())

	_, err = r.RouteWire(buffer.FromBytes([]byte("junk")))
	assert.ErrorIs(t, err, packet.ErrMalformedPacket)
}

func TestRouteUnknownTunnel(t *testing.T) {
	r := newFabric(t, "A", "B")
	id, err := r.CreateTunnel([]string{"A", "B"})
	require.NoError(t, err)
	pkt, err := r.Send(id, buffer.FromBytes([]byte("x")), packet.Forward)
	require.NoError(t, err)

	h := pkt.Header
	h.Tunnel = 999
	stray, err := packet.New(h, pkt.Payload())
	require.NoError(t, err)
	_, err = r.Route(stray)
	assert.ErrorIs(t, err, ErrUnknownTunnel)
}

func TestDestroyTunnel(t *testing.T) {
	r := newFabric(t, "A", "B")
	id, err := r.CreateTunnel([]string{"A", "B"})
	require.NoError(t, err)

	require.NoError(t, r.DestroyTunnel(id))
	assert.ErrorIs(t, r.DestroyTunnel(id), ErrUnknownTunnel)

	// Encapsulating on a destroyed tunnel fails.
	_, err = r.Send(id, buffer.FromBytes([]byte("x")), packet.Forward)
	assert.ErrorIs(t, err, ErrUnknownTunnel)

	// Session entries are purged.
	stA, _ := r.Station("A")
	stB, _ := r.Station("B")
	assert.False(t, stA.HasSession(id))
	assert.False(t, stB.HasSession(id))

	// Identifiers are never reused.
	id2, err := r.CreateTunnel([]string{"A", "B"})
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
}

func TestReplayThroughRailway(t *testing.T) {
	r := newFabric(t, "A", "B")
	id, err := r.CreateTunnel([]string{"A", "B"})
	require.NoError(t, err)

	pkt, err := r.Send(id, buffer.FromBytes([]byte("once")), packet.Forward)
	require.NoError(t, err)

	_, err = r.Route(pkt)
	require.NoError(t, err)
	_, err = r.Route(pkt)
	assert.ErrorIs(t, err, station.ErrReplayDetected)

	// The tunnel survives replays.
	tn, err := r.Tunnel(id)
	require.NoError(t, err)
	assert.Equal(t, tunnel.StateEstablished, tn.State())
}

func TestAuthFailureDestroysTunnel(t *testing.T) {
	r := newFabric(t, "A", "B")
	id, err := r.CreateTunnel([]string{"A", "B"})
	require.NoError(t, err)

	pkt, err := r.Send(id, buffer.FromBytes([]byte("data")), packet.Forward)
	require.NoError(t, err)

	raw := pkt.Payload().Export()
	raw[0] ^= 0x80
	forged, err := packet.New(pkt.Header, buffer.FromBytes(raw))
	require.NoError(t, err)

	_, err = r.Route(forged)
	assert.ErrorIs(t, err, crypto.ErrAuthenticationFailure)

	_, err = r.Tunnel(id)
	assert.ErrorIs(t, err, ErrUnknownTunnel)
}

func TestMalformedBudgetDestroysTunnel(t *testing.T) {
	cfg := config.Defaults()
	cfg.MalformedBurst = 2
	cfg.MalformedRate = 0.0001
	r := NewWithConfig(cfg)
	for _, id := range []string{"A", "B"} {
		_, err := r.RegisterStation(id)
		require.NoError(t, err)
	}
	id, err := r.CreateTunnel([]string{"A", "B"})
	require.NoError(t, err)

	pkt, err := r.Send(id, buffer.FromBytes([]byte("x")), packet.Forward)
	require.NoError(t, err)
	h := pkt.Header
	h.Source = "B" // matches no hop
	bad, err := packet.New(h, pkt.Payload())
	require.NoError(t, err)

	// Two malformed packets fit the burst; the tunnel survives.
	for i := 0; i < 2; i++ {
		_, err = r.Route(bad)
		assert.ErrorIs(t, err, packet.ErrMalformedPacket)
		_, err := r.Tunnel(id)
		require.NoError(t, err)
	}

	// The third drains the budget and destroys the tunnel.
	_, err = r.Route(bad)
	assert.ErrorIs(t, err, packet.ErrMalformedPacket)
	_, err = r.Tunnel(id)
	assert.ErrorIs(t, err, ErrUnknownTunnel)
}

func TestPayloadBudget(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxPayload = 8
	r := NewWithConfig(cfg)
	for _, id := range []string{"A", "B"} {
		_, err := r.RegisterStation(id)
		require.NoError(t, err)
	}
	id, err := r.CreateTunnel([]string{"A", "B"})
	require.NoError(t, err)

	_, err = r.Send(id, buffer.FromBytes(make([]byte, 9)), packet.Forward)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	_, err = r.Send(id, buffer.FromBytes(make([]byte, 8)), packet.Forward)
	assert.NoError(t, err)
}

func TestRemoveStation(t *testing.T) {
	r := newFabric(t, "A", "B")
	id, err := r.CreateTunnel([]string{"A", "B"})
	require.NoError(t, err)

	assert.ErrorIs(t, r.RemoveStation("A"), ErrStationBusy)
	require.NoError(t, r.DestroyTunnel(id))
	require.NoError(t, r.RemoveStation("A"))
	assert.ErrorIs(t, r.RemoveStation("A"), ErrUnknownStation)
}

func TestBackwardThroughRailway(t *testing.T) {
	r := newFabric(t, "A", "B", "C")
	id, err := r.CreateTunnel([]string{"A", "B", "C"})
	require.NoError(t, err)

	pkt, err := r.Send(id, buffer.FromBytes([]byte("reply")), packet.Backward)
	require.NoError(t, err)
	assert.Equal(t, "C", pkt.Source)
	assert.Equal(t, "A", pkt.Destination)

	res, err := r.Route(pkt)
	require.NoError(t, err)
	require.False(t, res.Delivered())
	res, err = r.Route(res.Next)
	require.NoError(t, err)
	require.True(t, res.Delivered())
	assert.Equal(t, []byte("reply"), res.Plaintext.Export())
}

func TestSequenceOverflowDestroysTunnel(t *testing.T) {
	r := newFabric(t, "A", "B")
	id, err := r.CreateTunnel([]string{"A", "B"})
	require.NoError(t, err)

	err = r.sendFailed(id, station.ErrSequenceOverflow)
	assert.ErrorIs(t, err, station.ErrSequenceOverflow)

	// Fatal: the tunnel is gone and its sessions are purged.
	_, err = r.Tunnel(id)
	assert.ErrorIs(t, err, ErrUnknownTunnel)
	stA, _ := r.Station("A")
	assert.False(t, stA.HasSession(id))

	// Non-fatal encapsulation failures leave tunnels alone.
	id2, err := r.CreateTunnel([]string{"A", "B"})
	require.NoError(t, err)
	assert.ErrorIs(t, r.sendFailed(id2, ErrPayloadTooLarge), ErrPayloadTooLarge)
	_, err = r.Tunnel(id2)
	assert.NoError(t, err)
}
