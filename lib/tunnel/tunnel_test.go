package tunnel

import (
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-rho/railway/lib/buffer"
	"github.com/go-rho/railway/lib/crypto"
	"github.com/go-rho/railway/lib/packet"
	"github.com/go-rho/railway/lib/station"
)

// mapResolver is a test StationResolver over a fixed set of stations.
type mapResolver map[string]*station.Station

func (m mapResolver) Station(id string) (*station.Station, error) {
	st, ok := m[id]
	if !ok {
		return nil, oops.Errorf("no station %q", id)
	}
	return st, nil
}

func newResolver(t *testing.T, ids ...string) mapResolver {
	t.Helper()
	m := make(mapResolver, len(ids))
	for _, id := range ids {
		st, err := station.New(id)
		require.NoError(t, err)
		m[id] = st
	}
	return m
}

func established(t *testing.T, id packet.TunnelID, resolver mapResolver, path ...string) *Tunnel {
	t.Helper()
	tn, err := New(id, path)
	require.NoError(t, err)
	require.NoError(t, tn.Negotiate(resolver))
	require.Equal(t, StateEstablished, tn.State())
	return tn
}

func TestNewInvalidPath(t *testing.T) {
	_, err := New(1, nil)
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = New(1, []string{"a", ""})
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = New(1, []string{"a", "b", "a"})
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestNegotiateTransitions(t *testing.T) {
	res := newResolver(t, "a", "b", "c")
	tn, err := New(7, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, StateUnestablished, tn.State())

	require.NoError(t, tn.Negotiate(res))
	assert.Equal(t, StateEstablished, tn.State())

	for _, id := range []string{"a", "b", "c"} {
		assert.True(t, res[id].HasSession(7), "station %s should hold a session", id)
	}

	// Renegotiating an established tunnel is a state error.
	assert.Error(t, tn.Negotiate(res))
}

func TestNegotiateUnknownHopAborts(t *testing.T) {
	res := newResolver(t, "a", "b")
	tn, err := New(3, []string{"a", "missing", "b"})
	require.NoError(t, err)

	assert.Error(t, tn.Negotiate(res))
	assert.Equal(t, StateTornDown, tn.State())
	// Partial negotiation never leaves sessions behind.
	assert.False(t, res["a"].HasSession(3))
	assert.False(t, res["b"].HasSession(3))
}

func TestForwardRoundTrip(t *testing.T) {
	res := newResolver(t, "a", "b", "c")
	tn := established(t, 1, res, "a", "b", "c")

	pkt, err := tn.Encapsulate(buffer.FromBytes([]byte("hello")), packet.Forward)
	require.NoError(t, err)
	assert.Equal(t, "a", pkt.Source)
	assert.Equal(t, "c", pkt.Destination)
	assert.Equal(t, uint64(1), pkt.Sequence)

	// B strips the outer layer; still ciphertext for C.
	next, plain, err := tn.StripAt("b", pkt)
	require.NoError(t, err)
	require.Nil(t, plain)
	require.NotNil(t, next)
	assert.Equal(t, "b", next.Source)
	assert.NotEqual(t, []byte("hello"), next.Payload().Export())

	// C strips the final layer and yields the plaintext.
	final, plain, err := tn.StripAt("c", next)
	require.NoError(t, err)
	assert.Nil(t, final)
	require.NotNil(t, plain)
	assert.Equal(t, []byte("hello"), plain.Export())
}

func TestBackwardRoundTrip(t *testing.T) {
	res := newResolver(t, "a", "b", "c")
	tn := established(t, 1, res, "a", "b", "c")

	pkt, err := tn.Encapsulate(buffer.FromBytes([]byte("reply")), packet.Backward)
	require.NoError(t, err)
	assert.Equal(t, "c", pkt.Source)
	assert.Equal(t, "a", pkt.Destination)

	next, _, err := tn.StripAt("b", pkt)
	require.NoError(t, err)
	_, plain, err := tn.StripAt("a", next)
	require.NoError(t, err)
	require.NotNil(t, plain)
	assert.Equal(t, []byte("reply"), plain.Export())
}

func TestProcessFindsHop(t *testing.T) {
	res := newResolver(t, "a", "b", "c")
	tn := established(t, 1, res, "a", "b", "c")

	pkt, err := tn.Encapsulate(buffer.FromBytes([]byte("x")), packet.Forward)
	require.NoError(t, err)

	next, plain, err := tn.Process(pkt)
	require.NoError(t, err)
	require.Nil(t, plain)
	next2, plain, err := tn.Process(next)
	require.NoError(t, err)
	require.Nil(t, next2)
	assert.Equal(t, []byte("x"), plain.Export())
}

func TestSingleStationPath(t *testing.T) {
	res := newResolver(t, "solo")
	tn := established(t, 5, res, "solo")

	pkt, err := tn.Encapsulate(buffer.FromBytes([]byte("loop")), packet.Forward)
	require.NoError(t, err)
	// One layer even on a single-station path; payload is ciphertext.
	assert.NotEqual(t, []byte("loop"), pkt.Payload().Export())

	_, plain, err := tn.StripAt("solo", pkt)
	require.NoError(t, err)
	assert.Equal(t, []byte("loop"), plain.Export())
}

func TestReplayRejected(t *testing.T) {
	res := newResolver(t, "a", "b")
	tn := established(t, 1, res, "a", "b")

	pkt, err := tn.Encapsulate(buffer.FromBytes([]byte("p")), packet.Forward)
	require.NoError(t, err)

	_, plain, err := tn.Process(pkt)
	require.NoError(t, err)
	require.NotNil(t, plain)

	_, _, err = tn.Process(pkt)
	assert.ErrorIs(t, err, station.ErrReplayDetected)
	// Replay does not tear the tunnel down.
	assert.Equal(t, StateEstablished, tn.State())
}

func TestTamperTearsDown(t *testing.T) {
	res := newResolver(t, "a", "b")
	tn := established(t, 1, res, "a", "b")

	pkt, err := tn.Encapsulate(buffer.FromBytes([]byte("secret")), packet.Forward)
	require.NoError(t, err)

	raw := pkt.Payload().Export()
	raw[len(raw)/2] ^= 0x01
	forged, err := packet.New(pkt.Header, buffer.FromBytes(raw))
	require.NoError(t, err)

	_, _, err = tn.Process(forged)
	assert.ErrorIs(t, err, crypto.ErrAuthenticationFailure)
	assert.Equal(t, StateTornDown, tn.State())
	assert.False(t, res["a"].HasSession(1))
	assert.False(t, res["b"].HasSession(1))

	// Terminal: everything fails afterwards.
	_, err = tn.Encapsulate(buffer.New(), packet.Forward)
	assert.ErrorIs(t, err, ErrTornDown)
	_, _, err = tn.Process(pkt)
	assert.ErrorIs(t, err, ErrTornDown)
}

func TestHeaderMismatchIsMalformed(t *testing.T) {
	res := newResolver(t, "a", "b", "c")
	tn := established(t, 1, res, "a", "b", "c")

	pkt, err := tn.Encapsulate(buffer.FromBytes([]byte("x")), packet.Forward)
	require.NoError(t, err)

	// Lie about the source station.
	h := pkt.Header
	h.Source = "c"
	forged, err := packet.New(h, pkt.Payload())
	require.NoError(t, err)
	_, _, err = tn.Process(forged)
	assert.ErrorIs(t, err, packet.ErrMalformedPacket)

	// StripAt at a non-processor station is malformed, too.
	_, _, err = tn.StripAt("a", pkt)
	assert.ErrorIs(t, err, packet.ErrMalformedPacket)

	// Neither tore the tunnel down.
	assert.Equal(t, StateEstablished, tn.State())
}

func TestTeardownIdempotent(t *testing.T) {
	res := newResolver(t, "a", "b")
	tn := established(t, 9, res, "a", "b")

	tn.Teardown()
	assert.Equal(t, StateTornDown, tn.State())
	assert.False(t, res["a"].HasSession(9))
	tn.Teardown()
	assert.Equal(t, StateTornDown, tn.State())
}

func TestSequencesIncrease(t *testing.T) {
	res := newResolver(t, "a", "b")
	tn := established(t, 1, res, "a", "b")

	for want := uint64(1); want <= 5; want++ {
		pkt, err := tn.Encapsulate(buffer.FromBytes([]byte("m")), packet.Forward)
		require.NoError(t, err)
		assert.Equal(t, want, pkt.Sequence)
	}
	// Directions count independently.
	pkt, err := tn.Encapsulate(buffer.FromBytes([]byte("m")), packet.Backward)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pkt.Sequence)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unestablished", StateUnestablished.String())
	assert.Equal(t, "negotiating", StateNegotiating.String())
	assert.Equal(t, "established", StateEstablished.String())
	assert.Equal(t, "torn down", StateTornDown.String())
}

func TestEncapsulateSequenceOverflow(t *testing.T) {
	res := newResolver(t, "a", "b")
	tn := established(t, 1, res, "a", "b")

	tn.mu.Lock()
	tn.send[packet.Forward] = maxSequence
	tn.mu.Unlock()

	_, err := tn.Encapsulate(buffer.FromBytes([]byte("x")), packet.Forward)
	assert.ErrorIs(t, err, station.ErrSequenceOverflow)

	// The backward counter is independent and still allocates.
	pkt, err := tn.Encapsulate(buffer.FromBytes([]byte("x")), packet.Backward)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pkt.Sequence)
}
