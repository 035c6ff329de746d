package tunnel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-rho/railway/lib/buffer"
	"github.com/go-rho/railway/lib/crypto"
	"github.com/go-rho/railway/lib/packet"
	"github.com/go-rho/railway/lib/station"
)

var log = logger.GetGoI2PLogger()

var (
	// ErrInvalidPath is returned when a tunnel path is empty or repeats a
	// station.
	ErrInvalidPath = errors.New("tunnel: invalid path")

	// ErrNotEstablished is returned by packet operations outside the
	// Established state.
	ErrNotEstablished = errors.New("tunnel: not established")

	// ErrTornDown is returned when operating on a tunnel that has been
	// destroyed.
	ErrTornDown = errors.New("tunnel: torn down")
)

// hopKeyContext is the domain-separation prefix for per-hop session keys.
const hopKeyContext = "railway/hop-key/v1"

// maxSequence mirrors the station bound: the direction bit shares the
// nonce counter with the sequence.
const maxSequence = 1<<63 - 1

// State is the tunnel lifecycle state.
type State uint8

const (
	StateUnestablished State = iota
	StateNegotiating
	StateEstablished
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateUnestablished:
		return "unestablished"
	case StateNegotiating:
		return "negotiating"
	case StateEstablished:
		return "established"
	case StateTornDown:
		return "torn down"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// StationResolver looks stations up by identifier. The railway registry
// implements it; tests substitute their own.
type StationResolver interface {
	Station(id string) (*station.Station, error)
}

// Tunnel is a negotiated, ordered multi-hop encrypted circuit. It owns the
// per-hop symmetric session context and the per-direction sequence
// counters.
type Tunnel struct {
	id   packet.TunnelID
	path []string

	mu       sync.Mutex
	state    State
	stations []*station.Station
	send     [2]uint64
}

// New creates an unestablished tunnel over path. The path must name at
// least one station and must not repeat one.
func New(id packet.TunnelID, path []string) (*Tunnel, error) {
	if len(path) == 0 {
		return nil, oops.Wrap(ErrInvalidPath)
	}
	seen := make(map[string]struct{}, len(path))
	for _, hop := range path {
		if hop == "" {
			return nil, oops.Errorf("empty station id in path: %w", ErrInvalidPath)
		}
		if _, dup := seen[hop]; dup {
			return nil, oops.Errorf("station %q repeats in path: %w", hop, ErrInvalidPath)
		}
		seen[hop] = struct{}{}
	}
	return &Tunnel{
		id:   id,
		path: append([]string(nil), path...),
	}, nil
}

// ID returns the tunnel identifier.
func (t *Tunnel) ID() packet.TunnelID {
	return t.id
}

// Path returns a copy of the ordered station path.
func (t *Tunnel) Path() []string {
	return append([]string(nil), t.path...)
}

// State returns the current lifecycle state.
func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Negotiate derives and installs a session key at every hop, in path
// order. Each hop's exchange uses a fresh ephemeral key pair against the
// hop's identity key; the derived key is domain-separated by tunnel id and
// hop index. Any failure tears the whole tunnel down.
func (t *Tunnel) Negotiate(resolver StationResolver) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateUnestablished:
	case StateTornDown:
		return oops.Wrap(ErrTornDown)
	default:
		return oops.Errorf("tunnel %d: negotiate in state %s", t.id, t.state)
	}
	t.state = StateNegotiating
	log.WithFields(logger.Fields{
		"at":     "tunnel.Negotiate",
		"tunnel": t.id,
		"hops":   len(t.path),
	}).Debug("negotiating tunnel")

	stations := make([]*station.Station, 0, len(t.path))
	for i, hop := range t.path {
		st, err := resolver.Station(hop)
		if err != nil {
			t.teardownLocked(stations)
			return oops.Wrapf(err, "tunnel %d: resolving hop %d (%q)", t.id, i, hop)
		}
		key, err := t.negotiateHop(st, i)
		if err != nil {
			t.teardownLocked(stations)
			return oops.Wrapf(err, "tunnel %d: negotiating hop %d (%q)", t.id, i, hop)
		}
		if err := st.RegisterSession(t.id, key); err != nil {
			t.teardownLocked(stations)
			return oops.Wrapf(err, "tunnel %d: installing session at hop %d", t.id, i)
		}
		stations = append(stations, st)
	}

	t.stations = stations
	t.state = StateEstablished
	log.WithFields(logger.Fields{
		"at":     "tunnel.Negotiate",
		"tunnel": t.id,
	}).Debug("tunnel established")
	return nil
}

// negotiateHop runs one ephemeral exchange against a hop's identity key.
// Negotiation is sequential because each hop's material is forwarded
// through the previous hop during circuit construction.
func (t *Tunnel) negotiateHop(st *station.Station, index int) (*buffer.Buffer, error) {
	eph, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	shared, err := crypto.KeyExchange(eph.Private, st.PublicKey())
	if err != nil {
		return nil, err
	}
	// The hop would compute the identical secret from its identity private
	// key and our ephemeral public key.
	context := fmt.Sprintf("%s/%d/%d", hopKeyContext, t.id, index)
	return crypto.DeriveKey(shared, context)
}

// travelOrder returns the station sequence a packet visits for dir.
func (t *Tunnel) travelOrder(dir packet.Direction) []*station.Station {
	if dir == packet.Forward {
		return t.stations
	}
	rev := make([]*station.Station, len(t.stations))
	for i, st := range t.stations {
		rev[len(t.stations)-1-i] = st
	}
	return rev
}

// processors returns the stations that strip a layer, in strip order: every
// station after the origin, or the origin itself on a single-station path.
func processors(travel []*station.Station) []*station.Station {
	if len(travel) == 1 {
		return travel
	}
	return travel[1:]
}

// headerAt builds the routing header as the packet arrives at processor
// index i: the source field names the previous station on the travel
// order.
func (t *Tunnel) headerAt(travel, procs []*station.Station, i int, seq uint64, dir packet.Direction) packet.Header {
	prev := travel[0].ID()
	if len(travel) > 1 && i > 0 {
		prev = procs[i-1].ID()
	}
	return packet.Header{
		Source:      prev,
		Destination: travel[len(travel)-1].ID(),
		Tunnel:      t.id,
		Sequence:    seq,
		Direction:   dir,
	}
}

// Encapsulate wraps payload in every hop's encryption layer for dir and
// returns the packet ready to hand to the first hop's transport. The
// innermost layer belongs to the destination-most station; each processor
// along the travel order strips exactly one.
func (t *Tunnel) Encapsulate(payload *buffer.Buffer, dir packet.Direction) (*packet.Packet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateEstablished {
		if t.state == StateTornDown {
			return nil, oops.With("tunnel", t.id).Wrap(ErrTornDown)
		}
		return nil, oops.With("state", t.state.String()).Wrap(ErrNotEstablished)
	}
	if t.send[dir] >= maxSequence {
		return nil, oops.With("tunnel", t.id).Wrap(station.ErrSequenceOverflow)
	}
	t.send[dir]++
	seq := t.send[dir]

	travel := t.travelOrder(dir)
	procs := processors(travel)

	// Innermost first: seal for the last processor, then wrap outward so
	// the first station to process sees the outermost layer.
	content := buffer.New()
	content.Concat(payload)
	for i := len(procs) - 1; i >= 0; i-- {
		h := t.headerAt(travel, procs, i, seq, dir)
		ad := headerAD(h)
		sealed, err := procs[i].SealLayer(t.id, dir, seq, content, ad)
		if err != nil {
			return nil, oops.Wrapf(err, "tunnel %d: sealing layer for %q", t.id, procs[i].ID())
		}
		content = sealed
	}

	return packet.New(t.headerAt(travel, procs, 0, seq, dir), content)
}

// StripAt removes the one encryption layer belonging to station id from
// pkt. It returns either the re-encapsulated packet for the next hop, or
// the final plaintext when id is the packet's last processor.
//
// An authentication failure marks the tunnel compromised and tears it down
// before returning the error.
func (t *Tunnel) StripAt(id string, pkt *packet.Packet) (next *packet.Packet, plaintext *buffer.Buffer, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateEstablished {
		if t.state == StateTornDown {
			return nil, nil, oops.With("tunnel", t.id).Wrap(ErrTornDown)
		}
		return nil, nil, oops.With("state", t.state.String()).Wrap(ErrNotEstablished)
	}

	travel := t.travelOrder(pkt.Direction)
	procs := processors(travel)
	pos := -1
	for i, st := range procs {
		if st.ID() == id {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, nil, oops.Errorf("tunnel %d: station %q is not a processor: %w",
			t.id, id, packet.ErrMalformedPacket)
	}

	expected := t.headerAt(travel, procs, pos, pkt.Sequence, pkt.Direction)
	if pkt.Header != expected {
		return nil, nil, oops.Errorf("tunnel %d: header mismatch at %q: %w",
			t.id, id, packet.ErrMalformedPacket)
	}
	return t.stripLocked(travel, procs, pos, pkt)
}

// Process locates the processor pkt is addressed to next (by its routing
// header) and strips that station's layer. The railway's route operation
// drives this once per hop.
func (t *Tunnel) Process(pkt *packet.Packet) (next *packet.Packet, plaintext *buffer.Buffer, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateEstablished {
		if t.state == StateTornDown {
			return nil, nil, oops.With("tunnel", t.id).Wrap(ErrTornDown)
		}
		return nil, nil, oops.With("state", t.state.String()).Wrap(ErrNotEstablished)
	}

	travel := t.travelOrder(pkt.Direction)
	procs := processors(travel)
	for pos := range procs {
		if t.headerAt(travel, procs, pos, pkt.Sequence, pkt.Direction) == pkt.Header {
			return t.stripLocked(travel, procs, pos, pkt)
		}
	}
	return nil, nil, oops.Errorf("tunnel %d: header matches no hop: %w",
		t.id, packet.ErrMalformedPacket)
}

func (t *Tunnel) stripLocked(travel, procs []*station.Station, pos int, pkt *packet.Packet) (*packet.Packet, *buffer.Buffer, error) {
	plain, err := procs[pos].Decapsulate(t.id, pkt.Direction, pkt.Sequence, pkt.Payload(), pkt.AssociatedData())
	if err != nil {
		if errors.Is(err, crypto.ErrAuthenticationFailure) {
			log.WithFields(logger.Fields{
				"at":      "tunnel.strip",
				"tunnel":  t.id,
				"station": procs[pos].ID(),
			}).Error("authentication failure, tearing tunnel down")
			t.teardownLocked(t.stations)
		}
		return nil, nil, err
	}

	if pos == len(procs)-1 {
		return nil, plain, nil
	}
	nextPkt, err := packet.New(t.headerAt(travel, procs, pos+1, pkt.Sequence, pkt.Direction), plain)
	if err != nil {
		return nil, nil, err
	}
	return nextPkt, nil, nil
}

// Teardown transitions the tunnel to TornDown and purges every station's
// session entry for this tunnel. It is idempotent; in-flight operations
// complete or fail cleanly, new ones fail immediately.
func (t *Tunnel) Teardown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.teardownLocked(t.stations)
}

func (t *Tunnel) teardownLocked(stations []*station.Station) {
	if t.state == StateTornDown {
		return
	}
	for _, st := range stations {
		st.RemoveSession(t.id)
	}
	t.stations = nil
	t.state = StateTornDown
	log.WithFields(logger.Fields{
		"at":     "tunnel.teardown",
		"tunnel": t.id,
	}).Debug("tunnel torn down")
}

// headerAD renders h as AEAD associated data without building a packet.
func headerAD(h packet.Header) *buffer.Buffer {
	p, err := packet.New(h, nil)
	if err != nil {
		return buffer.New()
	}
	return p.AssociatedData()
}
