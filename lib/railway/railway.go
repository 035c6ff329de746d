package railway

import (
	"errors"
	"strconv"
	"sync"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"golang.org/x/time/rate"

	"github.com/go-rho/railway/lib/buffer"
	"github.com/go-rho/railway/lib/config"
	"github.com/go-rho/railway/lib/crypto"
	"github.com/go-rho/railway/lib/keymap"
	"github.com/go-rho/railway/lib/packet"
	"github.com/go-rho/railway/lib/station"
	"github.com/go-rho/railway/lib/tunnel"
)

var log = logger.GetGoI2PLogger()

var (
	// ErrUnknownStation is returned when a path names a station that is
	// not registered.
	ErrUnknownStation = errors.New("railway: unknown station")

	// ErrUnknownTunnel is returned when a tunnel identifier is not in
	// the registry.
	ErrUnknownTunnel = errors.New("railway: unknown tunnel")

	// ErrStationExists is returned when registering a duplicate station
	// identifier.
	ErrStationExists = errors.New("railway: station already registered")

	// ErrStationBusy is returned when removing a station still
	// referenced by a live tunnel.
	ErrStationBusy = errors.New("railway: station referenced by tunnel")

	// ErrPayloadTooLarge is returned when a payload exceeds the
	// configured budget.
	ErrPayloadTooLarge = errors.New("railway: payload exceeds budget")
)

// Result is the outcome of routing one packet through one hop: either the
// next-hop packet to hand to an external transport, or the final plaintext
// when this hop was the destination. Exactly one field is non-nil.
type Result struct {
	Next      *packet.Packet
	Plaintext *buffer.Buffer
}

// Delivered reports whether the packet reached its destination.
func (r *Result) Delivered() bool {
	return r.Plaintext != nil
}

// Railway owns all stations and tunnels it creates.
type Railway struct {
	cfg config.RailwayConfig

	mu       sync.RWMutex
	stations *keymap.Map[*station.Station]
	tunnels  *keymap.Map[*tunnel.Tunnel]
	limiters *keymap.Map[*rate.Limiter]
	nextID   packet.TunnelID
}

// New creates a railway with the built-in defaults.
func New() *Railway {
	return NewWithConfig(config.Defaults())
}

// NewWithConfig creates a railway with explicit settings.
func NewWithConfig(cfg config.RailwayConfig) *Railway {
	return &Railway{
		cfg:      cfg,
		stations: keymap.New[*station.Station](),
		tunnels:  keymap.New[*tunnel.Tunnel](),
		limiters: keymap.New[*rate.Limiter](),
	}
}

// RegisterStation creates a station with a fresh identity and registers
// it under id.
func (r *Railway) RegisterStation(id string) (*station.Station, error) {
	st, err := station.New(id)
	if err != nil {
		return nil, err
	}
	if err := r.AddStation(st); err != nil {
		return nil, err
	}
	return st, nil
}

// AddStation registers an existing station. The railway takes ownership.
func (r *Railway) AddStation(st *station.Station) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stations.ContainsString(st.ID()) {
		return oops.With("station", st.ID()).Wrap(ErrStationExists)
	}
	r.stations.PutString(st.ID(), st)
	log.WithFields(logger.Fields{
		"at":      "railway.AddStation",
		"station": st.ID(),
	}).Debug("registered station")
	return nil
}

// RemoveStation deregisters a station. It fails while any live tunnel
// still references the station.
func (r *Railway) RemoveStation(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.stations.ContainsString(id) {
		return oops.With("station", id).Wrap(ErrUnknownStation)
	}
	busy := false
	r.tunnels.Each(func(_ string, t *tunnel.Tunnel) bool {
		for _, hop := range t.Path() {
			if hop == id {
				busy = true
				return false
			}
		}
		return true
	})
	if busy {
		return oops.With("station", id).Wrap(ErrStationBusy)
	}
	r.stations.RemoveString(id)
	return nil
}

// Station returns the registered station for id, satisfying
// tunnel.StationResolver.
func (r *Railway) Station(id string) (*station.Station, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, err := r.stations.GetString(id)
	if err != nil {
		return nil, oops.With("station", id).Wrap(ErrUnknownStation)
	}
	return st, nil
}

// Stations returns the registered station identifiers, in unspecified
// order.
func (r *Railway) Stations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, r.stations.Len())
	r.stations.Each(func(id string, _ *station.Station) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// CreateTunnel negotiates a tunnel over the ordered station path and
// registers it. Every path entry must already be registered; an empty path
// is invalid. On success the tunnel is Established and its identifier is
// returned. Identifiers are allocated monotonically and never reused.
func (r *Railway) CreateTunnel(path []string) (packet.TunnelID, error) {
	r.mu.Lock()
	if len(path) == 0 {
		r.mu.Unlock()
		return 0, oops.Wrap(tunnel.ErrInvalidPath)
	}
	for _, hop := range path {
		if !r.stations.ContainsString(hop) {
			r.mu.Unlock()
			return 0, oops.With("station", hop).Wrap(ErrUnknownStation)
		}
	}
	r.nextID++
	id := r.nextID
	r.mu.Unlock()

	t, err := tunnel.New(id, path)
	if err != nil {
		return 0, err
	}
	// Negotiation resolves stations through the registry read lock, so it
	// runs outside the write section.
	if err := t.Negotiate(r); err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.tunnels.PutString(tunnelKey(id), t)
	r.limiters.PutString(tunnelKey(id),
		rate.NewLimiter(rate.Limit(r.cfg.MalformedRate), r.cfg.MalformedBurst))
	r.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":     "railway.CreateTunnel",
		"tunnel": id,
		"hops":   len(path),
	}).Debug("tunnel created")
	return id, nil
}

// Tunnel returns the live tunnel for id.
func (r *Railway) Tunnel(id packet.TunnelID) (*tunnel.Tunnel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, err := r.tunnels.GetString(tunnelKey(id))
	if err != nil {
		return nil, oops.With("tunnel", id).Wrap(ErrUnknownTunnel)
	}
	return t, nil
}

// Send encapsulates payload for the tunnel in the given direction,
// returning the packet for the first hop. Payloads beyond the configured
// budget are rejected. A sequence overflow is fatal: the tunnel is
// destroyed and must be renegotiated.
func (r *Railway) Send(id packet.TunnelID, payload *buffer.Buffer, dir packet.Direction) (*packet.Packet, error) {
	t, err := r.Tunnel(id)
	if err != nil {
		return nil, err
	}
	if payload.Len() > r.cfg.MaxPayload {
		return nil, oops.With("len", payload.Len()).With("max", r.cfg.MaxPayload).
			Wrap(ErrPayloadTooLarge)
	}
	pkt, err := t.Encapsulate(payload, dir)
	if err != nil {
		return nil, r.sendFailed(id, err)
	}
	return pkt, nil
}

// sendFailed maps an encapsulation failure onto the tunnel lifecycle: a
// sequence overflow is fatal, so the tunnel is destroyed and must be
// renegotiated. Other failures leave the tunnel alone.
func (r *Railway) sendFailed(id packet.TunnelID, err error) error {
	if errors.Is(err, station.ErrSequenceOverflow) {
		log.WithFields(logger.Fields{
			"at":     "railway.Send",
			"tunnel": id,
		}).Error("sequence overflow, destroying tunnel")
		_ = r.DestroyTunnel(id)
	}
	return err
}

// Route applies one decapsulation layer to pkt at the station its header
// addresses, returning either the next-hop packet or the final plaintext.
//
// Error policy: replayed packets are dropped with ReplayDetected and the
// tunnel survives. Malformed packets are dropped and counted against the
// tunnel's token bucket; draining the bucket destroys the tunnel. An
// authentication failure destroys the tunnel immediately.
func (r *Railway) Route(pkt *packet.Packet) (*Result, error) {
	t, err := r.Tunnel(pkt.Tunnel)
	if err != nil {
		return nil, err
	}

	next, plain, err := t.Process(pkt)
	if err != nil {
		switch {
		case errors.Is(err, crypto.ErrAuthenticationFailure):
			// The tunnel tore itself down; drop it from the registry.
			r.forgetTunnel(pkt.Tunnel)
		case errors.Is(err, packet.ErrMalformedPacket):
			if !r.malformedAllowed(pkt.Tunnel) {
				log.WithFields(logger.Fields{
					"at":     "railway.Route",
					"tunnel": pkt.Tunnel,
				}).Warn("malformed packet budget exceeded, destroying tunnel")
				_ = r.DestroyTunnel(pkt.Tunnel)
			}
		}
		return nil, err
	}
	if plain != nil {
		return &Result{Plaintext: plain}, nil
	}
	return &Result{Next: next}, nil
}

// RouteWire decodes a wire buffer and routes the resulting packet.
func (r *Railway) RouteWire(wire *buffer.Buffer) (*Result, error) {
	pkt, err := packet.Decode(wire)
	if err != nil {
		return nil, err
	}
	return r.Route(pkt)
}

// DestroyTunnel tears the tunnel down, purging every station's session
// entries for it, and removes it from the registry.
func (r *Railway) DestroyTunnel(id packet.TunnelID) error {
	r.mu.Lock()
	t, err := r.tunnels.GetString(tunnelKey(id))
	if err != nil {
		r.mu.Unlock()
		return oops.With("tunnel", id).Wrap(ErrUnknownTunnel)
	}
	r.tunnels.RemoveString(tunnelKey(id))
	r.limiters.RemoveString(tunnelKey(id))
	r.mu.Unlock()

	t.Teardown()
	log.WithFields(logger.Fields{
		"at":     "railway.DestroyTunnel",
		"tunnel": id,
	}).Debug("tunnel destroyed")
	return nil
}

// forgetTunnel removes a tunnel that already tore itself down.
func (r *Railway) forgetTunnel(id packet.TunnelID) {
	r.mu.Lock()
	r.tunnels.RemoveString(tunnelKey(id))
	r.limiters.RemoveString(tunnelKey(id))
	r.mu.Unlock()
}

// malformedAllowed burns one token from the tunnel's malformed budget.
func (r *Railway) malformedAllowed(id packet.TunnelID) bool {
	r.mu.RLock()
	lim, err := r.limiters.GetString(tunnelKey(id))
	r.mu.RUnlock()
	if err != nil {
		return true
	}
	return lim.Allow()
}

func tunnelKey(id packet.TunnelID) string {
	return strconv.FormatUint(uint64(id), 10)
}
