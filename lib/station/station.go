// Package station implements the relay endpoint: a stable identifier, a
// long-term X25519 identity key pair used only for authenticated key
// exchange, and a table of per-tunnel session keys with send counters and
// sliding receive windows.
package station

import (
	"errors"
	"sync"
	"time"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-rho/railway/lib/buffer"
	"github.com/go-rho/railway/lib/crypto"
	"github.com/go-rho/railway/lib/packet"
)

var log = logger.GetGoI2PLogger()

var (
	// ErrNoSession is returned when no session key is registered for the
	// tunnel.
	ErrNoSession = errors.New("station: no session for tunnel")

	// ErrReplayDetected is returned when a sequence number was already
	// observed or fell behind the receive window.
	ErrReplayDetected = errors.New("station: replay detected")

	// ErrSequenceOverflow is returned when a send counter would wrap. It
	// is fatal for the session; the tunnel must be renegotiated.
	ErrSequenceOverflow = errors.New("station: sequence counter overflow")
)

// maxSequence leaves room to fold the direction bit into the AEAD nonce
// counter (counter = seq<<1 | direction).
const maxSequence = 1<<63 - 1

// windowBits is the width of the sliding receive window. Sequence numbers
// older than the highest accepted minus windowBits are rejected as replays.
const windowBits = 64

// SeqRange is a contiguous range of received sequence numbers, inclusive.
type SeqRange struct {
	From uint64
	To   uint64
}

// window is a 64-bit sliding bitmask over received sequence numbers.
// Bit k set means sequence high-k was accepted.
type window struct {
	high uint64
	mask uint64
}

func (w *window) seen(seq uint64) bool {
	if seq == 0 {
		return true
	}
	if seq > w.high {
		return false
	}
	diff := w.high - seq
	if diff >= windowBits {
		return true
	}
	return w.mask>>diff&1 == 1
}

func (w *window) mark(seq uint64) {
	if seq == 0 {
		return
	}
	if seq > w.high {
		diff := seq - w.high
		if diff >= windowBits {
			w.mask = 1
		} else {
			w.mask = w.mask<<diff | 1
		}
		w.high = seq
	} else if diff := w.high - seq; diff < windowBits {
		w.mask |= 1 << diff
	}
}

// ranges reports the received sequences as contiguous inclusive ranges,
// newest first.
func (w *window) ranges() []SeqRange {
	if w.high == 0 {
		return nil
	}
	var res []SeqRange
	cur := SeqRange{From: w.high, To: w.high}
	open := true
	for k := uint64(1); k < windowBits && k < w.high; k++ {
		seq := w.high - k
		if w.mask>>k&1 == 1 {
			if open {
				cur.From = seq
			} else {
				open = true
				cur = SeqRange{From: seq, To: seq}
			}
		} else if open {
			res = append(res, cur)
			open = false
		}
	}
	if open {
		res = append(res, cur)
	}
	return res
}

// session holds the negotiated key material and counters for one tunnel.
// Send counters and receive windows are kept per direction so both
// directions get independent, strictly increasing sequence spaces.
type session struct {
	key  *buffer.Buffer
	send [2]uint64
	recv [2]window
}

// Station is a named endpoint. All session operations are serialized by the
// station's mutex; the sequence allocation inside Encapsulate is the
// serialization point that keeps concurrent packets on one tunnel and
// direction from overlapping.
type Station struct {
	id       string
	identity crypto.KeyPair

	mu       sync.Mutex
	sessions map[packet.TunnelID]*session

	packetsIn  uint64
	packetsOut uint64
	lastSeen   time.Time
	lastSent   time.Time
}

// New creates a station with a freshly generated identity key pair.
func New(id string) (*Station, error) {
	if id == "" {
		return nil, oops.Errorf("station: empty identifier")
	}
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, oops.Wrapf(err, "station %q: generating identity", id)
	}
	log.WithFields(logger.Fields{
		"at":      "station.New",
		"station": id,
	}).Debug("created station identity")
	return &Station{
		id:       id,
		identity: kp,
		sessions: make(map[packet.TunnelID]*session),
	}, nil
}

// ID returns the station's stable identifier.
func (s *Station) ID() string {
	return s.id
}

// PublicKey returns a copy of the station's identity public key.
func (s *Station) PublicKey() *buffer.Buffer {
	return buffer.FromBytes(s.identity.Public.Export())
}

// PrivateKey exposes the identity private key to the negotiating tunnel.
// It stays within the owning railway.
func (s *Station) PrivateKey() *buffer.Buffer {
	return s.identity.Private
}

// RegisterSession installs or replaces the session key for a tunnel and
// resets both directions' counters to zero.
func (s *Station) RegisterSession(tunnel packet.TunnelID, key *buffer.Buffer) error {
	if key.Len() != crypto.KeySize {
		return oops.Errorf("station %q: session key must be %d bytes, got %d",
			s.id, crypto.KeySize, key.Len())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[tunnel] = &session{key: buffer.FromBytes(key.Export())}
	log.WithFields(logger.Fields{
		"at":      "station.RegisterSession",
		"station": s.id,
		"tunnel":  tunnel,
	}).Debug("registered tunnel session")
	return nil
}

// RemoveSession destroys session state for a tunnel and reports whether a
// session existed.
func (s *Station) RemoveSession(tunnel packet.TunnelID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[tunnel]
	delete(s.sessions, tunnel)
	return ok
}

// HasSession reports whether a session key is registered for a tunnel.
func (s *Station) HasSession(tunnel packet.TunnelID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[tunnel]
	return ok
}

// Encapsulate encrypts plaintext under the tunnel's session key with the
// next outbound sequence number for the direction, binding associatedData.
// It returns the allocated sequence and the ciphertext.
func (s *Station) Encapsulate(tunnel packet.TunnelID, dir packet.Direction, plaintext, associatedData *buffer.Buffer) (uint64, *buffer.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tunnel]
	if !ok {
		return 0, nil, oops.With("tunnel", tunnel).Wrap(ErrNoSession)
	}
	if sess.send[dir] >= maxSequence {
		return 0, nil, oops.With("tunnel", tunnel).Wrap(ErrSequenceOverflow)
	}
	sess.send[dir]++
	seq := sess.send[dir]

	ct, err := crypto.Encrypt(sess.key, nonceCounter(seq, dir), plaintext, associatedData)
	if err != nil {
		return 0, nil, err
	}
	s.packetsOut++
	s.lastSent = time.Now()
	return seq, ct, nil
}

// Decapsulate strips this station's encryption layer at the given sequence
// and direction. The sequence is validated against the replay window before
// the result is accepted; the window only advances after authentication
// succeeds, so a forged packet cannot burn sequence numbers.
func (s *Station) Decapsulate(tunnel packet.TunnelID, dir packet.Direction, seq uint64, ciphertext, associatedData *buffer.Buffer) (*buffer.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tunnel]
	if !ok {
		return nil, oops.With("tunnel", tunnel).Wrap(ErrNoSession)
	}
	if sess.recv[dir].seen(seq) {
		log.WithFields(logger.Fields{
			"at":      "station.Decapsulate",
			"station": s.id,
			"tunnel":  tunnel,
			"seq":     seq,
		}).Warn("rejected replayed sequence")
		return nil, oops.With("seq", seq).Wrap(ErrReplayDetected)
	}

	plain, err := crypto.Decrypt(sess.key, nonceCounter(seq, dir), ciphertext, associatedData)
	if err != nil {
		return nil, err
	}
	sess.recv[dir].mark(seq)
	s.packetsIn++
	s.lastSeen = time.Now()
	return plain, nil
}

// SealLayer encrypts plaintext under the session key at an explicit
// sequence without touching the send counter. Tunnels use it to apply
// layers on behalf of hops whose counters they drive.
//
// A session driven through SealLayer must not also be used through
// Encapsulate for the same direction: the two would allocate overlapping
// sequence numbers and repeat an AEAD nonce under the session key. Exactly
// one of the tunnel or the station owns a direction's sequence space.
func (s *Station) SealLayer(tunnel packet.TunnelID, dir packet.Direction, seq uint64, plaintext, associatedData *buffer.Buffer) (*buffer.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tunnel]
	if !ok {
		return nil, oops.With("tunnel", tunnel).Wrap(ErrNoSession)
	}
	return crypto.Encrypt(sess.key, nonceCounter(seq, dir), plaintext, associatedData)
}

// ShowReceived reports the contiguous received sequence ranges for a
// tunnel and direction, newest first. External transports can feed this to
// their acknowledgment machinery.
func (s *Station) ShowReceived(tunnel packet.TunnelID, dir packet.Direction) ([]SeqRange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tunnel]
	if !ok {
		return nil, oops.With("tunnel", tunnel).Wrap(ErrNoSession)
	}
	return sess.recv[dir].ranges(), nil
}

// Stats reports packets processed and last activity timestamps.
func (s *Station) Stats() (packetsIn, packetsOut uint64, lastSeen, lastSent time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packetsIn, s.packetsOut, s.lastSeen, s.lastSent
}

// nonceCounter folds the direction bit into the AEAD nonce counter so the
// two directions of one session key never share a nonce.
func nonceCounter(seq uint64, dir packet.Direction) uint64 {
	return seq<<1 | uint64(dir&1)
}
