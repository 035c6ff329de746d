// Package packet implements the framed unit exchanged between adjacent
// stations: a fixed-order routing header followed by an opaque payload that
// stays ciphertext at every hop except the final recipient.
//
// Wire format, all integers big-endian, all lengths explicit:
//
//	version   uint8   (currently 1)
//	flags     uint8   (bit 0: direction, 0 forward / 1 backward)
//	tunnel    uint32
//	sequence  uint64
//	srcLen    uint16  followed by srcLen source id bytes
//	dstLen    uint16  followed by dstLen destination id bytes
//	payload   uint32  followed by payload bytes
//
// Packets are immutable once encoded; re-encapsulating for the next hop
// produces a new Packet rather than mutating in place.
package packet

import (
	"encoding/binary"
	"errors"

	"github.com/samber/oops"

	"github.com/go-rho/railway/lib/buffer"
)

// Version is the wire format version emitted and accepted by this package.
const Version = 1

// MaxIDLen bounds station identifier length on the wire.
const MaxIDLen = 255

// fixedHeaderLen covers version, flags, tunnel and sequence.
const fixedHeaderLen = 1 + 1 + 4 + 8

// minWireLen is the shortest decodable packet: fixed header plus three
// empty length fields.
const minWireLen = fixedHeaderLen + 2 + 2 + 4

// TunnelID identifies a circuit within its owning railway.
type TunnelID uint32

// Direction tells which way along the path a packet travels.
type Direction uint8

const (
	// Forward runs origin to destination in path order.
	Forward Direction = 0
	// Backward runs the path in reverse for return traffic.
	Backward Direction = 1
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// ErrMalformedPacket is returned by Decode for any wire-format violation.
var ErrMalformedPacket = errors.New("packet: malformed wire data")

// Header carries the routing metadata of a packet.
type Header struct {
	Source      string
	Destination string
	Tunnel      TunnelID
	Sequence    uint64
	Direction   Direction
}

// Packet is a decoded (or to-be-encoded) unit. The payload buffer is owned
// by the packet; callers must not mutate it.
type Packet struct {
	Header
	payload *buffer.Buffer
}

// New builds a packet from header and payload. The payload bytes are
// copied, so the caller's buffer stays independent.
func New(h Header, payload *buffer.Buffer) (*Packet, error) {
	if err := validateHeader(h); err != nil {
		return nil, err
	}
	p := buffer.New()
	p.Concat(payload)
	return &Packet{Header: h, payload: p}, nil
}

// Payload returns the packet's payload buffer. Treat it as read-only.
func (p *Packet) Payload() *buffer.Buffer {
	return p.payload
}

// AssociatedData renders the header in canonical form for use as AEAD
// associated data, binding every routing field into the per-hop tag.
func (p *Packet) AssociatedData() *buffer.Buffer {
	ad := buffer.New()
	writeHeader(ad, p.Header)
	return ad
}

// Encode serializes the packet into a fresh buffer in the wire format.
func (p *Packet) Encode() *buffer.Buffer {
	out := buffer.New()
	writeHeader(out, p.Header)
	var plen [4]byte
	binary.BigEndian.PutUint32(plen[:], uint32(p.payload.Len()))
	out.Append(plen[:])
	out.Concat(p.payload)
	return out
}

// Decode parses a wire buffer into a Packet, validating minimum length,
// version, flags and every length field before extracting the payload.
// Trailing bytes after the payload are a violation.
func Decode(wire *buffer.Buffer) (*Packet, error) {
	raw := wire.Export()
	if len(raw) < minWireLen {
		return nil, oops.With("len", len(raw)).Wrap(ErrMalformedPacket)
	}
	if raw[0] != Version {
		return nil, oops.With("version", raw[0]).Wrap(ErrMalformedPacket)
	}
	flags := raw[1]
	if flags&^0x01 != 0 {
		return nil, oops.With("flags", flags).Wrap(ErrMalformedPacket)
	}

	h := Header{
		Tunnel:    TunnelID(binary.BigEndian.Uint32(raw[2:6])),
		Sequence:  binary.BigEndian.Uint64(raw[6:14]),
		Direction: Direction(flags & 0x01),
	}

	at := fixedHeaderLen
	src, at, err := readString(raw, at)
	if err != nil {
		return nil, err
	}
	dst, at, err := readString(raw, at)
	if err != nil {
		return nil, err
	}
	h.Source = src
	h.Destination = dst
	if err := validateHeader(h); err != nil {
		return nil, err
	}

	if len(raw)-at < 4 {
		return nil, oops.With("at", at).Wrap(ErrMalformedPacket)
	}
	plen := int(binary.BigEndian.Uint32(raw[at : at+4]))
	at += 4
	if len(raw)-at != plen {
		return nil, oops.With("payload_len", plen).With("remaining", len(raw)-at).
			Wrap(ErrMalformedPacket)
	}

	return &Packet{Header: h, payload: buffer.FromBytes(raw[at:])}, nil
}

func validateHeader(h Header) error {
	if h.Source == "" || h.Destination == "" {
		return oops.Errorf("packet: empty station identifier: %w", ErrMalformedPacket)
	}
	if len(h.Source) > MaxIDLen || len(h.Destination) > MaxIDLen {
		return oops.Errorf("packet: station identifier too long: %w", ErrMalformedPacket)
	}
	if h.Direction != Forward && h.Direction != Backward {
		return oops.Errorf("packet: bad direction %d: %w", h.Direction, ErrMalformedPacket)
	}
	return nil
}

func writeHeader(out *buffer.Buffer, h Header) {
	out.AppendByte(Version)
	out.AppendByte(byte(h.Direction) & 0x01)
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(h.Tunnel))
	out.Append(u32[:])
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], h.Sequence)
	out.Append(u64[:])
	writeString(out, h.Source)
	writeString(out, h.Destination)
}

func writeString(out *buffer.Buffer, s string) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	out.Append(l[:])
	out.Append([]byte(s))
}

func readString(raw []byte, at int) (string, int, error) {
	if len(raw)-at < 2 {
		return "", at, oops.With("at", at).Wrap(ErrMalformedPacket)
	}
	l := int(binary.BigEndian.Uint16(raw[at : at+2]))
	at += 2
	if l > MaxIDLen || len(raw)-at < l {
		return "", at, oops.With("id_len", l).Wrap(ErrMalformedPacket)
	}
	return string(raw[at : at+l]), at + l, nil
}
