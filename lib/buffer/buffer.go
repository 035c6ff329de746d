// Package buffer provides the owned, binary-safe byte sequence that all
// payloads, keys, nonces and digests in the railway fabric are carried in.
//
// A Buffer always owns its backing storage: construction from caller bytes
// copies immediately, and Export hands back a fresh copy, so no two buffers
// (and no buffer and caller slice) ever alias mutable storage.
package buffer

import (
	"crypto/subtle"
	"io"
	"strconv"

	"github.com/samber/oops"
)

// Buffer is an owned, resizable byte sequence. The zero value is an empty
// buffer ready for use. A Buffer is not safe for concurrent mutation; owners
// serialize access.
type Buffer struct {
	data []byte
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// FromBytes returns a buffer holding a copy of b. The caller's slice is
// never retained.
func FromBytes(b []byte) *Buffer {
	buf := &Buffer{data: make([]byte, len(b))}
	copy(buf.data, b)
	return buf
}

// FromReader reads exactly length bytes from r into a new buffer. It fails
// with an invalid-argument error if length is negative, and with a wrapped
// read error if r cannot supply that many bytes. The caller is responsible
// for the length claim being honest; this is the trust boundary for
// externally supplied storage.
func FromReader(r io.Reader, length int) (*Buffer, error) {
	if length < 0 {
		return nil, oops.Errorf("buffer: negative length %d", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, oops.Wrapf(err, "buffer: short read, wanted %d bytes", length)
	}
	return &Buffer{data: data}, nil
}

// Len returns the logical length in bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Append copies p onto the end of the buffer.
func (b *Buffer) Append(p []byte) {
	b.data = append(b.data, p...)
}

// AppendByte appends a single byte.
func (b *Buffer) AppendByte(c byte) {
	b.data = append(b.data, c)
}

// Concat appends a copy of other's bytes. other is unchanged.
func (b *Buffer) Concat(other *Buffer) {
	if other == nil {
		return
	}
	b.data = append(b.data, other.data...)
}

// Export returns an immutable copy of the logical bytes. Mutating the
// returned slice does not affect the buffer.
func (b *Buffer) Export() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Write appends p, implementing io.Writer. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

// Clear resets the buffer to empty, releasing the backing storage.
func (b *Buffer) Clear() {
	b.data = nil
}

// Equal reports whether both buffers hold the same bytes. The comparison is
// constant time in the shared length, so it is safe for key material.
func (b *Buffer) Equal(other *Buffer) bool {
	if other == nil {
		return b.Len() == 0
	}
	if len(b.data) != len(other.data) {
		return false
	}
	return subtle.ConstantTimeCompare(b.data, other.data) == 1
}

// Key returns the buffer's bytes as a string, suitable for use as a map key.
// Binary content survives unmodified; the conversion copies.
func (b *Buffer) Key() string {
	return string(b.data)
}

// Deci renders the buffer as space-separated decimal byte values. This is
// the deterministic diagnostic encoding adapters are expected to use;
// "hi" renders as "104 105".
func (b *Buffer) Deci() string {
	if len(b.data) == 0 {
		return ""
	}
	out := make([]byte, 0, len(b.data)*4)
	for i, v := range b.data {
		if i > 0 {
			out = append(out, ' ')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return string(out)
}
