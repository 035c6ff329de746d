package buffer

import "github.com/samber/oops"

// maxVarLongBytes bounds a 64-bit value at 7 bits per byte.
const maxVarLongBytes = 10

// PushVarLong appends v in base-128 varint form, low groups first, high bit
// set on every byte except the last.
func (b *Buffer) PushVarLong(v uint64) {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b.data = append(b.data, c)
		if v == 0 {
			return
		}
	}
}

// PeekVarLong decodes a varint starting at offset at. It returns the value
// and the number of bytes consumed, or an error if the encoding runs past
// the end of the buffer or exceeds 64 bits.
func (b *Buffer) PeekVarLong(at int) (v uint64, n int, err error) {
	if at < 0 || at >= len(b.data) {
		return 0, 0, oops.Errorf("buffer: varlong offset %d out of range", at)
	}
	var shift uint
	for i := at; i < len(b.data); i++ {
		if i-at >= maxVarLongBytes {
			return 0, 0, oops.Errorf("buffer: varlong longer than %d bytes", maxVarLongBytes)
		}
		c := b.data[i]
		v |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return v, i - at + 1, nil
		}
		shift += 7
	}
	return 0, 0, oops.Errorf("buffer: truncated varlong at offset %d", at)
}
