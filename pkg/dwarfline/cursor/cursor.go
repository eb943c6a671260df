// Package cursor provides bounds-checked readers for the primitive encodings
// used by DWARF sections.
//
// A Cursor never reads past the end of its window. A read that would overrun
// returns the zero value, clamps the position to the end of the window and
// latches the overrun flag, so that callers can finish decoding a record and
// report the failure once.
package cursor

import (
	"encoding/binary"
)

// Cursor reads from a fixed window of an immutable section buffer.
// Positions are offsets from the start of the window.
type Cursor struct {
	data    []byte
	pos     int
	order   binary.ByteOrder
	overrun bool
}

// New returns a cursor positioned at the start of data.
func New(data []byte, order binary.ByteOrder) *Cursor {
	if order == nil {
		order = binary.LittleEndian
	}
	return &Cursor{data: data, order: order}
}

// Order returns the byte order used for fixed-width integers.
func (c *Cursor) Order() binary.ByteOrder { return c.order }

// Pos returns the current position.
func (c *Cursor) Pos() uint64 { return uint64(c.pos) }

// Len returns the size of the window.
func (c *Cursor) Len() uint64 { return uint64(len(c.data)) }

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int { return len(c.data) - c.pos }

// AtEnd reports whether the cursor has consumed the whole window.
func (c *Cursor) AtEnd() bool { return c.pos >= len(c.data) }

// Overrun reports whether any read so far ran past the end of the window.
func (c *Cursor) Overrun() bool { return c.overrun }

// Seek moves the cursor to pos. Seeking past the end clamps and latches the
// overrun flag.
func (c *Cursor) Seek(pos uint64) {
	if pos > uint64(len(c.data)) {
		c.clamp()
		return
	}
	c.pos = int(pos)
}

// Skip advances the cursor by n bytes.
func (c *Cursor) Skip(n uint64) {
	if !c.need(n) {
		return
	}
	c.pos += int(n)
}

func (c *Cursor) clamp() {
	c.pos = len(c.data)
	c.overrun = true
}

// need checks that n bytes are available, clamping otherwise.
func (c *Cursor) need(n uint64) bool {
	if n > uint64(len(c.data)-c.pos) {
		c.clamp()
		return false
	}
	return true
}

// U8 reads one byte.
func (c *Cursor) U8() uint8 {
	if !c.need(1) {
		return 0
	}
	b := c.data[c.pos]
	c.pos++
	return b
}

// I8 reads one byte as a signed value.
func (c *Cursor) I8() int8 { return int8(c.U8()) }

// U16 reads a 2-byte integer.
func (c *Cursor) U16() uint16 {
	if !c.need(2) {
		return 0
	}
	v := c.order.Uint16(c.data[c.pos:])
	c.pos += 2
	return v
}

// U24 reads a 3-byte integer. binary.ByteOrder has no 3-byte accessor, so
// the value is assembled from single bytes and swapped for big-endian data.
func (c *Cursor) U24() uint32 {
	if !c.need(3) {
		return 0
	}
	b0 := uint32(c.data[c.pos])
	b1 := uint32(c.data[c.pos+1])
	b2 := uint32(c.data[c.pos+2])
	c.pos += 3
	if c.order == binary.BigEndian {
		return b0<<16 | b1<<8 | b2
	}
	return b2<<16 | b1<<8 | b0
}

// U32 reads a 4-byte integer.
func (c *Cursor) U32() uint32 {
	if !c.need(4) {
		return 0
	}
	v := c.order.Uint32(c.data[c.pos:])
	c.pos += 4
	return v
}

// U64 reads an 8-byte integer.
func (c *Cursor) U64() uint64 {
	if !c.need(8) {
		return 0
	}
	v := c.order.Uint64(c.data[c.pos:])
	c.pos += 8
	return v
}

// Uint reads an unsigned integer of the given width (1, 2, 3, 4 or 8 bytes).
// Any other width is treated as an overrun.
func (c *Cursor) Uint(size int) uint64 {
	switch size {
	case 1:
		return uint64(c.U8())
	case 2:
		return uint64(c.U16())
	case 3:
		return uint64(c.U24())
	case 4:
		return uint64(c.U32())
	case 8:
		return c.U64()
	}
	c.clamp()
	return 0
}

// Address reads a target address of the given size.
func (c *Cursor) Address(size int) uint64 { return c.Uint(size) }

// SectionOffset reads a 4- or 8-byte section offset.
func (c *Cursor) SectionOffset(offsetSize int) uint64 { return c.Uint(offsetSize) }

// ULEB128 reads an unsigned LEB128 value. Bits beyond 64 are dropped.
func (c *Cursor) ULEB128() uint64 {
	var result uint64
	var shift uint
	for {
		if c.pos >= len(c.data) {
			c.clamp()
			return 0
		}
		b := c.data[c.pos]
		c.pos++
		if shift < 64 {
			result |= uint64(b&0x7f) << shift
		}
		if b&0x80 == 0 {
			return result
		}
		shift += 7
	}
}

// SLEB128 reads a signed LEB128 value.
func (c *Cursor) SLEB128() int64 {
	var result int64
	var shift uint
	for {
		if c.pos >= len(c.data) {
			c.clamp()
			return 0
		}
		b := c.data[c.pos]
		c.pos++
		if shift < 64 {
			result |= int64(b&0x7f) << shift
		}
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result
		}
	}
}

// Bytes returns the next n bytes without copying.
func (c *Cursor) Bytes(n uint64) []byte {
	if !c.need(n) {
		return nil
	}
	b := c.data[c.pos : c.pos+int(n) : c.pos+int(n)]
	c.pos += int(n)
	return b
}

// CString reads a NUL-terminated string. An unterminated string is an
// overrun and yields "".
func (c *Cursor) CString() string {
	for i := c.pos; i < len(c.data); i++ {
		if c.data[i] == 0 {
			s := string(c.data[c.pos:i])
			c.pos = i + 1
			return s
		}
	}
	c.clamp()
	return ""
}

// StringAt returns the NUL-terminated string starting at off in data.
// ok is false when off is out of range or the string is unterminated.
func StringAt(data []byte, off uint64) (s string, ok bool) {
	if off >= uint64(len(data)) {
		return "", false
	}
	c := Cursor{data: data, pos: int(off), order: binary.LittleEndian}
	s = c.CString()
	return s, !c.overrun
}
