// Package isobmff implements the minimal subset of ISO/IEC 14496-12
// (the ISO base media file format, i.e. fragmented MP4/CMAF) box
// parsing that the ingest pipeline's Demuxer needs: enough of the
// moov box tree to read track metadata and codec configuration, and
// enough of the moof/mdat fragment pair to walk samples in decode
// order with accurate timing and sync-sample classification.
//
// It does not attempt to be a general-purpose MP4 library — edit
// lists, multiplexed audio-in-same-trak tricks, and encryption boxes
// are out of scope, matching spec.md's Non-goals around audio sync
// and full codec support.
package isobmff

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated is returned whenever a box or field runs past the end
// of the buffer it was supposed to be contained in.
var ErrTruncated = errors.New("isobmff: truncated box")

// BoxHeader is the 8-or-16-byte header shared by every box: a 32-bit
// size (or 64-bit "largesize" when size == 1), a 4-byte type, and the
// byte offset where the header started.
type BoxHeader struct {
	Type       [4]byte
	Size       int64 // total box size including header
	HeaderLen  int   // 8, 16 (largesize), or 8 (size==0 means "to EOF", resolved by caller)
	Start      int64 // offset of the header within the parent buffer
}

// TypeString returns the box type as a plain string, e.g. "moov".
func (h BoxHeader) TypeString() string {
	return string(h.Type[:])
}

// Is reports whether the box's type matches typ (e.g. "trak").
func (h BoxHeader) Is(typ string) bool {
	return h.TypeString() == typ
}

// Cursor is a read-only, bounds-checked walker over a byte buffer used
// throughout box parsing. All Read* methods panic-free; they return an
// error instead.
type Cursor struct {
	buf []byte
	pos int64
}

// NewCursor wraps buf for reading from offset 0.
func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// Pos returns the current read offset.
func (c *Cursor) Pos() int64 { return c.pos }

// Len returns the total buffer length.
func (c *Cursor) Len() int64 { return int64(len(c.buf)) }

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int64 { return c.Len() - c.pos }

// Seek repositions the cursor to an absolute offset.
func (c *Cursor) Seek(off int64) error {
	if off < 0 || off > c.Len() {
		return fmt.Errorf("isobmff: seek out of range: %d", off)
	}
	c.pos = off
	return nil
}

func (c *Cursor) need(n int64) error {
	if c.Remaining() < n {
		return ErrTruncated
	}
	return nil
}

// ReadBytes returns the next n bytes and advances the cursor.
func (c *Cursor) ReadBytes(n int64) ([]byte, error) {
	if err := c.need(n); err != nil {
		return nil, err
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

// ReadU8 reads an unsigned 8-bit integer.
func (c *Cursor) ReadU8() (uint8, error) {
	b, err := c.ReadBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadU16 reads a big-endian unsigned 16-bit integer.
func (c *Cursor) ReadU16() (uint16, error) {
	b, err := c.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// ReadU24 reads a big-endian unsigned 24-bit integer (common in full
// box version/flags fields).
func (c *Cursor) ReadU24() (uint32, error) {
	b, err := c.ReadBytes(3)
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), nil
}

// ReadU32 reads a big-endian unsigned 32-bit integer.
func (c *Cursor) ReadU32() (uint32, error) {
	b, err := c.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ReadU64 reads a big-endian unsigned 64-bit integer.
func (c *Cursor) ReadU64() (uint64, error) {
	b, err := c.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// ReadI16 reads a big-endian signed 16-bit integer.
func (c *Cursor) ReadI16() (int16, error) {
	v, err := c.ReadU16()
	return int16(v), err
}

// ReadI32 reads a big-endian signed 32-bit integer.
func (c *Cursor) ReadI32() (int32, error) {
	v, err := c.ReadU32()
	return int32(v), err
}

// Skip advances the cursor by n bytes without reading them.
func (c *Cursor) Skip(n int64) error {
	if err := c.need(n); err != nil {
		return err
	}
	c.pos += n
	return nil
}

// ReadBoxHeader reads a box header at the cursor's current position.
func (c *Cursor) ReadBoxHeader() (BoxHeader, error) {
	start := c.pos
	size32, err := c.ReadU32()
	if err != nil {
		return BoxHeader{}, err
	}
	typ, err := c.ReadBytes(4)
	if err != nil {
		return BoxHeader{}, err
	}

	h := BoxHeader{Start: start, HeaderLen: 8}
	copy(h.Type[:], typ)

	switch size32 {
	case 1:
		large, err := c.ReadU64()
		if err != nil {
			return BoxHeader{}, err
		}
		h.Size = int64(large)
		h.HeaderLen = 16
	case 0:
		h.Size = c.Len() - start
	default:
		h.Size = int64(size32)
	}

	if h.Size < int64(h.HeaderLen) {
		return BoxHeader{}, fmt.Errorf("isobmff: box %q has invalid size %d", h.TypeString(), h.Size)
	}
	return h, nil
}

// ChildCursor returns a Cursor scoped to the box body (after its
// header) described by h, positioned so Remaining() covers exactly
// h.Size-h.HeaderLen bytes.
func (c *Cursor) ChildCursor(h BoxHeader) (*Cursor, error) {
	bodyStart := h.Start + int64(h.HeaderLen)
	bodyEnd := h.Start + h.Size
	if bodyEnd > c.Len() {
		return nil, ErrTruncated
	}
	return &Cursor{buf: c.buf[bodyStart:bodyEnd]}, nil
}

// ReadFullBoxHeader reads the version+flags prefix ("full box") used
// by most metadata boxes (mvhd, tkhd, mdhd, stsd, stts, stsc, stsz,
// stco, stss, tfhd, tfdt, trun, ...).
func (c *Cursor) ReadFullBoxHeader() (version uint8, flags uint32, err error) {
	version, err = c.ReadU8()
	if err != nil {
		return 0, 0, err
	}
	flags, err = c.ReadU24()
	if err != nil {
		return 0, 0, err
	}
	return version, flags, nil
}

// Walk calls fn for every top-level box in the cursor's remaining
// bytes, stopping at the first error fn returns (io.EOF-like: return
// ErrStopWalk to stop cleanly without propagating an error).
func Walk(c *Cursor, fn func(h BoxHeader, body *Cursor) error) error {
	for c.Remaining() > 0 {
		h, err := c.ReadBoxHeader()
		if err != nil {
			return err
		}
		body, err := c.ChildCursor(h)
		if err != nil {
			return err
		}
		if err := fn(h, body); err != nil {
			if errors.Is(err, ErrStopWalk) {
				return nil
			}
			return err
		}
		if err := c.Seek(h.Start + h.Size); err != nil {
			return err
		}
	}
	return nil
}

// ErrStopWalk is a sentinel a Walk callback can return to stop
// iteration without it being treated as a parse failure.
var ErrStopWalk = errors.New("isobmff: stop walk")

// FindChild walks the immediate children of body looking for a box of
// type typ, returning its header and a cursor over its body. Returns
// ok=false if not found.
func FindChild(body *Cursor, typ string) (h BoxHeader, child *Cursor, ok bool, err error) {
	start := body.pos
	defer body.Seek(start) //nolint:errcheck // restore caller's cursor regardless of outcome

	err = Walk(body, func(candidate BoxHeader, candidateBody *Cursor) error {
		if candidate.Is(typ) {
			h = candidate
			child = candidateBody
			ok = true
			return ErrStopWalk
		}
		return nil
	})
	return h, child, ok, err
}
