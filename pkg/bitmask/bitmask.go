// Package bitmask provides a fixed-length bitmask value type addressing
// 1-based bit positions.
//
// A [Mask] of byte length L addresses positions 1 through 8*L. Position 0
// is reserved and means "none". The wire layout is fixed: position 1 is
// the most significant bit of byte 0, position 8 is the least significant
// bit of byte 0, position 9 is the most significant bit of byte 1, and so
// on. Masks produced by this package are stored verbatim as binary blobs,
// so the layout must never change.
//
// # Basic Usage
//
//	m, err := bitmask.New(16)
//	if err != nil {
//	    // byte length < 1
//	}
//	_ = m.Set(1)
//	_ = m.Set(12)
//	m.Positions() // [1 12]
//
// # Mutation and Copying
//
// Position and mask operations mutate the receiver in place and return it
// for chaining. A Mask never shares its buffer with caller-visible bytes:
// [FromBytes] copies on the way in and [Mask.Bytes] copies on the way out.
package bitmask

import (
	"bytes"
	"errors"
	"fmt"
)

// Sentinel errors returned by bitmask operations.
var (
	// ErrLength indicates a byte length smaller than 1.
	ErrLength = errors.New("bitmask: byte length must be >= 1")

	// ErrPosition indicates a position outside [1, 8*byteLength].
	ErrPosition = errors.New("bitmask: position out of range")
)

// Mask is a fixed-length bitmask. The zero value is an empty mask of
// length 0 and is only useful as a placeholder; obtain usable masks via
// [New] or [FromBytes].
type Mask struct {
	bits []byte
}

// New returns an all-zero mask of byteLength bytes.
func New(byteLength int) (*Mask, error) {
	if byteLength < 1 {
		return nil, fmt.Errorf("%w, got %d", ErrLength, byteLength)
	}

	return &Mask{bits: make([]byte, byteLength)}, nil
}

// FromBytes wraps a copy of raw as a mask of length len(raw).
func FromBytes(raw []byte) *Mask {
	return &Mask{bits: bytes.Clone(raw)}
}

// Bytes returns a copy of the mask contents.
func (m *Mask) Bytes() []byte {
	return bytes.Clone(m.bits)
}

// ByteLen returns the byte length L.
func (m *Mask) ByteLen() int {
	return len(m.bits)
}

// Bits returns the number of addressable positions, 8*L.
func (m *Mask) Bits() int {
	return len(m.bits) * 8
}

// locate maps a 1-based position to its byte index and bit within that
// byte. Position 1 is the MSB of byte 0.
func (m *Mask) locate(position int) (int, byte, error) {
	if position < 1 || position > m.Bits() {
		return 0, 0, fmt.Errorf("%w: %d not in [1, %d]", ErrPosition, position, m.Bits())
	}

	return (position - 1) / 8, 0x80 >> uint((position-1)%8), nil
}

// Set sets the bit at position. Idempotent.
func (m *Mask) Set(position int) error {
	idx, bit, err := m.locate(position)
	if err != nil {
		return err
	}

	m.bits[idx] |= bit

	return nil
}

// Unset clears the bit at position. Idempotent.
func (m *Mask) Unset(position int) error {
	idx, bit, err := m.locate(position)
	if err != nil {
		return err
	}

	m.bits[idx] &^= bit

	return nil
}

// SetAll sets every position in positions. On a range error the mask is
// left unchanged.
func (m *Mask) SetAll(positions []int) error {
	err := m.checkAll(positions)
	if err != nil {
		return err
	}

	for _, p := range positions {
		_ = m.Set(p)
	}

	return nil
}

// UnsetAll clears every position in positions. On a range error the mask
// is left unchanged.
func (m *Mask) UnsetAll(positions []int) error {
	err := m.checkAll(positions)
	if err != nil {
		return err
	}

	for _, p := range positions {
		_ = m.Unset(p)
	}

	return nil
}

func (m *Mask) checkAll(positions []int) error {
	for _, p := range positions {
		_, _, err := m.locate(p)
		if err != nil {
			return err
		}
	}

	return nil
}

// Merge ORs other into m over min(len, len) bytes and returns m.
// Bits of other beyond m's length are dropped.
func (m *Mask) Merge(other *Mask) *Mask {
	n := min(len(m.bits), len(other.bits))
	for i := 0; i < n; i++ {
		m.bits[i] |= other.bits[i]
	}

	return m
}

// ClearMask clears every bit of other from m (bitwise AND-NOT) over
// min(len, len) bytes and returns m.
func (m *Mask) ClearMask(other *Mask) *Mask {
	n := min(len(m.bits), len(other.bits))
	for i := 0; i < n; i++ {
		m.bits[i] &^= other.bits[i]
	}

	return m
}

// Has reports whether the bit at position is set. Positions outside the
// mask are reported as unset.
func (m *Mask) Has(position int) bool {
	idx, bit, err := m.locate(position)
	if err != nil {
		return false
	}

	return m.bits[idx]&bit != 0
}

// HasAny reports whether any position in positions has its bit set.
func (m *Mask) HasAny(positions []int) bool {
	for _, p := range positions {
		if m.Has(p) {
			return true
		}
	}

	return false
}

// HasAll reports whether every position in positions has its bit set.
// An empty input reports true.
func (m *Mask) HasAll(positions []int) bool {
	for _, p := range positions {
		if !m.Has(p) {
			return false
		}
	}

	return true
}

// AnyOf reports whether m and other share at least one set bit, compared
// over min(len, len) bytes.
func (m *Mask) AnyOf(other *Mask) bool {
	n := min(len(m.bits), len(other.bits))
	for i := 0; i < n; i++ {
		if m.bits[i]&other.bits[i] != 0 {
			return true
		}
	}

	return false
}

// ContainsAll reports whether every set bit of other is also set in m,
// compared over min(len, len) bytes. Set bits of other beyond m's length
// count as missing.
func (m *Mask) ContainsAll(other *Mask) bool {
	n := min(len(m.bits), len(other.bits))
	for i := 0; i < n; i++ {
		if other.bits[i]&^m.bits[i] != 0 {
			return false
		}
	}

	for i := n; i < len(other.bits); i++ {
		if other.bits[i] != 0 {
			return false
		}
	}

	return true
}

// Positions returns all set positions in ascending order.
func (m *Mask) Positions() []int {
	var out []int

	for i, b := range m.bits {
		if b == 0 {
			continue
		}

		for j := 0; j < 8; j++ {
			if b&(0x80>>uint(j)) != 0 {
				out = append(out, i*8+j+1)
			}
		}
	}

	return out
}

// Equal reports content equality. Masks of different lengths are never
// equal.
func (m *Mask) Equal(other *Mask) bool {
	return bytes.Equal(m.bits, other.bits)
}

// IsZero reports whether no bit is set.
func (m *Mask) IsZero() bool {
	for _, b := range m.bits {
		if b != 0 {
			return false
		}
	}

	return true
}

// Clone returns an independent copy of m.
func (m *Mask) Clone() *Mask {
	return &Mask{bits: bytes.Clone(m.bits)}
}

// Resized returns a new mask of byteLength bytes. Growing zero-pads on
// the high side; shrinking drops the tail bytes (callers are responsible
// for checking that no set bit is lost).
func (m *Mask) Resized(byteLength int) (*Mask, error) {
	if byteLength < 1 {
		return nil, fmt.Errorf("%w, got %d", ErrLength, byteLength)
	}

	out := &Mask{bits: make([]byte, byteLength)}
	copy(out.bits, m.bits)

	return out, nil
}

// String renders the set positions, e.g. "bitmask[1 5 12]".
func (m *Mask) String() string {
	return fmt.Sprintf("bitmask%v", m.Positions())
}
