package directble

import (
	"encoding/hex"
	"fmt"
)

// BaseUUID is the Bluetooth base UUID, '00000000-0000-1000-8000-00805F9B34FB',
// used to expand 16- and 32-bit UUIDs to their canonical 128-bit form.
var BaseUUID = UUID{b: []byte{
	0xfb, 0x34, 0x9b, 0x5f, 0x80, 0x00, 0x00, 0x80,
	0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}}

// DefaultUUID32LEOctetIndex is the little-endian octet offset at which a
// narrower UUID is substituted into BaseUUID during expansion.
const DefaultUUID32LEOctetIndex = 12

// UUID is a Bluetooth UUID of width 16, 32, or 128 bits. b holds the value
// in little-endian byte order, matching the wire representation used by
// every PDU and event that carries a UUID.
type UUID struct {
	b []byte
}

// UUID16 constructs a 16-bit UUID from its numeric value.
func UUID16(v uint16) UUID {
	return UUID{b: []byte{byte(v), byte(v >> 8)}}
}

// UUID32 constructs a 32-bit UUID from its numeric value.
func UUID32(v uint32) UUID {
	return UUID{b: []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}}
}

// ParseUUID constructs a UUID from a little-endian byte slice whose length
// (2, 4, or 16) declares its width. The slice is copied.
func ParseUUID(b []byte) (UUID, error) {
	switch len(b) {
	case 2, 4, 16:
		cp := make([]byte, len(b))
		copy(cp, b)
		return UUID{b: cp}, nil
	default:
		return UUID{}, fmt.Errorf("directble: invalid uuid width %d", len(b))
	}
}

// MustParseUUID is ParseUUID but panics on error; for use with literal
// constants known to be valid at compile time.
func MustParseUUID(b []byte) UUID {
	u, err := ParseUUID(b)
	if err != nil {
		panic(err)
	}
	return u
}

// Len returns the UUID's width in bytes: 2, 4, or 16.
func (u UUID) Len() int { return len(u.b) }

// Bytes returns the little-endian encoding of the UUID at its current
// width. The caller must not modify the returned slice.
func (u UUID) Bytes() []byte { return u.b }

// Is128 reports whether the UUID is already at its canonical 128-bit width.
func (u UUID) Is128() bool { return len(u.b) == 16 }

// Expand returns the UUID widened to 128 bits by substituting its bytes,
// little-endian, into BaseUUID at octetIndex. A UUID already at 128 bits
// is returned unchanged (copied).
func (u UUID) Expand(octetIndex int) UUID {
	if u.Is128() {
		cp := make([]byte, 16)
		copy(cp, u.b)
		return UUID{b: cp}
	}
	out := make([]byte, 16)
	copy(out, BaseUUID.b)
	copy(out[octetIndex:], u.b)
	return UUID{b: out}
}

// Expand128 is Expand at the default Bluetooth substitution offset (12).
func (u UUID) Expand128() UUID { return u.Expand(DefaultUUID32LEOctetIndex) }

// Equal reports whether two UUIDs denote the same attribute type. Per
// §3.2, equality is defined per width: a 16-bit and a 128-bit UUID are
// unequal even when one is the canonical expansion of the other, unless
// the caller expands explicitly first.
func (u UUID) Equal(o UUID) bool {
	if len(u.b) != len(o.b) {
		return false
	}
	for i := range u.b {
		if u.b[i] != o.b[i] {
			return false
		}
	}
	return true
}

// EqualExpanded compares two UUIDs after expanding both to 128 bits,
// allowing a 16-bit UUID to compare equal to its 128-bit canonical form.
func (u UUID) EqualExpanded(o UUID) bool {
	return u.Expand128().Equal(o.Expand128())
}

// String formats the UUID in the canonical big-endian (network order)
// textual form, regardless of the little-endian wire order it is stored
// in: "1800" for 16-bit, "00001800-0000-1000-8000-00805f9b34fb" for 128-bit.
func (u UUID) String() string {
	be := reverse(u.b)
	switch len(be) {
	case 2, 4:
		return hex.EncodeToString(be)
	case 16:
		return fmt.Sprintf("%s-%s-%s-%s-%s",
			hex.EncodeToString(be[0:4]),
			hex.EncodeToString(be[4:6]),
			hex.EncodeToString(be[6:8]),
			hex.EncodeToString(be[8:10]),
			hex.EncodeToString(be[10:16]))
	default:
		return hex.EncodeToString(be)
	}
}

// reverse returns a new slice with b's bytes in reverse order.
func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
