package directble

import "fmt"

// AddrKind identifies the address type of a Bluetooth device per §3.1.
type AddrKind int

const (
	AddrUndefined AddrKind = iota
	AddrBREDR
	AddrLEPublic
	AddrLERandom
)

func (k AddrKind) String() string {
	switch k {
	case AddrBREDR:
		return "BR_EDR"
	case AddrLEPublic:
		return "LE_PUBLIC"
	case AddrLERandom:
		return "LE_RANDOM"
	default:
		return "UNDEFINED"
	}
}

// RandomSubtype classifies an LE_RANDOM address by the top two bits of its
// most-significant octet.
type RandomSubtype int

const (
	RandomUnresolvablePrivate RandomSubtype = iota // 0b00
	RandomResolvablePrivate                        // 0b01
	RandomReserved                                  // 0b10
	RandomStaticPublic                              // 0b11
)

func (s RandomSubtype) String() string {
	switch s {
	case RandomUnresolvablePrivate:
		return "unresolvable-private"
	case RandomResolvablePrivate:
		return "resolvable-private"
	case RandomStaticPublic:
		return "static-public"
	default:
		return "reserved"
	}
}

// BDAddr is a 48-bit Bluetooth device address. a[0] is the most significant
// octet (the one a human reads first in "AA:BB:CC:DD:EE:FF" notation);
// wire encoding is little-endian (a[5] first), handled by the buffer
// accessors, never by BDAddr itself.
type BDAddr [6]byte

// String formats the address in big-endian textual form, high octet first,
// independent of wire order.
func (a BDAddr) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// IsZero reports whether the address is all-zero.
func (a BDAddr) IsZero() bool {
	return a == BDAddr{}
}

// RandomSubtype classifies the address assuming it is LE_RANDOM; the
// result is meaningless for other address kinds.
func (a BDAddr) RandomSubtype() RandomSubtype {
	return RandomSubtype(a[0] >> 6)
}

// ParseBDAddr parses the canonical "AA:BB:CC:DD:EE:FF" textual form.
func ParseBDAddr(s string) (BDAddr, error) {
	var a BDAddr
	n, err := fmt.Sscanf(s, "%02X:%02X:%02X:%02X:%02X:%02X", &a[0], &a[1], &a[2], &a[3], &a[4], &a[5])
	if err != nil || n != 6 {
		return BDAddr{}, fmt.Errorf("directble: invalid bd address %q", s)
	}
	return a, nil
}
