package directble

import (
	"bytes"
	"testing"
)

func TestUUID16(t *testing.T) {
	if want, got := (UUID{[]byte{0x00, 0x18}}), UUID16(0x1800); !got.Equal(want) {
		t.Errorf("UUID16: got %x, want %x", got, want)
	}
}

func TestReverse(t *testing.T) {
	cases := []struct {
		fwd  []byte
		back []byte
	}{
		{fwd: []byte{0, 1}, back: []byte{1, 0}},
		{fwd: []byte{0, 1, 2}, back: []byte{2, 1, 0}},
		{fwd: []byte{0, 1, 2, 3}, back: []byte{3, 2, 1, 0}},
		{
			fwd:  []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
			back: []byte{15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1, 0},
		},
	}

	for _, tt := range cases {
		got := reverse(tt.fwd)
		if !bytes.Equal(got, tt.back) {
			t.Errorf("reverse(%x): got %x want %x", tt.fwd, got, tt.back)
		}

		u := UUID{tt.fwd}
		got = reverse(u.b)
		if !bytes.Equal(got, tt.back) {
			t.Errorf("UUID.reverse(%x): got %x want %x", tt.fwd, got, tt.back)
		}
	}
}

func BenchmarkReverseBytes16(b *testing.B) {
	u := UUID{make([]byte, 2)}
	for i := 0; i < b.N; i++ {
		reverse(u.b)
	}
}

func BenchmarkReverseBytes128(b *testing.B) {
	u := UUID{make([]byte, 16)}
	for i := 0; i < b.N; i++ {
		reverse(u.b)
	}
}

func TestUUIDExpand16RoundTrip(t *testing.T) {
	u := UUID16(0x180D)
	full := u.Expand128()
	if !full.Is128() {
		t.Fatalf("expanded uuid is not 128-bit: %v", full)
	}
	if got := full.Bytes()[12]; got != 0x0D {
		t.Errorf("low octet: got %02X want 0D", got)
	}
	if got := full.Bytes()[13]; got != 0x18 {
		t.Errorf("high octet: got %02X want 18", got)
	}
	for i, want := range BaseUUID.b {
		if i == 12 || i == 13 {
			continue
		}
		if full.b[i] != want {
			t.Errorf("base octet %d: got %02X want %02X", i, full.b[i], want)
		}
	}
	if !full.EqualExpanded(u) {
		t.Errorf("expanded 16-bit uuid does not EqualExpanded its source")
	}
}

func TestUUIDExpand32RoundTrip(t *testing.T) {
	u := UUID32(0xDEADBEEF)
	full := u.Expand128()
	if !bytes.Equal(full.b[12:16], u.b) {
		t.Errorf("expand32: got %x want %x at octets 12-15", full.b[12:16], u.b)
	}
	if !full.EqualExpanded(u) {
		t.Errorf("expanded 32-bit uuid does not EqualExpanded its source")
	}
}

func TestUUIDEqualRequiresSameWidth(t *testing.T) {
	a := UUID16(0x1800)
	b := a.Expand128()
	if a.Equal(b) {
		t.Errorf("16-bit and its 128-bit expansion must not be Equal without explicit expansion")
	}
	if !a.EqualExpanded(b) {
		t.Errorf("EqualExpanded must treat a 16-bit uuid and its expansion as the same attribute type")
	}
}

func TestUUIDString(t *testing.T) {
	if got, want := UUID16(0x1800).String(), "1800"; got != want {
		t.Errorf("String(): got %q want %q", got, want)
	}
	if got, want := BaseUUID.String(), "00000000-0000-1000-8000-00805f9b34fb"; got != want {
		t.Errorf("String(): got %q want %q", got, want)
	}
}

func TestParseUUIDRejectsBadWidth(t *testing.T) {
	if _, err := ParseUUID([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Errorf("expected error for 3-byte uuid slice")
	}
}
