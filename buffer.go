package directble

import "fmt"

// ErrOutOfBounds is returned by buffer accessors when the requested index
// or width would read or write past the end of the underlying bytes.
type ErrOutOfBounds struct {
	Op     string
	Index  int
	Width  int
	Length int
}

func (e *ErrOutOfBounds) Error() string {
	return fmt.Sprintf("directble: %s at %d (width %d) out of bounds, length %d", e.Op, e.Index, e.Width, e.Length)
}

func bounds(op string, index, width, length int) error {
	if index < 0 || width < 0 || index+width > length {
		return &ErrOutOfBounds{Op: op, Index: index, Width: width, Length: length}
	}
	return nil
}

// View is a bounds-checked read-only window over caller-owned bytes. It
// never copies and never outlives the caller's ownership of the backing
// array.
type View struct {
	b []byte
}

// NewView wraps b in a read-only View. b is not copied.
func NewView(b []byte) View { return View{b: b} }

// Len returns the number of bytes in the view.
func (v View) Len() int { return len(v.b) }

// Bytes returns the raw backing slice. The caller must not retain it past
// the lifetime of the frame it was sliced from.
func (v View) Bytes() []byte { return v.b }

// Slice returns the sub-view [start:end).
func (v View) Slice(start, end int) (View, error) {
	if err := bounds("slice", start, end-start, len(v.b)); err != nil {
		return View{}, err
	}
	return View{b: v.b[start:end]}, nil
}

func (v View) Uint8(i int) (uint8, error) {
	if err := bounds("get_uint8", i, 1, len(v.b)); err != nil {
		return 0, err
	}
	return v.b[i], nil
}

func (v View) Uint16(i int) (uint16, error) {
	if err := bounds("get_uint16", i, 2, len(v.b)); err != nil {
		return 0, err
	}
	return uint16(v.b[i]) | uint16(v.b[i+1])<<8, nil
}

func (v View) Uint32(i int) (uint32, error) {
	if err := bounds("get_uint32", i, 4, len(v.b)); err != nil {
		return 0, err
	}
	return uint32(v.b[i]) | uint32(v.b[i+1])<<8 | uint32(v.b[i+2])<<16 | uint32(v.b[i+3])<<24, nil
}

func (v View) Uint64(i int) (uint64, error) {
	if err := bounds("get_uint64", i, 8, len(v.b)); err != nil {
		return 0, err
	}
	var out uint64
	for k := 0; k < 8; k++ {
		out |= uint64(v.b[i+k]) << (8 * k)
	}
	return out, nil
}

// UUID reads a UUID of the given width (2, 4, or 16 bytes) at index i.
func (v View) UUID(i, width int) (UUID, error) {
	if err := bounds("get_uuid", i, width, len(v.b)); err != nil {
		return UUID{}, err
	}
	return ParseUUID(v.b[i : i+width])
}

// BDAddr reads a 6-octet Bluetooth device address at index i, in the
// wire (little-endian, least-significant octet first) order.
func (v View) BDAddr(i int) (BDAddr, error) {
	if err := bounds("get_bdaddr", i, 6, len(v.b)); err != nil {
		return BDAddr{}, err
	}
	var a BDAddr
	for k := 0; k < 6; k++ {
		a[k] = v.b[i+5-k]
	}
	return a, nil
}

// MutableView is a bounds-checked read/write window over caller-owned
// bytes.
type MutableView struct {
	b []byte
}

// NewMutableView wraps b for bounds-checked writes. b is not copied.
func NewMutableView(b []byte) MutableView { return MutableView{b: b} }

func (v MutableView) Len() int       { return len(v.b) }
func (v MutableView) Bytes() []byte  { return v.b }
func (v MutableView) View() View     { return View{b: v.b} }

func (v MutableView) PutUint8(i int, x uint8) error {
	if err := bounds("put_uint8", i, 1, len(v.b)); err != nil {
		return err
	}
	v.b[i] = x
	return nil
}

func (v MutableView) PutUint16(i int, x uint16) error {
	if err := bounds("put_uint16", i, 2, len(v.b)); err != nil {
		return err
	}
	v.b[i], v.b[i+1] = byte(x), byte(x>>8)
	return nil
}

func (v MutableView) PutUint32(i int, x uint32) error {
	if err := bounds("put_uint32", i, 4, len(v.b)); err != nil {
		return err
	}
	v.b[i], v.b[i+1], v.b[i+2], v.b[i+3] = byte(x), byte(x>>8), byte(x>>16), byte(x>>24)
	return nil
}

func (v MutableView) PutUint64(i int, x uint64) error {
	if err := bounds("put_uint64", i, 8, len(v.b)); err != nil {
		return err
	}
	for k := 0; k < 8; k++ {
		v.b[i+k] = byte(x >> (8 * k))
	}
	return nil
}

func (v MutableView) PutUUID(i int, u UUID) error {
	if err := bounds("put_uuid", i, u.Len(), len(v.b)); err != nil {
		return err
	}
	copy(v.b[i:i+u.Len()], u.Bytes())
	return nil
}

// Buffer is an owned, resizable byte buffer with independent capacity and
// length. It is copyable from a View and grows on demand, the way a
// outbound command or PDU is assembled before it is written to a socket.
type Buffer struct {
	b []byte
}

// NewBuffer returns an empty Buffer with the given initial capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{b: make([]byte, 0, capacity)}
}

// NewBufferFromView copies v into a new owned Buffer.
func NewBufferFromView(v View) *Buffer {
	b := make([]byte, v.Len())
	copy(b, v.b)
	return &Buffer{b: b}
}

func (buf *Buffer) Len() int      { return len(buf.b) }
func (buf *Buffer) Bytes() []byte { return buf.b }
func (buf *Buffer) View() View    { return View{b: buf.b} }

// Reset truncates the buffer to zero length without releasing capacity.
func (buf *Buffer) Reset() { buf.b = buf.b[:0] }

// Append appends p to the buffer, growing capacity as needed.
func (buf *Buffer) Append(p []byte) { buf.b = append(buf.b, p...) }

func (buf *Buffer) AppendUint8(x uint8)   { buf.b = append(buf.b, x) }
func (buf *Buffer) AppendUint16(x uint16) { buf.b = append(buf.b, byte(x), byte(x>>8)) }
func (buf *Buffer) AppendUint32(x uint32) {
	buf.b = append(buf.b, byte(x), byte(x>>8), byte(x>>16), byte(x>>24))
}
func (buf *Buffer) AppendUUID(u UUID) { buf.b = append(buf.b, u.Bytes()...) }

// AppendBDAddr appends a into the buffer in wire (little-endian) order.
func (buf *Buffer) AppendBDAddr(a BDAddr) {
	for i := 5; i >= 0; i-- {
		buf.b = append(buf.b, a[i])
	}
}
