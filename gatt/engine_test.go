package gatt

import (
	"io"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/blesock/directble"
	"github.com/blesock/directble/att"
)

type fakeConn struct {
	mu      sync.Mutex
	writes  [][]byte
	pending [][]byte
	timeout time.Duration
	closed  bool
}

func (f *fakeConn) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	f.writes = append(f.writes, cp)
	return len(b), nil
}

func (f *fakeConn) push(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, frame)
}

func (f *fakeConn) Read(b []byte) (int, error) {
	deadline := time.Now().Add(f.timeout)
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return 0, io.EOF
		}
		if len(f.pending) > 0 {
			frame := f.pending[0]
			f.pending = f.pending[1:]
			f.mu.Unlock()
			return copy(b, frame), nil
		}
		f.mu.Unlock()
		if time.Now().After(deadline) {
			return 0, unix.EAGAIN
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) SetReadTimeout(d time.Duration) error {
	f.timeout = d
	return nil
}

func lastWrite(f *fakeConn) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return nil
	}
	return f.writes[len(f.writes)-1]
}

// newReadyEngine builds an engine whose MTU exchange has already been
// satisfied with serverMTU.
func newReadyEngine(t *testing.T, serverMTU uint16) (*Engine, *fakeConn) {
	t.Helper()
	fc := &fakeConn{timeout: 5 * time.Millisecond}
	e := newEngine(fc, time.Second, 16, nil)

	rspParam := directble.NewBuffer(2)
	rspParam.AppendUint16(serverMTU)
	go func() {
		time.Sleep(5 * time.Millisecond)
		fc.push(att.PDU{Opcode: att.ExchangeMTURsp, Param: rspParam.Bytes()}.Encode())
	}()
	if err := e.exchangeMTU(); err != nil {
		t.Fatalf("exchangeMTU: %v", err)
	}
	return e, fc
}

func TestExchangeMTUClamping(t *testing.T) {
	e, fc := newReadyEngine(t, 512)
	defer e.Close()
	if e.MTU() != clientMaxMTU {
		t.Errorf("mtu: got %d want %d", e.MTU(), clientMaxMTU)
	}

	req, err := att.DecodePDU(lastWrite(fc))
	if err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.Opcode != att.ExchangeMTUReq {
		t.Errorf("request opcode: got %v want EXCHANGE_MTU_REQ", req.Opcode)
	}
}

func TestExchangeMTUClampsToServerOffer(t *testing.T) {
	e, _ := newReadyEngine(t, 185)
	defer e.Close()
	if e.MTU() != 185 {
		t.Errorf("mtu: got %d want 185", e.MTU())
	}
}

func TestExchangeMTUFloorsAt23(t *testing.T) {
	fc := &fakeConn{timeout: 5 * time.Millisecond}
	e := newEngine(fc, time.Second, 16, nil)
	defer e.Close()

	rspParam := directble.NewBuffer(2)
	rspParam.AppendUint16(20)
	go func() {
		time.Sleep(5 * time.Millisecond)
		fc.push(att.PDU{Opcode: att.ExchangeMTURsp, Param: rspParam.Bytes()}.Encode())
	}()
	if err := e.exchangeMTU(); err != nil {
		t.Fatalf("exchangeMTU: %v", err)
	}
	if e.MTU() != minMTU {
		t.Errorf("mtu: got %d want %d", e.MTU(), minMTU)
	}
}

func TestDiscoverPrimaryServices(t *testing.T) {
	e, fc := newReadyEngine(t, 185)
	defer e.Close()

	buf := directble.NewBuffer(1 + 2*6)
	buf.AppendUint8(6)
	buf.AppendUint16(0x0001)
	buf.AppendUint16(0x0005)
	buf.AppendUUID(directble.UUID16(0x1800))
	buf.AppendUint16(0x0006)
	buf.AppendUint16(0xFFFF)
	buf.AppendUUID(directble.UUID16(0x1801))
	fc.push(att.PDU{Opcode: att.ReadByGroupTypeRsp, Param: buf.Bytes()}.Encode())

	services, err := e.DiscoverPrimaryServices()
	if err != nil {
		t.Fatalf("DiscoverPrimaryServices: %v", err)
	}
	if len(services) != 2 {
		t.Fatalf("services: got %d want 2", len(services))
	}
	if services[0].StartHandle != 1 || services[1].EndHandle != 0xFFFF {
		t.Errorf("services: got %+v", services)
	}
}

func TestDiscoverCharacteristicsAndDescriptors(t *testing.T) {
	e, fc := newReadyEngine(t, 185)
	defer e.Close()

	svc := newService(0x0001, 0x0010, directble.UUID16(0x1800))

	go func() {
		// characteristic declaration: properties|value_handle|uuid16
		decl := directble.NewBuffer(1 + 7)
		decl.AppendUint8(7)
		decl.AppendUint16(0x0002)
		decl.AppendUint8(uint8(PropRead | PropNotify))
		decl.AppendUint16(0x0003)
		decl.AppendUUID(directble.UUID16(0x2A00))
		time.Sleep(2 * time.Millisecond)
		fc.push(att.PDU{Opcode: att.ReadByTypeRsp, Param: decl.Bytes()}.Encode())

		time.Sleep(2 * time.Millisecond)
		fc.push(att.NewErrorRsp(att.ReadByTypeReq, 0x0004, att.ErrAttributeNotFound).Encode())

		time.Sleep(2 * time.Millisecond)
		find := directble.NewBuffer(1 + 4)
		find.AppendUint8(0x01)
		find.AppendUint16(0x0004)
		find.AppendUUID(att.UUIDClientCharacteristicConfig)
		fc.push(att.PDU{Opcode: att.FindInformationRsp, Param: find.Bytes()}.Encode())

		time.Sleep(2 * time.Millisecond)
		fc.push(att.NewErrorRsp(att.FindInformationReq, 0x0005, att.ErrAttributeNotFound).Encode())
	}()

	if err := e.DiscoverCharacteristics(svc); err != nil {
		t.Fatalf("DiscoverCharacteristics: %v", err)
	}

	chars := svc.Characteristics()
	if len(chars) != 1 {
		t.Fatalf("characteristics: got %d want 1", len(chars))
	}
	ch := chars[0]
	if ch.ValueHandle != 0x0003 {
		t.Errorf("value handle: got %#04x want 0x0003", ch.ValueHandle)
	}
	cccd, ok := ch.CCCDHandle()
	if !ok || cccd != 0x0004 {
		t.Errorf("cccd handle: got %#04x ok=%v want 0x0004", cccd, ok)
	}
}

func TestReadValueShort(t *testing.T) {
	e, fc := newReadyEngine(t, 185)
	defer e.Close()

	go func() {
		time.Sleep(2 * time.Millisecond)
		fc.push(att.PDU{Opcode: att.ReadRsp, Param: []byte{1, 2, 3}}.Encode())
	}()

	value, err := e.ReadValue(0x0010, -1)
	if err != nil {
		t.Fatalf("ReadValue: %v", err)
	}
	if len(value) != 3 {
		t.Errorf("value: got %v want 3 bytes", value)
	}
}

func TestReadValueLong(t *testing.T) {
	e, fc := newReadyEngine(t, 185) // mtu-1 = 184

	full := make([]byte, 350)
	for i := range full {
		full[i] = 0xA5
	}

	go func() {
		time.Sleep(2 * time.Millisecond)
		fc.push(att.PDU{Opcode: att.ReadRsp, Param: full[:184]}.Encode())
		time.Sleep(2 * time.Millisecond)
		fc.push(att.PDU{Opcode: att.ReadBlobRsp, Param: full[184:]}.Encode())
	}()

	value, err := e.ReadValue(0x0010, -1)
	if err != nil {
		t.Fatalf("ReadValue: %v", err)
	}
	if len(value) != 350 {
		t.Fatalf("value length: got %d want 350", len(value))
	}
	for _, b := range value {
		if b != 0xA5 {
			t.Fatalf("unexpected byte %#02x in accumulated value", b)
		}
	}
	e.Close()
}

func TestConfigureNotificationsDropsUnsupportedIndicate(t *testing.T) {
	e, fc := newReadyEngine(t, 185)
	defer e.Close()

	svc := newService(0x0001, 0x0030, directble.UUID16(0x1800))
	ch := newCharacteristic(0x0002, 0x0020, PropRead|PropNotify, directble.UUID16(0x2A00))
	svc.addCharacteristic(ch, e.tree)
	ch.addDescriptor(&Descriptor{Handle: 0x0021, Type: att.UUIDClientCharacteristicConfig})

	go func() {
		time.Sleep(2 * time.Millisecond)
		fc.push(att.PDU{Opcode: att.WriteRsp}.Encode())
	}()

	notify, indicate, err := e.ConfigureNotifications(ch, true, true)
	if err != nil {
		t.Fatalf("ConfigureNotifications: %v", err)
	}
	if !notify {
		t.Error("expected notify=true")
	}
	if indicate {
		t.Error("expected indicate=false (unsupported by characteristic)")
	}

	req, err := att.DecodePDU(lastWrite(fc))
	if err != nil {
		t.Fatalf("decode write request: %v", err)
	}
	v := directble.NewView(req.Param)
	handle, _ := v.Uint16(0)
	mask, _ := v.Uint16(2)
	if handle != 0x0021 {
		t.Errorf("cccd handle: got %#04x want 0x0021", handle)
	}
	if mask != 0x0001 {
		t.Errorf("mask: got %#04x want 0x0001", mask)
	}
}

func TestNotificationDeliveryToScopedListener(t *testing.T) {
	e, fc := newReadyEngine(t, 185)
	defer e.Close()

	svc := newService(0x0001, 0x0030, directble.UUID16(0x1800))
	ch := newCharacteristic(0x0002, 0x0020, PropRead|PropNotify, directble.UUID16(0x2A00))
	svc.addCharacteristic(ch, e.tree)

	received := make(chan []byte, 1)
	e.Subscribe(ch, func(handle uint16, value []byte) {
		if handle == ch.ValueHandle {
			received <- value
		}
	})

	ntf := directble.NewBuffer(5)
	ntf.AppendUint16(0x0020)
	ntf.Append([]byte{0x01, 0x02, 0x03})
	fc.push(att.PDU{Opcode: att.HandleValueNtf, Param: ntf.Bytes()}.Encode())

	select {
	case v := <-received:
		if len(v) != 3 || v[2] != 0x03 {
			t.Errorf("value: got %v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("listener was never invoked")
	}
}

func TestIndicationAutoConfirm(t *testing.T) {
	e, fc := newReadyEngine(t, 185)
	defer e.Close()

	received := make(chan []byte, 1)
	e.Subscribe(nil, func(handle uint16, value []byte) { received <- value })

	ind := directble.NewBuffer(3)
	ind.AppendUint16(0x0020)
	ind.Append([]byte{0xFF})
	fc.push(att.PDU{Opcode: att.HandleValueInd, Param: ind.Bytes()}.Encode())

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("listener was never invoked")
	}

	// allow the reader loop to write the confirmation after dispatch
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if w := lastWrite(fc); len(w) > 0 {
			pdu, err := att.DecodePDU(w)
			if err == nil && pdu.Opcode == att.HandleValueCfm {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected a HANDLE_VALUE_CFM write after the indication")
}
