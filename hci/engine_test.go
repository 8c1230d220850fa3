package hci

import (
	"io"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/blesock/directble"
)

// fakeConn mirrors mgmt's test fake: writes are captured, reads block
// until a frame is pushed or the timeout elapses.
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

func eventFrame(code EventCode, param []byte) []byte {
	buf := directble.NewBuffer(3 + len(param))
	buf.AppendUint8(uint8(PacketEvent))
	buf.AppendUint8(uint8(code))
	buf.AppendUint8(uint8(len(param)))
	buf.Append(param)
	return buf.Bytes()
}

func commandCompleteFrame(opcode Opcode, status StatusCode) []byte {
	param := []byte{1, byte(opcode), byte(opcode >> 8), byte(status)}
	return eventFrame(EvtCommandComplete, param)
}

func commandStatusFrame(opcode Opcode, status StatusCode) []byte {
	param := []byte{byte(status), 1, byte(opcode), byte(opcode >> 8)}
	return eventFrame(EvtCommandStatus, param)
}

func TestEngineResetMatchesReply(t *testing.T) {
	fc := &fakeConn{timeout: 10 * time.Millisecond}
	e := newEngine(fc, time.Second, 16, nil)
	defer e.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		fc.push(commandCompleteFrame(OpReset, StatusSuccess))
	}()

	if err := e.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
}

func TestEngineSendTimesOut(t *testing.T) {
	fc := &fakeConn{timeout: 5 * time.Millisecond}
	e := newEngine(fc, 30*time.Millisecond, 16, nil)
	defer e.Close()

	if err := e.Reset(); err != ErrTimeout {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestEngineLECreateConnDiscardsMismatchedReply(t *testing.T) {
	fc := &fakeConn{timeout: 5 * time.Millisecond}
	e := newEngine(fc, time.Second, 16, nil)
	defer e.Close()

	go func() {
		time.Sleep(5 * time.Millisecond)
		fc.push(commandCompleteFrame(OpReset, StatusSuccess))
		time.Sleep(5 * time.Millisecond)
		fc.push(commandStatusFrame(OpLECreateConn, StatusSuccess))
	}()

	status, err := e.LECreateConn(LEConnParams{PeerAddress: directble.BDAddr{1, 2, 3, 4, 5, 6}, PeerKind: directble.AddrLERandom})
	if err != nil {
		t.Fatalf("LECreateConn: %v", err)
	}
	if status != StatusSuccess {
		t.Errorf("status: got %v want success", status)
	}
}

func TestEngineNormalizesLEConnectionComplete(t *testing.T) {
	fc := &fakeConn{timeout: 5 * time.Millisecond}
	e := newEngine(fc, time.Second, 16, nil)
	defer e.Close()

	received := make(chan Normalized, 1)
	e.Subscribe(func(n Normalized) { received <- n })

	addr := directble.BDAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	param := make([]byte, 19)
	param[0] = byte(LESubConnectionComplete)
	param[1] = byte(StatusSuccess)
	param[2], param[3] = 0x05, 0x00
	param[5] = 0x00 // public
	for i := 0; i < 6; i++ {
		param[6+i] = addr[5-i]
	}
	fc.push(eventFrame(EvtLEMeta, param))

	select {
	case n := <-received:
		if n.Kind != DeviceConnected {
			t.Errorf("kind: got %v want DeviceConnected", n.Kind)
		}
		if n.Address != addr {
			t.Errorf("address: got %v want %v", n.Address, addr)
		}
		if n.Handle != 5 {
			t.Errorf("handle: got %d want 5", n.Handle)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber was never invoked")
	}
}

func TestEngineNormalizesDisconnectionAfterRecordedHandle(t *testing.T) {
	fc := &fakeConn{timeout: 5 * time.Millisecond}
	e := newEngine(fc, time.Second, 16, nil)
	defer e.Close()

	addr := directble.BDAddr{1, 1, 1, 1, 1, 1}
	e.recordHandle(7, addr, directble.AddrLEPublic)

	received := make(chan Normalized, 1)
	e.Subscribe(func(n Normalized) { received <- n })

	param := []byte{byte(StatusSuccess), 0x07, 0x00, byte(StatusRemoteUserTerminated)}
	fc.push(eventFrame(EvtDisconnectionComplete, param))

	select {
	case n := <-received:
		if n.Kind != DeviceDisconnected {
			t.Errorf("kind: got %v want DeviceDisconnected", n.Kind)
		}
		if n.Address != addr {
			t.Errorf("address: got %v want %v", n.Address, addr)
		}
		if n.Reason != byte(StatusRemoteUserTerminated) {
			t.Errorf("reason: got %#x want %#x", n.Reason, byte(StatusRemoteUserTerminated))
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber was never invoked")
	}
}

func TestEngineDropsDisconnectionForUnknownHandle(t *testing.T) {
	fc := &fakeConn{timeout: 5 * time.Millisecond}
	e := newEngine(fc, time.Second, 16, nil)
	defer e.Close()

	received := make(chan Normalized, 1)
	e.Subscribe(func(n Normalized) { received <- n })

	param := []byte{byte(StatusSuccess), 0x99, 0x00, 0x00}
	fc.push(eventFrame(EvtDisconnectionComplete, param))

	select {
	case n := <-received:
		t.Fatalf("expected no dispatch for unknown handle, got %+v", n)
	case <-time.After(30 * time.Millisecond):
	}
}
