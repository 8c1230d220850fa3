package hci

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"

	"github.com/blesock/directble"
	"github.com/blesock/directble/internal/socket"
)

// ErrTimeout is returned when a command's reply does not arrive within
// the configured timeout (§4.4, §7).
var ErrTimeout = fmt.Errorf("directble/hci: timeout waiting for reply")

// ErrDisconnected is returned by any call made after the raw HCI socket
// has failed or been closed (§4.4, §5, §7).
var ErrDisconnected = fmt.Errorf("directble/hci: engine disconnected")

const pollInterval = 250 * time.Millisecond

// NormalizedKind identifies the shape of a normalized connection
// lifecycle event, mapped from raw HCI events per §4.4's table.
type NormalizedKind int

const (
	DeviceConnected NormalizedKind = iota
	DeviceConnectFailed
	DeviceDisconnected
)

// Normalized is an HCI event translated into MGMT-shaped terms, the
// form the registry consumes (§4.4 "Normalization").
type Normalized struct {
	Kind     NormalizedKind
	Address  directble.BDAddr
	AddrKind directble.AddrKind
	Handle   uint16
	Status   StatusCode
	Reason   uint8
}

type conn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	SetReadTimeout(d time.Duration) error
}

// EventSubscriber is invoked on the reader task's own goroutine for
// every normalized event (§4.4, §5).
type EventSubscriber func(Normalized)

// Engine owns the raw HCI socket for one adapter (§4.4).
type Engine struct {
	sock    conn
	log     *logrus.Entry
	timeout time.Duration
	ringCap int

	writeMu sync.Mutex
	ring    mpmc.RichOverlappedRingBuffer[*Event]
	notify  chan struct{}

	subsMu sync.Mutex
	subs   []EventSubscriber

	handlesMu sync.Mutex
	handles   map[uint16]handleEntry // handle -> (address, kind), filled on connection-complete events, cleared on disconnect

	stopCh     chan struct{}
	readerDone chan struct{}
	failed     atomic.Bool

	frames *socket.FrameReader
}

// hciFrameLen reports the total length of the HCI frame starting at
// buf[0] (1-byte packet type, 1-byte event code, 1-byte param length,
// then the parameter bytes), once enough of the header has arrived.
func hciFrameLen(buf []byte) (int, bool) {
	if len(buf) < 3 {
		return 0, false
	}
	return 3 + int(buf[2]), true
}

type handleEntry struct {
	address directble.BDAddr
	kind    directble.AddrKind
}

// hciFilterFor builds the HCI_FILTER mask the spec requires: EVENT
// packets only, with CMD_COMPLETE, CMD_STATUS, CONN_COMPLETE,
// DISCONN_COMPLETE, LE_META, HARDWARE_ERROR enabled (§4.4).
func hciFilterFor() socket.HCIFilter {
	var f socket.HCIFilter
	f.TypeMask = 1 << PacketEvent
	setEventBit := func(code EventCode) {
		f.EventMask[code/32] |= 1 << (uint(code) % 32)
	}
	setEventBit(EvtCommandComplete)
	setEventBit(EvtCommandStatus)
	setEventBit(EvtConnectionComplete)
	setEventBit(EvtDisconnectionComplete)
	setEventBit(EvtLEMeta)
	setEventBit(EvtHardwareError)
	return f
}

// Open opens and binds the raw HCI socket to devID and starts the
// reader task.
func Open(devID int, timeout time.Duration, ringCapacity int, log *logrus.Entry) (*Engine, error) {
	s, err := socket.OpenHCIRaw(devID, hciFilterFor())
	if err != nil {
		return nil, err
	}
	if err := s.SetReadTimeout(pollInterval); err != nil {
		s.Close()
		return nil, err
	}
	return newEngine(s, timeout, ringCapacity, log), nil
}

func newEngine(s conn, timeout time.Duration, ringCapacity int, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	e := &Engine{
		sock:       s,
		log:        log.WithField("component", "hci"),
		timeout:    timeout,
		ringCap:    ringCapacity,
		ring:       mpmc.NewOverlappedRingBuffer[*Event](uint32(ringCapacity)),
		notify:     make(chan struct{}, 1),
		handles:    make(map[uint16]handleEntry),
		stopCh:     make(chan struct{}),
		readerDone: make(chan struct{}),
		frames:     socket.NewFrameReader(4096),
	}
	go e.readLoop()
	return e
}

// Close stops the reader task and closes the socket.
func (e *Engine) Close() error {
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
	err := e.sock.Close()
	<-e.readerDone
	return err
}

// Subscribe registers handler for every normalized event.
func (e *Engine) Subscribe(handler EventSubscriber) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	e.subs = append(e.subs, handler)
}

func (e *Engine) readLoop() {
	defer close(e.readerDone)
	buf := make([]byte, 4096)
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}
		n, err := e.sock.Read(buf)
		if err != nil {
			if socket.IsTimeout(err) {
				continue
			}
			e.log.WithError(err).Warn("hci socket read failed, entering disconnected state")
			e.failed.Store(true)
			e.notifyWaiters()
			return
		}
		if err := e.frames.Feed(buf[:n]); err != nil {
			e.log.WithError(err).Warn("hci frame accumulator overrun, dropping read")
			continue
		}
		for {
			frame, ok := e.frames.Next(hciFrameLen)
			if !ok {
				break
			}
			ev, err := DecodeFrame(frame)
			if err != nil {
				e.log.WithError(err).Debug("dropping malformed hci frame")
				continue
			}
			if ev.Code == EvtCommandComplete || ev.Code == EvtCommandStatus {
				evCopy := ev
				if _, err := e.ring.EnqueueM(&evCopy); err != nil {
					e.log.WithError(err).Warn("hci reply ring full, oldest entry dropped")
				}
				e.notifyWaiters()
				continue
			}
			if norm, ok := e.normalize(ev); ok {
				e.dispatch(norm)
			}
		}
	}
}

func (e *Engine) notifyWaiters() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// normalize implements the HCI-to-normalized mapping table of §4.4.
func (e *Engine) normalize(ev Event) (Normalized, bool) {
	switch ev.Code {
	case EvtLEMeta:
		status, handle, addr, addrType, err := LEConnectionCompleteParams(ev)
		if err != nil {
			e.log.WithError(err).Debug("dropping unparseable LE_META event")
			return Normalized{}, false
		}
		kind := directble.AddrLEPublic
		if addrType == 0x01 {
			kind = directble.AddrLERandom
		}
		if status.OK() {
			e.recordHandle(handle, addr, kind)
			return Normalized{Kind: DeviceConnected, Address: addr, AddrKind: kind, Handle: handle}, true
		}
		return Normalized{Kind: DeviceConnectFailed, Address: addr, AddrKind: kind, Status: status}, true

	case EvtConnectionComplete:
		status, handle, addr, err := ConnectionCompleteParams(ev)
		if err != nil {
			e.log.WithError(err).Debug("dropping unparseable CONN_COMPLETE event")
			return Normalized{}, false
		}
		if status.OK() {
			e.recordHandle(handle, addr, directble.AddrBREDR)
			return Normalized{Kind: DeviceConnected, Address: addr, AddrKind: directble.AddrBREDR, Handle: handle}, true
		}
		return Normalized{Kind: DeviceConnectFailed, Address: addr, AddrKind: directble.AddrBREDR, Status: status}, true

	case EvtDisconnectionComplete:
		_, handle, reason, err := DisconnectionCompleteParams(ev)
		if err != nil {
			e.log.WithError(err).Debug("dropping unparseable DISCONN_COMPLETE event")
			return Normalized{}, false
		}
		entry, ok := e.lookupHandle(handle)
		if !ok {
			e.log.WithField("handle", handle).Debug("dropping DISCONN_COMPLETE for unknown handle")
			return Normalized{}, false
		}
		e.forgetHandle(handle)
		return Normalized{Kind: DeviceDisconnected, Address: entry.address, AddrKind: entry.kind, Handle: handle, Reason: reason}, true

	default:
		return Normalized{}, false
	}
}

func (e *Engine) recordHandle(handle uint16, addr directble.BDAddr, kind directble.AddrKind) {
	e.handlesMu.Lock()
	defer e.handlesMu.Unlock()
	e.handles[handle] = handleEntry{address: addr, kind: kind}
}

func (e *Engine) lookupHandle(handle uint16) (handleEntry, bool) {
	e.handlesMu.Lock()
	defer e.handlesMu.Unlock()
	entry, ok := e.handles[handle]
	return entry, ok
}

func (e *Engine) forgetHandle(handle uint16) {
	e.handlesMu.Lock()
	defer e.handlesMu.Unlock()
	delete(e.handles, handle)
}

func (e *Engine) dispatch(norm Normalized) {
	e.subsMu.Lock()
	snapshot := make([]EventSubscriber, len(e.subs))
	copy(snapshot, e.subs)
	e.subsMu.Unlock()

	for _, s := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.WithField("panic", r).Error("hci subscriber callback panicked")
				}
			}()
			s(norm)
		}()
	}
}

// send writes cmd and blocks for the matching CMD_COMPLETE/CMD_STATUS
// reply (§4.4 "Command correlation").
func (e *Engine) send(cmd Command) (Event, error) {
	if e.failed.Load() {
		return Event{}, ErrDisconnected
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if _, err := e.sock.Write(cmd.Encode()); err != nil {
		e.failed.Store(true)
		return Event{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	deadline := time.Now().Add(e.timeout)
	retries := 0
	for {
		if e.failed.Load() {
			return Event{}, ErrDisconnected
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Event{}, ErrTimeout
		}
		ev, err := e.ring.Dequeue()
		if err != nil {
			select {
			case <-e.notify:
				continue
			case <-time.After(remaining):
				return Event{}, ErrTimeout
			case <-e.stopCh:
				return Event{}, ErrDisconnected
			}
		}
		var opcode Opcode
		if ev.Code == EvtCommandComplete {
			_, opcode, _, err = CommandCompleteParams(*ev)
		} else {
			_, _, opcode, err = CommandStatusParams(*ev)
		}
		if err != nil {
			continue
		}
		if opcode != cmd.Opcode {
			retries++
			if retries > e.ringCap {
				return Event{}, ErrTimeout
			}
			continue
		}
		return *ev, nil
	}
}

// Reset issues the HCI_Reset command.
func (e *Engine) Reset() error {
	ev, err := e.send(Command{Opcode: OpReset})
	if err != nil {
		return err
	}
	if ev.Code == EvtCommandComplete {
		_, _, ret, _ := CommandCompleteParams(ev)
		if len(ret) > 0 && StatusCode(ret[0]) != StatusSuccess {
			return fmt.Errorf("directble/hci: reset: %s", StatusCode(ret[0]))
		}
	}
	return nil
}

// LEConnParams carries LE_Create_Connection's parameters (§4.4).
type LEConnParams struct {
	PeerAddress     directble.BDAddr
	PeerKind        directble.AddrKind
	OwnKind         directble.AddrKind
	ScanInterval    uint16
	ScanWindow      uint16
	ConnIntervalMin uint16
	ConnIntervalMax uint16
	SlaveLatency    uint16
	SupervisionTO   uint16
}

func leAddrTypeByte(k directble.AddrKind) uint8 {
	if k == directble.AddrLERandom {
		return 0x01
	}
	return 0x00
}

// LECreateConn issues LE_Create_Connection. Only the CMD_STATUS is
// awaited here; the eventual LE_CONNECTION_COMPLETE is delivered to
// subscribers (§4.4 "Command correlation", "Exposed operations").
func (e *Engine) LECreateConn(p LEConnParams) (StatusCode, error) {
	buf := directble.NewBuffer(25)
	buf.AppendUint16(p.ScanInterval)
	buf.AppendUint16(p.ScanWindow)
	buf.AppendUint8(0) // initiator filter policy: use peer address
	buf.AppendUint8(leAddrTypeByte(p.PeerKind))
	buf.AppendBDAddr(p.PeerAddress)
	buf.AppendUint8(leAddrTypeByte(p.OwnKind))
	buf.AppendUint16(p.ConnIntervalMin)
	buf.AppendUint16(p.ConnIntervalMax)
	buf.AppendUint16(p.SlaveLatency)
	buf.AppendUint16(p.SupervisionTO)
	buf.AppendUint16(0) // min CE length
	buf.AppendUint16(0) // max CE length

	ev, err := e.send(Command{Opcode: OpLECreateConn, Param: buf.Bytes()})
	if err != nil {
		return 0, err
	}
	status, _, _, err := CommandStatusParams(ev)
	return status, err
}

// BREDRConnParams carries Create_Connection's parameters for BR/EDR
// (§4.4 "Exposed operations").
type BREDRConnParams struct {
	Address     directble.BDAddr
	PacketType  uint16
	ClockOffset uint16
	RoleSwitch  bool
}

// CreateConn issues Create_Connection for a BR/EDR link.
func (e *Engine) CreateConn(p BREDRConnParams) (StatusCode, error) {
	buf := directble.NewBuffer(13)
	buf.AppendBDAddr(p.Address)
	buf.AppendUint16(p.PacketType)
	buf.AppendUint8(0x01) // page scan repetition mode R1, conventional default
	buf.AppendUint8(0)    // reserved
	buf.AppendUint16(p.ClockOffset)
	rs := uint8(0)
	if p.RoleSwitch {
		rs = 1
	}
	buf.AppendUint8(rs)

	ev, err := e.send(Command{Opcode: OpCreateConn, Param: buf.Bytes()})
	if err != nil {
		return 0, err
	}
	status, _, _, err := CommandStatusParams(ev)
	return status, err
}

// Disconnect issues HCI Disconnect(handle, reason) (§4.4).
func (e *Engine) Disconnect(handle uint16, peer directble.BDAddr, peerKind directble.AddrKind, reason uint8) (StatusCode, error) {
	e.recordHandle(handle, peer, peerKind)
	buf := directble.NewBuffer(3)
	buf.AppendUint16(handle)
	buf.AppendUint8(reason)
	ev, err := e.send(Command{Opcode: OpDisconnect, Param: buf.Bytes()})
	if err != nil {
		return 0, err
	}
	status, _, _, err := CommandStatusParams(ev)
	return status, err
}
