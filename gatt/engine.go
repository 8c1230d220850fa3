package gatt

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"

	"github.com/blesock/directble"
	"github.com/blesock/directble/att"
	"github.com/blesock/directble/internal/socket"
)

// ErrTimeout is returned when a request's reply does not arrive within
// the configured timeout (§4.5, §7).
var ErrTimeout = fmt.Errorf("directble/gatt: timeout waiting for reply")

// ErrDisconnected is returned by any call made after the L2CAP socket
// has failed or been closed (§4.5, §5, §7).
var ErrDisconnected = fmt.Errorf("directble/gatt: channel disconnected")

// AttError wraps a non-iteration-terminating ERROR_RSP, surfaced
// verbatim to the caller (§4.5 "Failure semantics", §7).
type AttError struct {
	ReqOpcode att.Opcode
	Code      att.ErrorCode
}

func (e *AttError) Error() string {
	return fmt.Sprintf("directble/gatt: %s: %s", e.ReqOpcode, e.Code)
}

const (
	pollInterval = 250 * time.Millisecond
	minMTU       = 23
	clientMaxMTU = 512
)

// State is the per-connection ATT state machine of §4.7.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateMTUExchanging
	StateReady
	StateRequestInFlight
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateMTUExchanging:
		return "MTU_EXCHANGING"
	case StateReady:
		return "READY"
	case StateRequestInFlight:
		return "REQUEST_IN_FLIGHT"
	default:
		return "UNKNOWN"
	}
}

type conn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	SetReadTimeout(d time.Duration) error
}

// NotificationListener is invoked on the reader task's own goroutine
// for every notification/indication matching its scope (§4.5 "Listener
// matching").
type NotificationListener func(handle uint16, value []byte)

type listenerEntry struct {
	id     uint64
	scope  *Characteristic // nil means global
	handle NotificationListener
}

// reqRspPairs maps a request opcode to the response opcode that
// completes it (ERROR_RSP always completes any request, handled
// separately).
var reqRspPairs = map[att.Opcode]att.Opcode{
	att.ExchangeMTUReq:     att.ExchangeMTURsp,
	att.FindInformationReq: att.FindInformationRsp,
	att.ReadByTypeReq:      att.ReadByTypeRsp,
	att.ReadReq:            att.ReadRsp,
	att.ReadBlobReq:        att.ReadBlobRsp,
	att.ReadByGroupTypeReq: att.ReadByGroupTypeRsp,
	att.WriteReq:           att.WriteRsp,
}

// Engine owns one L2CAP ATT channel to a connected peer (§4.5).
type Engine struct {
	sock    conn
	log     *logrus.Entry
	timeout time.Duration
	ringCap int

	mtu         uint32 // effective ATT MTU, atomic
	autoConfirm bool

	writeMu sync.Mutex
	ring    mpmc.RichOverlappedRingBuffer[*att.PDU]
	notify  chan struct{}

	state atomic.Int32

	listenersMu sync.Mutex
	listeners   []listenerEntry
	nextID      uint64

	tree *Tree

	stopCh     chan struct{}
	readerDone chan struct{}
	failed     atomic.Bool
}

// Open opens the L2CAP ATT channel to peer and performs MTU exchange.
func Open(local, peer directble.BDAddr, localAddrType, peerAddrType uint8, timeout time.Duration, ringCapacity int, log *logrus.Entry) (*Engine, error) {
	s, err := socket.OpenL2CAPATT(local, peer, localAddrType, peerAddrType)
	if err != nil {
		return nil, err
	}
	if err := s.SetReadTimeout(pollInterval); err != nil {
		s.Close()
		return nil, err
	}
	e := newEngine(s, timeout, ringCapacity, log)
	if err := e.exchangeMTU(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func newEngine(s conn, timeout time.Duration, ringCapacity int, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	e := &Engine{
		sock:        s,
		log:         log.WithField("component", "gatt"),
		timeout:     timeout,
		ringCap:     ringCapacity,
		autoConfirm: true,
		ring:        mpmc.NewOverlappedRingBuffer[*att.PDU](uint32(ringCapacity)),
		notify:      make(chan struct{}, 1),
		tree:        newTree(),
		stopCh:      make(chan struct{}),
		readerDone:  make(chan struct{}),
	}
	e.mtu = minMTU
	e.state.Store(int32(StateConnecting))
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
	e.state.Store(int32(StateDisconnected))
	return err
}

// State returns the current per-connection ATT state (§4.7).
func (e *Engine) State() State { return State(e.state.Load()) }

// MTU returns the effective ATT MTU.
func (e *Engine) MTU() int { return int(atomic.LoadUint32(&e.mtu)) }

// Tree returns the discovered GATT forest for this connection.
func (e *Engine) Tree() *Tree { return e.tree }

// SetAutoConfirm controls whether HANDLE_VALUE_IND is confirmed
// automatically (default true; §4.5 "Indication delivery").
func (e *Engine) SetAutoConfirm(on bool) { e.autoConfirm = on }

func (e *Engine) readLoop() {
	defer close(e.readerDone)
	buf := make([]byte, clientMaxMTU)
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
			e.log.WithError(err).Warn("l2cap socket read failed, entering disconnected state")
			e.failed.Store(true)
			e.state.Store(int32(StateDisconnected))
			e.notifyWaiters()
			return
		}
		pdu, err := att.DecodePDU(buf[:n])
		if err != nil {
			e.log.WithError(err).Debug("dropping malformed att pdu")
			continue
		}
		switch pdu.Opcode {
		case att.HandleValueNtf, att.HandleValueInd:
			e.handleNotification(pdu)
		default:
			pduCopy := pdu
			if _, err := e.ring.EnqueueM(&pduCopy); err != nil {
				e.log.WithError(err).Warn("att reply ring full, oldest entry dropped")
			}
			e.notifyWaiters()
		}
	}
}

func (e *Engine) notifyWaiters() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *Engine) handleNotification(pdu att.PDU) {
	handle, value, err := att.HandleValueParams(pdu)
	if err != nil {
		e.log.WithError(err).Debug("dropping malformed handle-value pdu")
		return
	}
	ch, _ := e.tree.CharacteristicByValueHandle(handle)

	e.listenersMu.Lock()
	snapshot := make([]listenerEntry, len(e.listeners))
	copy(snapshot, e.listeners)
	e.listenersMu.Unlock()

	for _, l := range snapshot {
		if l.scope != nil && l.scope != ch {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.WithField("panic", r).Error("gatt notification listener panicked")
				}
			}()
			l.handle(handle, value)
		}()
	}

	if pdu.Opcode == att.HandleValueInd && e.autoConfirm {
		if _, err := e.sock.Write(att.NewHandleValueCfm().Encode()); err != nil {
			e.log.WithError(err).Warn("failed to write handle-value confirmation")
		}
	}
}

// Subscribe registers listener for notifications/indications, scoped
// to a single characteristic (pass nil for every characteristic).
func (e *Engine) Subscribe(scope *Characteristic, listener NotificationListener) uint64 {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, listenerEntry{id: id, scope: scope, handle: listener})
	return id
}

// Unsubscribe removes a subscription previously returned by Subscribe.
func (e *Engine) Unsubscribe(id uint64) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return
		}
	}
}

// request enforces the single-outstanding-request rule of §4.5: it
// writes pdu and blocks for its matching response or a referencing
// ERROR_RSP. terminalErrors are error codes that end an iteration
// successfully (e.g. ATTRIBUTE_NOT_FOUND) instead of failing the call;
// for those the PDU itself is returned so the caller can branch on it.
func (e *Engine) request(pdu att.PDU, terminalErrors ...att.ErrorCode) (att.PDU, error) {
	if e.failed.Load() {
		return att.PDU{}, ErrDisconnected
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.state.Store(int32(StateRequestInFlight))
	defer func() {
		if !e.failed.Load() {
			e.state.Store(int32(StateReady))
		}
	}()

	if _, err := e.sock.Write(pdu.Encode()); err != nil {
		e.failed.Store(true)
		return att.PDU{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	deadline := time.Now().Add(e.timeout)
	retries := 0
	for {
		if e.failed.Load() {
			return att.PDU{}, ErrDisconnected
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return att.PDU{}, ErrTimeout
		}
		rsp, err := e.ring.Dequeue()
		if err != nil {
			select {
			case <-e.notify:
				continue
			case <-time.After(remaining):
				return att.PDU{}, ErrTimeout
			case <-e.stopCh:
				return att.PDU{}, ErrDisconnected
			}
		}
		if rsp.Opcode == att.ErrorRsp {
			reqOp, _, code, err := att.ErrorRspParams(*rsp)
			if err != nil {
				continue
			}
			if reqOp != pdu.Opcode {
				retries++
				if retries > e.ringCap {
					return att.PDU{}, ErrTimeout
				}
				continue
			}
			for _, t := range terminalErrors {
				if code == t {
					return *rsp, nil
				}
			}
			return att.PDU{}, &AttError{ReqOpcode: reqOp, Code: code}
		}
		want, ok := reqRspPairs[pdu.Opcode]
		if !ok || rsp.Opcode != want {
			retries++
			if retries > e.ringCap {
				return att.PDU{}, ErrTimeout
			}
			continue
		}
		return *rsp, nil
	}
}

func (e *Engine) exchangeMTU() error {
	e.state.Store(int32(StateMTUExchanging))
	rsp, err := e.request(att.NewExchangeMTUReq(clientMaxMTU))
	if err != nil {
		return err
	}
	serverMTU, err := att.ExchangeMTURspParams(rsp)
	if err != nil {
		return err
	}
	effective := clientMaxMTU
	if int(serverMTU) < effective {
		effective = int(serverMTU)
	}
	if effective < minMTU {
		effective = minMTU
	}
	atomic.StoreUint32(&e.mtu, uint32(effective))
	e.state.Store(int32(StateReady))
	return nil
}

// DiscoverPrimaryServices discovers the full primary-service range,
// concatenating every READ_BY_GROUP_TYPE_RSP in order (§4.5).
func (e *Engine) DiscoverPrimaryServices() ([]*Service, error) {
	var services []*Service
	start := uint16(0x0001)
	for {
		pdu, err := e.request(att.NewReadByGroupTypeReq(start, 0xFFFF, att.UUIDPrimaryService), att.ErrAttributeNotFound)
		if err != nil {
			return nil, err
		}
		if pdu.Opcode == att.ErrorRsp {
			break
		}
		entries, err := att.ReadByGroupTypeRspParams(pdu)
		if err != nil {
			return nil, err
		}
		lastEnd := start
		for _, en := range entries {
			if en.StartHandle > en.EndHandle {
				return nil, fmt.Errorf("directble/gatt: service range %04x > %04x", en.StartHandle, en.EndHandle)
			}
			svc := newService(en.StartHandle, en.EndHandle, en.Type)
			e.tree.addService(svc)
			services = append(services, svc)
			lastEnd = en.EndHandle
		}
		if lastEnd == 0xFFFF || len(entries) == 0 {
			break
		}
		start = lastEnd + 1
	}
	return services, nil
}

// DiscoverCharacteristics discovers svc's characteristics, computing
// each descriptor range from the next declaration handle or the
// service end (§4.5).
func (e *Engine) DiscoverCharacteristics(svc *Service) error {
	var decls []att.TypeEntry
	start := svc.StartHandle
	for start <= svc.EndHandle {
		pdu, err := e.request(att.NewReadByTypeReq(start, svc.EndHandle, att.UUIDCharacteristic), att.ErrAttributeNotFound)
		if err != nil {
			return err
		}
		if pdu.Opcode == att.ErrorRsp {
			break
		}
		entries, err := att.ReadByTypeRspParams(pdu)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			break
		}
		decls = append(decls, entries...)
		last := entries[len(entries)-1].Handle
		if last >= svc.EndHandle {
			break
		}
		start = last + 1
	}

	for i, d := range decls {
		if len(d.Value) < 3 {
			return fmt.Errorf("directble/gatt: characteristic declaration too short at handle %#04x", d.Handle)
		}
		v := directble.NewView(d.Value)
		props, _ := v.Uint8(0)
		valueHandle, err := v.Uint16(1)
		if err != nil {
			return err
		}
		width := len(d.Value) - 3
		uuid, err := directble.ParseUUID(d.Value[3 : 3+width])
		if err != nil {
			return err
		}
		ch := newCharacteristic(d.Handle, valueHandle, Property(props), uuid)
		svc.addCharacteristic(ch, e.tree)

		descStart := valueHandle + 1
		descEnd := svc.EndHandle
		if i+1 < len(decls) {
			descEnd = decls[i+1].Handle - 1
		}
		if descStart <= descEnd {
			if err := e.discoverDescriptorRange(ch, descStart, descEnd); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) discoverDescriptorRange(ch *Characteristic, start, end uint16) error {
	for start <= end {
		pdu, err := e.request(att.NewFindInformationReq(start, end), att.ErrAttributeNotFound)
		if err != nil {
			return err
		}
		if pdu.Opcode == att.ErrorRsp {
			break
		}
		pairs, err := att.FindInformationRspParams(pdu)
		if err != nil {
			return err
		}
		if len(pairs) == 0 {
			break
		}
		for _, p := range pairs {
			ch.addDescriptor(&Descriptor{Handle: p.Handle, Type: p.Type})
		}
		last := pairs[len(pairs)-1].Handle
		if last >= end {
			break
		}
		start = last + 1
	}
	return nil
}

// DiscoverAll discovers every primary service, its characteristics, and
// their descriptors.
func (e *Engine) DiscoverAll() ([]*Service, error) {
	services, err := e.DiscoverPrimaryServices()
	if err != nil {
		return nil, err
	}
	for _, svc := range services {
		if err := e.DiscoverCharacteristics(svc); err != nil {
			return nil, err
		}
	}
	return services, nil
}

// ReadValue performs a value read, transparently continuing with
// READ_BLOB_REQ per the expectedLength hint of §4.5: 0 stops after one
// READ_REQ, negative reads until a short response, positive reads
// until the total meets or exceeds the hint or the response is short.
func (e *Engine) ReadValue(handle uint16, expectedLength int) ([]byte, error) {
	pdu, err := e.request(att.NewReadReq(handle))
	if err != nil {
		return nil, err
	}
	v := directble.NewView(pdu.Param)
	data := make([]byte, v.Len())
	copy(data, v.Bytes())

	mtu := e.MTU()
	if expectedLength == 0 || len(data) < mtu-1 {
		return data, nil
	}

	for {
		if expectedLength > 0 && len(data) >= expectedLength {
			return data, nil
		}
		pdu, err := e.request(att.NewReadBlobReq(handle, uint16(len(data))), att.ErrInvalidOffset, att.ErrAttributeNotFound)
		if err != nil {
			return nil, err
		}
		if pdu.Opcode == att.ErrorRsp {
			return data, nil
		}
		chunk := directble.NewView(pdu.Param)
		data = append(data, chunk.Bytes()...)
		if chunk.Len() < mtu-1 {
			return data, nil
		}
	}
}

// WriteValue writes value to handle with WRITE_REQ, waiting for
// WRITE_RSP (§4.5 "Value write (with response)").
func (e *Engine) WriteValue(handle uint16, value []byte) error {
	_, err := e.request(att.NewWriteReq(handle, value))
	return err
}

// WriteValueNoResponse writes value to handle with WRITE_CMD, which
// expects no reply (§4.5 "Value write (no response)").
func (e *Engine) WriteValueNoResponse(handle uint16, value []byte) error {
	if e.failed.Load() {
		return ErrDisconnected
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if _, err := e.sock.Write(att.NewWriteCmd(handle, value).Encode()); err != nil {
		e.failed.Store(true)
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

// ConfigureNotifications computes the effective notify/indicate mask
// by intersecting the request with ch's properties, writes it to the
// CCCD, and returns the effective mask actually applied (§4.5
// "Indication/notification enable").
func (e *Engine) ConfigureNotifications(ch *Characteristic, enableNotify, enableIndicate bool) (notify, indicate bool, err error) {
	handle, ok := ch.CCCDHandle()
	if !ok {
		return false, false, fmt.Errorf("directble/gatt: characteristic %#04x has no CCCD", ch.ValueHandle)
	}
	notify = enableNotify && ch.Properties.Has(PropNotify)
	indicate = enableIndicate && ch.Properties.Has(PropIndicate)

	var mask uint16
	if notify {
		mask |= 0x0001
	}
	if indicate {
		mask |= 0x0002
	}
	buf := directble.NewBuffer(2)
	buf.AppendUint16(mask)
	if err := e.WriteValue(handle, buf.Bytes()); err != nil {
		return false, false, err
	}
	return notify, indicate, nil
}
