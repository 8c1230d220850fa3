package mgmt

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	cache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/blesock/directble/internal/socket"
)

// ErrTimeout is returned when a command's reply does not arrive within
// the configured timeout (§4.3, §7).
var ErrTimeout = fmt.Errorf("directble/mgmt: timeout waiting for reply")

// ErrDisconnected is returned by any call made after the control socket
// has failed or been closed (§4.3, §5, §7).
var ErrDisconnected = fmt.Errorf("directble/mgmt: client disconnected")

// pollInterval bounds how long a single socket Read blocks, so the
// reader task can notice a stop request promptly (§5).
const pollInterval = 250 * time.Millisecond

// conn is the socket surface Client depends on; *socket.FD satisfies it
// against the real kernel socket, and tests substitute an in-memory
// fake to exercise reply correlation without a Bluetooth controller.
type conn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	SetReadTimeout(d time.Duration) error
}

// Subscriber is invoked on the reader task's own goroutine for every
// event that is not a CMD_COMPLETE/CMD_STATUS reply (§4.3, §5). It must
// not block and must not call back into the Client.
type Subscriber func(Event)

type subscription struct {
	id      uint64
	devID   int32 // -1 means wildcard
	handler Subscriber
}

// Client drives the MGMT control channel: one writer at a time, one
// background reader, reply correlation via a bounded ring, and event
// dispatch to registered subscribers (§4.3, §5).
type Client struct {
	sock conn
	log  *logrus.Entry

	timeout time.Duration
	ringCap int

	writeMu sync.Mutex
	ring    mpmc.RichOverlappedRingBuffer[*Event]
	notify  chan struct{}

	subsMu sync.Mutex // guards subs; callbacks run against a snapshot, so this need not be reentrant.
	subs   map[EventCode][]subscription
	nextID uint64

	stopCh     chan struct{}
	readerDone chan struct{}
	failed     atomic.Bool

	frames *socket.FrameReader

	// whitelist tracks the controller's current-accepted whitelist
	// entries locally, keyed by addr+kind, so AddDeviceWhitelist and
	// RemoveDeviceWhitelist stay idempotent from the caller's view even
	// when the kernel itself reports StatusAlreadyConnected rather than
	// a clean success (§8 idempotence).
	whitelist *cache.Cache
}

// mgmtFrameLen reports the total length of the MGMT frame starting at
// buf[0], once enough bytes have accumulated to read its header.
func mgmtFrameLen(buf []byte) (int, bool) {
	if len(buf) < HeaderSize {
		return 0, false
	}
	paramLen := int(buf[4]) | int(buf[5])<<8
	return HeaderSize + paramLen, true
}

// Open opens the management control socket and starts its reader task.
func Open(timeout time.Duration, ringCapacity int, log *logrus.Entry) (*Client, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s, err := socket.OpenMGMT()
	if err != nil {
		return nil, err
	}
	if err := s.SetReadTimeout(pollInterval); err != nil {
		s.Close()
		return nil, err
	}
	return newClient(s, timeout, ringCapacity, log), nil
}

func newClient(s conn, timeout time.Duration, ringCapacity int, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Client{
		sock:       s,
		log:        log.WithField("component", "mgmt"),
		timeout:    timeout,
		ringCap:    ringCapacity,
		ring:       mpmc.NewOverlappedRingBuffer[*Event](uint32(ringCapacity)),
		notify:     make(chan struct{}, 1),
		subs:       make(map[EventCode][]subscription),
		stopCh:     make(chan struct{}),
		readerDone: make(chan struct{}),
		frames:     socket.NewFrameReader(4096),
		whitelist:  cache.New(cache.NoExpiration, cache.NoExpiration),
	}
	go c.readLoop()
	return c
}

// Close stops the reader task and closes the socket (§5 "resource acquisition").
func (c *Client) Close() error {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	err := c.sock.Close()
	<-c.readerDone
	return err
}

func (c *Client) readLoop() {
	defer close(c.readerDone)
	buf := make([]byte, 4096)
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		n, err := c.sock.Read(buf)
		if err != nil {
			if socket.IsTimeout(err) {
				continue
			}
			c.log.WithError(err).Warn("mgmt socket read failed, entering disconnected state")
			c.failed.Store(true)
			c.notifyWaiters()
			return
		}
		if err := c.frames.Feed(buf[:n]); err != nil {
			c.log.WithError(err).Warn("mgmt frame accumulator overrun, dropping read")
			continue
		}
		for {
			frame, ok := c.frames.Next(mgmtFrameLen)
			if !ok {
				break
			}
			ev, err := DecodeEvent(frame)
			if err != nil {
				c.log.WithError(err).Debug("dropping malformed mgmt frame")
				continue
			}
			if ev.Code == EvtCmdComplete || ev.Code == EvtCmdStatus {
				evCopy := ev
				if _, err := c.ring.EnqueueM(&evCopy); err != nil {
					c.log.WithError(err).Warn("mgmt reply ring full, oldest entry dropped")
				}
				c.notifyWaiters()
				continue
			}
			c.dispatch(ev)
		}
	}
}

func (c *Client) notifyWaiters() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Client) dispatch(ev Event) {
	c.subsMu.Lock()
	list := c.subs[ev.Code]
	snapshot := make([]subscription, len(list))
	copy(snapshot, list)
	c.subsMu.Unlock()

	for _, s := range snapshot {
		if s.devID != -1 && uint16(s.devID) != ev.DevID {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.WithField("panic", r).Error("mgmt subscriber callback panicked")
				}
			}()
			s.handler(ev)
		}()
	}
}

// Subscribe registers handler for events of code, optionally scoped to a
// single device id (pass -1 for all adapters). It returns a token for
// Unsubscribe (§4.3 "Subscription").
func (c *Client) Subscribe(code EventCode, devID int32, handler Subscriber) uint64 {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.nextID++
	id := c.nextID
	c.subs[code] = append(c.subs[code], subscription{id: id, devID: devID, handler: handler})
	return id
}

// Unsubscribe removes a subscription previously returned by Subscribe.
func (c *Client) Unsubscribe(code EventCode, id uint64) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	list := c.subs[code]
	for i, s := range list {
		if s.id == id {
			c.subs[code] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// send writes cmd and blocks for the matching CMD_COMPLETE/CMD_STATUS
// reply, discarding mismatches up to the ring's capacity (§4.3 "Reply
// correlation").
func (c *Client) send(cmd Command) (Event, error) {
	if c.failed.Load() {
		return Event{}, ErrDisconnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.sock.Write(cmd.Encode()); err != nil {
		c.failed.Store(true)
		return Event{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	deadline := time.Now().Add(c.timeout)
	retries := 0
	for {
		if c.failed.Load() {
			return Event{}, ErrDisconnected
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Event{}, ErrTimeout
		}
		ev, err := c.ring.Dequeue()
		if err != nil {
			select {
			case <-c.notify:
				continue
			case <-time.After(remaining):
				return Event{}, ErrTimeout
			case <-c.stopCh:
				return Event{}, ErrDisconnected
			}
		}
		reqOp, oerr := ev.ReqOpcode()
		if oerr != nil {
			continue
		}
		if ev.DevID != cmd.DevID || reqOp != cmd.Opcode {
			retries++
			if retries > c.ringCap {
				return Event{}, ErrTimeout
			}
			continue
		}
		return *ev, nil
	}
}

// Call sends cmd and returns the correlated reply's status and, for a
// CMD_COMPLETE, its trailing data. A non-success CMD_STATUS completes
// the call with no data (§4.3 "Failure policy").
func (c *Client) Call(cmd Command) (Status, []byte, error) {
	ev, err := c.send(cmd)
	if err != nil {
		return StatusInternalFailure, nil, err
	}
	status, err := ev.ReqStatus()
	if err != nil {
		return StatusInternalFailure, nil, err
	}
	if ev.Code == EvtCmdStatus {
		return status, nil, nil
	}
	return status, ev.CompleteData(), nil
}
