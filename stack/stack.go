// Package stack is the top-level orchestrator (§2 "control flow"): it
// opens the MGMT control channel, attaches the HCI engine to the chosen
// adapter, wires both into the registry, and drives LE connection
// establishment through to an open GATT engine. It lives outside the
// root package to avoid a dependency cycle — mgmt, hci, gatt, and
// registry each import the root package for the shared wire model, so
// the composition root cannot live there too.
package stack

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/blesock/directble"
	"github.com/blesock/directble/gatt"
	"github.com/blesock/directble/hci"
	"github.com/blesock/directble/mgmt"
	"github.com/blesock/directble/registry"
)

// ErrNoAdapter is returned when no controller index satisfies the
// requested configuration.
var ErrNoAdapter = fmt.Errorf("directble/stack: no matching adapter")

// ErrConnectTimeout is returned when LE_Create_Connection's CMD_STATUS
// succeeds but no normalized connected/failed event arrives in time.
var ErrConnectTimeout = fmt.Errorf("directble/stack: timed out waiting for connection completion")

// Stack owns one adapter's MGMT client, HCI engine, and registry, plus
// the open GATT engines for its connected peers (§2, §3 overview).
type Stack struct {
	cfg   directble.Config
	log   *logrus.Entry
	devID uint16
	info  *directble.AdapterInfo

	mgmtClient *mgmt.Client
	hciEngine  *hci.Engine
	reg        *registry.Registry

	connsMu sync.Mutex
	conns   map[string]*gatt.Engine
}

// Open starts the MGMT client, selects an adapter per cfg.AdapterIndex
// (-1 means "first available"), runs the adapter initialization
// sequence, attaches the HCI engine, and wires the registry (§2 "control
// flow", §4.3 "Initialization sequence").
func Open(cfg directble.Config, log *logrus.Entry) (*Stack, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	cfg.ApplyDefaults()

	mc, err := mgmt.Open(cfg.MGMTTimeout, cfg.MGMTRingCapacity, log)
	if err != nil {
		return nil, err
	}

	devID, info, err := selectAdapter(mc, cfg.AdapterIndex)
	if err != nil {
		mc.Close()
		return nil, err
	}

	if err := mc.InitializeAdapter(devID, cfg.Mode); err != nil {
		mc.Close()
		return nil, err
	}

	he, err := hci.Open(int(devID), cfg.HCITimeout, cfg.HCIRingCapacity, log)
	if err != nil {
		mc.Close()
		return nil, err
	}

	reg, err := registry.New(devID, cfg, mc, log)
	if err != nil {
		he.Close()
		mc.Close()
		return nil, err
	}
	reg.AttachMGMT(mc)
	reg.AttachHCI(he)

	s := &Stack{
		cfg:        cfg,
		log:        log.WithField("component", "stack"),
		devID:      devID,
		info:       info,
		mgmtClient: mc,
		hciEngine:  he,
		reg:        reg,
		conns:      make(map[string]*gatt.Engine),
	}
	return s, nil
}

// adapterLister is the subset of *mgmt.Client selectAdapter needs;
// narrowed to an interface so adapter-selection logic is testable
// without a real control socket.
type adapterLister interface {
	ReadIndexList() ([]uint16, error)
	ReadInfo(devID uint16) (*directble.AdapterInfo, error)
}

func selectAdapter(mc adapterLister, wantIndex int) (uint16, *directble.AdapterInfo, error) {
	indices, err := mc.ReadIndexList()
	if err != nil {
		return 0, nil, err
	}
	if wantIndex >= 0 {
		for _, idx := range indices {
			if int(idx) == wantIndex {
				info, err := mc.ReadInfo(idx)
				return idx, info, err
			}
		}
		return 0, nil, ErrNoAdapter
	}
	if len(indices) == 0 {
		return 0, nil, ErrNoAdapter
	}
	info, err := mc.ReadInfo(indices[0])
	return indices[0], info, err
}

// AdapterInfo returns the adapter record captured at Open time. Current
// settings reflect their value at startup; subscribe to the registry for
// live updates.
func (s *Stack) AdapterInfo() *directble.AdapterInfo { return s.info }

// Registry returns the registry backing this adapter.
func (s *Stack) Registry() *registry.Registry { return s.reg }

// MGMT returns the underlying MGMT client, for operations the registry
// and Stack don't wrap directly (whitelist management, …).
func (s *Stack) MGMT() *mgmt.Client { return s.mgmtClient }

// HCI returns the underlying HCI engine.
func (s *Stack) HCI() *hci.Engine { return s.hciEngine }

// StartDiscovery begins scanning (§4.3, §4.7).
func (s *Stack) StartDiscovery(scanType mgmt.ScanType) (mgmt.ScanType, error) {
	return s.reg.RequestStartDiscovery(scanType)
}

// StopDiscovery stops scanning (§4.3, §4.7, §8 "idempotence").
func (s *Stack) StopDiscovery() error {
	return s.reg.RequestStopDiscovery()
}

func addrTypeByte(k directble.AddrKind) uint8 {
	if k == directble.AddrLERandom {
		return 0x01
	}
	return 0x00
}

// Connect establishes an LE link to peer and opens its GATT engine: it
// issues LE_Create_Connection, waits for the HCI engine's normalized
// connected/failed event, then opens the L2CAP ATT channel and runs MTU
// exchange (§2 "control flow": "A connect request walks HCI → kernel →
// controller … GATT opens an L2CAP channel addressed to the peer,
// exchanges MTU"). The returned engine is also tracked for Disconnect.
func (s *Stack) Connect(peer directble.BDAddr, peerKind directble.AddrKind, params hci.LEConnParams) (*gatt.Engine, error) {
	params.PeerAddress = peer
	params.PeerKind = peerKind

	waitCh := make(chan hci.Normalized, 1)
	sub := func(n hci.Normalized) {
		if n.Address != peer || n.AddrKind != peerKind {
			return
		}
		if n.Kind == hci.DeviceConnected || n.Kind == hci.DeviceConnectFailed {
			select {
			case waitCh <- n:
			default:
			}
		}
	}
	s.hciEngine.Subscribe(sub)

	status, err := s.hciEngine.LECreateConn(params)
	if err != nil {
		return nil, err
	}
	if !status.OK() {
		return nil, fmt.Errorf("directble/stack: LE_Create_Connection: %s", status)
	}

	var n hci.Normalized
	select {
	case n = <-waitCh:
	case <-time.After(s.cfg.HCITimeout):
		return nil, ErrConnectTimeout
	}
	if n.Kind == hci.DeviceConnectFailed {
		return nil, fmt.Errorf("directble/stack: connection failed: %s", n.Status)
	}

	// The adapter's own address is assumed public; a controller running
	// with SettingStaticAddress would need its local address type
	// threaded through here instead.
	ge, err := gatt.Open(s.info.Address, peer, addrTypeByte(directble.AddrLEPublic), addrTypeByte(peerKind),
		s.cfg.L2CAPPollTimeout, s.cfg.ATTRingCapacity, s.log)
	if err != nil {
		return nil, err
	}
	ge.SetAutoConfirm(s.cfg.AutoConfirmIndications)

	key := peer.String() + "/" + peerKind.String()
	s.connsMu.Lock()
	s.conns[key] = ge
	s.connsMu.Unlock()
	return ge, nil
}

// Disconnect tears down the GATT engine (if open) and issues MGMT
// DISCONNECT for peer (§4.3). The normalized DEVICE_DISCONNECTED event
// arrives asynchronously through the HCI engine, as it does for any
// peer-initiated or link-loss disconnect.
func (s *Stack) Disconnect(peer directble.BDAddr, peerKind directble.AddrKind) error {
	key := peer.String() + "/" + peerKind.String()
	s.connsMu.Lock()
	ge, ok := s.conns[key]
	delete(s.conns, key)
	s.connsMu.Unlock()
	if ok {
		ge.Close()
	}
	return s.mgmtClient.Disconnect(s.devID, peer, peerKind)
}

// Close tears down every open GATT engine, reports their peers as
// disconnected to the registry, powers the adapter off, and stops the
// HCI and MGMT reader tasks (§5 "resource acquisition", §7 "socket
// error" fan-out). The GATT engines close concurrently, since each owns
// an independent L2CAP socket and reader goroutine with nothing to
// serialize between them.
func (s *Stack) Close() error {
	s.connsMu.Lock()
	conns := make([]*gatt.Engine, 0, len(s.conns))
	for _, ge := range s.conns {
		conns = append(conns, ge)
	}
	s.conns = make(map[string]*gatt.Engine)
	s.connsMu.Unlock()

	var connGroup errgroup.Group
	for _, ge := range conns {
		ge := ge
		connGroup.Go(func() error { return ge.Close() })
	}
	connErr := connGroup.Wait()

	s.reg.DisconnectAll()

	teardownErr := s.mgmtClient.Teardown(s.devID)

	var shutdownGroup errgroup.Group
	shutdownGroup.Go(s.hciEngine.Close)
	shutdownGroup.Go(s.mgmtClient.Close)
	shutdownErr := shutdownGroup.Wait()

	for _, err := range []error{connErr, teardownErr, shutdownErr} {
		if err != nil {
			return err
		}
	}
	return nil
}
