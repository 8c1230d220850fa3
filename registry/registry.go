// Package registry is the adapter/device registry (C8): flat
// BD-address-indexed tables, adapter-status listener lists, and the
// per-adapter discovery state machine (§4.6, §4.7).
package registry

import (
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/blesock/directble"
	"github.com/blesock/directble/hci"
	"github.com/blesock/directble/mgmt"
)

// Device is a shared record for one peer address: the last advertisement
// seen for it, and its connection state. The shared-device table is its
// authoritative owner; the scanned and connected tables hold references
// into it (§4.6).
type Device struct {
	Address  directble.BDAddr
	AddrKind directble.AddrKind

	RSSI         int8
	Advertisement *directble.Advertisement
	FirstSeen    time.Time
	LastSeen     time.Time

	Connected  bool
	ConnHandle uint16
}

func (d *Device) clone() *Device {
	cp := *d
	return &cp
}

// Discoverer issues the MGMT command the keep-alive restart needs. It is
// satisfied by *mgmt.Client; tests substitute a recording fake.
type Discoverer interface {
	StartDiscovery(devID uint16, scanType mgmt.ScanType) (mgmt.ScanType, error)
}

// Registry owns one adapter's scanned/connected device tables and its
// discovery state machine. One Registry per adapter (§4.6).
type Registry struct {
	adapterID  uint16
	log        *logrus.Entry
	keepAlive  bool
	discoverer Discoverer

	mu      sync.Mutex // guards shared and current; never held during callback invocation
	shared  map[string]*Device
	current directble.Settings

	scanned   *lru.Cache // addrKey -> *Device, reported devices up to the table's capacity
	connected *lru.Cache // addrKey -> *Device, currently connected

	disc discoveryState

	// listeners is a concurrent set keyed by listener identity: Set
	// naturally dedups re-registration of the same pointer (§4.6
	// "deduplicated by equality"), and arbitrary caller goroutines may
	// register or unregister without contending a mutex against the
	// reader task's dispatch (§5 "registration from arbitrary caller
	// goroutines").
	listeners *hashmap.Map[*AdapterStatusListener, struct{}]
}

// New constructs a Registry for adapterID, bounding its scanned and
// connected tables per cfg (§4.6, §6 "ring capacities" analogue).
func New(adapterID uint16, cfg directble.Config, discoverer Discoverer, log *logrus.Entry) (*Registry, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	scanned, err := lru.New(orDefault(cfg.ScannedTableCapacity, 512))
	if err != nil {
		return nil, err
	}
	connected, err := lru.New(orDefault(cfg.ConnectedTableCapacity, 64))
	if err != nil {
		return nil, err
	}
	return &Registry{
		adapterID:  adapterID,
		log:        log.WithField("component", "registry"),
		keepAlive:  cfg.KeepAliveDiscovery,
		discoverer: discoverer,
		shared:     make(map[string]*Device),
		scanned:    scanned,
		connected:  connected,
		listeners:  hashmap.New[*AdapterStatusListener, struct{}](),
	}, nil
}

func orDefault(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

func addrKey(addr directble.BDAddr, kind directble.AddrKind) string {
	return addr.String() + "/" + kind.String()
}

// upsertShared inserts or updates the authoritative record for addr,
// returning the record and whether it already existed (§4.6 "idempotent
// by address").
func (r *Registry) upsertShared(addr directble.BDAddr, kind directble.AddrKind, now time.Time) (*Device, bool) {
	key := addrKey(addr, kind)
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.shared[key]; ok {
		d.LastSeen = now
		return d, true
	}
	d := &Device{Address: addr, AddrKind: kind, FirstSeen: now, LastSeen: now}
	r.shared[key] = d
	return d, false
}

// Device looks up the shared record for addr/kind.
func (r *Registry) Device(addr directble.BDAddr, kind directble.AddrKind) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.shared[addrKey(addr, kind)]
	if !ok {
		return nil, false
	}
	return d.clone(), true
}

// ScannedDevices returns a snapshot of every device ever reported by
// DEVICE_FOUND on this adapter, bounded by the scanned table's capacity.
func (r *Registry) ScannedDevices() []*Device {
	out := make([]*Device, 0, r.scanned.Len())
	for _, k := range r.scanned.Keys() {
		if v, ok := r.scanned.Get(k); ok {
			out = append(out, v.(*Device).clone())
		}
	}
	return out
}

// ConnectedDevices returns a snapshot of the currently connected devices.
func (r *Registry) ConnectedDevices() []*Device {
	out := make([]*Device, 0, r.connected.Len())
	for _, k := range r.connected.Keys() {
		if v, ok := r.connected.Get(k); ok {
			out = append(out, v.(*Device).clone())
		}
	}
	return out
}

// finalize removes addr/kind from every table (§4.6 "finalizing a device
// removes it from all tables").
func (r *Registry) finalize(addr directble.BDAddr, kind directble.AddrKind) {
	key := addrKey(addr, kind)
	r.mu.Lock()
	delete(r.shared, key)
	r.mu.Unlock()
	r.scanned.Remove(key)
	r.connected.Remove(key)
}

// HandleDeviceFound records a DEVICE_FOUND report and fires device-found
// (new address) or device-updated (already known) to matching listeners
// (§4.6, §8 scenario 1).
func (r *Registry) HandleDeviceFound(addr directble.BDAddr, kind directble.AddrKind, rssi int8, eir []byte) {
	now := time.Now()
	adv, err := directble.ParseAdvertisement(directble.SourceAD, now, 0, addr, kind, eir, r.log)
	if err != nil {
		r.log.WithError(err).Debug("dropping malformed advertisement")
		return
	}
	d, existed := r.upsertShared(addr, kind, now)
	r.mu.Lock()
	d.RSSI = rssi
	d.Advertisement = adv
	r.mu.Unlock()

	r.scanned.Add(addrKey(addr, kind), d)

	if existed {
		r.dispatch(eventDeviceUpdated, d, now)
	} else {
		r.dispatch(eventDeviceFound, d, now)
	}
}

// HandleSettingsChanged records a NEW_SETTINGS bitmask and notifies
// adapter-settings-changed listeners (§4.6).
func (r *Registry) HandleSettingsChanged(s directble.Settings) {
	r.mu.Lock()
	r.current = s
	r.mu.Unlock()
	r.dispatchAdapter(eventAdapterSettingsChanged, s, time.Now())
}

// HandleConnected updates the connected table and fires device-connected
// from a normalized HCI event (§4.6, control flow in §3 overview).
func (r *Registry) HandleConnected(n hci.Normalized) {
	if n.Kind != hci.DeviceConnected {
		return
	}
	now := time.Now()
	d, _ := r.upsertShared(n.Address, n.AddrKind, now)
	r.mu.Lock()
	d.Connected = true
	d.ConnHandle = n.Handle
	r.mu.Unlock()
	r.connected.Add(addrKey(n.Address, n.AddrKind), d)
	r.dispatch(eventDeviceConnected, d, now)
}

// HandleDisconnected clears the connected flag and fires
// device-disconnected (§4.6, §7 "socket error" fan-out case).
func (r *Registry) HandleDisconnected(n hci.Normalized) {
	if n.Kind != hci.DeviceDisconnected {
		return
	}
	now := time.Now()
	r.mu.Lock()
	d, ok := r.shared[addrKey(n.Address, n.AddrKind)]
	if ok {
		d.Connected = false
		d.ConnHandle = 0
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.connected.Remove(addrKey(n.Address, n.AddrKind))
	r.dispatch(eventDeviceDisconnected, d, now)
}

// DisconnectAll reports every currently connected device as disconnected,
// the registry's half of the §7 "socket error" fan-out: "the registry
// emits DEVICE_DISCONNECTED for every connection it held on this adapter".
func (r *Registry) DisconnectAll() {
	for _, d := range r.ConnectedDevices() {
		r.HandleDisconnected(hci.Normalized{Kind: hci.DeviceDisconnected, Address: d.Address, AddrKind: d.AddrKind})
	}
}

// AttachMGMT wires client's DEVICE_FOUND, NEW_SETTINGS, and DISCOVERING
// events on this adapter into the registry (§3 overview "control flow").
func (r *Registry) AttachMGMT(client *mgmt.Client) {
	client.Subscribe(mgmt.EvtDeviceFound, int32(r.adapterID), func(ev mgmt.Event) {
		addr, kind, rssi, eir, err := mgmt.ParseDeviceFound(ev)
		if err != nil {
			r.log.WithError(err).Debug("dropping malformed DEVICE_FOUND")
			return
		}
		r.HandleDeviceFound(addr, kind, rssi, eir)
	})
	client.Subscribe(mgmt.EvtNewSettings, int32(r.adapterID), func(ev mgmt.Event) {
		s, err := mgmt.ParseNewSettings(ev)
		if err != nil {
			r.log.WithError(err).Debug("dropping malformed NEW_SETTINGS")
			return
		}
		r.HandleSettingsChanged(s)
	})
	client.Subscribe(mgmt.EvtDiscovering, int32(r.adapterID), func(ev mgmt.Event) {
		scanType, discovering, err := mgmt.ParseDiscovering(ev)
		if err != nil {
			r.log.WithError(err).Debug("dropping malformed DISCOVERING")
			return
		}
		r.HandleDiscovering(scanType, discovering)
	})
}

// AttachHCI wires engine's normalized connect/disconnect events into the
// registry (§3 overview "the HCI engine emits a normalized connected
// event").
func (r *Registry) AttachHCI(engine *hci.Engine) {
	engine.Subscribe(func(n hci.Normalized) {
		switch n.Kind {
		case hci.DeviceConnected:
			r.HandleConnected(n)
		case hci.DeviceDisconnected:
			r.HandleDisconnected(n)
		}
	})
}
