package registry

import "time"

// eventKind names the six callback kinds an AdapterStatusListener can
// receive (§4.6).
type eventKind int

const (
	eventAdapterSettingsChanged eventKind = iota
	eventDiscoveringChanged
	eventDeviceFound
	eventDeviceUpdated
	eventDeviceConnected
	eventDeviceDisconnected
)

// AdapterStatusListener receives registry notifications. Every callback
// field is optional; a nil field is simply skipped. Filter, if set, is
// consulted before any device-shaped callback (found/updated/connected/
// disconnected) and a false result suppresses that callback entirely
// (§4.6 "a matching filter function per listener can reject a device
// before the listener sees any of its events").
//
// Callbacks run on the dispatching goroutine — the MGMT or HCI reader
// task for device/settings events — so they must not block and must not
// call back into the engine that produced the event (§5).
type AdapterStatusListener struct {
	OnAdapterSettingsChanged func(settings interface{}, at time.Time)
	OnDiscoveringChanged     func(state DiscoveryState, at time.Time)
	OnDeviceFound            func(d *Device, at time.Time)
	OnDeviceUpdated          func(d *Device, at time.Time)
	OnDeviceConnected        func(d *Device, at time.Time)
	OnDeviceDisconnected     func(d *Device, at time.Time)

	Filter func(d *Device) bool
}

// Subscribe registers l. Registering the same pointer twice is a no-op
// (§4.6 "deduplicated by equality (pointer equality suffices)").
func (r *Registry) Subscribe(l *AdapterStatusListener) {
	r.listeners.Set(l, struct{}{})
}

// Unsubscribe removes a previously registered listener.
func (r *Registry) Unsubscribe(l *AdapterStatusListener) {
	r.listeners.Del(l)
}

func (r *Registry) snapshotListeners() []*AdapterStatusListener {
	out := make([]*AdapterStatusListener, 0, r.listeners.Len())
	r.listeners.Range(func(l *AdapterStatusListener, _ struct{}) bool {
		out = append(out, l)
		return true
	})
	return out
}

// dispatch invokes the device-shaped callback for kind on every listener
// whose Filter (if any) accepts d, isolating a panicking callback from
// its siblings (§7 "listener callbacks that throw are isolated").
func (r *Registry) dispatch(kind eventKind, d *Device, at time.Time) {
	snap := d.clone()
	for _, l := range r.snapshotListeners() {
		if l.Filter != nil && !l.Filter(snap) {
			continue
		}
		r.invoke(func() {
			switch kind {
			case eventDeviceFound:
				if l.OnDeviceFound != nil {
					l.OnDeviceFound(snap, at)
				}
			case eventDeviceUpdated:
				if l.OnDeviceUpdated != nil {
					l.OnDeviceUpdated(snap, at)
				}
			case eventDeviceConnected:
				if l.OnDeviceConnected != nil {
					l.OnDeviceConnected(snap, at)
				}
			case eventDeviceDisconnected:
				if l.OnDeviceDisconnected != nil {
					l.OnDeviceDisconnected(snap, at)
				}
			}
		})
	}
}

// dispatchAdapter invokes the adapter-scoped callback (settings or
// discovering-changed) on every listener, ignoring Filter since these
// events are not device-shaped.
func (r *Registry) dispatchAdapter(kind eventKind, payload interface{}, at time.Time) {
	for _, l := range r.snapshotListeners() {
		r.invoke(func() {
			switch kind {
			case eventAdapterSettingsChanged:
				if l.OnAdapterSettingsChanged != nil {
					l.OnAdapterSettingsChanged(payload, at)
				}
			case eventDiscoveringChanged:
				if l.OnDiscoveringChanged != nil {
					l.OnDiscoveringChanged(payload.(DiscoveryState), at)
				}
			}
		})
	}
}

func (r *Registry) invoke(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("panic", rec).Error("registry listener callback panicked")
		}
	}()
	fn()
}
