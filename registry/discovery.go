package registry

import (
	"sync"
	"time"

	"github.com/blesock/directble/mgmt"
)

// DiscoveryState is the adapter discovery state machine: IDLE →
// STARTING (on start-discovery request) → RUNNING (on the controller's
// DISCOVERING event reporting discovering=true) → STOPPING (on stop) →
// IDLE (§4.7).
type DiscoveryState int32

const (
	DiscoveryIdle DiscoveryState = iota
	DiscoveryStarting
	DiscoveryRunning
	DiscoveryStopping
)

func (s DiscoveryState) String() string {
	switch s {
	case DiscoveryIdle:
		return "idle"
	case DiscoveryStarting:
		return "starting"
	case DiscoveryRunning:
		return "running"
	case DiscoveryStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

type discoveryState struct {
	mu       sync.Mutex
	state    DiscoveryState
	desired  bool // true while the caller wants discovery running
	scanType mgmt.ScanType
}

// RequestStartDiscovery issues START_DISCOVERY(scanType) and transitions
// IDLE → STARTING. Calling it while already starting/running re-sends
// the command with the (possibly new) scan type and leaves the desired
// state set (§4.7).
func (r *Registry) RequestStartDiscovery(scanType mgmt.ScanType) (mgmt.ScanType, error) {
	r.disc.mu.Lock()
	r.disc.desired = true
	r.disc.scanType = scanType
	r.disc.state = DiscoveryStarting
	r.disc.mu.Unlock()

	accepted, err := r.discoverer.StartDiscovery(r.adapterID, scanType)
	if err != nil {
		r.disc.mu.Lock()
		r.disc.state = DiscoveryIdle
		r.disc.desired = false
		r.disc.mu.Unlock()
		return 0, err
	}
	return accepted, nil
}

// RequestStopDiscovery transitions the desired state to IDLE and issues
// STOP_DISCOVERY. The state machine itself only leaves STOPPING once the
// controller confirms via a DISCOVERING(false) event while not desired,
// so HandleDiscovering completes the transition to IDLE (§4.7).
func (r *Registry) RequestStopDiscovery() error {
	r.disc.mu.Lock()
	r.disc.desired = false
	if r.disc.state == DiscoveryRunning || r.disc.state == DiscoveryStarting {
		r.disc.state = DiscoveryStopping
	}
	scanType := r.disc.scanType
	r.disc.mu.Unlock()
	return r.stopDiscovery(scanType)
}

func (r *Registry) stopDiscovery(scanType mgmt.ScanType) error {
	type stopper interface {
		StopDiscovery(devID uint16, scanType mgmt.ScanType) error
	}
	if s, ok := r.discoverer.(stopper); ok {
		return s.StopDiscovery(r.adapterID, scanType)
	}
	return nil
}

// DiscoveryState returns the adapter's current discovery state.
func (r *Registry) DiscoveryState() DiscoveryState {
	r.disc.mu.Lock()
	defer r.disc.mu.Unlock()
	return r.disc.state
}

// HandleDiscovering processes a DISCOVERING(scanType, discovering)
// event: RUNNING while discovering is true, IDLE once it drops to false
// and is not desired. While desired and KeepAliveDiscovery is set, a
// false report re-issues START_DISCOVERY from another goroutine, since
// this method runs on the MGMT reader task and must not block on a
// follow-up request into the same client (§4.7, §5 "listeners that need
// to issue follow-up requests must hand off to another task").
func (r *Registry) HandleDiscovering(scanType mgmt.ScanType, discovering bool) {
	r.disc.mu.Lock()
	var restart bool
	if discovering {
		r.disc.state = DiscoveryRunning
	} else if r.disc.desired && r.keepAlive {
		restart = true
		r.disc.state = DiscoveryStarting
	} else {
		r.disc.state = DiscoveryIdle
		r.disc.desired = false
	}
	st := r.disc.state
	want := r.disc.scanType
	r.disc.mu.Unlock()

	r.dispatchAdapter(eventDiscoveringChanged, st, time.Now())

	if restart {
		go func() {
			if _, err := r.discoverer.StartDiscovery(r.adapterID, want); err != nil {
				r.log.WithError(err).Warn("keep-alive START_DISCOVERY restart failed")
			}
		}()
	}
}
