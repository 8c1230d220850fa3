package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blesock/directble/mgmt"
)

func TestRequestStartDiscoveryTransitionsToStarting(t *testing.T) {
	d := &fakeDiscoverer{}
	r := newTestRegistry(t, d)

	_, err := r.RequestStartDiscovery(mgmt.ScanLE)
	require.NoError(t, err)
	require.Equal(t, DiscoveryStarting, r.DiscoveryState())
	require.Equal(t, []mgmt.ScanType{mgmt.ScanLE}, d.started)
}

func TestHandleDiscoveringTrueTransitionsToRunning(t *testing.T) {
	r := newTestRegistry(t, &fakeDiscoverer{})
	r.RequestStartDiscovery(mgmt.ScanLE)

	r.HandleDiscovering(mgmt.ScanLE, true)

	require.Equal(t, DiscoveryRunning, r.DiscoveryState())
}

func TestHandleDiscoveringFalseWhileDesiredRestartsKeepAlive(t *testing.T) {
	d := &fakeDiscoverer{}
	r := newTestRegistry(t, d)
	r.RequestStartDiscovery(mgmt.ScanLE)
	r.HandleDiscovering(mgmt.ScanLE, true)

	r.HandleDiscovering(mgmt.ScanLE, false)

	// the restart is dispatched on another goroutine per the listener
	// contract, so give it a moment to run before asserting.
	require.Eventually(t, func() bool { return len(d.started) >= 2 }, time.Second, time.Millisecond)
	require.Len(t, d.started, 2)
}

func TestHandleDiscoveringFalseNotDesiredGoesIdle(t *testing.T) {
	r := newTestRegistry(t, &fakeDiscoverer{})
	r.RequestStartDiscovery(mgmt.ScanLE)
	r.HandleDiscovering(mgmt.ScanLE, true)

	r.RequestStopDiscovery()
	r.HandleDiscovering(mgmt.ScanLE, false)

	require.Equal(t, DiscoveryIdle, r.DiscoveryState())
}

func TestRequestStartDiscoveryFailureResetsState(t *testing.T) {
	r := newTestRegistry(t, &fakeDiscoverer{fail: true})

	_, err := r.RequestStartDiscovery(mgmt.ScanLE)
	require.Error(t, err)
	require.Equal(t, DiscoveryIdle, r.DiscoveryState())
}

func TestDiscoveringChangedListenerFires(t *testing.T) {
	r := newTestRegistry(t, &fakeDiscoverer{})
	var states []DiscoveryState
	r.Subscribe(&AdapterStatusListener{
		OnDiscoveringChanged: func(s DiscoveryState, at time.Time) { states = append(states, s) },
	})

	r.RequestStartDiscovery(mgmt.ScanLE)
	r.HandleDiscovering(mgmt.ScanLE, true)

	require.Equal(t, []DiscoveryState{DiscoveryRunning}, states)
}
