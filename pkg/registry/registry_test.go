package registry_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seagrayinc/hidwatch/pkg/hid"
	"github.com/seagrayinc/hidwatch/pkg/registry"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

func newManager(t *testing.T, backend *hid.MockBackend, clk clock.Clock) *registry.Manager {
	t.Helper()
	m := registry.New(registry.Config{
		Filter: []hid.UsagePair{
			{Page: hid.UsagePageGenericDesktop, Usage: hid.UsageKeyboard},
		},
		Backend: backend,
		Logger:  zerolog.Nop(),
		Clock:   clk,
	})
	t.Cleanup(m.Close)
	return m
}

func keyboard(path string) *hid.MockHandle {
	return hid.NewMockHandle(path, hid.Info{
		Path:      path,
		VendorID:  0x046d,
		ProductID: 0xc31c,
		Product:   "Test Keyboard",
		UsagePage: hid.UsagePageGenericDesktop,
		Usage:     hid.UsageKeyboard,
	})
}

// settle waits until the session's event queue is drained and any in-flight
// handler has finished.
func settle(t *testing.T, m *registry.Manager, s *hid.MockSession) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Pending() == 0 }, waitFor, tick)
	m.Devices()
}

func TestArrivalDedupMultiInterface(t *testing.T) {
	backend := hid.NewMockBackend()
	m := newManager(t, backend, nil)
	var detected atomic.Int64
	m.OnDetected(func(*hid.Device) { detected.Add(1) })

	require.NoError(t, m.Start())
	session := backend.Session()

	a := keyboard("/dev/hidraw0")
	b := keyboard("/dev/hidraw1")
	session.SetIdentity(a, 100)
	session.SetIdentity(b, 100)

	session.Arrive(a)
	session.Arrive(b)
	settle(t, m, session)

	devices := m.Devices()
	require.Len(t, devices, 1)
	require.Contains(t, devices, hid.DeviceID(100))
	assert.Equal(t, int64(1), detected.Load(), "one notification per logical device, not per interface")
}

func TestDetectingVetoLeavesNoState(t *testing.T) {
	backend := hid.NewMockBackend()
	m := newManager(t, backend, nil)
	var detected, removed atomic.Int64
	m.OnDetecting(func(h hid.Handle) bool { return h.Path() != "/dev/hidraw0" })
	m.OnDetected(func(*hid.Device) { detected.Add(1) })
	m.OnRemoved(func(*hid.Device) { removed.Add(1) })

	require.NoError(t, m.Start())
	session := backend.Session()

	vetoed := keyboard("/dev/hidraw0")
	session.SetIdentity(vetoed, 100)
	session.Arrive(vetoed)
	settle(t, m, session)

	assert.Empty(t, m.Devices())
	assert.Equal(t, int64(0), detected.Load())

	// An accepted sibling interface still creates the device; the vetoed
	// handle left no cached identity behind, so its removal is a no-op.
	accepted := keyboard("/dev/hidraw1")
	session.SetIdentity(accepted, 100)
	session.Arrive(accepted)
	session.Remove(vetoed)
	settle(t, m, session)

	assert.Len(t, m.Devices(), 1)
	assert.Equal(t, int64(1), detected.Load())
	assert.Equal(t, int64(0), removed.Load())
}

func TestUnresolvedIdentityIgnored(t *testing.T) {
	backend := hid.NewMockBackend()
	m := newManager(t, backend, nil)
	var detected atomic.Int64
	m.OnDetected(func(*hid.Device) { detected.Add(1) })

	require.NoError(t, m.Start())
	session := backend.Session()

	h := keyboard("/dev/hidraw0")
	// No SetIdentity: the OS cannot supply the dedup key.
	session.Arrive(h)
	session.Remove(h)
	settle(t, m, session)

	assert.Empty(t, m.Devices())
	assert.Equal(t, int64(0), detected.Load())
}

func TestEventWithFailureResultDropped(t *testing.T) {
	backend := hid.NewMockBackend()
	m := newManager(t, backend, nil)

	require.NoError(t, m.Start())
	session := backend.Session()

	h := keyboard("/dev/hidraw0")
	session.SetIdentity(h, 100)
	session.Deliver(hid.Event{Kind: hid.Arrival, Handle: h, Err: assert.AnError})
	session.Deliver(hid.Event{Kind: hid.Arrival, Handle: nil})
	settle(t, m, session)

	assert.Empty(t, m.Devices())
}

func TestRemovalScenario(t *testing.T) {
	// arrival(A, 100) -> detected(100); arrival(B, 100) -> nothing;
	// removal(A) -> removed(100) and B's cached mapping is purged too.
	backend := hid.NewMockBackend()
	m := newManager(t, backend, nil)
	var detected, removed atomic.Int64
	m.OnDetected(func(*hid.Device) { detected.Add(1) })
	m.OnRemoved(func(*hid.Device) { removed.Add(1) })

	require.NoError(t, m.Start())
	session := backend.Session()

	a := keyboard("/dev/hidraw0")
	b := keyboard("/dev/hidraw1")
	session.SetIdentity(a, 100)
	session.SetIdentity(b, 100)

	session.Arrive(a)
	session.Arrive(b)
	session.Remove(a)
	settle(t, m, session)

	assert.Empty(t, m.Devices())
	assert.Equal(t, int64(1), detected.Load())
	assert.Equal(t, int64(1), removed.Load())

	// The device reappears under the same identity value: a fresh logical
	// device, and the stale handle B must not be able to evict it.
	c := keyboard("/dev/hidraw2")
	session.SetIdentity(c, 100)
	session.Arrive(c)
	settle(t, m, session)
	require.Len(t, m.Devices(), 1)
	assert.Equal(t, int64(2), detected.Load())

	session.Remove(b)
	settle(t, m, session)
	assert.Len(t, m.Devices(), 1, "stale sibling handle must have been purged with the removal")
	assert.Equal(t, int64(1), removed.Load())
}

func TestRemovedDeviceIsMarked(t *testing.T) {
	backend := hid.NewMockBackend()
	m := newManager(t, backend, nil)
	var got atomic.Pointer[hid.Device]
	m.OnRemoved(func(d *hid.Device) { got.Store(d) })

	require.NoError(t, m.Start())
	session := backend.Session()

	h := keyboard("/dev/hidraw0")
	session.SetIdentity(h, 100)
	session.Arrive(h)
	session.Remove(h)
	settle(t, m, session)

	dev := got.Load()
	require.NotNil(t, dev)
	assert.True(t, dev.Removed())
	assert.False(t, dev.Validate(), "a removed device never validates")
}

func TestReconcileRebuildsSession(t *testing.T) {
	clk := clock.NewMock()
	backend := hid.NewMockBackend()
	m := newManager(t, backend, clk)
	var removed atomic.Int64
	m.OnRemoved(func(*hid.Device) { removed.Add(1) })

	require.NoError(t, m.Start())
	first := backend.Session()

	alive := keyboard("/dev/hidraw0")
	dead := keyboard("/dev/hidraw1")
	first.SetIdentity(alive, 100)
	first.SetIdentity(dead, 200)
	first.Arrive(alive)
	first.Arrive(dead)
	settle(t, m, first)
	require.Len(t, m.Devices(), 2)

	// A removal callback was missed; the reconciliation pass finds the
	// dangling device and rebuilds the whole session.
	dead.SetAlive(false)
	clk.Add(registry.DefaultReconcileInterval)

	require.Eventually(t, func() bool { return backend.Opens() == 2 }, waitFor, tick)
	assert.True(t, first.Closed())
	assert.Empty(t, m.Devices(), "rebuild repopulates from scratch via fresh arrivals")
	assert.Equal(t, int64(0), removed.Load(), "teardown never raises removal notifications")
	assert.True(t, m.Running())
}

func TestReconcileKeepsHealthySession(t *testing.T) {
	clk := clock.NewMock()
	backend := hid.NewMockBackend()
	m := newManager(t, backend, clk)

	require.NoError(t, m.Start())
	session := backend.Session()

	h := keyboard("/dev/hidraw0")
	session.SetIdentity(h, 100)
	session.Arrive(h)
	settle(t, m, session)

	clk.Add(registry.DefaultReconcileInterval)
	clk.Add(registry.DefaultReconcileInterval)
	settle(t, m, session)

	assert.Equal(t, 1, backend.Opens())
	assert.False(t, session.Closed())
	assert.Len(t, m.Devices(), 1)
}

func TestStartWhileRunningRestarts(t *testing.T) {
	backend := hid.NewMockBackend()
	m := newManager(t, backend, nil)
	var removed atomic.Int64
	m.OnRemoved(func(*hid.Device) { removed.Add(1) })

	require.NoError(t, m.Start())
	first := backend.Session()

	h := keyboard("/dev/hidraw0")
	first.SetIdentity(h, 100)
	first.Arrive(h)
	settle(t, m, first)
	require.Len(t, m.Devices(), 1)

	require.NoError(t, m.Start())

	assert.Equal(t, 2, backend.Opens())
	assert.True(t, first.Closed())
	assert.Empty(t, m.Devices(), "registry observably empty immediately after restart")
	assert.Equal(t, int64(0), removed.Load())
}

func TestStopIsIdempotent(t *testing.T) {
	backend := hid.NewMockBackend()
	m := newManager(t, backend, nil)
	var removed atomic.Int64
	m.OnRemoved(func(*hid.Device) { removed.Add(1) })

	require.NoError(t, m.Start())
	session := backend.Session()

	h := keyboard("/dev/hidraw0")
	session.SetIdentity(h, 100)
	session.Arrive(h)
	settle(t, m, session)

	m.Stop()
	assert.False(t, m.Running())
	assert.Empty(t, m.Devices())
	assert.True(t, session.Closed())
	assert.Equal(t, int64(0), removed.Load())

	m.Stop()
	assert.Equal(t, int64(0), removed.Load(), "second stop must not raise notifications")
}

func TestStopReturnsDuringEventFlood(t *testing.T) {
	backend := hid.NewMockBackend()
	m := newManager(t, backend, nil)

	require.NoError(t, m.Start())
	session := backend.Session()

	h := keyboard("/dev/hidraw0")
	session.SetIdentity(h, 100)

	flooded := make(chan struct{})
	go func() {
		defer close(flooded)
		for i := 0; i < 1024; i++ {
			session.Arrive(h)
		}
	}()

	// The marshaled stop must complete even while the session is flooding
	// events faster than the control goroutine consumes them.
	m.Stop()
	assert.False(t, m.Running())
	assert.True(t, session.Closed())

	select {
	case <-flooded:
	case <-time.After(waitFor):
		t.Fatal("event producer still blocked after stop")
	}
}

func TestStartFailureLeavesManagerStopped(t *testing.T) {
	backend := hid.NewMockBackend()
	backend.FailOpens(1)
	m := newManager(t, backend, nil)

	err := m.Start()
	require.ErrorIs(t, err, hid.ErrMockOpen)
	assert.False(t, m.Running())

	// The caller may retry.
	require.NoError(t, m.Start())
	assert.True(t, m.Running())
}

func TestStartWithoutBackend(t *testing.T) {
	m := registry.New(registry.Config{Logger: zerolog.Nop()})
	t.Cleanup(m.Close)

	require.ErrorIs(t, m.Start(), registry.ErrNoBackend)
	assert.False(t, m.Running())
}

func TestCloseTerminatesManager(t *testing.T) {
	backend := hid.NewMockBackend()
	m := registry.New(registry.Config{Backend: backend, Logger: zerolog.Nop()})

	require.NoError(t, m.Start())
	session := backend.Session()

	m.Close()
	assert.True(t, session.Closed())

	// Idempotent, and Start after Close reports the closed state.
	m.Close()
	require.ErrorIs(t, m.Start(), registry.ErrClosed)
}
