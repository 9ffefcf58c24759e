// Package registry tracks currently-attached HID devices. It subscribes to a
// backend's hotplug notifications, collapses the multiple interfaces of one
// physical device into a single logical device, and periodically re-verifies
// device liveness because removal notifications are not reliable on every OS.
package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/seagrayinc/hidwatch/pkg/hid"
)

// DefaultReconcileInterval is how often tracked devices are re-validated.
const DefaultReconcileInterval = 5 * time.Second

var (
	// ErrNoBackend is returned by Start when no backend was configured.
	ErrNoBackend = errors.New("registry: no backend configured")

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("registry: manager closed")
)

// Config configures a Manager.
type Config struct {
	// Filter is the ordered set of usage pairs to observe. Immutable for
	// the manager's lifetime.
	Filter []hid.UsagePair

	// Backend opens the native matching sessions.
	Backend hid.Backend

	Logger zerolog.Logger

	// Clock drives the reconciliation ticker. Defaults to the wall clock.
	Clock clock.Clock

	// ReconcileInterval defaults to DefaultReconcileInterval.
	ReconcileInterval time.Duration
}

// Manager owns the live device registry. All registry state is confined to a
// single control goroutine: session events, the reconciliation ticker, and
// every exported method are processed there, so the identity maps need no
// locking. Exported methods may be called from any goroutine; they block
// until the control goroutine has handled them.
//
// Callbacks run on the control goroutine and must not call back into the
// Manager.
type Manager struct {
	filter   []hid.UsagePair
	backend  hid.Backend
	log      zerolog.Logger
	clock    clock.Clock
	interval time.Duration

	cmds chan func()
	done chan struct{}

	// State below is owned by the control goroutine.
	detecting func(hid.Handle) bool
	detected  func(*hid.Device)
	removed   func(*hid.Device)

	session    hid.Session
	sessionID  uuid.UUID
	identities map[hid.Handle]hid.DeviceID
	devices    map[hid.DeviceID]*hid.Device
	ticker     *clock.Ticker
	quit       bool
}

// New creates a Manager and starts its control goroutine. The manager is
// stopped until Start is called.
func New(cfg Config) *Manager {
	m := &Manager{
		filter:     append([]hid.UsagePair(nil), cfg.Filter...),
		backend:    cfg.Backend,
		log:        cfg.Logger,
		clock:      cfg.Clock,
		interval:   cfg.ReconcileInterval,
		cmds:       make(chan func()),
		done:       make(chan struct{}),
		identities: make(map[hid.Handle]hid.DeviceID),
		devices:    make(map[hid.DeviceID]*hid.Device),
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.interval <= 0 {
		m.interval = DefaultReconcileInterval
	}
	go m.run()
	return m
}

// OnDetecting registers the pre-filter hook. Returning false rejects the
// native handle before any state is recorded.
func (m *Manager) OnDetecting(fn func(hid.Handle) bool) {
	m.do(func() { m.detecting = fn })
}

// OnDetected registers the arrival notification. It fires exactly once per
// new logical device, never once per interface.
func (m *Manager) OnDetected(fn func(*hid.Device)) {
	m.do(func() { m.detected = fn })
}

// OnRemoved registers the removal notification. It fires exactly once per
// logical device eviction.
func (m *Manager) OnRemoved(fn func(*hid.Device)) {
	m.do(func() { m.removed = fn })
}

// Start opens a matching session for the configured filter and begins the
// reconciliation ticker. If the manager is already running it restarts:
// stop, then reopen, leaving the registry observably empty until fresh
// arrivals repopulate it. On failure the error is logged, the manager stays
// stopped, and the caller may retry.
func (m *Manager) Start() error {
	err := ErrClosed
	m.do(func() { err = m.startNow() })
	return err
}

// Stop cancels the reconciliation ticker, closes the session, and clears the
// identity maps without raising removal notifications. No-op when already
// stopped. Safe from any goroutine: the teardown is marshaled onto the
// control goroutine, so no callback observes a half-destroyed manager.
func (m *Manager) Stop() {
	m.do(m.stopNow)
}

// Close stops the manager and terminates the control goroutine. The manager
// is not reusable afterwards. Idempotent.
func (m *Manager) Close() {
	m.do(func() {
		m.stopNow()
		m.quit = true
	})
}

// Running reports whether a matching session is currently open.
func (m *Manager) Running() bool {
	var running bool
	m.do(func() { running = m.session != nil })
	return running
}

// Devices returns a snapshot of the stable identity to logical device map.
func (m *Manager) Devices() map[hid.DeviceID]*hid.Device {
	var out map[hid.DeviceID]*hid.Device
	m.do(func() {
		out = make(map[hid.DeviceID]*hid.Device, len(m.devices))
		for id, dev := range m.devices {
			out[id] = dev
		}
	})
	return out
}

// do marshals fn onto the control goroutine and waits for it. After Close,
// fn is silently skipped.
func (m *Manager) do(fn func()) {
	ran := make(chan struct{})
	select {
	case m.cmds <- func() { fn(); close(ran) }:
		<-ran
	case <-m.done:
	}
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		var events <-chan hid.Event
		if m.session != nil {
			events = m.session.Events()
		}
		var ticks <-chan time.Time
		if m.ticker != nil {
			ticks = m.ticker.C
		}

		select {
		case fn := <-m.cmds:
			fn()
			if m.quit {
				return
			}
		case ev, ok := <-events:
			if !ok {
				m.log.Warn().
					Str("session_id", m.sessionID.String()).
					Msg("matching session event stream ended unexpectedly")
				m.teardown(false)
				continue
			}
			m.handleEvent(ev)
		case <-ticks:
			m.reconcile()
		}
	}
}

func (m *Manager) startNow() error {
	if m.session != nil {
		m.stopNow()
	}
	if m.backend == nil {
		m.log.Error().Msg("cannot open matching session: no backend configured")
		return ErrNoBackend
	}

	session, err := m.backend.Open(m.filter)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to open matching session")
		return fmt.Errorf("open matching session: %w", err)
	}

	m.session = session
	m.sessionID = uuid.New()
	m.ticker = m.clock.Ticker(m.interval)

	m.log.Info().
		Str("session_id", m.sessionID.String()).
		Int("usage_pairs", len(m.filter)).
		Msg("matching session opened")
	return nil
}

func (m *Manager) stopNow() {
	m.teardown(true)
}

// teardown cancels the ticker, optionally closes the session, and clears
// both identity maps. It never raises removal notifications.
func (m *Manager) teardown(closeSession bool) {
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
	if m.session != nil {
		if closeSession {
			if err := m.session.Close(); err != nil {
				m.log.Error().Err(err).
					Str("session_id", m.sessionID.String()).
					Msg("failed to close matching session")
			}
		}
		m.session = nil
	}
	clear(m.identities)
	clear(m.devices)
}

func (m *Manager) handleEvent(ev hid.Event) {
	if ev.Err != nil || ev.Handle == nil {
		return
	}
	switch ev.Kind {
	case hid.Arrival:
		m.handleArrival(ev.Handle)
	case hid.Removal:
		m.handleRemoval(ev.Handle)
	}
}

func (m *Manager) handleArrival(h hid.Handle) {
	if m.detecting != nil && !m.detecting(h) {
		return
	}

	id, ok := m.session.Identity(h)
	if !ok {
		// Without the dedup key no state can be recorded safely.
		m.log.Debug().Str("path", h.Path()).Msg("arrival without resolvable identity, ignored")
		return
	}

	// Record the mapping even when the device is already tracked: a later
	// removal of this specific handle must recover the same identity.
	m.identities[h] = id

	if _, exists := m.devices[id]; exists {
		// Another interface of an already matched device.
		return
	}

	dev := hid.NewDevice(h, id)
	m.devices[id] = dev

	m.log.Info().
		Str("session_id", m.sessionID.String()).
		Uint64("device_id", uint64(id)).
		Str("device", dev.Name()).
		Msg("device detected")

	if m.detected != nil {
		m.detected(dev)
	}
}

func (m *Manager) handleRemoval(h hid.Handle) {
	// Identity is resolved from the arrival-time cache only; the OS query
	// is known to fail during removal delivery.
	id, ok := m.identities[h]
	if !ok {
		return
	}

	if dev, tracked := m.devices[id]; tracked {
		delete(m.devices, id)
		dev.MarkRemoved()

		m.log.Info().
			Str("session_id", m.sessionID.String()).
			Uint64("device_id", uint64(id)).
			Str("device", dev.Name()).
			Msg("device removed")

		if m.removed != nil {
			m.removed(dev)
		}
	}

	// A multi-interface device has several handle entries sharing this
	// identity, and the OS does not guarantee a removal callback for each
	// of them. Purge them all so a future arrival starts clean.
	for handle, handleID := range m.identities {
		if handleID == id {
			delete(m.identities, handle)
		}
	}
}

// reconcile re-validates every tracked device. A single missed removal can
// leave stale entries behind, so on the first dead device the whole session
// is rebuilt; fresh arrivals repopulate the registry from scratch.
func (m *Manager) reconcile() {
	for _, dev := range m.devices {
		if dev.Validate() {
			continue
		}
		m.log.Warn().
			Str("session_id", m.sessionID.String()).
			Uint64("device_id", uint64(dev.ID())).
			Str("device", dev.Name()).
			Msg("dangling device found, rebuilding matching session")
		m.startNow() //nolint:errcheck // failure is logged; next tick or caller retries
		break
	}
}
