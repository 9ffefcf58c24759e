// Package poll turns a snapshot enumerator into a hotplug session: it scans
// on a ticker, diffs the interface set by path against the previous scan,
// and synthesizes arrival and removal events. All real OS backends are thin
// enumerators over this engine.
package poll

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/seagrayinc/hidwatch/pkg/hid"
)

// DefaultInterval is the default scan interval.
const DefaultInterval = 500 * time.Millisecond

// EnumerateFunc returns a snapshot of the currently attached interfaces. A
// backend applies the usage-pair filter itself when its library reports
// usage information, and otherwise returns everything.
type EnumerateFunc func(filter []hid.UsagePair) ([]hid.Info, error)

// Options configure a Session.
type Options struct {
	Interval time.Duration
	Clock    clock.Clock
	Logger   zerolog.Logger
}

// Session implements hid.Session by periodic enumeration. Handles persist
// across scans while the interface stays present, so the registry sees one
// handle per interface node. Identity resolves only for handles present in
// the most recent scan; it deliberately fails while a removal is delivered.
type Session struct {
	enumerate EnumerateFunc
	filter    []hid.UsagePair
	interval  time.Duration
	clock     clock.Clock
	log       zerolog.Logger

	events   chan hid.Event
	quit     chan struct{}
	loopDone chan struct{}

	mu      sync.Mutex
	handles map[string]*handle
	closed  bool
}

// NewSession starts scanning immediately and then on every interval tick.
func NewSession(enumerate EnumerateFunc, filter []hid.UsagePair, opts Options) *Session {
	s := &Session{
		enumerate: enumerate,
		filter:    append([]hid.UsagePair(nil), filter...),
		interval:  opts.Interval,
		clock:     opts.Clock,
		log:       opts.Logger,
		events:    make(chan hid.Event, 64),
		quit:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		handles:   make(map[string]*handle),
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	go s.loop()
	return s
}

func (s *Session) Events() <-chan hid.Event {
	return s.events
}

func (s *Session) Identity(h hid.Handle) (hid.DeviceID, bool) {
	ph, ok := h.(*handle)
	if !ok || ph.session != s {
		return 0, false
	}
	if !s.present(ph) {
		return 0, false
	}
	return identityOf(ph.info), true
}

// Close stops the scan loop and closes the event channel before returning.
// Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.quit)
	<-s.loopDone
	return nil
}

func (s *Session) loop() {
	defer func() {
		close(s.events)
		close(s.loopDone)
	}()

	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	s.scan()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.scan()
		}
	}
}

func (s *Session) scan() {
	infos, err := s.enumerate(s.filter)
	if err != nil {
		// Keep the previous snapshot; a transient enumeration failure
		// must not look like every device leaving at once.
		s.log.Warn().Err(err).Msg("device enumeration failed, keeping previous snapshot")
		return
	}

	var arrivals, removals []*handle

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	seen := make(map[string]bool, len(infos))
	for _, info := range infos {
		if info.Path == "" {
			continue
		}
		seen[info.Path] = true
		if _, known := s.handles[info.Path]; known {
			continue
		}
		h := &handle{session: s, info: info}
		s.handles[info.Path] = h
		arrivals = append(arrivals, h)
	}
	for path, h := range s.handles {
		if !seen[path] {
			delete(s.handles, path)
			removals = append(removals, h)
		}
	}
	s.mu.Unlock()

	for _, h := range removals {
		s.deliver(hid.Event{Kind: hid.Removal, Handle: h})
	}
	for _, h := range arrivals {
		s.deliver(hid.Event{Kind: hid.Arrival, Handle: h})
	}
}

func (s *Session) deliver(ev hid.Event) {
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}

func (s *Session) present(h *handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[h.info.Path] == h
}

// identityOf derives the stable identity shared by all interfaces of one
// physical device: sibling interfaces report the same vendor, product and
// serial triple while their paths differ.
func identityOf(info hid.Info) hid.DeviceID {
	f := fnv.New64a()
	fmt.Fprintf(f, "%04x:%04x:%s", info.VendorID, info.ProductID, info.Serial)
	return hid.DeviceID(f.Sum64())
}

type handle struct {
	session *Session
	info    hid.Info
}

func (h *handle) Path() string { return h.info.Path }

func (h *handle) Info() hid.Info { return h.info }

func (h *handle) Alive() bool { return h.session.present(h) }
