package hid

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrMockOpen is returned by a MockBackend configured to fail Open.
var ErrMockOpen = errors.New("hid: mock backend open failure")

// MockBackend is a scriptable Backend for tests. Each Open produces a fresh
// MockSession; FailOpens makes the next n opens fail.
type MockBackend struct {
	mu        sync.Mutex
	failOpens int
	sessions  []*MockSession
}

func NewMockBackend() *MockBackend {
	return &MockBackend{}
}

// FailOpens makes the next n calls to Open return ErrMockOpen.
func (b *MockBackend) FailOpens(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failOpens = n
}

func (b *MockBackend) Open(filter []UsagePair) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failOpens > 0 {
		b.failOpens--
		return nil, ErrMockOpen
	}
	s := newMockSession(filter)
	b.sessions = append(b.sessions, s)
	return s, nil
}

// Opens returns how many sessions have been opened successfully.
func (b *MockBackend) Opens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Session returns the most recently opened session, or nil.
func (b *MockBackend) Session() *MockSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sessions) == 0 {
		return nil
	}
	return b.sessions[len(b.sessions)-1]
}

// MockSession delivers scripted hotplug events and identity lookups.
type MockSession struct {
	mu         sync.Mutex
	filter     []UsagePair
	events     chan Event
	quit       chan struct{}
	delivering sync.WaitGroup
	ids        map[Handle]DeviceID
	closed     bool
}

func newMockSession(filter []UsagePair) *MockSession {
	return &MockSession{
		filter: append([]UsagePair(nil), filter...),
		events: make(chan Event, 64),
		quit:   make(chan struct{}),
		ids:    make(map[Handle]DeviceID),
	}
}

// Filter returns the usage pairs the session was opened with.
func (s *MockSession) Filter() []UsagePair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]UsagePair(nil), s.filter...)
}

// SetIdentity scripts the identity resolution for a handle.
func (s *MockSession) SetIdentity(h Handle, id DeviceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[h] = id
}

// DropIdentity makes Identity fail for a handle.
func (s *MockSession) DropIdentity(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, h)
}

// Arrive delivers an arrival event for the handle.
func (s *MockSession) Arrive(h Handle) {
	s.deliver(Event{Kind: Arrival, Handle: h})
}

// Remove delivers a removal event for the handle.
func (s *MockSession) Remove(h Handle) {
	s.deliver(Event{Kind: Removal, Handle: h})
}

// Deliver pushes an arbitrary event, e.g. one carrying a failure result.
func (s *MockSession) Deliver(ev Event) {
	s.deliver(ev)
}

// deliver must not hold the mutex across the channel send: a blocked send
// would keep Close from ever acquiring it. Sends race against quit instead,
// so a flood past the buffer cannot wedge the consumer's teardown.
func (s *MockSession) deliver(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.delivering.Add(1)
	s.mu.Unlock()
	defer s.delivering.Done()

	select {
	case s.events <- ev:
	case <-s.quit:
	}
}

func (s *MockSession) Events() <-chan Event {
	return s.events
}

// Pending returns how many delivered events have not yet been taken by the
// consumer. Tests use it as a processing barrier.
func (s *MockSession) Pending() int {
	return len(s.events)
}

func (s *MockSession) Identity(h Handle) (DeviceID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ids[h]
	return id, ok
}

func (s *MockSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.quit)
	s.mu.Unlock()

	// Unblocked by quit; once they drain, nobody can send anymore and the
	// event channel can close safely.
	s.delivering.Wait()
	close(s.events)
	return nil
}

// Closed reports whether Close has been called.
func (s *MockSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// MockHandle is a fake native handle with scriptable liveness.
type MockHandle struct {
	path  string
	info  Info
	alive atomic.Bool
}

func NewMockHandle(path string, info Info) *MockHandle {
	if info.Path == "" {
		info.Path = path
	}
	h := &MockHandle{path: path, info: info}
	h.alive.Store(true)
	return h
}

func (h *MockHandle) Path() string { return h.path }

func (h *MockHandle) Info() Info { return h.info }

func (h *MockHandle) Alive() bool { return h.alive.Load() }

// SetAlive scripts the liveness answer.
func (h *MockHandle) SetAlive(alive bool) {
	h.alive.Store(alive)
}
