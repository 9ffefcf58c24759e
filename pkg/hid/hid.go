// Package hid defines the device vocabulary shared by the registry and the
// OS hotplug backends: usage-pair filters, device metadata, the opaque native
// handle, and the matching-session contract a backend must satisfy.
package hid

// UsagePage is a HID usage page identifier.
type UsagePage uint16

// Usage is a HID usage identifier within a usage page.
type Usage uint16

// Common usage pages.
const (
	UsagePageGenericDesktop UsagePage = 0x01
	UsagePageConsumer       UsagePage = 0x0C
)

// Usages on the generic desktop page.
const (
	UsagePointer  Usage = 0x01
	UsageMouse    Usage = 0x02
	UsageJoystick Usage = 0x04
	UsageGamepad  Usage = 0x05
	UsageKeyboard Usage = 0x06
)

// UsageConsumerControl is the top-level usage on the consumer page.
const UsageConsumerControl Usage = 0x01

// UsagePair selects one device class to observe.
type UsagePair struct {
	Page  UsagePage
	Usage Usage
}

// Matches reports whether the pair selects the given page/usage.
func (p UsagePair) Matches(page UsagePage, usage Usage) bool {
	return p.Page == page && p.Usage == usage
}

// MatchesAny reports whether any pair selects the given page/usage.
// An empty filter matches everything.
func MatchesAny(pairs []UsagePair, page UsagePage, usage Usage) bool {
	if len(pairs) == 0 {
		return true
	}
	for _, p := range pairs {
		if p.Matches(page, usage) {
			return true
		}
	}
	return false
}

// DeviceID is the stable identity the OS assigns to a physical device node.
// All interfaces of a multi-interface device share one DeviceID; it is the
// deduplication key, not the native handle.
type DeviceID uint64

// Info describes one HID interface as reported by a backend. Backends that
// cannot supply a field leave it zero.
type Info struct {
	Path         string
	VendorID     uint16
	ProductID    uint16
	Serial       string
	Manufacturer string
	Product      string
	UsagePage    UsagePage
	Usage        Usage
	Interface    int
}

// Handle is an opaque reference to one OS-level device interface. The OS
// framework owns its lifetime; holders keep it only for the duration of a
// callback, plus the registry's cached handle-to-identity entry.
//
// Implementations must be comparable (use pointer receivers) so a Handle can
// key a map.
type Handle interface {
	// Path identifies the interface node for the handle's lifetime.
	Path() string

	// Info returns the interface metadata captured at enumeration.
	Info() Info

	// Alive reports whether the interface node is still resolvable.
	Alive() bool
}

// EventKind discriminates hotplug events.
type EventKind int

const (
	// Arrival signals a newly matched device interface.
	Arrival EventKind = iota

	// Removal signals a previously matched interface going away.
	Removal
)

func (k EventKind) String() string {
	switch k {
	case Arrival:
		return "arrival"
	case Removal:
		return "removal"
	}
	return "unknown"
}

// Event is one hotplug notification delivered by a Session. Err carries the
// delivery result; consumers drop events with a non-nil Err or nil Handle.
type Event struct {
	Kind   EventKind
	Handle Handle
	Err    error
}

// Session is an open native matching session. Events are delivered on a
// single channel in the order the OS reported them; the channel is closed
// when the session is.
type Session interface {
	Events() <-chan Event

	// Identity resolves a handle's stable identity. It may fail, notably
	// while a removal is being delivered, which is why callers cache the
	// mapping at arrival time.
	Identity(Handle) (DeviceID, bool)

	Close() error
}

// Backend opens matching sessions filtered by usage pairs.
type Backend interface {
	Open(filter []UsagePair) (Session, error)
}
