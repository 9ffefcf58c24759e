package hid

import (
	"fmt"
	"sync/atomic"
)

// Device is the application-facing representation of one physical device,
// created exactly once per DeviceID no matter how many interfaces the device
// exposes. The registry drops its reference on removal; subscribers may keep
// theirs indefinitely, since Validate reports false afterwards and nothing
// dangles.
type Device struct {
	handle  Handle
	id      DeviceID
	info    Info
	removed atomic.Bool
}

// NewDevice wraps a native handle and its resolved stable identity.
func NewDevice(handle Handle, id DeviceID) *Device {
	return &Device{
		handle: handle,
		id:     id,
		info:   handle.Info(),
	}
}

// ID returns the device's stable identity.
func (d *Device) ID() DeviceID {
	return d.id
}

// Info returns the interface metadata captured at arrival.
func (d *Device) Info() Info {
	return d.info
}

// Name returns a display name for diagnostics. Falls back to vendor:product
// ids when the descriptor strings are empty.
func (d *Device) Name() string {
	if d.info.Product != "" {
		return fmt.Sprintf("%s (%04x:%04x)", d.info.Product, d.info.VendorID, d.info.ProductID)
	}
	return fmt.Sprintf("%04x:%04x", d.info.VendorID, d.info.ProductID)
}

// Validate reports whether the device still responds to a liveness query.
// A removed device never validates.
func (d *Device) Validate() bool {
	if d.removed.Load() {
		return false
	}
	return d.handle.Alive()
}

// MarkRemoved flags the device as gone. Irreversible; a reappearing device
// gets a fresh Device even if the OS reuses the same identity value.
func (d *Device) MarkRemoved() {
	d.removed.Store(true)
}

// Removed reports whether MarkRemoved has been called.
func (d *Device) Removed() bool {
	return d.removed.Load()
}

func (d *Device) String() string {
	return fmt.Sprintf("%s id=%d", d.Name(), d.id)
}
