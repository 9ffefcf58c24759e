//go:build !windows

package backend

import (
	"fmt"

	usbhid "rafaelmartins.com/p/usbhid"

	"github.com/seagrayinc/hidwatch/pkg/hid"
)

func newPlatform(opts Options) hid.Backend {
	return Usbhid(opts)
}

// Usbhid returns a backend over rafaelmartins.com/p/usbhid. The library does
// not report usage pages, so it enumerates every HID interface and leaves
// class rejection to the registry's pre-filter hook. It reports no serial
// numbers either, making the stable identity best-effort: two attached
// devices of the same model share one vendor:product identity and collapse
// into a single logical device. Use the hidapi backend when that matters.
func Usbhid(opts Options) hid.Backend {
	return &enumBackend{
		opts:      opts,
		enumerate: enumerateUsbhid,
	}
}

func enumerateUsbhid(_ []hid.UsagePair) ([]hid.Info, error) {
	devs, err := usbhid.Enumerate(nil)
	if err != nil {
		return nil, fmt.Errorf("usbhid enumerate: %w", err)
	}
	out := make([]hid.Info, 0, len(devs))
	for _, d := range devs {
		out = append(out, hid.Info{
			Path:         d.Path(),
			VendorID:     d.VendorId(),
			ProductID:    d.ProductId(),
			Manufacturer: d.Manufacturer(),
			Product:      d.Product(),
		})
	}
	return out, nil
}
