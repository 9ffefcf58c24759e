//go:build windows

package backend

import (
	"fmt"

	"github.com/karalabe/usb"

	"github.com/seagrayinc/hidwatch/pkg/hid"
)

func newPlatform(opts Options) hid.Backend {
	return Winusb(opts)
}

// Winusb returns a backend over karalabe/usb, which reaches HID interfaces
// through SetupAPI without cgo.
func Winusb(opts Options) hid.Backend {
	return &enumBackend{
		opts:      opts,
		enumerate: enumerateWinusb,
	}
}

func enumerateWinusb(filter []hid.UsagePair) ([]hid.Info, error) {
	infos, err := usb.Enumerate(0, 0)
	if err != nil {
		return nil, fmt.Errorf("usb enumerate: %w", err)
	}
	out := make([]hid.Info, 0, len(infos))
	for _, di := range infos {
		if !hid.MatchesAny(filter, hid.UsagePage(di.UsagePage), hid.Usage(di.Usage)) {
			continue
		}
		out = append(out, hid.Info{
			Path:         di.Path,
			VendorID:     di.VendorID,
			ProductID:    di.ProductID,
			Serial:       di.Serial,
			Manufacturer: di.Manufacturer,
			Product:      di.Product,
			UsagePage:    hid.UsagePage(di.UsagePage),
			Usage:        hid.Usage(di.Usage),
			Interface:    di.Interface,
		})
	}
	return out, nil
}
