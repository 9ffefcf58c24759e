//go:build cgo

package backend

import (
	"fmt"

	ghid "github.com/sstallion/go-hid"

	"github.com/seagrayinc/hidwatch/pkg/hid"
)

// Hidapi returns a backend over the hidapi library. It is the only backend
// reporting per-interface usage pairs, so the usage filter is applied
// exactly during enumeration. Requires cgo.
func Hidapi(opts Options) hid.Backend {
	return &enumBackend{
		opts:      opts,
		init:      initHidapi,
		enumerate: enumerateHidapi,
	}
}

func initHidapi() error {
	if err := ghid.Init(); err != nil {
		return fmt.Errorf("hidapi init: %w", err)
	}
	return nil
}

func enumerateHidapi(filter []hid.UsagePair) ([]hid.Info, error) {
	var out []hid.Info
	err := ghid.Enumerate(0, 0, func(info *ghid.DeviceInfo) error {
		if !hid.MatchesAny(filter, hid.UsagePage(info.UsagePage), hid.Usage(info.Usage)) {
			return nil
		}
		out = append(out, hid.Info{
			Path:         info.Path,
			VendorID:     info.VendorID,
			ProductID:    info.ProductID,
			Serial:       info.SerialNbr,
			Manufacturer: info.MfrStr,
			Product:      info.ProductStr,
			UsagePage:    hid.UsagePage(info.UsagePage),
			Usage:        hid.Usage(info.Usage),
			Interface:    info.InterfaceNbr,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("hidapi enumerate: %w", err)
	}
	return out, nil
}
