// Command hidwatch watches HID hotplug events and logs the live device set.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/seagrayinc/hidwatch/pkg/backend"
	"github.com/seagrayinc/hidwatch/pkg/hid"
	"github.com/seagrayinc/hidwatch/pkg/registry"
)

func main() {
	var (
		reconcile = flag.Duration("reconcile", registry.DefaultReconcileInterval, "device liveness reconciliation interval")
		pollEvery = flag.Duration("poll", 500*time.Millisecond, "device enumeration poll interval")
		all       = flag.Bool("all", false, "watch every HID device class, not just keyboards and mice")
		jsonLog   = flag.Bool("json", false, "log JSON instead of console output")
	)
	flag.Parse()

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if *jsonLog {
		out = os.Stderr
	}
	log := zerolog.New(out).With().Timestamp().Str("service", "hidwatch").Logger()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM, syscall.SIGINT,
	)
	defer stop()

	filter := []hid.UsagePair{
		{Page: hid.UsagePageGenericDesktop, Usage: hid.UsageKeyboard},
		{Page: hid.UsagePageGenericDesktop, Usage: hid.UsageMouse},
		{Page: hid.UsagePageGenericDesktop, Usage: hid.UsagePointer},
	}
	if *all {
		filter = nil
	}

	mgr := registry.New(registry.Config{
		Filter: filter,
		Backend: backend.New(backend.Options{
			PollInterval: *pollEvery,
			Logger:       log,
		}),
		Logger:            log,
		ReconcileInterval: *reconcile,
	})
	defer mgr.Close()

	var attached atomic.Int64
	mgr.OnDetected(func(dev *hid.Device) {
		log.Info().
			Str("device", dev.Name()).
			Str("path", dev.Info().Path).
			Int64("attached", attached.Add(1)).
			Msg("attached")
	})
	mgr.OnRemoved(func(dev *hid.Device) {
		log.Info().
			Str("device", dev.Name()).
			Int64("attached", attached.Add(-1)).
			Msg("detached")
	})

	if err := registry.StartWithRetry(ctx, mgr, nil); err != nil {
		log.Fatal().Err(err).Msg("could not start device registry")
	}

	<-ctx.Done()
	mgr.Stop()
	log.Info().Msg("shutting down")
}
