// Package backend provides the OS hotplug backends. Every backend is a thin
// enumerator over one HID library, run through the shared polling engine;
// New returns the default backend for the current platform.
package backend

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/seagrayinc/hidwatch/internal/poll"
	"github.com/seagrayinc/hidwatch/pkg/hid"
)

// Options configure a backend's polling sessions.
type Options struct {
	// PollInterval is how often the device set is re-enumerated.
	// Defaults to poll.DefaultInterval.
	PollInterval time.Duration

	Clock  clock.Clock
	Logger zerolog.Logger
}

func (o Options) pollOptions() poll.Options {
	return poll.Options{
		Interval: o.PollInterval,
		Clock:    o.Clock,
		Logger:   o.Logger,
	}
}

// New returns the default backend for the current platform.
func New(opts Options) hid.Backend {
	return newPlatform(opts)
}

// enumBackend adapts an enumerator function into a Backend.
type enumBackend struct {
	opts      Options
	init      func() error
	enumerate poll.EnumerateFunc
}

func (b *enumBackend) Open(filter []hid.UsagePair) (hid.Session, error) {
	if b.init != nil {
		if err := b.init(); err != nil {
			return nil, err
		}
	}
	return poll.NewSession(b.enumerate, filter, b.opts.pollOptions()), nil
}
