package registry

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
)

// StartWithRetry calls Start with exponential backoff until it succeeds, the
// context is canceled, or the policy gives up. Session-creation failures are
// transient by design (the OS subsystem may simply not be ready yet); a
// closed manager is not retried.
func StartWithRetry(ctx context.Context, m *Manager, bo backoff.BackOff) error {
	if bo == nil {
		bo = backoff.NewExponentialBackOff()
	}

	operation := func() error {
		err := m.Start()
		if errors.Is(err, ErrClosed) || errors.Is(err, ErrNoBackend) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}
