package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seagrayinc/hidwatch/pkg/hid"
	"github.com/seagrayinc/hidwatch/pkg/registry"
)

func TestStartWithRetryEventuallySucceeds(t *testing.T) {
	backend := hid.NewMockBackend()
	backend.FailOpens(2)
	m := newManager(t, backend, nil)

	err := registry.StartWithRetry(context.Background(), m, backoff.NewConstantBackOff(time.Millisecond))
	require.NoError(t, err)
	assert.True(t, m.Running())
	assert.Equal(t, 1, backend.Opens())
}

func TestStartWithRetryRespectsContext(t *testing.T) {
	backend := hid.NewMockBackend()
	backend.FailOpens(1 << 20)
	m := newManager(t, backend, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := registry.StartWithRetry(ctx, m, backoff.NewConstantBackOff(time.Millisecond))
	require.Error(t, err)
	assert.False(t, m.Running())
}

func TestStartWithRetryNoBackendIsPermanent(t *testing.T) {
	m := registry.New(registry.Config{Logger: zerolog.Nop()})
	t.Cleanup(m.Close)

	start := time.Now()
	err := registry.StartWithRetry(context.Background(), m, backoff.NewConstantBackOff(time.Second))
	require.ErrorIs(t, err, registry.ErrNoBackend)
	assert.Less(t, time.Since(start), time.Second, "misconfiguration must not be retried")
}
