package health_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardvault/shardvault/health"
	"github.com/shardvault/shardvault/modules"
	"github.com/shardvault/shardvault/objectstore"
	"github.com/shardvault/shardvault/persist"
	"github.com/shardvault/shardvault/store"
)

type quietWriter struct{}

func (quietWriter) Write(p []byte) (int, error) { return len(p), nil }

func newMonitor(t *testing.T) (*store.MemStore, *objectstore.MemDialer, *health.Monitor) {
	t.Helper()
	s := store.NewMemStore()
	dialer := objectstore.NewMemDialer()
	log, err := persist.NewLogger(quietWriter{})
	require.NoError(t, err)
	return s, dialer, health.New(s, dialer, log)
}

func TestMonitorMarksBackendOfflineOnConnectivityFailure(t *testing.T) {
	ctx := context.Background()
	s, dialer, m := newMonitor(t)
	b := modules.Backend{ID: "b1", Status: modules.BackendOnline, MaxCapacity: modules.DefaultMaxCapacity}
	require.NoError(t, s.CreateBackend(ctx, b))

	dialer.SetDown(b.ID, errors.New("dial tcp: connection refused"))

	require.NoError(t, m.Start())
	defer m.Close()

	require.Eventually(t, func() bool {
		got, err := s.GetBackend(ctx, b.ID)
		return err == nil && got.Status == modules.BackendOffline
	}, 3*time.Second, 20*time.Millisecond)
}

func TestMonitorIgnoresNonConnectivityFailure(t *testing.T) {
	ctx := context.Background()
	s, dialer, m := newMonitor(t)
	b := modules.Backend{ID: "b1", Status: modules.BackendOnline, MaxCapacity: modules.DefaultMaxCapacity}
	require.NoError(t, s.CreateBackend(ctx, b))

	dialer.SetDown(b.ID, errors.New("access denied: invalid signature"))

	require.NoError(t, m.Start())
	defer m.Close()

	// Give the probe loop a couple of cycles to run, then assert the
	// Backend was never flipped offline: access-denied is not a
	// connectivity-class failure.
	time.Sleep(150 * time.Millisecond)
	got, err := s.GetBackend(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, modules.BackendOnline, got.Status)
}

func TestMonitorRecoversOnlineOnCleanProbe(t *testing.T) {
	ctx := context.Background()
	s, dialer, m := newMonitor(t)
	b := modules.Backend{ID: "b1", Status: modules.BackendOffline, ConsecutiveFailures: 1, FailedAt: time.Now(), MaxCapacity: modules.DefaultMaxCapacity}
	require.NoError(t, s.CreateBackend(ctx, b))

	require.NoError(t, m.Start())
	defer m.Close()

	require.Eventually(t, func() bool {
		got, err := s.GetBackend(ctx, b.ID)
		return err == nil && got.Status == modules.BackendOnline
	}, 3*time.Second, 20*time.Millisecond)
}

func TestMonitorLeavesManuallyPinnedOfflineBackendAlone(t *testing.T) {
	ctx := context.Background()
	s, _, m := newMonitor(t)
	b := modules.Backend{
		ID:                  "b1",
		Status:              modules.BackendOffline,
		ConsecutiveFailures: modules.OfflineSentinelFailures,
		FailedAt:            time.Now().Add(-time.Hour),
		MaxCapacity:         modules.DefaultMaxCapacity,
	}
	require.NoError(t, s.CreateBackend(ctx, b))

	require.NoError(t, m.Start())
	defer m.Close()

	time.Sleep(150 * time.Millisecond)
	got, err := s.GetBackend(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, modules.BackendOffline, got.Status)
	assert.Equal(t, modules.OfflineSentinelFailures, got.ConsecutiveFailures)
}

func TestMonitorCloseStopsProbing(t *testing.T) {
	_, _, m := newMonitor(t)
	require.NoError(t, m.Start())
	require.NoError(t, m.Close())
}

func TestProbeOnceTransitionsOnlyOnSuccess(t *testing.T) {
	ctx := context.Background()
	s, dialer, m := newMonitor(t)
	b := modules.Backend{ID: "b1", Status: modules.BackendOffline, ConsecutiveFailures: 3, MaxCapacity: modules.DefaultMaxCapacity}
	require.NoError(t, s.CreateBackend(ctx, b))

	dialer.SetDown(b.ID, errors.New("dial tcp: connection refused"))
	require.Error(t, m.ProbeOnce(ctx, b.ID))
	got, err := s.GetBackend(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, modules.BackendOffline, got.Status, "a failed probe must not transition the backend")

	dialer.SetDown(b.ID, nil)
	require.NoError(t, m.ProbeOnce(ctx, b.ID))
	got, err = s.GetBackend(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, modules.BackendOnline, got.Status)
}
