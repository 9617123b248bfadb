package control_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardvault/shardvault/control"
	"github.com/shardvault/shardvault/health"
	"github.com/shardvault/shardvault/modules"
	"github.com/shardvault/shardvault/objectstore"
	"github.com/shardvault/shardvault/persist"
	"github.com/shardvault/shardvault/reconcile"
	"github.com/shardvault/shardvault/store"
)

type quietWriter struct{}

func (quietWriter) Write(p []byte) (int, error) { return len(p), nil }

func newPlane(t *testing.T) (*store.MemStore, *objectstore.MemDialer, *control.Plane) {
	t.Helper()
	s := store.NewMemStore()
	dialer := objectstore.NewMemDialer()
	log, err := persist.NewLogger(quietWriter{})
	require.NoError(t, err)

	m := health.New(s, dialer, log)
	r, err := reconcile.New(s, dialer, log, "file-chunks", filepath.Join(t.TempDir(), "reconcile.wal"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	return s, dialer, control.New(s, m, r, log)
}

func TestMarkOfflineSetsSentinelAndSuppressesRecovery(t *testing.T) {
	ctx := context.Background()
	s, _, p := newPlane(t)
	b := modules.Backend{ID: "b1", Status: modules.BackendOnline, MaxCapacity: modules.DefaultMaxCapacity}
	require.NoError(t, s.CreateBackend(ctx, b))

	require.NoError(t, p.MarkOffline(ctx, b.ID))

	got, err := s.GetBackend(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, modules.BackendOffline, got.Status)
	assert.Equal(t, modules.OfflineSentinelFailures, got.ConsecutiveFailures)
}

func TestMarkOnlineOnlyTransitionsOnProbeSuccess(t *testing.T) {
	ctx := context.Background()
	s, dialer, p := newPlane(t)
	b := modules.Backend{ID: "b1", Status: modules.BackendOffline, ConsecutiveFailures: modules.OfflineSentinelFailures, MaxCapacity: modules.DefaultMaxCapacity}
	require.NoError(t, s.CreateBackend(ctx, b))

	dialer.SetDown(b.ID, errors.New("dial tcp: connection refused"))
	require.Error(t, p.MarkOnline(ctx, b.ID))
	got, err := s.GetBackend(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, modules.BackendOffline, got.Status)

	dialer.SetDown(b.ID, nil)
	require.NoError(t, p.MarkOnline(ctx, b.ID))
	got, err = s.GetBackend(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, modules.BackendOnline, got.Status)
}

func TestTriggerReconciliationHandleReachesSucceeded(t *testing.T) {
	ctx := context.Background()
	s, _, p := newPlane(t)
	require.NoError(t, s.CreateBackend(ctx, modules.Backend{ID: "b1", Status: modules.BackendOnline, MaxCapacity: modules.DefaultMaxCapacity}))

	handle := p.TriggerReconciliation(true)
	require.NotEmpty(t, handle)

	require.Eventually(t, func() bool {
		task, ok := p.TaskStatus(handle)
		return ok && task.State != control.TaskRunning
	}, 3*time.Second, 10*time.Millisecond)

	task, ok := p.TaskStatus(handle)
	require.True(t, ok)
	assert.Equal(t, control.TaskSucceeded, task.State)
	assert.Equal(t, control.TaskReconciliation, task.Kind)
}

func TestTaskStatusUnknownHandle(t *testing.T) {
	_, _, p := newPlane(t)
	_, ok := p.TaskStatus("does-not-exist")
	assert.False(t, ok)
}

func TestTriggerHealthAndMetricsSweepsSucceed(t *testing.T) {
	ctx := context.Background()
	s, _, p := newPlane(t)
	require.NoError(t, s.CreateBackend(ctx, modules.Backend{ID: "b1", Status: modules.BackendOnline, MaxCapacity: modules.DefaultMaxCapacity}))

	healthHandle := p.TriggerHealthSweep()
	metricsHandle := p.TriggerMetricsSweep()

	require.Eventually(t, func() bool {
		h, ok1 := p.TaskStatus(healthHandle)
		m, ok2 := p.TaskStatus(metricsHandle)
		return ok1 && ok2 && h.State != control.TaskRunning && m.State != control.TaskRunning
	}, 3*time.Second, 10*time.Millisecond)

	h, _ := p.TaskStatus(healthHandle)
	m, _ := p.TaskStatus(metricsHandle)
	assert.Equal(t, control.TaskSucceeded, h.State)
	assert.Equal(t, control.TaskSucceeded, m.State)
}
