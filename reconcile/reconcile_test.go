package reconcile_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardvault/shardvault/modules"
	"github.com/shardvault/shardvault/objectstore"
	"github.com/shardvault/shardvault/persist"
	"github.com/shardvault/shardvault/reconcile"
	"github.com/shardvault/shardvault/store"
	"github.com/shardvault/shardvault/upload"
)

type quietWriter struct{}

func (quietWriter) Write(p []byte) (int, error) { return len(p), nil }

func newReconciler(t *testing.T, s store.Store, dialer objectstore.Dialer) *reconcile.Reconciler {
	t.Helper()
	log, err := persist.NewLogger(quietWriter{})
	require.NoError(t, err)
	r, err := reconcile.New(s, dialer, log, "file-chunks", filepath.Join(t.TempDir(), "reconcile.wal"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestTopUpReplicasRestoresMinReplicas(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	dialer := objectstore.NewMemDialer()

	var ids []string
	for i := 0; i < 4; i++ {
		b := modules.Backend{ID: persist.UID(), Status: modules.BackendOnline, MaxCapacity: modules.DefaultMaxCapacity}
		require.NoError(t, s.CreateBackend(ctx, b))
		ids = append(ids, b.ID)
	}

	log, err := persist.NewLogger(quietWriter{})
	require.NoError(t, err)
	up := upload.New(s, dialer, nil, log, "file-chunks", 64)
	file, err := up.Upload(ctx, "alice", "a.txt", []byte("hello reconciliation world"))
	require.NoError(t, err)

	chunks, err := s.ChunksForFile(ctx, file.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	chunk := chunks[0]

	// Drop all but one association, simulating a chunk that has fallen
	// below its required replica count.
	backends, err := s.BackendsForChunk(ctx, chunk.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(backends), 1)
	for _, b := range backends[1:] {
		require.NoError(t, s.RemoveChunkBackend(ctx, chunk.ID, b.ID))
	}

	r := newReconciler(t, s, dialer)
	added, err := r.TopUpReplicas(ctx, false)
	require.NoError(t, err)
	assert.Greater(t, added, 0)

	backends, err = s.BackendsForChunk(ctx, chunk.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(backends), modules.MinReplicas)
}

func TestTopUpReplicasDryRunDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	dialer := objectstore.NewMemDialer()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateBackend(ctx, modules.Backend{ID: persist.UID(), Status: modules.BackendOnline, MaxCapacity: modules.DefaultMaxCapacity}))
	}

	log, err := persist.NewLogger(quietWriter{})
	require.NoError(t, err)
	up := upload.New(s, dialer, nil, log, "file-chunks", 64)
	file, err := up.Upload(ctx, "alice", "a.txt", []byte("dry run payload"))
	require.NoError(t, err)

	chunks, err := s.ChunksForFile(ctx, file.ID)
	require.NoError(t, err)
	chunk := chunks[0]
	backends, err := s.BackendsForChunk(ctx, chunk.ID)
	require.NoError(t, err)
	for _, b := range backends[1:] {
		require.NoError(t, s.RemoveChunkBackend(ctx, chunk.ID, b.ID))
	}
	before, err := s.BackendsForChunk(ctx, chunk.ID)
	require.NoError(t, err)

	r := newReconciler(t, s, dialer)
	_, err = r.TopUpReplicas(ctx, true)
	require.NoError(t, err)

	after, err := s.BackendsForChunk(ctx, chunk.ID)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestBalanceLoadMovesFromOverloadedBackend(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	dialer := objectstore.NewMemDialer()

	hot := modules.Backend{ID: persist.UID(), Status: modules.BackendOnline, MaxCapacity: modules.DefaultMaxCapacity}
	cold1 := modules.Backend{ID: persist.UID(), Status: modules.BackendOnline, MaxCapacity: modules.DefaultMaxCapacity}
	cold2 := modules.Backend{ID: persist.UID(), Status: modules.BackendOnline, MaxCapacity: modules.DefaultMaxCapacity}
	require.NoError(t, s.CreateBackend(ctx, hot))
	require.NoError(t, s.CreateBackend(ctx, cold1))
	require.NoError(t, s.CreateBackend(ctx, cold2))

	log, err := persist.NewLogger(quietWriter{})
	require.NoError(t, err)
	up := upload.New(s, dialer, nil, log, "file-chunks", 8)

	// After a normal upload, add hot to every chunk that placement did
	// not put there, so hot holds every chunk while each chunk keeps
	// the replicas placement chose for it.
	file, err := up.Upload(ctx, "alice", "big.txt", []byte("01234567012345670123456701234567"))
	require.NoError(t, err)
	chunks, err := s.ChunksForFile(ctx, file.ID)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	for _, c := range chunks {
		backends, err := s.BackendsForChunk(ctx, c.ID)
		require.NoError(t, err)
		hasHot := false
		for _, b := range backends {
			if b.ID == hot.ID {
				hasHot = true
			}
		}
		if !hasHot {
			require.NoError(t, s.AddChunkBackend(ctx, c.ID, hot.ID))
		}
	}

	before, err := s.ChunksOnBackend(ctx, hot.ID)
	require.NoError(t, err)

	r := newReconciler(t, s, dialer)
	moved, err := r.BalanceLoad(ctx, false)
	require.NoError(t, err)
	require.Greater(t, moved, 0, "hot backend holds every chunk alongside another replica, so balancing must move at least one")

	after, err := s.ChunksOnBackend(ctx, hot.ID)
	require.NoError(t, err)
	assert.Less(t, len(after), len(before), "balancing must shift load off the overloaded backend")
}

func TestEvacuateLongOfflineTopsUpChunksOnStaleBackend(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	dialer := objectstore.NewMemDialer()

	b1 := modules.Backend{ID: persist.UID(), Status: modules.BackendOnline, MaxCapacity: modules.DefaultMaxCapacity}
	b2 := modules.Backend{ID: persist.UID(), Status: modules.BackendOnline, MaxCapacity: modules.DefaultMaxCapacity}
	b3 := modules.Backend{ID: persist.UID(), Status: modules.BackendOnline, MaxCapacity: modules.DefaultMaxCapacity}
	require.NoError(t, s.CreateBackend(ctx, b1))
	require.NoError(t, s.CreateBackend(ctx, b2))
	require.NoError(t, s.CreateBackend(ctx, b3))

	log, err := persist.NewLogger(quietWriter{})
	require.NoError(t, err)
	up := upload.New(s, dialer, nil, log, "file-chunks", 64)
	file, err := up.Upload(ctx, "alice", "a.txt", []byte("evacuation candidate bytes"))
	require.NoError(t, err)

	chunks, err := s.ChunksForFile(ctx, file.ID)
	require.NoError(t, err)
	chunk := chunks[0]
	backends, err := s.BackendsForChunk(ctx, chunk.ID)
	require.NoError(t, err)
	// One replica goes stale; the other stays online as the copy source.
	require.Len(t, backends, modules.MinReplicas)
	staleID := backends[0].ID
	require.NoError(t, s.UpdateBackendHealth(ctx, staleID, modules.BackendOffline, 0, 999, time.Now()))
	require.NoError(t, s.SetBackendFailed(ctx, staleID, time.Now().Add(-25*time.Hour), 999))

	r := newReconciler(t, s, dialer)
	evacuated, err := r.EvacuateLongOffline(ctx, false)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, evacuated, 0)

	after, err := s.BackendsForChunk(ctx, chunk.ID)
	require.NoError(t, err)
	onlineCount := 0
	for _, b := range after {
		if b.Status == modules.BackendOnline {
			onlineCount++
		}
	}
	assert.GreaterOrEqual(t, onlineCount, 2)
}

func TestReconcilerIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	dialer := objectstore.NewMemDialer()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateBackend(ctx, modules.Backend{ID: persist.UID(), Status: modules.BackendOnline, MaxCapacity: modules.DefaultMaxCapacity}))
	}
	log, err := persist.NewLogger(quietWriter{})
	require.NoError(t, err)
	up := upload.New(s, dialer, nil, log, "file-chunks", 64)
	_, err = up.Upload(ctx, "alice", "a.txt", []byte("idempotence payload"))
	require.NoError(t, err)

	r := newReconciler(t, s, dialer)
	first, err := r.RunOnce(ctx, false)
	require.NoError(t, err)
	second, err := r.RunOnce(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 0, second.ReplicasAdded, "a second run with no intervening writes should be a no-op: first pass added %d", first.ReplicasAdded)
}

func TestTriggerChunkRepairIsNonBlocking(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	dialer := objectstore.NewMemDialer()
	for i := 0; i < 2; i++ {
		require.NoError(t, s.CreateBackend(ctx, modules.Backend{ID: persist.UID(), Status: modules.BackendOnline, MaxCapacity: modules.DefaultMaxCapacity}))
	}
	log, err := persist.NewLogger(quietWriter{})
	require.NoError(t, err)
	up := upload.New(s, dialer, nil, log, "file-chunks", 64)
	file, err := up.Upload(ctx, "alice", "a.txt", []byte("repair me"))
	require.NoError(t, err)

	r := newReconciler(t, s, dialer)
	r.TriggerChunkRepair(file.ID, 0)
}
