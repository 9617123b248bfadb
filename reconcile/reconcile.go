// Package reconcile implements the background optimizer described in
// it restores the replica-count invariant, balances load
// across online Backends, and evacuates chunks off Backends that have
// been offline too long. Every planned move is journaled to a
// writeaheadlog.WAL entry before it executes, so a crash mid-move
// leaves a record that gets replayed (and, by construction, safely
// re-applied — every move here is idempotent) the next time a
// Reconciler opens the same WAL file.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/uplo-tech/encoding"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/threadgroup"
	"github.com/uplo-tech/writeaheadlog"

	"github.com/shardvault/shardvault/chunker"
	"github.com/shardvault/shardvault/modules"
	"github.com/shardvault/shardvault/objectstore"
	"github.com/shardvault/shardvault/persist"
	"github.com/shardvault/shardvault/placement"
	"github.com/shardvault/shardvault/store"
)

// SweepInterval is how often the background loop runs a full
// top-up/balance/evacuate pass.
const SweepInterval = time.Minute

const updateNameChunkMove = "chunkMove"

// chunkMoveMode distinguishes a replication top-up (pure copy, no
// source removal) from a load-balance relocation (copy, then drop the
// source association once at least one other association survives).
type chunkMoveMode string

const (
	modeCopy chunkMoveMode = "copy"
	modeMove chunkMoveMode = "move"
)

type chunkMoveInstructions struct {
	ChunkID string
	FromID  string
	ToID    string
	Mode    string
}

// Report tallies what a reconciliation pass did, for callers (the
// control plane, tests) that want a summary rather than raw error
// plumbing.
type Report struct {
	ReplicasAdded     int
	ChunksRebalanced  int
	BackendsEvacuated int
}

// Reconciler drives three background subroutines. The zero
// value is not usable; build one with New.
type Reconciler struct {
	tg     threadgroup.ThreadGroup
	store  store.Store
	dialer objectstore.Dialer
	log    *persist.Logger
	bucket string
	wal    *writeaheadlog.WAL
}

// New opens (or creates) the writeaheadlog at walPath and replays any
// transaction left unfinished by a prior crash before returning.
func New(s store.Store, dialer objectstore.Dialer, log *persist.Logger, bucket, walPath string) (*Reconciler, error) {
	txns, wal, err := writeaheadlog.New(walPath)
	if err != nil {
		return nil, errors.AddContext(err, "failed to open reconciler writeaheadlog")
	}
	r := &Reconciler{store: s, dialer: dialer, log: log, bucket: bucket, wal: wal}

	ctx := context.Background()
	for _, txn := range txns {
		for _, update := range txn.Updates {
			if update.Name != updateNameChunkMove {
				continue
			}
			if err := r.applyChunkMoveUpdate(ctx, update); err != nil {
				log.Printf("reconcile: replay of pending move failed: %v\n", err)
			}
		}
		if err := txn.SignalUpdatesApplied(); err != nil {
			log.Printf("reconcile: failed to signal replayed transaction applied: %v\n", err)
		}
	}
	return r, nil
}

// Close stops the background loop, if running, and closes the WAL.
func (r *Reconciler) Close() error {
	return errors.Compose(r.tg.Stop(), r.wal.Close())
}

// Start launches the periodic top-up/balance/evacuate loop.
func (r *Reconciler) Start() error {
	if err := r.tg.Add(); err != nil {
		return err
	}
	go r.threadedSweepLoop()
	return nil
}

func (r *Reconciler) threadedSweepLoop() {
	defer r.tg.Done()
	for {
		select {
		case <-r.tg.StopChan():
			return
		case <-time.After(SweepInterval):
		}
		ctx, cancel := context.WithTimeout(context.Background(), SweepInterval)
		if _, err := r.RunOnce(ctx, false); err != nil {
			r.log.Printf("reconcile: sweep pass failed: %v\n", err)
		}
		cancel()
	}
}

// TriggerChunkRepair satisfies download.Reconciler: it schedules a
// best-effort, asynchronous top-up attempt for a single chunk that a
// download found irrecoverable through every other source. It does not
// block the caller and swallows its own errors beyond logging them.
func (r *Reconciler) TriggerChunkRepair(fileID string, chunkNumber int) {
	if err := r.tg.Add(); err != nil {
		return
	}
	go func() {
		defer r.tg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		chunks, err := r.store.ChunksForFile(ctx, fileID)
		if err != nil {
			r.log.Printf("reconcile: repair lookup failed for %s/%d: %v\n", fileID, chunkNumber, err)
			return
		}
		for _, c := range chunks {
			if c.ChunkNumber != chunkNumber {
				continue
			}
			if err := r.topUpOne(ctx, c, false); err != nil {
				r.log.Printf("reconcile: repair failed for %s/%d: %v\n", fileID, chunkNumber, err)
			}
			return
		}
	}()
}

// RunOnce runs all three subroutines, in the same order they run
// them, and returns a tally. With dryRun set, nothing is mutated;
// counts reflect what would have happened.
func (r *Reconciler) RunOnce(ctx context.Context, dryRun bool) (Report, error) {
	var report Report

	added, err := r.TopUpReplicas(ctx, dryRun)
	if err != nil {
		return report, errors.AddContext(err, "replica top-up failed")
	}
	report.ReplicasAdded = added

	rebalanced, err := r.BalanceLoad(ctx, dryRun)
	if err != nil {
		return report, errors.AddContext(err, "load balance failed")
	}
	report.ChunksRebalanced = rebalanced

	evacuated, err := r.EvacuateLongOffline(ctx, dryRun)
	if err != nil {
		return report, errors.AddContext(err, "long-offline evacuation failed")
	}
	report.BackendsEvacuated = evacuated

	return report, nil
}

// TopUpReplicas tops up every Chunk below
// MinReplicas with at least one online association gets copied to
// additional online Backends, chosen by ascending load, until it
// reaches MinReplicas or no further candidate exists.
func (r *Reconciler) TopUpReplicas(ctx context.Context, dryRun bool) (int, error) {
	under, err := r.store.UnderReplicatedChunks(ctx, modules.MinReplicas)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, c := range under {
		n, err := r.topUp(ctx, c, dryRun)
		if err != nil {
			r.log.Printf("reconcile: top-up failed for chunk %s: %v\n", c.ID, err)
			continue
		}
		added += n
	}
	return added, nil
}

func (r *Reconciler) topUp(ctx context.Context, c modules.Chunk, dryRun bool) (int, error) {
	backends, err := r.store.BackendsForChunk(ctx, c.ID)
	if err != nil {
		return 0, err
	}
	online := onlineOnly(backends)
	if len(online) == 0 {
		return 0, nil
	}
	needed := modules.MinReplicas - len(online)
	if needed <= 0 {
		return 0, nil
	}

	all, err := r.store.ListBackends(ctx)
	if err != nil {
		return 0, err
	}
	targets := placement.Exclude(all, backends)
	targets = placement.SelectTargets(targets, needed)
	if len(targets) == 0 {
		return 0, nil
	}

	added := 0
	for _, target := range targets {
		if dryRun {
			added++
			continue
		}
		if err := r.planAndApplyMove(ctx, c, online[0].ID, target.ID, modeCopy); err != nil {
			r.log.Printf("reconcile: top-up copy failed for chunk %s to backend %s: %v\n", c.ID, target.ID, err)
			continue
		}
		added++
	}
	return added, nil
}

// topUpOne is the single-chunk path TriggerChunkRepair uses; it is the
// same logic as topUp given a chunk already known to be under-replicated
// (or just irrecoverable from the download path's perspective).
func (r *Reconciler) topUpOne(ctx context.Context, c modules.Chunk, dryRun bool) error {
	_, err := r.topUp(ctx, c, dryRun)
	return err
}

// BalanceLoad rebalances load across Backends. Overloaded Backends (load >
// 1.2·avg) give up Chunks with more than one association, smallest
// first, to underloaded Backends (load < 0.8·avg) until no longer
// overloaded.
func (r *Reconciler) BalanceLoad(ctx context.Context, dryRun bool) (int, error) {
	backends, err := r.store.ListBackends(ctx)
	if err != nil {
		return 0, err
	}
	online := onlineOnly(backends)
	if len(online) == 0 {
		return 0, nil
	}
	var totalLoad int64
	for _, b := range online {
		totalLoad += b.Load
	}
	avg := float64(totalLoad) / float64(len(online))

	moved := 0
	for _, source := range online {
		if float64(source.Load) <= avg*modules.OverloadFactor {
			continue
		}
		n, err := r.relieveOverloaded(ctx, source, online, avg, dryRun)
		if err != nil {
			r.log.Printf("reconcile: load balance failed for backend %s: %v\n", source.ID, err)
			continue
		}
		moved += n
	}
	return moved, nil
}

func (r *Reconciler) relieveOverloaded(ctx context.Context, source modules.Backend, online []modules.Backend, avg float64, dryRun bool) (int, error) {
	chunks, err := r.store.ChunksOnBackend(ctx, source.ID)
	if err != nil {
		return 0, err
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Size < chunks[j].Size })

	moved := 0
	load := source.Load
	for _, c := range chunks {
		if float64(load) <= avg*modules.OverloadFactor {
			break
		}
		backends, err := r.store.BackendsForChunk(ctx, c.ID)
		if err != nil {
			continue
		}
		if len(onlineOnly(backends)) <= 1 {
			continue // not safe to relocate: this is the only online copy
		}
		target := pickUnderloaded(online, backends, avg)
		if target == nil {
			continue
		}
		if dryRun {
			moved++
			load--
			continue
		}
		if err := r.planAndApplyMove(ctx, c, source.ID, target.ID, modeMove); err != nil {
			r.log.Printf("reconcile: rebalance move failed for chunk %s: %v\n", c.ID, err)
			continue
		}
		moved++
		load--
	}
	return moved, nil
}

func pickUnderloaded(online, exclude []modules.Backend, avg float64) *modules.Backend {
	skip := make(map[string]bool, len(exclude))
	for _, b := range exclude {
		skip[b.ID] = true
	}
	var best *modules.Backend
	for i, b := range online {
		if skip[b.ID] {
			continue
		}
		if float64(b.Load) >= avg*modules.UnderloadFactor {
			continue
		}
		if best == nil || b.Load < best.Load {
			best = &online[i]
		}
	}
	return best
}

// EvacuateLongOffline migrates every Chunk held by a
// Backend offline for at least LongOfflineThreshold must still have at
// least 2 online replicas; if it does not, a top-up is invoked.
func (r *Reconciler) EvacuateLongOffline(ctx context.Context, dryRun bool) (int, error) {
	backends, err := r.store.ListBackends(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	evacuated := 0
	for _, b := range backends {
		if b.Status != modules.BackendOffline {
			continue
		}
		if b.FailedAt.IsZero() || now.Sub(b.FailedAt) < modules.LongOfflineThreshold {
			continue
		}
		did, err := r.evacuateBackend(ctx, b, dryRun)
		if err != nil {
			r.log.Printf("reconcile: evacuation failed for backend %s: %v\n", b.ID, err)
			continue
		}
		if did {
			evacuated++
		}
	}
	return evacuated, nil
}

func (r *Reconciler) evacuateBackend(ctx context.Context, b modules.Backend, dryRun bool) (bool, error) {
	chunks, err := r.store.ChunksOnBackend(ctx, b.ID)
	if err != nil {
		return false, err
	}
	touched := false
	for _, c := range chunks {
		backends, err := r.store.BackendsForChunk(ctx, c.ID)
		if err != nil {
			continue
		}
		if len(onlineOnly(backends)) >= 2 {
			continue
		}
		if _, err := r.topUp(ctx, c, dryRun); err != nil {
			r.log.Printf("reconcile: evacuation top-up failed for chunk %s: %v\n", c.ID, err)
			continue
		}
		touched = true
	}
	return touched, nil
}

// planAndApplyMove journals the move, then applies it: copy the bytes
// from an online Backend holding fromID to toID, verify the checksum,
// record the new association, and — for modeMove — drop the source
// association (and its object) only if the chunk still has another
// association once the source is removed.
func (r *Reconciler) planAndApplyMove(ctx context.Context, c modules.Chunk, fromID, toID string, mode chunkMoveMode) error {
	update, err := newChunkMoveUpdate(c.ID, fromID, toID, mode)
	if err != nil {
		return err
	}
	txn, err := r.wal.NewTransaction([]writeaheadlog.Update{update})
	if err != nil {
		return errors.AddContext(err, "failed to create wal txn")
	}
	if err := <-txn.SignalSetupComplete(); err != nil {
		return errors.AddContext(err, "failed to signal setup completion")
	}

	applyErr := r.applyChunkMoveUpdate(ctx, update)
	if applyErr != nil {
		return applyErr
	}
	if err := txn.SignalUpdatesApplied(); err != nil {
		return errors.AddContext(err, "failed to signal updates applied")
	}
	return nil
}

func newChunkMoveUpdate(chunkID, fromID, toID string, mode chunkMoveMode) (writeaheadlog.Update, error) {
	instr := chunkMoveInstructions{ChunkID: chunkID, FromID: fromID, ToID: toID, Mode: string(mode)}
	return writeaheadlog.Update{
		Name:         updateNameChunkMove,
		Instructions: encoding.Marshal(instr),
	}, nil
}

// applyChunkMoveUpdate performs (or re-performs, on WAL replay) the
// actual copy/delete pair described by update. It re-derives its
// decisions from the store's current state rather than from anything
// baked into the instructions, so replaying it twice is always safe.
func (r *Reconciler) applyChunkMoveUpdate(ctx context.Context, update writeaheadlog.Update) error {
	var instr chunkMoveInstructions
	if err := encoding.Unmarshal(update.Instructions, &instr); err != nil {
		return errors.AddContext(err, "failed to decode chunk move update")
	}

	c, err := r.store.GetChunk(ctx, instr.ChunkID)
	if err != nil {
		return err
	}
	backends, err := r.store.BackendsForChunk(ctx, c.ID)
	if err != nil {
		return err
	}
	alreadyOnTarget := false
	var source *modules.Backend
	for i, b := range backends {
		if b.ID == instr.ToID {
			alreadyOnTarget = true
		}
		if b.ID == instr.FromID {
			source = &backends[i]
		}
	}

	if !alreadyOnTarget {
		if source == nil {
			return fmt.Errorf("chunk move: source backend %s no longer holds chunk %s", instr.FromID, c.ID)
		}
		data, err := r.fetchAndVerify(ctx, *source, c)
		if err != nil {
			return errors.AddContext(err, "chunk move: fetch from source failed")
		}
		target, err := r.store.GetBackend(ctx, instr.ToID)
		if err != nil {
			return err
		}
		if err := r.putToBackend(ctx, target, c, data); err != nil {
			return errors.AddContext(err, "chunk move: put to target failed")
		}
		if err := r.store.AddChunkBackend(ctx, c.ID, instr.ToID); err != nil {
			return err
		}
	}

	if chunkMoveMode(instr.Mode) != modeMove {
		return nil
	}

	// Re-check the association count now, after the target has been
	// added: only drop the source if at least one other association
	// survives.
	backends, err = r.store.BackendsForChunk(ctx, c.ID)
	if err != nil {
		return err
	}
	if len(backends) < 2 {
		return nil
	}
	return r.dropSourceAssociation(ctx, c, instr.FromID)
}

func (r *Reconciler) dropSourceAssociation(ctx context.Context, c modules.Chunk, backendID string) error {
	source, err := r.store.GetBackend(ctx, backendID)
	if err != nil {
		if errors.Contains(err, modules.ErrBackendNotFound) {
			return nil
		}
		return err
	}
	client := r.dialer.Client(source)
	key := c.Key()
	for _, bucket := range objectstore.FallbackBucketNames(r.bucket) {
		_ = client.DeleteObject(ctx, bucket, key)
	}
	return r.store.RemoveChunkBackend(ctx, c.ID, backendID)
}

func (r *Reconciler) fetchAndVerify(ctx context.Context, b modules.Backend, c modules.Chunk) ([]byte, error) {
	client := r.dialer.Client(b)
	key := c.Key()
	for _, bucket := range objectstore.FallbackBucketNames(r.bucket) {
		data, err := client.GetObject(ctx, bucket, key)
		if err != nil {
			continue
		}
		if chunker.ChecksumHex(data) != c.Checksum {
			continue
		}
		return data, nil
	}
	return nil, modules.ErrObjectNotFound
}

func (r *Reconciler) putToBackend(ctx context.Context, b modules.Backend, c modules.Chunk, data []byte) error {
	client := r.dialer.Client(b)
	if err := objectstore.EnsureBucket(ctx, client, r.bucket); err != nil {
		return err
	}
	return client.PutObject(ctx, r.bucket, c.Key(), data)
}

func onlineOnly(backends []modules.Backend) []modules.Backend {
	out := make([]modules.Backend, 0, len(backends))
	for _, b := range backends {
		if b.Status == modules.BackendOnline {
			out = append(out, b)
		}
	}
	return out
}
