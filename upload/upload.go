// Package upload drives the per-chunk dedup -> placement -> parallel
// put -> verify -> commit algorithm.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/threadgroup"

	"github.com/shardvault/shardvault/chunker"
	"github.com/shardvault/shardvault/modules"
	"github.com/shardvault/shardvault/objectstore"
	"github.com/shardvault/shardvault/persist"
	"github.com/shardvault/shardvault/placement"
	"github.com/shardvault/shardvault/store"
)

// ErrReplicationShortfall is returned when a chunk could not be
// committed to at least modules.MinReplicas Backends; the whole
// upload is rolled back.
type ErrReplicationShortfall struct {
	ChunkNumber int
	Got         int
	Needed      int
}

func (e ErrReplicationShortfall) Error() string {
	return fmt.Sprintf("chunk %d: replicated to %d backends, needed %d", e.ChunkNumber, e.Got, e.Needed)
}

// Coordinator drives uploads. It holds no per-upload state between
// calls; every Upload call is independent and safe to run
// concurrently with others.
type Coordinator struct {
	tg        threadgroup.ThreadGroup
	store     store.Store
	dialer    objectstore.Dialer
	buckets   *objectstore.BucketListCache
	log       *persist.Logger
	bucket    string
	chunkSize int
}

// New builds a Coordinator. bucket is the primary bucket name every
// new (non-dedup) put targets.
func New(s store.Store, dialer objectstore.Dialer, buckets *objectstore.BucketListCache, log *persist.Logger, bucket string, chunkSize int) *Coordinator {
	if chunkSize <= 0 {
		chunkSize = modules.DefaultChunkSize
	}
	return &Coordinator{
		store:     s,
		dialer:    dialer,
		buckets:   buckets,
		log:       log,
		bucket:    bucket,
		chunkSize: chunkSize,
	}
}

// Close waits for in-flight uploads to finish and blocks new ones.
func (c *Coordinator) Close() error {
	return c.tg.Stop()
}

// Upload chunks payload, places each chunk per the dedup/placement
// algorithm, and commits a new File on success. On any chunk failure
// the File (and any Chunks already committed for it) is rolled back.
func (c *Coordinator) Upload(ctx context.Context, owner, name string, payload []byte) (modules.File, error) {
	if err := c.tg.Add(); err != nil {
		return modules.File{}, err
	}
	defer c.tg.Done()

	backends, err := c.store.ListBackends(ctx)
	if err != nil {
		return modules.File{}, err
	}
	online := onlineOnly(backends)
	if len(online) == 0 {
		return modules.File{}, modules.ErrNoBackends
	}

	file := modules.File{
		ID:         persist.UID(),
		Name:       name,
		Size:       int64(len(payload)),
		Owner:      owner,
		UploadTime: time.Now(),
	}
	if err := c.store.CreateFile(ctx, file); err != nil {
		return modules.File{}, err
	}

	pieces := chunker.Chunk(payload, c.chunkSize)
	var placed []placedObject
	for i, piece := range pieces {
		chunkPlaced, err := c.commitChunk(ctx, file, i, piece, online)
		placed = append(placed, chunkPlaced...)
		if err != nil {
			c.log.Printf("upload %s: chunk %d failed, rolling back file: %v\n", file.ID, i, err)
			c.rollbackPlacedObjects(ctx, file.ID, placed)
			if delErr := c.store.DeleteFile(ctx, file.ID); delErr != nil {
				c.log.Printf("upload %s: rollback delete failed: %v\n", file.ID, delErr)
			}
			return modules.File{}, errors.AddContext(err, "upload failed")
		}
	}
	return file, nil
}

// placedObject records one object this Upload call actually PUT to a
// Backend, so a later chunk failure can roll every one of them back
// instead of only the File/Chunk metadata.
type placedObject struct {
	target modules.Backend
	bucket string
	key    string
}

// rollbackPlacedObjects best-effort deletes every object this Upload
// call placed, across every chunk committed so far. Individual
// failures are logged, not propagated: the File row is being deleted
// regardless, and a backend that can't be reached now will shed the
// orphan on its next reconcile sweep.
func (c *Coordinator) rollbackPlacedObjects(ctx context.Context, fileID string, placed []placedObject) {
	for _, p := range placed {
		client := c.dialer.Client(p.target)
		if err := client.DeleteObject(ctx, p.bucket, p.key); err != nil {
			c.log.Printf("upload %s: rollback delete of %s/%s on backend %s failed: %v\n", fileID, p.bucket, p.key, p.target.ID, err)
		}
	}
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

// commitChunk runs the per-chunk algorithm: dedup probe with
// verification, gap-fill placement, parallel put, verify,
// transactional commit.
func (c *Coordinator) commitChunk(ctx context.Context, file modules.File, number int, piece chunker.Piece, online []modules.Backend) ([]placedObject, error) {
	verifiedIDs, verifiedBackends, err := c.verifyDedupCandidate(ctx, piece)
	if err != nil {
		return nil, err
	}

	committed := make([]string, len(verifiedIDs))
	copy(committed, verifiedIDs)

	var placed []placedObject
	if len(committed) < modules.MinReplicas {
		gap := modules.MinReplicas - len(committed)
		targets := placement.SelectTargets(placement.Exclude(online, verifiedBackends), gap)
		for _, target := range targets {
			if err := c.putAndVerify(ctx, target, file.ID, number, piece); err != nil {
				c.log.Debugln("upload: put failed on backend", target.ID, err)
				continue
			}
			committed = append(committed, target.ID)
			placed = append(placed, placedObject{target: target, bucket: c.bucket, key: objectKey(file.ID, number)})
		}
	}

	if len(committed) < modules.MinReplicas {
		return placed, ErrReplicationShortfall{ChunkNumber: number, Got: len(committed), Needed: modules.MinReplicas}
	}

	chunk := modules.Chunk{
		ID:          persist.UID(),
		FileID:      file.ID,
		ChunkNumber: number,
		Checksum:    piece.Checksum,
		Size:        int64(len(piece.Data)),
	}
	return placed, c.store.CommitChunk(ctx, chunk, committed)
}

func objectKey(fileID string, chunkNumber int) string {
	return fmt.Sprintf("%s/%d", fileID, chunkNumber)
}

// verifyDedupCandidate looks for an existing Chunk with the same
// (checksum, size) and verifies at least one of its online Backends
// actually holds the object before trusting it as a reuse source.
func (c *Coordinator) verifyDedupCandidate(ctx context.Context, piece chunker.Piece) ([]string, []modules.Backend, error) {
	existing, found, err := c.store.FindChunkByContent(ctx, piece.Checksum, int64(len(piece.Data)))
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, nil
	}

	backends, err := c.store.BackendsForChunk(ctx, existing.ID)
	if err != nil {
		return nil, nil, err
	}

	var verifiedIDs []string
	var verifiedBackends []modules.Backend
	for _, b := range backends {
		if b.Status != modules.BackendOnline {
			continue
		}
		if c.verifyObjectOnBackend(ctx, b, existing.FileID, existing.ChunkNumber, piece.Checksum) {
			verifiedIDs = append(verifiedIDs, b.ID)
			verifiedBackends = append(verifiedBackends, b)
		}
	}
	return verifiedIDs, verifiedBackends, nil
}

// verifyObjectOnBackend checks that the object at fileID/chunkNumber
// exists on b and, when feasible, re-downloads and re-hashes it.
func (c *Coordinator) verifyObjectOnBackend(ctx context.Context, b modules.Backend, fileID string, chunkNumber int, expectedChecksum string) bool {
	client := c.dialer.Client(b)
	key := objectKey(fileID, chunkNumber)
	for _, bucket := range objectstore.FallbackBucketNames(c.bucket) {
		if _, err := client.HeadObject(ctx, bucket, key); err != nil {
			continue
		}
		data, err := client.GetObject(ctx, bucket, key)
		if err != nil {
			continue
		}
		if chunker.ChecksumHex(data) != expectedChecksum {
			continue
		}
		return true
	}
	return false
}

// putAndVerify provisions target's bucket, uploads piece under
// file_id/chunk_number, and verifies by head_object + re-download +
// re-hash.
func (c *Coordinator) putAndVerify(ctx context.Context, target modules.Backend, fileID string, chunkNumber int, piece chunker.Piece) error {
	client := c.dialer.Client(target)
	if err := objectstore.EnsureBucket(ctx, client, c.bucket); err != nil {
		return err
	}

	key := objectKey(fileID, chunkNumber)
	if err := client.PutObject(ctx, c.bucket, key, piece.Data); err != nil {
		return errors.AddContext(err, "put_object failed")
	}

	if _, err := client.HeadObject(ctx, c.bucket, key); err != nil {
		return errors.AddContext(err, "post-put head_object failed")
	}

	readBack, err := client.GetObject(ctx, c.bucket, key)
	if err != nil {
		return errors.AddContext(err, "post-put get_object failed")
	}
	if !bytes.Equal(readBack, piece.Data) || chunker.ChecksumHex(readBack) != piece.Checksum {
		return modules.ErrChecksumMismatch
	}
	return nil
}

