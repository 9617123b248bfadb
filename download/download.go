// Package download reconstructs a File by streaming its Chunks, in
// order, off whichever Backend actually holds the bytes: the disk
// cache, the per-chunk cache, the chunk's own online Backends ordered
// nearest-first, a cascade of alternate sources sharing the same
// (checksum, size), and finally the chunk's offline Backends as a last
// resort.
package download

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/shardvault/shardvault/cache"
	"github.com/shardvault/shardvault/chunker"
	"github.com/shardvault/shardvault/modules"
	"github.com/shardvault/shardvault/objectstore"
	"github.com/shardvault/shardvault/persist"
	"github.com/shardvault/shardvault/placement"
	"github.com/shardvault/shardvault/store"
)

// ErrChunkIrrecoverable is returned when a chunk's bytes could not be
// located on any online Backend, any alternate source, or any offline
// Backend. The caller's stream is cut short at this chunk.
type ErrChunkIrrecoverable struct {
	FileID      string
	ChunkNumber int
}

func (e ErrChunkIrrecoverable) Error() string {
	return fmt.Sprintf("file %s: chunk %d could not be retrieved from any source", e.FileID, e.ChunkNumber)
}

// Reconciler is the narrow slice of reconcile.Reconciler the download
// coordinator needs: a way to ask for an out-of-band repair attempt
// without importing the reconcile package directly.
type Reconciler interface {
	TriggerChunkRepair(fileID string, chunkNumber int)
}

// Coordinator drives downloads. Safe for concurrent use.
type Coordinator struct {
	store      store.Store
	dialer     objectstore.Dialer
	cache      *cache.Manager
	log        *persist.Logger
	bucket     string
	reconciler Reconciler
}

// New builds a Coordinator. reconciler may be nil; when set, an
// irrecoverable chunk triggers an asynchronous repair attempt rather
// than only surfacing the error.
func New(s store.Store, dialer objectstore.Dialer, c *cache.Manager, log *persist.Logger, bucket string, reconciler Reconciler) *Coordinator {
	return &Coordinator{
		store:      s,
		dialer:     dialer,
		cache:      c,
		log:        log,
		bucket:     bucket,
		reconciler: reconciler,
	}
}

// Download streams fileID's bytes to w, chunk by chunk and strictly in
// order. Each chunk is written to w as soon as it is resolved, but a
// copy of every chunk is also kept in memory until the download ends,
// so the whole file is held in memory for the disk-cache step.
func (c *Coordinator) Download(ctx context.Context, fileID string, w io.Writer) error {
	if data, ok, err := c.cache.ServeFile(ctx, fileID); err != nil {
		return err
	} else if ok {
		_, err := w.Write(data)
		return err
	}

	file, err := c.store.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	chunks, err := c.store.ChunksForFile(ctx, fileID)
	if err != nil {
		return err
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkNumber < chunks[j].ChunkNumber })

	var whole bytes.Buffer
	for _, ch := range chunks {
		data, err := c.resolveChunk(ctx, file, ch)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		whole.Write(data)
	}

	if err := c.cache.MaybeCacheFile(ctx, file, whole.Bytes()); err != nil {
		c.log.Printf("download %s: best-effort disk-cache store failed: %v\n", fileID, err)
	}
	return nil
}

// resolveChunk implements the per-chunk source cascade: cache, then
// primary Backend, then alternate sources holding the same content.
func (c *Coordinator) resolveChunk(ctx context.Context, file modules.File, ch modules.Chunk) ([]byte, error) {
	if data, ok := c.cache.ChunkFromCache(file.ID, ch.ChunkNumber); ok {
		return data, nil
	}

	backends, err := c.store.BackendsForChunk(ctx, ch.ID)
	if err != nil {
		return nil, err
	}
	online, offline := splitByStatus(backends)
	tried := make(map[string]bool, len(backends))

	if len(online) > 1 {
		online = placement.Reorder(ctx, c.dialer, online)
	}
	for _, b := range online {
		tried[b.ID] = true
		if data, ok := c.tryBackend(ctx, b, file.ID, ch.ChunkNumber, ch.Checksum); ok {
			c.cache.CacheChunk(file.ID, ch.ChunkNumber, data)
			return data, nil
		}
	}

	if data, ok := c.tryAlternateSources(ctx, ch, tried); ok {
		c.cache.CacheChunk(file.ID, ch.ChunkNumber, data)
		return data, nil
	}

	for _, b := range offline {
		if data, ok := c.tryBackend(ctx, b, file.ID, ch.ChunkNumber, ch.Checksum); ok {
			c.promoteToOnline(ctx, b)
			c.cache.CacheChunk(file.ID, ch.ChunkNumber, data)
			return data, nil
		}
	}

	if c.reconciler != nil {
		c.reconciler.TriggerChunkRepair(file.ID, ch.ChunkNumber)
	}
	return nil, ErrChunkIrrecoverable{FileID: file.ID, ChunkNumber: ch.ChunkNumber}
}

// tryAlternateSources searches every Chunk sharing ch's (checksum,
// size) — across every File — online candidates first then offline,
// using each candidate's own (file_id, chunk_number) key. A Backend in
// tried is skipped for ch's own key only; it is still asked for a
// sibling's key, since a deduped chunk's bytes live under the key of
// the File that first stored them.
func (c *Coordinator) tryAlternateSources(ctx context.Context, ch modules.Chunk, tried map[string]bool) ([]byte, bool) {
	siblings, err := c.store.ChunksByContent(ctx, ch.Checksum, ch.Size)
	if err != nil {
		return nil, false
	}

	type candidate struct {
		backend modules.Backend
		chunk   modules.Chunk
	}
	var onlineCandidates, offlineCandidates []candidate
	for _, sib := range siblings {
		backends, err := c.store.BackendsForChunk(ctx, sib.ID)
		if err != nil {
			continue
		}
		for _, b := range backends {
			if tried[b.ID] && sib.ID == ch.ID {
				continue
			}
			if b.Status == modules.BackendOnline {
				onlineCandidates = append(onlineCandidates, candidate{b, sib})
			} else {
				offlineCandidates = append(offlineCandidates, candidate{b, sib})
			}
		}
	}

	for _, cand := range append(onlineCandidates, offlineCandidates...) {
		tried[cand.backend.ID] = true
		data, ok := c.tryBackend(ctx, cand.backend, cand.chunk.FileID, cand.chunk.ChunkNumber, ch.Checksum)
		if !ok {
			continue
		}
		if cand.backend.Status == modules.BackendOffline {
			c.promoteToOnline(ctx, cand.backend)
		}
		return data, true
	}
	return nil, false
}

// tryBackend attempts to fetch and verify the object at
// fileID/chunkNumber from b, trying every bucket name the download
// path is willing to search.
func (c *Coordinator) tryBackend(ctx context.Context, b modules.Backend, fileID string, chunkNumber int, expectedChecksum string) ([]byte, bool) {
	client := c.dialer.Client(b)
	key := fmt.Sprintf("%s/%d", fileID, chunkNumber)
	for _, bucket := range objectstore.FallbackBucketNames(c.bucket) {
		if _, err := client.HeadObject(ctx, bucket, key); err != nil {
			continue
		}
		data, err := client.GetObject(ctx, bucket, key)
		if err != nil {
			c.log.Debugln("download: get_object failed on backend", b.ID, err)
			continue
		}
		if chunker.ChecksumHex(data) != expectedChecksum {
			c.log.Debugln("download: checksum mismatch on backend", b.ID)
			continue
		}
		return data, true
	}
	return nil, false
}

// promoteToOnline records that an offline Backend actually answered a
// request successfully, the download path's own passive-recovery
// side effect. A Backend an operator manually marked offline (carrying
// modules.OfflineSentinelFailures) is left offline.
func (c *Coordinator) promoteToOnline(ctx context.Context, b modules.Backend) {
	if b.ConsecutiveFailures >= modules.OfflineSentinelFailures {
		return
	}
	if err := c.store.SetBackendRecovered(ctx, b.ID, time.Now()); err != nil {
		c.log.Printf("download: failed to promote backend %s to online: %v\n", b.ID, err)
	}
}

func splitByStatus(backends []modules.Backend) (online, offline []modules.Backend) {
	for _, b := range backends {
		if b.Status == modules.BackendOnline {
			online = append(online, b)
		} else {
			offline = append(offline, b)
		}
	}
	return online, offline
}
