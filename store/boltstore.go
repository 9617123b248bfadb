package store

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/uplo-tech/bolt"
	"github.com/uplo-tech/encoding"
	"github.com/uplo-tech/errors"

	"github.com/shardvault/shardvault/modules"
)

var (
	bucketBackends     = []byte("Backends")
	bucketFiles        = []byte("Files")
	bucketChunks       = []byte("Chunks")
	bucketFileChunkIdx = []byte("FileChunkIndex")
	bucketChunkBackend = []byte("ChunkBackend")
	bucketBackendChunk = []byte("BackendChunk")
	bucketFileAccess   = []byte("FileAccess")
)

// BoltStore is the on-disk Store implementation, one bolt bucket per
// entity plus two cross-reference buckets (ChunkBackend/BackendChunk)
// that keep the many-to-many Chunk↔Backend relation queryable from
// either side without a secondary database engine.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if absent) a bolt database at path and
// ensures every bucket this store needs exists.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.AddContext(err, "unable to open metadata database")
	}
	s := &BoltStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) init() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketBackends, bucketFiles, bucketChunks,
			bucketFileChunkIdx, bucketChunkBackend, bucketBackendChunk,
			bucketFileAccess,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func chunkFileKey(fileID string, chunkNumber int) []byte {
	return []byte(fmt.Sprintf("%s/%d", fileID, chunkNumber))
}

// associationKey builds the "<a>|<b>" composite key the cross-reference
// buckets are indexed by.
func associationKey(a, b string) []byte {
	return []byte(a + "|" + b)
}

func (s *BoltStore) CreateBackend(ctx context.Context, b modules.Backend) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBackends).Put([]byte(b.ID), encoding.Marshal(b))
	})
}

func (s *BoltStore) GetBackend(ctx context.Context, id string) (modules.Backend, error) {
	var b modules.Backend
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketBackends).Get([]byte(id))
		if raw == nil {
			return modules.ErrBackendNotFound
		}
		return encoding.Unmarshal(raw, &b)
	})
	return b, err
}

func (s *BoltStore) ListBackends(ctx context.Context) ([]modules.Backend, error) {
	var out []modules.Backend
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBackends).ForEach(func(_, v []byte) error {
			var b modules.Backend
			if err := encoding.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, b)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateBackendHealth(ctx context.Context, id string, status modules.BackendStatus, latency time.Duration, consecutiveFailures int, checkedAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketBackends)
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return modules.ErrBackendNotFound
		}
		var b modules.Backend
		if err := encoding.Unmarshal(raw, &b); err != nil {
			return err
		}
		b.Status = status
		b.LastLatency = latency
		b.ConsecutiveFailures = consecutiveFailures
		b.LastCheck = checkedAt
		return bucket.Put([]byte(id), encoding.Marshal(b))
	})
}

func (s *BoltStore) SetBackendRecovered(ctx context.Context, id string, recoveredAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketBackends)
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return modules.ErrBackendNotFound
		}
		var b modules.Backend
		if err := encoding.Unmarshal(raw, &b); err != nil {
			return err
		}
		b.Status = modules.BackendOnline
		b.ConsecutiveFailures = 0
		b.RecoveredAt = recoveredAt
		return bucket.Put([]byte(id), encoding.Marshal(b))
	})
}

func (s *BoltStore) SetBackendFailed(ctx context.Context, id string, failedAt time.Time, consecutiveFailures int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketBackends)
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return modules.ErrBackendNotFound
		}
		var b modules.Backend
		if err := encoding.Unmarshal(raw, &b); err != nil {
			return err
		}
		b.Status = modules.BackendOffline
		b.ConsecutiveFailures = consecutiveFailures
		if b.FailedAt.IsZero() {
			b.FailedAt = failedAt
		}
		return bucket.Put([]byte(id), encoding.Marshal(b))
	})
}

func (s *BoltStore) CreateFile(ctx context.Context, f modules.File) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).Put([]byte(f.ID), encoding.Marshal(f))
	})
}

func (s *BoltStore) GetFile(ctx context.Context, id string) (modules.File, error) {
	var f modules.File
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketFiles).Get([]byte(id))
		if raw == nil {
			return modules.ErrFileNotFound
		}
		return encoding.Unmarshal(raw, &f)
	})
	return f, err
}

func (s *BoltStore) ListFiles(ctx context.Context) ([]modules.File, error) {
	var out []modules.File
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(_, v []byte) error {
			var f modules.File
			if err := encoding.Unmarshal(v, &f); err != nil {
				return err
			}
			out = append(out, f)
			return nil
		})
	})
	return out, err
}

// DeleteFile removes f and cascades to every Chunk that references it,
// including their Backend associations and load/storage_usage
// bookkeeping.
func (s *BoltStore) DeleteFile(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		filesBucket := tx.Bucket(bucketFiles)
		if filesBucket.Get([]byte(id)) == nil {
			return modules.ErrFileNotFound
		}

		chunksBucket := tx.Bucket(bucketChunks)
		var toDelete []modules.Chunk
		if err := chunksBucket.ForEach(func(_, v []byte) error {
			var c modules.Chunk
			if err := encoding.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.FileID == id {
				toDelete = append(toDelete, c)
			}
			return nil
		}); err != nil {
			return err
		}

		for _, c := range toDelete {
			if err := deleteChunkTx(tx, c); err != nil {
				return err
			}
		}
		return filesBucket.Delete([]byte(id))
	})
}

func deleteChunkTx(tx *bolt.Tx, c modules.Chunk) error {
	backendIDs, err := backendIDsForChunkTx(tx, c.ID)
	if err != nil {
		return err
	}
	for _, bID := range backendIDs {
		if err := removeChunkBackendTx(tx, c, bID); err != nil {
			return err
		}
	}
	if err := tx.Bucket(bucketChunks).Delete([]byte(c.ID)); err != nil {
		return err
	}
	return tx.Bucket(bucketFileChunkIdx).Delete(chunkFileKey(c.FileID, c.ChunkNumber))
}

func backendIDsForChunkTx(tx *bolt.Tx, chunkID string) ([]string, error) {
	var ids []string
	c := tx.Bucket(bucketChunkBackend).Cursor()
	prefix := []byte(chunkID + "|")
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		_ = v
		ids = append(ids, string(k[len(prefix):]))
	}
	return ids, nil
}

func removeChunkBackendTx(tx *bolt.Tx, c modules.Chunk, backendID string) error {
	key := associationKey(c.ID, backendID)
	if tx.Bucket(bucketChunkBackend).Get(key) == nil {
		return nil
	}
	if err := tx.Bucket(bucketChunkBackend).Delete(key); err != nil {
		return err
	}
	if err := tx.Bucket(bucketBackendChunk).Delete(associationKey(backendID, c.ID)); err != nil {
		return err
	}
	return adjustBackendLoadTx(tx, backendID, -1, -c.Size)
}

func addChunkBackendTx(tx *bolt.Tx, c modules.Chunk, backendID string) error {
	key := associationKey(c.ID, backendID)
	if tx.Bucket(bucketChunkBackend).Get(key) != nil {
		return nil
	}
	if err := tx.Bucket(bucketChunkBackend).Put(key, []byte{1}); err != nil {
		return err
	}
	if err := tx.Bucket(bucketBackendChunk).Put(associationKey(backendID, c.ID), []byte{1}); err != nil {
		return err
	}
	return adjustBackendLoadTx(tx, backendID, 1, c.Size)
}

func adjustBackendLoadTx(tx *bolt.Tx, backendID string, deltaLoad, deltaUsage int64) error {
	bucket := tx.Bucket(bucketBackends)
	raw := bucket.Get([]byte(backendID))
	if raw == nil {
		return modules.ErrBackendNotFound
	}
	var b modules.Backend
	if err := encoding.Unmarshal(raw, &b); err != nil {
		return err
	}
	b.Load += deltaLoad
	b.StorageUsed += deltaUsage
	if b.Load < 0 {
		b.Load = 0
	}
	if b.StorageUsed < 0 {
		b.StorageUsed = 0
	}
	return bucket.Put([]byte(backendID), encoding.Marshal(b))
}

func (s *BoltStore) FindChunkByContent(ctx context.Context, checksum string, size int64) (modules.Chunk, bool, error) {
	var found modules.Chunk
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).ForEach(func(_, v []byte) error {
			if ok {
				return nil
			}
			var c modules.Chunk
			if err := encoding.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.Checksum == checksum && c.Size == size {
				found = c
				ok = true
			}
			return nil
		})
	})
	return found, ok, err
}

func (s *BoltStore) ChunksByContent(ctx context.Context, checksum string, size int64) ([]modules.Chunk, error) {
	var out []modules.Chunk
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).ForEach(func(_, v []byte) error {
			var c modules.Chunk
			if err := encoding.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.Checksum == checksum && c.Size == size {
				out = append(out, c)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) GetChunk(ctx context.Context, id string) (modules.Chunk, error) {
	var c modules.Chunk
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketChunks).Get([]byte(id))
		if raw == nil {
			return modules.ErrChunkNotFound
		}
		return encoding.Unmarshal(raw, &c)
	})
	return c, err
}

func (s *BoltStore) ChunksForFile(ctx context.Context, fileID string) ([]modules.Chunk, error) {
	var out []modules.Chunk
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).ForEach(func(_, v []byte) error {
			var c modules.Chunk
			if err := encoding.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.FileID == fileID {
				out = append(out, c)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) BackendsForChunk(ctx context.Context, chunkID string) ([]modules.Backend, error) {
	var out []modules.Backend
	err := s.db.View(func(tx *bolt.Tx) error {
		ids, err := backendIDsForChunkTx(tx, chunkID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			raw := tx.Bucket(bucketBackends).Get([]byte(id))
			if raw == nil {
				continue
			}
			var b modules.Backend
			if err := encoding.Unmarshal(raw, &b); err != nil {
				return err
			}
			out = append(out, b)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) CommitChunk(ctx context.Context, chunk modules.Chunk, backendIDs []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		idxKey := chunkFileKey(chunk.FileID, chunk.ChunkNumber)
		if tx.Bucket(bucketFileChunkIdx).Get(idxKey) != nil {
			return errors.New("chunk already committed for this file and chunk number")
		}
		if err := tx.Bucket(bucketChunks).Put([]byte(chunk.ID), encoding.Marshal(chunk)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketFileChunkIdx).Put(idxKey, []byte(chunk.ID)); err != nil {
			return err
		}
		for _, bID := range backendIDs {
			if err := addChunkBackendTx(tx, chunk, bID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) AddChunkBackend(ctx context.Context, chunkID, backendID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketChunks).Get([]byte(chunkID))
		if raw == nil {
			return modules.ErrChunkNotFound
		}
		var c modules.Chunk
		if err := encoding.Unmarshal(raw, &c); err != nil {
			return err
		}
		return addChunkBackendTx(tx, c, backendID)
	})
}

func (s *BoltStore) RemoveChunkBackend(ctx context.Context, chunkID, backendID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketChunks).Get([]byte(chunkID))
		if raw == nil {
			return modules.ErrChunkNotFound
		}
		var c modules.Chunk
		if err := encoding.Unmarshal(raw, &c); err != nil {
			return err
		}
		return removeChunkBackendTx(tx, c, backendID)
	})
}

func (s *BoltStore) UnderReplicatedChunks(ctx context.Context, minReplicas int) ([]modules.Chunk, error) {
	var out []modules.Chunk
	err := s.db.View(func(tx *bolt.Tx) error {
		onlineBackends := map[string]bool{}
		if err := tx.Bucket(bucketBackends).ForEach(func(_, v []byte) error {
			var b modules.Backend
			if err := encoding.Unmarshal(v, &b); err != nil {
				return err
			}
			if b.Status == modules.BackendOnline {
				onlineBackends[b.ID] = true
			}
			return nil
		}); err != nil {
			return err
		}

		return tx.Bucket(bucketChunks).ForEach(func(_, v []byte) error {
			var c modules.Chunk
			if err := encoding.Unmarshal(v, &c); err != nil {
				return err
			}
			ids, err := backendIDsForChunkTx(tx, c.ID)
			if err != nil {
				return err
			}
			online := 0
			for _, id := range ids {
				if onlineBackends[id] {
					online++
				}
			}
			if online < minReplicas {
				out = append(out, c)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ChunksOnBackend(ctx context.Context, backendID string) ([]modules.Chunk, error) {
	var out []modules.Chunk
	err := s.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketBackendChunk).Cursor()
		prefix := []byte(backendID + "|")
		chunksBucket := tx.Bucket(bucketChunks)
		for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
			chunkID := string(k[len(prefix):])
			raw := chunksBucket.Get([]byte(chunkID))
			if raw == nil {
				continue
			}
			var c modules.Chunk
			if err := encoding.Unmarshal(raw, &c); err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) RecordFileAccess(ctx context.Context, fileID string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketFileAccess)
		raw := bucket.Get([]byte(fileID))
		stats := modules.FileAccessStats{FileID: fileID}
		if raw != nil {
			if err := encoding.Unmarshal(raw, &stats); err != nil {
				return err
			}
		}
		stats.AccessCount++
		stats.LastAccess = at
		return bucket.Put([]byte(fileID), encoding.Marshal(stats))
	})
}

func (s *BoltStore) FileAccessStats(ctx context.Context, fileID string) (modules.FileAccessStats, error) {
	stats := modules.FileAccessStats{FileID: fileID}
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketFileAccess).Get([]byte(fileID))
		if raw == nil {
			return nil
		}
		return encoding.Unmarshal(raw, &stats)
	})
	return stats, err
}
