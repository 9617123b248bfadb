package store

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/uplo-tech/errors"

	"github.com/shardvault/shardvault/modules"
)

// MemStore is an in-memory Store, guarded by a single mutex, used by
// coordinator tests in place of a real bolt-backed database.
type MemStore struct {
	mu sync.Mutex

	backends    map[string]modules.Backend
	files       map[string]modules.File
	chunks      map[string]modules.Chunk
	fileChunkIx map[string]string // "<fileID>/<chunkNumber>" -> chunkID
	chunkToBack map[string]map[string]bool
	backToChunk map[string]map[string]bool
	access      map[string]modules.FileAccessStats
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		backends:    make(map[string]modules.Backend),
		files:       make(map[string]modules.File),
		chunks:      make(map[string]modules.Chunk),
		fileChunkIx: make(map[string]string),
		chunkToBack: make(map[string]map[string]bool),
		backToChunk: make(map[string]map[string]bool),
		access:      make(map[string]modules.FileAccessStats),
	}
}

func fileChunkKey(fileID string, chunkNumber int) string {
	return fileID + "/" + strconv.Itoa(chunkNumber)
}

func (s *MemStore) CreateBackend(ctx context.Context, b modules.Backend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backends[b.ID] = b
	return nil
}

func (s *MemStore) GetBackend(ctx context.Context, id string) (modules.Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backends[id]
	if !ok {
		return modules.Backend{}, modules.ErrBackendNotFound
	}
	return b, nil
}

func (s *MemStore) ListBackends(ctx context.Context) ([]modules.Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]modules.Backend, 0, len(s.backends))
	for _, b := range s.backends {
		out = append(out, b)
	}
	return out, nil
}

func (s *MemStore) UpdateBackendHealth(ctx context.Context, id string, status modules.BackendStatus, latency time.Duration, consecutiveFailures int, checkedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backends[id]
	if !ok {
		return modules.ErrBackendNotFound
	}
	b.Status = status
	b.LastLatency = latency
	b.ConsecutiveFailures = consecutiveFailures
	b.LastCheck = checkedAt
	s.backends[id] = b
	return nil
}

func (s *MemStore) SetBackendRecovered(ctx context.Context, id string, recoveredAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backends[id]
	if !ok {
		return modules.ErrBackendNotFound
	}
	b.Status = modules.BackendOnline
	b.ConsecutiveFailures = 0
	b.RecoveredAt = recoveredAt
	s.backends[id] = b
	return nil
}

func (s *MemStore) SetBackendFailed(ctx context.Context, id string, failedAt time.Time, consecutiveFailures int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backends[id]
	if !ok {
		return modules.ErrBackendNotFound
	}
	b.Status = modules.BackendOffline
	b.ConsecutiveFailures = consecutiveFailures
	if b.FailedAt.IsZero() {
		b.FailedAt = failedAt
	}
	s.backends[id] = b
	return nil
}

func (s *MemStore) CreateFile(ctx context.Context, f modules.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[f.ID] = f
	return nil
}

func (s *MemStore) GetFile(ctx context.Context, id string) (modules.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return modules.File{}, modules.ErrFileNotFound
	}
	return f, nil
}

func (s *MemStore) ListFiles(ctx context.Context) ([]modules.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]modules.File, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, f)
	}
	return out, nil
}

func (s *MemStore) DeleteFile(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[id]; !ok {
		return modules.ErrFileNotFound
	}
	for cid, c := range s.chunks {
		if c.FileID != id {
			continue
		}
		for bID := range s.chunkToBack[cid] {
			s.unlinkLocked(cid, bID, c.Size)
		}
		delete(s.chunks, cid)
		delete(s.fileChunkIx, fileChunkKey(c.FileID, c.ChunkNumber))
	}
	delete(s.files, id)
	return nil
}

func (s *MemStore) unlinkLocked(chunkID, backendID string, size int64) {
	if s.chunkToBack[chunkID] != nil {
		delete(s.chunkToBack[chunkID], backendID)
	}
	if s.backToChunk[backendID] != nil {
		delete(s.backToChunk[backendID], chunkID)
	}
	b, ok := s.backends[backendID]
	if !ok {
		return
	}
	b.Load--
	b.StorageUsed -= size
	if b.Load < 0 {
		b.Load = 0
	}
	if b.StorageUsed < 0 {
		b.StorageUsed = 0
	}
	s.backends[backendID] = b
}

func (s *MemStore) linkLocked(c modules.Chunk, backendID string) error {
	if s.chunkToBack[c.ID] == nil {
		s.chunkToBack[c.ID] = make(map[string]bool)
	}
	if s.chunkToBack[c.ID][backendID] {
		return nil
	}
	b, ok := s.backends[backendID]
	if !ok {
		return modules.ErrBackendNotFound
	}
	s.chunkToBack[c.ID][backendID] = true
	if s.backToChunk[backendID] == nil {
		s.backToChunk[backendID] = make(map[string]bool)
	}
	s.backToChunk[backendID][c.ID] = true
	b.Load++
	b.StorageUsed += c.Size
	s.backends[backendID] = b
	return nil
}

func (s *MemStore) FindChunkByContent(ctx context.Context, checksum string, size int64) (modules.Chunk, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chunks {
		if c.Checksum == checksum && c.Size == size {
			return c, true, nil
		}
	}
	return modules.Chunk{}, false, nil
}

func (s *MemStore) ChunksByContent(ctx context.Context, checksum string, size int64) ([]modules.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []modules.Chunk
	for _, c := range s.chunks {
		if c.Checksum == checksum && c.Size == size {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemStore) GetChunk(ctx context.Context, id string) (modules.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[id]
	if !ok {
		return modules.Chunk{}, modules.ErrChunkNotFound
	}
	return c, nil
}

func (s *MemStore) ChunksForFile(ctx context.Context, fileID string) ([]modules.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []modules.Chunk
	for _, c := range s.chunks {
		if c.FileID == fileID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemStore) BackendsForChunk(ctx context.Context, chunkID string) ([]modules.Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []modules.Backend
	for bID := range s.chunkToBack[chunkID] {
		if b, ok := s.backends[bID]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *MemStore) CommitChunk(ctx context.Context, chunk modules.Chunk, backendIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fileChunkKey(chunk.FileID, chunk.ChunkNumber)
	if _, ok := s.fileChunkIx[key]; ok {
		return errors.New("chunk already committed for this file and chunk number")
	}
	s.chunks[chunk.ID] = chunk
	s.fileChunkIx[key] = chunk.ID
	for _, bID := range backendIDs {
		if err := s.linkLocked(chunk, bID); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemStore) AddChunkBackend(ctx context.Context, chunkID, backendID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[chunkID]
	if !ok {
		return modules.ErrChunkNotFound
	}
	return s.linkLocked(c, backendID)
}

func (s *MemStore) RemoveChunkBackend(ctx context.Context, chunkID, backendID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[chunkID]
	if !ok {
		return modules.ErrChunkNotFound
	}
	if s.chunkToBack[chunkID] == nil || !s.chunkToBack[chunkID][backendID] {
		return nil
	}
	s.unlinkLocked(chunkID, backendID, c.Size)
	return nil
}

func (s *MemStore) UnderReplicatedChunks(ctx context.Context, minReplicas int) ([]modules.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []modules.Chunk
	for cid, c := range s.chunks {
		online := 0
		for bID := range s.chunkToBack[cid] {
			if b, ok := s.backends[bID]; ok && b.Status == modules.BackendOnline {
				online++
			}
		}
		if online < minReplicas {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemStore) ChunksOnBackend(ctx context.Context, backendID string) ([]modules.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []modules.Chunk
	for cid := range s.backToChunk[backendID] {
		if c, ok := s.chunks[cid]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemStore) RecordFileAccess(ctx context.Context, fileID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.access[fileID]
	stats.FileID = fileID
	stats.AccessCount++
	stats.LastAccess = at
	s.access[fileID] = stats
	return nil
}

func (s *MemStore) FileAccessStats(ctx context.Context, fileID string) (modules.FileAccessStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats, ok := s.access[fileID]
	if !ok {
		return modules.FileAccessStats{FileID: fileID}, nil
	}
	return stats, nil
}
