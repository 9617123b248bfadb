package objectstore

import (
	"context"
	"sync"

	"github.com/shardvault/shardvault/modules"
)

// MemDialer hands out MemClients backed by a shared in-process bucket
// set, keyed by Backend ID. Coordinator tests use it in place of a
// real S3-compatible HTTP backend, the same way in-memory stand-ins
// are used elsewhere in this codebase to keep unit tests free of
// network dependencies.
type MemDialer struct {
	mu       sync.Mutex
	backends map[string]*MemClient
	down     map[string]error
}

// NewMemDialer returns an empty MemDialer.
func NewMemDialer() *MemDialer {
	return &MemDialer{
		backends: make(map[string]*MemClient),
		down:     make(map[string]error),
	}
}

// SetDown makes every call against backendID fail with err (or clears
// the failure when err is nil), simulating an unreachable Backend for
// health/reconcile tests.
func (d *MemDialer) SetDown(backendID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.down, backendID)
		return
	}
	d.down[backendID] = err
}

func (d *MemDialer) Client(b modules.Backend) Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.down[b.ID]; ok {
		return &brokenClient{err: err}
	}
	c, ok := d.backends[b.ID]
	if !ok {
		c = newMemClient()
		d.backends[b.ID] = c
	}
	return c
}

func (d *MemDialer) Probe(ctx context.Context, b modules.Backend) error {
	_, err := d.Client(b).ListBuckets(ctx)
	return err
}

// MemClient is an in-memory Client: a set of buckets, each a map of key
// to object bytes, guarded by a mutex. It has no concept of regions or
// policies; CreateBucket and ApplyReadAllPolicy always succeed.
type MemClient struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte
}

func newMemClient() *MemClient {
	return &MemClient{buckets: make(map[string]map[string][]byte)}
}

// NewMemClient returns a standalone in-memory Client, useful for tests
// that exercise a single Backend directly rather than through a
// MemDialer.
func NewMemClient() *MemClient {
	return newMemClient()
}

func (m *MemClient) HeadBucket(ctx context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		return modules.ErrObjectNotFound
	}
	return nil
}

func (m *MemClient) CreateBucket(ctx context.Context, bucket string, withLocationConstraint bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		m.buckets[bucket] = make(map[string][]byte)
	}
	return nil
}

func (m *MemClient) ApplyReadAllPolicy(ctx context.Context, bucket string) error {
	return nil
}

func (m *MemClient) ListBuckets(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.buckets))
	for name := range m.buckets {
		names = append(names, name)
	}
	return names, nil
}

func (m *MemClient) DeleteBucket(ctx context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, bucket)
	return nil
}

func (m *MemClient) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		m.buckets[bucket] = b
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	b[key] = cp
	return nil
}

func (m *MemClient) HeadObject(ctx context.Context, bucket, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return 0, modules.ErrObjectNotFound
	}
	data, ok := b[key]
	if !ok {
		return 0, modules.ErrObjectNotFound
	}
	return int64(len(data)), nil
}

func (m *MemClient) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return nil, modules.ErrObjectNotFound
	}
	data, ok := b[key]
	if !ok {
		return nil, modules.ErrObjectNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *MemClient) DeleteObject(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return nil
	}
	delete(b, key)
	return nil
}

func (m *MemClient) DeleteObjects(ctx context.Context, bucket string, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return nil
	}
	for _, k := range keys {
		delete(b, k)
	}
	return nil
}

func (m *MemClient) ListObjects(ctx context.Context, bucket string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	return keys, nil
}
