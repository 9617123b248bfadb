// Package coordinator assembles the store, object-store dialer, cache,
// upload/download coordinators, health monitor, reconciler, and
// control plane into one running instance, the way node/node.go
// assembles a Uplo node's modules. cmd/shardvaultd is a thin cobra
// shell around this package; cmd/shardvaultc never imports it
// directly and talks to a running instance over rpc instead.
package coordinator

import (
	"context"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/ratelimit"

	"github.com/shardvault/shardvault/cache"
	"github.com/shardvault/shardvault/config"
	"github.com/shardvault/shardvault/control"
	"github.com/shardvault/shardvault/download"
	"github.com/shardvault/shardvault/health"
	"github.com/shardvault/shardvault/modules"
	"github.com/shardvault/shardvault/objectstore"
	"github.com/shardvault/shardvault/persist"
	"github.com/shardvault/shardvault/reconcile"
	"github.com/shardvault/shardvault/store"
	"github.com/shardvault/shardvault/upload"
)

// Coordinator owns every long-lived component for one shardvault
// instance. The zero value is not usable; build one with New.
type Coordinator struct {
	Store      *store.BoltStore
	Dialer     *objectstore.MinioDialer
	Buckets    *objectstore.BucketListCache
	Cache      *cache.Manager
	Upload     *upload.Coordinator
	Download   *download.Coordinator
	Health     *health.Monitor
	Reconcile  *reconcile.Reconciler
	Control    *control.Plane
	Log        *persist.Logger
}

// New opens the on-disk store at cfg.DBPath, registers any backend in
// cfg.Backends not already known to the store, and wires every
// component in dependency order. It does not start the background loops; call Start for
// that once New succeeds.
func New(cfg config.Config, log *persist.Logger) (*Coordinator, error) {
	s, err := store.OpenBoltStore(cfg.DBPath())
	if err != nil {
		return nil, errors.AddContext(err, "opening metadata store")
	}

	if err := registerBackends(s, cfg); err != nil {
		s.Close()
		return nil, errors.AddContext(err, "registering configured backends")
	}

	rl := ratelimit.NewRateLimit(cfg.ReadBPS, cfg.WriteBPS, int64(cfg.PacketSize))
	dialer := objectstore.NewMinioDialer(rl, cfg.Secure)

	buckets, err := objectstore.NewBucketListCache()
	if err != nil {
		s.Close()
		return nil, errors.AddContext(err, "building bucket-list cache")
	}

	cacheMgr, err := cache.NewManager(cfg.DiskCacheDir(), cfg.ChunkCacheBytes, s)
	if err != nil {
		s.Close()
		return nil, errors.AddContext(err, "building cache manager")
	}

	reconciler, err := reconcile.New(s, dialer, log, cfg.Bucket, cfg.WALPath())
	if err != nil {
		s.Close()
		return nil, errors.AddContext(err, "opening reconciler write-ahead log")
	}

	uploadCoord := upload.New(s, dialer, buckets, log, cfg.Bucket, cfg.ChunkSize)
	downloadCoord := download.New(s, dialer, cacheMgr, log, cfg.Bucket, reconciler)
	monitor := health.New(s, dialer, log)
	plane := control.New(s, monitor, reconciler, log)

	return &Coordinator{
		Store:     s,
		Dialer:    dialer,
		Buckets:   buckets,
		Cache:     cacheMgr,
		Upload:    uploadCoord,
		Download:  downloadCoord,
		Health:    monitor,
		Reconcile: reconciler,
		Control:   plane,
		Log:       log,
	}, nil
}

// registerBackends adds every configured backend the store doesn't
// already know about. Existing rows are left untouched so health
// history (consecutive_failures, load, storage_used) survives a
// restart; only brand-new entries from the config file are seeded.
func registerBackends(s *store.BoltStore, cfg config.Config) error {
	ctx := context.Background()
	known, err := s.ListBackends(ctx)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(known))
	for _, b := range known {
		have[b.ID] = true
	}
	for _, bc := range cfg.Backends {
		if have[bc.ID] {
			continue
		}
		if err := s.CreateBackend(ctx, bc.Backend()); err != nil {
			return errors.AddContext(err, "backend "+bc.ID)
		}
	}
	return nil
}

// EnsureBuckets provisions the primary bucket on every registered
// online backend, running the head->create->verify->policy sequence
// against each. Call this once at startup before accepting uploads.
func (c *Coordinator) EnsureBuckets(ctx context.Context, bucket string) error {
	backends, err := c.Store.ListBackends(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, b := range backends {
		if b.Status != modules.BackendOnline {
			continue
		}
		client := c.Dialer.Client(b)
		if err := objectstore.EnsureBucket(ctx, client, bucket); err != nil {
			errs = append(errs, errors.AddContext(err, "backend "+b.ID))
		}
	}
	return errors.Compose(errs...)
}

// Start launches the health monitor and reconciler background loops.
func (c *Coordinator) Start() error {
	if err := c.Health.Start(); err != nil {
		return errors.AddContext(err, "starting health monitor")
	}
	if err := c.Reconcile.Start(); err != nil {
		return errors.AddContext(err, "starting reconciler")
	}
	return nil
}

// Close stops the background loops and the upload coordinator, then
// closes the reconciler's write-ahead log, the cache manager, the
// bucket-list cache and the metadata store, in the reverse of the
// order New built them.
func (c *Coordinator) Close() error {
	err := errors.Compose(
		c.Health.Close(),
		c.Upload.Close(),
		c.Reconcile.Close(),
	)
	c.Cache.Close()
	c.Buckets.Close()
	return errors.Compose(err, c.Store.Close())
}
