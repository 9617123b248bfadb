// Package health implements the background connectivity monitor
// a periodic probe of every registered
// Backend that classifies failures, flips Backend.Status, and
// auto-recovers a Backend once it has been offline long enough to be
// worth retrying.
package health

import (
	"context"
	"strings"
	"time"

	"github.com/uplo-tech/threadgroup"

	"github.com/shardvault/shardvault/modules"
	"github.com/shardvault/shardvault/objectstore"
	"github.com/shardvault/shardvault/persist"
	"github.com/shardvault/shardvault/store"
)

// ProbeInterval is how often every Backend is probed.
const ProbeInterval = time.Second

// SweepInterval is how often the auto-recover pass and the metrics
// recompute pass run.
const SweepInterval = 15 * time.Minute

// connectivityMarkers are the substrings matched against an error's
// text to decide whether a failure is connectivity-class (network-
// level, retried on a timer) rather than some other kind of failure.
var connectivityMarkers = []string{"connect", "connection", "timeout", "endpoint"}

// Monitor runs the periodic probe loop and the slower sweeps. The zero
// value is not usable; build one with New.
type Monitor struct {
	tg     threadgroup.ThreadGroup
	store  store.Store
	dialer objectstore.Dialer
	log    *persist.Logger
}

// New builds a Monitor. Call Start to begin probing and Close to stop.
func New(s store.Store, dialer objectstore.Dialer, log *persist.Logger) *Monitor {
	return &Monitor{store: s, dialer: dialer, log: log}
}

// Close stops the background loops and blocks until they exit.
func (m *Monitor) Close() error {
	return m.tg.Stop()
}

// Start launches the probe loop and the sweep loop as background
// goroutines. It returns once both are registered with the thread
// group; it does not block.
func (m *Monitor) Start() error {
	if err := m.tg.Add(); err != nil {
		return err
	}
	go m.threadedProbeLoop()

	if err := m.tg.Add(); err != nil {
		return err
	}
	go m.threadedSweepLoop()
	return nil
}

// threadedProbeLoop checks every Backend's connectivity once per
// ProbeInterval, matching threadedUpdateRenterContractsAndUtilities's
// select-on-StopChan-or-timer shape.
func (m *Monitor) threadedProbeLoop() {
	defer m.tg.Done()
	for {
		select {
		case <-m.tg.StopChan():
			return
		case <-time.After(ProbeInterval):
		}
		m.managedProbeAll()
	}
}

func (m *Monitor) threadedSweepLoop() {
	defer m.tg.Done()
	for {
		select {
		case <-m.tg.StopChan():
			return
		case <-time.After(SweepInterval):
		}
		m.managedAutoRecoverSweep()
		m.managedMetricsSweep()
	}
}

// managedProbeAll probes every registered Backend and records the
// outcome. Probes run one after another under a single ProbeInterval
// deadline, so a slow Backend delays the ones after it and can use up
// their share of that deadline.
func (m *Monitor) managedProbeAll() {
	ctx, cancel := context.WithTimeout(context.Background(), ProbeInterval)
	defer cancel()
	if err := m.RunHealthSweep(ctx); err != nil {
		m.log.Printf("health: probe sweep failed: %v\n", err)
	}
}

// RunHealthSweep probes every registered Backend once, synchronously.
// It is the same check the background probe loop runs every
// ProbeInterval; control.Plane calls it directly to service an
// on-demand "trigger health sweep" request.
func (m *Monitor) RunHealthSweep(ctx context.Context) error {
	backends, err := m.store.ListBackends(ctx)
	if err != nil {
		return err
	}
	for _, b := range backends {
		m.managedCheckOne(ctx, b)
	}
	return nil
}

// ProbeOnce probes a single Backend identified by backendID and, only
// on success, marks it online. It does not touch Status on failure —
// mark-online is an explicit operator action, not a threshold-based
// decision: probes once, and only transitions on that probe's own
// success."
func (m *Monitor) ProbeOnce(ctx context.Context, backendID string) error {
	b, err := m.store.GetBackend(ctx, backendID)
	if err != nil {
		return err
	}
	start := time.Now()
	probeErr := m.dialer.Probe(ctx, b)
	latency := time.Since(start)
	if probeErr != nil {
		return probeErr
	}
	if err := m.store.UpdateBackendHealth(ctx, b.ID, modules.BackendOnline, latency, 0, time.Now()); err != nil {
		return err
	}
	return m.store.SetBackendRecovered(ctx, b.ID, time.Now())
}

// managedCheckOne probes a single Backend and updates its recorded
// health, following check_node_health.py: a connectivity-class failure
// flips the Backend offline immediately (HealthProbeFailureThreshold is
// 1), any other probe failure is logged but does not change Status, and
// a clean probe records the latency and, if the Backend was offline,
// recovers it.
func (m *Monitor) managedCheckOne(ctx context.Context, b modules.Backend) {
	// A Backend an operator manually marked offline carries the
	// OfflineSentinelFailures sentinel and is left alone here; only
	// the control plane's explicit mark-online clears it.
	if b.ConsecutiveFailures >= modules.OfflineSentinelFailures {
		return
	}

	start := time.Now()
	err := m.dialer.Probe(ctx, b)
	latency := time.Since(start)
	now := time.Now()

	if err == nil {
		if uerr := m.store.UpdateBackendHealth(ctx, b.ID, modules.BackendOnline, latency, 0, now); uerr != nil {
			m.log.Printf("health: update_backend_health failed for %s: %v\n", b.ID, uerr)
		}
		if b.Status == modules.BackendOffline {
			if rerr := m.store.SetBackendRecovered(ctx, b.ID, now); rerr != nil {
				m.log.Printf("health: set_backend_recovered failed for %s: %v\n", b.ID, rerr)
			}
		}
		return
	}

	if !isConnectivityClass(err) {
		m.log.Debugln("health: non-connectivity probe failure on", b.ID, err)
		return
	}

	failures := b.ConsecutiveFailures + 1
	if failures < modules.HealthProbeFailureThreshold {
		if uerr := m.store.UpdateBackendHealth(ctx, b.ID, b.Status, latency, failures, now); uerr != nil {
			m.log.Printf("health: update_backend_health failed for %s: %v\n", b.ID, uerr)
		}
		return
	}

	if serr := m.store.SetBackendFailed(ctx, b.ID, now, failures); serr != nil {
		m.log.Printf("health: set_backend_failed failed for %s: %v\n", b.ID, serr)
		return
	}
	m.log.Printf("health: backend %s marked offline: %v\n", b.ID, err)
}

// managedAutoRecoverSweep retries every offline Backend that has been
// down for at least AutoRecoverAfter and was not manually pinned
// offline by an operator (OfflineSentinelFailures).
func (m *Monitor) managedAutoRecoverSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), SweepInterval)
	defer cancel()
	if err := m.RunAutoRecoverSweep(ctx); err != nil {
		m.log.Printf("health: auto-recover sweep failed: %v\n", err)
	}
}

// RunAutoRecoverSweep retries every offline Backend that has been down
// for at least AutoRecoverAfter and was not manually pinned offline by
// an operator (OfflineSentinelFailures), synchronously.
func (m *Monitor) RunAutoRecoverSweep(ctx context.Context) error {
	backends, err := m.store.ListBackends(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, b := range backends {
		if b.Status != modules.BackendOffline {
			continue
		}
		if b.ConsecutiveFailures >= modules.OfflineSentinelFailures {
			continue
		}
		if b.FailedAt.IsZero() || now.Sub(b.FailedAt) < modules.AutoRecoverAfter {
			continue
		}
		m.managedCheckOne(ctx, b)
	}
	return nil
}

// managedMetricsSweep recomputes what Load and StorageUsed should be
// from the chunk-association table and logs any Backend where the
// incrementally-bookkept values (maintained by AddChunkBackend and
// RemoveChunkBackend) have drifted. The Store does not expose a setter
// for these fields directly; they are only ever adjusted as a side
// effect of an association change, so a drift here means a bug in that
// bookkeeping rather than something this sweep can correct on its own.
func (m *Monitor) managedMetricsSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), SweepInterval)
	defer cancel()
	if err := m.RunMetricsSweep(ctx); err != nil {
		m.log.Printf("health: metrics sweep failed: %v\n", err)
	}
}

// RunMetricsSweep recomputes what Load and StorageUsed should be from
// the chunk-association table and logs any Backend where the
// incrementally-bookkept values (maintained by AddChunkBackend and
// RemoveChunkBackend) have drifted, synchronously. The Store does not
// expose a setter for these fields directly; they are only ever
// adjusted as a side effect of an association change, so a drift here
// means a bug in that bookkeeping rather than something this sweep can
// correct on its own.
func (m *Monitor) RunMetricsSweep(ctx context.Context) error {
	backends, err := m.store.ListBackends(ctx)
	if err != nil {
		return err
	}
	for _, b := range backends {
		chunks, err := m.store.ChunksOnBackend(ctx, b.ID)
		if err != nil {
			m.log.Printf("health: chunks_on_backend failed for %s: %v\n", b.ID, err)
			continue
		}
		var load int64
		var used int64
		for _, c := range chunks {
			load++
			used += c.Size
		}
		if load != b.Load || used != b.StorageUsed {
			m.log.Printf("health: backend %s metrics drift: load %d->%d, storage_used %d->%d\n", b.ID, b.Load, load, b.StorageUsed, used)
		}
	}
	return nil
}

// isConnectivityClass reports whether err's text matches one of the
// markers distinguishing a network-level failure from any other kind
// of error.
func isConnectivityClass(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range connectivityMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
