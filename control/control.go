// Package control implements the operator-facing control plane
// marking a Backend offline or online by
// hand, triggering the health, metrics, and reconciliation sweeps on
// demand, and polling the status of a previously-triggered sweep by
// handle.
package control

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uplo-tech/errors"

	"github.com/shardvault/shardvault/health"
	"github.com/shardvault/shardvault/modules"
	"github.com/shardvault/shardvault/persist"
	"github.com/shardvault/shardvault/reconcile"
	"github.com/shardvault/shardvault/store"
)

// TaskState is the lifecycle of an asynchronously-triggered sweep.
type TaskState string

const (
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// TaskKind identifies which sweep a Task ran.
type TaskKind string

const (
	TaskHealthSweep    TaskKind = "health_sweep"
	TaskMetricsSweep   TaskKind = "metrics_sweep"
	TaskReconciliation TaskKind = "reconciliation"
)

// Task is the pollable record of one triggered sweep.
type Task struct {
	Handle    string
	Kind      TaskKind
	State     TaskState
	StartedAt time.Time
	EndedAt   time.Time
	Err       string
	Report    reconcile.Report
}

// Plane is the control plane. It wraps the running health.Monitor and
// reconcile.Reconciler, and owns nothing of its own except the task
// ledger. The zero value is not usable; build one with New.
type Plane struct {
	store      store.Store
	monitor    *health.Monitor
	reconciler *reconcile.Reconciler
	log        *persist.Logger

	mu    sync.Mutex
	tasks map[string]*Task
}

// New builds a Plane over an already-running Monitor and Reconciler.
func New(s store.Store, monitor *health.Monitor, reconciler *reconcile.Reconciler, log *persist.Logger) *Plane {
	return &Plane{
		store:      s,
		monitor:    monitor,
		reconciler: reconciler,
		log:        log,
		tasks:      make(map[string]*Task),
	}
}

// MarkOffline sets a Backend's status to offline and writes the
// OfflineSentinelFailures sentinel into consecutive_failures, which
// suppresses passive/automatic recovery (both the probe loop and the
// auto-recover sweep skip a Backend at or above the sentinel) until an
// operator calls MarkOnline. It then schedules a reconciliation pass so
// the Backend's chunks get topped up immediately rather than waiting
// for the next periodic sweep.
func (p *Plane) MarkOffline(ctx context.Context, backendID string) error {
	if err := p.store.SetBackendFailed(ctx, backendID, time.Now(), modules.OfflineSentinelFailures); err != nil {
		return errors.AddContext(err, "mark-offline failed")
	}
	p.TriggerReconciliation(false)
	return nil
}

// MarkOnline probes backendID once and transitions it online only if
// the probe succeeds; a failed probe leaves the Backend exactly as it
// was (still carrying the sentinel, if it had one) so a mistaken
// mark-online attempt is never silently destructive.
func (p *Plane) MarkOnline(ctx context.Context, backendID string) error {
	return p.monitor.ProbeOnce(ctx, backendID)
}

// TriggerHealthSweep runs one ad hoc health.Monitor probe pass and
// returns a handle that TaskStatus can poll.
func (p *Plane) TriggerHealthSweep() string {
	return p.runAsync(TaskHealthSweep, func(ctx context.Context) (reconcile.Report, error) {
		return reconcile.Report{}, p.monitor.RunHealthSweep(ctx)
	})
}

// TriggerMetricsSweep runs one ad hoc health.Monitor metrics-recompute
// pass and returns a pollable handle.
func (p *Plane) TriggerMetricsSweep() string {
	return p.runAsync(TaskMetricsSweep, func(ctx context.Context) (reconcile.Report, error) {
		return reconcile.Report{}, p.monitor.RunMetricsSweep(ctx)
	})
}

// TriggerReconciliation runs one ad hoc top-up/balance/evacuate pass
// and returns a pollable handle.
func (p *Plane) TriggerReconciliation(dryRun bool) string {
	return p.runAsync(TaskReconciliation, func(ctx context.Context) (reconcile.Report, error) {
		return p.reconciler.RunOnce(ctx, dryRun)
	})
}

// TaskStatus returns the current state of a previously-triggered task.
func (p *Plane) TaskStatus(handle string) (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[handle]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// runAsync registers a Task under a fresh uuid handle and runs fn in a
// background goroutine, updating the Task's state when fn returns.
// Each sweep kind has its own run and is not deduplicated against an
// in-flight run of the same kind: there is no requirement that only
// one run happens at a time, and each job tolerates overlap with itself.
func (p *Plane) runAsync(kind TaskKind, fn func(ctx context.Context) (reconcile.Report, error)) string {
	handle := uuid.New().String()
	task := &Task{Handle: handle, Kind: kind, State: TaskRunning, StartedAt: time.Now()}

	p.mu.Lock()
	p.tasks[handle] = task
	p.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		report, err := fn(ctx)

		p.mu.Lock()
		defer p.mu.Unlock()
		task.EndedAt = time.Now()
		task.Report = report
		if err != nil {
			task.State = TaskFailed
			task.Err = err.Error()
			p.log.Printf("control: task %s (%s) failed: %v\n", handle, kind, err)
			return
		}
		task.State = TaskSucceeded
	}()

	return handle
}
