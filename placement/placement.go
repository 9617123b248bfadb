// Package placement implements the load-aware backend selection policy
// picking upload targets by ascending load,
// and picking a download source by measured latency.
package placement

import (
	"context"
	"sort"
	"time"

	"github.com/shardvault/shardvault/modules"
)

// Pinger measures reachability of a Backend with a cheap call
// (list_buckets-equivalent). objectstore.Dialer satisfies it by
// building an explicit per-backend client and probing it, per
// no implicit global connection pool is kept here.
type Pinger interface {
	Probe(ctx context.Context, b modules.Backend) error
}

// SelectTargets returns up to desired online Backends from candidates,
// ordered by ascending Load. Ties are broken by the candidates' given
// order, which callers are expected to populate in a stable (e.g.
// insertion/ID) order. If fewer than desired online Backends exist,
// all of them are returned.
func SelectTargets(candidates []modules.Backend, desired int) []modules.Backend {
	online := make([]modules.Backend, 0, len(candidates))
	for _, b := range candidates {
		if b.Status == modules.BackendOnline {
			online = append(online, b)
		}
	}
	sort.SliceStable(online, func(i, j int) bool {
		return online[i].Load < online[j].Load
	})
	if desired < len(online) {
		online = online[:desired]
	}
	return online
}

// Exclude removes any Backend in exclude (matched by ID) from
// candidates, preserving order.
func Exclude(candidates []modules.Backend, exclude []modules.Backend) []modules.Backend {
	skip := make(map[string]bool, len(exclude))
	for _, b := range exclude {
		skip[b.ID] = true
	}
	out := make([]modules.Backend, 0, len(candidates))
	for _, b := range candidates {
		if !skip[b.ID] {
			out = append(out, b)
		}
	}
	return out
}

// Nearest probes each of backends with a cheap ListBuckets call, timing
// the round trip, and returns the Backend with the lowest measured
// latency. If every probe fails, it falls back to the first element of
// backends. Nearest panics if backends is empty; callers must guard for
// that themselves (an empty candidate set is a modules.ErrNoBackends
// condition one level up).
func Nearest(ctx context.Context, client Pinger, backends []modules.Backend) modules.Backend {
	best := backends[0]
	bestLatency := time.Duration(-1)
	for _, b := range backends {
		start := time.Now()
		err := client.Probe(ctx, b)
		if err != nil {
			continue
		}
		latency := time.Since(start)
		if bestLatency < 0 || latency < bestLatency {
			bestLatency = latency
			best = b
		}
	}
	return best
}

// Reorder returns a copy of backends with the nearest-measured one
// moved to the front, matching download.go's "put the nearest node
// first" step. Backends that fail the probe keep their relative order
// after the winner.
func Reorder(ctx context.Context, client Pinger, backends []modules.Backend) []modules.Backend {
	if len(backends) <= 1 {
		return backends
	}
	nearest := Nearest(ctx, client, backends)
	out := make([]modules.Backend, 0, len(backends))
	out = append(out, nearest)
	for _, b := range backends {
		if b.ID != nearest.ID {
			out = append(out, b)
		}
	}
	return out
}
