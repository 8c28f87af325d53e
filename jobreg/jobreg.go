// Package jobreg is a process-wide registry of running and recently
// finished background jobs — Collection Sync, Item Sync, and Recursive
// Mover runs — each abortable and independently pollable for status.
// Grounded on the teacher's xaction/registry package (xaction/registry/
// registry.go, xaction/registry/global.go): a mutex-guarded entries slice
// keyed by UUID, periodic housekeeping that prunes long-finished entries
// past an age/size watermark, generalized from cluster extended-actions
// (rebalance, LRU, EC) down to this engine's sync jobs.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package jobreg

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/teris-io/shortid"
	"go.uber.org/atomic"
)

// Kind enumerates the job families this module runs in the background.
type Kind string

const (
	KindCollectionSync Kind = "CollectionSync"
	KindItemSync       Kind = "ItemSync"
	KindRecursiveMove  Kind = "RecursiveMove"
)

// cleanupInterval/entryOldAge/entriesSizeHW mirror the teacher registry's
// housekeeping thresholds (xaction/registry/registry.go), scaled down from
// a cluster-wide xaction registry to this engine's much smaller job volume.
const (
	cleanupInterval = 10 * time.Minute
	entryOldAge     = 1 * time.Hour
	entriesSizeHW   = 300
)

// Job is satisfied by every background job type this package tracks.
type Job interface {
	ID() string
	Kind() Kind
	Abort()
	Aborted() bool
	Done() <-chan struct{}
	Err() error
}

// Base is embedded by concrete job types (collection sync, item sync,
// recursive mover) to get ID/Kind/Abort/Done/Err bookkeeping for free.
type Base struct {
	id       string
	kind     Kind
	started  time.Time
	finished atomic.Bool
	finishAt atomic.Value // time.Time
	aborted  atomic.Bool
	err      atomic.Error
	doneCh   chan struct{}
}

// jobIDAlphabet mirrors the teacher's own shortid alphabet choice
// (cmn/shortid.go's uuidABC) rather than the library's built-in default.
const jobIDAlphabet = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

var idGen = shortid.MustNew(1, jobIDAlphabet, 1)

// NewBase constructs a Base with a fresh id, grounded on the teacher's
// cmn.GenUUID convention (shortid-generated, human-readable job ids).
func NewBase(kind Kind) Base {
	return Base{id: idGen.MustGenerate(), kind: kind, started: time.Now(), doneCh: make(chan struct{})}
}

func (k Kind) String() string { return string(k) }

func (b *Base) ID() string   { return b.id }
func (b *Base) Kind() Kind   { return b.kind }
func (b *Base) Abort()       { b.aborted.Store(true) }
func (b *Base) Aborted() bool { return b.aborted.Load() }
func (b *Base) Done() <-chan struct{} { return b.doneCh }
func (b *Base) Err() error { return b.err.Load() }

// Finish marks the job complete with the given error (nil on success),
// closing Done() and recording a finish timestamp for housekeeping.
func (b *Base) Finish(err error) {
	if b.finished.CAS(false, true) {
		b.err.Store(err)
		b.finishAt.Store(time.Now())
		close(b.doneCh)
	}
}

func (b *Base) isFinished() bool { return b.finished.Load() }

func (b *Base) finishedAt() (time.Time, bool) {
	v := b.finishAt.Load()
	t, ok := v.(time.Time)
	return t, ok
}

// Registry tracks every Job submitted via Put, and periodically prunes
// finished entries older than entryOldAge once the total entry count exceeds
// entriesSizeHW (teacher registry's exact two-threshold cleanup rule).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Job
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Job)}
}

// Put registers a newly started job.
func (r *Registry) Put(j Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[j.ID()] = j
}

// Get returns the job registered under id, if any.
func (r *Registry) Get(id string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.entries[id]
	return j, ok
}

// Abort aborts the job registered under id; a no-op if unknown.
func (r *Registry) Abort(id string) {
	r.mu.RLock()
	j, ok := r.entries[id]
	r.mu.RUnlock()
	if ok {
		j.Abort()
	}
}

// finishedAtJob is implemented by *Base-embedding job types so cleanup can
// read their finish timestamp without a type switch per concrete job kind.
type finishedAtJob interface {
	Job
	isFinishedJob() (finished bool, at time.Time)
}

func (b *Base) isFinishedJob() (bool, time.Time) {
	if !b.isFinished() {
		return false, time.Time{}
	}
	at, _ := b.finishedAt()
	return true, at
}

// cleanup removes finished entries older than entryOldAge, once the total
// entry count exceeds entriesSizeHW, matching the teacher's two-threshold
// housekeeping rule (don't bother scanning/pruning a small registry).
func (r *Registry) cleanup(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) <= entriesSizeHW {
		return
	}
	removed := 0
	for id, j := range r.entries {
		fj, ok := j.(finishedAtJob)
		if !ok {
			continue
		}
		finished, at := fj.isFinishedJob()
		if finished && now.Sub(at) > entryOldAge {
			delete(r.entries, id)
			removed++
		}
	}
	if removed > 0 {
		glog.V(3).Infof("jobreg: pruned %d finished job(s)", removed)
	}
}

// RunHousekeeping blocks, pruning the registry every cleanupInterval until
// stopCh is closed. Intended to run in its own goroutine for the process
// lifetime.
func (r *Registry) RunHousekeeping(stopCh <-chan struct{}) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			r.cleanup(now)
		}
	}
}
