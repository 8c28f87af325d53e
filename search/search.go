// Package search is the Search Task Manager of spec §4.4's SearchResult
// command: a thin uuid-keyed registry that a search consumer polls or waits
// on, and that the SearchResult command handler delivers a resolved id-set
// into once the matching commit lands. Grounded on the teacher's xaction
// registry uuid->handle lookup (xaction/registry/registry.go's GetXact) and
// on query/xaction.go's timer-guarded result channel, generalized from a
// single cloud-listing xaction to an arbitrary number of concurrent
// searches.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package search

import (
	"context"
	"sync"
	"time"

	"github.com/nvaistore/pimstore/idset"
	"github.com/nvaistore/pimstore/perr"
)

// defaultTTL bounds how long an undelivered task is kept registered before
// it is reaped, mirroring xactionTTL in the teacher's query xaction.
const defaultTTL = 10 * time.Minute

// Task is one outstanding search: registered before the search request is
// sent to a provider, resolved once the SearchResult command commits.
type Task struct {
	id     string
	done   chan struct{}
	mu     sync.Mutex
	ids    *idset.IdSet
	err    error
	timer  *time.Timer
	onStop func()
}

// ID returns the search-id this task was registered under.
func (t *Task) ID() string { return t.id }

// Wait blocks until the task is delivered, ctx is done, or the task's TTL
// expires, whichever comes first.
func (t *Task) Wait(ctx context.Context) (*idset.IdSet, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.ids, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.timer.C:
		return nil, perr.New(perr.NotFound, "search task %s timed out undelivered", t.id)
	}
}

func (t *Task) deliver(ids *idset.IdSet, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return // already delivered; SearchResult commands are delivered at most once
	default:
	}
	t.ids, t.err = ids, err
	t.timer.Stop()
	close(t.done)
}

// Manager is the registry of outstanding search tasks, keyed by search-id.
// One Manager is shared across all sessions of a pimstore instance.
type Manager struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewManager returns an empty task registry.
func NewManager() *Manager {
	return &Manager{tasks: make(map[string]*Task)}
}

// Register creates and stores a new Task under id, replacing any stale
// entry previously registered under the same id.
func (m *Manager) Register(id string) *Task {
	t := &Task{id: id, done: make(chan struct{}), timer: time.NewTimer(defaultTTL)}
	m.mu.Lock()
	m.tasks[id] = t
	m.mu.Unlock()
	go func() {
		<-t.timer.C
		m.mu.Lock()
		if cur, ok := m.tasks[id]; ok && cur == t {
			delete(m.tasks, id)
		}
		m.mu.Unlock()
	}()
	return t
}

// Get returns the task registered under id, if any.
func (m *Manager) Get(id string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// Deliver resolves the task registered under id with ids (or err on
// failure), per spec §4.4's SearchResult command: "deliver the resolved id
// set to the Search Task Manager". Returns perr.NotFound if no task is
// registered under id (e.g. it already timed out).
func (m *Manager) Deliver(id string, ids *idset.IdSet, err error) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if ok {
		delete(m.tasks, id)
	}
	m.mu.Unlock()
	if !ok {
		return perr.New(perr.NotFound, "no search task registered for id %s", id)
	}
	t.deliver(ids, err)
	return nil
}
