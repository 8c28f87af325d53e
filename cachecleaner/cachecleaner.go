// Package cachecleaner implements the Cache Cleaner & Interval Checker of
// spec §4.6 preamble / §5: a background sweep that evicts expired cached
// payload parts, and a scheduler that produces resync jobs per collection's
// check_interval_minutes. Grounded on the teacher's lru package (lru/lru.go):
// a periodically-triggered background pass over stored data, throttled and
// inhibitable rather than always-on, generalized from per-mountpath LRU
// eviction of whole objects down to per-part payload-cache eviction keyed by
// a collection's own cache_timeout_minutes instead of a global watermark.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cachecleaner

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/golang/glog"
	"go.uber.org/atomic"

	"github.com/nvaistore/pimstore/cmn"
	"github.com/nvaistore/pimstore/config"
	"github.com/nvaistore/pimstore/dbdriver"
	"github.com/nvaistore/pimstore/extpart"
	"github.com/nvaistore/pimstore/model"
	"github.com/nvaistore/pimstore/store"
)

// Inhibitor is a reference-counted guard: the cleaner's sweep loop skips any
// tick while the count is above zero. Move/copy/sync handlers that need the
// cache to stay warm for the duration of a multi-step operation hold one
// (spec §5: "inhibited (reference-counted) during move/copy/sync
// operations that need the cache to stay warm"). Acquire/Release is safe to
// call from multiple goroutines; pair every Acquire with a deferred Release
// so the guard is exception-safe.
type Inhibitor struct {
	count atomic.Int64
}

// Acquire increments the inhibit count and returns a release function; the
// idiomatic call site is `defer inhibitor.Acquire()()`.
func (i *Inhibitor) Acquire() func() {
	i.count.Inc()
	return func() { i.count.Dec() }
}

// Inhibited reports whether any caller currently holds the guard.
func (i *Inhibitor) Inhibited() bool { return i.count.Load() > 0 }

// Cleaner runs the periodic eviction sweep described by spec §4.6 preamble:
// any cached payload part whose owning collection's cache_timeout_minutes
// has elapsed since it was last (re)fetched is cleared back to
// not-yet-cached, and its External file (if any) is removed from disk.
// Foreign parts and parts under a collection with cache_timeout_minutes ==
// -1 ("forever") are never touched.
type Cleaner struct {
	DB        *sql.DB
	Store     *store.Store
	Parts     *extpart.Storage
	Inhibitor *Inhibitor

	stop   *cmn.StopCh
	doneCh chan struct{}
}

// New constructs a Cleaner bound to the shared store and part storage.
func New(db *sql.DB, st *store.Store, parts *extpart.Storage, inh *Inhibitor) *Cleaner {
	return &Cleaner{DB: db, Store: st, Parts: parts, Inhibitor: inh, stop: cmn.NewStopCh(), doneCh: make(chan struct{})}
}

// Run blocks, sweeping every config.GCO-configured interval until ctx is
// canceled or Stop is called. Intended to run in its own goroutine.
func (c *Cleaner) Run(ctx context.Context) {
	defer close(c.doneCh)
	for {
		interval := time.Duration(config.GCO.Get().CacheCleaner.SweepIntervalSec) * time.Second
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.stop.Listen():
			timer.Stop()
			return
		case <-timer.C:
			if c.Inhibitor != nil && c.Inhibitor.Inhibited() {
				glog.V(4).Info("cachecleaner: sweep skipped, inhibited")
				continue
			}
			if err := c.Sweep(ctx, time.Now()); err != nil {
				glog.Errorf("cachecleaner: sweep failed: %v", err)
			}
		}
	}
}

// Stop asks Run to return and waits for it to do so. Safe to call more than
// once (cmn.StopCh.Close is idempotent).
func (c *Cleaner) Stop() {
	c.stop.Close()
	<-c.doneCh
}

// Sweep performs one eviction pass as of asOf. It is exported so tests and
// an explicit "clean now" admin command can trigger it synchronously
// without waiting for the timer.
func (c *Cleaner) Sweep(ctx context.Context, asOf time.Time) error {
	sqlTx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stale, err := c.Store.StalePayloadParts(ctx, sqlTx, asOf)
	if err != nil {
		sqlTx.Rollback()
		return err
	}
	var toRemove []string
	for _, ep := range stale {
		if err := c.Store.ClearPartData(ctx, sqlTx, ep.Part.ItemID, ep.Part.Name); err != nil {
			sqlTx.Rollback()
			return err
		}
		if ep.Part.Storage == model.StorageExternal && ep.Part.ExternalRef != "" {
			toRemove = append(toRemove, ep.Part.ExternalRef)
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return err
	}
	for _, path := range toRemove {
		partsTxn := c.Parts.Begin()
		partsTxn.QueueDelete(path)
		if err := partsTxn.Commit(); err != nil {
			glog.Errorf("cachecleaner: evict external file %q: %v", path, err)
		}
	}
	if len(stale) > 0 {
		glog.V(3).Infof("cachecleaner: evicted %d stale payload part(s)", len(stale))
	}
	return nil
}

// ResyncRequester is implemented by whatever schedules Collection/Item Sync
// jobs (colsync/itemsync); the Interval Checker is only ever a producer of
// such requests, never a mutator itself (spec §5).
type ResyncRequester interface {
	RequestResync(ctx context.Context, collectionID int64) error
}

// IntervalChecker schedules resyncs per collection according to
// cache_policy.check_interval_minutes (spec §5). It tracks each collection's
// last-scheduled time in memory and, when Header is set, also persists it
// there; collections with check_interval_minutes == -1 are never scheduled.
type IntervalChecker struct {
	Store     *store.Store
	DB        *sql.DB
	Requester ResyncRequester
	// Header, if set, persists lastRun so a restarted process does not
	// immediately re-request a resync for every collection whose interval
	// elapsed while the process was down.
	Header *dbdriver.Header

	lastRun map[int64]time.Time
	stop    *cmn.StopCh
	doneCh  chan struct{}
}

const lastRunCollection = "intervalcheck.lastrun"

// NewIntervalChecker constructs an IntervalChecker. hdr may be nil, in which
// case lastRun tracking is purely in-memory (lost on restart).
func NewIntervalChecker(db *sql.DB, st *store.Store, req ResyncRequester, hdr *dbdriver.Header) *IntervalChecker {
	return &IntervalChecker{
		DB: db, Store: st, Requester: req, Header: hdr,
		lastRun: make(map[int64]time.Time),
		stop:    cmn.NewStopCh(),
		doneCh:  make(chan struct{}),
	}
}

func (c *IntervalChecker) lastRunFor(collectionID int64) (time.Time, bool) {
	if t, ok := c.lastRun[collectionID]; ok {
		return t, true
	}
	if c.Header == nil {
		return time.Time{}, false
	}
	var t time.Time
	if err := c.Header.Get(lastRunCollection, strconv.FormatInt(collectionID, 10), &t); err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (c *IntervalChecker) recordRun(collectionID int64, at time.Time) {
	c.lastRun[collectionID] = at
	if c.Header == nil {
		return
	}
	if err := c.Header.Set(lastRunCollection, strconv.FormatInt(collectionID, 10), at); err != nil {
		glog.Errorf("cachecleaner: persist last-run for collection %d: %v", collectionID, err)
	}
}

// tickInterval is how often the checker re-evaluates every collection's due
// time; it is independent of any one collection's own check_interval_minutes.
const tickInterval = time.Minute

// Run blocks, evaluating due collections every tick until ctx is canceled or
// Stop is called.
func (c *IntervalChecker) Run(ctx context.Context) {
	defer close(c.doneCh)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop.Listen():
			return
		case now := <-ticker.C:
			if err := c.tick(ctx, now); err != nil {
				glog.Errorf("cachecleaner: interval checker tick failed: %v", err)
			}
		}
	}
}

// Stop asks Run to return and waits for it to do so. Safe to call more than
// once (cmn.StopCh.Close is idempotent).
func (c *IntervalChecker) Stop() {
	c.stop.Close()
	<-c.doneCh
}

func (c *IntervalChecker) tick(ctx context.Context, now time.Time) error {
	cols, err := c.Store.CollectionsDueForResync(ctx, c.DB)
	if err != nil {
		return err
	}
	for _, col := range cols {
		interval := time.Duration(col.CachePolicy.CheckIntervalMins) * time.Minute
		last, seen := c.lastRunFor(col.ID)
		if seen && now.Sub(last) < interval {
			continue
		}
		c.recordRun(col.ID, now)
		if err := c.Requester.RequestResync(ctx, col.ID); err != nil {
			glog.Errorf("cachecleaner: resync request for collection %d failed: %v", col.ID, err)
		}
	}
	return nil
}
