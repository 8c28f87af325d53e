// Package recmover implements the Recursive Mover of spec §4.9: once an
// inter-resource collection move has already been applied to the store
// (the subtree now lives under its new parent/resource), this replays the
// parts of that subtree the destination resource could never discover on
// its own — collections and items that only ever existed locally and carry
// no remote id — as a depth-first sequence of local collection-added/
// item-added notifications. Grounded on the original Akonadi RecursiveMover
// (original_source/recursivemover.cpp): its parent-before-children ordering
// of the moved subtree (collectionListResult's colTree, walked depth-first
// here rather than through the original's breadth-first toBeProcessed
// queue) and its per-node "no remote id? replay it; items without a remote
// id replay too, the rest wait for the ordinary item-moved path" rule.
// Items with a remote id are intentionally left untouched here: command.
// MoveItems already queued their ItemMoved notification when the structural
// move happened. The original's fetch-from-server indirection (ItemFetchJob
// with fetchFullPayload) has no equivalent here, since the subtree already
// lives in this store — replaying a locally stored item is closer to
// mirror.XactPut.Repl's "replicate an object this node already has" shape
// than to a network fetch.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package recmover

import (
	"context"

	"github.com/nvaistore/pimstore/jobreg"
	"github.com/nvaistore/pimstore/notify"
	"github.com/nvaistore/pimstore/perr"
	"github.com/nvaistore/pimstore/store"
	"github.com/nvaistore/pimstore/txn"
)

// Result summarizes one completed replay.
type Result struct {
	CollectionsReplayed int
	ItemsReplayed       int
}

// Mover runs Recursive Mover jobs against the store.
type Mover struct {
	Store    *store.Store
	Txn      *txn.Manager
	Registry *jobreg.Registry // optional; when set, every Replay run is tracked and abortable
}

// New constructs a Mover.
func New(st *store.Store, tm *txn.Manager, reg *jobreg.Registry) *Mover {
	return &Mover{Store: st, Txn: tm, Registry: reg}
}

// Job is a running/finished Recursive Mover run, registered with jobreg
// alongside Collection Sync and Item Sync runs.
type Job struct {
	jobreg.Base
}

func newJob() *Job {
	return &Job{Base: jobreg.NewBase(jobreg.KindRecursiveMove)}
}

// Replay walks movedCollectionID's subtree (already relinked to its new
// parent/resource by the structural move that triggered this job) depth-first,
// each collection followed by its items and then its child subtrees, and
// re-announces every collection and item that
// carries no remote id, matching spec §4.9.
func (m *Mover) Replay(ctx context.Context, movedCollectionID int64) (res Result, err error) {
	job := newJob()
	if m.Registry != nil {
		m.Registry.Put(job)
		defer func() { job.Finish(err) }()
	}

	if _, err = m.Txn.Begin(ctx); err != nil {
		return res, err
	}
	m.Txn.Current().SetAutoCommit(false)

	runErr := m.replay(ctx, job, movedCollectionID, &res)
	if runErr != nil {
		m.Txn.Rollback()
		return res, runErr
	}
	if err = m.Txn.Commit(ctx); err != nil {
		return res, err
	}
	return res, nil
}

func (m *Mover) replay(ctx context.Context, job *Job, movedCollectionID int64, res *Result) error {
	order, err := m.dfsOrder(ctx, m.Txn.Current().SQL(), movedCollectionID)
	if err != nil {
		return err
	}

	for _, colID := range order {
		if job.Aborted() {
			return perr.New(perr.UserCanceled, "recursive move %s aborted", job.ID())
		}
		// NoteSubOperation may checkpoint (commit + replace) the active
		// transaction, so it is re-fetched from the Manager on every
		// iteration rather than held across them, same as colsync.
		tx := m.Txn.Current()
		q := tx.SQL()

		col, err := m.Store.GetCollection(ctx, q, colID)
		if err != nil {
			return err
		}
		if col.RemoteID == "" {
			tx.Notify(notify.Event{Kind: notify.CollectionAdded, EntityID: colID})
			res.CollectionsReplayed++
		}

		itemIDs, err := m.Store.ItemIDsInCollection(ctx, q, colID)
		if err != nil {
			return err
		}
		for _, itemID := range itemIDs {
			it, err := m.Store.GetItem(ctx, q, itemID)
			if err != nil {
				return err
			}
			if it.RemoteID == "" {
				tx.Notify(notify.Event{Kind: notify.ItemAdded, EntityID: itemID})
				res.ItemsReplayed++
			}
			// An item carrying a remote id is left alone: it already moved
			// through command.MoveItems' ordinary cross-resource path.
		}
		if err := m.Txn.NoteSubOperation(ctx); err != nil {
			return err
		}
	}
	return nil
}

// dfsOrder lists the subtree rooted at rootID in depth-first pre-order: each
// collection comes before its children, and a child's whole subtree comes
// before its next sibling. Siblings keep the order ChildIDs returns them in.
func (m *Mover) dfsOrder(ctx context.Context, q store.Querier, rootID int64) ([]int64, error) {
	var order []int64
	stack := []int64{rootID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		order = append(order, cur)
		kids, err := m.Store.ChildIDs(ctx, q, cur)
		if err != nil {
			return nil, err
		}
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	return order, nil
}
