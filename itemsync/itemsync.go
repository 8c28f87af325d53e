// Package itemsync implements Item Sync (spec §4.8): reconciling a
// resource's remote item listing for one collection against the items
// already stored there, batch by batch. Grounded on two example repos'
// batch-reconciliation shape (a8d3e67e_mirzakopic-api-syncagent's syncer.go
// loop and a6806ebd_tonimelisma-onedrive-go's three-way merge-key matching)
// plus command/item_commands.go's own merge-update wiring (mergeUpdateItem)
// for how a matched item is actually patched in place. Unlike Collection
// Sync, which batches many sub-operations into one checkpointed transaction
// chain, each Item Sync batch commits (or rolls back) its own independent
// transaction: a failed batch is recorded and processing continues with the
// next one, since the batches share no relational state.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package itemsync

import (
	"context"

	"github.com/nvaistore/pimstore/jobreg"
	"github.com/nvaistore/pimstore/model"
	"github.com/nvaistore/pimstore/notify"
	"github.com/nvaistore/pimstore/perr"
	"github.com/nvaistore/pimstore/store"
	"github.com/nvaistore/pimstore/txn"
)

// MergeMode selects how a remote item is matched against the local listing
// (spec §4.8 input).
type MergeMode int

const (
	MergeRid MergeMode = iota
	MergeGid
	MergeRidOrGid
)

// RemoteItem is one entry of the provider's listing.
type RemoteItem struct {
	RemoteID       string
	RemoteRevision string
	Gid            string
	MimeType       string
	Flags          []string
	Tags           []int64
	Attributes     map[string][]byte
	Parts          []model.Part
	SizeHint       int64
}

// Request configures one sync run (spec §4.8).
type Request struct {
	CollectionID int64
	Mode         MergeMode
	Incremental  bool
	Removed      []string // remote ids, incremental mode only
	BatchSize    int       // default batchSize when <= 0
}

// Result summarizes one completed sync run, aggregated across every batch.
type Result struct {
	Created           int
	Updated           int
	Deleted           int
	DuplicatesSkipped int
	BatchErrors       []error
}

const defaultBatchSize = 100

// Syncer runs Item Sync jobs against the store.
type Syncer struct {
	Store    *store.Store
	Txn      *txn.Manager
	Registry *jobreg.Registry // optional; when set, every Sync run is tracked and abortable
}

// New constructs a Syncer.
func New(st *store.Store, tm *txn.Manager, reg *jobreg.Registry) *Syncer {
	return &Syncer{Store: st, Txn: tm, Registry: reg}
}

// Job is a running/finished Item Sync run, registered with jobreg alongside
// Collection Sync and Recursive Mover runs.
type Job struct {
	jobreg.Base
}

func newJob() *Job {
	return &Job{Base: jobreg.NewBase(jobreg.KindItemSync)}
}

// Sync runs one Item Sync pass over remote: the complete listing when
// !req.Incremental, or the changed/added subset when req.Incremental (with
// req.Removed naming withdrawn remote ids).
func (s *Syncer) Sync(ctx context.Context, req Request, remote []RemoteItem) (res Result, err error) {
	job := newJob()
	if s.Registry != nil {
		s.Registry.Put(job)
		defer func() { job.Finish(err) }()
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	seenRemoteIDs := map[string]bool{}
	for start := 0; start < len(remote); start += batchSize {
		if job.Aborted() {
			err = perr.New(perr.UserCanceled, "item sync %s aborted", job.ID())
			return res, err
		}
		end := start + batchSize
		if end > len(remote) {
			end = len(remote)
		}
		batch := remote[start:end]
		if berr := s.runBatch(ctx, req, batch, seenRemoteIDs, &res); berr != nil {
			res.BatchErrors = append(res.BatchErrors, berr)
		}
	}

	if !req.Incremental {
		if derr := s.deleteOrphans(ctx, req.CollectionID, seenRemoteIDs, &res); derr != nil {
			res.BatchErrors = append(res.BatchErrors, derr)
		}
	} else if len(req.Removed) > 0 {
		if derr := s.applyRemoved(ctx, req.CollectionID, req.Removed, &res); derr != nil {
			res.BatchErrors = append(res.BatchErrors, derr)
		}
	}

	if len(res.BatchErrors) > 0 {
		err = perr.New(perr.StorageError, "item sync: %d batch(es) failed", len(res.BatchErrors))
	}
	return res, err
}

// runBatch processes one batch inside its own transaction, committing on
// success and rolling back on any error so a failed batch never leaves
// partial writes behind (spec §4.8 step 4).
func (s *Syncer) runBatch(ctx context.Context, req Request, batch []RemoteItem, seenRemoteIDs map[string]bool, res *Result) error {
	if _, err := s.Txn.Begin(ctx); err != nil {
		return err
	}
	tx := s.Txn.Current()
	for _, ri := range batch {
		if ri.RemoteID != "" {
			seenRemoteIDs[ri.RemoteID] = true
		}
		if err := s.syncOne(ctx, tx, req, ri, res); err != nil {
			s.Txn.Rollback()
			return err
		}
	}
	return s.Txn.Commit(ctx)
}

// syncOne resolves ri's local peer(s) by req.Mode and creates, modifies, or
// skips-as-duplicate accordingly (spec §4.8 step 1).
func (s *Syncer) syncOne(ctx context.Context, tx *txn.Transaction, req Request, ri RemoteItem, res *Result) error {
	q := tx.SQL()

	if req.Mode == MergeRid || (req.Mode == MergeRidOrGid && ri.RemoteID != "") {
		id, err := s.Store.ItemByRemoteIDInCollection(ctx, q, req.CollectionID, ri.RemoteID)
		switch {
		case err == nil:
			return s.modifyItem(ctx, tx, id, ri, res)
		case perr.Is(err, perr.NotFound):
			return s.createItem(ctx, tx, req, ri, res)
		default:
			return err
		}
	}

	// MergeGid, or MergeRidOrGid with no remote id to key on.
	ids, err := s.Store.ItemIDsByGidInCollection(ctx, q, req.CollectionID, ri.Gid)
	if err != nil {
		return err
	}
	switch len(ids) {
	case 0:
		return s.createItem(ctx, tx, req, ri, res)
	case 1:
		return s.modifyItem(ctx, tx, ids[0], ri, res)
	default:
		// More than one local peer sharing gid: keep the first (lowest id,
		// i.e. the oldest) and leave the rest in place (spec §4.8 step 1).
		// A full sync's orphan pass removes only items whose remote id is
		// set and absent from the listing, so rid-less duplicates stay.
		res.DuplicatesSkipped += len(ids) - 1
		return s.modifyItem(ctx, tx, ids[0], ri, res)
	}
}

func (s *Syncer) createItem(ctx context.Context, tx *txn.Transaction, req Request, ri RemoteItem, res *Result) error {
	size := ri.SizeHint
	for _, p := range ri.Parts {
		size += p.Size
	}
	it := &model.Item{
		CollectionID:   req.CollectionID,
		MimeType:       ri.MimeType,
		RemoteID:       ri.RemoteID,
		RemoteRevision: ri.RemoteRevision,
		Gid:            ri.Gid,
		Size:           size,
		Flags:          ri.Flags,
		Tags:           ri.Tags,
		Attributes:     ri.Attributes,
		Parts:          ri.Parts,
	}
	id, err := s.Store.CreateItem(ctx, tx.SQL(), it)
	if err != nil {
		return err
	}
	tx.Notify(notify.Event{Kind: notify.ItemAdded, EntityID: id})
	res.Created++
	return nil
}

// modifyItem patches an existing item in place, following the same sparse
// field-set-plus-part-diff pattern as command.Handler.mergeUpdateItem: only
// the fields a sync can actually affect (mime type, remote revision, gid,
// flags, size, payload parts) are touched.
func (s *Syncer) modifyItem(ctx context.Context, tx *txn.Transaction, id int64, ri RemoteItem, res *Result) error {
	q := tx.SQL()
	size := ri.SizeHint
	for _, p := range ri.Parts {
		size += p.Size
	}
	set := map[string]interface{}{
		"mime_type":       ri.MimeType,
		"size":            size,
		"flags":           joinFlags(ri.Flags),
		"remote_revision": ri.RemoteRevision,
		"gid":             ri.Gid,
	}
	if err := s.Store.UpdateItemFields(ctx, q, id, set); err != nil {
		return err
	}
	old, err := s.Store.ItemParts(ctx, q, id)
	if err != nil {
		return err
	}
	oldByName := map[string]model.Part{}
	for _, p := range old {
		oldByName[p.Name] = p
	}
	for _, p := range ri.Parts {
		p.ItemID = id
		if prev, ok := oldByName[p.Name]; ok && prev.Storage == model.StorageExternal && prev.ExternalRef != p.ExternalRef {
			tx.Parts().QueueDelete(prev.ExternalRef)
		}
		if err := s.Store.UpsertPart(ctx, q, &p); err != nil {
			return err
		}
	}
	tx.Notify(notify.Event{Kind: notify.ItemChanged, EntityID: id})
	res.Updated++
	return nil
}

// deleteOrphans implements full-sync step 2: items present locally but not
// named by any batch of remote are removed. Runs in its own transaction,
// separate from the per-batch ones, since it needs the complete seen-set.
func (s *Syncer) deleteOrphans(ctx context.Context, collectionID int64, seenRemoteIDs map[string]bool, res *Result) error {
	if _, err := s.Txn.Begin(ctx); err != nil {
		return err
	}
	tx := s.Txn.Current()
	q := tx.SQL()
	ids, err := s.Store.ItemIDsInCollection(ctx, q, collectionID)
	if err != nil {
		s.Txn.Rollback()
		return err
	}
	var toDelete []int64
	for _, id := range ids {
		it, err := s.Store.GetItem(ctx, q, id)
		if err != nil {
			s.Txn.Rollback()
			return err
		}
		if it.RemoteID == "" || seenRemoteIDs[it.RemoteID] {
			continue
		}
		for _, p := range it.Parts {
			if p.Storage == model.StorageExternal {
				tx.Parts().QueueDelete(p.ExternalRef)
			}
		}
		toDelete = append(toDelete, id)
	}
	if len(toDelete) > 0 {
		if err := s.Store.DeleteItems(ctx, q, toDelete); err != nil {
			s.Txn.Rollback()
			return err
		}
		for _, id := range toDelete {
			tx.Notify(notify.Event{Kind: notify.ItemRemoved, EntityID: id})
		}
		res.Deleted += len(toDelete)
	}
	return s.Txn.Commit(ctx)
}

// applyRemoved implements incremental step 3: withdrawals are applied by
// remote id; unknown remote ids are ignored (the item may have already been
// moved or deleted locally).
func (s *Syncer) applyRemoved(ctx context.Context, collectionID int64, removed []string, res *Result) error {
	if _, err := s.Txn.Begin(ctx); err != nil {
		return err
	}
	tx := s.Txn.Current()
	q := tx.SQL()
	var toDelete []int64
	for _, rid := range removed {
		id, err := s.Store.ItemByRemoteIDInCollection(ctx, q, collectionID, rid)
		if err != nil {
			if perr.Is(err, perr.NotFound) {
				continue
			}
			s.Txn.Rollback()
			return err
		}
		parts, err := s.Store.ItemParts(ctx, q, id)
		if err != nil {
			s.Txn.Rollback()
			return err
		}
		for _, p := range parts {
			if p.Storage == model.StorageExternal {
				tx.Parts().QueueDelete(p.ExternalRef)
			}
		}
		toDelete = append(toDelete, id)
	}
	if len(toDelete) > 0 {
		if err := s.Store.DeleteItems(ctx, q, toDelete); err != nil {
			s.Txn.Rollback()
			return err
		}
		for _, id := range toDelete {
			tx.Notify(notify.Event{Kind: notify.ItemRemoved, EntityID: id})
		}
		res.Deleted += len(toDelete)
	}
	return s.Txn.Commit(ctx)
}

func joinFlags(flags []string) string {
	out := ""
	for i, f := range flags {
		if i > 0 {
			out += "\x1f"
		}
		out += f
	}
	return out
}
