// Package retriever implements the Item Retriever of spec §4.6: given a set
// of items and requested part names, it determines which payload parts are
// not yet cached, deduplicates concurrent requests for the same item, and
// issues at most one outstanding fetch per item to the item's owning
// resource. Grounded on the teacher's downloader package (downloader/
// download.go): a dispatcher handing work to per-key workers with a
// request/response channel and an explicit one-task-per-key invariant,
// generalized from "one task per mountpath" to "one in-flight fetch per
// item", plus a cuckoofilter front-cache (github.com/seiflotfy/cuckoofilter,
// a teacher go.mod dependency with no other direct call site in this port)
// recording items known fully cached, keyed by (item id, revision). Retrieve
// still loads the item and its collection first; a hit only spares the
// missing-part scan of a full-payload request.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package retriever

import (
	"context"
	"database/sql"
	"encoding/binary"
	"io"
	"sync"

	"github.com/OneOfOne/xxhash"
	cuckoo "github.com/seiflotfy/cuckoofilter"
	"github.com/pkg/errors"

	"github.com/nvaistore/pimstore/config"
	"github.com/nvaistore/pimstore/extpart"
	"github.com/nvaistore/pimstore/model"
	"github.com/nvaistore/pimstore/perr"
	"github.com/nvaistore/pimstore/store"
)

// FetchRequest is the ItemRetrievalRequest of spec §4.6 step 3: at most one
// outstanding request per item, naming exactly the missing parts (or every
// "PLD:"-prefixed part, for a full-payload request).
type FetchRequest struct {
	ResourceID int64
	ItemID     int64
	RemoteID   string
	MimeType   string
	Parts      []string // requested part names; empty means full payload
}

// FetchedPart is one part's freshly retrieved payload, as handed back by a
// Fetcher.
type FetchedPart struct {
	Name string
	Data io.Reader
	Size int64
}

// Fetcher is the owning resource collaborator spec §1 places out of scope:
// concrete provider implementations plug in here.
type Fetcher interface {
	FetchItem(ctx context.Context, req FetchRequest) ([]FetchedPart, error)
}

// inFlight tracks the single outstanding fetch for one item, fanning its
// result out to every caller that asked for the same item while it was
// running (spec §5: "callers MUST NOT observe two simultaneous fetches for
// the same item").
type inFlight struct {
	done chan struct{}
	err  error
}

// Retriever coordinates cache-miss detection and resource fetches.
type Retriever struct {
	DB    *sql.DB
	Store *store.Store
	Parts *extpart.Storage

	mu         sync.Mutex
	pending    map[int64]*inFlight
	sem        map[int64]chan struct{} // resourceID -> capacity semaphore
	warmFilter *cuckoo.Filter          // probabilistic "fully cached, skip the check" front-cache
}

// New constructs a Retriever. warmCapacity sizes the cuckoo filter; it is a
// performance hint, not a correctness bound: a hit is re-checked with
// allPayloadPartsCached before Retrieve returns early, so a false or stale
// positive falls through to the normal missing-part check.
func New(db *sql.DB, st *store.Store, parts *extpart.Storage, warmCapacity uint) *Retriever {
	return &Retriever{
		DB:         db,
		Store:      st,
		Parts:      parts,
		pending:    make(map[int64]*inFlight),
		sem:        make(map[int64]chan struct{}),
		warmFilter: cuckoo.NewFilter(warmCapacity),
	}
}

func warmKey(itemID int64, revision int64) []byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], uint64(itemID))
	binary.BigEndian.PutUint64(b[8:], uint64(revision))
	sum := xxhash.Checksum64(b[:])
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], sum)
	return out[:]
}

// Invalidate drops itemID's warm-cache entry, for a caller that has just
// changed the item's payload, so a subsequent Retrieve re-checks the store
// instead of trusting a now-stale "fully cached" marker.
func (r *Retriever) Invalidate(itemID, revision int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warmFilter.Delete(warmKey(itemID, revision))
}

func (r *Retriever) resourceSem(resourceID int64, capacity int) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.sem[resourceID]
	if !ok {
		ch = make(chan struct{}, capacity)
		r.sem[resourceID] = ch
	}
	return ch
}

// Retrieve ensures wantParts (nil/empty = full payload) are cached for item
// itemID, fetching from the owning resource via fetcher if needed. callerResourceID
// identifies who is asking: if it equals the item's own owning resource, the
// request is rejected with perr.IllegalMove to prevent a resource from
// re-entrantly fetching its own data (spec §4.6: "prevents reentrant
// resource self-fetch"). ignoreRetrievalErrors controls whether a fetch
// failure is fatal or soft (spec §4.6 final paragraph).
func (r *Retriever) Retrieve(ctx context.Context, fetcher Fetcher, callerResourceID, itemID int64, wantParts []string, ignoreRetrievalErrors bool) error {
	it, err := r.Store.GetItem(ctx, r.DB, itemID)
	if err != nil {
		return err
	}
	col, err := r.Store.GetCollection(ctx, r.DB, it.CollectionID)
	if err != nil {
		return err
	}
	if col.ResourceID == callerResourceID {
		return perr.New(perr.IllegalMove, "resource %d may not retrieve its own item %d", callerResourceID, itemID)
	}

	if len(wantParts) == 0 {
		r.mu.Lock()
		warm := r.warmFilter.Lookup(warmKey(itemID, it.Revision))
		r.mu.Unlock()
		if warm && allPayloadPartsCached(it) {
			return nil
		}
	}
	missing := missingParts(it, wantParts)
	if len(missing) == 0 {
		if len(wantParts) == 0 {
			r.mu.Lock()
			r.warmFilter.Insert(warmKey(itemID, it.Revision))
			r.mu.Unlock()
		}
		return nil
	}

	if err := r.fetchOnce(ctx, fetcher, FetchRequest{
		ResourceID: col.ResourceID,
		ItemID:     itemID,
		RemoteID:   it.RemoteID,
		MimeType:   it.MimeType,
		Parts:      missing,
	}); err != nil {
		if ignoreRetrievalErrors {
			return nil
		}
		return err
	}
	return nil
}

// missingParts computes which of wantParts (or, if empty, every "PLD:"
// part already attached to the item) lack cached data (spec §4.6 step 2).
func missingParts(it *model.Item, wantParts []string) []string {
	byName := make(map[string]*model.Part, len(it.Parts))
	for i := range it.Parts {
		p := &it.Parts[i]
		if p.IsPayload() {
			byName[p.Name] = p
		}
	}
	isMissing := func(p *model.Part) bool {
		return p == nil || (len(p.Data) == 0 && p.ExternalRef == "")
	}
	if len(wantParts) == 0 {
		var out []string
		for name, p := range byName {
			if isMissing(p) {
				out = append(out, name)
			}
		}
		return out
	}
	var out []string
	for _, name := range wantParts {
		if isMissing(byName[name]) {
			out = append(out, name)
		}
	}
	return out
}

func allPayloadPartsCached(it *model.Item) bool {
	for i := range it.Parts {
		p := &it.Parts[i]
		if p.IsPayload() && len(p.Data) == 0 && p.ExternalRef == "" {
			return false
		}
	}
	return true
}

// fetchOnce is the per-item dedup gate: the first caller for an item runs
// the fetch and stores the result into cache; every concurrent caller for
// the same item just waits on the same inFlight record (spec §5 item-retrieval
// dedup table).
func (r *Retriever) fetchOnce(ctx context.Context, fetcher Fetcher, req FetchRequest) error {
	r.mu.Lock()
	if existing, ok := r.pending[req.ItemID]; ok {
		r.mu.Unlock()
		select {
		case <-existing.done:
			return existing.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	fl := &inFlight{done: make(chan struct{})}
	r.pending[req.ItemID] = fl
	r.mu.Unlock()

	limit := config.GCO.Get().Retriever.MaxInFlightPerResource
	sem := r.resourceSem(req.ResourceID, limit)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, req.ItemID)
		r.mu.Unlock()
		fl.err = ctx.Err()
		close(fl.done)
		return fl.err
	}
	defer func() { <-sem }()

	fl.err = r.doFetch(ctx, fetcher, req)

	r.mu.Lock()
	delete(r.pending, req.ItemID)
	r.mu.Unlock()
	close(fl.done)
	return fl.err
}

func (r *Retriever) doFetch(ctx context.Context, fetcher Fetcher, req FetchRequest) error {
	fetched, err := fetcher.FetchItem(ctx, req)
	if err != nil {
		return &perr.Error{K: perr.RetrievalFailed, Msg: errors.Wrapf(err, "retriever: fetch item %d from resource %d", req.ItemID, req.ResourceID).Error(), Cause: err}
	}
	it, err := r.Store.GetItem(ctx, r.DB, req.ItemID)
	if err != nil {
		return err
	}
	sqlTx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	partsTxn := r.Parts.Begin()
	for _, fp := range fetched {
		part, err := partsTxn.WriteStaged(req.ItemID, it.Revision, fp.Name, fp.Data, fp.Size)
		if err != nil {
			sqlTx.Rollback()
			partsTxn.Rollback()
			return err
		}
		if err := r.Store.UpsertPart(ctx, sqlTx, &part); err != nil {
			sqlTx.Rollback()
			partsTxn.Rollback()
			return err
		}
	}
	if err := sqlTx.Commit(); err != nil {
		partsTxn.Rollback()
		return err
	}
	if err := partsTxn.Commit(); err != nil {
		return errors.Wrap(err, "retriever: commit staged parts")
	}
	return nil
}

// RetrieveCollection gathers every not-yet-cached item in collectionID,
// optionally recursing into children (spec §4.6 step 4).
func (r *Retriever) RetrieveCollection(ctx context.Context, fetcher Fetcher, callerResourceID, collectionID int64, wantParts []string, recursive, ignoreRetrievalErrors bool) error {
	itemIDs, err := r.Store.ItemIDsInCollection(ctx, r.DB, collectionID)
	if err != nil {
		return err
	}
	for _, id := range itemIDs {
		if err := r.Retrieve(ctx, fetcher, callerResourceID, id, wantParts, ignoreRetrievalErrors); err != nil {
			return err
		}
	}
	if !recursive {
		return nil
	}
	children, err := r.Store.ChildIDs(ctx, r.DB, collectionID)
	if err != nil {
		return err
	}
	for _, childID := range children {
		if err := r.RetrieveCollection(ctx, fetcher, callerResourceID, childID, wantParts, recursive, ignoreRetrievalErrors); err != nil {
			return err
		}
	}
	return nil
}
