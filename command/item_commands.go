package command

import (
	"context"
	"time"

	"github.com/nvaistore/pimstore/extpart"
	"github.com/nvaistore/pimstore/model"
	"github.com/nvaistore/pimstore/notify"
	"github.com/nvaistore/pimstore/perr"
	"github.com/nvaistore/pimstore/query"
	"github.com/nvaistore/pimstore/scope"
	"github.com/nvaistore/pimstore/store"
	"github.com/nvaistore/pimstore/txn"
)

// AppendItemArgs is the input to the Append Item command (spec §4.4,
// "Append item"). Parts must already be resolved to their final storage
// (Internal bytes inline, External parts already staged via the owning
// extpart.Txn, Foreign parts pointing at a caller-owned path) by the
// streaming layer that calls this handler.
type AppendItemArgs struct {
	DestCollectionID int64
	RemoteID         string
	RemoteRevision   string
	Gid              string
	MimeType         string
	Flags            []string
	Tags             []int64
	Attributes       map[string][]byte
	Parts            []model.Part
	SizeHint         int64
	Merge            []MergeOption
}

// AppendItemResult is the handler's success response. Item is nil when
// MergeSilent was requested, per spec §4.4.
type AppendItemResult struct {
	ID       int64
	Revision int64
	Item     *model.Item
}

func sumPartSizes(parts []model.Part) int64 {
	var total int64
	for _, p := range parts {
		total += p.Size
	}
	return total
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// AppendItem creates or, in merge mode, updates an item in the destination
// collection (spec §4.4 "Append item").
func (h *Handler) AppendItem(ctx context.Context, args AppendItemArgs) (*AppendItemResult, error) {
	var result *AppendItemResult
	err := h.runTxn(ctx, func(tx *txn.Transaction) error {
		q := tx.SQL()
		dest, err := h.Store.GetCollection(ctx, q, args.DestCollectionID)
		if err != nil {
			return err
		}
		if dest.IsVirtual {
			return perr.New(perr.IllegalMove, "cannot append an item into virtual collection %d", dest.ID)
		}

		size := maxInt64(args.SizeHint, sumPartSizes(args.Parts))

		if hasOption(args.Merge, MergeGid) || hasOption(args.Merge, MergeRid) {
			existingID, found, err := h.findMergeTarget(ctx, q, dest.ID, args)
			if err != nil {
				return err
			}
			if found {
				if err := h.mergeUpdateItem(ctx, tx, existingID, args, size); err != nil {
					return err
				}
				if hasOption(args.Merge, MergeSilent) {
					result = &AppendItemResult{ID: existingID}
					return nil
				}
				it, err := h.Store.GetItem(ctx, q, existingID)
				if err != nil {
					return err
				}
				result = &AppendItemResult{ID: existingID, Revision: it.Revision, Item: it}
				return nil
			}
		}

		it := &model.Item{
			CollectionID:   dest.ID,
			MimeType:       args.MimeType,
			RemoteID:       args.RemoteID,
			RemoteRevision: args.RemoteRevision,
			Gid:            args.Gid,
			Revision:       0,
			Size:           size,
			Flags:          args.Flags,
			Tags:           args.Tags,
			Attributes:     args.Attributes,
			Parts:          args.Parts,
		}
		id, err := h.Store.CreateItem(ctx, q, it)
		if err != nil {
			return err
		}
		tx.Notify(notify.Event{Kind: notify.ItemAdded, EntityID: id})

		if hasOption(args.Merge, MergeSilent) {
			result = &AppendItemResult{ID: id}
			return nil
		}
		it.ID = id
		result = &AppendItemResult{ID: id, Revision: it.Revision, Item: it}
		return nil
	})
	return result, err
}

// findMergeTarget looks for an existing item in dest matching the requested
// merge key, preferring Gid over Rid when both are requested.
func (h *Handler) findMergeTarget(ctx context.Context, q store.Querier, destID int64, args AppendItemArgs) (int64, bool, error) {
	if hasOption(args.Merge, MergeGid) && args.Gid != "" {
		id, err := h.Store.ItemByGidInCollection(ctx, q, destID, args.Gid)
		if err == nil {
			return id, true, nil
		}
		if !perr.Is(err, perr.NotFound) {
			return 0, false, err
		}
	}
	if hasOption(args.Merge, MergeRid) && args.RemoteID != "" {
		id, err := h.Store.ItemByRemoteIDInCollection(ctx, q, destID, args.RemoteID)
		if err == nil {
			return id, true, nil
		}
		if !perr.Is(err, perr.NotFound) {
			return 0, false, err
		}
	}
	return 0, false, nil
}

func (h *Handler) mergeUpdateItem(ctx context.Context, tx *txn.Transaction, id int64, args AppendItemArgs, size int64) error {
	q := tx.SQL()
	set := map[string]interface{}{
		"mime_type": args.MimeType,
		"size":      size,
		"flags":     joinFlags(args.Flags),
	}
	if args.RemoteRevision != "" {
		set["remote_revision"] = args.RemoteRevision
	}
	if err := h.Store.UpdateItemFields(ctx, q, id, set); err != nil {
		return err
	}
	old, err := h.Store.ItemParts(ctx, q, id)
	if err != nil {
		return err
	}
	oldByName := map[string]model.Part{}
	for _, p := range old {
		oldByName[p.Name] = p
	}
	for _, p := range args.Parts {
		p.ItemID = id
		if prev, ok := oldByName[p.Name]; ok && prev.Storage == model.StorageExternal && prev.ExternalRef != p.ExternalRef {
			tx.Parts().QueueDelete(prev.ExternalRef)
		}
		if err := h.Store.UpsertPart(ctx, q, &p); err != nil {
			return err
		}
	}
	tx.Notify(notify.Event{Kind: notify.ItemChanged, EntityID: id, ChangedParts: []string{notify.FLAGS}})
	return nil
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

// ModifyItemArgs is the input to the Modify Item command (spec §4.4
// "Modify item"). Only non-nil pointer fields, non-empty flag lists and a
// true ClearDirty are applied.
type ModifyItemArgs struct {
	Scope      scope.Scope
	Context    scope.Context
	OldRevision *int64

	SetFlags     []string
	AddFlags     []string
	RemoveFlags  []string
	RemoteID     *string
	RemoteRevision *string
	Gid          *string
	Size         *int64
	ClearDirty   bool
	OwningResource int64
	HasOwningResource bool
}

// ModifyItem applies a sparse field update to every item the scope selects
// (spec §4.4 "Modify item").
func (h *Handler) ModifyItem(ctx context.Context, args ModifyItemArgs) error {
	return h.runTxn(ctx, func(tx *txn.Transaction) error {
		q := tx.SQL()
		cond, err := query.ItemScopeToSQL(args.Scope, args.Context, h.Store)
		if err != nil {
			return err
		}
		ids, err := h.Store.ListItemIDs(ctx, q, cond)
		if err != nil {
			return err
		}
		now := truncateNow()
		for _, id := range ids {
			if err := h.modifyOneItem(ctx, tx, id, args, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (h *Handler) modifyOneItem(ctx context.Context, tx *txn.Transaction, id int64, args ModifyItemArgs, now time.Time) error {
	q := tx.SQL()
	it, err := h.Store.GetItem(ctx, q, id)
	if err != nil {
		return err
	}

	if args.OldRevision != nil && *args.OldRevision != it.Revision {
		return perr.New(perr.RevisionConflict, "item %d: expected revision %d, found %d", id, *args.OldRevision, it.Revision)
	}

	ownsResource := args.HasOwningResource
	if (args.RemoteID != nil || args.RemoteRevision != nil || args.ClearDirty) && !ownsResource {
		return perr.New(perr.NotOwnerResource, "only the owning resource may set remote_id/remote_revision or clear dirty on item %d", id)
	}
	if it.Dirty && ownsResource && !args.ClearDirty {
		return perr.New(perr.DirtyPayloadConflict, "item %d is dirty and cannot be modified by its owning resource", id)
	}

	set := map[string]interface{}{}
	onlyMetaChanged := true
	if len(args.SetFlags) > 0 {
		set["flags"] = joinFlags(args.SetFlags)
		onlyMetaChanged = false
	} else if len(args.AddFlags) > 0 || len(args.RemoveFlags) > 0 {
		set["flags"] = joinFlags(mergeFlags(it.Flags, args.AddFlags, args.RemoveFlags))
		onlyMetaChanged = false
	}
	if args.RemoteID != nil {
		set["remote_id"] = *args.RemoteID
	}
	if args.RemoteRevision != nil {
		set["remote_revision"] = *args.RemoteRevision
	}
	if args.Gid != nil {
		// remote_id/remote_revision/gid alone do not bump revision (spec
		// §4.4 "Modify item"): onlyMetaChanged stays true here.
		set["gid"] = *args.Gid
	}
	if args.Size != nil {
		set["size"] = *args.Size
		onlyMetaChanged = false
	}
	if args.ClearDirty {
		set["dirty"] = 0
	}
	if len(set) == 0 {
		return nil
	}
	set["modified"] = now
	if !onlyMetaChanged {
		set["revision"] = it.Revision + 1
	}
	if err := h.Store.UpdateItemFields(ctx, q, id, set); err != nil {
		return err
	}
	// A gid-only change is a resource acknowledging the id it was just
	// assigned; echoing it back onto the change stream would let that
	// resource observe its own write as a foreign change (spec §4.3 rule 5).
	gidOnly := args.Gid != nil &&
		len(args.SetFlags) == 0 && len(args.AddFlags) == 0 && len(args.RemoveFlags) == 0 &&
		args.RemoteID == nil && args.RemoteRevision == nil && args.Size == nil && !args.ClearDirty
	if !gidOnly {
		tx.Notify(notify.Event{Kind: notify.ItemChanged, EntityID: id})
	}
	return nil
}

func mergeFlags(current, add, remove []string) []string {
	set := map[string]bool{}
	for _, f := range current {
		set[f] = true
	}
	for _, f := range add {
		set[f] = true
	}
	for _, f := range remove {
		delete(set, f)
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	return out
}

// truncateNow is overridden in tests for determinism. Modification time is
// set to a single "now" for the whole batch and truncated to whole seconds
// so a subsequent fetch compares equal even when the store lacks sub-second
// precision (spec §4.4 "Modify item").
var truncateNow = func() time.Time { return time.Now().Truncate(time.Second) }

// MoveItemsArgs is the input to the Move Items command (spec §4.4
// "Move item(s)").
type MoveItemsArgs struct {
	Scope               scope.Scope
	Context             scope.Context
	DestCollectionID    int64
	MoverIsOwningResource bool
}

// MoveItems relocates the selected items into a new collection, per spec
// §4.4: payloads are assumed already cached by the caller (via the Item
// Retriever, cache cleaner inhibited for the duration); this handler only
// performs the relational move, clearing remote_id only after the
// ItemsMoved notification has been queued so the event still carries the
// pre-move remote id.
func (h *Handler) MoveItems(ctx context.Context, args MoveItemsArgs) error {
	return h.runTxn(ctx, func(tx *txn.Transaction) error {
		q := tx.SQL()
		dest, err := h.Store.GetCollection(ctx, q, args.DestCollectionID)
		if err != nil {
			return err
		}
		if dest.IsVirtual {
			return perr.New(perr.IllegalMove, "move destination %d is virtual", dest.ID)
		}
		cond, err := query.ItemScopeToSQL(args.Scope, args.Context, h.Store)
		if err != nil {
			return err
		}
		ids, err := h.Store.ListItemIDs(ctx, q, cond)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		bySource := map[int64][]int64{}
		for _, id := range ids {
			it, err := h.Store.GetItem(ctx, q, id)
			if err != nil {
				return err
			}
			if it.CollectionID == dest.ID {
				return perr.New(perr.IllegalMove, "move destination must differ from the source collection")
			}
			bySource[it.CollectionID] = append(bySource[it.CollectionID], id)
		}
		for src, batch := range bySource {
			tx.Notify(notify.Event{Kind: notify.ItemMoved, ItemIDs: batch, SourceID: src, DestID: dest.ID})
		}

		for _, id := range ids {
			set := map[string]interface{}{"collection_id": dest.ID}
			if !args.MoverIsOwningResource {
				set["dirty"] = 1
			}
			if err := h.Store.UpdateItemFields(ctx, q, id, set); err != nil {
				return err
			}
		}
		// remote_id cleared only after the notification above was queued,
		// so the source-side event still carries the original remote id.
		for _, id := range ids {
			if err := h.Store.UpdateItemFields(ctx, q, id, map[string]interface{}{"remote_id": ""}); err != nil {
				return err
			}
		}
		return nil
	})
}

// CopyItemsArgs is the input to the Copy Items command (spec §4.4
// "Copy item(s)").
type CopyItemsArgs struct {
	Scope            scope.Scope
	Context          scope.Context
	DestCollectionID int64
}

// CopyItems duplicates the selected items (new ids, revision 0, cleared
// remote id/revision) into dest, re-streaming External part payloads into
// fresh staging files (spec §4.4 "Copy item(s)").
func (h *Handler) CopyItems(ctx context.Context, args CopyItemsArgs) ([]int64, error) {
	var newIDs []int64
	err := h.runTxn(ctx, func(tx *txn.Transaction) error {
		q := tx.SQL()
		dest, err := h.Store.GetCollection(ctx, q, args.DestCollectionID)
		if err != nil {
			return err
		}
		if dest.IsVirtual {
			return perr.New(perr.IllegalMove, "cannot copy items into virtual collection %d", dest.ID)
		}
		cond, err := query.ItemScopeToSQL(args.Scope, args.Context, h.Store)
		if err != nil {
			return err
		}
		ids, err := h.Store.ListItemIDs(ctx, q, cond)
		if err != nil {
			return err
		}
		for _, id := range ids {
			src, err := h.Store.GetItem(ctx, q, id)
			if err != nil {
				return err
			}
			if src.CollectionID == dest.ID {
				continue
			}
			newItem := &model.Item{
				CollectionID: dest.ID,
				MimeType:     src.MimeType,
				Gid:          src.Gid,
				Flags:        append([]string(nil), src.Flags...),
				Attributes:   src.Attributes,
				Size:         src.Size,
			}
			newID, err := h.Store.CreateItem(ctx, q, newItem)
			if err != nil {
				return err
			}
			// Parts are re-streamed under the new item's own id, so two
			// copies of the same source item never collide on the same
			// permanent external path (spec §6 shard-factored layout).
			newParts, err := h.copyParts(tx, newID, src.Parts)
			if err != nil {
				return err
			}
			for _, p := range newParts {
				if err := h.Store.UpsertPart(ctx, q, &p); err != nil {
					return err
				}
			}
			tx.Notify(notify.Event{Kind: notify.ItemAdded, EntityID: newID})
			newIDs = append(newIDs, newID)
		}
		return nil
	})
	return newIDs, err
}

func (h *Handler) copyParts(tx *txn.Transaction, newItemID int64, parts []model.Part) ([]model.Part, error) {
	out := make([]model.Part, 0, len(parts))
	for _, p := range parts {
		switch p.Storage {
		case model.StorageInternal:
			cp := p
			cp.ItemID = newItemID
			cp.Data = append([]byte(nil), p.Data...)
			out = append(out, cp)
		case model.StorageForeign:
			if err := tx.Parts().VerifyForeign(p.ExternalRef); err != nil {
				return nil, err
			}
			cp := p
			cp.ItemID = newItemID
			out = append(out, cp)
		case model.StorageExternal:
			r, err := extpart.OpenExternal(p.ExternalRef)
			if err != nil {
				return nil, err
			}
			np, err := tx.Parts().WriteStaged(newItemID, 0, p.Name, r, p.Size)
			r.Close()
			if err != nil {
				return nil, err
			}
			out = append(out, np)
		}
	}
	return out, nil
}

// LinkItemsArgs is the input to the Link/Unlink commands (spec §4.4).
type LinkItemsArgs struct {
	Scope                scope.Scope
	Context              scope.Context
	DestVirtualCollection int64
}

// LinkItems toggles membership on, idempotently, for every selected item
// (spec §4.4 "Link/Unlink").
func (h *Handler) LinkItems(ctx context.Context, args LinkItemsArgs) error {
	return h.toggleLink(ctx, args, true)
}

// UnlinkItems toggles membership off, idempotently.
func (h *Handler) UnlinkItems(ctx context.Context, args LinkItemsArgs) error {
	return h.toggleLink(ctx, args, false)
}

func (h *Handler) toggleLink(ctx context.Context, args LinkItemsArgs, link bool) error {
	return h.runTxn(ctx, func(tx *txn.Transaction) error {
		q := tx.SQL()
		dest, err := h.Store.GetCollection(ctx, q, args.DestVirtualCollection)
		if err != nil {
			return err
		}
		if !dest.IsVirtual {
			return perr.New(perr.IllegalMove, "link/unlink destination %d must be virtual", dest.ID)
		}
		cond, err := query.ItemScopeToSQL(args.Scope, args.Context, h.Store)
		if err != nil {
			return err
		}
		ids, err := h.Store.ListItemIDs(ctx, q, cond)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		for _, id := range ids {
			if link {
				if err := h.Store.Link(ctx, q, dest.ID, id); err != nil {
					return err
				}
			} else {
				if err := h.Store.Unlink(ctx, q, dest.ID, id); err != nil {
					return err
				}
			}
		}
		if link {
			tx.Notify(notify.Event{Kind: notify.ItemsLinked, EntityID: dest.ID, ItemIDs: ids})
		} else {
			tx.Notify(notify.Event{Kind: notify.ItemsUnlinked, EntityID: dest.ID, ItemIDs: ids})
		}
		return nil
	})
}

// DeleteItemsArgs is the input to the Delete Items command (spec §4.4).
type DeleteItemsArgs struct {
	Scope   scope.Scope
	Context scope.Context
}

// DeleteItems removes the selected item rows; Foreign parts are left on
// disk untouched, External parts are queued for deletion and finalized only
// once the owning DB transaction commits (spec §4.4 "Delete item(s)").
func (h *Handler) DeleteItems(ctx context.Context, args DeleteItemsArgs) error {
	return h.runTxn(ctx, func(tx *txn.Transaction) error {
		q := tx.SQL()
		cond, err := query.ItemScopeToSQL(args.Scope, args.Context, h.Store)
		if err != nil {
			return err
		}
		ids, err := h.Store.ListItemIDs(ctx, q, cond)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		for _, id := range ids {
			parts, err := h.Store.ItemParts(ctx, q, id)
			if err != nil {
				return err
			}
			for _, p := range parts {
				if p.Storage == model.StorageExternal {
					tx.Parts().QueueDelete(p.ExternalRef)
				}
			}
		}
		if err := h.Store.DeleteItems(ctx, q, ids); err != nil {
			return err
		}
		tx.Notify(notify.Event{Kind: notify.ItemRemoved, ItemIDs: ids})
		return nil
	})
}
