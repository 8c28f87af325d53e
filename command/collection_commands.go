package command

import (
	"context"

	"github.com/nvaistore/pimstore/model"
	"github.com/nvaistore/pimstore/notify"
	"github.com/nvaistore/pimstore/perr"
	"github.com/nvaistore/pimstore/store"
	"github.com/nvaistore/pimstore/txn"
)

// CreateCollectionArgs is the input to the Create Collection command (spec
// §4.4 "Collection create").
type CreateCollectionArgs struct {
	ParentID         int64
	Name             string
	ContentMimeTypes []string
	CachePolicy      model.CachePolicy
	Attributes       map[string][]byte
}

// CreateCollection inserts a new child collection under ParentID. The
// resource is inherited from the parent (it may not be crossed implicitly);
// content mime types are inherited from the parent when the caller leaves
// them unset; a Search-tree parent may only accept virtual children (spec
// §4.4 "Collection create").
func (h *Handler) CreateCollection(ctx context.Context, args CreateCollectionArgs) (int64, error) {
	var newID int64
	err := h.runTxn(ctx, func(tx *txn.Transaction) error {
		q := tx.SQL()
		parent, err := h.Store.GetCollection(ctx, q, args.ParentID)
		if err != nil {
			return err
		}

		mimeTypes := args.ContentMimeTypes
		if len(mimeTypes) == 0 {
			mimeTypes = parent.ContentMimeTypes
		}
		// A virtual parent (the Search tree, in particular) only ever
		// accepts virtual children; isVirtual is inherited, never chosen
		// by the caller (spec §4.4 "Collection create").
		isVirtual := parent.IsVirtual

		c := &model.Collection{
			ParentID:         &parent.ID,
			Name:             args.Name,
			ResourceID:       parent.ResourceID,
			IsVirtual:        isVirtual,
			ContentMimeTypes: mimeTypes,
			CachePolicy:      args.CachePolicy,
			Enabled:          true,
			Attributes:       args.Attributes,
		}
		id, err := h.Store.CreateCollection(ctx, q, c)
		if err != nil {
			return err
		}
		newID = id
		tx.Notify(notify.Event{Kind: notify.CollectionAdded, EntityID: id})
		return nil
	})
	return newID, err
}

// ModifyCollectionArgs is the input to the Modify Collection command (spec
// §4.4 "Collection modify"). Only non-nil fields are applied.
type ModifyCollectionArgs struct {
	CollectionID       int64
	Name               *string
	ContentMimeTypes   []string
	HasContentMimeTypes bool
	CachePolicy        *model.CachePolicy
	NewParentID        *int64
	RemoteID           *string
	HasOwningResource  bool
	RemoteRevision     *string
	ListPreferences    *model.ListPreferences
	RemovedAttributes  []string
	Attributes         map[string][]byte
}

// ModifyCollection applies a sparse set of field changes (spec §4.4
// "Collection modify"), enforcing sibling-uniqueness on rename/move and
// emitting CollectionChanged with the exact set of modified field/attribute
// names.
func (h *Handler) ModifyCollection(ctx context.Context, args ModifyCollectionArgs) error {
	return h.runTxn(ctx, func(tx *txn.Transaction) error {
		q := tx.SQL()
		c, err := h.Store.GetCollection(ctx, q, args.CollectionID)
		if err != nil {
			return err
		}
		var changedParts []string

		if args.Name != nil && *args.Name != c.Name {
			if err := h.checkSiblingUnique(ctx, q, c.ResourceID, c.ParentID, *args.Name); err != nil {
				return err
			}
			c.Name = *args.Name
			changedParts = append(changedParts, "name")
		}
		if args.NewParentID != nil {
			if err := h.validateMove(ctx, q, c.ID, *args.NewParentID); err != nil {
				return err
			}
			if err := h.checkSiblingUnique(ctx, q, c.ResourceID, args.NewParentID, c.Name); err != nil {
				return err
			}
			c.ParentID = args.NewParentID
			changedParts = append(changedParts, "parent")
		}
		if args.HasContentMimeTypes {
			c.ContentMimeTypes = args.ContentMimeTypes
			changedParts = append(changedParts, "mime_types")
		}
		if args.CachePolicy != nil {
			c.CachePolicy = *args.CachePolicy
			changedParts = append(changedParts, "cache_policy")
		}
		if args.ListPreferences != nil {
			c.ListPreferences = *args.ListPreferences
			changedParts = append(changedParts, "list_preferences")
		}
		if args.RemoteID != nil {
			if !args.HasOwningResource {
				return perr.New(perr.NotOwnerResource, "only the owning resource may set remote_id on collection %d", c.ID)
			}
			c.RemoteID = *args.RemoteID
			changedParts = append(changedParts, "remote_id")
		}
		if args.RemoteRevision != nil {
			c.RemoteRevision = *args.RemoteRevision
			changedParts = append(changedParts, "remote_revision")
		}
		for _, typ := range args.RemovedAttributes {
			delete(c.Attributes, typ)
			changedParts = append(changedParts, typ)
		}
		for typ, data := range args.Attributes {
			if c.Attributes == nil {
				c.Attributes = map[string][]byte{}
			}
			c.Attributes[typ] = data
			changedParts = append(changedParts, typ)
		}

		if len(changedParts) == 0 {
			return nil
		}
		if err := h.replaceCollection(ctx, q, c); err != nil {
			return err
		}
		tx.Notify(notify.Event{Kind: notify.CollectionChanged, EntityID: c.ID, ChangedParts: changedParts})
		return nil
	})
}

// checkSiblingUnique fails with NameConflict if another child of parentID
// (within resourceID) already has name (spec invariant 2).
func (h *Handler) checkSiblingUnique(ctx context.Context, q store.Querier, resourceID int64, parentID *int64, name string) error {
	_, err := h.Store.ChildByName(ctx, q, resourceID, parentID, name)
	if err == nil {
		return perr.New(perr.NameConflict, "a sibling named %q already exists", name)
	}
	if !perr.Is(err, perr.NotFound) {
		return err
	}
	return nil
}

// validateMove enforces spec §4.4's move preconditions: the new parent must
// not be the collection itself or one of its own descendants.
func (h *Handler) validateMove(ctx context.Context, q store.Querier, id, newParentID int64) error {
	if id == newParentID {
		return perr.New(perr.IllegalMove, "collection %d cannot become its own parent", id)
	}
	cur := newParentID
	for {
		c, err := h.Store.GetCollection(ctx, q, cur)
		if err != nil {
			return err
		}
		if c.ParentID == nil {
			return nil
		}
		if *c.ParentID == id {
			return perr.New(perr.IllegalMove, "collection %d cannot move into its own descendant %d", id, newParentID)
		}
		cur = *c.ParentID
	}
}

// replaceCollection persists every mutable field of c back to the store.
// There is no generic column-map UPDATE for collections in the store
// package (unlike items' UpdateItemFields), since collection mutation here
// always recomputes the full struct from the fetched row; CreateCollection
// already knows how to serialize every field, so reuse is via a dedicated
// replace statement built from the same field set.
func (h *Handler) replaceCollection(ctx context.Context, q store.Querier, c *model.Collection) error {
	return h.Store.ReplaceCollection(ctx, q, c)
}

// MoveCollectionArgs is the input to the Collection Move command (spec
// §4.4 "Collection move").
type MoveCollectionArgs struct {
	CollectionID  int64
	NewParentID   int64
}

// MoveCollection relocates a subtree. Per spec §4.4, callers are expected to
// have already retrieved every not-yet-cached item in the subtree (with the
// cache cleaner inhibited) before calling this; this handler performs only
// the relational re-parent and emits one CollectionMoved event after it
// commits.
func (h *Handler) MoveCollection(ctx context.Context, args MoveCollectionArgs) error {
	return h.runTxn(ctx, func(tx *txn.Transaction) error {
		q := tx.SQL()
		c, err := h.Store.GetCollection(ctx, q, args.CollectionID)
		if err != nil {
			return err
		}
		if err := h.validateMove(ctx, q, c.ID, args.NewParentID); err != nil {
			return err
		}
		if err := h.checkSiblingUnique(ctx, q, c.ResourceID, &args.NewParentID, c.Name); err != nil {
			return err
		}
		oldParent := c.ParentID
		c.ParentID = &args.NewParentID
		if err := h.replaceCollection(ctx, q, c); err != nil {
			return err
		}
		var srcParent int64 = -1
		if oldParent != nil {
			srcParent = *oldParent
		}
		tx.Notify(notify.Event{Kind: notify.CollectionMoved, EntityID: c.ID, SourceID: srcParent, DestID: args.NewParentID})
		return nil
	})
}

// DeleteCollectionArgs is the input to the Collection Delete command (spec
// §4.4 "Collection delete").
type DeleteCollectionArgs struct {
	CollectionID int64
}

// DeleteCollection removes a collection and its subtree, deleting children
// depth-first so a consumer observes leaves before their parents (spec
// §4.4 "Collection delete"). Deleting the distinguished virtual Search root
// or the absolute root is rejected.
func (h *Handler) DeleteCollection(ctx context.Context, args DeleteCollectionArgs) error {
	return h.runTxn(ctx, func(tx *txn.Transaction) error {
		q := tx.SQL()
		if args.CollectionID == model.SearchRootCollectionID {
			return perr.New(perr.IllegalMove, "cannot delete the distinguished Search root")
		}
		c, err := h.Store.GetCollection(ctx, q, args.CollectionID)
		if err != nil {
			return err
		}
		if c.ParentID == nil {
			return perr.New(perr.IllegalMove, "cannot delete an absolute root collection")
		}
		return h.deleteSubtree(ctx, tx, args.CollectionID)
	})
}

func (h *Handler) deleteSubtree(ctx context.Context, tx *txn.Transaction, id int64) error {
	q := tx.SQL()
	children, err := h.Store.ChildIDs(ctx, q, id)
	if err != nil {
		return err
	}
	for _, childID := range children {
		if err := h.deleteSubtree(ctx, tx, childID); err != nil {
			return err
		}
	}
	itemIDs, err := h.Store.ItemIDsInCollection(ctx, q, id)
	if err != nil {
		return err
	}
	for _, itemID := range itemIDs {
		parts, err := h.Store.ItemParts(ctx, q, itemID)
		if err != nil {
			return err
		}
		for _, p := range parts {
			if p.Storage == model.StorageExternal {
				tx.Parts().QueueDelete(p.ExternalRef)
			}
		}
	}
	if len(itemIDs) > 0 {
		if err := h.Store.DeleteItems(ctx, q, itemIDs); err != nil {
			return err
		}
	}
	if err := h.Store.DeleteCollection(ctx, q, id); err != nil {
		return err
	}
	tx.Notify(notify.Event{Kind: notify.CollectionRemoved, EntityID: id})
	return nil
}
