package command

import (
	"context"

	"github.com/nvaistore/pimstore/model"
	"github.com/nvaistore/pimstore/notify"
	"github.com/nvaistore/pimstore/perr"
	"github.com/nvaistore/pimstore/txn"
)

// CreateTagArgs is the input to the Create Tag command (spec §4.4 "Tag
// create").
type CreateTagArgs struct {
	Gid               string
	Type              string
	ParentID          *int64
	Attributes        map[string][]byte
	Merge             bool
	CallingResourceID int64
	RemoteID          string
}

// CreateTag inserts a new tag, unique by gid. When Merge is requested and a
// tag with the same gid already exists, its id is returned and the calling
// resource's TagRemoteIdResourceRelation row is updated instead of
// inserting a new tag (spec §4.4 "Tag create").
func (h *Handler) CreateTag(ctx context.Context, args CreateTagArgs) (int64, error) {
	var id int64
	err := h.runTxn(ctx, func(tx *txn.Transaction) error {
		q := tx.SQL()
		if args.Merge {
			existing, err := h.Store.TagByGid(ctx, q, args.Gid)
			if err == nil {
				id = existing
				return h.Store.UpsertTagRemoteIDRelation(ctx, q, &model.TagRemoteIDRelation{
					TagID:      existing,
					ResourceID: args.CallingResourceID,
					RemoteID:   args.RemoteID,
				})
			}
			if !perr.Is(err, perr.NotFound) {
				return err
			}
		}
		newID, err := h.Store.CreateTag(ctx, q, &model.Tag{
			Gid:        args.Gid,
			Type:       args.Type,
			ParentID:   args.ParentID,
			Attributes: args.Attributes,
		})
		if err != nil {
			return err
		}
		id = newID
		tx.Notify(notify.Event{Kind: notify.TagAdded, EntityID: id})
		return nil
	})
	return id, err
}

// DeleteTagArgs is the input to the Delete Tag command (spec §4.4 "Tag
// delete").
type DeleteTagArgs struct {
	TagID int64
}

// DeleteTag removes the tag, emitting ItemsTagsChanged for every item that
// was tagged, followed by TagRemoved (spec §4.4 "Tag delete").
func (h *Handler) DeleteTag(ctx context.Context, args DeleteTagArgs) error {
	return h.runTxn(ctx, func(tx *txn.Transaction) error {
		q := tx.SQL()
		itemIDs, err := h.Store.TaggedItemIDs(ctx, q, args.TagID)
		if err != nil {
			return err
		}
		for _, itemID := range itemIDs {
			tx.Notify(notify.Event{Kind: notify.ItemsTagsChanged, EntityID: itemID, Removed: []int64{args.TagID}})
		}
		if err := h.Store.DeleteTag(ctx, q, args.TagID); err != nil {
			return err
		}
		tx.Notify(notify.Event{Kind: notify.TagRemoved, EntityID: args.TagID})
		return nil
	})
}
