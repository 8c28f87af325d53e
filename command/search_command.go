package command

import (
	"context"

	"github.com/nvaistore/pimstore/idset"
	"github.com/nvaistore/pimstore/perr"
	"github.com/nvaistore/pimstore/query"
	"github.com/nvaistore/pimstore/scope"
	"github.com/nvaistore/pimstore/txn"
)

// SearchResultArgs is the input to the Search Result command (spec §4.4
// "Search result").
type SearchResultArgs struct {
	SearchID     string
	Scope        scope.Scope // must be Uid or Rid
	CollectionID int64       // restriction used to resolve a Rid scope
}

// SearchResult resolves a Uid or Rid result set (translating Rid to Uid,
// restricted to CollectionID) and delivers it to the Search Task Manager,
// waking whichever caller is blocked on that search id (spec §4.4 "Search
// result").
func (h *Handler) SearchResult(ctx context.Context, args SearchResultArgs) error {
	var ids *idset.IdSet
	err := h.runTxn(ctx, func(tx *txn.Transaction) error {
		switch args.Scope.Kind {
		case scope.Uid:
			ids = args.Scope.Ids
			return nil
		case scope.Rid:
			resolveCtx := scope.Context{HasCollection: true, CollectionID: args.CollectionID}
			cond, err := query.ItemScopeToSQL(args.Scope, resolveCtx, h.Store)
			if err != nil {
				return err
			}
			rawIDs, err := h.Store.ListItemIDs(ctx, tx.SQL(), cond)
			if err != nil {
				return err
			}
			ids = idset.FromValues(rawIDs...)
			return nil
		default:
			return perr.New(perr.ContextRequired, "search result scope must be Uid or Rid")
		}
	})
	if err != nil {
		h.Search.Deliver(args.SearchID, nil, err)
		return err
	}
	return h.Search.Deliver(args.SearchID, ids, nil)
}
