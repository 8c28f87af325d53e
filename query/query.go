// Package query is the Query Helper of spec §4.1: it turns a Scope plus a
// resolution Context into relational filter conditions. Grounded on the
// teacher's terse condition-building style (cmn's range/interval helpers);
// unlike the teacher's single-table filters this one spans the
// Collection/Resource/Item join the spec calls for.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package query

import (
	"fmt"
	"strings"

	"github.com/nvaistore/pimstore/idset"
	"github.com/nvaistore/pimstore/perr"
	"github.com/nvaistore/pimstore/scope"
)

// HridResolver walks a hierarchical remote-id chain one level at a time.
// Implemented by the store against its collections table (spec §4.1:
// "walks the chain from root downward, enforcing unique resolution").
type HridResolver interface {
	// ResolveChild returns the id of the collection with the given
	// remote id under parentID (nil for root) within resourceID. It must
	// return a *perr.Error of kind NotFound or Ambiguous on failure.
	ResolveChild(resourceID int64, parentID *int64, remoteID string) (int64, error)
}

// Cond is a SQL fragment ("col IN (?,?)", "col = ?", ...) plus its bound
// arguments, AND-ed together by the caller alongside any other predicates.
type Cond struct {
	SQL  string
	Args []interface{}
}

// Empty reports whether the condition contributes no filtering at all
// (spec §4.1 Uid: "omit condition if set is empty and tag/collection
// context is present").
func (c Cond) Empty() bool { return c.SQL == "" }

// itemsTable / collectionsTable name the columns this package assumes;
// kept here rather than imported from store to avoid a store<->query
// import cycle (store depends on query to resolve scopes into SQL).
const (
	colItemID         = "items.id"
	colItemRemoteID   = "items.remote_id"
	colItemGid        = "items.gid"
	colItemCollection = "items.collection_id"
	colColResource    = "collections.resource_id"
)

// ItemScopeToSQL builds the WHERE-fragment selecting items matching scope s
// under ctx (spec §4.1 contract, item side).
func ItemScopeToSQL(s scope.Scope, ctx scope.Context, resolver HridResolver) (Cond, error) {
	switch s.Kind {
	case scope.None:
		return Cond{}, nil
	case scope.Uid:
		if s.Ids == nil || s.Ids.Empty() {
			if ctx.HasTag || ctx.HasCollection {
				return Cond{}, nil
			}
		}
		return idSetCond(colItemID, s.Ids), nil
	case scope.Rid:
		if !ctx.HasResource && !ctx.HasCollection {
			return Cond{}, perr.New(perr.ContextRequired, "Rid scope requires a resource or collection context")
		}
		cond := stringListCond(colItemRemoteID, s.RemoteIDs)
		join := ""
		if ctx.HasCollection {
			join = fmt.Sprintf(" AND %s = ?", colItemCollection)
			cond.Args = append(cond.Args, ctx.CollectionID)
		} else {
			join = fmt.Sprintf(" AND %s = ?", colColResource)
			cond.Args = append(cond.Args, ctx.ResourceID)
		}
		cond.SQL += join
		return cond, nil
	case scope.Hrid:
		if !ctx.HasResource {
			return Cond{}, perr.New(perr.ContextRequired, "Hrid scope requires a resource context")
		}
		colID, err := resolveHrid(s.Hrid, ctx.ResourceID, resolver)
		if err != nil {
			return Cond{}, err
		}
		return Cond{SQL: fmt.Sprintf("%s = ?", colItemCollection), Args: []interface{}{colID}}, nil
	case scope.Gid:
		cond := stringListCond(colItemGid, s.Gids)
		if ctx.HasTag {
			cond.SQL = fmt.Sprintf("(%s) AND items.id IN (SELECT item_id FROM item_tags WHERE tag_id = ?)", cond.SQL)
			cond.Args = append(cond.Args, ctx.TagID)
		}
		if ctx.HasResource {
			cond.SQL = fmt.Sprintf("(%s) AND %s = ?", cond.SQL, colColResource)
			cond.Args = append(cond.Args, ctx.ResourceID)
		}
		return cond, nil
	default:
		return Cond{}, perr.New(perr.ContextRequired, "unknown scope kind %v", s.Kind)
	}
}

// resolveHrid walks the chain root-terminator-first (the tail of the slice)
// down to the leaf (index 0), enforcing unique resolution at each step and
// failing if the chain is not root-terminated (spec §4.1).
func resolveHrid(chain []string, resourceID int64, resolver HridResolver) (int64, error) {
	if len(chain) == 0 || chain[len(chain)-1] != "" {
		return 0, perr.New(perr.NotFound, "hierarchical rid chain is not root-terminated")
	}
	var parent *int64
	for i := len(chain) - 2; i >= 0; i-- {
		id, err := resolver.ResolveChild(resourceID, parent, chain[i])
		if err != nil {
			return 0, err
		}
		parent = &id
	}
	if parent == nil {
		return 0, perr.New(perr.NotFound, "empty hierarchical rid chain")
	}
	return *parent, nil
}

// idSetCond renders an IdSet as a disjunction of "col BETWEEN ? AND ?"
// clauses (one per canonical interval), "col = ?" for a single-id interval.
// A nil or empty set matches nothing.
func idSetCond(col string, ids *idset.IdSet) Cond {
	if ids == nil || ids.Empty() {
		return Cond{SQL: "0", Args: nil}
	}
	ivs := ids.Intervals()
	parts := make([]string, 0, len(ivs))
	args := make([]interface{}, 0, len(ivs)*2)
	for _, iv := range ivs {
		if iv.Begin == iv.End {
			parts = append(parts, fmt.Sprintf("%s = ?", col))
			args = append(args, iv.Begin)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s BETWEEN ? AND ?", col))
		args = append(args, iv.Begin, iv.End)
	}
	sql := strings.Join(parts, " OR ")
	if len(parts) > 1 {
		sql = "(" + sql + ")"
	}
	return Cond{SQL: sql, Args: args}
}

// stringListCond builds "col = ?" for a single value or "col IN (?,...)"
// for several, matching spec §4.1's "single (=) or list (IN)" phrasing.
func stringListCond(col string, vals []string) Cond {
	if len(vals) == 0 {
		return Cond{}
	}
	if len(vals) == 1 {
		return Cond{SQL: fmt.Sprintf("%s = ?", col), Args: []interface{}{vals[0]}}
	}
	placeholders := make([]string, len(vals))
	args := make([]interface{}, len(vals))
	for i, v := range vals {
		placeholders[i] = "?"
		args[i] = v
	}
	return Cond{SQL: fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ",")), Args: args}
}
