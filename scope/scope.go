// Package scope implements the Scope selector of spec §4.1: a tagged union
// selecting an entity set by id-set, remote-id list, hierarchical
// remote-id chain, or gid list. This replaces the teacher's ad hoc
// request-option structs with the single enum the Design Notes (§9) call
// for: "enum Scope { Uid(IdSet), Rid(Vec<String>), Hrid(Vec<HridStep>),
// Gid(Vec<String>), None }". Callers pattern-match via the Kind field at
// the query-building boundary (see package query).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package scope

import "github.com/nvaistore/pimstore/idset"

// Kind discriminates the Scope variant in play.
type Kind int

const (
	None Kind = iota
	Uid
	Rid
	Hrid
	Gid
)

func (k Kind) String() string {
	switch k {
	case Uid:
		return "Uid"
	case Rid:
		return "Rid"
	case Hrid:
		return "Hrid"
	case Gid:
		return "Gid"
	default:
		return "None"
	}
}

// Scope selects an entity set by exactly one of its variants; Kind says
// which fields are meaningful.
type Scope struct {
	Kind Kind

	Ids *idset.IdSet // Uid

	RemoteIDs []string // Rid

	// Hrid is the chain [leaf, ..., root-terminator]; the empty string at
	// the tail marks the root terminator (spec §4.1/GLOSSARY).
	Hrid []string

	Gids []string // Gid
}

// ByUid builds a Uid-variant scope.
func ByUid(ids *idset.IdSet) Scope { return Scope{Kind: Uid, Ids: ids} }

// ByRid builds a Rid-variant scope from one or more remote ids.
func ByRid(rids ...string) Scope { return Scope{Kind: Rid, RemoteIDs: rids} }

// ByHrid builds an Hrid-variant scope from a leaf-to-root chain.
func ByHrid(chain ...string) Scope { return Scope{Kind: Hrid, Hrid: chain} }

// ByGid builds a Gid-variant scope from one or more gids.
func ByGid(gids ...string) Scope { return Scope{Kind: Gid, Gids: gids} }

// Context carries the resource/collection/tag disambiguation a Rid, Hrid,
// or Gid scope needs (spec §4.1: "Error: if Rid/Hrid is used without
// resource or collection context, fail with ContextRequired").
type Context struct {
	ResourceID     int64
	HasResource    bool
	CollectionID   int64
	HasCollection  bool
	TagID          int64
	HasTag         bool
}

// RequiresContext reports whether this scope kind needs a resource or
// collection context to resolve (spec §4.1).
func (s Scope) RequiresContext() bool {
	return s.Kind == Rid || s.Kind == Hrid
}
