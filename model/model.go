// Package model defines the entity types of the store: resources,
// collections, items, parts, tags and relations (spec §3). It is the
// in-memory counterpart of the tables defined in store/schema.go.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package model

import (
	"time"

	"github.com/nvaistore/pimstore/cmn"
)

// Resource is an external provider instance (mail/calendar/address-book
// backend). Concrete providers are out of scope (spec §1); the engine only
// tracks their identity and whether they are virtual (synthetic, like the
// search resource).
type Resource struct {
	ID        int64
	Name      string
	IsVirtual bool
}

// CachePolicy controls what is kept local for a collection and when it is
// re-synced (spec §3).
type CachePolicy struct {
	InheritFromParent   bool
	CheckIntervalMins   int // -1 = never
	CacheTimeoutMins    int // -1 = forever
	LocalParts          []string
	SyncOnDemand        bool
}

// ListPref is a tri-state list preference (default/enabled/disabled).
type ListPref string

const (
	ListPrefDefault  ListPref = "default"
	ListPrefEnabled  ListPref = "enabled"
	ListPrefDisabled ListPref = "disabled"
)

// ListPreferences bundles the three tri-state enums a Collection carries.
type ListPreferences struct {
	Display ListPref
	Sync    ListPref
	Index   ListPref
}

// Collection is a node in the user-visible tree (spec §3).
type Collection struct {
	ID                 int64
	ParentID           *int64 // nil = root
	Name               string
	RemoteID           string
	RemoteRevision     string
	ResourceID         int64
	IsVirtual          bool
	ContentMimeTypes   []string
	CachePolicy        CachePolicy
	Enabled            bool
	ListPreferences    ListPreferences
	QueryString        string
	QueryAttributes    []string
	QueryCollectionIDs []int64
	Attributes         map[string][]byte // attr-type -> opaque bytes
}

// PartStorage enumerates where a Part's bytes physically live (spec §3).
type PartStorage string

const (
	StorageInternal PartStorage = "internal"
	StorageExternal PartStorage = "external"
	StorageForeign  PartStorage = "foreign"
)

// Part is a named component of an item's payload (spec §3). Name begins with
// "PLD:" for payload parts.
type Part struct {
	ItemID      int64
	Name        string
	Data        []byte // may be nil if Storage != Internal
	Storage     PartStorage
	ExternalRef string    // staging/permanent path (External) or caller path (Foreign)
	Size        int64     // uncompressed size hint, used for size accounting regardless of storage
	CachedAt    time.Time // when this part's payload was last (re)fetched; zero if never cached locally
}

// IsPayload reports whether p is a payload-carrying part per the "PLD:"
// naming convention (spec §3).
func (p *Part) IsPayload() bool {
	return len(p.Name) >= len(cmn.PayloadPartPrefix) && p.Name[:len(cmn.PayloadPartPrefix)] == cmn.PayloadPartPrefix
}

// Item is an atomic content unit living in exactly one owning collection
// (spec §3).
type Item struct {
	ID             int64
	CollectionID   int64
	MimeType       string
	RemoteID       string
	RemoteRevision string
	Gid            string
	Revision       int64
	Created        time.Time
	Modified       time.Time
	Size           int64
	Dirty          bool
	Flags          []string
	Tags           []int64
	Attributes     map[string][]byte
	Parts          []Part
}

// Tag is a labeled, non-owning grouping across items and resources (spec §3).
type Tag struct {
	ID         int64
	Gid        string
	Type       string
	ParentID   *int64
	Attributes map[string][]byte
}

// TagRemoteIDRelation records the provider-specific remote id a resource
// uses to refer to a Tag (spec §3: TagRemoteIdResourceRelation).
type TagRemoteIDRelation struct {
	TagID      int64
	ResourceID int64
	RemoteID   string
}

// Relation is a directed labeled edge between two items (spec §3).
type Relation struct {
	LeftItemID  int64
	RightItemID int64
	Type        string
}

// VirtualMembership is a non-owning (collection, item) link used by virtual
// collections (spec §3).
type VirtualMembership struct {
	CollectionID int64
	ItemID       int64
}

// Clone returns a deep copy of c, used by Collection Sync when comparing a
// candidate mutation against the stored value before writing it.
func (c *Collection) Clone() *Collection {
	if c == nil {
		return nil
	}
	cp := *c
	if c.ParentID != nil {
		pid := *c.ParentID
		cp.ParentID = &pid
	}
	cp.ContentMimeTypes = append([]string(nil), c.ContentMimeTypes...)
	cp.CachePolicy.LocalParts = append([]string(nil), c.CachePolicy.LocalParts...)
	cp.QueryAttributes = append([]string(nil), c.QueryAttributes...)
	cp.QueryCollectionIDs = append([]int64(nil), c.QueryCollectionIDs...)
	if c.Attributes != nil {
		cp.Attributes = make(map[string][]byte, len(c.Attributes))
		for k, v := range c.Attributes {
			cp.Attributes[k] = append([]byte(nil), v...)
		}
	}
	return &cp
}

// RootResourceID is the well-known resource id owning the distinguished
// virtual Search root (spec §3 invariant 8). It is seeded by store
// bootstrap and checked by the Delete Collection handler.
const RootResourceID int64 = 1

// SearchRootCollectionID is the well-known id of the virtual Search tree
// root, seeded at bootstrap. See DESIGN.md "Entities & Schema".
const SearchRootCollectionID int64 = 1
