// Package cmn provides common low-level types and utilities shared by every
// layer of the store: byte-size constants, assertion helpers, and the
// StopCh stop signal used by the cache cleaner.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import "time"

// byte-size constants, used by the part streamer's default threshold and the
// buntdb header's auto-shrink size.
const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
)

// Command kinds (spec §6). Framing belongs to the transport collaborator;
// this is the closed vocabulary of tagged command records. No code in this
// module switches on these names; package command exposes the operations as
// Handler methods.
const (
	CmdBeginTx          = "BeginTx"
	CmdCommitTx         = "CommitTx"
	CmdRollbackTx       = "RollbackTx"
	CmdCreateCollection = "CreateCollection"
	CmdModifyCollection = "ModifyCollection"
	CmdMoveCollection   = "MoveCollection"
	CmdDeleteCollection = "DeleteCollection"
	CmdFetchCollections = "FetchCollections"
	CmdCreateItem       = "CreateItem"
	CmdModifyItem       = "ModifyItem"
	CmdMoveItems        = "MoveItems"
	CmdCopyItems        = "CopyItems"
	CmdDeleteItems      = "DeleteItems"
	CmdFetchItems       = "FetchItems"
	CmdLinkItems        = "LinkItems"
	CmdUnlinkItems      = "UnlinkItems"
	CmdCreateTag        = "CreateTag"
	CmdDeleteTag        = "DeleteTag"
	CmdModifyTag        = "ModifyTag"
	CmdFetchTags        = "FetchTags"
	CmdSearchResult     = "SearchResult"
	CmdSubscribe        = "Subscribe"
	CmdUnsubscribe      = "Unsubscribe"
)

// Job kind names, one per long-running reconciliation or background task.
// jobreg.Registry does not use them; it tags jobs with its own jobreg.Kind
// values.
const (
	JobColSync      = "colsync"
	JobItemSync     = "itemsync"
	JobRetrieve     = "retrieve"
	JobCacheCleaner = "cachecleaner"
	JobIntervalTick = "intervalcheck"
	JobRecursiveMv  = "recmove"
)

// merge options accepted by Append item (spec §4.4).
const (
	MergeGid    = "gid"
	MergeRid    = "rid"
	MergeSilent = "silent"
)

// item-sync merge modes (spec §4.8).
const (
	MergeModeRid      = "rid"
	MergeModeGid      = "gid"
	MergeModeRidOrGid = "ridorgid"
)

const (
	// DefaultTimeout is used where a caller did not specify one; the engine
	// itself never imposes deadlines on provider retrieval (spec §5).
	DefaultTimeout = 30 * time.Second

	// PayloadPartPrefix is the mandatory prefix for payload-carrying parts
	// (spec §3: "name begins with PLD: for payload parts").
	PayloadPartPrefix = "PLD:"
)
