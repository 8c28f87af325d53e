// Package command implements the Command Handlers of spec §4.4: one
// function per command kind, each running inside an implicit or explicit
// transaction and producing exactly one success response or one failure.
// Grounded on the teacher's ais/transaction.go, which dispatches one
// function per verb against a shared transactional context the same way.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package command

import (
	"context"

	"github.com/nvaistore/pimstore/notify"
	"github.com/nvaistore/pimstore/search"
	"github.com/nvaistore/pimstore/store"
	"github.com/nvaistore/pimstore/txn"
)

// MergeOption is one of the merge-behavior flags a caller can request on
// Append Item / Create Tag (spec §4.4).
type MergeOption string

const (
	MergeGid    MergeOption = "Gid"
	MergeRid    MergeOption = "Rid"
	MergeSilent MergeOption = "Silent"
)

func hasOption(opts []MergeOption, want MergeOption) bool {
	for _, o := range opts {
		if o == want {
			return true
		}
	}
	return false
}

// Handler wires the store, transaction manager, and search task manager
// together to implement every command of spec §4.4.
type Handler struct {
	Store  *store.Store
	Txn    *txn.Manager
	Search *search.Manager
}

// New constructs a Handler bound to one session's store/transaction/search
// state.
func New(st *store.Store, tm *txn.Manager, sm *search.Manager) *Handler {
	return &Handler{Store: st, Txn: tm, Search: sm}
}

// runTxn executes fn inside a transaction. If the session has no active
// transaction, one is begun implicitly and committed on success or rolled
// back on failure; if a transaction was already open (an explicit
// Transaction Begin command issued by the caller), fn merely contributes to
// it and the caller remains responsible for the eventual commit/rollback
// (spec §4.4: "every handler runs inside an implicit or explicit
// transaction").
func (h *Handler) runTxn(ctx context.Context, fn func(tx *txn.Transaction) error) error {
	tx := h.Txn.Current()
	implicit := tx == nil
	if implicit {
		var err error
		if tx, err = h.Txn.Begin(ctx); err != nil {
			return err
		}
	}
	if err := fn(tx); err != nil {
		if implicit {
			h.Txn.Rollback()
		}
		return err
	}
	if implicit {
		return h.Txn.Commit(ctx)
	}
	return nil
}

// notifyAll is a small convenience for handlers that need to emit more than
// one event into the active transaction's collector.
func notifyAll(tx *txn.Transaction, events ...notify.Event) {
	for _, e := range events {
		tx.Notify(e)
	}
}
