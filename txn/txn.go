// Package txn is the Transaction Sequence of spec §4.2: a nestable
// transaction chain, at most one active per session, that owns the
// relational transaction, the ExternalPartStorage transaction, and the
// Notification Collector buffer together and commits or rolls them back as
// one unit. Grounded on the teacher's session/request-scoped transactional
// handling in ais/transaction.go (one logical operation owns several
// sub-resources that must all succeed or all roll back) generalized from a
// two-phase-commit-across-targets protocol to a three-layer local commit.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package txn

import (
	"context"
	"database/sql"

	"github.com/golang/glog"

	"github.com/nvaistore/pimstore/extpart"
	"github.com/nvaistore/pimstore/notify"
	"github.com/nvaistore/pimstore/perr"
)

// batchSize bounds journal growth when auto-commit is disabled (spec §4.2:
// "batches of 100 child operations each force an intermediate commit").
const batchSize = 100

// Transaction is one session's active transaction chain. Zero value is not
// usable; construct with Manager.Current after a successful Begin.
type Transaction struct {
	db       *sql.DB
	parts    *extpart.Storage
	sinks    []notify.Sink
	depth    int
	sql      *sql.Tx
	partsTxn *extpart.Txn
	coll     *notify.Collector
	auto     bool
	subOps   int
}

// Manager holds the single active Transaction for one session, mirroring
// the spec's "per session there is at most one active transaction chain".
type Manager struct {
	db    *sql.DB
	parts *extpart.Storage
	sinks []notify.Sink
	cur   *Transaction
}

// NewManager binds a Manager to the store's pooled connection, the part
// streamer, and the set of sinks new transactions' events are dispatched to
// on commit (e.g. the change recorder, live subscribers).
func NewManager(db *sql.DB, parts *extpart.Storage, sinks ...notify.Sink) *Manager {
	return &Manager{db: db, parts: parts, sinks: sinks}
}

// Current returns the session's active transaction, or nil if none is open.
func (m *Manager) Current() *Transaction { return m.cur }

// Begin pushes a frame onto the chain. The first Begin opens the relational
// transaction, the part-storage transaction, and a fresh notification
// collector; nested begins just increment depth and contribute to the same
// outermost commit.
func (m *Manager) Begin(ctx context.Context) (*Transaction, error) {
	if m.cur != nil {
		m.cur.depth++
		return m.cur, nil
	}
	sqlTx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, perr.Wrap(err, "txn: begin")
	}
	t := &Transaction{
		db:       m.db,
		parts:    m.parts,
		sinks:    m.sinks,
		depth:    1,
		sql:      sqlTx,
		partsTxn: m.parts.Begin(),
		coll:     notify.NewCollector(),
		auto:     true,
	}
	m.cur = t
	return t, nil
}

// SetAutoCommit sets the auto-commit flag. While it is disabled,
// NoteSubOperation checkpoints every batchSize operations; while it is
// enabled, NoteSubOperation never checkpoints. Collection Sync disables it to
// batch many sub-jobs into one conceptually-single transaction (spec §4.2).
func (t *Transaction) SetAutoCommit(enabled bool) { t.auto = enabled }

// SQL returns the active *sql.Tx for store CRUD calls.
func (t *Transaction) SQL() *sql.Tx { return t.sql }

// Parts returns the active part-storage transaction.
func (t *Transaction) Parts() *extpart.Txn { return t.partsTxn }

// Notify buffers an event for dispatch at commit time.
func (t *Transaction) Notify(e notify.Event) { t.coll.Add(e) }

// NoteSubOperation must be called by batch-oriented callers (Collection
// Sync, Item Sync) after each child operation, via the Manager that owns
// the current transaction. When auto-commit is disabled and batchSize
// operations have accumulated, it transparently commits the current frame
// and opens a successor transaction, exactly as spec §4.2 describes, so the
// caller's logical transaction never actually grows past batchSize
// operations worth of journal. Callers must re-fetch Manager.Current after
// calling this, since a checkpoint replaces the Transaction in place.
func (m *Manager) NoteSubOperation(ctx context.Context) error {
	t := m.cur
	if t == nil {
		return perr.New(perr.NoTransaction, "NoteSubOperation with no active transaction")
	}
	t.subOps++
	if t.auto || t.subOps < batchSize {
		return nil
	}
	return m.checkpoint(ctx)
}

// checkpoint commits the current frame (dispatching its notifications) and
// immediately opens a successor transaction in its place, preserving
// auto-commit-disabled state and the sink list, per spec §4.2 batching.
func (m *Manager) checkpoint(ctx context.Context) error {
	old := m.cur
	if old == nil {
		return perr.New(perr.NoTransaction, "checkpoint with no active transaction")
	}
	if err := old.commitLayer(); err != nil {
		return err
	}
	m.cur = nil
	next, err := m.Begin(ctx)
	if err != nil {
		return err
	}
	next.auto = old.auto
	return nil
}

// Commit pops a frame. Only the outermost Commit (depth reaches 0) actually
// commits: the relational transaction first, then external part storage,
// then notifications are dispatched (spec §4.2 commit order). Committing
// with no active transaction is a NoTransaction error.
func (m *Manager) Commit(ctx context.Context) error {
	if m.cur == nil {
		return perr.New(perr.NoTransaction, "commit with no active transaction")
	}
	t := m.cur
	t.depth--
	if t.depth > 0 {
		return nil
	}
	m.cur = nil
	return t.commitLayer()
}

// commitLayer performs the actual three-layer commit described in spec
// §4.2, independent of nesting depth bookkeeping (used by both Commit and
// checkpoint).
func (t *Transaction) commitLayer() error {
	if err := t.sql.Commit(); err != nil {
		t.partsTxn.Rollback()
		t.coll.Discard()
		return perr.Wrap(err, "txn: commit relational transaction")
	}
	if err := t.partsTxn.Commit(); err != nil {
		// Per spec §4.5 step 3: a committed DB row now points at a missing
		// staging/permanent file. Not fatal here; the retriever treats the
		// dangling reference as a cache-miss and re-fetches.
		glog.Errorf("txn: external part commit failed after DB commit: %v", err)
	}
	t.coll.Dispatch(t.sinks...)
	return nil
}

// Rollback aborts the whole chain regardless of nesting depth: the
// relational transaction and external part storage both roll back and the
// notification buffer is discarded (spec §4.2).
func (m *Manager) Rollback() error {
	if m.cur == nil {
		return perr.New(perr.NoTransaction, "rollback with no active transaction")
	}
	t := m.cur
	m.cur = nil
	if err := t.sql.Rollback(); err != nil {
		return perr.Wrap(err, "txn: rollback relational transaction")
	}
	t.partsTxn.Rollback()
	t.coll.Discard()
	return nil
}
