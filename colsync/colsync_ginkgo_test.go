// Ginkgo suite for Collection Sync, covering spec §8's P7 (sync
// idempotence: running a full sync twice with the same input commits no
// transaction the second time) plus the ordinary create/modify/delete
// reconciliation Collection Sync exists to do. Complements the plain
// testing.T suite in colsync_test.go, per the teacher's own mix of terse
// table tests for leaf packages and Ginkgo for reconciliation/state-machine
// behavior (dsort_suite_test.go, lru_test.go).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package colsync_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nvaistore/pimstore/colsync"
	"github.com/nvaistore/pimstore/extpart"
	"github.com/nvaistore/pimstore/jobreg"
	"github.com/nvaistore/pimstore/model"
	"github.com/nvaistore/pimstore/store"
	"github.com/nvaistore/pimstore/txn"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestColsyncSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Collection Sync Suite")
}

func newSuiteSyncer() (*colsync.Syncer, *store.Store) {
	st, err := store.Open(":memory:")
	Expect(err).NotTo(HaveOccurred())
	dir, err := os.MkdirTemp("", "colsync-ginkgo-*")
	Expect(err).NotTo(HaveOccurred())
	parts := extpart.New(extpart.Config{StagingDir: filepath.Join(dir, "stg"), PermanentDir: filepath.Join(dir, "perm")})
	tm := txn.NewManager(st.DB, parts)
	return colsync.New(st, tm, jobreg.NewRegistry()), st
}

var _ = Describe("full Collection Sync", func() {
	var (
		syncer *colsync.Syncer
		st     *store.Store
		ctx    context.Context
		resID  int64
		rootID int64
	)

	BeforeEach(func() {
		syncer, st = newSuiteSyncer()
		ctx = context.Background()
		var err error
		resID, err = st.CreateResource(ctx, st.DB, &model.Resource{Name: "imap"})
		Expect(err).NotTo(HaveOccurred())
		rootID, err = st.CreateCollection(ctx, st.DB, &model.Collection{Name: "root", ResourceID: resID, Enabled: true})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() { st.Close() })

	remote := []colsync.RemoteCollection{
		{RemoteID: "INBOX", Name: "Inbox", Enabled: true},
		{RemoteID: "SENT", Name: "Sent", Enabled: true},
	}

	It("creates the remote collections on the first run", func() {
		res, err := syncer.Sync(ctx, colsync.Request{ResourceID: resID, RootCollectionID: rootID}, remote)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.NoOp).To(BeFalse())
		Expect(res.Created).To(Equal(2))

		cols, err := st.CollectionsByResource(ctx, st.DB, resID)
		Expect(err).NotTo(HaveOccurred())
		Expect(cols).To(HaveLen(3)) // root + the two created
	})

	// P7: running the same full sync again is a no-op that commits no
	// transaction.
	It("is idempotent: the second identical run is a no-op", func() {
		_, err := syncer.Sync(ctx, colsync.Request{ResourceID: resID, RootCollectionID: rootID}, remote)
		Expect(err).NotTo(HaveOccurred())

		res2, err := syncer.Sync(ctx, colsync.Request{ResourceID: resID, RootCollectionID: rootID}, remote)
		Expect(err).NotTo(HaveOccurred())
		Expect(res2.NoOp).To(BeTrue())
		Expect(res2.Created).To(Equal(0))
		Expect(res2.Updated).To(Equal(0))
		Expect(res2.Deleted).To(Equal(0))

		cols, err := st.CollectionsByResource(ctx, st.DB, resID)
		Expect(err).NotTo(HaveOccurred())
		Expect(cols).To(HaveLen(3))
	})

	It("deletes a collection dropped from a subsequent full listing", func() {
		_, err := syncer.Sync(ctx, colsync.Request{ResourceID: resID, RootCollectionID: rootID}, remote)
		Expect(err).NotTo(HaveOccurred())

		res, err := syncer.Sync(ctx, colsync.Request{ResourceID: resID, RootCollectionID: rootID}, remote[:1])
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Deleted).To(Equal(1))

		cols, err := st.CollectionsByResource(ctx, st.DB, resID)
		Expect(err).NotTo(HaveOccurred())
		Expect(cols).To(HaveLen(2)) // root + Inbox
	})
})
