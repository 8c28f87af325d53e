// End-to-end Ginkgo suite for the command handlers, mirroring three of
// the concrete scenarios (spec §8): create/delete item, modify with
// conflict, and virtual link. Grounded on the teacher's Ginkgo/Gomega usage
// (dsort_suite_test.go, lru_test.go): one TestXSuite entry point calling
// RegisterFailHandler/RunSpecs, behavior described with Describe/Context/It.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package command_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nvaistore/pimstore/command"
	"github.com/nvaistore/pimstore/extpart"
	"github.com/nvaistore/pimstore/idset"
	"github.com/nvaistore/pimstore/model"
	"github.com/nvaistore/pimstore/perr"
	"github.com/nvaistore/pimstore/scope"
	"github.com/nvaistore/pimstore/search"
	"github.com/nvaistore/pimstore/store"
	"github.com/nvaistore/pimstore/txn"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestCommandSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Command Handler Suite")
}

func newSuiteHandler() (*command.Handler, *store.Store) {
	st, err := store.Open(":memory:")
	Expect(err).NotTo(HaveOccurred())
	dir, err := os.MkdirTemp("", "command-ginkgo-*")
	Expect(err).NotTo(HaveOccurred())
	parts := extpart.New(extpart.Config{StagingDir: filepath.Join(dir, "stg"), PermanentDir: filepath.Join(dir, "perm")})
	tm := txn.NewManager(st.DB, parts)
	return command.New(st, tm, search.NewManager()), st
}

func scopeOne(id int64) scope.Scope { return scope.ByUid(idset.FromValues(id)) }

var _ = Describe("item lifecycle", func() {
	var (
		h        *command.Handler
		st       *store.Store
		ctx      context.Context
		res1foo  int64
	)

	BeforeEach(func() {
		h, st = newSuiteHandler()
		ctx = context.Background()
		resID, err := st.CreateResource(ctx, st.DB, &model.Resource{Name: "res1"})
		Expect(err).NotTo(HaveOccurred())
		res1foo, err = st.CreateCollection(ctx, st.DB, &model.Collection{Name: "foo", ResourceID: resID, Enabled: true})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() { st.Close() })

	// Scenario 1: create an item with a payload, then delete it.
	It("creates then deletes an item, tracking size and count", func() {
		res, err := h.AppendItem(ctx, command.AppendItemArgs{
			DestCollectionID: res1foo,
			MimeType:         "application/octet-stream",
			Parts: []model.Part{{
				Name:    "PLD:RFC822",
				Data:    []byte("Hello world"),
				Storage: model.StorageInternal,
				Size:    11,
			}},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.ID).To(BeNumerically(">", 0))
		Expect(res.Revision).To(Equal(int64(0)))
		Expect(res.Item.Size).To(BeNumerically(">=", 11))

		ids, err := st.ItemIDsInCollection(ctx, st.DB, res1foo)
		Expect(err).NotTo(HaveOccurred())
		Expect(ids).To(HaveLen(1))

		err = h.DeleteItems(ctx, command.DeleteItemsArgs{Scope: scopeOne(res.ID)})
		Expect(err).NotTo(HaveOccurred())

		_, err = st.GetItem(ctx, st.DB, res.ID)
		Expect(perr.Is(err, perr.NotFound)).To(BeTrue())

		ids, err = st.ItemIDsInCollection(ctx, st.DB, res1foo)
		Expect(err).NotTo(HaveOccurred())
		Expect(ids).To(BeEmpty())
	})

	// Scenario 2: a modify at the caller's last-known revision succeeds and
	// bumps the revision; a second modify at that same stale revision fails
	// with RevisionConflict.
	It("bumps revision on modify and rejects a stale-revision modify", func() {
		res, err := h.AppendItem(ctx, command.AppendItemArgs{DestCollectionID: res1foo, MimeType: "text/plain"})
		Expect(err).NotTo(HaveOccurred())
		r := res.Revision

		err = h.ModifyItem(ctx, command.ModifyItemArgs{
			Scope:    scopeOne(res.ID),
			OldRevision: &r,
			AddFlags: []string{"X"},
		})
		Expect(err).NotTo(HaveOccurred())

		it, err := st.GetItem(ctx, st.DB, res.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(it.Revision).To(Equal(r + 1))

		// A second modify issued against the same now-stale revision r must
		// be rejected before any field is touched, regardless of which
		// field it targets.
		err = h.ModifyItem(ctx, command.ModifyItemArgs{
			Scope:       scopeOne(res.ID),
			OldRevision: &r,
			AddFlags:    []string{"Y"},
		})
		Expect(perr.Is(err, perr.RevisionConflict)).To(BeTrue())
	})
})

var _ = Describe("virtual link", func() {
	// Scenario 4: linking items into a virtual search collection exposes
	// them there without moving their owning collection.
	It("makes linked items visible under the virtual collection, unowned", func() {
		h, st := newSuiteHandler()
		defer st.Close()
		ctx := context.Background()

		resID, err := st.CreateResource(ctx, st.DB, &model.Resource{Name: "res1"})
		Expect(err).NotTo(HaveOccurred())
		home, err := st.CreateCollection(ctx, st.DB, &model.Collection{Name: "home", ResourceID: resID, Enabled: true})
		Expect(err).NotTo(HaveOccurred())

		searchResID, err := st.CreateResource(ctx, st.DB, &model.Resource{Name: "search", IsVirtual: true})
		Expect(err).NotTo(HaveOccurred())
		virt, err := st.CreateCollection(ctx, st.DB, &model.Collection{Name: "S", ResourceID: searchResID, IsVirtual: true, Enabled: true})
		Expect(err).NotTo(HaveOccurred())

		var ids []int64
		for i := 0; i < 3; i++ {
			res, err := h.AppendItem(ctx, command.AppendItemArgs{DestCollectionID: home, MimeType: "text/plain"})
			Expect(err).NotTo(HaveOccurred())
			ids = append(ids, res.ID)
		}

		err = h.LinkItems(ctx, command.LinkItemsArgs{
			Scope:                 scope.ByUid(idset.FromValues(ids...)),
			DestVirtualCollection: virt,
		})
		Expect(err).NotTo(HaveOccurred())

		// No dedicated "list items visible under a virtual collection" query
		// exists yet (only the Link/Unlink mutation does), so the membership
		// side-effect is asserted directly against virtual_memberships, the
		// table toggleLink writes.
		rows, err := st.DB.QueryContext(ctx, `SELECT item_id FROM virtual_memberships WHERE collection_id = ?`, virt)
		Expect(err).NotTo(HaveOccurred())
		var linked []int64
		for rows.Next() {
			var id int64
			Expect(rows.Scan(&id)).To(Succeed())
			linked = append(linked, id)
		}
		Expect(rows.Err()).NotTo(HaveOccurred())
		Expect(linked).To(ConsistOf(ids))

		for _, id := range ids {
			it, err := st.GetItem(ctx, st.DB, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(it.CollectionID).To(Equal(home))
		}
	})
})
