package command

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nvaistore/pimstore/extpart"
	"github.com/nvaistore/pimstore/idset"
	"github.com/nvaistore/pimstore/model"
	"github.com/nvaistore/pimstore/notify"
	"github.com/nvaistore/pimstore/perr"
	"github.com/nvaistore/pimstore/scope"
	"github.com/nvaistore/pimstore/search"
	"github.com/nvaistore/pimstore/store"
	"github.com/nvaistore/pimstore/txn"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	h, _ := newTestHandlerWithSink(t)
	return h
}

type recordingSink struct{ got []notify.Event }

func (r *recordingSink) Notify(e notify.Event) { r.got = append(r.got, e) }

func newTestHandlerWithSink(t *testing.T) (*Handler, *recordingSink) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	dir := t.TempDir()
	parts := extpart.New(extpart.Config{StagingDir: filepath.Join(dir, "stg"), PermanentDir: filepath.Join(dir, "perm")})
	sink := &recordingSink{}
	tm := txn.NewManager(st.DB, parts, sink)
	return New(st, tm, search.NewManager()), sink
}

func mustCreateResourceAndRoot(t *testing.T, h *Handler) (resourceID, rootCollID int64) {
	t.Helper()
	ctx := context.Background()
	resourceID, err := h.Store.CreateResource(ctx, h.Store.DB, &model.Resource{Name: "res1"})
	if err != nil {
		t.Fatal(err)
	}
	rootCollID, err = h.Store.CreateCollection(ctx, h.Store.DB, &model.Collection{Name: "root", ResourceID: resourceID, Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	return resourceID, rootCollID
}

func TestAppendItemCreatesAndRejectsVirtualDest(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	_, rootID := mustCreateResourceAndRoot(t, h)

	res, err := h.AppendItem(ctx, AppendItemArgs{DestCollectionID: rootID, MimeType: "text/plain", SizeHint: 42})
	if err != nil {
		t.Fatal(err)
	}
	if res.ID == 0 {
		t.Fatal("expected a non-zero item id")
	}
	if res.Item.Size != 42 {
		t.Fatalf("expected size 42, got %d", res.Item.Size)
	}

	if _, err := h.AppendItem(ctx, AppendItemArgs{DestCollectionID: model.SearchRootCollectionID, MimeType: "text/plain"}); !perr.Is(err, perr.IllegalMove) {
		t.Fatalf("expected IllegalMove appending into virtual collection, got %v", err)
	}
}

func TestAppendItemSilentOmitsBody(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	_, rootID := mustCreateResourceAndRoot(t, h)

	res, err := h.AppendItem(ctx, AppendItemArgs{DestCollectionID: rootID, MimeType: "text/plain", Merge: []MergeOption{MergeSilent}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Item != nil {
		t.Fatal("expected a nil Item body when Silent was requested")
	}
}

func TestAppendItemGidMergeUpdatesInPlace(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	_, rootID := mustCreateResourceAndRoot(t, h)

	first, err := h.AppendItem(ctx, AppendItemArgs{DestCollectionID: rootID, Gid: "g1", MimeType: "text/plain"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.AppendItem(ctx, AppendItemArgs{DestCollectionID: rootID, Gid: "g1", MimeType: "text/html", Merge: []MergeOption{MergeGid}})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected merge to update the same item, got %d vs %d", second.ID, first.ID)
	}
	it, err := h.Store.GetItem(ctx, h.Store.DB, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if it.MimeType != "text/html" {
		t.Fatalf("expected merged mime type, got %q", it.MimeType)
	}
}

func TestModifyItemRevisionConflict(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	_, rootID := mustCreateResourceAndRoot(t, h)
	res, err := h.AppendItem(ctx, AppendItemArgs{DestCollectionID: rootID, MimeType: "text/plain"})
	if err != nil {
		t.Fatal(err)
	}
	staleRev := res.Item.Revision + 5
	err = h.ModifyItem(ctx, ModifyItemArgs{
		Scope:       scope.ByUid(idset.FromValues(res.ID)),
		OldRevision: &staleRev,
		SetFlags:    []string{"\\Seen"},
	})
	if !perr.Is(err, perr.RevisionConflict) {
		t.Fatalf("expected RevisionConflict, got %v", err)
	}
}

func TestModifyItemNotOwnerResourceForRemoteFields(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	_, rootID := mustCreateResourceAndRoot(t, h)
	res, err := h.AppendItem(ctx, AppendItemArgs{DestCollectionID: rootID, MimeType: "text/plain"})
	if err != nil {
		t.Fatal(err)
	}
	rid := "remote-1"
	err = h.ModifyItem(ctx, ModifyItemArgs{
		Scope:             scope.ByUid(idset.FromValues(res.ID)),
		RemoteID:          &rid,
		HasOwningResource: false,
	})
	if !perr.Is(err, perr.NotOwnerResource) {
		t.Fatalf("expected NotOwnerResource, got %v", err)
	}
}

func TestModifyItemBumpsRevisionExceptForRemoteOnlyChanges(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	_, rootID := mustCreateResourceAndRoot(t, h)
	res, err := h.AppendItem(ctx, AppendItemArgs{DestCollectionID: rootID, MimeType: "text/plain"})
	if err != nil {
		t.Fatal(err)
	}
	rid := "remote-1"
	if err := h.ModifyItem(ctx, ModifyItemArgs{
		Scope:             scope.ByUid(idset.FromValues(res.ID)),
		RemoteID:          &rid,
		HasOwningResource: true,
	}); err != nil {
		t.Fatal(err)
	}
	it, err := h.Store.GetItem(ctx, h.Store.DB, res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if it.Revision != 0 {
		t.Fatalf("expected revision unchanged by a remote_id-only update, got %d", it.Revision)
	}

	if err := h.ModifyItem(ctx, ModifyItemArgs{
		Scope:    scope.ByUid(idset.FromValues(res.ID)),
		SetFlags: []string{"\\Flagged"},
	}); err != nil {
		t.Fatal(err)
	}
	it, err = h.Store.GetItem(ctx, h.Store.DB, res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if it.Revision != 1 {
		t.Fatalf("expected revision bumped by a flags change, got %d", it.Revision)
	}
}

func TestModifyItemSuppressesNotifyForGidOnlyChange(t *testing.T) {
	h, sink := newTestHandlerWithSink(t)
	ctx := context.Background()
	_, rootID := mustCreateResourceAndRoot(t, h)
	res, err := h.AppendItem(ctx, AppendItemArgs{DestCollectionID: rootID, MimeType: "text/plain"})
	if err != nil {
		t.Fatal(err)
	}
	sink.got = nil

	gid := "gid-1"
	if err := h.ModifyItem(ctx, ModifyItemArgs{
		Scope: scope.ByUid(idset.FromValues(res.ID)),
		Gid:   &gid,
	}); err != nil {
		t.Fatal(err)
	}
	it, err := h.Store.GetItem(ctx, h.Store.DB, res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if it.Gid != gid {
		t.Fatalf("expected gid updated to %q, got %q", gid, it.Gid)
	}
	for _, e := range sink.got {
		if e.Kind == notify.ItemChanged && e.EntityID == res.ID {
			t.Fatalf("expected a gid-only change to be suppressed from the change stream, got %+v", e)
		}
	}

	rid := "remote-1"
	if err := h.ModifyItem(ctx, ModifyItemArgs{
		Scope:             scope.ByUid(idset.FromValues(res.ID)),
		RemoteID:          &rid,
		HasOwningResource: true,
	}); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range sink.got {
		if e.Kind == notify.ItemChanged && e.EntityID == res.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a remote_id-only change to still notify")
	}
}

func TestMoveItemsRejectsVirtualAndSameCollection(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	_, rootID := mustCreateResourceAndRoot(t, h)
	res, err := h.AppendItem(ctx, AppendItemArgs{DestCollectionID: rootID, MimeType: "text/plain"})
	if err != nil {
		t.Fatal(err)
	}

	err = h.MoveItems(ctx, MoveItemsArgs{Scope: scope.ByUid(idset.FromValues(res.ID)), DestCollectionID: model.SearchRootCollectionID})
	if !perr.Is(err, perr.IllegalMove) {
		t.Fatalf("expected IllegalMove into virtual destination, got %v", err)
	}

	err = h.MoveItems(ctx, MoveItemsArgs{Scope: scope.ByUid(idset.FromValues(res.ID)), DestCollectionID: rootID})
	if !perr.Is(err, perr.IllegalMove) {
		t.Fatalf("expected IllegalMove moving into the same collection, got %v", err)
	}
}

func TestMoveItemsRelocatesAndMarksDirtyWhenNotOwner(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	resourceID, rootID := mustCreateResourceAndRoot(t, h)
	otherID, err := h.Store.CreateCollection(ctx, h.Store.DB, &model.Collection{Name: "other", ResourceID: resourceID, Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	res, err := h.AppendItem(ctx, AppendItemArgs{DestCollectionID: rootID, RemoteID: "r1", MimeType: "text/plain"})
	if err != nil {
		t.Fatal(err)
	}

	if err := h.MoveItems(ctx, MoveItemsArgs{Scope: scope.ByUid(idset.FromValues(res.ID)), DestCollectionID: otherID}); err != nil {
		t.Fatal(err)
	}
	it, err := h.Store.GetItem(ctx, h.Store.DB, res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if it.CollectionID != otherID {
		t.Fatalf("expected item relocated to %d, got %d", otherID, it.CollectionID)
	}
	if !it.Dirty {
		t.Fatal("expected item marked dirty when mover is not the owning resource")
	}
	if it.RemoteID != "" {
		t.Fatal("expected remote_id cleared after the move")
	}
}

func TestLinkUnlinkIdempotent(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	resourceID, rootID := mustCreateResourceAndRoot(t, h)
	virtualID, err := h.Store.CreateCollection(ctx, h.Store.DB, &model.Collection{Name: "vfolder", ResourceID: resourceID, IsVirtual: true, Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	res, err := h.AppendItem(ctx, AppendItemArgs{DestCollectionID: rootID, MimeType: "text/plain"})
	if err != nil {
		t.Fatal(err)
	}

	args := LinkItemsArgs{Scope: scope.ByUid(idset.FromValues(res.ID)), DestVirtualCollection: virtualID}
	if err := h.LinkItems(ctx, args); err != nil {
		t.Fatal(err)
	}
	if err := h.LinkItems(ctx, args); err != nil { // idempotent
		t.Fatal(err)
	}
	if err := h.UnlinkItems(ctx, args); err != nil {
		t.Fatal(err)
	}
	if err := h.UnlinkItems(ctx, args); err != nil { // idempotent
		t.Fatal(err)
	}

	if err := h.LinkItems(ctx, LinkItemsArgs{Scope: scope.ByUid(idset.FromValues(res.ID)), DestVirtualCollection: rootID}); !perr.Is(err, perr.IllegalMove) {
		t.Fatalf("expected IllegalMove linking into a non-virtual destination, got %v", err)
	}
}

func TestDeleteItemsQueuesExternalPartDeletion(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	_, rootID := mustCreateResourceAndRoot(t, h)

	tx, err := h.Txn.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	part, err := tx.Parts().WriteStaged(1, 0, "PLD:BODY", strings.NewReader("hello world"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Txn.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	res, err := h.AppendItem(ctx, AppendItemArgs{DestCollectionID: rootID, MimeType: "text/plain", Parts: []model.Part{part}})
	if err != nil {
		t.Fatal(err)
	}

	if err := h.DeleteItems(ctx, DeleteItemsArgs{Scope: scope.ByUid(idset.FromValues(res.ID))}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Store.GetItem(ctx, h.Store.DB, res.ID); !perr.Is(err, perr.NotFound) {
		t.Fatalf("expected item to be gone, got %v", err)
	}
}

func TestCreateCollectionEnforcesSiblingUniqueness(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	_, rootID := mustCreateResourceAndRoot(t, h)

	if _, err := h.CreateCollection(ctx, CreateCollectionArgs{ParentID: rootID, Name: "Inbox"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.CreateCollection(ctx, CreateCollectionArgs{ParentID: rootID, Name: "Inbox"}); !perr.Is(err, perr.NameConflict) {
		t.Fatalf("expected NameConflict for duplicate sibling name, got %v", err)
	}
}

func TestModifyCollectionRenameConflict(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	_, rootID := mustCreateResourceAndRoot(t, h)

	aID, err := h.CreateCollection(ctx, CreateCollectionArgs{ParentID: rootID, Name: "A"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.CreateCollection(ctx, CreateCollectionArgs{ParentID: rootID, Name: "B"}); err != nil {
		t.Fatal(err)
	}
	newName := "B"
	err = h.ModifyCollection(ctx, ModifyCollectionArgs{CollectionID: aID, Name: &newName})
	if !perr.Is(err, perr.NameConflict) {
		t.Fatalf("expected NameConflict renaming A to an existing sibling name, got %v", err)
	}
}

func TestMoveCollectionRejectsMovingIntoOwnDescendant(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	_, rootID := mustCreateResourceAndRoot(t, h)

	parentID, err := h.CreateCollection(ctx, CreateCollectionArgs{ParentID: rootID, Name: "parent"})
	if err != nil {
		t.Fatal(err)
	}
	childID, err := h.CreateCollection(ctx, CreateCollectionArgs{ParentID: parentID, Name: "child"})
	if err != nil {
		t.Fatal(err)
	}
	err = h.MoveCollection(ctx, MoveCollectionArgs{CollectionID: parentID, NewParentID: childID})
	if !perr.Is(err, perr.IllegalMove) {
		t.Fatalf("expected IllegalMove moving a collection under its own descendant, got %v", err)
	}
}

func TestDeleteCollectionRejectsSearchRootAndDeletesDepthFirst(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	_, rootID := mustCreateResourceAndRoot(t, h)

	if err := h.DeleteCollection(ctx, DeleteCollectionArgs{CollectionID: model.SearchRootCollectionID}); !perr.Is(err, perr.IllegalMove) {
		t.Fatalf("expected IllegalMove deleting the Search root, got %v", err)
	}

	parentID, err := h.CreateCollection(ctx, CreateCollectionArgs{ParentID: rootID, Name: "parent"})
	if err != nil {
		t.Fatal(err)
	}
	childID, err := h.CreateCollection(ctx, CreateCollectionArgs{ParentID: parentID, Name: "child"})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.DeleteCollection(ctx, DeleteCollectionArgs{CollectionID: parentID}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Store.GetCollection(ctx, h.Store.DB, childID); !perr.Is(err, perr.NotFound) {
		t.Fatalf("expected child collection gone, got %v", err)
	}
	if _, err := h.Store.GetCollection(ctx, h.Store.DB, parentID); !perr.Is(err, perr.NotFound) {
		t.Fatalf("expected parent collection gone, got %v", err)
	}
}

func TestCreateTagMergeReturnsExistingID(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	resourceID, err := h.Store.CreateResource(ctx, h.Store.DB, &model.Resource{Name: "res1"})
	if err != nil {
		t.Fatal(err)
	}

	first, err := h.CreateTag(ctx, CreateTagArgs{Gid: "tag-1", Type: "PLAIN"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.CreateTag(ctx, CreateTagArgs{
		Gid: "tag-1", Type: "PLAIN", Merge: true,
		CallingResourceID: resourceID, RemoteID: "remote-tag-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("expected merge to return the existing tag id, got %d vs %d", first, second)
	}
	gotRemoteID, err := h.Store.TagRemoteIDRelation(ctx, h.Store.DB, second, resourceID)
	if err != nil {
		t.Fatal(err)
	}
	if gotRemoteID != "remote-tag-1" {
		t.Fatalf("expected merge to record the calling resource's remote id, got %q", gotRemoteID)
	}
	if _, err := h.CreateTag(ctx, CreateTagArgs{Gid: "tag-1", Type: "PLAIN"}); !perr.Is(err, perr.NameConflict) {
		t.Fatalf("expected NameConflict creating a duplicate gid without merge, got %v", err)
	}
}

func TestSearchResultUidDeliversDirectly(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	task := h.Search.Register("search-1")

	ids := idset.FromValues(1, 2, 3)
	if err := h.SearchResult(ctx, SearchResultArgs{SearchID: "search-1", Scope: scope.ByUid(ids)}); err != nil {
		t.Fatal(err)
	}
	got, err := task.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(ids) {
		t.Fatalf("expected delivered ids %v, got %v", ids, got)
	}
}

func TestSearchResultRidTranslatesWithinCollection(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	_, rootID := mustCreateResourceAndRoot(t, h)
	res, err := h.AppendItem(ctx, AppendItemArgs{DestCollectionID: rootID, RemoteID: "rid-1", MimeType: "text/plain"})
	if err != nil {
		t.Fatal(err)
	}

	task := h.Search.Register("search-2")
	err = h.SearchResult(ctx, SearchResultArgs{
		SearchID:     "search-2",
		Scope:        scope.ByRid("rid-1"),
		CollectionID: rootID,
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := task.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Contains(res.ID) {
		t.Fatalf("expected resolved id set to contain %d, got %v", res.ID, got)
	}
}
