package retriever

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nvaistore/pimstore/extpart"
	"github.com/nvaistore/pimstore/model"
	"github.com/nvaistore/pimstore/perr"
	"github.com/nvaistore/pimstore/store"
)

type fakeFetcher struct {
	mu       sync.Mutex
	calls    int32
	payload  map[string]string
	block    chan struct{} // if non-nil, FetchItem waits on it before returning
	fetchErr error
}

func (f *fakeFetcher) FetchItem(ctx context.Context, req FetchRequest) ([]FetchedPart, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.block != nil {
		<-f.block
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []FetchedPart
	for _, name := range req.Parts {
		data := f.payload[name]
		out = append(out, FetchedPart{Name: name, Data: strings.NewReader(data), Size: int64(len(data))})
	}
	return out, nil
}

func newTestRetriever(t *testing.T) (*Retriever, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	dir := t.TempDir()
	parts := extpart.New(extpart.Config{StagingDir: filepath.Join(dir, "stg"), PermanentDir: filepath.Join(dir, "perm")})
	return New(s.DB, s, parts, 1024), s
}

// seedItem creates an owning resource/collection/item with one uncached
// payload part, and a second resource to act as the caller.
func seedItem(t *testing.T, s *store.Store) (ownerResID, callerResID, itemID int64) {
	t.Helper()
	ctx := context.Background()
	ownerResID, err := s.CreateResource(ctx, s.DB, &model.Resource{Name: "owner"})
	if err != nil {
		t.Fatal(err)
	}
	callerResID, err = s.CreateResource(ctx, s.DB, &model.Resource{Name: "caller"})
	if err != nil {
		t.Fatal(err)
	}
	col := &model.Collection{Name: "Inbox", ResourceID: ownerResID, Enabled: true}
	colID, err := s.CreateCollection(ctx, s.DB, col)
	if err != nil {
		t.Fatal(err)
	}
	it := &model.Item{
		CollectionID: colID,
		MimeType:     "message/rfc822",
		Parts:        []model.Part{{Name: "PLD:RFC822", Storage: model.StorageInternal}},
	}
	itemID, err = s.CreateItem(ctx, s.DB, it)
	if err != nil {
		t.Fatal(err)
	}
	return ownerResID, callerResID, itemID
}

func TestRetrieveFetchesMissingPart(t *testing.T) {
	r, s := newTestRetriever(t)
	_, callerResID, itemID := seedItem(t, s)
	fetcher := &fakeFetcher{payload: map[string]string{"PLD:RFC822": "hello world"}}

	if err := r.Retrieve(context.Background(), fetcher, callerResID, itemID, nil, false); err != nil {
		t.Fatal(err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("expected exactly 1 fetch, got %d", fetcher.calls)
	}
	parts, err := s.ItemParts(context.Background(), s.DB, itemID)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 1 || parts[0].ExternalRef == "" {
		t.Fatalf("expected part to be cached externally, got %+v", parts)
	}
}

func TestRetrieveRejectsSelfFetch(t *testing.T) {
	r, s := newTestRetriever(t)
	ownerResID, _, itemID := seedItem(t, s)
	fetcher := &fakeFetcher{payload: map[string]string{"PLD:RFC822": "x"}}

	err := r.Retrieve(context.Background(), fetcher, ownerResID, itemID, nil, false)
	if !perr.Is(err, perr.IllegalMove) {
		t.Fatalf("expected IllegalMove for self-fetch, got %v", err)
	}
	if fetcher.calls != 0 {
		t.Fatal("self-fetch must be rejected before ever calling the fetcher")
	}
}

func TestRetrieveSecondCallSkipsAlreadyCachedPart(t *testing.T) {
	r, s := newTestRetriever(t)
	_, callerResID, itemID := seedItem(t, s)
	fetcher := &fakeFetcher{payload: map[string]string{"PLD:RFC822": "hello"}}

	if err := r.Retrieve(context.Background(), fetcher, callerResID, itemID, nil, false); err != nil {
		t.Fatal(err)
	}
	if err := r.Retrieve(context.Background(), fetcher, callerResID, itemID, nil, false); err != nil {
		t.Fatal(err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("expected the second Retrieve to be satisfied from cache, got %d fetch calls", fetcher.calls)
	}
}

func TestRetrieveDedupsConcurrentCallsForSameItem(t *testing.T) {
	r, s := newTestRetriever(t)
	_, callerResID, itemID := seedItem(t, s)
	fetcher := &fakeFetcher{payload: map[string]string{"PLD:RFC822": "hello"}, block: make(chan struct{})}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Retrieve(context.Background(), fetcher, callerResID, itemID, []string{"PLD:RFC822"}, false)
		}(i)
	}
	close(fetcher.block) // release every blocked call at once
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: unexpected error %v", i, err)
		}
	}
	if fetcher.calls != 1 {
		t.Fatalf("expected exactly 1 fetch across %d concurrent callers, got %d", len(errs), fetcher.calls)
	}
}

func TestRetrieveIgnoreRetrievalErrorsSuppressesFailure(t *testing.T) {
	r, s := newTestRetriever(t)
	_, callerResID, itemID := seedItem(t, s)
	fetcher := &fakeFetcher{fetchErr: perr.New(perr.RetrievalFailed, "provider unreachable")}

	if err := r.Retrieve(context.Background(), fetcher, callerResID, itemID, nil, true); err != nil {
		t.Fatalf("expected ignoreRetrievalErrors to suppress the failure, got %v", err)
	}

	fetcher2 := &fakeFetcher{fetchErr: perr.New(perr.RetrievalFailed, "provider unreachable")}
	if err := r.Retrieve(context.Background(), fetcher2, callerResID, itemID, nil, false); err == nil {
		t.Fatal("expected the failure to propagate when ignoreRetrievalErrors is false")
	}
}

func TestInvalidateForcesRecheck(t *testing.T) {
	r, s := newTestRetriever(t)
	_, callerResID, itemID := seedItem(t, s)
	fetcher := &fakeFetcher{payload: map[string]string{"PLD:RFC822": "hello"}}

	if err := r.Retrieve(context.Background(), fetcher, callerResID, itemID, nil, false); err != nil {
		t.Fatal(err)
	}
	it, err := s.GetItem(context.Background(), s.DB, itemID)
	if err != nil {
		t.Fatal(err)
	}
	r.Invalidate(itemID, it.Revision)

	// Invalidating the warm marker must not force a re-fetch by itself: the
	// part is still cached, so missingParts finds nothing to do.
	if err := r.Retrieve(context.Background(), fetcher, callerResID, itemID, nil, false); err != nil {
		t.Fatal(err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("expected still-cached data to avoid a second fetch, got %d calls", fetcher.calls)
	}
}
