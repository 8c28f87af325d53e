package jobreg

import (
	"testing"
	"time"
)

type fakeJob struct {
	Base
}

func newFakeJob(kind Kind) *fakeJob {
	return &fakeJob{Base: NewBase(kind)}
}

func TestBaseLifecycle(t *testing.T) {
	j := newFakeJob(KindCollectionSync)
	if j.Kind() != KindCollectionSync {
		t.Fatalf("expected kind %q, got %q", KindCollectionSync, j.Kind())
	}
	if j.ID() == "" {
		t.Fatal("expected a generated id")
	}
	if j.Aborted() {
		t.Fatal("new job must not start aborted")
	}
	select {
	case <-j.Done():
		t.Fatal("new job must not be done yet")
	default:
	}

	j.Finish(nil)
	select {
	case <-j.Done():
	default:
		t.Fatal("expected Done() to be closed after Finish")
	}
	if j.Err() != nil {
		t.Fatalf("expected nil Err, got %v", j.Err())
	}
}

func TestFinishIsIdempotent(t *testing.T) {
	j := newFakeJob(KindItemSync)
	j.Finish(nil)
	// A second Finish with a different error must not overwrite the first,
	// nor panic on double-close of the done channel.
	j.Finish(errTestSentinel)
	if j.Err() != nil {
		t.Fatalf("expected first Finish's nil error to stick, got %v", j.Err())
	}
}

func TestAbort(t *testing.T) {
	j := newFakeJob(KindRecursiveMove)
	j.Abort()
	if !j.Aborted() {
		t.Fatal("expected Aborted() to report true after Abort")
	}
}

func TestRegistryPutGetAbort(t *testing.T) {
	r := NewRegistry()
	j := newFakeJob(KindCollectionSync)
	r.Put(j)

	got, ok := r.Get(j.ID())
	if !ok || got.ID() != j.ID() {
		t.Fatalf("expected to find registered job %s", j.ID())
	}

	r.Abort(j.ID())
	if !j.Aborted() {
		t.Fatal("expected registry Abort to abort the underlying job")
	}

	if _, ok := r.Get("nonexistent"); ok {
		t.Fatal("expected lookup of unknown id to report not-found")
	}
	r.Abort("nonexistent") // must not panic
}

func TestCleanupPrunesOldFinishedEntriesPastWatermark(t *testing.T) {
	r := NewRegistry()
	base := time.Now()
	for i := 0; i < entriesSizeHW+1; i++ {
		j := newFakeJob(KindItemSync)
		j.Finish(nil)
		r.Put(j)
	}
	if len(r.entries) != entriesSizeHW+1 {
		t.Fatalf("expected %d entries before cleanup, got %d", entriesSizeHW+1, len(r.entries))
	}

	r.cleanup(base.Add(entryOldAge + time.Minute))
	if len(r.entries) != 0 {
		t.Fatalf("expected all old finished entries pruned, got %d left", len(r.entries))
	}
}

func TestCleanupSkipsBelowWatermark(t *testing.T) {
	r := NewRegistry()
	j := newFakeJob(KindItemSync)
	j.Finish(nil)
	r.Put(j)

	r.cleanup(time.Now().Add(10 * entryOldAge))
	if len(r.entries) != 1 {
		t.Fatal("cleanup must not scan/prune below entriesSizeHW")
	}
}

var errTestSentinel = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
