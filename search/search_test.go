package search

import (
	"context"
	"testing"
	"time"

	"github.com/nvaistore/pimstore/idset"
	"github.com/nvaistore/pimstore/perr"
)

func TestDeliverWakesWaiter(t *testing.T) {
	m := NewManager()
	task := m.Register("search-1")

	go func() {
		time.Sleep(10 * time.Millisecond)
		if err := m.Deliver("search-1", idset.FromValues(1, 2, 3), nil); err != nil {
			t.Error(err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ids, err := task.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ids.Len() != 3 {
		t.Fatalf("expected 3 ids, got %d", ids.Len())
	}
}

func TestDeliverUnknownIDFails(t *testing.T) {
	m := NewManager()
	err := m.Deliver("missing", nil, nil)
	if !perr.Is(err, perr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDeliverIsDeliveredAtMostOnce(t *testing.T) {
	m := NewManager()
	task := m.Register("search-2")
	if err := m.Deliver("search-2", idset.FromValues(1), nil); err != nil {
		t.Fatal(err)
	}
	// Second delivery attempt must fail: the task was removed from the
	// registry on first delivery.
	if err := m.Deliver("search-2", idset.FromValues(2), nil); !perr.Is(err, perr.NotFound) {
		t.Fatalf("expected NotFound on redelivery, got %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ids, err := task.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ids.Len() != 1 {
		t.Fatalf("expected the first delivery's id set to win, got len %d", ids.Len())
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	m := NewManager()
	task := m.Register("search-3")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := task.Wait(ctx); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
