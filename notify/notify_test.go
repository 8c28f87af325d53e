package notify

import "testing"

type recordingSink struct{ got []Event }

func (r *recordingSink) Notify(e Event) { r.got = append(r.got, e) }

func TestAddedThenRemovedCancels(t *testing.T) {
	c := NewCollector()
	c.Add(Event{Kind: ItemAdded, EntityID: 1})
	c.Add(Event{Kind: ItemRemoved, EntityID: 1})
	if got := len(c.Events()); got != 0 {
		t.Fatalf("expected cancellation to leave 0 events, got %d", got)
	}
}

func TestAdjacentChangedMerge(t *testing.T) {
	c := NewCollector()
	c.Add(Event{Kind: ItemChanged, EntityID: 1, ChangedParts: []string{"PLD:BODY"}})
	c.Add(Event{Kind: ItemChanged, EntityID: 1, ChangedParts: []string{"FLAGS"}})
	events := c.Events()
	if len(events) != 1 {
		t.Fatalf("expected merge into 1 event, got %d", len(events))
	}
	if len(events[0].ChangedParts) != 2 {
		t.Fatalf("expected merged changed-parts set of 2, got %v", events[0].ChangedParts)
	}
}

func TestChangedAfterAddedMergesIntoAdded(t *testing.T) {
	c := NewCollector()
	c.Add(Event{Kind: ItemAdded, EntityID: 1})
	c.Add(Event{Kind: ItemChanged, EntityID: 1, ChangedParts: []string{"PLD:BODY"}})
	events := c.Events()
	if len(events) != 1 || events[0].Kind != ItemAdded {
		t.Fatalf("expected single ItemAdded event, got %+v", events)
	}
}

func TestDiscardClearsBuffer(t *testing.T) {
	c := NewCollector()
	c.Add(Event{Kind: ItemAdded, EntityID: 1})
	c.Discard()
	if len(c.Events()) != 0 {
		t.Fatal("expected Discard to clear the buffer")
	}
}

func TestDispatchDeliversInOrder(t *testing.T) {
	c := NewCollector()
	c.Add(Event{Kind: ItemAdded, EntityID: 1})
	c.Add(Event{Kind: ItemAdded, EntityID: 2})
	sink := &recordingSink{}
	c.Dispatch(sink)
	if len(sink.got) != 2 || sink.got[0].EntityID != 1 || sink.got[1].EntityID != 2 {
		t.Fatalf("unexpected dispatch order: %+v", sink.got)
	}
}

func TestUnrelatedEventsNotMerged(t *testing.T) {
	c := NewCollector()
	c.Add(Event{Kind: ItemAdded, EntityID: 1})
	c.Add(Event{Kind: ItemAdded, EntityID: 2})
	c.Add(Event{Kind: ItemRemoved, EntityID: 1})
	events := c.Events()
	// entity 1's Added+Removed pair only cancels if adjacent; entity 2's
	// Added sits between them, so nothing here should cancel.
	if len(events) != 3 {
		t.Fatalf("expected 3 events (no accidental cancellation), got %d: %+v", len(events), events)
	}
}
