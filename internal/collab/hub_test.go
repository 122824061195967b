package collab

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"gridbook/api/internal/grid"
)

type memorySource struct {
	mu    sync.Mutex
	docs  map[string]*grid.Document
	cells map[string]grid.Cell
	loads int
}

func newMemorySource() *memorySource {
	return &memorySource{
		docs:  make(map[string]*grid.Document),
		cells: make(map[string]grid.Cell),
	}
}

func (s *memorySource) add(tenant string, doc *grid.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[tenant+"/"+doc.ID] = doc
}

func (s *memorySource) LoadDocument(_ context.Context, tenant, documentID string) (*grid.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	doc, ok := s.docs[tenant+"/"+documentID]
	if !ok {
		return nil, fmt.Errorf("document %s not found", documentID)
	}
	copied := grid.NewDocument(doc.ID, doc.Rows, doc.Cols)
	for ref, cell := range doc.Cells {
		copied.Cells[ref] = cell
	}
	return copied, nil
}

func (s *memorySource) SaveCell(_ context.Context, tenant, documentID, ref string, cell grid.Cell) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cells[tenant+"/"+documentID+"/"+ref] = cell
	return nil
}

func (s *memorySource) DeleteCell(_ context.Context, tenant, documentID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cells, tenant+"/"+documentID+"/"+ref)
	return nil
}

func (s *memorySource) savedCell(key string) (grid.Cell, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cell, ok := s.cells[key]
	return cell, ok
}

func newTestHub(t *testing.T) (*Hub, *memorySource) {
	t.Helper()
	source := newMemorySource()
	source.add("academy-west", grid.NewDocument("doc-1", 100, 26))
	hub := NewHub(source, 30*time.Second, 20*time.Millisecond, newFakeClock())
	t.Cleanup(hub.Close)
	return hub, source
}

func (h *Hub) coordinatorCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

func TestHubStartsCoordinatorLazily(t *testing.T) {
	hub, source := newTestHub(t)
	if hub.coordinatorCount() != 0 {
		t.Fatal("no coordinator should exist before the first subscribe")
	}

	c1, reply, err := hub.Subscribe(context.Background(), "academy-west", "doc-1", "s-alice", alice, newChanSink())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if reply.DocumentID != "doc-1" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	c2, _, err := hub.Subscribe(context.Background(), "academy-west", "doc-1", "s-bob", bob, newChanSink())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if c1 != c2 {
		t.Fatal("same document must share one coordinator")
	}
	if source.loads != 1 {
		t.Fatalf("snapshot should load once, loaded %d times", source.loads)
	}
}

func TestHubUnknownDocument(t *testing.T) {
	hub, _ := newTestHub(t)
	_, _, err := hub.Subscribe(context.Background(), "academy-west", "doc-missing", "s-x", alice, newChanSink())
	if err == nil {
		t.Fatal("subscribing to an unknown document must fail")
	}
}

func TestHubTenantScoping(t *testing.T) {
	hub, source := newTestHub(t)
	source.add("academy-east", grid.NewDocument("doc-1", 10, 10))

	west, _, err := hub.Subscribe(context.Background(), "academy-west", "doc-1", "s-w", alice, newChanSink())
	if err != nil {
		t.Fatalf("subscribe west: %v", err)
	}
	east, _, err := hub.Subscribe(context.Background(), "academy-east", "doc-1", "s-e", bob, newChanSink())
	if err != nil {
		t.Fatalf("subscribe east: %v", err)
	}
	if west == east {
		t.Fatal("same document id under different tenants must not share a coordinator")
	}
}

func TestHubRetiresIdleCoordinator(t *testing.T) {
	hub, _ := newTestHub(t)
	c, _, err := hub.Subscribe(context.Background(), "academy-west", "doc-1", "s-alice", alice, newChanSink())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	c.Unsubscribe("s-alice")
	deadline := time.Now().Add(2 * time.Second)
	for hub.coordinatorCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle coordinator was not retired")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The document stays reachable: a fresh subscribe restarts it.
	if _, _, err := hub.Subscribe(context.Background(), "academy-west", "doc-1", "s-bob", bob, newChanSink()); err != nil {
		t.Fatalf("resubscribe after retire: %v", err)
	}
}

func TestHubPersistsAcceptedWrites(t *testing.T) {
	hub, source := newTestHub(t)
	sink := newChanSink()
	c, _, err := hub.Subscribe(context.Background(), "academy-west", "doc-1", "s-alice", alice, sink)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	c.HandleLock("s-alice", "B7")
	waitEvent(t, sink, EventCellLockAcquired)
	value := "persisted"
	c.HandleUpdate("s-alice", UpdateCommand{CellRef: "B7", Value: &value, DisplayValue: &value})
	waitEvent(t, sink, EventCellUpdated)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if cell, ok := source.savedCell("academy-west/doc-1/B7"); ok {
			if cell.Value == nil || *cell.Value != "persisted" {
				t.Fatalf("persisted cell mismatch: %+v", cell)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("accepted write never reached the store")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubDropDocument(t *testing.T) {
	hub, _ := newTestHub(t)
	sink := newChanSink()
	if _, _, err := hub.Subscribe(context.Background(), "academy-west", "doc-1", "s-alice", alice, sink); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	drain(sink)

	hub.DropDocument("academy-west", "doc-1", "document deleted")
	msg := waitEvent(t, sink, EventError)
	var payload ErrorPayload
	decodePayload(t, msg, &payload)
	if payload.Code != CodeDocumentClosed {
		t.Fatalf("expected %s, got %+v", CodeDocumentClosed, payload)
	}
	if hub.coordinatorCount() != 0 {
		t.Fatal("dropped document must not keep a coordinator")
	}
}

func TestHubLiveSnapshot(t *testing.T) {
	hub, _ := newTestHub(t)
	sink := newChanSink()
	c, _, err := hub.Subscribe(context.Background(), "academy-west", "doc-1", "s-alice", alice, sink)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	c.HandleLock("s-alice", "A1")
	waitEvent(t, sink, EventCellLockAcquired)
	value := "live"
	c.HandleUpdate("s-alice", UpdateCommand{CellRef: "A1", Value: &value, DisplayValue: &value})
	waitEvent(t, sink, EventCellUpdated)

	cells, ok := hub.LiveSnapshot("academy-west", "doc-1")
	if !ok {
		t.Fatal("live snapshot should be available while subscribed")
	}
	if cell := cells["A1"]; cell.Value == nil || *cell.Value != "live" {
		t.Fatalf("snapshot should reflect the applied write: %+v", cell)
	}

	if _, ok := hub.LiveSnapshot("academy-west", "doc-2"); ok {
		t.Fatal("no live snapshot for a document without a session")
	}
}

// stallingSource delays LoadDocument for one document to simulate a slow
// store round trip.
type stallingSource struct {
	*memorySource
	slowDoc string
	delay   time.Duration
}

func (s *stallingSource) LoadDocument(ctx context.Context, tenant, documentID string) (*grid.Document, error) {
	if documentID == s.slowDoc {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.memorySource.LoadDocument(ctx, tenant, documentID)
}

func TestHubSubscribesIndependentDocumentsInParallel(t *testing.T) {
	source := &stallingSource{
		memorySource: newMemorySource(),
		slowDoc:      "doc-slow",
		delay:        400 * time.Millisecond,
	}
	source.add("academy-west", grid.NewDocument("doc-slow", 100, 26))
	source.add("academy-west", grid.NewDocument("doc-fast", 100, 26))
	hub := NewHub(source, 30*time.Second, 20*time.Millisecond, newFakeClock())
	t.Cleanup(hub.Close)

	slowHeld := make(chan struct{})
	go func() {
		defer close(slowHeld)
		if _, _, err := hub.Subscribe(context.Background(), "academy-west", "doc-slow", "s-alice", alice, newChanSink()); err != nil {
			t.Errorf("subscribe slow document: %v", err)
		}
	}()

	// Give the slow load time to start before measuring the other document.
	time.Sleep(20 * time.Millisecond)
	begin := time.Now()
	if _, _, err := hub.Subscribe(context.Background(), "academy-west", "doc-fast", "s-bob", bob, newChanSink()); err != nil {
		t.Fatalf("subscribe fast document: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > 200*time.Millisecond {
		t.Fatalf("subscribe stalled %v behind an unrelated document's load", elapsed)
	}
	<-slowHeld
}
