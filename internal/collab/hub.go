package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gridbook/api/internal/grid"
)

// DocumentSource loads a document's working copy and persists accepted
// writes back. Implemented by the Postgres store.
type DocumentSource interface {
	CellStore
	LoadDocument(ctx context.Context, tenant, documentID string) (*grid.Document, error)
}

// hubEntry is one slot in the hub's registry. coord stays nil while the
// first subscriber's snapshot load is in flight; ready closes once the
// coordinator is published (or the load failed with err set).
type hubEntry struct {
	ready chan struct{}
	coord *Coordinator
	err   error
}

// Hub owns one live Coordinator per (tenant, document). Coordinators start
// lazily on first subscribe, seeded from the store snapshot, and retire
// when their last subscriber leaves. The registry mutex is never held
// across store I/O: a slow snapshot load for one document must not stall
// subscribes to any other.
type Hub struct {
	store      DocumentSource
	ttl        time.Duration
	sweepEvery time.Duration
	clock      Clock

	mu      sync.Mutex
	entries map[string]*hubEntry
	closed  bool
}

func NewHub(store DocumentSource, ttl, sweepEvery time.Duration, clock Clock) *Hub {
	if clock == nil {
		clock = SystemClock
	}
	return &Hub{
		store:      store,
		ttl:        ttl,
		sweepEvery: sweepEvery,
		clock:      clock,
		entries:    make(map[string]*hubEntry),
	}
}

func hubKey(tenant, documentID string) string {
	return tenant + "/" + documentID
}

// Subscribe attaches a session to the document's live coordinator,
// starting one if needed, and returns the coordinator together with the
// seeded truth. Only the first subscriber pays for the snapshot load;
// concurrent subscribers to the same document wait on the same entry,
// while other documents proceed untouched.
func (h *Hub) Subscribe(ctx context.Context, tenant, documentID, sessionID string, user User, sink EventSink) (*Coordinator, SubscribeReply, error) {
	key := hubKey(tenant, documentID)

	for attempt := 0; ; attempt++ {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil, SubscribeReply{}, ErrDocumentClosed
		}
		entry, ok := h.entries[key]
		if !ok {
			entry = &hubEntry{ready: make(chan struct{})}
			h.entries[key] = entry
			h.mu.Unlock()
			h.start(ctx, key, tenant, documentID, entry)
		} else {
			h.mu.Unlock()
		}

		select {
		case <-entry.ready:
		case <-ctx.Done():
			return nil, SubscribeReply{}, ctx.Err()
		}
		if entry.err != nil {
			return nil, SubscribeReply{}, entry.err
		}

		reply, err := entry.coord.Subscribe(sessionID, user, sink)
		if err == nil {
			return entry.coord, reply, nil
		}
		// The coordinator can retire between publish and attach; its
		// entry is already unlinked, so one retry starts a fresh one.
		if errors.Is(err, ErrDocumentClosed) && attempt == 0 {
			continue
		}
		return nil, SubscribeReply{}, err
	}
}

// start loads the snapshot and publishes the coordinator into the already
// reserved entry. Runs without the registry mutex.
func (h *Hub) start(ctx context.Context, key, tenant, documentID string, entry *hubEntry) {
	defer close(entry.ready)

	doc, err := h.store.LoadDocument(ctx, tenant, documentID)
	if err != nil {
		entry.err = fmt.Errorf("load document %s: %w", documentID, err)
		h.mu.Lock()
		if h.entries[key] == entry {
			delete(h.entries, key)
		}
		h.mu.Unlock()
		return
	}

	c := NewCoordinator(tenant, doc, h.store, h.ttl, h.sweepEvery, h.clock)
	c.onIdle = func() { go h.retire(key, c) }

	h.mu.Lock()
	// Close or DropDocument may have raced the load.
	if h.closed || h.entries[key] != entry {
		h.mu.Unlock()
		c.Stop("")
		entry.err = ErrDocumentClosed
		return
	}
	entry.coord = c
	h.mu.Unlock()
}

// LiveSnapshot returns the coordinator's authoritative cells when the
// document has a live session, so snapshot fetches never trail behind
// in-flight writes.
func (h *Hub) LiveSnapshot(tenant, documentID string) (map[string]grid.Cell, bool) {
	h.mu.Lock()
	var c *Coordinator
	if entry, ok := h.entries[hubKey(tenant, documentID)]; ok {
		c = entry.coord
	}
	h.mu.Unlock()
	if c == nil {
		return nil, false
	}
	cells, err := c.CellsSnapshot()
	if err != nil {
		return nil, false
	}
	return cells, true
}

// DropDocument tears down the live session for a deleted document. The
// reason reaches remaining subscribers as an ERROR event. A still-loading
// entry is unlinked; its loader stops the orphaned coordinator itself.
func (h *Hub) DropDocument(tenant, documentID, reason string) {
	h.mu.Lock()
	key := hubKey(tenant, documentID)
	entry, ok := h.entries[key]
	if ok {
		delete(h.entries, key)
	}
	h.mu.Unlock()
	if ok && entry.coord != nil {
		entry.coord.Stop(reason)
	}
}

// Close stops every live coordinator. Used on server shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	entries := h.entries
	h.entries = make(map[string]*hubEntry)
	h.mu.Unlock()
	for _, entry := range entries {
		if entry.coord != nil {
			entry.coord.Stop("server shutting down")
		}
	}
}

func (h *Hub) retire(key string, c *Coordinator) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.entries[key]
	if !ok || entry.coord != c {
		return
	}
	// A new subscriber may have raced the idle signal.
	if c.SubscriberCount() > 0 {
		return
	}
	delete(h.entries, key)
	c.Stop("")
}
