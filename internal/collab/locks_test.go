package collab

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	alice = User{ID: "alice", Name: "Alice", Tenant: "academy-west"}
	bob   = User{ID: "bob", Name: "Bob", Tenant: "academy-west"}
)

func TestAcquireDeniesSecondUser(t *testing.T) {
	clock := newFakeClock()
	m := NewLockManager("doc-1", 30*time.Second, clock)

	lock, granted := m.Acquire("A1", alice)
	if !granted {
		t.Fatal("first acquire should be granted")
	}
	if lock.UserID != "alice" || lock.CellRef != "A1" || lock.DocumentID != "doc-1" {
		t.Fatalf("unexpected lock: %+v", lock)
	}
	if got := lock.ExpiresAt.Sub(lock.AcquiredAt); got != 30*time.Second {
		t.Fatalf("TTL = %v, want 30s", got)
	}

	holder, granted := m.Acquire("A1", bob)
	if granted {
		t.Fatal("second acquire by another user must be denied")
	}
	if holder.UserName != "Alice" {
		t.Fatalf("denial should name the holder, got %+v", holder)
	}
}

func TestAcquireByHolderRefreshes(t *testing.T) {
	clock := newFakeClock()
	m := NewLockManager("doc-1", 30*time.Second, clock)
	first, _ := m.Acquire("A1", alice)

	clock.Advance(10 * time.Second)
	second, granted := m.Acquire("A1", alice)
	if !granted {
		t.Fatal("re-acquire by the holder should be granted")
	}
	if !second.ExpiresAt.After(first.ExpiresAt) {
		t.Fatal("re-acquire should extend the lease")
	}
}

func TestRefreshOnlyByHolder(t *testing.T) {
	clock := newFakeClock()
	m := NewLockManager("doc-1", 30*time.Second, clock)
	m.Acquire("A1", alice)

	if _, ok := m.Refresh("A1", "bob"); ok {
		t.Fatal("refresh by a non-holder must report not held")
	}
	clock.Advance(20 * time.Second)
	lock, ok := m.Refresh("A1", "alice")
	if !ok {
		t.Fatal("refresh by the holder should succeed")
	}
	if got := lock.ExpiresAt.Sub(clock.Now()); got != 30*time.Second {
		t.Fatalf("refreshed TTL = %v, want 30s from now", got)
	}
}

func TestReleaseOnlyByHolder(t *testing.T) {
	m := NewLockManager("doc-1", 30*time.Second, newFakeClock())
	m.Acquire("A1", alice)

	if _, ok := m.Release("A1", "bob"); ok {
		t.Fatal("release by a non-holder must report not held")
	}
	if _, ok := m.Release("A1", "alice"); !ok {
		t.Fatal("release by the holder should succeed")
	}
	if _, ok := m.Holder("A1"); ok {
		t.Fatal("lock should be gone after release")
	}
}

func TestLockExpiresAfterTTL(t *testing.T) {
	clock := newFakeClock()
	m := NewLockManager("doc-1", 30*time.Second, clock)
	m.Acquire("A1", alice)

	clock.Advance(30 * time.Second)
	if _, ok := m.Holder("A1"); ok {
		t.Fatal("lock should be expired at exactly TTL")
	}
	if _, granted := m.Acquire("A1", bob); !granted {
		t.Fatal("expired cell should be acquirable by another user")
	}
}

func TestSweepReturnsExpiredLocks(t *testing.T) {
	clock := newFakeClock()
	m := NewLockManager("doc-1", 30*time.Second, clock)
	m.Acquire("A1", alice)
	clock.Advance(25 * time.Second)
	m.Acquire("B2", bob)

	clock.Advance(5 * time.Second)
	expired := m.Sweep()
	if len(expired) != 1 || expired[0].CellRef != "A1" {
		t.Fatalf("expected only A1 to expire, got %+v", expired)
	}
	if !m.HeldBy("B2", "bob") {
		t.Fatal("B2 should still be held")
	}
}

func TestReleaseAllFor(t *testing.T) {
	m := NewLockManager("doc-1", 30*time.Second, newFakeClock())
	m.Acquire("A1", alice)
	m.Acquire("B2", alice)
	m.Acquire("C3", alice)
	m.Acquire("D4", bob)

	released := m.ReleaseAllFor("alice")
	if len(released) != 3 {
		t.Fatalf("expected 3 released locks, got %d", len(released))
	}
	for _, ref := range []string{"A1", "B2", "C3"} {
		if _, ok := m.Holder(ref); ok {
			t.Errorf("%s should be released", ref)
		}
	}
	if !m.HeldBy("D4", "bob") {
		t.Fatal("bob's lock must survive alice's release")
	}
}

func TestAtMostOneLiveLockPerCell(t *testing.T) {
	clock := newFakeClock()
	m := NewLockManager("doc-1", 30*time.Second, clock)
	users := []User{alice, bob, {ID: "cara", Name: "Cara"}}
	granted := 0
	for _, u := range users {
		if _, ok := m.Acquire("E5", u); ok {
			granted++
		}
	}
	if granted != 1 {
		t.Fatalf("exactly one acquire may win, got %d", granted)
	}
	if len(m.Live()) != 1 {
		t.Fatalf("expected one live lock, got %d", len(m.Live()))
	}
}
