package collab

import "time"

// Lock is an exclusive, time-bounded claim on one cell of a document.
type Lock struct {
	DocumentID string    `json:"documentId"`
	CellRef    string    `json:"cellAddress"`
	UserID     string    `json:"userId"`
	UserName   string    `json:"userName"`
	Color      string    `json:"color"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// LockManager is the single arbiter of cell-level mutual exclusion for one
// document. It is not safe for concurrent use; the owning coordinator
// serializes every call.
type LockManager struct {
	documentID string
	ttl        time.Duration
	clock      Clock
	locks      map[string]Lock
}

func NewLockManager(documentID string, ttl time.Duration, clock Clock) *LockManager {
	return &LockManager{
		documentID: documentID,
		ttl:        ttl,
		clock:      clock,
		locks:      make(map[string]Lock),
	}
}

// Acquire grants a lease on ref to the requester unless another user holds
// a live lock. Re-acquiring an already-held cell refreshes the lease. On
// denial the second return is false and the returned Lock names the current
// holder.
func (m *LockManager) Acquire(ref string, user User) (Lock, bool) {
	now := m.clock.Now()
	if existing, ok := m.live(ref, now); ok && existing.UserID != user.ID {
		return existing, false
	}
	lock := Lock{
		DocumentID: m.documentID,
		CellRef:    ref,
		UserID:     user.ID,
		UserName:   user.Name,
		Color:      ColorFor(user.ID),
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}
	m.locks[ref] = lock
	return lock, true
}

// Refresh extends the lease only when userID is the live holder.
func (m *LockManager) Refresh(ref, userID string) (Lock, bool) {
	now := m.clock.Now()
	lock, ok := m.live(ref, now)
	if !ok || lock.UserID != userID {
		return Lock{}, false
	}
	lock.ExpiresAt = now.Add(m.ttl)
	m.locks[ref] = lock
	return lock, true
}

// Release removes the lock only when userID is the live holder.
func (m *LockManager) Release(ref, userID string) (Lock, bool) {
	lock, ok := m.live(ref, m.clock.Now())
	if !ok || lock.UserID != userID {
		return Lock{}, false
	}
	delete(m.locks, ref)
	return lock, true
}

// Holder returns the live lock on ref, if any.
func (m *LockManager) Holder(ref string) (Lock, bool) {
	return m.live(ref, m.clock.Now())
}

// HeldBy reports whether userID holds a live lock on ref.
func (m *LockManager) HeldBy(ref, userID string) bool {
	lock, ok := m.Holder(ref)
	return ok && lock.UserID == userID
}

// Sweep drops every expired lock and returns them so the caller can emit
// synthetic release events.
func (m *LockManager) Sweep() []Lock {
	now := m.clock.Now()
	var expired []Lock
	for ref, lock := range m.locks {
		if !lock.ExpiresAt.After(now) {
			expired = append(expired, lock)
			delete(m.locks, ref)
		}
	}
	return expired
}

// ReleaseAllFor removes every live lock held by userID and returns them.
func (m *LockManager) ReleaseAllFor(userID string) []Lock {
	now := m.clock.Now()
	var released []Lock
	for ref, lock := range m.locks {
		if lock.UserID != userID {
			continue
		}
		delete(m.locks, ref)
		if lock.ExpiresAt.After(now) {
			released = append(released, lock)
		}
	}
	return released
}

// Live returns every non-expired lock, for seeding a fresh subscriber.
func (m *LockManager) Live() []Lock {
	now := m.clock.Now()
	var out []Lock
	for _, lock := range m.locks {
		if lock.ExpiresAt.After(now) {
			out = append(out, lock)
		}
	}
	return out
}

func (m *LockManager) live(ref string, now time.Time) (Lock, bool) {
	lock, ok := m.locks[ref]
	if !ok {
		return Lock{}, false
	}
	if !lock.ExpiresAt.After(now) {
		// Lazy expiry between sweeps.
		delete(m.locks, ref)
		return Lock{}, false
	}
	return lock, true
}
