package collab

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"gridbook/api/internal/grid"
)

// ErrDocumentClosed is returned when a command reaches a coordinator that
// has already shut down.
var ErrDocumentClosed = errors.New("document session closed")

// EventSink receives events fanned out by a coordinator. Send must never
// block: transport implementations buffer writes and drop the connection
// when the buffer overflows.
type EventSink interface {
	Send(Message)
}

// CellStore persists accepted writes so a later snapshot fetch reflects
// them. Calls happen outside the coordinator goroutine.
type CellStore interface {
	SaveCell(ctx context.Context, tenant, documentID, ref string, cell grid.Cell) error
	DeleteCell(ctx context.Context, tenant, documentID, ref string) error
}

// SubscribeReply seeds a fresh subscriber with the server's current truth.
type SubscribeReply struct {
	DocumentID string               `json:"documentId"`
	Rows       int                  `json:"rows"`
	Cols       int                  `json:"cols"`
	Cells      map[string]grid.Cell `json:"cells"`
	Members    []Member             `json:"members"`
	Locks      []Lock               `json:"locks"`
}

type subscriber struct {
	user User
	sink EventSink
}

// Coordinator serializes every state-changing operation for one document.
// All mutation happens on its single goroutine, so lock checks and cell
// writes are linearizable per document while documents stay independent.
type Coordinator struct {
	tenant     string
	doc        *grid.Document
	locks      *LockManager
	presence   *Presence
	cells      CellStore
	clock      Clock
	sweepEvery time.Duration

	commands chan func()
	done     chan struct{}
	stopOnce sync.Once
	subs     map[string]*subscriber

	// onIdle fires (on the coordinator goroutine) when the last subscriber
	// leaves; the hub uses it to retire the session.
	onIdle func()
}

func NewCoordinator(tenant string, doc *grid.Document, cells CellStore, ttl, sweepEvery time.Duration, clock Clock) *Coordinator {
	if clock == nil {
		clock = SystemClock
	}
	c := &Coordinator{
		tenant:     tenant,
		doc:        doc,
		locks:      NewLockManager(doc.ID, ttl, clock),
		presence:   NewPresence(),
		cells:      cells,
		clock:      clock,
		sweepEvery: sweepEvery,
		commands:   make(chan func(), 64),
		done:       make(chan struct{}),
		subs:       make(map[string]*subscriber),
	}
	go c.run()
	return c
}

func (c *Coordinator) run() {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case fn := <-c.commands:
			fn()
		case <-ticker.C:
			c.sweepExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Coordinator) enqueue(fn func()) bool {
	select {
	case c.commands <- fn:
		return true
	case <-c.done:
		return false
	}
}

// Stop shuts the coordinator down. A non-empty reason is broadcast as an
// ERROR event so clients know the document went away under them.
func (c *Coordinator) Stop(reason string) {
	c.stopOnce.Do(func() {
		c.enqueue(func() {
			if reason != "" {
				c.broadcast(errorMessage(CodeDocumentClosed, reason))
			}
			close(c.done)
		})
	})
}

// Subscribe attaches a session and returns the current document truth. The
// first session of a user broadcasts USER_JOINED to every subscriber,
// including the new one.
func (c *Coordinator) Subscribe(sessionID string, user User, sink EventSink) (SubscribeReply, error) {
	reply := make(chan SubscribeReply, 1)
	ok := c.enqueue(func() {
		c.subs[sessionID] = &subscriber{user: user, sink: sink}
		member, first := c.presence.Join(user)
		if first {
			c.broadcast(NewMessage(EventUserJoined, UserJoinedPayload{
				UserID: member.UserID, UserName: member.UserName, Color: member.Color,
			}))
		}
		reply <- SubscribeReply{
			DocumentID: c.doc.ID,
			Rows:       c.doc.Rows,
			Cols:       c.doc.Cols,
			Cells:      c.doc.Snapshot(),
			Members:    c.presence.Members(),
			Locks:      c.locks.Live(),
		}
	})
	if !ok {
		return SubscribeReply{}, ErrDocumentClosed
	}
	select {
	case r := <-reply:
		return r, nil
	case <-c.done:
		return SubscribeReply{}, ErrDocumentClosed
	}
}

// Unsubscribe detaches a session. The user's locks are released and
// USER_LEFT broadcast once their last session is gone, atomically with
// respect to concurrent commands from the same user.
func (c *Coordinator) Unsubscribe(sessionID string) {
	c.enqueue(func() {
		sub, ok := c.subs[sessionID]
		if !ok {
			return
		}
		delete(c.subs, sessionID)
		member, last := c.presence.Leave(sub.user.ID)
		if last {
			for _, lock := range c.locks.ReleaseAllFor(sub.user.ID) {
				c.broadcast(NewMessage(EventCellUnlocked, CellUnlockedPayload{
					CellRef: lock.CellRef, UserID: lock.UserID,
				}))
			}
			c.broadcast(NewMessage(EventUserLeft, UserLeftPayload{
				UserID: member.UserID, UserName: member.UserName,
			}))
		}
		if len(c.subs) == 0 && c.onIdle != nil {
			c.onIdle()
		}
	})
}

// HandleLock processes a lock command. Grants are broadcast to every
// subscriber; denials go only to the requester, naming the holder.
func (c *Coordinator) HandleLock(sessionID, ref string) {
	c.enqueue(func() {
		sub, ok := c.subs[sessionID]
		if !ok {
			return
		}
		if !c.validRef(ref, sub) {
			return
		}
		lock, granted := c.locks.Acquire(ref, sub.user)
		if !granted {
			sub.sink.Send(NewMessage(EventCellLockDenied, LockDeniedPayload{
				CellRef: ref, LockedByUser: lock.UserName,
			}))
			return
		}
		c.broadcast(NewMessage(EventCellLockAcquired, LockAcquiredPayload{Lock: lock}))
	})
}

// HandleUnlock releases a lock. Releasing a cell the user does not hold is
// an expected race under network jitter, logged and otherwise ignored.
func (c *Coordinator) HandleUnlock(sessionID, ref string) {
	c.enqueue(func() {
		sub, ok := c.subs[sessionID]
		if !ok {
			return
		}
		lock, released := c.locks.Release(ref, sub.user.ID)
		if !released {
			log.Printf("collab: stale unlock doc=%s cell=%s user=%s", c.doc.ID, ref, sub.user.ID)
			return
		}
		c.broadcast(NewMessage(EventCellUnlocked, CellUnlockedPayload{
			CellRef: lock.CellRef, UserID: lock.UserID,
		}))
	})
}

// HandleRefreshLock extends the requester's lease. No broadcast: other
// clients only care that the lock exists, not how fresh it is.
func (c *Coordinator) HandleRefreshLock(sessionID, ref string) {
	c.enqueue(func() {
		sub, ok := c.subs[sessionID]
		if !ok {
			return
		}
		if _, refreshed := c.locks.Refresh(ref, sub.user.ID); !refreshed {
			log.Printf("collab: stale lease refresh doc=%s cell=%s user=%s", c.doc.ID, ref, sub.user.ID)
		}
	})
}

// HandleUpdate applies a write if and only if the writer holds a live lock
// on the cell. The lock is always re-validated server-side; the client's
// own pre-flight check is a UX optimization, never the authority.
func (c *Coordinator) HandleUpdate(sessionID string, cmd UpdateCommand) {
	c.enqueue(func() {
		sub, ok := c.subs[sessionID]
		if !ok {
			return
		}
		if !c.validRef(cmd.CellRef, sub) {
			return
		}
		if !c.locks.HeldBy(cmd.CellRef, sub.user.ID) {
			sub.sink.Send(errorMessage(CodeNotAuthorized, "no lock held on "+cmd.CellRef))
			return
		}
		cell := c.doc.Apply(cmd.CellRef, cmd.update())
		c.persist(cmd.CellRef, cell)
		c.broadcast(NewMessage(EventCellUpdated, CellUpdatedPayload{
			CellRef:      cmd.CellRef,
			Value:        cell.Value,
			DisplayValue: cell.DisplayValue,
			Formula:      cell.Formula,
			Style:        cell.Style,
			UserID:       sub.user.ID,
			UserName:     sub.user.Name,
		}))
	})
}

// SubscriberCount reports attached sessions; zero when already closed.
func (c *Coordinator) SubscriberCount() int {
	reply := make(chan int, 1)
	if !c.enqueue(func() { reply <- len(c.subs) }) {
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-c.done:
		return 0
	}
}

// CellsSnapshot returns a copy of the authoritative cell map, for serving
// snapshot fetches while the document is live.
func (c *Coordinator) CellsSnapshot() (map[string]grid.Cell, error) {
	reply := make(chan map[string]grid.Cell, 1)
	if !c.enqueue(func() { reply <- c.doc.Snapshot() }) {
		return nil, ErrDocumentClosed
	}
	select {
	case cells := <-reply:
		return cells, nil
	case <-c.done:
		return nil, ErrDocumentClosed
	}
}

func (c *Coordinator) sweepExpired() {
	for _, lock := range c.locks.Sweep() {
		log.Printf("collab: lease expired doc=%s cell=%s user=%s", c.doc.ID, lock.CellRef, lock.UserID)
		c.broadcast(NewMessage(EventCellUnlocked, CellUnlockedPayload{
			CellRef: lock.CellRef, UserID: lock.UserID,
		}))
	}
}

func (c *Coordinator) validRef(ref string, sub *subscriber) bool {
	addr, err := grid.ParseAddress(ref)
	if err != nil || !c.doc.Contains(addr) {
		sub.sink.Send(errorMessage(CodeInvalidAddress, "invalid cell address "+ref))
		return false
	}
	return true
}

func (c *Coordinator) broadcast(msg Message) {
	for _, sub := range c.subs {
		sub.sink.Send(msg)
	}
}

// persist mirrors an accepted write to the cell store without blocking the
// coordinator loop. Failures are logged; the in-memory copy stays
// authoritative for the live session.
func (c *Coordinator) persist(ref string, cell grid.Cell) {
	if c.cells == nil {
		return
	}
	tenant, docID := c.tenant, c.doc.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var err error
		if cell.Empty() {
			err = c.cells.DeleteCell(ctx, tenant, docID, ref)
		} else {
			err = c.cells.SaveCell(ctx, tenant, docID, ref, cell)
		}
		if err != nil {
			log.Printf("collab: persist cell doc=%s cell=%s: %v", docID, ref, err)
		}
	}()
}
