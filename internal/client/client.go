// Package client is the Go-side editing client: it mirrors a document's
// live state, applies local edits optimistically, and reconciles against
// the server's authoritative events.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gridbook/api/internal/collab"
	"gridbook/api/internal/grid"
)

var (
	// ErrCellLocked is the local pre-flight rejection: someone else holds
	// the cell, so the server is not even contacted.
	ErrCellLocked = errors.New("cell is locked by another user")
	ErrNotEditing = errors.New("cell is not in edit mode")
	ErrClosed     = errors.New("client closed")
)

type Config struct {
	// URL is the websocket endpoint, e.g. ws://host/api/ws.
	URL    string
	Token  string
	UserID string
	// RefreshEvery is the lease refresh cadence; it must stay strictly
	// below the server's lock TTL.
	RefreshEvery time.Duration
	// BackoffBase/BackoffMax bound the reconnect backoff.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c *Config) fillDefaults() {
	if c.RefreshEvery == 0 {
		c.RefreshEvery = 20 * time.Second
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 15 * time.Second
	}
}

type editState struct {
	pending bool // lock requested, grant echo not yet seen
	staged  grid.Cell
	dirty   bool
}

// Client is one editing session. All exported methods are safe for
// concurrent use.
type Client struct {
	cfg Config

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected bool
	closed    bool
	document  string

	cells   map[string]grid.Cell
	locks   map[string]collab.Lock
	members map[string]collab.Member
	editing map[string]*editState

	subscribed chan collab.SubscribeReply
	events     chan collab.Message
	done       chan struct{}
}

// Dial connects and starts the client's event loop. The caller still has
// to Subscribe to a document.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg.fillDefaults()
	c := &Client{
		cfg:        cfg,
		cells:      make(map[string]grid.Cell),
		locks:      make(map[string]collab.Lock),
		members:    make(map[string]collab.Member),
		editing:    make(map[string]*editState),
		subscribed: make(chan collab.SubscribeReply, 1),
		events:     make(chan collab.Message, 128),
		done:       make(chan struct{}),
	}
	conn, err := c.dialOnce(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.connected = true
	go c.run(conn)
	go c.refreshLoop()
	return c, nil
}

func (c *Client) dialOnce(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL+"?token="+c.cfg.Token, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// Subscribe binds the session to a document and waits for the server's
// state snapshot to seed the local mirror.
func (c *Client) Subscribe(ctx context.Context, documentID string) error {
	c.mu.Lock()
	c.document = documentID
	c.mu.Unlock()

	// Drop a stale snapshot from an earlier subscribe.
	select {
	case <-c.subscribed:
	default:
	}

	if err := c.send(collab.CommandSubscribe, collab.SubscribeCommand{DocumentID: documentID}); err != nil {
		return err
	}
	select {
	case <-c.subscribed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// BeginEdit requests the cell lock and enters edit mode optimistically.
// If the mirror shows a live foreign lock the edit is rejected locally
// without contacting the server.
func (c *Client) BeginEdit(ref string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if lock, ok := c.locks[ref]; ok && lock.UserID != c.cfg.UserID && lock.ExpiresAt.After(time.Now()) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCellLocked, lock.UserName)
	}
	c.editing[ref] = &editState{pending: true, staged: c.cells[ref]}
	c.mu.Unlock()

	return c.send(collab.CommandLock, collab.LockCommand{CellRef: ref})
}

// Type records a keystroke locally. Nothing is sent until Commit.
func (c *Client) Type(ref, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	edit, ok := c.editing[ref]
	if !ok {
		return ErrNotEditing
	}
	edit.staged = edit.staged.Merge(grid.Update{Value: &text, DisplayValue: &text})
	edit.dirty = true
	return nil
}

// Commit sends the staged value. The optimistic local copy stays
// authoritative for display until the server's echo overwrites it.
func (c *Client) Commit(ref string) error {
	c.mu.Lock()
	edit, ok := c.editing[ref]
	if !ok {
		c.mu.Unlock()
		return ErrNotEditing
	}
	staged := edit.staged
	edit.dirty = false
	c.mu.Unlock()

	return c.send(collab.CommandUpdate, collab.UpdateCommand{
		CellRef:      ref,
		Value:        staged.Value,
		DisplayValue: staged.DisplayValue,
		Formula:      staged.Formula,
		Style:        staged.Style,
	})
}

// Release leaves edit mode and gives the lock back.
func (c *Client) Release(ref string) error {
	c.mu.Lock()
	_, ok := c.editing[ref]
	delete(c.editing, ref)
	c.mu.Unlock()
	if !ok {
		return ErrNotEditing
	}
	return c.send(collab.CommandUnlock, collab.LockCommand{CellRef: ref})
}

// Cell returns the display truth for a cell: the optimistic staged value
// while an edit is in flight, the server mirror otherwise.
func (c *Client) Cell(ref string) grid.Cell {
	c.mu.Lock()
	defer c.mu.Unlock()
	if edit, ok := c.editing[ref]; ok && edit.dirty {
		return edit.staged
	}
	return c.cells[ref]
}

// LockedBy returns the display name of the live lock holder, if any.
func (c *Client) LockedBy(ref string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[ref]
	if !ok || !lock.ExpiresAt.After(time.Now()) {
		return "", false
	}
	return lock.UserName, true
}

// Editing reports whether the cell is in local edit mode.
func (c *Client) Editing(ref string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.editing[ref]
	return ok
}

// Members returns the mirrored presence set.
func (c *Client) Members() []collab.Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]collab.Member, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m)
	}
	return out
}

// Connected reports whether the transport is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Events exposes the raw server events after the mirror has applied them,
// for UI layers that want to react to them.
func (c *Client) Events() <-chan collab.Message {
	return c.events
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	close(c.done)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) send(msgType string, payload any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return errors.New("not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(collab.NewMessage(msgType, payload))
}

// run owns the connection lifecycle: read until the transport drops, then
// reconnect with backoff and re-subscribe. No client-held lock state
// survives a reconnect as authoritative.
func (c *Client) run(conn *websocket.Conn) {
	for {
		c.readLoop(conn)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		// The server releases our locks on its side; mirror that locally
		// rather than trusting any stale lease.
		c.connected = false
		c.conn = nil
		c.locks = make(map[string]collab.Lock)
		c.editing = make(map[string]*editState)
		document := c.document
		c.mu.Unlock()

		next, ok := c.reconnect()
		if !ok {
			return
		}
		c.mu.Lock()
		c.conn = next
		c.connected = true
		c.mu.Unlock()
		conn = next

		if document != "" {
			if err := c.send(collab.CommandSubscribe, collab.SubscribeCommand{DocumentID: document}); err != nil {
				log.Printf("client: re-subscribe %s: %v", document, err)
			}
		}
	}
}

func (c *Client) reconnect() (*websocket.Conn, bool) {
	backoff := c.cfg.BackoffBase
	for {
		select {
		case <-c.done:
			return nil, false
		case <-time.After(backoff):
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, err := c.dialOnce(ctx)
		cancel()
		if err == nil {
			return conn, true
		}
		log.Printf("client: reconnect failed: %v", err)
		backoff *= 2
		if backoff > c.cfg.BackoffMax {
			backoff = c.cfg.BackoffMax
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg collab.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("client: bad frame: %v", err)
			continue
		}
		c.apply(msg)
		select {
		case c.events <- msg:
		default:
		}
	}
}

// apply reconciles one server event into the local mirror. The server is
// always last-writer-wins at the cell level.
func (c *Client) apply(msg collab.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Type {
	case collab.EventDocumentState:
		var reply collab.SubscribeReply
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			return
		}
		c.cells = make(map[string]grid.Cell, len(reply.Cells))
		for ref, cell := range reply.Cells {
			c.cells[ref] = cell
		}
		c.locks = make(map[string]collab.Lock, len(reply.Locks))
		for _, lock := range reply.Locks {
			c.locks[lock.CellRef] = lock
		}
		c.members = make(map[string]collab.Member, len(reply.Members))
		for _, m := range reply.Members {
			c.members[m.UserID] = m
		}
		select {
		case c.subscribed <- reply:
		default:
		}

	case collab.EventCellLockAcquired:
		var p collab.LockAcquiredPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		c.locks[p.Lock.CellRef] = p.Lock
		if edit, ok := c.editing[p.Lock.CellRef]; ok && p.Lock.UserID == c.cfg.UserID {
			edit.pending = false
		}

	case collab.EventCellLockDenied:
		var p collab.LockDeniedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		// The optimistic edit loses: leave edit mode.
		delete(c.editing, p.CellRef)

	case collab.EventCellUpdated:
		var p collab.CellUpdatedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		cell := grid.Cell{Value: p.Value, DisplayValue: p.DisplayValue, Formula: p.Formula, Style: p.Style}
		if cell.Empty() {
			delete(c.cells, p.CellRef)
		} else {
			c.cells[p.CellRef] = cell
		}
		// The echo supersedes the optimistic copy unconditionally.
		if edit, ok := c.editing[p.CellRef]; ok && !edit.dirty {
			edit.staged = cell
		}

	case collab.EventCellUnlocked:
		var p collab.CellUnlockedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		delete(c.locks, p.CellRef)
		if p.UserID == c.cfg.UserID {
			delete(c.editing, p.CellRef)
		}

	case collab.EventUserJoined:
		var p collab.UserJoinedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		c.members[p.UserID] = collab.Member{UserID: p.UserID, UserName: p.UserName, Color: p.Color}

	case collab.EventUserLeft:
		var p collab.UserLeftPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		delete(c.members, p.UserID)
	}
}

// refreshLoop keeps leases alive for every cell in edit mode. It runs for
// the client's whole lifetime and stops with it.
func (c *Client) refreshLoop() {
	ticker := time.NewTicker(c.cfg.RefreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		var refs []string
		for ref, edit := range c.editing {
			if !edit.pending {
				refs = append(refs, ref)
			}
		}
		c.mu.Unlock()
		for _, ref := range refs {
			if err := c.send(collab.CommandRefreshLock, collab.LockCommand{CellRef: ref}); err != nil {
				log.Printf("client: refresh %s: %v", ref, err)
			}
		}
	}
}
