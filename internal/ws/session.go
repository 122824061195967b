package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gridbook/api/internal/collab"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 256 * 1024
	sendBuffer     = 256
)

// session is one live transport connection bound to one user and, at any
// time, to zero or one document subscription.
type session struct {
	id   string
	user collab.User
	conn *websocket.Conn
	hub  *collab.Hub

	send      chan collab.Message
	closeOnce sync.Once
	closed    chan struct{}

	// coord is touched only by the read pump goroutine.
	coord *collab.Coordinator
}

func newSession(id string, user collab.User, conn *websocket.Conn, hub *collab.Hub) *session {
	return &session{
		id:     id,
		user:   user,
		conn:   conn,
		hub:    hub,
		send:   make(chan collab.Message, sendBuffer),
		closed: make(chan struct{}),
	}
}

// Send implements collab.EventSink. It never blocks the coordinator: a
// session that cannot drain its buffer is dropped, and the reconnect path
// re-seeds it from server truth.
func (s *session) Send(msg collab.Message) {
	select {
	case s.send <- msg:
	case <-s.closed:
	default:
		log.Printf("ws: session %s send buffer full, dropping connection", s.id)
		s.close()
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

func (s *session) readPump() {
	defer func() {
		if s.coord != nil {
			s.coord.Unsubscribe(s.id)
			s.coord = nil
		}
		s.close()
		log.Printf("ws: session %s disconnected", s.id)
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg collab.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.malformed("unparseable envelope")
			continue
		}
		s.dispatch(msg)
	}
}

func (s *session) dispatch(msg collab.Message) {
	switch msg.Type {
	case collab.CommandSubscribe:
		var cmd collab.SubscribeCommand
		if err := json.Unmarshal(msg.Payload, &cmd); err != nil || cmd.DocumentID == "" {
			s.malformed("subscribe requires documentId")
			return
		}
		s.subscribe(cmd.DocumentID)

	case collab.CommandUnsubscribe:
		if s.coord != nil {
			s.coord.Unsubscribe(s.id)
			s.coord = nil
		}

	case collab.CommandLock, collab.CommandUnlock, collab.CommandRefreshLock:
		var cmd collab.LockCommand
		if err := json.Unmarshal(msg.Payload, &cmd); err != nil || cmd.CellRef == "" {
			s.malformed("lock commands require cellAddress")
			return
		}
		if s.coord == nil {
			s.Send(collab.NewMessage(collab.EventError, collab.ErrorPayload{
				Code: collab.CodeNotSubscribed, Message: "no document subscription",
			}))
			return
		}
		switch msg.Type {
		case collab.CommandLock:
			s.coord.HandleLock(s.id, cmd.CellRef)
		case collab.CommandUnlock:
			s.coord.HandleUnlock(s.id, cmd.CellRef)
		case collab.CommandRefreshLock:
			s.coord.HandleRefreshLock(s.id, cmd.CellRef)
		}

	case collab.CommandUpdate:
		var cmd collab.UpdateCommand
		if err := json.Unmarshal(msg.Payload, &cmd); err != nil || cmd.CellRef == "" {
			s.malformed("update requires cellAddress")
			return
		}
		if s.coord == nil {
			s.Send(collab.NewMessage(collab.EventError, collab.ErrorPayload{
				Code: collab.CodeNotSubscribed, Message: "no document subscription",
			}))
			return
		}
		s.coord.HandleUpdate(s.id, cmd)

	default:
		s.malformed("unknown command type " + msg.Type)
	}
}

func (s *session) subscribe(documentID string) {
	// Switching documents implies leaving the previous one first.
	if s.coord != nil {
		s.coord.Unsubscribe(s.id)
		s.coord = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	coord, reply, err := s.hub.Subscribe(ctx, s.user.Tenant, documentID, s.id, s.user, s)
	if err != nil {
		log.Printf("ws: session %s subscribe %s: %v", s.id, documentID, err)
		s.Send(collab.NewMessage(collab.EventError, collab.ErrorPayload{
			Code: collab.CodeSubscribeFailed, Message: "cannot open document " + documentID,
		}))
		return
	}
	s.coord = coord
	s.Send(collab.NewMessage(collab.EventDocumentState, reply))
}

// malformed reports a dropped frame without closing the connection.
func (s *session) malformed(reason string) {
	log.Printf("ws: session %s malformed message: %s", s.id, reason)
	s.Send(collab.NewMessage(collab.EventError, collab.ErrorPayload{
		Code: collab.CodeMalformedMessage, Message: reason,
	}))
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}
