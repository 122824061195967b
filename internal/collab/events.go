package collab

import (
	"encoding/json"

	"gridbook/api/internal/grid"
)

// Server-to-client event types.
const (
	EventCellLockAcquired = "CELL_LOCK_ACQUIRED"
	EventCellLockDenied   = "CELL_LOCK_DENIED"
	EventCellUpdated      = "CELL_UPDATED"
	EventCellUnlocked     = "CELL_UNLOCKED"
	EventUserJoined       = "USER_JOINED"
	EventUserLeft         = "USER_LEFT"
	EventError            = "ERROR"
	// EventDocumentState acknowledges a subscribe with the server's current
	// truth: cells, presence and live locks.
	EventDocumentState = "DOCUMENT_STATE"
)

// Client-to-server command types.
const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
	CommandLock        = "lock"
	CommandUnlock      = "unlock"
	CommandUpdate      = "update"
	CommandRefreshLock = "refresh-lock"
)

// Error codes carried in ERROR payloads.
const (
	CodeNotAuthorized    = "NOT_AUTHORIZED"
	CodeNotSubscribed    = "NOT_SUBSCRIBED"
	CodeInvalidAddress   = "INVALID_ADDRESS"
	CodeMalformedMessage = "MALFORMED_MESSAGE"
	CodeSubscribeFailed  = "SUBSCRIBE_FAILED"
	CodeDocumentClosed   = "DOCUMENT_CLOSED"
)

// Message is the wire envelope in both directions.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds an envelope around a payload struct. Marshal failures
// cannot happen for our payload types, so they are swallowed.
func NewMessage(msgType string, payload any) Message {
	raw, _ := json.Marshal(payload)
	return Message{Type: msgType, Payload: raw}
}

// User is the authenticated identity bound to a live session.
type User struct {
	ID     string `json:"userId"`
	Name   string `json:"userName"`
	Tenant string `json:"-"`
}

// Member is one entry of a document's presence set.
type Member struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Color    string `json:"color"`
}

type LockAcquiredPayload struct {
	Lock Lock `json:"lock"`
}

type LockDeniedPayload struct {
	CellRef      string `json:"cellAddress"`
	LockedByUser string `json:"lockedByUser"`
}

type CellUpdatedPayload struct {
	CellRef      string      `json:"cellAddress"`
	Value        *string     `json:"value"`
	DisplayValue *string     `json:"displayValue"`
	Formula      *string     `json:"formula"`
	Style        *grid.Style `json:"style,omitempty"`
	UserID       string      `json:"userId"`
	UserName     string      `json:"userName"`
}

type CellUnlockedPayload struct {
	CellRef string `json:"cellAddress"`
	UserID  string `json:"userId"`
}

type UserJoinedPayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Color    string `json:"color"`
}

type UserLeftPayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SubscribeCommand binds the session to one document, replacing any
// previous subscription.
type SubscribeCommand struct {
	DocumentID string `json:"documentId"`
}

// LockCommand is the payload of lock, unlock and refresh-lock commands.
type LockCommand struct {
	CellRef string `json:"cellAddress"`
}

// UpdateCommand is the payload of an update command. Absent fields leave
// the corresponding cell fields unchanged.
type UpdateCommand struct {
	CellRef      string      `json:"cellAddress"`
	Value        *string     `json:"value,omitempty"`
	DisplayValue *string     `json:"displayValue,omitempty"`
	Formula      *string     `json:"formula,omitempty"`
	Style        *grid.Style `json:"style,omitempty"`
}

func (c UpdateCommand) update() grid.Update {
	return grid.Update{
		Value:        c.Value,
		DisplayValue: c.DisplayValue,
		Formula:      c.Formula,
		Style:        c.Style,
	}
}

func errorMessage(code, text string) Message {
	return NewMessage(EventError, ErrorPayload{Code: code, Message: text})
}
