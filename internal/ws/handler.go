// Package ws is the live transport: one websocket connection per client
// session, multiplexing commands in and document events out.
package ws

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"gridbook/api/internal/collab"
	"gridbook/api/internal/util"
)

// Authenticator resolves a bearer token to the connection's identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (collab.User, error)
}

type Handler struct {
	hub      *collab.Hub
	auth     Authenticator
	upgrader websocket.Upgrader
}

func NewHandler(hub *collab.Hub, auth Authenticator) *Handler {
	return &Handler{
		hub:  hub,
		auth: auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the CORS layer in front; the
			// token requirement below is the real gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	user, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	sess := newSession(util.NewID("ws"), user, conn, h.hub)
	log.Printf("ws: session %s connected user=%s tenant=%s", sess.id, user.ID, user.Tenant)
	go sess.writePump()
	sess.readPump()
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
