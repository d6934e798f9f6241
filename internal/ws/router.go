// Package ws is the realtime control surface: one WebSocket per
// session, JSON messages in both directions, inbound handling strictly
// sequential per connection.
package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/portside-dev/portside/internal/auth"
	"github.com/portside-dev/portside/internal/fs"
	"github.com/portside-dev/portside/internal/protocol"
	"github.com/portside-dev/portside/internal/sandbox"
	"github.com/portside-dev/portside/internal/sessions"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The bearer token is the admission boundary; browser origin is
		// not part of the trust model.
		return true
	},
}

// Router owns the WebSocket endpoint and the per-connection message
// loop.
type Router struct {
	manager     *sessions.Manager
	previewHost string
}

// NewRouter creates a WebSocket router over the session registry.
// previewHost is the externally reachable host used in preview URLs.
func NewRouter(manager *sessions.Manager, previewHost string) *Router {
	return &Router{manager: manager, previewHost: previewHost}
}

// HandleWebSocket admits the caller, creates or reattaches the session,
// upgrades the connection and runs the message loop until the socket
// closes. Admission failures are refused before the upgrade so the
// caller sees a plain HTTP status and no session state is left behind.
func (rt *Router) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ident, ok := auth.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	session, reattach, err := rt.manager.CreateOrAttach(r.Context(), sessionID, ident.Subject, nil)
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrCapacity):
			http.Error(w, "session capacity exceeded", http.StatusServiceUnavailable)
		case errors.Is(err, sessions.ErrNotOwner):
			http.Error(w, "forbidden", http.StatusForbidden)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed for %s: %v", sessionID, err)
		rt.manager.Detach(sessionID, nil)
		return
	}

	conn := newConn(wsConn)
	if err := rt.manager.Attach(sessionID, conn); err != nil {
		conn.close()
		return
	}
	go conn.writePump()

	backend := string(rt.manager.Backend())
	conn.Notify(protocol.New(protocol.TypeConnected, protocol.ConnectedPayload{
		SessionID: sessionID,
		Backend:   backend,
		Reattach:  reattach,
	}))
	log.Printf("[ws] %s connected to session %s (reattach=%v)", ident.Subject, sessionID, reattach)

	// A launch failure during admission happened before this connection
	// was attached, so the notification went nowhere; resend it.
	if session.Handle() == nil {
		conn.Notify(protocol.New(protocol.TypeError, protocol.ErrorPayload{
			Code:   "sandbox_unavailable",
			Reason: "no sandbox is running; send restart_container to retry",
		}))
	}

	h := &handler{
		manager:     rt.manager,
		session:     session,
		conn:        conn,
		previewHost: rt.previewHost,
	}
	rt.readLoop(conn, h, sessionID)
}

// readLoop processes inbound messages one at a time, in arrival order.
// Handler errors become error messages on the same connection; only a
// dead socket ends the loop.
func (rt *Router) readLoop(conn *Conn, h *handler, sessionID string) {
	defer func() {
		conn.close()
		rt.manager.Detach(sessionID, conn)
	}()

	conn.ws.SetReadLimit(maxMessageSize)
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[ws] session %s read error: %v", sessionID, err)
			}
			return
		}
		rt.manager.Touch(sessionID)

		msg, err := protocol.Parse(data)
		if err != nil {
			conn.Notify(errorMessage(err))
			continue
		}
		if err := h.dispatch(context.Background(), msg); err != nil {
			conn.Notify(errorMessage(err))
		}
	}
}

// errorMessage converts a handler error into the error message sent to
// the caller, classified by a stable machine-readable code.
func errorMessage(err error) protocol.Message {
	code := "internal_error"
	switch {
	case errors.Is(err, protocol.ErrProtocol):
		code = "protocol_error"
	case errors.Is(err, fs.ErrPathEscape), errors.Is(err, fs.ErrNotFound):
		code = "workspace_io_error"
	case errors.Is(err, sandbox.ErrUnavailable):
		code = "sandbox_unavailable"
	case errors.Is(err, sandbox.ErrComm):
		code = "sandbox_communication_failure"
	case errors.Is(err, sessions.ErrCapacity):
		code = "capacity_exceeded"
	case errors.Is(err, sessions.ErrSessionNotFound):
		code = "session_not_found"
	case errors.Is(err, errNoSandbox):
		code = "sandbox_unavailable"
	case errors.Is(err, errPrecondition):
		code = "precondition_failed"
	}
	return protocol.New(protocol.TypeError, protocol.ErrorPayload{
		Code:   code,
		Reason: err.Error(),
	})
}
