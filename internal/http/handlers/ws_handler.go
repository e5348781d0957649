// WebSocket transport for live conversation sessions.
//
// GET /ws upgrades the connection and binds it to a fresh chat session. The
// client drives the session with small JSON frames (select / send / typing);
// the server streams back the history snapshot, committed messages, typing
// notices, and cross-conversation notifications.
//
// Frames from the client:
//
//	{"type":"select","peer_id":"user456"}
//	{"type":"send","body":"see you at 9"}
//	{"type":"typing"}
//
// Frames to the client: hello, history, message, notification, typing,
// reconcile, error. A reconcile frame carries messages the session missed
// while its delivery queue was overflowing.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tbourn/go-dm-backend/internal/delivery"
	"github.com/tbourn/go-dm-backend/internal/domain"
	"github.com/tbourn/go-dm-backend/internal/http/middleware"
	"github.com/tbourn/go-dm-backend/internal/services"
	"github.com/tbourn/go-dm-backend/internal/session"
)

// Connection timing knobs. Pings keep intermediaries from reaping idle
// connections; the pong deadline detects dead peers.
const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingInterval   = 54 * time.Second // must be < wsPongWait
	wsMaxMessageSize = 16 << 10
	wsSendBuffer     = 256
)

// clientFrame is one inbound control frame.
type clientFrame struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id,omitempty"`
	Body   string `json:"body,omitempty"`
}

// serverFrame is one outbound frame. Fields are populated per Type.
type serverFrame struct {
	Type           string           `json:"type"`
	SessionID      string           `json:"session_id,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Messages       []domain.Message `json:"messages,omitempty"`
	Message        *domain.Message  `json:"message,omitempty"`
	Typing         *delivery.Typing `json:"typing,omitempty"`
	Code           string           `json:"code,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// WSHandler upgrades HTTP requests into live session connections.
type WSHandler struct {
	sessions *session.Manager
	bus      *delivery.Bus
	upgrader websocket.Upgrader
}

// NewWS constructs a WSHandler bound to the session manager and delivery bus.
func NewWS(sessions *session.Manager, bus *delivery.Bus) *WSHandler {
	return &WSHandler{
		sessions: sessions,
		bus:      bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients carry the user id in a header set by the app
			// shell; origin policy is enforced upstream by CORS middleware.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Serve godoc
// @ID          wsConnect
// @Summary     Open a live session
// @Description Upgrades to WebSocket and opens a chat session for the current user.
// @Description The first frame sent is {"type":"hello","session_id":...}.
// @Tags        Sessions
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
//
// @Success     101  {string} string "Switching Protocols"
// @Failure     400  {object} handlers.ErrorResponse "Upgrade failed"
// @Router      /ws [get]
func (h *WSHandler) Serve(c *gin.Context) {
	uid := userID(c)
	lg := middleware.LoggerFrom(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		lg.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess := h.sessions.Open(uid)
	events := h.bus.Attach(sess.ID())
	outbound := make(chan []byte, wsSendBuffer)
	wsSessions.Inc()

	enqueue(outbound, serverFrame{Type: "hello", SessionID: sess.ID()})

	go h.eventLoop(sess, events, outbound)
	go writePump(conn, outbound)

	h.readPump(c, conn, sess, outbound)

	// Read side is done: detach first so the event loop drains and closes
	// the outbound channel, then tear the session down.
	h.bus.Detach(sess.ID())
	h.sessions.Close(sess.ID())
	wsSessions.Dec()
	lg.Debug().Str("session_id", sess.ID()).Str("user_id", uid).Msg("session closed")
}

// readPump consumes client frames until the connection drops. Runs on the
// handler goroutine.
func (h *WSHandler) readPump(c *gin.Context, conn *websocket.Conn, sess *session.ChatSession, outbound chan<- []byte) {
	defer conn.Close()

	lg := middleware.LoggerFrom(c)
	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				lg.Warn().Err(err).Str("session_id", sess.ID()).Msg("websocket read error")
			}
			return
		}

		var f clientFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			enqueue(outbound, errorFrame(ErrCodeBadRequest, "malformed frame"))
			continue
		}

		ctx := c.Request.Context()
		switch f.Type {
		case "select":
			history, err := sess.SelectPeer(ctx, f.PeerID)
			if err != nil {
				enqueue(outbound, sessionErrorFrame(err))
				continue
			}
			conv := ""
			if peer, active := sess.Peer(); active {
				conv, _ = domain.PairID(sess.UserID(), peer)
			}
			enqueue(outbound, serverFrame{Type: "history", ConversationID: conv, Messages: history})

		case "send":
			m, err := sess.Send(ctx, f.Body)
			if err != nil {
				enqueue(outbound, sessionErrorFrame(err))
				continue
			}
			if m != nil {
				// Echo the committed message so the sender renders it with
				// its assigned sequence number.
				enqueue(outbound, serverFrame{Type: "message", Message: m})
			}

		case "typing":
			if err := sess.Typing(ctx); err != nil {
				enqueue(outbound, sessionErrorFrame(err))
			}

		default:
			enqueue(outbound, errorFrame(ErrCodeBadRequest, "unknown frame type"))
		}

		if sess.Lagged() {
			h.reconcile(c, sess, outbound)
		}
	}
}

// eventLoop turns bus events into outbound frames according to the session's
// disposition, reconciling whenever the registry flags a queue overflow. It
// owns the outbound channel and closes it when the bus detaches the session.
func (h *WSHandler) eventLoop(sess *session.ChatSession, events <-chan delivery.Event, outbound chan<- []byte) {
	defer close(outbound)

	for ev := range events {
		switch sess.Receive(ev) {
		case session.DispositionTranscript:
			enqueue(outbound, serverFrame{Type: "message", Message: ev.Message})
		case session.DispositionNotification:
			enqueue(outbound, serverFrame{Type: "notification", Message: ev.Message})
		case session.DispositionTyping:
			enqueue(outbound, serverFrame{Type: "typing", Typing: ev.Typing})
		}

		if sess.Lagged() {
			h.reconcile(nil, sess, outbound)
		}
	}
}

// reconcile fetches messages missed during a queue overflow and ships them in
// one frame. c may be nil when called off the request goroutine.
func (h *WSHandler) reconcile(c *gin.Context, sess *session.ChatSession, outbound chan<- []byte) {
	ctx := contextOf(c)
	missed, err := sess.Reconcile(ctx)
	if err != nil {
		enqueue(outbound, sessionErrorFrame(err))
		return
	}
	if len(missed) > 0 {
		enqueue(outbound, serverFrame{Type: "reconcile", Messages: missed})
	}
}

// writePump serializes all connection writes: queued frames plus keepalive
// pings. Exits when outbound is closed or a write fails.
func writePump(conn *websocket.Conn, outbound <-chan []byte) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case payload, open := <-outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !open {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue marshals and queues a frame without blocking. A full queue drops
// the frame; message loss there is repaired by the reconcile path.
func enqueue(outbound chan<- []byte, f serverFrame) {
	payload, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case outbound <- payload:
	default:
	}
}

// errorFrame builds an outbound error frame with a stable code.
func errorFrame(code, msg string) serverFrame {
	return serverFrame{Type: "error", Code: code, Error: msg}
}

// sessionErrorFrame maps session and service errors onto wire error codes.
func sessionErrorFrame(err error) serverFrame {
	code := ErrCodeInternal
	switch {
	case errors.Is(err, session.ErrInvalidState):
		code = ErrCodeConflict
	case errors.Is(err, domain.ErrSelfPair), errors.Is(err, domain.ErrBadUserID):
		code = ErrCodeBadRequest
	case errors.Is(err, services.ErrTooLong), errors.Is(err, services.ErrEmptyBody),
		errors.Is(err, services.ErrBadUser), errors.Is(err, services.ErrSelfMessage):
		code = ErrCodeBadRequest
	case errors.Is(err, services.ErrNotParty):
		code = ErrCodeForbidden
	case errors.Is(err, services.ErrStoreTimeout):
		code = ErrCodeStoreTimeout
	}
	return errorFrame(code, err.Error())
}

func contextOf(c *gin.Context) context.Context {
	if c != nil && c.Request != nil {
		return c.Request.Context()
	}
	return context.Background()
}
