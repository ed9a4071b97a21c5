package hub

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"coscribe/api/internal/token"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients present arbitrary origins; access control is
	// the token's job, not the origin header's.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades a collaboration connection. The handshake carries
// {documentId, token} as query parameters; rejected connections get
// an error frame with a reason and a close message.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		documentID := r.URL.Query().Get("documentId")
		rawToken := r.URL.Query().Get("token")
		if documentID == "" || rawToken == "" {
			http.Error(w, "documentId and token are required", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Debug().Err(err).Msg("websocket upgrade failed")
			return
		}

		sess, err := h.Connect(r.Context(), documentID, rawToken)
		if err != nil {
			reject(conn, err)
			conn.Close()
			return
		}

		go h.writePump(conn, sess)
		h.readPump(conn, sess)
	})
}

// reject tells the client why the connection was refused before
// closing it.
func reject(conn *websocket.Conn, err error) {
	reason := ReasonNoAccess
	if errors.Is(err, token.ErrInvalidToken) {
		reason = ReasonInvalidToken
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(Frame{Type: FrameError, Code: reason, Message: "connection rejected"})
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
}

// readPump delivers inbound frames to the session in receipt order.
// It returns when the peer goes away, which closes the session and,
// for the last session, flushes pending writes.
func (h *Hub) readPump(conn *websocket.Conn, sess *Session) {
	defer func() {
		sess.Close()
		conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sess.log.Debug().Err(err).Msg("connection read error")
			}
			return
		}
		sess.Handle(frame)
	}
}

// writePump drains the session's outbound queue onto the wire and
// keeps the connection alive with pings.
func (h *Hub) writePump(conn *websocket.Conn, sess *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-sess.Out():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
