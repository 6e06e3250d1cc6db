package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/seanhagen/chatwire/internal/domain"
	"github.com/seanhagen/chatwire/internal/registry"
)

// sendBuffer bounds the per-connection outbound queue. A client that
// stops reading gets disconnected instead of backing up a worker.
const sendBuffer = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Browser clients connect from their own origin.
		return true
	},
}

// wsConn is one upgraded client connection. The write pump is the only
// goroutine that touches the underlying socket for writes; frames reach
// it through the send channel, which is what the registry delivers to.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *wsConn) enqueue(data []byte) error {
	select {
	case <-c.closed:
		return fmt.Errorf("connection %s closed", c.id)
	case c.send <- data:
		return nil
	default:
		// The registry drops the entry on this error; tear the socket
		// down too so the stalled client does not linger until a ping
		// timeout.
		c.close()
		return fmt.Errorf("connection %s send buffer full", c.id)
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

// handleWebSocket upgrades the request, registers the connection, and
// runs the read pump until the client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	conn := &wsConn{
		id:     uuid.New().String(),
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}

	auth := registry.AuthContext{UserID: r.URL.Query().Get("user_id")}
	s.registry.Register(conn.id, registry.SenderFunc(conn.enqueue), auth)

	s.logger.Info("connection established",
		slog.String("connection_id", conn.id),
		slog.String("user_id", auth.UserID),
	)

	go s.writePump(conn)
	s.readPump(r, conn)
}

func (s *Server) readPump(r *http.Request, conn *wsConn) {
	defer func() {
		s.registry.Unregister(conn.id)
		conn.close()
		s.logger.Info("connection closed", slog.String("connection_id", conn.id))
	}()

	conn.ws.SetReadLimit(s.cfg.MaxMessageSize)
	conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read failed",
					slog.String("connection_id", conn.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		if _, err := s.dispatcher.Dispatch(r.Context(), conn.id, message); err != nil {
			s.logger.Error("dispatch failed",
				slog.String("connection_id", conn.id),
				slog.String("error", err.Error()),
			)
			if domain.IsTransient(err) {
				// The backend cannot accept work right now. Close with a
				// server error so the client reconnects and retries.
				deadline := time.Now().Add(s.cfg.WriteTimeout)
				msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "service unavailable")
				_ = conn.ws.WriteControl(websocket.CloseMessage, msg, deadline)
				return
			}
		}
	}
}

// writePump owns all data writes on the socket and keeps the connection
// alive with periodic pings.
func (s *Server) writePump(conn *wsConn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.close()
	}()

	for {
		select {
		case <-conn.closed:
			return
		case message := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Warn("websocket write failed",
					slog.String("connection_id", conn.id),
					slog.String("error", err.Error()),
				)
				return
			}
		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
