package userhub

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/orchestration-gateway/gateway/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 128 * 1024
)

// Role distinguishes the two socket kinds a UserHub accepts.
type Role string

const (
	RoleClient  Role = "client"
	RoleBrowser Role = "browser"
)

// Socket wraps one live WebSocket attached to a UserHub, either a
// client (identified by ClientID) or a browser subscriber.
type Socket struct {
	conn     *websocket.Conn
	role     Role
	clientID string // set for RoleClient; empty for RoleBrowser

	send chan []byte
	hub  *Hub

	closeOnce sync.Once
	closed    atomic.Bool
}

// SafeSend enqueues data for delivery without panicking on a closed
// channel — there is an inherent race between checking closed and
// sending that only recover() can close cleanly.
func (s *Socket) SafeSend(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()
	if s.closed.Load() {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// SendMessage marshals a protocol envelope and sends it.
func (s *Socket) SendMessage(msgType string, payload any) bool {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	return s.SafeSend(data)
}

// Close closes the send channel exactly once.
func (s *Socket) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.send)
	})
}

// CloseWithCode writes a WebSocket close frame with code/reason before
// tearing the connection down, used for hub-initiated disconnects and
// protocol violations that must close rather than just error-frame.
func (s *Socket) CloseWithCode(code int, reason string) {
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait),
	)
	s.Close()
}

func newSocket(conn *websocket.Conn, role Role, clientID string, hub *Hub) *Socket {
	return &Socket{
		conn:     conn,
		role:     role,
		clientID: clientID,
		send:     make(chan []byte, 256),
		hub:      hub,
	}
}

// readPump reads frames off the socket and routes them into the hub's
// actor mailbox. Binary frames are rejected with an error frame per
// the wire-protocol design, never handled silently.
func (s *Socket) readPump(log zerolog.Logger) {
	defer func() {
		s.hub.unregister <- s
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Msg("socket read error")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		if kind == websocket.BinaryMessage {
			s.SendMessage(protocol.TypeError, protocol.ErrorPayload{Message: "binary frames are not supported"})
			continue
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.SendMessage(protocol.TypeError, protocol.ErrorPayload{Message: "malformed frame"})
			continue
		}
		s.hub.inbound <- inboundFrame{socket: s, msg: &msg}
	}
}

// writePump pumps queued frames to the peer and keeps the connection
// alive with periodic pings.
func (s *Socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
