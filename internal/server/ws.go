// ABOUTME: WebSocket subscriber transport for the broadcast hub
// ABOUTME: Wraps gorilla/websocket with a buffered send channel and write loop

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/relay-gateway/internal/conversation"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The relay fronts a browser client served from elsewhere; origin
	// checks belong to the deployment proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn wraps a websocket and coordinates outbound writes via a buffered
// channel. It satisfies the hub's Conn capability: IsOpen plus Send.
type wsConn struct {
	ws    *websocket.Conn
	send  chan []byte
	once  sync.Once
	close chan struct{}
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		ws:    ws,
		send:  make(chan []byte, sendBufferSize),
		close: make(chan struct{}),
	}
}

// IsOpen reports whether the connection can still accept payloads.
func (c *wsConn) IsOpen() bool {
	select {
	case <-c.close:
		return false
	default:
		return true
	}
}

// Send enqueues payload for delivery. A full buffer means the client cannot
// keep up; the message is dropped for this subscriber rather than blocking
// the broadcaster.
func (c *wsConn) Send(payload []byte) error {
	select {
	case <-c.close:
		return errors.New("connection closed")
	case c.send <- payload:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// Close terminates the connection and stops the write loop. Idempotent.
func (c *wsConn) Close() {
	c.once.Do(func() {
		close(c.close)
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.close:
			return
		case msg := <-c.send:
			if err := c.writeMessage(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.writePing(); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) writeMessage(payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) writePing() error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

// sendMessageFrame is the inbound client verb on the subscriber channel.
type sendMessageFrame struct {
	Type           string  `json:"type"`
	ConversationID string  `json:"conversationId,omitempty"`
	Content        string  `json:"content"`
	Sender         string  `json:"sender"`
	MessageType    string  `json:"messageType,omitempty"`
	AudioURL       *string `json:"audioUrl,omitempty"`
	AudioDuration  *string `json:"audioDuration,omitempty"`
}

// handleWebSocket handles GET /ws: upgrades the connection, registers it
// with the hub (which replays the history snapshot), then reads
// send_message frames until the client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	conn := newWSConn(ws)
	go conn.writeLoop()

	s.hub.OnConnect(r.Context(), conn)
	defer func() {
		s.hub.OnDisconnect(conn)
		conn.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		s.handleClientFrame(conn, data)
	}
}

// handleClientFrame dispatches one inbound websocket frame. Malformed frames
// are logged and dropped; ingest failures are reported back on the same
// connection only, never broadcast.
func (s *Server) handleClientFrame(conn *wsConn, data []byte) {
	var frame sendMessageFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Debug("malformed websocket frame", "error", err)
		return
	}
	if frame.Type != "send_message" {
		s.logger.Debug("unknown websocket frame type", "type", frame.Type)
		return
	}

	// The read loop's context ends with the connection, but a disconnect
	// mid-flight must not cancel the ingest it triggered; ingest uses its
	// own detached persistence context, so the background context here is
	// only for the lookups.
	ctx := context.Background()

	conversationID, err := s.conversation.TargetConversation(ctx, frame.ConversationID)
	if err != nil {
		s.sendWSError(conn, "no active conversation")
		return
	}

	_, err = s.conversation.Ingest(ctx, &conversation.IngestRequest{
		ConversationID: conversationID,
		Content:        frame.Content,
		Sender:         frame.Sender,
		MessageType:    frame.MessageType,
		AudioURL:       frame.AudioURL,
		AudioDuration:  frame.AudioDuration,
	})
	if err != nil {
		s.logger.Debug("websocket ingest rejected", "error", err)
		s.sendWSError(conn, err.Error())
	}
}

// sendWSError sends an error event to a single connection.
func (s *Server) sendWSError(conn *wsConn, message string) {
	payload, err := json.Marshal(map[string]string{"type": "error", "error": message})
	if err != nil {
		return
	}
	if sendErr := conn.Send(payload); sendErr != nil {
		s.logger.Debug("failed to send websocket error", "error", sendErr)
	}
}
