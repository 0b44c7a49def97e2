package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/driver-dispatch/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBuffer     = 64
)

// Frame is the wire shape in both directions.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: event, Data: raw})
}

// SessionInfo identifies who is on the other end of a connection.
type SessionInfo struct {
	UserID   string
	TenantID string
	Role     string
	DriverID string
}

// MessageHandler receives the client frames of a session.
type MessageHandler interface {
	HandleMessage(ctx context.Context, s *Session, f Frame)
}

// Session is one WebSocket connection. Writes go through a buffered
// channel drained by the write pump; a full buffer drops the frame.
type Session struct {
	ID string
	SessionInfo

	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newSession(id string, info SessionInfo, conn *websocket.Conn) *Session {
	return &Session{
		ID:          id,
		SessionInfo: info,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
	}
}

// Send queues an event for this session only.
func (s *Session) Send(event string, data any) bool {
	b, err := encodeFrame(event, data)
	if err != nil {
		return false
	}
	return s.enqueue(event, b)
}

func (s *Session) enqueue(event string, frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		observability.EventsDelivered.WithLabelValues(event).Inc()
		return true
	default:
		observability.EventsDropped.Inc()
		return false
	}
}

// SendError reports a failed client request back on the socket.
func (s *Session) SendError(code, message string) {
	s.Send(EventError, map[string]string{"code": code, "message": message})
}

func (s *Session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *Session) readPump(ctx context.Context, h MessageHandler) {
	defer s.close()
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil || f.Type == "" {
			s.SendError("BAD_REQUEST", "malformed message")
			continue
		}
		if h != nil {
			h.HandleMessage(ctx, s, f)
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()
	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
