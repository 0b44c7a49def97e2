package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/driver-dispatch/internal/observability"
)

// Hub tracks the sessions of this instance and their room memberships.
// Room membership is volatile; nothing about it is persisted.
type Hub struct {
	instanceID string
	directory  Directory
	relay      Relay
	logger     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]map[string]*Session
	joined   map[string]map[string]struct{} // session id -> rooms
	byUser   map[string]map[string]*Session

	onDisconnect func(s *Session, lastForUser bool)
}

func NewHub(directory Directory, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if directory == nil {
		directory = NewMemoryDirectory(0)
	}
	return &Hub{
		instanceID: uuid.NewString(),
		directory:  directory,
		logger:     logger,
		sessions:   make(map[string]*Session),
		rooms:      make(map[string]map[string]*Session),
		joined:     make(map[string]map[string]struct{}),
		byUser:     make(map[string]map[string]*Session),
	}
}

// SetRelay enables cross-instance fan-out. Call before serving.
func (h *Hub) SetRelay(r Relay) { h.relay = r }

// OnDisconnect registers a callback run after a session is gone.
func (h *Hub) OnDisconnect(fn func(s *Session, lastForUser bool)) { h.onDisconnect = fn }

func (h *Hub) InstanceID() string { return h.instanceID }

func (h *Hub) Directory() Directory { return h.directory }

// Serve runs a connection until it closes. The session joins its user
// room, its tenant room and, for drivers, its driver room.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, info SessionInfo, handler MessageHandler) {
	s := newSession(h.instanceID+":"+uuid.NewString(), info, conn)
	h.register(ctx, s)
	defer h.unregister(context.WithoutCancel(ctx), s)

	go s.writePump()
	s.readPump(ctx, handler)
}

func (h *Hub) register(ctx context.Context, s *Session) {
	h.mu.Lock()
	h.sessions[s.ID] = s
	if s.UserID != "" {
		if h.byUser[s.UserID] == nil {
			h.byUser[s.UserID] = make(map[string]*Session)
		}
		h.byUser[s.UserID][s.ID] = s
	}
	h.mu.Unlock()
	observability.WSSessions.Inc()

	if s.UserID != "" {
		h.Join(s, UserRoom(s.UserID))
		if err := h.directory.Register(ctx, s.UserID, s.ID); err != nil {
			h.logger.Warn("directory register failed", "user_id", s.UserID, "err", err)
		}
	}
	if s.TenantID != "" {
		h.Join(s, TenantRoom(s.TenantID))
	}
	if s.DriverID != "" {
		h.Join(s, DriverRoom(s.DriverID))
	}
	h.logger.Info("ws session opened", "session_id", s.ID, "user_id", s.UserID, "role", s.Role)
}

func (h *Hub) unregister(ctx context.Context, s *Session) {
	s.close()
	h.mu.Lock()
	delete(h.sessions, s.ID)
	for room := range h.joined[s.ID] {
		h.leaveLocked(s.ID, room)
	}
	delete(h.joined, s.ID)
	var next *Session
	last := true
	if userSessions := h.byUser[s.UserID]; userSessions != nil {
		delete(userSessions, s.ID)
		for _, other := range userSessions {
			next, last = other, false
			break
		}
		if last {
			delete(h.byUser, s.UserID)
		}
	}
	h.mu.Unlock()
	observability.WSSessions.Dec()

	if s.UserID != "" {
		if err := h.directory.Unregister(ctx, s.UserID, s.ID); err != nil {
			h.logger.Warn("directory unregister failed", "user_id", s.UserID, "err", err)
		}
		// keep the directory pointing at a live session
		if next != nil {
			if err := h.directory.Register(ctx, s.UserID, next.ID); err != nil {
				h.logger.Warn("directory register failed", "user_id", s.UserID, "err", err)
			}
		}
	}
	h.logger.Info("ws session closed", "session_id", s.ID, "user_id", s.UserID, "last", last)
	if h.onDisconnect != nil {
		h.onDisconnect(s, last)
	}
}

func (h *Hub) Join(s *Session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s.ID]; !ok {
		return
	}
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]*Session)
		h.rooms[room] = members
	}
	members[s.ID] = s
	if h.joined[s.ID] == nil {
		h.joined[s.ID] = make(map[string]struct{})
	}
	h.joined[s.ID][room] = struct{}{}
}

func (h *Hub) Leave(s *Session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(s.ID, room)
	delete(h.joined[s.ID], room)
}

func (h *Hub) leaveLocked(sessionID, room string) {
	members := h.rooms[room]
	delete(members, sessionID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// RoomSize returns the local member count of a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// UserSessions returns how many local sessions a user has open.
func (h *Hub) UserSessions(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}

// Broadcast delivers an event to every member of room on this instance
// and hands it to the relay for the others. Delivery is best effort.
func (h *Hub) Broadcast(ctx context.Context, room, event string, data any) int {
	frame, err := encodeFrame(event, data)
	if err != nil {
		h.logger.Error("encode event failed", "event", event, "err", err)
		return 0
	}
	n := h.deliver(room, event, frame)
	if h.relay != nil {
		msg := RelayMessage{Origin: h.instanceID, Room: room, Event: event, Frame: frame}
		if err := h.relay.Publish(ctx, msg); err != nil {
			h.logger.Warn("relay publish failed", "room", room, "err", err)
		} else {
			observability.RelayMessages.WithLabelValues("out").Inc()
		}
	}
	return n
}

func (h *Hub) deliver(room, event string, frame []byte) int {
	h.mu.RLock()
	members := make([]*Session, 0, len(h.rooms[room]))
	for _, s := range h.rooms[room] {
		members = append(members, s)
	}
	h.mu.RUnlock()
	n := 0
	for _, s := range members {
		if s.enqueue(event, frame) {
			n++
		}
	}
	return n
}

// RunRelay delivers relayed events from other instances until ctx ends.
func (h *Hub) RunRelay(ctx context.Context) error {
	if h.relay == nil {
		return nil
	}
	return h.relay.Subscribe(ctx, func(m RelayMessage) {
		if m.Origin == h.instanceID {
			return
		}
		observability.RelayMessages.WithLabelValues("in").Inc()
		h.deliver(m.Room, m.Event, m.Frame)
	})
}

// Close drops every session; their pumps exit on their own.
func (h *Hub) Close() {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()
	for _, s := range sessions {
		s.close()
	}
}

// RelayMessage is an event crossing instances. Frame is the encoded
// client frame so receivers do not re-marshal.
type RelayMessage struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Event  string          `json:"event"`
	Frame  json.RawMessage `json:"frame"`
}

type Relay interface {
	Publish(ctx context.Context, m RelayMessage) error
	// Subscribe blocks, calling fn for each message, until ctx is done.
	Subscribe(ctx context.Context, fn func(RelayMessage)) error
}
