package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/storage"
)

type joinHandler struct{ hub *Hub }

func (j joinHandler) HandleMessage(_ context.Context, s *Session, f Frame) {
	var body struct {
		BookingID string `json:"booking_id"`
	}
	_ = json.Unmarshal(f.Data, &body)
	switch f.Type {
	case MsgRoomJoin:
		j.hub.Join(s, BookingRoom(body.BookingID))
		s.Send("room:joined", body)
	case MsgRoomLeave:
		j.hub.Leave(s, BookingRoom(body.BookingID))
		s.Send("room:left", body)
	}
}

func newTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		q := r.URL.Query()
		hub.Serve(r.Context(), conn, SessionInfo{UserID: q.Get("user_id"), TenantID: q.Get("tenant_id"), DriverID: q.Get("driver_id")}, joinHandler{hub})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestEmitToUserReachesConnectedSession(t *testing.T) {
	hub := NewHub(nil, nil)
	srv := newTestServer(t, hub)
	conn := dial(t, srv, "user_id=u1&tenant_id=t1")
	waitFor(t, func() bool { return hub.UserSessions("u1") == 1 })

	n := NewNotifier(hub, storage.NewMemoryStore(), nil)
	n.EmitToUser(context.Background(), "u1", EventBookingAssigned, map[string]string{"booking_id": "b1"})

	f := readFrame(t, conn)
	if f.Type != EventBookingAssigned || !strings.Contains(string(f.Data), "b1") {
		t.Fatalf("unexpected frame %+v", f)
	}
}

func TestRoomsJoinLeave(t *testing.T) {
	hub := NewHub(nil, nil)
	srv := newTestServer(t, hub)
	conn := dial(t, srv, "user_id=u1")
	waitFor(t, func() bool { return hub.UserSessions("u1") == 1 })

	if err := conn.WriteJSON(map[string]any{"type": MsgRoomJoin, "data": map[string]string{"booking_id": "b1"}}); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, conn); f.Type != "room:joined" {
		t.Fatalf("unexpected frame %+v", f)
	}
	if n := hub.Broadcast(context.Background(), BookingRoom("b1"), EventLocationUpdate, models.Point{Lat: 1, Lng: 2}); n != 1 {
		t.Fatalf("expected 1 recipient, got %d", n)
	}
	if f := readFrame(t, conn); f.Type != EventLocationUpdate {
		t.Fatalf("unexpected frame %+v", f)
	}

	if err := conn.WriteJSON(map[string]any{"type": MsgRoomLeave, "data": map[string]string{"booking_id": "b1"}}); err != nil {
		t.Fatal(err)
	}
	readFrame(t, conn)
	if n := hub.RoomSize(BookingRoom("b1")); n != 0 {
		t.Fatalf("room should be empty, has %d", n)
	}
}

func TestMalformedFrameGetsError(t *testing.T) {
	hub := NewHub(nil, nil)
	srv := newTestServer(t, hub)
	conn := dial(t, srv, "user_id=u1")
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, conn); f.Type != EventError {
		t.Fatalf("expected error frame, got %+v", f)
	}
}

func TestDisconnectCallback(t *testing.T) {
	dir := NewMemoryDirectory(time.Hour)
	hub := NewHub(dir, nil)
	var mu sync.Mutex
	var lasts []bool
	hub.OnDisconnect(func(s *Session, last bool) {
		mu.Lock()
		defer mu.Unlock()
		lasts = append(lasts, last)
	})
	srv := newTestServer(t, hub)
	a := dial(t, srv, "user_id=d-user&driver_id=d1")
	b := dial(t, srv, "user_id=d-user&driver_id=d1")
	waitFor(t, func() bool { return hub.UserSessions("d-user") == 2 })

	a.Close()
	waitFor(t, func() bool { return hub.UserSessions("d-user") == 1 })
	if _, ok, _ := dir.Lookup(context.Background(), "d-user"); !ok {
		t.Fatal("directory must still point at the remaining session")
	}
	b.Close()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lasts) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if lasts[0] || !lasts[1] {
		t.Fatalf("unexpected last flags %v", lasts)
	}
	if _, ok, _ := dir.Lookup(context.Background(), "d-user"); ok {
		t.Fatal("directory entry should be gone")
	}
}

type memRelay struct {
	mu   sync.Mutex
	subs []func(RelayMessage)
}

func (m *memRelay) Publish(_ context.Context, msg RelayMessage) error {
	m.mu.Lock()
	subs := append([]func(RelayMessage){}, m.subs...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(msg)
	}
	return nil
}

func (m *memRelay) Subscribe(ctx context.Context, fn func(RelayMessage)) error {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
	<-ctx.Done()
	return nil
}

func TestRelayCrossesInstances(t *testing.T) {
	relay := &memRelay{}
	a, b := NewHub(nil, nil), NewHub(nil, nil)
	a.SetRelay(relay)
	b.SetRelay(relay)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.RunRelay(ctx)
	go b.RunRelay(ctx)
	waitFor(t, func() bool {
		relay.mu.Lock()
		defer relay.mu.Unlock()
		return len(relay.subs) == 2
	})

	srv := newTestServer(t, b)
	conn := dial(t, srv, "tenant_id=t1")
	waitFor(t, func() bool { return b.RoomSize(TenantRoom("t1")) == 1 })

	if n := a.Broadcast(context.Background(), TenantRoom("t1"), EventProviderOffline, map[string]string{"driver_id": "d1"}); n != 0 {
		t.Fatalf("instance a has no local members, delivered %d", n)
	}
	if f := readFrame(t, conn); f.Type != EventProviderOffline {
		t.Fatalf("unexpected frame %+v", f)
	}
}
