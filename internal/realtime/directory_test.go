package realtime

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/storage"
)

func TestMemoryDirectoryTTL(t *testing.T) {
	ctx := context.Background()
	clock := time.Unix(1700000000, 0)
	d := NewMemoryDirectory(time.Hour)
	d.now = func() time.Time { return clock }

	_ = d.Register(ctx, "u1", "s1")
	_ = d.Register(ctx, "u2", "s2")
	if id, ok, _ := d.Lookup(ctx, "u1"); !ok || id != "s1" {
		t.Fatalf("expected s1, got %q %v", id, ok)
	}

	clock = clock.Add(30 * time.Minute)
	_ = d.Register(ctx, "u2", "s3")
	clock = clock.Add(31 * time.Minute)
	if _, ok, _ := d.Lookup(ctx, "u1"); ok {
		t.Fatal("entry past its TTL must not resolve")
	}
	if n := d.Sweep(); n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
	if id, ok, _ := d.Lookup(ctx, "u2"); !ok || id != "s3" {
		t.Fatal("refreshed entry must survive")
	}
}

func TestMemoryDirectoryUnregisterOnlyOwnSession(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory(0)
	_ = d.Register(ctx, "u1", "old")
	_ = d.Register(ctx, "u1", "new")
	_ = d.Unregister(ctx, "u1", "old")
	if id, ok, _ := d.Lookup(ctx, "u1"); !ok || id != "new" {
		t.Fatalf("stale unregister removed the live entry: %q %v", id, ok)
	}
	_ = d.Unregister(ctx, "u1", "new")
	if _, ok, _ := d.Lookup(ctx, "u1"); ok {
		t.Fatal("entry should be gone")
	}
}

func TestRedisDirectory(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	d := NewRedisDirectory(client, time.Minute)
	d.prefix = "test:ws:user:"

	_ = d.Register(ctx, "u1", "old")
	_ = d.Register(ctx, "u1", "new")
	if err := d.Unregister(ctx, "u1", "old"); err != nil {
		t.Fatal(err)
	}
	if id, ok, err := d.Lookup(ctx, "u1"); err != nil || !ok || id != "new" {
		t.Fatalf("unexpected lookup %q %v %v", id, ok, err)
	}
	_ = d.Unregister(ctx, "u1", "new")
	if _, ok, _ := d.Lookup(ctx, "u1"); ok {
		t.Fatal("entry should be gone")
	}
}

func TestNotifyPersistsWithoutConnection(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	n := NewNotifier(NewHub(nil, nil), store, nil)

	rec, err := n.Notify(ctx, NotifyCommand{TenantID: "t1", UserID: "c1", Type: "driver_arrived", Title: "Driver arrived", Body: "Your driver is here"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != models.NotificationSent {
		t.Fatalf("expected status sent, got %s", rec.Status)
	}

	page, err := n.List(ctx, "t1", "c1", true, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || page.Unread != 1 || page.Limit != 20 || page.Items[0].ID != rec.ID {
		t.Fatalf("unexpected page %+v", page)
	}

	if err := n.MarkRead(ctx, "t1", "c1", rec.ID); err != nil {
		t.Fatal(err)
	}
	if err := n.MarkRead(ctx, "t1", "c1", "missing"); err != ErrNotificationNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	page, _ = n.List(ctx, "t1", "c1", true, 10, 0)
	if page.Total != 0 || page.Unread != 0 || page.Items == nil {
		t.Fatalf("expected empty unread page, got %+v", page)
	}
}
