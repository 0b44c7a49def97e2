package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
	"github.com/example/driver-dispatch/internal/storage"
)

var ErrNotificationNotFound = errors.New("notification not found")

type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, f storage.NotificationFilter) ([]*models.Notification, int, error)
	CountUnread(ctx context.Context, tenantID, userID string) (int, error)
	MarkNotificationRead(ctx context.Context, tenantID, userID, id string, at time.Time) error
	MarkAllNotificationsRead(ctx context.Context, tenantID, userID string, at time.Time) (int, error)
}

// Notifier is the outbound side of the engine. Live pushes are at most
// once; Notify additionally persists, so a user who was offline finds the
// notification on the next poll.
type Notifier struct {
	hub    *Hub
	store  NotificationStore
	now    func() time.Time
	logger *slog.Logger
}

func NewNotifier(hub *Hub, store NotificationStore, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{hub: hub, store: store, now: time.Now, logger: logger}
}

// EmitToRoom is fire-and-forget.
func (n *Notifier) EmitToRoom(room, event string, payload any) {
	n.hub.Broadcast(context.Background(), room, event, payload)
}

// EmitToUser pushes only when the directory knows a live session for the user.
func (n *Notifier) EmitToUser(ctx context.Context, userID, event string, payload any) {
	n.pushToUser(ctx, userID, event, payload)
}

func (n *Notifier) pushToUser(ctx context.Context, userID, event string, payload any) bool {
	if userID == "" {
		return false
	}
	_, ok, err := n.hub.Directory().Lookup(ctx, userID)
	if err != nil {
		n.logger.Warn("directory lookup failed", "user_id", userID, "err", err)
		return false
	}
	if !ok {
		return false
	}
	n.hub.Broadcast(ctx, UserRoom(userID), event, payload)
	return true
}

type NotifyCommand struct {
	TenantID string
	UserID   string
	Type     string
	Title    string
	Body     string
	Data     map[string]any
}

// Notify stores the notification with status sent, then pushes it live.
func (n *Notifier) Notify(ctx context.Context, cmd NotifyCommand) (*models.Notification, error) {
	now := n.now()
	rec := &models.Notification{
		ID:        uuid.NewString(),
		TenantID:  cmd.TenantID,
		UserID:    cmd.UserID,
		Type:      cmd.Type,
		Channel:   "in_app",
		Title:     cmd.Title,
		Body:      cmd.Body,
		Data:      cmd.Data,
		Status:    models.NotificationSent,
		SentAt:    now,
		CreatedAt: now,
	}
	if err := n.store.CreateNotification(ctx, rec); err != nil {
		return nil, err
	}
	live := n.pushToUser(ctx, cmd.UserID, EventNotification, rec)
	observability.NotificationsSent.WithLabelValues(strconv.FormatBool(live)).Inc()
	return rec, nil
}

type NotificationPage struct {
	Items  []*models.Notification `json:"notifications"`
	Total  int                    `json:"total"`
	Unread int                    `json:"unread_count"`
	Limit  int                    `json:"limit"`
	Offset int                    `json:"offset"`
}

func (n *Notifier) List(ctx context.Context, tenantID, userID string, unreadOnly bool, limit, offset int) (NotificationPage, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	items, total, err := n.store.ListNotifications(ctx, storage.NotificationFilter{
		TenantID:   tenantID,
		UserID:     userID,
		UnreadOnly: unreadOnly,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		return NotificationPage{}, err
	}
	unread, err := n.store.CountUnread(ctx, tenantID, userID)
	if err != nil {
		return NotificationPage{}, err
	}
	if items == nil {
		items = []*models.Notification{}
	}
	return NotificationPage{Items: items, Total: total, Unread: unread, Limit: limit, Offset: offset}, nil
}

func (n *Notifier) MarkRead(ctx context.Context, tenantID, userID, id string) error {
	err := n.store.MarkNotificationRead(ctx, tenantID, userID, id, n.now())
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotificationNotFound
	}
	return err
}

func (n *Notifier) MarkAllRead(ctx context.Context, tenantID, userID string) (int, error) {
	return n.store.MarkAllNotificationsRead(ctx, tenantID, userID, n.now())
}
