package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/example/driver-dispatch/internal/realtime"
	"github.com/example/driver-dispatch/internal/tracking"
)

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	info := realtime.SessionInfo{
		UserID:   strings.TrimSpace(q.Get("user_id")),
		TenantID: strings.TrimSpace(q.Get("tenant_id")),
		Role:     strings.TrimSpace(q.Get("role")),
		DriverID: strings.TrimSpace(q.Get("driver_id")),
	}
	if info.TenantID == "" {
		info.TenantID = tenantID(r)
	}
	if info.UserID == "" {
		writeErrorCode(w, http.StatusBadRequest, "BAD_REQUEST", "user_id is required")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the response
		s.logger.Warn("ws upgrade failed", "err", err)
		return
	}
	// the session outlives the request; it ends when the socket closes
	s.Hub.Serve(context.WithoutCancel(r.Context()), conn, info, wsHandler{s})
}

type wsHandler struct {
	s *Server
}

type bookingRef struct {
	BookingID string `json:"booking_id"`
}

func (h wsHandler) HandleMessage(ctx context.Context, sess *realtime.Session, f realtime.Frame) {
	switch f.Type {
	case realtime.MsgRoomJoin:
		var ref bookingRef
		if err := h.decode(f, &ref); err != nil {
			h.fail(sess, err)
			return
		}
		if _, err := h.s.Bookings.Get(ctx, sess.TenantID, ref.BookingID); err != nil {
			h.fail(sess, err)
			return
		}
		h.s.Hub.Join(sess, realtime.BookingRoom(ref.BookingID))

	case realtime.MsgRoomLeave:
		var ref bookingRef
		if err := h.decode(f, &ref); err != nil {
			h.fail(sess, err)
			return
		}
		h.s.Hub.Leave(sess, realtime.BookingRoom(ref.BookingID))

	case realtime.MsgTrackingUpdate:
		var cmd tracking.PingCommand
		if err := json.Unmarshal(f.Data, &cmd); err != nil {
			h.fail(sess, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		cmd.TenantID = sess.TenantID
		cmd.Source = "ws"
		if cmd.DriverID == "" {
			cmd.DriverID = sess.DriverID
		}
		if h.s.Pings != nil {
			if err := cmd.Validate(); err != nil {
				h.fail(sess, err)
				return
			}
			if err := h.s.Pings.PublishPing(ctx, cmd); err != nil {
				h.fail(sess, err)
			}
			return
		}
		if _, err := h.s.Tracking.Process(ctx, cmd); err != nil {
			h.fail(sess, err)
		}

	case realtime.MsgTrackingGetLive:
		var ref bookingRef
		if err := h.decode(f, &ref); err != nil {
			h.fail(sess, err)
			return
		}
		loc, err := h.s.Tracking.LiveLocation(ctx, sess.TenantID, ref.BookingID)
		if err != nil {
			h.fail(sess, err)
			return
		}
		sess.Send(realtime.EventLocationUpdate, loc)

	default:
		sess.SendError("BAD_REQUEST", "unknown message type "+f.Type)
	}
}

func (h wsHandler) decode(f realtime.Frame, ref *bookingRef) error {
	if err := json.Unmarshal(f.Data, ref); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if ref.BookingID == "" {
		return fmt.Errorf("%w: booking_id is required", errBadRequest)
	}
	return nil
}

func (h wsHandler) fail(sess *realtime.Session, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.s.logger.Error("ws message failed", "session_id", sess.ID, "err", err)
		msg = "internal error"
	}
	sess.SendError(code, msg)
}
