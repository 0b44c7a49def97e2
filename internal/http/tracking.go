package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/driver-dispatch/internal/tracking"
)

type queuedPing struct {
	BookingID string `json:"booking_id"`
	Queued    bool   `json:"queued"`
}

// handlePing publishes to Kafka when a producer is configured and answers
// 202; otherwise the pipeline runs in the request.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	var cmd tracking.PingCommand
	if err := decodeJSON(r, &cmd); err != nil {
		s.writeError(w, r, err)
		return
	}
	cmd.TenantID = tenantID(r)
	cmd.Source = "http"
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now().UTC()
	}

	if s.Pings != nil {
		if err := cmd.Validate(); err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.Pings.PublishPing(r.Context(), cmd); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, queuedPing{BookingID: cmd.BookingID, Queued: true})
		return
	}

	res, err := s.Tracking.Process(r.Context(), cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLiveLocation(w http.ResponseWriter, r *http.Request) {
	loc, err := s.Tracking.LiveLocation(r.Context(), tenantID(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) handleRouteHistory(w http.ResponseWriter, r *http.Request) {
	pts, err := s.Tracking.RouteHistory(r.Context(), tenantID(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pts)
}
