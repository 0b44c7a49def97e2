package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/driver-dispatch/internal/booking"
	"github.com/example/driver-dispatch/internal/models"
)

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var cmd booking.CreateCommand
	if err := decodeJSON(r, &cmd); err != nil {
		s.writeError(w, r, err)
		return
	}
	cmd.TenantID = tenantID(r)
	b, err := s.Bookings.Create(r.Context(), cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// handleListBookings serves both the customer and the dispatcher listing;
// ?status= takes a comma separated list.
func (s *Server) handleListBookings(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := booking.ListQuery{
		DriverID:   r.URL.Query().Get("driver_id"),
		CustomerID: r.URL.Query().Get("customer_id"),
		Limit:      limit,
		Offset:     offset,
	}
	for _, st := range queryList(r, "status") {
		q.Statuses = append(q.Statuses, models.BookingStatus(st))
	}
	out, err := s.Bookings.List(r.Context(), tenantID(r), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if out == nil {
		out = []*models.Booking{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.Bookings.Get(r.Context(), tenantID(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type driverRequest struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleAcceptBooking(w http.ResponseWriter, r *http.Request) {
	var req driverRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.Bookings.Accept(r.Context(), tenantID(r), mux.Vars(r)["id"], req.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	var cmd booking.StartTripCommand
	if err := decodeJSON(r, &cmd); err != nil {
		s.writeError(w, r, err)
		return
	}
	cmd.TenantID, cmd.BookingID = tenantID(r), mux.Vars(r)["id"]
	b, err := s.Bookings.StartTrip(r.Context(), cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleEndTrip(w http.ResponseWriter, r *http.Request) {
	var cmd booking.EndTripCommand
	if err := decodeJSON(r, &cmd); err != nil {
		s.writeError(w, r, err)
		return
	}
	cmd.TenantID, cmd.BookingID = tenantID(r), mux.Vars(r)["id"]
	b, err := s.Bookings.EndTrip(r.Context(), cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type paymentRequest struct {
	Method string `json:"payment_method"`
}

func (s *Server) handleSettlePayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.Bookings.SettlePayment(r.Context(), tenantID(r), mux.Vars(r)["id"], req.Method)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCloseBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.Bookings.Close(r.Context(), tenantID(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	var cmd booking.CancelCommand
	if err := decodeOptionalJSON(r, &cmd); err != nil {
		s.writeError(w, r, err)
		return
	}
	cmd.TenantID, cmd.BookingID = tenantID(r), mux.Vars(r)["id"]
	b, err := s.Bookings.Cancel(r.Context(), cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
