package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/driver-dispatch/internal/availability"
	"github.com/example/driver-dispatch/internal/models"
)

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var cmd availability.RegisterCommand
	if err := decodeJSON(r, &cmd); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.Drivers.Register(r.Context(), tenantID(r), cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	d, err := s.Drivers.Get(r.Context(), tenantID(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type availabilityRequest struct {
	Status   models.DriverStatus `json:"status"`
	Location *models.Point       `json:"location"`
}

func (s *Server) handleSetAvailability(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.Drivers.SetAvailability(r.Context(), tenantID(r), mux.Vars(r)["id"], req.Status, req.Location)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var p models.Point
	if err := decodeJSON(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.Drivers.UpdateLocation(r.Context(), tenantID(r), mux.Vars(r)["id"], p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
