package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/driver-dispatch/internal/matcher"
	"github.com/example/driver-dispatch/internal/models"
)

type autoAssignRequest struct {
	MaxDistanceKm float64 `json:"max_distance_km"`
}

func (s *Server) handleAutoAssign(w http.ResponseWriter, r *http.Request) {
	var req autoAssignRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Matcher.AutoAssign(r.Context(), matcher.AutoAssignCommand{
		TenantID:      tenantID(r),
		BookingID:     mux.Vars(r)["id"],
		MaxDistanceKm: req.MaxDistanceKm,
		AssignedBy:    actor(r),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleManualAssign(w http.ResponseWriter, r *http.Request) {
	var req driverRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Matcher.ManualAssign(r.Context(), matcher.ManualAssignCommand{
		TenantID:   tenantID(r),
		BookingID:  mux.Vars(r)["id"],
		DriverID:   req.DriverID,
		AssignedBy: actor(r),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	var statuses []models.DriverStatus
	for _, st := range queryList(r, "status") {
		statuses = append(statuses, models.DriverStatus(st))
	}
	drivers, err := s.Drivers.List(r.Context(), tenantID(r), statuses)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if drivers == nil {
		drivers = []*models.Driver{}
	}
	writeJSON(w, http.StatusOK, drivers)
}

func (s *Server) handleMapData(w http.ResponseWriter, r *http.Request) {
	data, err := s.Matcher.MapData(r.Context(), tenantID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Matcher.Stats(r.Context(), tenantID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// actor names who performed a dispatcher action in the status history.
func actor(r *http.Request) string {
	if id := userID(r); id != "" {
		return id
	}
	return "dispatcher"
}
