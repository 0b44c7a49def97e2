package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/servicearea"
)

// areaRequest accepts the polygon either as a list of points or as a
// GeoJSON Polygon under "boundary".
type areaRequest struct {
	servicearea.AreaInput
	Boundary json.RawMessage `json:"boundary,omitempty"`
}

func (req areaRequest) input() (servicearea.AreaInput, error) {
	in := req.AreaInput
	if len(req.Boundary) > 0 {
		ring, err := servicearea.RingFromGeoJSON(req.Boundary)
		if err != nil {
			return in, fmt.Errorf("%w: boundary: %v", servicearea.ErrInvalidArea, err)
		}
		in.Polygon = ring
		if in.Type == "" {
			in.Type = models.AreaPolygon
		}
	}
	return in, nil
}

func (s *Server) handleCreateArea(w http.ResponseWriter, r *http.Request) {
	var req areaRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	in, err := req.input()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	area, err := s.Areas.Create(r.Context(), tenantID(r), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, area)
}

func (s *Server) handleListAreas(w http.ResponseWriter, r *http.Request) {
	q := servicearea.ListQuery{City: r.URL.Query().Get("city")}
	if v := r.URL.Query().Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: invalid active", errBadRequest))
			return
		}
		q.Active = &active
	}
	areas, err := s.Areas.List(r.Context(), tenantID(r), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if areas == nil {
		areas = []*models.ServiceArea{}
	}
	writeJSON(w, http.StatusOK, areas)
}

func (s *Server) handleCheckArea(w http.ResponseWriter, r *http.Request) {
	p, err := queryPoint(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Areas.Check(r.Context(), tenantID(r), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetArea(w http.ResponseWriter, r *http.Request) {
	area, err := s.Areas.Get(r.Context(), tenantID(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, area)
}

func (s *Server) handleUpdateArea(w http.ResponseWriter, r *http.Request) {
	var req areaRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	in, err := req.input()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	area, err := s.Areas.Update(r.Context(), tenantID(r), mux.Vars(r)["id"], in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, area)
}

func (s *Server) handleDeactivateArea(w http.ResponseWriter, r *http.Request) {
	area, err := s.Areas.Deactivate(r.Context(), tenantID(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, area)
}

type quoteRequest struct {
	Pickup      models.Point `json:"pickup"`
	Drop        models.Point `json:"drop"`
	AreaID      string       `json:"service_area_id"`
	RequestedAt *time.Time   `json:"requested_at"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !validPoint(req.Pickup) || !validPoint(req.Drop) {
		s.writeError(w, r, fmt.Errorf("%w: pickup and drop coordinates are required", errBadRequest))
		return
	}
	q, err := s.Areas.Quote(r.Context(), servicearea.QuoteRequest{
		TenantID:    tenantID(r),
		Pickup:      req.Pickup,
		Drop:        req.Drop,
		AreaID:      req.AreaID,
		RequestedAt: req.RequestedAt,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleNearestDrivers(w http.ResponseWriter, r *http.Request) {
	p, err := queryPoint(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	maxKm, err := queryFloat(r, "max_distance_km", false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	drivers, err := s.Matcher.NearestDrivers(r.Context(), tenantID(r), p, maxKm)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, drivers)
}

func (s *Server) handleBookingAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.Tracking.BookingAlerts(r.Context(), tenantID(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleDriverAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	alerts, err := s.Tracking.DriverAlerts(r.Context(), tenantID(r), mux.Vars(r)["id"], limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}
