package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/example/driver-dispatch/internal/availability"
	"github.com/example/driver-dispatch/internal/booking"
	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/matcher"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/realtime"
	"github.com/example/driver-dispatch/internal/servicearea"
	"github.com/example/driver-dispatch/internal/tracking"
)

var errBadRequest = errors.New("bad request")

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: &errorBody{Code: code, Message: msg}})
}

type errorMapping struct {
	target error
	status int
	code   string
}

// errorCodes is checked in order; the first errors.Is match wins.
var errorCodes = []errorMapping{
	{booking.ErrNotFound, http.StatusNotFound, "BOOKING_NOT_FOUND"},
	{matcher.ErrBookingNotFound, http.StatusNotFound, "BOOKING_NOT_FOUND"},
	{tracking.ErrBookingNotFound, http.StatusNotFound, "BOOKING_NOT_FOUND"},
	{tracking.ErrNoLocation, http.StatusNotFound, "LOCATION_NOT_FOUND"},
	{availability.ErrDriverNotFound, http.StatusNotFound, "DRIVER_NOT_FOUND"},
	{matcher.ErrDriverNotFound, http.StatusNotFound, "DRIVER_NOT_FOUND"},
	{servicearea.ErrNotFound, http.StatusNotFound, "SERVICE_AREA_NOT_FOUND"},
	{booking.ErrTripSessionNotFound, http.StatusNotFound, "TRIP_SESSION_NOT_FOUND"},
	{realtime.ErrNotificationNotFound, http.StatusNotFound, "NOTIFICATION_NOT_FOUND"},
	{matcher.ErrNoAvailableDrivers, http.StatusNotFound, "NO_AVAILABLE_DRIVERS"},

	{matcher.ErrAlreadyAssigned, http.StatusBadRequest, "ALREADY_ASSIGNED"},
	{matcher.ErrDriverNotAvailable, http.StatusBadRequest, "DRIVER_NOT_AVAILABLE"},
	{availability.ErrDriverBusy, http.StatusBadRequest, "DRIVER_BUSY"},
	{matcher.ErrBookingNotAssignable, http.StatusBadRequest, "INVALID_TRANSITION"},
	{booking.ErrInvalidTransition, http.StatusBadRequest, "INVALID_TRANSITION"},
	{booking.ErrInvalidPIN, http.StatusBadRequest, "INVALID_PIN"},
	{servicearea.ErrInvalidArea, http.StatusBadRequest, "INVALID_AREA"},
	{tracking.ErrInvalidPing, http.StatusBadRequest, "INVALID_PING"},
	{tracking.ErrBookingNotActive, http.StatusBadRequest, "INVALID_PING"},
	{availability.ErrInvalidLocation, http.StatusBadRequest, "INVALID_PING"},
	{booking.ErrDriverMismatch, http.StatusBadRequest, "DRIVER_MISMATCH"},
	{tracking.ErrDriverMismatch, http.StatusBadRequest, "DRIVER_MISMATCH"},
	{booking.ErrInvalidBooking, http.StatusBadRequest, "BAD_REQUEST"},
	{availability.ErrInvalidStatus, http.StatusBadRequest, "BAD_REQUEST"},
	{availability.ErrInvalidDriver, http.StatusBadRequest, "BAD_REQUEST"},
	{errBadRequest, http.StatusBadRequest, "BAD_REQUEST"},

	{servicearea.ErrZoneCodeUsed, http.StatusConflict, "ZONE_CODE_EXISTS"},
	{matcher.ErrAssignmentConflict, http.StatusConflict, "ASSIGNMENT_CONFLICT"},
	{booking.ErrConflict, http.StatusConflict, "ASSIGNMENT_CONFLICT"},
}

func classify(err error) (int, string) {
	for _, m := range errorCodes {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "err", err)
		msg = "internal error"
	}
	writeErrorCode(w, status, code, msg)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be empty.
func decodeOptionalJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// tenantID is the trusted X-Tenant-ID header.
func tenantID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
}

func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-ID"))
}

func queryFloat(r *http.Request, key string, required bool) (float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		if required {
			return 0, fmt.Errorf("%w: %s is required", errBadRequest, key)
		}
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s", errBadRequest, key)
	}
	return f, nil
}

// queryPoint reads the required lat and lng parameters.
func queryPoint(r *http.Request) (models.Point, error) {
	lat, err := queryFloat(r, "lat", true)
	if err != nil {
		return models.Point{}, err
	}
	lng, err := queryFloat(r, "lng", true)
	if err != nil {
		return models.Point{}, err
	}
	p := models.Point{Lat: lat, Lng: lng}
	if !validPoint(p) {
		return models.Point{}, fmt.Errorf("%w: coordinates out of range", errBadRequest)
	}
	return p, nil
}

func validPoint(p models.Point) bool { return geo.ValidCoordinate(p.Lat, p.Lng) }

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s", errBadRequest, key)
	}
	return i, nil
}

// queryList splits ?status=a,b and repeated ?status=a&status=b alike.
func queryList(r *http.Request, key string) []string {
	var out []string
	for _, v := range r.URL.Query()[key] {
		out = append(out, splitComma(v)...)
	}
	return out
}

func splitComma(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
