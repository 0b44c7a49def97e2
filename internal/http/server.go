package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/driver-dispatch/internal/app"
	"github.com/example/driver-dispatch/internal/availability"
	"github.com/example/driver-dispatch/internal/booking"
	"github.com/example/driver-dispatch/internal/matcher"
	"github.com/example/driver-dispatch/internal/realtime"
	"github.com/example/driver-dispatch/internal/servicearea"
	"github.com/example/driver-dispatch/internal/tracking"
)

// PingPublisher hands pings to the consumer process instead of running the
// pipeline in the request.
type PingPublisher interface {
	PublishPing(ctx context.Context, cmd tracking.PingCommand) error
}

type Server struct {
	Areas    *servicearea.Service
	Drivers  *availability.Service
	Bookings *booking.Service
	Matcher  *matcher.Service
	Tracking *tracking.Processor
	Notifier *realtime.Notifier
	Hub      *realtime.Hub
	Pings    PingPublisher

	upgrader websocket.Upgrader
	logger   *slog.Logger
	mux      *mux.Router
}

func NewServer(a *app.App) *Server {
	s := &Server{
		Areas:    a.Areas,
		Drivers:  a.Drivers,
		Bookings: a.Bookings,
		Matcher:  a.Matcher,
		Tracking: a.Tracking,
		Notifier: a.Notifier,
		Hub:      a.Hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: a.Logger,
		mux:    mux.NewRouter(),
	}
	if a.Pings != nil {
		s.Pings = a.Pings
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	geo := api.PathPrefix("/geo").Subrouter()
	geo.HandleFunc("/service-areas", s.handleCreateArea).Methods(http.MethodPost)
	geo.HandleFunc("/service-areas", s.handleListAreas).Methods(http.MethodGet)
	geo.HandleFunc("/service-areas/check", s.handleCheckArea).Methods(http.MethodGet)
	geo.HandleFunc("/service-areas/{id}", s.handleGetArea).Methods(http.MethodGet)
	geo.HandleFunc("/service-areas/{id}", s.handleUpdateArea).Methods(http.MethodPut)
	geo.HandleFunc("/service-areas/{id}", s.handleDeactivateArea).Methods(http.MethodDelete)
	geo.HandleFunc("/pricing", s.handleQuote).Methods(http.MethodPost)
	geo.HandleFunc("/drivers/nearest", s.handleNearestDrivers).Methods(http.MethodGet)
	geo.HandleFunc("/alerts/booking/{id}", s.handleBookingAlerts).Methods(http.MethodGet)
	geo.HandleFunc("/alerts/driver/{id}", s.handleDriverAlerts).Methods(http.MethodGet)

	api.HandleFunc("/drivers", s.handleRegisterDriver).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}", s.handleGetDriver).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/availability", s.handleSetAvailability).Methods(http.MethodPut)
	api.HandleFunc("/drivers/{id}/location", s.handleDriverLocation).Methods(http.MethodPut)

	api.HandleFunc("/bookings", s.handleCreateBooking).Methods(http.MethodPost)
	api.HandleFunc("/bookings", s.handleListBookings).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}", s.handleGetBooking).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}/accept", s.handleAcceptBooking).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/start", s.handleStartTrip).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/end", s.handleEndTrip).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/payment", s.handleSettlePayment).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/close", s.handleCloseBooking).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/cancel", s.handleCancelBooking).Methods(http.MethodPost)

	disp := api.PathPrefix("/dispatcher").Subrouter()
	disp.HandleFunc("/bookings", s.handleListBookings).Methods(http.MethodGet)
	disp.HandleFunc("/bookings/{id}/auto-assign", s.handleAutoAssign).Methods(http.MethodPost)
	disp.HandleFunc("/bookings/{id}/assign", s.handleManualAssign).Methods(http.MethodPost)
	disp.HandleFunc("/drivers", s.handleListDrivers).Methods(http.MethodGet)
	disp.HandleFunc("/map", s.handleMapData).Methods(http.MethodGet)
	disp.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	api.HandleFunc("/tracking/ping", s.handlePing).Methods(http.MethodPost)
	api.HandleFunc("/tracking/{id}/live", s.handleLiveLocation).Methods(http.MethodGet)
	api.HandleFunc("/tracking/{id}/history", s.handleRouteHistory).Methods(http.MethodGet)

	api.HandleFunc("/notifications", s.handleListNotifications).Methods(http.MethodGet)
	api.HandleFunc("/notifications/read-all", s.handleMarkAllRead).Methods(http.MethodPut)
	api.HandleFunc("/notifications/{id}/read", s.handleMarkRead).Methods(http.MethodPut)

	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
