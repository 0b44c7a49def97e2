package models

import "time"

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Place is an address with its resolved coordinates.
type Place struct {
	Address string  `json:"address,omitempty"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}

func (p Place) Point() Point { return Point{Lat: p.Lat, Lng: p.Lng} }

type DriverStatus string

const (
	DriverOnline  DriverStatus = "online"
	DriverOffline DriverStatus = "offline"
	DriverBusy    DriverStatus = "busy"
	DriverBreak   DriverStatus = "break"
)

func (s DriverStatus) Valid() bool {
	switch s {
	case DriverOnline, DriverOffline, DriverBusy, DriverBreak:
		return true
	}
	return false
}

type Driver struct {
	ID                 string       `json:"id"`
	TenantID           string       `json:"tenant_id"`
	UserID             string       `json:"user_id"`
	Name               string       `json:"name,omitempty"`
	LicenseNumber      string       `json:"license_number,omitempty"`
	VerificationStatus string       `json:"verification_status,omitempty"`
	Status             DriverStatus `json:"status"`
	Location           *Point       `json:"location,omitempty"`
	LocationUpdatedAt  *time.Time   `json:"location_updated_at,omitempty"`
	LastOnlineAt       *time.Time   `json:"last_online_at,omitempty"`
	Rating             float64      `json:"rating"`
	CompletedTrips     int          `json:"completed_trips"`
	CancelledTrips     int          `json:"cancelled_trips"`
	AcceptanceRate     float64      `json:"acceptance_rate"`
	TotalEarnings      float64      `json:"total_earnings"`
	PendingSettlement  float64      `json:"pending_settlement"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

type BookingStatus string

const (
	BookingRequested       BookingStatus = "requested"
	BookingSearchingDriver BookingStatus = "searching_driver"
	BookingDriverAssigned  BookingStatus = "driver_assigned"
	BookingDriverEnRoute   BookingStatus = "driver_en_route"
	BookingDriverArrived   BookingStatus = "driver_arrived"
	BookingTripStarted     BookingStatus = "trip_started"
	BookingTripInProgress  BookingStatus = "trip_in_progress"
	BookingTripCompleted   BookingStatus = "trip_completed"
	BookingPaymentPending  BookingStatus = "payment_pending"
	BookingPaymentDone     BookingStatus = "payment_done"
	BookingClosed          BookingStatus = "closed"
	BookingCancelled       BookingStatus = "cancelled"
)

type StatusChange struct {
	Status    BookingStatus `json:"status"`
	At        time.Time     `json:"timestamp"`
	UpdatedBy string        `json:"updated_by,omitempty"`
	Note      string        `json:"notes,omitempty"`
}

type Pricing struct {
	BaseFare       float64 `json:"base_fare"`
	DistanceCharge float64 `json:"distance_charge"`
	TimeCharge     float64 `json:"time_charge"`
	Surcharge      float64 `json:"surcharge"`
	Subtotal       float64 `json:"subtotal"`
	Tax            float64 `json:"tax"`
	Discount       float64 `json:"discount"`
	FinalAmount    float64 `json:"final_amount"`
	Currency       string  `json:"currency"`
}

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentAuthorized PaymentStatus = "authorized"
	PaymentPaid       PaymentStatus = "paid"
	PaymentVoided     PaymentStatus = "voided"
)

type Payment struct {
	Method        string        `json:"method,omitempty"`
	Status        PaymentStatus `json:"status"`
	TransactionID string        `json:"transaction_id,omitempty"`
	PaidAmount    float64       `json:"paid_amount,omitempty"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`
}

type Rating struct {
	Score   int    `json:"score"`
	Comment string `json:"comment,omitempty"`
}

type Ratings struct {
	ByCustomer *Rating `json:"customer_rating,omitempty"`
	ByDriver   *Rating `json:"driver_rating,omitempty"`
}

type Cancellation struct {
	By       string    `json:"cancelled_by"`
	Reason   string    `json:"reason,omitempty"`
	DriverID string    `json:"driver_id,omitempty"`
	At       time.Time `json:"cancelled_at"`
}

type Booking struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	BookingNumber string         `json:"booking_number"`
	CustomerID    string         `json:"customer_id"`
	VehicleID     string         `json:"vehicle_id,omitempty"`
	DriverID      string         `json:"driver_id,omitempty"`
	ServiceAreaID string         `json:"service_area_id,omitempty"`
	Pickup        Place          `json:"pickup"`
	Drop          *Place         `json:"drop,omitempty"`
	ServiceType   string         `json:"service_type,omitempty"`
	ScheduledFor  *time.Time     `json:"scheduled_for,omitempty"`
	TripPIN       string         `json:"trip_pin,omitempty"`
	Status        BookingStatus  `json:"status"`
	History       []StatusChange `json:"status_history"`
	Pricing       Pricing        `json:"pricing"`
	Payment       Payment        `json:"payment"`
	Ratings       Ratings        `json:"ratings"`
	Cancellation  *Cancellation  `json:"cancellation,omitempty"`
	TripStart     *time.Time     `json:"trip_start,omitempty"`
	TripEnd       *time.Time     `json:"trip_end,omitempty"`
	TotalMinutes  int            `json:"total_minutes,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type TripSessionStatus string

const (
	TripSessionPending   TripSessionStatus = "pending"
	TripSessionStarted   TripSessionStatus = "started"
	TripSessionCompleted TripSessionStatus = "completed"
	TripSessionCancelled TripSessionStatus = "cancelled"
)

// TripSession holds the PIN handshake and timing of one trip.
type TripSession struct {
	ID            string            `json:"id"`
	TenantID      string            `json:"tenant_id"`
	BookingID     string            `json:"booking_id"`
	DriverID      string            `json:"driver_id"`
	CustomerID    string            `json:"customer_id"`
	PIN           string            `json:"trip_pin"`
	PINVerified   bool              `json:"pin_verified"`
	VerifiedAt    *time.Time        `json:"verified_at,omitempty"`
	Status        TripSessionStatus `json:"status"`
	StartTime     *time.Time        `json:"start_time,omitempty"`
	EndTime       *time.Time        `json:"end_time,omitempty"`
	StartLocation *Point            `json:"start_location,omitempty"`
	EndLocation   *Point            `json:"end_location,omitempty"`
	ActualMinutes int               `json:"actual_minutes,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

type AlertType string

const (
	AlertApproachingPickup AlertType = "driver_approaching_pickup"
	AlertArrived           AlertType = "driver_arrived"
	AlertDeviatingRoute    AlertType = "driver_deviating_route"
	AlertETAUpdate         AlertType = "eta_update"
	AlertEnteringArea      AlertType = "driver_entering_service_area"
	AlertLeavingArea       AlertType = "driver_leaving_service_area"
)

type AlertMetadata struct {
	DistanceToPickupKm *float64 `json:"distance_to_pickup,omitempty"`
	ETAMinutes         *int     `json:"eta_minutes,omitempty"`
	DeviationKm        *float64 `json:"deviation_distance_km,omitempty"`
}

// GeoAlert is immutable once written.
type GeoAlert struct {
	ID         string        `json:"id"`
	TenantID   string        `json:"tenant_id"`
	BookingID  string        `json:"booking_id"`
	DriverID   string        `json:"driver_id"`
	CustomerID string        `json:"customer_id"`
	Type       AlertType     `json:"alert_type"`
	Message    string        `json:"message"`
	Location   Point         `json:"location"`
	Metadata   AlertMetadata `json:"metadata"`
	Sent       bool          `json:"sent"`
	SentAt     *time.Time    `json:"sent_at,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

type TrackingPoint struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	BookingID string    `json:"booking_id"`
	DriverID  string    `json:"driver_id"`
	Location  Point     `json:"location"`
	Geohash   string    `json:"geohash"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Speed     float64   `json:"speed,omitempty"`
	Heading   float64   `json:"heading,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type NotificationStatus string

const (
	NotificationSent NotificationStatus = "sent"
	NotificationRead NotificationStatus = "read"
)

type Notification struct {
	ID        string             `json:"id"`
	TenantID  string             `json:"tenant_id"`
	UserID    string             `json:"user_id"`
	Type      string             `json:"type"`
	Channel   string             `json:"channel"`
	Title     string             `json:"title"`
	Body      string             `json:"message"`
	Data      map[string]any     `json:"data,omitempty"`
	Status    NotificationStatus `json:"status"`
	SentAt    time.Time          `json:"sent_at"`
	ReadAt    *time.Time         `json:"read_at,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

type AreaType string

const (
	AreaRadius  AreaType = "radius"
	AreaPolygon AreaType = "polygon"
	AreaCity    AreaType = "city"
)

type AreaPricing struct {
	BaseFare          float64 `json:"base_fare"`
	PerKm             float64 `json:"per_km_charge"`
	PerMinute         float64 `json:"per_minute_charge"`
	NightSurchargePct float64 `json:"night_surcharge_percent"`
	PeakSurchargePct  float64 `json:"peak_surcharge_percent"`
	MinFare           float64 `json:"minimum_fare"`
}

type ServiceArea struct {
	ID            string      `json:"id"`
	TenantID      string      `json:"tenant_id"`
	Name          string      `json:"name"`
	City          string      `json:"city"`
	ZoneCode      string      `json:"zone_code"`
	Type          AreaType    `json:"area_type"`
	Center        *Point      `json:"center,omitempty"`
	RadiusKm      float64     `json:"radius_km,omitempty"`
	Polygon       []Point     `json:"polygon,omitempty"`
	Pricing       AreaPricing `json:"pricing"`
	MaxDistanceKm float64     `json:"max_distance_km"`
	Active        bool        `json:"active"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// DashboardStats is the dispatcher overview for one tenant.
type DashboardStats struct {
	PendingBookings    int     `json:"pending_bookings"`
	ActiveBookings     int     `json:"active_bookings"`
	CompletedToday     int     `json:"completed_today"`
	CancelledToday     int     `json:"cancelled_today"`
	OnlineDrivers      int     `json:"online_drivers"`
	BusyDrivers        int     `json:"busy_drivers"`
	TodayRevenue       float64 `json:"today_revenue"`
	PendingSettlements float64 `json:"pending_settlements"`
}
