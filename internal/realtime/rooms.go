package realtime

// Server events.
const (
	EventBookingAssigned      = "booking:assigned"
	EventBookingCancelled     = "booking:cancelled"
	EventBookingStatusChanged = "booking:status_changed"
	EventLocationUpdate       = "tracking:location-update"
	EventGeoAlert             = "geo:alert"
	EventNotification         = "notification"
	EventAvailabilityChanged  = "driver:availability_changed"
	EventDriverLocationUpdate = "driver:location_update"
	EventProviderOffline      = "provider:offline"
	EventError                = "error"
)

// Client messages.
const (
	MsgRoomJoin        = "room:join"
	MsgRoomLeave       = "room:leave"
	MsgTrackingUpdate  = "tracking:update"
	MsgTrackingGetLive = "tracking:get-location"
)

func BookingRoom(bookingID string) string { return "booking:" + bookingID }
func TenantRoom(tenantID string) string { return "tenant:" + tenantID }
func UserRoom(userID string) string { return "user:" + userID }
func DriverRoom(driverID string) string { return "driver:" + driverID }
