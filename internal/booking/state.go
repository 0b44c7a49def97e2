package booking

import "github.com/example/driver-dispatch/internal/models"

// AllowedTransitions is the booking lifecycle. Cancellation is possible
// until the trip starts. driver_assigned may jump straight to
// driver_arrived because the geo layer can detect arrival before the
// driver taps accept.
var AllowedTransitions = map[models.BookingStatus][]models.BookingStatus{
	models.BookingRequested:       {models.BookingSearchingDriver, models.BookingCancelled},
	models.BookingSearchingDriver: {models.BookingDriverAssigned, models.BookingCancelled},
	models.BookingDriverAssigned:  {models.BookingDriverEnRoute, models.BookingDriverArrived, models.BookingCancelled},
	models.BookingDriverEnRoute:   {models.BookingDriverArrived, models.BookingTripStarted, models.BookingCancelled},
	models.BookingDriverArrived:   {models.BookingTripStarted, models.BookingCancelled},
	models.BookingTripStarted:     {models.BookingTripInProgress, models.BookingTripCompleted},
	models.BookingTripInProgress:  {models.BookingTripCompleted},
	models.BookingTripCompleted:   {models.BookingPaymentPending},
	models.BookingPaymentPending:  {models.BookingPaymentDone},
	models.BookingPaymentDone:     {models.BookingClosed},
}

func CanTransition(from, to models.BookingStatus) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func Terminal(s models.BookingStatus) bool {
	return len(AllowedTransitions[s]) == 0
}
