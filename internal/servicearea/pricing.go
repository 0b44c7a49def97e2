package servicearea

import (
	"time"

	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
)

const (
	TaxRate         = 0.05
	DefaultCurrency = "INR"
)

// DefaultPricing applies when no service area resolves for a quote.
var DefaultPricing = models.AreaPricing{BaseFare: 50, PerKm: 15, PerMinute: 2}

type Quote struct {
	AreaID          string  `json:"service_area_id,omitempty"`
	DistanceKm      float64 `json:"distance_km"`
	DurationMinutes int     `json:"duration_minutes"`
	BaseFare        float64 `json:"base_fare"`
	DistanceCharge  float64 `json:"distance_charge"`
	TimeCharge      float64 `json:"time_charge"`
	Surcharge       float64 `json:"surcharge"`
	Subtotal        float64 `json:"subtotal"`
	Tax             float64 `json:"tax"`
	Total           float64 `json:"total"`
	Currency        string  `json:"currency"`
}

// PriceQuote computes a fare. Values are rounded to 2 decimals only on the
// way out. at is optional; when set, night/peak surcharge and the area
// minimum fare apply.
func PriceQuote(p models.AreaPricing, distanceKm float64, durationMin int, at *time.Time) Quote {
	distanceCharge := distanceKm * p.PerKm
	timeCharge := float64(durationMin) * p.PerMinute
	subtotal := p.BaseFare + distanceCharge + timeCharge

	var surcharge float64
	if at != nil {
		if pct := surchargePct(p, *at); pct > 0 {
			surcharge = subtotal * pct / 100
			subtotal += surcharge
		}
		if p.MinFare > 0 && subtotal < p.MinFare {
			subtotal = p.MinFare
		}
	}
	tax := subtotal * TaxRate

	return Quote{
		DistanceKm:      geo.Round2(distanceKm),
		DurationMinutes: durationMin,
		BaseFare:        geo.Round2(p.BaseFare),
		DistanceCharge:  geo.Round2(distanceCharge),
		TimeCharge:      geo.Round2(timeCharge),
		Surcharge:       geo.Round2(surcharge),
		Subtotal:        geo.Round2(subtotal),
		Tax:             geo.Round2(tax),
		Total:           geo.Round2(subtotal + tax),
		Currency:        DefaultCurrency,
	}
}

// night 22:00-06:00 wins over peak 08:00-11:00 / 17:00-21:00
func surchargePct(p models.AreaPricing, at time.Time) float64 {
	h := at.Hour()
	switch {
	case h >= 22 || h < 6:
		return p.NightSurchargePct
	case (h >= 8 && h < 11) || (h >= 17 && h < 21):
		return p.PeakSurchargePct
	}
	return 0
}
