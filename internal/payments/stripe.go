package payments

import (
	"context"
	"math"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Gateway authorizes a fare at booking time and settles or voids it later.
type Gateway interface {
	Hold(ctx context.Context, amount float64, currency, bookingID string) (string, error)
	Capture(ctx context.Context, transactionID string) error
	Cancel(ctx context.Context, transactionID string) error
}

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
type StripeClient struct {
	intents *paymentintent.Client
}

func NewStripeClient(apiKey string) *StripeClient {
	return &StripeClient{intents: &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: apiKey}}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// It returns the PaymentIntent ID on success.
func (s *StripeClient) Hold(ctx context.Context, amount float64, currency, bookingID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(MinorUnits(amount)),
		Currency:      stripe.String(strings.ToLower(currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.AddMetadata("booking_id", bookingID)
	pi, err := s.intents.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := s.intents.Capture(paymentIntentID, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.intents.Cancel(paymentIntentID, params)
	return err
}

// MinorUnits converts a 2-decimal amount to the smallest currency unit.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
