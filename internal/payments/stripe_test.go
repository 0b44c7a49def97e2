package payments

import "testing"

func TestMinorUnits(t *testing.T) {
	tests := []struct {
		in   float64
		want int64
	}{
		{241.5, 24150},
		{52.5, 5250},
		{0.01, 1},
		{19.999, 2000},
		{0, 0},
	}
	for _, tt := range tests {
		if got := MinorUnits(tt.in); got != tt.want {
			t.Errorf("MinorUnits(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestStripeClientImplementsGateway(t *testing.T) {
	var _ Gateway = NewStripeClient("sk_test_123")
}
