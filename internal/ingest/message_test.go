package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/example/driver-dispatch/internal/tracking"
)

func TestMessageCarriesPing(t *testing.T) {
	received := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	cmd := tracking.PingCommand{TenantID: "t1", BookingID: "b1", DriverID: "d1", Lat: 12.9, Lng: 77.6, Speed: 8, Status: "moving", Source: "http"}

	b, err := Encode(FromCommand(cmd, received))
	if err != nil {
		t.Fatal(err)
	}
	m, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	got := m.Command()
	if got.Source != "kafka" {
		t.Fatalf("expected kafka source, got %q", got.Source)
	}
	if !got.Timestamp.Equal(received) {
		t.Fatalf("missing client timestamp should fall back to receive time, got %v", got.Timestamp)
	}
	got.Source, got.Timestamp = cmd.Source, cmd.Timestamp
	if got != cmd {
		t.Fatalf("ping changed in transit: %+v", got)
	}
}

func TestDecodeRejects(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":       "{",
		"missing driver": `{"booking_id":"b1","lat":1,"lng":2}`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode([]byte(raw)); !errors.Is(err, ErrBadMessage) {
				t.Fatalf("expected ErrBadMessage, got %v", err)
			}
		})
	}
}
