package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/driver-dispatch/internal/tracking"
)

var ErrBadMessage = errors.New("bad ping message")

// PingMessage is the Kafka wire form of a location ping. Messages are keyed
// by booking id so one booking's pings stay on one partition, in order.
type PingMessage struct {
	TenantID   string    `json:"tenant_id"`
	BookingID  string    `json:"booking_id"`
	DriverID   string    `json:"driver_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Accuracy   float64   `json:"accuracy,omitempty"`
	Speed      float64   `json:"speed,omitempty"`
	Heading    float64   `json:"heading,omitempty"`
	Status     string    `json:"status,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`
}

func FromCommand(c tracking.PingCommand, receivedAt time.Time) PingMessage {
	return PingMessage{
		TenantID:   c.TenantID,
		BookingID:  c.BookingID,
		DriverID:   c.DriverID,
		Lat:        c.Lat,
		Lng:        c.Lng,
		Accuracy:   c.Accuracy,
		Speed:      c.Speed,
		Heading:    c.Heading,
		Status:     c.Status,
		Timestamp:  c.Timestamp,
		ReceivedAt: receivedAt,
	}
}

// Command keeps the client timestamp, or the broker receive time when the
// client sent none.
func (m PingMessage) Command() tracking.PingCommand {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = m.ReceivedAt
	}
	return tracking.PingCommand{
		TenantID:  m.TenantID,
		BookingID: m.BookingID,
		DriverID:  m.DriverID,
		Lat:       m.Lat,
		Lng:       m.Lng,
		Accuracy:  m.Accuracy,
		Speed:     m.Speed,
		Heading:   m.Heading,
		Status:    m.Status,
		Timestamp: ts,
		Source:    "kafka",
	}
}

func Encode(m PingMessage) ([]byte, error) {
	return json.Marshal(m)
}

func Decode(b []byte) (PingMessage, error) {
	var m PingMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if m.BookingID == "" || m.DriverID == "" {
		return m, fmt.Errorf("%w: booking_id and driver_id are required", ErrBadMessage)
	}
	return m, nil
}
