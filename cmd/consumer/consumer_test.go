package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/driver-dispatch/internal/ingest"
	"github.com/example/driver-dispatch/internal/tracking"
)

// fakeProcessor fails the first failN calls with err.
type fakeProcessor struct {
	failN int
	err   error
	calls int
	seen  []tracking.PingCommand
}

func (f *fakeProcessor) Process(_ context.Context, cmd tracking.PingCommand) (*tracking.PingResult, error) {
	f.calls++
	f.seen = append(f.seen, cmd)
	if f.calls <= f.failN {
		return nil, f.err
	}
	return &tracking.PingResult{}, nil
}

var ping = tracking.PingCommand{TenantID: "t1", BookingID: "b1", DriverID: "d1", Lat: 12.9, Lng: 77.6}

func TestProcessWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeProcessor{failN: 2, err: errors.New("store down")}
	start := time.Now()
	if err := processWithRetry(context.Background(), f, ping, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected backoff between attempts")
	}
}

func TestProcessWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeProcessor{failN: 5, err: errors.New("store down")}
	if err := processWithRetry(context.Background(), f, ping, 3, time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
}

func TestProcessWithRetry_PermanentErrorNotRetried(t *testing.T) {
	for _, err := range []error{tracking.ErrInvalidPing, tracking.ErrBookingNotFound, tracking.ErrDriverMismatch, fmt.Errorf("%w: status closed", tracking.ErrBookingNotActive)} {
		f := &fakeProcessor{failN: 5, err: err}
		got := processWithRetry(context.Background(), f, ping, 3, time.Millisecond)
		if !errors.Is(got, err) || f.calls != 1 {
			t.Fatalf("%v: got %v after %d calls", err, got, f.calls)
		}
	}
}

func TestProcessWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &fakeProcessor{failN: 5, err: errors.New("store down")}
	if err := processWithRetry(ctx, f, ping, 3, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("expected 1 call, got %d", f.calls)
	}
}

// fakeReader replays messages, then blocks until the context ends.
type fakeReader struct {
	msgs []kafka.Message
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func TestConsumeSkipsBadMessages(t *testing.T) {
	good, err := ingest.Encode(ingest.FromCommand(ping, time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	r := &fakeReader{msgs: []kafka.Message{
		{Value: []byte("not json")},
		{Value: good},
		{Value: []byte(`{"lat":1,"lng":2}`)},
	}}
	f := &fakeProcessor{}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	consume(ctx, r, f, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if f.calls != 1 {
		t.Fatalf("expected 1 processed ping, got %d", f.calls)
	}
	got := f.seen[0]
	if got.BookingID != "b1" || got.TenantID != "t1" || got.Source != "kafka" || got.Timestamp.IsZero() {
		t.Fatalf("unexpected command %+v", got)
	}
}
