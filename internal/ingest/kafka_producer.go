package ingest

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/driver-dispatch/internal/tracking"
)

const DefaultTopic = "location-pings"

type KafkaProducer struct {
	writer  *kafka.Writer
	timeout time.Duration
	now     func() time.Time
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	if topic == "" {
		topic = DefaultTopic
	}
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaProducer{writer: w, timeout: 2 * time.Second, now: time.Now}
}

// PublishPing hands the ping to the consumer process. It does not validate
// beyond what the codec needs; the consumer rejects bad pings.
func (k *KafkaProducer) PublishPing(ctx context.Context, cmd tracking.PingCommand) error {
	b, err := Encode(FromCommand(cmd, k.now()))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(cmd.BookingID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
