package kafkamirror

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"nuha.dev/famtrack/internal/mirror"
	"nuha.dev/famtrack/internal/model"
)

// Mirror writes updates to a Kafka topic keyed by device id, so one device
// always lands on one partition.
type Mirror struct {
	w *kafka.Writer
}

func New(brokers []string, topic string) *Mirror {
	return &Mirror{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    100,
			BatchTimeout: 50 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
			Async:        true,
		},
	}
}

func (m *Mirror) Publish(ctx context.Context, u model.Update) error {
	d, err := mirror.Encode(u)
	if err != nil {
		return err
	}
	return m.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(u.DeviceID),
		Value: d,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(u.Type)},
		},
	})
}

func (m *Mirror) Close() error {
	return m.w.Close()
}
