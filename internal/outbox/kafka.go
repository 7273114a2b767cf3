package outbox

import (
	"context"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// partitionKey pins every event to one partition so consumers see log order.
var partitionKey = []byte("optionvault")

// KafkaPublisher writes envelopes to a single topic.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) Name() string { return "kafka" }

func (p *KafkaPublisher) Publish(ctx context.Context, rec Record) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   partitionKey,
		Value: rec.Envelope,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(rec.EventType)},
			{Key: "sequence", Value: []byte(strconv.FormatInt(rec.Sequence, 10))},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
