package events

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is satisfied by *kafka.Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	w messageWriter
}

type KafkaOptions struct {
	Brokers []string
	Topic   string
}

// NewKafkaPublisher returns a publisher keyed by robot id, so one robot's
// events stay ordered within a partition.
func NewKafkaPublisher(opts KafkaOptions) *KafkaPublisher {
	topic := opts.Topic
	if topic == "" {
		topic = DefaultSubject
	}
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}}
}

func (p *KafkaPublisher) PublishStatus(ctx context.Context, ev StatusEvent) error {
	data, err := ev.encode()
	if err != nil {
		return err
	}
	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.RobotID),
		Value: data,
		Time:  ev.At,
	})
	if err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
