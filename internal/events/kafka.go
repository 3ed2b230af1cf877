package events

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}}
}

func (k *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := ev.Encode()
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(ev.Key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", ev.Type, err)
	}
	return nil
}

func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}
