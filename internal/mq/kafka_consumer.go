package mq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	pkglog "github.com/weiawesome/wes-io-live/avatar-loader/pkg/log"
)

// KafkaConsumer implements AvatarProcessedConsumer using confluent-kafka-go.
type KafkaConsumer struct {
	consumer *kafka.Consumer
	topic    string
	handler  AvatarProcessedHandler
	doneCh   chan struct{}
}

// NewKafkaConsumer creates a new Kafka consumer for avatar-processed events.
func NewKafkaConsumer(cfg Config, handler AvatarProcessedHandler) (*KafkaConsumer, error) {
	cc := cfg.Consumer.withDefaults()

	c, err := kafka.NewConsumer(consumerConfigMap(cfg.Brokers, cc))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	return &KafkaConsumer{
		consumer: c,
		topic:    cc.Topic,
		handler:  handler,
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins consuming messages from Kafka in a background goroutine.
func (kc *KafkaConsumer) Start(ctx context.Context) error {
	if err := kc.consumer.Subscribe(kc.topic, nil); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", kc.topic, err)
	}

	l := pkglog.L()
	l.Info().Str("topic", kc.topic).Msg("avatar-processed consumer started")

	go kc.consumeLoop(ctx)

	return nil
}

func (kc *KafkaConsumer) consumeLoop(ctx context.Context) {
	l := pkglog.L()
	defer close(kc.doneCh)

	for {
		select {
		case <-ctx.Done():
			l.Info().Msg("avatar-processed consumer shutting down")
			return
		default:
			msg, err := kc.consumer.ReadMessage(100 * time.Millisecond)
			if err != nil {
				var kerr kafka.Error
				if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
					continue
				}
				l.Error().Err(err).Msg("kafka consumer error")
				continue
			}
			// Detached so an event being rendered completes even after shutdown starts.
			kc.processMessage(context.WithoutCancel(ctx), msg)
		}
	}
}

func (kc *KafkaConsumer) processMessage(ctx context.Context, msg *kafka.Message) {
	l := pkglog.L()

	event, err := decodeAvatarProcessed(msg.Value)
	if err != nil {
		l.Error().Err(err).Msg("dropping avatar-processed message")
		return
	}

	l.Info().
		Str(pkglog.FieldUserID, event.UserID).
		Int64("timestamp", event.Timestamp).
		Msg("received avatar-processed event")

	if err := kc.handler.HandleAvatarProcessed(ctx, event); err != nil {
		l.Error().Err(err).Str(pkglog.FieldUserID, event.UserID).Msg("failed to handle avatar-processed event")
	}
}

// Close waits for the consume loop to drain, then closes the Kafka client.
// ctx must already be cancelled before calling Close.
func (kc *KafkaConsumer) Close() error {
	<-kc.doneCh
	if err := kc.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	return nil
}
