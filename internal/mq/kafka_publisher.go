package mq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	pkglog "github.com/weiawesome/wes-io-live/avatar-loader/pkg/log"
)

// KafkaPublisher implements AvatarRenderedPublisher using confluent-kafka-go.
// Messages are keyed by user so one user's events stay on one partition.
type KafkaPublisher struct {
	producer *kafka.Producer
	cfg      ProducerConfig
	doneCh   chan struct{}
}

func NewKafkaPublisher(cfg Config) (*KafkaPublisher, error) {
	pc := cfg.Producer.withDefaults()

	p, err := kafka.NewProducer(producerConfigMap(cfg.Brokers, pc))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	if pc.EnsureTopic {
		if err := createTopic(p, pc); err != nil {
			l := pkglog.L()
			l.Warn().Err(err).Str("topic", pc.Topic).Msg("could not create avatar-rendered topic")
		}
	}

	kp := &KafkaPublisher{
		producer: p,
		cfg:      pc,
		doneCh:   make(chan struct{}),
	}
	go kp.watchDeliveries()

	return kp, nil
}

// createTopic reuses the producer's connection for the admin request. An
// existing topic is not an error.
func createTopic(p *kafka.Producer, pc ProducerConfig) error {
	admin, err := kafka.NewAdminClientFromProducer(p)
	if err != nil {
		return err
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(context.Background(), pc.AdminTimeout)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{pc.topicSpec()})
	if err != nil {
		return err
	}
	for _, r := range results {
		switch r.Error.Code() {
		case kafka.ErrNoError, kafka.ErrTopicAlreadyExists:
		default:
			return fmt.Errorf("create topic %s: %v", r.Topic, r.Error)
		}
	}
	return nil
}

func (kp *KafkaPublisher) watchDeliveries() {
	defer close(kp.doneCh)
	l := pkglog.L()
	for e := range kp.producer.Events() {
		msg, ok := e.(*kafka.Message)
		if !ok || msg.TopicPartition.Error == nil {
			continue
		}
		l.Error().
			Err(msg.TopicPartition.Error).
			Str("topic", kp.cfg.Topic).
			Str(pkglog.FieldUserID, string(msg.Key)).
			Msg("avatar-rendered delivery failed")
	}
}

func (kp *KafkaPublisher) PublishAvatarRendered(_ context.Context, event *AvatarRenderedEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode avatar-rendered event: %w", err)
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &kp.cfg.Topic, Partition: kafka.PartitionAny},
		Key:            []byte(event.UserID),
		Value:          value,
	}
	if err := kp.producer.Produce(msg, nil); err != nil {
		return fmt.Errorf("produce avatar-rendered event: %w", err)
	}
	return nil
}

// Close waits up to the flush timeout for queued messages, then shuts the
// producer down.
func (kp *KafkaPublisher) Close() error {
	if n := kp.producer.Flush(int(kp.cfg.FlushTimeout.Milliseconds())); n > 0 {
		l := pkglog.L()
		l.Warn().Int("pending", n).Msg("avatar-rendered messages left unflushed")
	}
	kp.producer.Close()
	<-kp.doneCh
	return nil
}
