package mq

import (
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

const (
	DefaultConsumerTopic   = "avatar-processed"
	DefaultConsumerGroupID = "avatar-loader"
	DefaultOffsetReset     = "latest"
	DefaultProducerTopic   = "avatar-rendered"
	DefaultAcks            = "1"
	DefaultLingerMs        = 5
	DefaultCompression     = "snappy"
	DefaultPartitions      = 1
	DefaultReplication     = 1
	DefaultFlushTimeout    = 5 * time.Second
	DefaultAdminTimeout    = 10 * time.Second
)

// Config holds the Kafka settings shared by the consumer and the publisher.
// Brokers is a comma separated bootstrap list.
type Config struct {
	Brokers  string         `mapstructure:"brokers"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
	Producer ProducerConfig `mapstructure:"producer"`
}

type ConsumerConfig struct {
	Topic       string `mapstructure:"topic"`
	GroupID     string `mapstructure:"group_id"`
	OffsetReset string `mapstructure:"offset_reset"`
}

// ProducerConfig configures the avatar-rendered publisher. When EnsureTopic
// is set the topic is created with Partitions and ReplicationFactor on start.
type ProducerConfig struct {
	Topic             string        `mapstructure:"topic"`
	Acks              string        `mapstructure:"acks"`
	LingerMs          int           `mapstructure:"linger_ms"`
	Compression       string        `mapstructure:"compression"`
	FlushTimeout      time.Duration `mapstructure:"flush_timeout"`
	EnsureTopic       bool          `mapstructure:"ensure_topic"`
	Partitions        int           `mapstructure:"partitions"`
	ReplicationFactor int           `mapstructure:"replication_factor"`
	AdminTimeout      time.Duration `mapstructure:"admin_timeout"`
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Topic == "" {
		c.Topic = DefaultConsumerTopic
	}
	if c.GroupID == "" {
		c.GroupID = DefaultConsumerGroupID
	}
	if c.OffsetReset == "" {
		c.OffsetReset = DefaultOffsetReset
	}
	return c
}

func (c ProducerConfig) withDefaults() ProducerConfig {
	if c.Topic == "" {
		c.Topic = DefaultProducerTopic
	}
	if c.Acks == "" {
		c.Acks = DefaultAcks
	}
	if c.LingerMs < 0 {
		c.LingerMs = DefaultLingerMs
	}
	if c.Compression == "" {
		c.Compression = DefaultCompression
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = DefaultFlushTimeout
	}
	if c.Partitions <= 0 {
		c.Partitions = DefaultPartitions
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = DefaultReplication
	}
	if c.AdminTimeout <= 0 {
		c.AdminTimeout = DefaultAdminTimeout
	}
	return c
}

// consumerConfigMap commits offsets automatically; a message whose render
// fails is logged and skipped rather than redelivered.
func consumerConfigMap(brokers string, c ConsumerConfig) *kafka.ConfigMap {
	return &kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"group.id":           c.GroupID,
		"auto.offset.reset":  c.OffsetReset,
		"enable.auto.commit": true,
	}
}

func producerConfigMap(brokers string, c ProducerConfig) *kafka.ConfigMap {
	return &kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              c.Acks,
		"linger.ms":         c.LingerMs,
		"compression.type":  c.Compression,
	}
}

func (c ProducerConfig) topicSpec() kafka.TopicSpecification {
	return kafka.TopicSpecification{
		Topic:             c.Topic,
		NumPartitions:     c.Partitions,
		ReplicationFactor: c.ReplicationFactor,
	}
}
