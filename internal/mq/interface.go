package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// AvatarObjectRef identifies a stored object by its bucket and key.
type AvatarObjectRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// AvatarProcessedObjects holds bucket+key refs for each processed size variant.
type AvatarProcessedObjects struct {
	Sm AvatarObjectRef `json:"sm"` // 48×48
	Md AvatarObjectRef `json:"md"` // 128×128
	Lg AvatarObjectRef `json:"lg"` // 512×512
}

// Variant returns the ref of the named size ("sm", "md" or "lg").
func (o AvatarProcessedObjects) Variant(name string) (AvatarObjectRef, bool) {
	var ref AvatarObjectRef
	switch strings.ToLower(name) {
	case "sm":
		ref = o.Sm
	case "md":
		ref = o.Md
	case "lg":
		ref = o.Lg
	default:
		return AvatarObjectRef{}, false
	}
	return ref, ref.Bucket != "" && ref.Key != ""
}

// AvatarProcessedEvent is consumed from Kafka once the resize pipeline has
// stored every size variant of a new avatar.
type AvatarProcessedEvent struct {
	UserID    string                 `json:"user_id"`
	Raw       AvatarObjectRef        `json:"raw"`
	Processed AvatarProcessedObjects `json:"processed"`
	Timestamp int64                  `json:"timestamp"`
}

// AvatarRenderedEvent is published after an avatar has been rounded and
// written to output storage. Placeholder events carry no Key.
type AvatarRenderedEvent struct {
	EventID     string `json:"event_id"`
	UserID      string `json:"user_id"`
	SourceURL   string `json:"source_url"`
	Key         string `json:"key,omitempty"`
	Placeholder bool   `json:"placeholder"`
	Timestamp   int64  `json:"timestamp"`
}

// AvatarProcessedHandler is the business-logic callback injected into the consumer.
type AvatarProcessedHandler interface {
	HandleAvatarProcessed(ctx context.Context, event *AvatarProcessedEvent) error
}

// AvatarProcessedConsumer abstracts the Kafka consumer for avatar-processed events.
type AvatarProcessedConsumer interface {
	Start(ctx context.Context) error
	Close() error
}

// AvatarRenderedPublisher abstracts the Kafka producer for avatar-rendered events.
type AvatarRenderedPublisher interface {
	PublishAvatarRendered(ctx context.Context, event *AvatarRenderedEvent) error
	Close() error
}

func decodeAvatarProcessed(value []byte) (*AvatarProcessedEvent, error) {
	var event AvatarProcessedEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal avatar-processed event: %w", err)
	}
	if strings.TrimSpace(event.UserID) == "" {
		return nil, errors.New("avatar-processed event has no user_id")
	}
	return &event, nil
}
