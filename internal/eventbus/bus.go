// Package eventbus fans instrument lifecycle and status events out to subscribers.
package eventbus

import (
	"context"
	"log"
	"time"
)

// Topic names an event stream.
type Topic string

const (
	TopicCreated   Topic = "instrument:created"
	TopicStatus    Topic = "instrument:status"
	TopicDestroyed Topic = "instrument:destroyed"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Event is delivered by value. Payload must be treated as read-only by subscribers.
type Event struct {
	Type         Topic          `json:"type"`
	InstrumentID string         `json:"instrumentId"`
	Payload      map[string]any `json:"payload,omitempty"`
	At           time.Time      `json:"at"`
}

// Bus delivers events to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	Subscribe(ctx context.Context, topic Topic) (SubscriptionID, <-chan Event, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
	Logger        *log.Logger
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}
