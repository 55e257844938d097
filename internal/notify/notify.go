package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is the fire-and-forget notification published after a successful
// state transition or report run. Delivery failures never fail the caller.
type Event struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id,omitempty"`
	ClassID   string    `json:"class_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus is the abstraction over different notification backends.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	Consume(ctx context.Context) (<-chan Event, error)
}

// InMemory is a minimal channel-backed bus for dev/testing.
type InMemory struct {
	ch chan Event
}

// NewInMemory creates a bounded in-memory bus.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Event, size)}
}

// Publish enqueues an event.
func (b *InMemory) Publish(ctx context.Context, evt Event) error {
	select {
	case b.ch <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel for the relay worker.
func (b *InMemory) Consume(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			select {
			case evt := <-b.ch:
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisBus implements a Redis list-backed bus.
type RedisBus struct {
	client *redis.Client
	key    string
}

// NewRedisBus builds a bus using LPUSH/BRPOP semantics.
func NewRedisBus(client *redis.Client, key string) *RedisBus {
	if key == "" {
		key = "classtrack:notifications"
	}
	return &RedisBus{client: client, key: key}
}

// Publish enqueues an event as JSON.
func (b *RedisBus) Publish(ctx context.Context, evt Event) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.client.LPush(ctx, b.key, raw).Err()
}

// Consume streams events using BRPOP.
func (b *RedisBus) Consume(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			res, err := b.client.BRPop(ctx, 5*time.Second, b.key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if len(res) == 2 {
				var evt Event
				if json.Unmarshal([]byte(res[1]), &evt) == nil {
					select {
					case out <- evt:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}
