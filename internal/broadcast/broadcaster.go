// Package broadcast fans authoritative mutation results out to every
// connection subscribed to a scope. Delivery rides Redis pub/sub, so
// multiple API nodes share one event stream per scope.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// EntityPayload carries the authoritative field values for one entity.
type EntityPayload struct {
	Kind   string         `json:"kind"`
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// Event is the unit of fan-out. CorrelationID identifies the originating
// client request; the origin connection receives its own events and relies
// on correlation de-duplication rather than being skipped, so other tabs of
// the same user still update.
type Event struct {
	ID            string          `json:"id"`
	ScopeID       string          `json:"scopeId"`
	Kind          string          `json:"kind"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Entities      []EntityPayload `json:"entities"`
}

type Broadcaster struct {
	client *redis.Client
	prefix string
}

func New(redisURL string) (*Broadcaster, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewWithClient(client), nil
}

func NewWithClient(client *redis.Client) *Broadcaster {
	return &Broadcaster{client: client, prefix: "scope:"}
}

func (b *Broadcaster) channel(scopeID string) string {
	return b.prefix + scopeID
}

// Publish assigns the event a time-ordered id and delivers it to every live
// subscription on the event's scope. Redis preserves publish order per
// channel, which gives the per-scope FIFO guarantee.
func (b *Broadcaster) Publish(ctx context.Context, evt Event) error {
	if evt.ScopeID == "" {
		return fmt.Errorf("event missing scope id")
	}
	if evt.ID == "" {
		evt.ID = ulid.Make().String()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(evt.ScopeID), data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscription is one connection's ordered view of a scope's events.
type Subscription struct {
	pubsub *redis.PubSub
	events chan Event
}

// Subscribe registers a subscription on the scope. Events arrive on
// Events() in publish order until Close or context cancellation.
func (b *Broadcaster) Subscribe(ctx context.Context, scopeID string) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel(scopeID))
	// Force the SUBSCRIBE round trip so callers never miss events
	// published immediately after Subscribe returns.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe scope %s: %w", scopeID, err)
	}

	sub := &Subscription{
		pubsub: pubsub,
		events: make(chan Event, 64),
	}
	go sub.relay(pubsub.Channel())
	return sub, nil
}

func (s *Subscription) relay(messages <-chan *redis.Message) {
	defer close(s.events)
	for msg := range messages {
		var evt Event
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			log.Printf("broadcast: dropping undecodable event: %v", err)
			continue
		}
		s.events <- evt
	}
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

func (b *Broadcaster) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Broadcaster) Close() error {
	return b.client.Close()
}
