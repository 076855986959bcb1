package invalidation

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultChannel = "profcache:invalidate"
)

type Kind string

const (
	KindKey Kind = "key"
	KindAll Kind = "all"
)

// Event asks every instance to drop one key or the whole cache
type Event struct {
	Kind Kind   `json:"kind"`
	Key  string `json:"key,omitempty"`
	// id of the publishing instance
	Origin string `json:"origin"`
}

// Invalidator is what receives the events. profile.Service satisfies it.
type Invalidator interface {
	Invalidate(key string)
	InvalidateAll()
}

// Bus spreads cache invalidations among instances over redis pub/sub
type Bus struct {
	client  *redis.Client
	channel string
	id      string
}

func NewBus(address string, channel string) *Bus {
	if channel == "" {
		channel = DefaultChannel
	}
	b := &Bus{
		client: redis.NewClient(&redis.Options{
			Addr: address,
		}),
		channel: channel,
		id:      uuid.NewString(),
	}
	return b
}

// ID identifies this instance on the bus
func (b *Bus) ID() string {
	return b.id
}

func (b *Bus) Publish(ctx context.Context, e Event) error {
	e.Origin = b.id
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("cannot publish invalidation: %w", err)
	}
	return nil
}

func (b *Bus) PublishKey(ctx context.Context, key string) error {
	return b.Publish(ctx, Event{Kind: KindKey, Key: key})
}

func (b *Bus) PublishAll(ctx context.Context) error {
	return b.Publish(ctx, Event{Kind: KindAll})
}

// Run applies the events published by the other instances to inv until
// ctx is done
func (b *Bus) Run(ctx context.Context, inv Invalidator) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	// wait for the subscription to be confirmed
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("cannot subscribe to '%s': %w", b.channel, err)
	}
	log.Info().Msgf("[invalidation] subscribed to '%s' as %s", b.channel, b.id)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle(msg.Payload, inv)
		}
	}
}

func (b *Bus) handle(payload string, inv Invalidator) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		log.Error().Err(err).Msg("[invalidation] malformed event")
		return
	}
	if e.Origin == b.id {
		return
	}

	switch e.Kind {
	case KindKey:
		log.Debug().Msgf("[invalidation] key %s from %s", e.Key, e.Origin)
		inv.Invalidate(e.Key)
	case KindAll:
		log.Debug().Msgf("[invalidation] all from %s", e.Origin)
		inv.InvalidateAll()
	default:
		log.Error().Msgf("[invalidation] unknown event kind '%s'", e.Kind)
	}
}

func (b *Bus) Close() error {
	return b.client.Close()
}
