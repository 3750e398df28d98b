package feedback

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultInvalidationChannel is the pub/sub channel used for cache
// invalidations.
const DefaultInvalidationChannel = "paygate:feedback:invalidate"

// RedisBroadcaster publishes and receives cache invalidations over Redis
// pub/sub. Each instance tags its messages with its own id and ignores
// its own echoes.
type RedisBroadcaster struct {
	rdb        redis.UniversalClient
	channel    string
	instanceID string
	log        zerolog.Logger
}

// NewRedisBroadcaster creates a broadcaster on channel (default
// DefaultInvalidationChannel).
func NewRedisBroadcaster(rdb redis.UniversalClient, channel string, logger zerolog.Logger) *RedisBroadcaster {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	return &RedisBroadcaster{
		rdb:        rdb,
		channel:    channel,
		instanceID: uuid.New().String(),
		log:        logger.With().Str("component", "cache_broadcast").Logger(),
	}
}

// InstanceID identifies this process on the channel.
func (b *RedisBroadcaster) InstanceID() string {
	return b.instanceID
}

// Publish announces that caches must be dropped.
func (b *RedisBroadcaster) Publish(ctx context.Context) error {
	return b.rdb.Publish(ctx, b.channel, b.instanceID).Err()
}

// Listen calls invalidate for every invalidation published by another
// instance until ctx is done. It returns once the subscription is closed.
func (b *RedisBroadcaster) Listen(ctx context.Context, invalidate func()) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	// wait for the subscription to be confirmed
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	b.log.Info().Str("channel", b.channel).Msg("listening for cache invalidations")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.Payload == b.instanceID {
				continue
			}
			b.log.Debug().Str("from", msg.Payload).Msg("cache invalidation received")
			invalidate()
		}
	}
}
