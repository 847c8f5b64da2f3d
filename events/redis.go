package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/mikoto-social/mikoto/util"
)

// RedisBridge mirrors the in-process bus over a redis pub/sub channel
// so that a multi-process deployment sees one logical stream. Events
// published locally are forwarded out; events from sibling processes
// are replayed into the local manager. The origin tag prevents a
// process from re-consuming its own events.
type RedisBridge struct {
	em  *EventManager
	rdb *redis.Client

	channel string
	origin  string

	log *slog.Logger
}

type bridgeEnvelope struct {
	Origin string       `json:"origin"`
	Topic  Topic        `json:"topic"`
	Event  *StreamEvent `json:"event"`
}

func NewRedisBridge(em *EventManager, redisURL, channel string) (*RedisBridge, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("could not configure redis bridge: %w", err)
	}
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(context.TODO()).Result(); err != nil {
		return nil, fmt.Errorf("could not connect to redis bridge: %w", err)
	}

	b := &RedisBridge{
		em:      em,
		rdb:     rdb,
		channel: channel,
		origin:  util.NewAid(),
		log:     slog.Default().With("system", "redis-bridge"),
	}

	em.mirror = b.forward

	return b, nil
}

func (b *RedisBridge) forward(topic Topic, evt *StreamEvent) {
	env := bridgeEnvelope{
		Origin: b.origin,
		Topic:  topic,
		Event:  evt,
	}

	buf, err := json.Marshal(&env)
	if err != nil {
		b.log.Error("failed to encode bridge event", "err", err)
		return
	}

	if err := b.rdb.Publish(context.Background(), b.channel, buf).Err(); err != nil {
		b.log.Error("failed to forward event to redis", "err", err)
		return
	}
	bridgeEventsForwarded.Inc()
}

// Run consumes the redis channel until the context is cancelled.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis bridge subscription closed")
			}

			var env bridgeEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn("discarding malformed bridge event", "err", err)
				continue
			}
			if env.Origin == b.origin || env.Event == nil {
				continue
			}

			env.Event.PrivOrigin = env.Origin
			bridgeEventsReceived.Inc()
			if err := b.em.Publish(env.Topic, env.Event); err != nil {
				return err
			}
		}
	}
}
