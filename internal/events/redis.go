package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const Channel = "dive:events"

// RedisPublisher mirrors events onto a pub/sub channel for other processes.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	log     *zap.Logger
}

func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: addr,
	})
}

func NewRedisPublisher(rdb *redis.Client, log *zap.Logger) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: Channel, log: log}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		p.log.Error("failed to encode event", zap.String("type", e.Type), zap.Error(err))
		return
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.log.Warn("failed to publish event",
			zap.String("type", e.Type),
			zap.String("session_id", e.SessionID),
			zap.Error(err))
	}
}

// Subscribe decodes events from the channel until ctx is done.
func Subscribe(ctx context.Context, rdb *redis.Client, log *zap.Logger, fn func(Event)) {
	sub := rdb.Subscribe(ctx, Channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				log.Warn("dropping malformed event", zap.Error(err))
				continue
			}
			fn(e)
		}
	}
}
