package notify

import (
	"context"
	"encoding/json"

	r "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisPublisher publishes notifications as JSON on a pub/sub channel so
// other dashboards can show them.
type RedisPublisher struct {
	rdb     r.Cmdable
	channel string
}

func NewRedisPublisher(rdb r.Cmdable, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Notify(ctx context.Context, n Notification) {
	raw, err := json.Marshal(Stamp(n))
	if err != nil {
		return
	}
	if err := p.rdb.Publish(ctx, p.channel, raw).Err(); err != nil {
		log.Warn().Err(err).Str("channel", p.channel).Msg("publish notification")
	}
}
