package chat

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// Bus relays room publishes between server instances. Implementations must
// deliver every published frame to all subscribers, the publisher included;
// the hub filters its own frames out by origin id.
type Bus interface {
	Publish(ctx context.Context, frame []byte) error
	Subscribe(ctx context.Context) <-chan []byte
	Close() error
}

// busEnvelope is what actually travels over the bus: the already-encoded
// event frame plus enough routing to replay it into the right room.
type busEnvelope struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Frame  json.RawMessage `json:"frame"`
}

// RedisBus fans room publishes out across instances over a single pub/sub
// channel. Delivery is at-least-once per Redis semantics; per-room order is
// only guaranteed for frames published from the same instance.
type RedisBus struct {
	rdb     *redis.Client
	channel string
}

func NewRedisBus(rdb *redis.Client, channel string) *RedisBus {
	return &RedisBus{rdb: rdb, channel: channel}
}

func (b *RedisBus) Publish(ctx context.Context, frame []byte) error {
	return b.rdb.Publish(ctx, b.channel, frame).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context) <-chan []byte {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				out <- []byte(msg.Payload)
			}
		}
	}()
	return out
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
