package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

const redisChannelPrefix = "lucasmed:conversation:"

// RedisNotifier propagates change signals between server replicas that share
// one message log. Appends publish on a per-conversation channel; Run relays
// every published signal to the local listeners of this replica.
type RedisNotifier struct {
	client *redis.Client
	local  *LocalNotifier

	ready     chan struct{}
	readyOnce sync.Once
}

func NewRedisNotifier(redisURL string) (*RedisNotifier, error) {
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

	return newRedisNotifier(client), nil
}

func newRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client, local: NewLocalNotifier(), ready: make(chan struct{})}
}

// Ready is closed once Run holds its subscription. Signals published
// before that are not seen by this replica.
func (n *RedisNotifier) Ready() <-chan struct{} {
	return n.ready
}

func (n *RedisNotifier) Notify(ctx context.Context, conversationID string) error {
	if err := n.client.Publish(ctx, redisChannelPrefix+conversationID, "changed").Err(); err != nil {
		// Listeners on this replica still see their own writes.
		_ = n.local.Notify(ctx, conversationID)
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

func (n *RedisNotifier) Listen(conversationID string) (<-chan struct{}, func()) {
	return n.local.Listen(conversationID)
}

// Run consumes published signals until ctx is done.
func (n *RedisNotifier) Run(ctx context.Context) error {
	sub := n.client.PSubscribe(ctx, redisChannelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to changes: %w", err)
	}
	log.Info().Str("pattern", redisChannelPrefix+"*").Msg("live tail fan-in subscribed")
	n.readyOnce.Do(func() { close(n.ready) })

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			conversationID := strings.TrimPrefix(msg.Channel, redisChannelPrefix)
			_ = n.local.Notify(ctx, conversationID)
		}
	}
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
