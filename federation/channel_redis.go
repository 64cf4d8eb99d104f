package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisChannel carries messages over redis pub/sub. Attachments ride inside the JSON payload.
type RedisChannel struct {
	Client *redis.Client
	name   string
	logger *slog.Logger
}

var _ Subscriber = (*RedisChannel)(nil)

func NewRedisChannel(client *redis.Client, name string, logger *slog.Logger) *RedisChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisChannel{
		Client: client,
		name:   name,
		logger: logger.With("component", "federation", "channel", name),
	}
}

// NewRedisClient parses the URL and checks the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, err
	}
	return rdb, nil
}

func (c *RedisChannel) key() string {
	return "gatekeep/federation/" + c.name
}

func (c *RedisChannel) Name() string {
	return c.name
}

func (c *RedisChannel) Send(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.Client.Publish(ctx, c.key(), b).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", c.name, err)
	}
	return nil
}

func (c *RedisChannel) Subscribe(ctx context.Context, fn func(Message)) error {
	sub := c.Client.Subscribe(ctx, c.key())
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", c.name, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", c.name)
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				c.logger.Warn("dropping undecodable channel message", "err", err)
				receiveDropped.WithLabelValues("undecodable").Inc()
				continue
			}
			fn(msg)
		}
	}
}
