package state

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

var redisStatePrefix = "gatekeep/state/"

// RedisPersister keeps category snapshots as redis string keys, with the shadow under a ".bak" suffix.
type RedisPersister struct {
	Client *redis.Client
}

var _ Persister = (*RedisPersister)(nil)

func NewRedisPersister(redisURL string) (*RedisPersister, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, err
	}
	return &RedisPersister{Client: rdb}, nil
}

func redisStateKey(c Category) string {
	return redisStatePrefix + string(c)
}

// Save copies the current primary to the shadow key and replaces the primary in a single MULTI/EXEC transaction.
func (p *RedisPersister) Save(ctx context.Context, c Category, data []byte) error {
	key := redisStateKey(c)
	prev, err := p.Client.Get(ctx, key).Bytes()
	if err != nil && err != redis.Nil {
		return err
	}
	_, err = p.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if prev != nil {
			pipe.Set(ctx, key+".bak", prev, 0)
		}
		pipe.Set(ctx, key, data, 0)
		return nil
	})
	return err
}

func (p *RedisPersister) Load(ctx context.Context, c Category) ([]byte, error) {
	return p.get(ctx, redisStateKey(c))
}

func (p *RedisPersister) LoadShadow(ctx context.Context, c Category) ([]byte, error) {
	return p.get(ctx, redisStateKey(c)+".bak")
}

func (p *RedisPersister) get(ctx context.Context, key string) ([]byte, error) {
	b, err := p.Client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return b, err
}
