package countstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisCountPrefix string = "gatekeep/count/"
var redisDistinctPrefix string = "gatekeep/distinct/"

// day buckets outlive the daily report; month buckets outlive the monthly reset
var periodTTL = map[string]time.Duration{
	PeriodDay:   72 * time.Hour,
	PeriodMonth: 62 * 24 * time.Hour,
}

type RedisCountStore struct {
	Client *redis.Client
}

var _ CountStore = (*RedisCountStore)(nil)

func NewRedisCountStore(redisURL string) (*RedisCountStore, error) {
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
	return &RedisCountStore{Client: rdb}, nil
}

func (s *RedisCountStore) GetCount(ctx context.Context, name, val, period string, at time.Time) (int, error) {
	key := redisCountPrefix + periodBucket(name, val, period, at)
	c, err := s.Client.Get(ctx, key).Int()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return c, nil
}

func (s *RedisCountStore) Increment(ctx context.Context, name, val string, at time.Time) error {
	// all periods in a single round-trip
	multi := s.Client.Pipeline()
	for _, p := range Periods {
		key := redisCountPrefix + periodBucket(name, val, p, at)
		multi.Incr(ctx, key)
		if ttl, ok := periodTTL[p]; ok {
			multi.Expire(ctx, key, ttl)
		}
	}
	_, err := multi.Exec(ctx)
	return err
}

func (s *RedisCountStore) GetCountDistinct(ctx context.Context, name, bucket, period string, at time.Time) (int, error) {
	key := redisDistinctPrefix + periodBucket(name, bucket, period, at)
	c, err := s.Client.PFCount(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return int(c), nil
}

func (s *RedisCountStore) IncrementDistinct(ctx context.Context, name, bucket, val string, at time.Time) error {
	multi := s.Client.Pipeline()
	for _, p := range Periods {
		key := redisDistinctPrefix + periodBucket(name, bucket, p, at)
		multi.PFAdd(ctx, key, val)
		if ttl, ok := periodTTL[p]; ok {
			multi.Expire(ctx, key, ttl)
		}
	}
	_, err := multi.Exec(ctx)
	return err
}
