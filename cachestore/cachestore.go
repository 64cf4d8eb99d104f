package cachestore

import (
	"context"
)

type CacheStore interface {
	Get(ctx context.Context, name, key string) (string, error)
	Set(ctx context.Context, name, key string, val string) error
	// Stores val only if there is no live entry for the key. Returns true if the value was stored.
	SetIfAbsent(ctx context.Context, name, key string, val string) (bool, error)
	Purge(ctx context.Context, name, key string) error
}

func cacheKey(name, key string) string {
	return name + "/" + key
}
