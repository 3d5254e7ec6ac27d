package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/crewplane/crewplane/internal/pkg/env"
)

var client *redis.Client

// SetupCache initializes the connection to the Redis-compatible cache server.
func SetupCache() {
	host := env.GetEnv("CACHE_HOST", "localhost")
	port := env.GetEnv("CACHE_PORT", "6379")

	client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: "",
		DB:       0,
	})

	if pong, err := client.Ping(context.Background()).Result(); err != nil {
		log.Warn().Err(err).Msg("Could not connect to cache server")
	} else {
		log.Info().Str("pong", pong).Msg("Connected to cache server")
	}
}

// GetClient returns the Redis client instance.
func GetClient() *redis.Client {
	if client == nil {
		SetupCache()
	}
	return client
}

// Set stores a value with the given key and expiration time.
func Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return GetClient().Set(ctx, key, value, expiration).Err()
}

// SetNX stores a value only when the key is absent. Returns true when this
// call created the key. The check-and-set is a single Redis command, so
// concurrent callers cannot both win.
func SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return GetClient().SetNX(ctx, key, value, expiration).Result()
}

// Get retrieves a value by key.
func Get(ctx context.Context, key string) (string, error) {
	return GetClient().Get(ctx, key).Result()
}

// Exists reports whether key is present.
func Exists(ctx context.Context, key string) (bool, error) {
	n, err := GetClient().Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete removes a value by key.
func Delete(ctx context.Context, key string) error {
	return GetClient().Del(ctx, key).Err()
}
