package billing

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const eventMarkerKeyPrefix = "billing:event:"

// EventMarkerStore is the fast idempotency gate for webhook processing. A
// marker is written only after a handler succeeds, so a crash mid-handler
// leaves the event retriable.
type EventMarkerStore interface {
	// IsProcessed reports whether the event id has a processed marker.
	IsProcessed(ctx context.Context, eventID string) (bool, error)

	// MarkProcessed writes the marker. Returns true when this call created
	// it, false when another delivery won the race.
	MarkProcessed(ctx context.Context, eventID string) (bool, error)
}

type redisEventMarkerStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisEventMarkerStore builds a marker store on a Redis client. Markers
// expire after ttl; replays older than that fall through to the handlers,
// which stay idempotent on their own.
func NewRedisEventMarkerStore(client *redis.Client, ttl time.Duration) EventMarkerStore {
	if ttl <= 0 {
		ttl = defaultEventMarkerTTL
	}
	return &redisEventMarkerStore{client: client, ttl: ttl}
}

func (s *redisEventMarkerStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, eventMarkerKeyPrefix+eventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *redisEventMarkerStore) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	// SET NX EX is a single command, so concurrent deliveries of the same
	// event resolve to exactly one winner.
	return s.client.SetNX(ctx, eventMarkerKeyPrefix+eventID, time.Now().UTC().Format(time.RFC3339), s.ttl).Result()
}
