package relay

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// SequenceKeyPrefix is the Redis key prefix of document revision counters.
const SequenceKeyPrefix = "docrev:"

// RedisSequencer hands out document revisions with INCR so that every relay
// instance sharing the Redis sees one counter per document.
type RedisSequencer struct {
	client *redis.Client
}

// NewRedisSequencer wraps client.
func NewRedisSequencer(client *redis.Client) *RedisSequencer {
	return &RedisSequencer{client: client}
}

// Next returns the next revision of docID.
func (s *RedisSequencer) Next(ctx context.Context, docID string) (int64, error) {
	rev, err := s.client.Incr(ctx, SequenceKeyPrefix+docID).Result()
	if err != nil {
		return 0, fmt.Errorf("relay: sequence %s: %w", docID, err)
	}
	return rev, nil
}

// Seed makes the next revision of docID version+1.
func (s *RedisSequencer) Seed(ctx context.Context, docID string, version int64) error {
	if err := s.client.Set(ctx, SequenceKeyPrefix+docID, version, 0).Err(); err != nil {
		return fmt.Errorf("relay: seed %s: %w", docID, err)
	}
	return nil
}
