package presence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for presence hashes:
	// presence:<tenant>:<user>. The set presence:<tenant> indexes them.
	KeyPrefix = "presence:"

	// DefaultTTL is how long a presence hash lives without a refresh.
	DefaultTTL = 5 * time.Minute
)

// redisRecord is the hash layout of one presence entry.
type redisRecord struct {
	UserID   string `redis:"user_id"`
	Status   string `redis:"status"`
	Activity string `redis:"activity"`
	Location string `redis:"location"`
	Device   string `redis:"device"`
	Quality  string `redis:"quality"`
	Server   string `redis:"server"`    // relay instance holding the connection
	LastSeen int64  `redis:"last_seen"` // unix milliseconds
}

// RedisStore is the relay's tenant presence directory. Entries expire when
// their connection stops refreshing them.
type RedisStore struct {
	client     *redis.Client
	serverName string
	ttl        time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisAddr, serverName string, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}
	return NewRedisStoreWithClient(client, serverName, ttl), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, serverName string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, serverName: serverName, ttl: ttl}
}

func entryKey(tenantID, userID string) string {
	return KeyPrefix + tenantID + ":" + userID
}

func indexKey(tenantID string) string {
	return KeyPrefix + tenantID
}

// Put stores r for tenantID and refreshes its TTL.
func (s *RedisStore) Put(ctx context.Context, tenantID string, r Record) error {
	if r.UserID == "" {
		return fmt.Errorf("%w: missing user_id", ErrInvalidRecord)
	}
	if r.LastSeen.IsZero() {
		r.LastSeen = time.Now()
	}
	key := entryKey(tenantID, r.UserID)
	fields := map[string]interface{}{
		"user_id":   r.UserID,
		"status":    string(r.Status),
		"activity":  string(r.Activity),
		"location":  r.Location,
		"device":    r.Device,
		"quality":   r.ConnectionQuality,
		"server":    s.serverName,
		"last_seen": r.LastSeen.UnixMilli(),
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, s.ttl)
	pipe.SAdd(ctx, indexKey(tenantID), r.UserID)
	pipe.Expire(ctx, indexKey(tenantID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: put %s: %w", key, err)
	}
	return nil
}

// Get returns the entry of userID, or nil when it does not exist.
func (s *RedisStore) Get(ctx context.Context, tenantID, userID string) (*Record, error) {
	var rr redisRecord
	if err := s.client.HGetAll(ctx, entryKey(tenantID, userID)).Scan(&rr); err != nil {
		return nil, fmt.Errorf("presence: get %s: %w", userID, err)
	}
	if rr.UserID == "" {
		return nil, nil
	}
	r := rr.record(tenantID)
	return &r, nil
}

// Touch refreshes the TTL of userID's entry.
func (s *RedisStore) Touch(ctx context.Context, tenantID, userID string) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, entryKey(tenantID, userID), "last_seen", time.Now().UnixMilli())
	pipe.Expire(ctx, entryKey(tenantID, userID), s.ttl)
	pipe.Expire(ctx, indexKey(tenantID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes userID's entry.
func (s *RedisStore) Delete(ctx context.Context, tenantID, userID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, entryKey(tenantID, userID))
	pipe.SRem(ctx, indexKey(tenantID), userID)
	_, err := pipe.Exec(ctx)
	return err
}

// List returns the live entries of tenantID ordered by user. Index members
// whose hash expired are pruned.
func (s *RedisStore) List(ctx context.Context, tenantID string) ([]Record, error) {
	users, err := s.client.SMembers(ctx, indexKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: list %s: %w", tenantID, err)
	}

	var out []Record
	var expired []interface{}
	for _, uid := range users {
		r, err := s.Get(ctx, tenantID, uid)
		if err != nil {
			return nil, err
		}
		if r == nil {
			expired = append(expired, uid)
			continue
		}
		out = append(out, *r)
	}
	if len(expired) > 0 {
		s.client.SRem(ctx, indexKey(tenantID), expired...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (rr redisRecord) record(tenantID string) Record {
	return Record{
		UserID:            rr.UserID,
		TenantID:          tenantID,
		Status:            Status(rr.Status),
		Activity:          Activity(rr.Activity),
		Location:          rr.Location,
		Device:            rr.Device,
		ConnectionQuality: rr.Quality,
		LastSeen:          time.UnixMilli(rr.LastSeen),
	}
}
