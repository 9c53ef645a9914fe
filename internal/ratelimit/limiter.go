// Package ratelimit throttles relay traffic with fixed windows. The Redis
// limiter shares counters between relay instances using INCR + EXPIRE; the
// memory limiter serves a single relay without Redis.
package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the key prefix, the number of events
// allowed in the window, and the window duration.
type Rule struct {
	Key    string        // key prefix (e.g. "rl:frame:", "rl:conn:")
	Limit  int64         // max count in the window
	Window time.Duration // time window
}

var (
	// RuleFrame allows 200 presence, session or notification frames per 10
	// seconds per connection.
	RuleFrame = Rule{Key: "rl:frame:", Limit: 200, Window: 10 * time.Second}

	// RuleConnect allows 30 WebSocket handshakes per minute per user.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 30, Window: time.Minute}
)

// Limiter decides whether one more event is allowed for an identifier.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule Rule) (bool, error)
}

// RedisLimiter performs rate limiting checks against Redis.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter creates a limiter backed by the given Redis client.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

// Allow increments the identifier's counter and sets the expiry on first
// access. On Redis errors it fails open so that an outage does not block
// legitimate traffic.
func (l *RedisLimiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// Without a TTL the key would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}
	return count <= rule.Limit, nil
}

// Remaining returns how many events the identifier has left in the current
// window. It returns the full limit when the key does not exist or Redis
// fails.
func (l *RedisLimiter) Remaining(ctx context.Context, identifier string, rule Rule) (int64, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}
	return max(rule.Limit-count, 0), nil
}

// MemoryLimiter keeps fixed-window counters in process.
type MemoryLimiter struct {
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count   int64
	expires time.Time
}

// NewMemoryLimiter creates an empty in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{now: time.Now, windows: make(map[string]*window)}
}

// Allow counts one event for identifier under rule.
func (l *MemoryLimiter) Allow(_ context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.expires) {
		w = &window{expires: now.Add(rule.Window)}
		l.windows[key] = w
	}
	w.count++
	return w.count <= rule.Limit, nil
}

// Forget drops expired windows and returns how many were dropped.
func (l *MemoryLimiter) Forget() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, w := range l.windows {
		if !now.Before(w.expires) {
			delete(l.windows, k)
			n++
		}
	}
	return n
}
