package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// CooldownPrefix is the Redis key prefix of active cooldowns.
	CooldownPrefix = "cooldown:"

	// StrikesPrefix is the Redis key prefix of violation counters.
	StrikesPrefix = "strikes:"
)

// CooldownPolicy turns repeated rate-limit violations into escalating
// cooldowns. The first Threshold strikes within Window are free; every
// strike from then on applies the next step of Steps, and the last step
// repeats.
type CooldownPolicy struct {
	Threshold int64
	Window    time.Duration
	Steps     []time.Duration
}

// DefaultCooldownPolicy is used by the relay.
func DefaultCooldownPolicy() CooldownPolicy {
	return CooldownPolicy{
		Threshold: 20,
		Window:    10 * time.Minute,
		Steps:     []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute},
	}
}

// duration returns the cooldown for the given strike count, zero while the
// count is under the threshold.
func (p CooldownPolicy) duration(strikes int64) time.Duration {
	if strikes <= p.Threshold || len(p.Steps) == 0 {
		return 0
	}
	i := int(strikes - p.Threshold - 1)
	if i >= len(p.Steps) {
		i = len(p.Steps) - 1
	}
	return p.Steps[i]
}

// Cooldown keeps identities that keep exceeding their limits away for a
// while.
type Cooldown interface {
	// Active reports whether identifier is cooling down and for how long.
	Active(ctx context.Context, identifier string) (bool, time.Duration, error)
	// Strike records one violation and returns the cooldown it applied,
	// zero when none.
	Strike(ctx context.Context, identifier string) (time.Duration, error)
}

// ---------------------------------------------------------------------------
// Redis
// ---------------------------------------------------------------------------

// RedisCooldown shares cooldowns between relay instances. Cooldowns are
// plain keys with a TTL:
//
//	Key:   cooldown:<identifier>
//	Value: strike count that applied it
//	TTL:   cooldown duration
type RedisCooldown struct {
	client *redis.Client
	policy CooldownPolicy
}

// NewRedisCooldown creates a cooldown store over client.
func NewRedisCooldown(client *redis.Client, policy CooldownPolicy) *RedisCooldown {
	return &RedisCooldown{client: client, policy: policy}
}

// Active checks the cooldown key. Redis errors are returned so callers can
// fail open.
func (c *RedisCooldown) Active(ctx context.Context, identifier string) (bool, time.Duration, error) {
	key := CooldownPrefix + identifier
	ttl, err := c.client.TTL(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	// go-redis reports a missing key as -2 and a key without expiry as -1.
	switch {
	case ttl == -1:
		return true, 0, nil
	case ttl <= 0:
		return false, 0, nil
	}
	return true, ttl, nil
}

// Strike increments the violation counter and applies the policy's
// cooldown once the threshold is passed.
func (c *RedisCooldown) Strike(ctx context.Context, identifier string) (time.Duration, error) {
	key := StrikesPrefix + identifier

	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: strike incr: %w", err)
	}
	// Set the TTL on the first strike only so the window doesn't slide.
	if count == 1 {
		if err := c.client.Expire(ctx, key, c.policy.Window).Err(); err != nil {
			return 0, fmt.Errorf("ratelimit: strike expire: %w", err)
		}
	}

	d := c.policy.duration(count)
	if d == 0 {
		return 0, nil
	}
	if err := c.client.Set(ctx, CooldownPrefix+identifier, count, d).Err(); err != nil {
		return 0, fmt.Errorf("ratelimit: apply cooldown: %w", err)
	}
	return d, nil
}

// Lift removes a cooldown and its strikes.
func (c *RedisCooldown) Lift(ctx context.Context, identifier string) error {
	return c.client.Del(ctx, CooldownPrefix+identifier, StrikesPrefix+identifier).Err()
}

// ---------------------------------------------------------------------------
// In process
// ---------------------------------------------------------------------------

// MemoryCooldown is the single-instance Cooldown.
type MemoryCooldown struct {
	policy CooldownPolicy
	now    func() time.Time

	mu      sync.Mutex
	strikes map[string]*window
	until   map[string]time.Time
}

// NewMemoryCooldown creates an empty cooldown table.
func NewMemoryCooldown(policy CooldownPolicy) *MemoryCooldown {
	return &MemoryCooldown{
		policy:  policy,
		now:     time.Now,
		strikes: make(map[string]*window),
		until:   make(map[string]time.Time),
	}
}

// Active reports whether identifier is cooling down.
func (c *MemoryCooldown) Active(_ context.Context, identifier string) (bool, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.until[identifier]
	if !ok {
		return false, 0, nil
	}
	left := until.Sub(c.now())
	if left <= 0 {
		delete(c.until, identifier)
		return false, 0, nil
	}
	return true, left, nil
}

// Strike records a violation.
func (c *MemoryCooldown) Strike(_ context.Context, identifier string) (time.Duration, error) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.strikes[identifier]
	if !ok || !now.Before(w.expires) {
		w = &window{expires: now.Add(c.policy.Window)}
		c.strikes[identifier] = w
	}
	w.count++
	d := c.policy.duration(w.count)
	if d > 0 {
		c.until[identifier] = now.Add(d)
	}
	return d, nil
}

// Forget drops expired strike windows and cooldowns.
func (c *MemoryCooldown) Forget() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, w := range c.strikes {
		if !now.Before(w.expires) {
			delete(c.strikes, k)
			n++
		}
	}
	for k, until := range c.until {
		if !now.Before(until) {
			delete(c.until, k)
			n++
		}
	}
	return n
}
