// Package counters holds short-window spend counters per agent.
package counters

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"agent-spend-authorizer/internal/logging"
)

// Velocity tracks approved spend in per-minute buckets.
type Velocity interface {
	// Add counts amount once per correlationID; repeats within the retention
	// window are ignored.
	Add(ctx context.Context, correlationID, agentID string, amount int64, at time.Time) error
	// Rate returns average spend per minute over the trailing window ending at at.
	Rate(ctx context.Context, agentID string, window time.Duration, at time.Time) (int64, error)
}

// DefaultRetention bounds how long a bucket is kept.
const DefaultRetention = time.Hour

func minuteOf(t time.Time) int64 {
	return t.Unix() / 60
}

// windowMinutes rounds a window up to whole minutes, at least one.
func windowMinutes(window time.Duration) int64 {
	n := int64((window + time.Minute - 1) / time.Minute)
	if n < 1 {
		n = 1
	}
	return n
}

// addScript increments the bucket only if the guard key was newly set.
var addScript = redis.NewScript(`
if not redis.call("SET", KEYS[2], "1", "NX", "PX", ARGV[2]) then
  return 0
end
redis.call("INCRBY", KEYS[1], ARGV[1])
if redis.call("PTTL", KEYS[1]) < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 1
`)

// RedisVelocity keeps buckets in Redis so every replica sees the same figure.
type RedisVelocity struct {
	Client    redis.UniversalClient
	Prefix    string
	Retention time.Duration
	Fallback  *InMemoryVelocity
}

func NewRedis(client redis.UniversalClient) *RedisVelocity {
	return &RedisVelocity{
		Client:    client,
		Prefix:    "vel:",
		Retention: DefaultRetention,
		Fallback:  NewInMemory(DefaultRetention),
	}
}

// Keys are hash-tagged on the agent so the bucket and its guard share a slot.
func (v *RedisVelocity) bucketKey(agentID string, minute int64) string {
	return v.Prefix + "{" + agentID + "}:" + strconv.FormatInt(minute, 10)
}

func (v *RedisVelocity) guardKey(agentID, correlationID string) string {
	return v.Prefix + "{" + agentID + "}:seen:" + correlationID
}

func (v *RedisVelocity) Add(ctx context.Context, correlationID, agentID string, amount int64, at time.Time) error {
	keys := []string{v.bucketKey(agentID, minuteOf(at)), v.guardKey(agentID, correlationID)}
	added, err := addScript.Run(ctx, v.Client, keys, amount, v.Retention.Milliseconds()).Int()
	if err != nil {
		if v.Fallback == nil {
			return fmt.Errorf("velocity add: %w", err)
		}
		logging.Component("velocity").Warn().Err(err).Str("agent_id", agentID).Msg("redis unavailable, counting in memory")
		return v.Fallback.Add(ctx, correlationID, agentID, amount, at)
	}
	if added == 0 {
		logging.Component("velocity").Debug().Str("correlation_id", correlationID).Msg("spend already counted")
	}
	return nil
}

func (v *RedisVelocity) Rate(ctx context.Context, agentID string, window time.Duration, at time.Time) (int64, error) {
	n := windowMinutes(window)
	last := minuteOf(at)
	keys := make([]string, 0, n)
	for m := last - n + 1; m <= last; m++ {
		keys = append(keys, v.bucketKey(agentID, m))
	}

	vals, err := v.Client.MGet(ctx, keys...).Result()
	if err != nil {
		if v.Fallback == nil {
			return 0, fmt.Errorf("velocity rate: %w", err)
		}
		return v.Fallback.Rate(ctx, agentID, window, at)
	}

	var sum int64
	for _, val := range vals {
		s, ok := val.(string)
		if !ok {
			continue
		}
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("velocity rate: bad bucket value %q: %w", s, err)
		}
		sum += i
	}
	return sum / n, nil
}

// InMemoryVelocity is the single-process implementation.
type InMemoryVelocity struct {
	mu        sync.Mutex
	buckets   map[string]map[int64]int64
	seen      map[string]int64 // correlation id -> minute counted
	retention time.Duration
}

func NewInMemory(retention time.Duration) *InMemoryVelocity {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &InMemoryVelocity{
		buckets:   make(map[string]map[int64]int64),
		seen:      make(map[string]int64),
		retention: retention,
	}
}

func (v *InMemoryVelocity) Add(_ context.Context, correlationID, agentID string, amount int64, at time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	minute := minuteOf(at)
	oldest := minute - windowMinutes(v.retention)
	for id, m := range v.seen {
		if m < oldest {
			delete(v.seen, id)
		}
	}
	if _, dup := v.seen[correlationID]; dup {
		return nil
	}
	v.seen[correlationID] = minute

	b, ok := v.buckets[agentID]
	if !ok {
		b = make(map[int64]int64)
		v.buckets[agentID] = b
	}
	b[minute] += amount

	for m := range b {
		if m < oldest {
			delete(b, m)
		}
	}
	return nil
}

func (v *InMemoryVelocity) Rate(_ context.Context, agentID string, window time.Duration, at time.Time) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	n := windowMinutes(window)
	last := minuteOf(at)
	var sum int64
	for m, amount := range v.buckets[agentID] {
		if m > last-n && m <= last {
			sum += amount
		}
	}
	return sum / n, nil
}
