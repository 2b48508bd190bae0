package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript atomically claims a key or returns the existing record.
// KEYS[1] = record key
// ARGV[1] = serialized IN_PROGRESS record
// ARGV[2] = TTL in seconds
var claimScript = redis.NewScript(`
local existing = redis.call("GET", KEYS[1])
if existing then
    return existing
end
redis.call("SET", KEYS[1], ARGV[1], "EX", tonumber(ARGV[2]))
return false
`)

// RedisStore is a Store backed by Redis, for multi-instance deployments.
// Records expire after TTL so abandoned keys self-clean.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore builds a Redis-backed store. A zero ttl defaults to 24h.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, prefix: "idem:", ttl: ttl}
}

// Begin implements Store.
func (r *RedisStore) Begin(ctx context.Context, key, requestHash string) (Outcome, error) {
	fresh, err := json.Marshal(Record{RequestHash: requestHash, Status: StatusInProgress})
	if err != nil {
		return Outcome{}, fmt.Errorf("idempotency: marshal record: %w", err)
	}

	res, err := claimScript.Run(ctx, r.client, []string{r.prefix + key},
		string(fresh), int(r.ttl.Seconds())).Result()
	if err != nil && err != redis.Nil {
		return Outcome{}, fmt.Errorf("idempotency: claim: %w", err)
	}

	// A false result means the claim succeeded.
	existing, ok := res.(string)
	if !ok {
		return Outcome{}, nil
	}

	var rec Record
	if err := json.Unmarshal([]byte(existing), &rec); err != nil {
		return Outcome{}, fmt.Errorf("idempotency: decode record: %w", err)
	}
	if rec.RequestHash != requestHash {
		return Outcome{}, ErrKeyConflict
	}
	if rec.Status == StatusInProgress {
		return Outcome{}, ErrInProgress
	}
	return Outcome{Replayed: true, Response: rec.Response}, nil
}

// Complete implements Store.
func (r *RedisStore) Complete(ctx context.Context, key, response string) error {
	raw, err := r.client.Get(ctx, r.prefix+key).Result()
	if err != nil {
		return fmt.Errorf("idempotency: complete of unknown key: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return fmt.Errorf("idempotency: decode record: %w", err)
	}
	rec.Status = StatusCompleted
	rec.Response = response

	updated, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("idempotency: marshal record: %w", err)
	}
	return r.client.Set(ctx, r.prefix+key, string(updated), r.ttl).Err()
}

// Release implements Store.
func (r *RedisStore) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}
