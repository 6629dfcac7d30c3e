package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the ephemeral backend for rate limiting, debouncing,
// webhook config caching, and the sandbox pool's idle queue +
// metadata, grounded on control_plane/store/redis.go.
type RedisStore struct {
	Client *redis.Client
}

func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisStore{Client: client}, nil
}

func (s *RedisStore) Close() error { return s.Client.Close() }

// --- Rate limiting (§4.3 P5): atomic increment-then-check counters ---

// IncrWithTTLIfAbsent increments key, setting ttl only if this was the
// first increment (i.e. the window just opened), and returns the new
// count. Fails open (caller should treat err != nil as "allow") per
// spec §4.3's Redis-outage behavior.
func (s *RedisStore) IncrWithTTLIfAbsent(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.Client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("rate limit incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.Client.TTL(ctx, key).Result()
}

// --- Debounce (§4.3 P6): SET NX EX fingerprint dedupe ---

// SetNXDebounce returns true if this fingerprint was not already
// present (i.e. this call "wins" and the caller should proceed).
func (s *RedisStore) SetNXDebounce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.Client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("debounce %s: %w", key, err)
	}
	return ok, nil
}

// --- Webhook config cache (§4.3): 5-minute TTL, explicit invalidation ---

func (s *RedisStore) CacheWebhookConfig(ctx context.Context, webhookID string, w *Webhook, ttl time.Duration) error {
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return s.Client.Set(ctx, WebhookConfigCacheKey(webhookID), data, ttl).Err()
}

func (s *RedisStore) GetCachedWebhookConfig(ctx context.Context, webhookID string) (*Webhook, bool, error) {
	data, err := s.Client.Get(ctx, WebhookConfigCacheKey(webhookID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var w Webhook
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, false, err
	}
	return &w, true, nil
}

func (s *RedisStore) InvalidateWebhookConfig(ctx context.Context, webhookID string) error {
	return s.Client.Del(ctx, WebhookConfigCacheKey(webhookID)).Err()
}

// --- User concurrency gauge (§4.2 quota enforcement) ---

func (s *RedisStore) IncrUserConcurrent(ctx context.Context, uid string, ttl time.Duration) (int64, error) {
	key := UserConcurrentKey(uid)
	n, err := s.Client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	s.Client.Expire(ctx, key, ttl)
	return n, nil
}

func (s *RedisStore) DecrUserConcurrent(ctx context.Context, uid string) error {
	key := UserConcurrentKey(uid)
	n, err := s.Client.Decr(ctx, key).Result()
	if err != nil {
		return err
	}
	if n <= 0 {
		s.Client.Del(ctx, key)
	}
	return nil
}

func (s *RedisStore) GetUserConcurrent(ctx context.Context, uid string) (int64, error) {
	val, err := s.Client.Get(ctx, UserConcurrentKey(uid)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

// --- Sandbox pool: idle queue (LIFO per template) + metadata (§4.5) ---

func (s *RedisStore) PushIdleSandbox(ctx context.Context, templateName, sandboxID string) error {
	return s.Client.LPush(ctx, ScaleboxIdleKey(templateName), sandboxID).Err()
}

// PopIdleSandbox pops the most recently released sandbox (LIFO, so the
// warmest sandbox is reused first).
func (s *RedisStore) PopIdleSandbox(ctx context.Context, templateName string) (string, bool, error) {
	id, err := s.Client.LPop(ctx, ScaleboxIdleKey(templateName)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (s *RedisStore) RemoveIdleSandbox(ctx context.Context, templateName, sandboxID string) error {
	return s.Client.LRem(ctx, ScaleboxIdleKey(templateName), 0, sandboxID).Err()
}

func (s *RedisStore) IdlePoolSize(ctx context.Context, templateName string) (int64, error) {
	return s.Client.LLen(ctx, ScaleboxIdleKey(templateName)).Result()
}

func (s *RedisStore) SaveSandboxMetadata(ctx context.Context, m *SandboxMetadata) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.Client.Set(ctx, ScaleboxMetadataKey(m.SandboxID), data, 0).Err()
}

func (s *RedisStore) GetSandboxMetadata(ctx context.Context, sandboxID string) (*SandboxMetadata, bool, error) {
	data, err := s.Client.Get(ctx, ScaleboxMetadataKey(sandboxID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var m SandboxMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false, err
	}
	return &m, true, nil
}

func (s *RedisStore) DeleteSandboxMetadata(ctx context.Context, sandboxID string) error {
	return s.Client.Del(ctx, ScaleboxMetadataKey(sandboxID)).Err()
}

// TotalSandboxCount scans metadata keys to enforce maxSandboxes (§4.5).
// Acceptable at pool scale (bounded by maxSandboxes); a dedicated
// counter would be the next optimization if pool sizes grow much past
// the hundreds.
func (s *RedisStore) TotalSandboxCount(ctx context.Context) (int, error) {
	var count int
	iter := s.Client.Scan(ctx, 0, "scalebox:metadata:*", 0).Iterator()
	for iter.Next(ctx) {
		count++
	}
	return count, iter.Err()
}
