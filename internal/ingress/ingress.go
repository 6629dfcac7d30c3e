// Package ingress implements the Trigger Ingress Gate (C3): the three
// guards applied, in order, to every inbound trigger HTTP call — auth/
// uid resolution, RPM+daily rate limiting with the four X-RateLimit-*
// headers, and fingerprint debounce — plus the webhook config cache
// (§4.3, P5/P6).
//
// Rate limiting is layered: the Redis-atomic counters here are the
// source of truth (durable, cross-replica), backed by an in-process
// golang.org/x/time/rate token bucket as a cheap secondary guard
// against a single hot replica hammering Redis — grounded on
// itskum47-FluxForge/control_plane/scheduler/limiter.go's
// TokenBucketLimiter.
package ingress

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/canvasflow/trigger-core/internal/metrics"
	"github.com/canvasflow/trigger-core/internal/store"
)

// LocalLimiter is the in-process secondary token-bucket guard,
// grounded on the teacher's TokenBucketLimiter.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

func NewLocalLimiter(ratePerSec float64, burst int) *LocalLimiter {
	return &LocalLimiter{limiters: make(map[string]*rate.Limiter), r: rate.Limit(ratePerSec), burst: burst}
}

func (l *LocalLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.r, l.burst)
		l.limiters[key] = lim
	}
	return lim.Allow()
}

// RateLimitResult carries the four X-RateLimit-* headers (§4.3).
type RateLimitResult struct {
	Allowed         bool
	LimitRPM        int
	RemainingRPM    int
	LimitDaily      int
	RemainingDaily  int
	ResetRPMSeconds int
}

// Gate bundles the Redis store + local limiter for one namespace
// (openapi or webhook), each with its own RPM/daily limits and key
// builders.
type Gate struct {
	redis      *store.RedisStore
	local      *LocalLimiter
	rpmLimit   int
	dailyLimit int
	rpmKeyFn   func(id string) string
	dailyKeyFn func(id string) string
	surface    string
}

// rpmWindow/dailyWindow are fixed per §4.3 — not configurable, since
// the 100/10000 limits are specified against exactly these windows.
const (
	rpmWindow   = 60 * time.Second
	dailyWindow = 24 * time.Hour
)

// NewOpenAPIGate builds the gate for /v1/openapi/* traffic, keyed by
// resolved uid.
func NewOpenAPIGate(rdb *store.RedisStore, local *LocalLimiter, rpmLimit, dailyLimit int) *Gate {
	return &Gate{
		redis: rdb, local: local, rpmLimit: rpmLimit, dailyLimit: dailyLimit,
		rpmKeyFn: store.OpenAPIRateLimitRPMKey, dailyKeyFn: store.OpenAPIRateLimitDailyKey,
		surface: "openapi",
	}
}

// NewWebhookGate builds the gate for /v1/openapi/webhook/{webhookId}/run
// traffic, keyed by webhookId.
func NewWebhookGate(rdb *store.RedisStore, local *LocalLimiter, rpmLimit, dailyLimit int) *Gate {
	return &Gate{
		redis: rdb, local: local, rpmLimit: rpmLimit, dailyLimit: dailyLimit,
		rpmKeyFn: store.WebhookRateLimitRPMKey, dailyKeyFn: store.WebhookRateLimitDailyKey,
		surface: "webhook",
	}
}

// CheckRateLimit atomically increments the RPM and daily counters for
// id and reports whether the request is allowed plus the headers to
// echo back. On any Redis error it fails OPEN (allows the request) —
// an ingress outage must not become a trigger outage (§4.3).
func (g *Gate) CheckRateLimit(ctx context.Context, id string) (RateLimitResult, error) {
	if !g.local.Allow(id) {
		metrics.RateLimited.WithLabelValues(g.surface, "rpm").Inc()
		return RateLimitResult{Allowed: false, LimitRPM: g.rpmLimit, LimitDaily: g.dailyLimit}, nil
	}

	rpmCount, err := g.redis.IncrWithTTLIfAbsent(ctx, g.rpmKeyFn(id), rpmWindow)
	if err != nil {
		return RateLimitResult{Allowed: true}, nil
	}
	dailyCount, err := g.redis.IncrWithTTLIfAbsent(ctx, g.dailyKeyFn(id), dailyWindow)
	if err != nil {
		return RateLimitResult{Allowed: true}, nil
	}

	ttl, _ := g.redis.TTL(ctx, g.rpmKeyFn(id))

	res := RateLimitResult{
		LimitRPM:        g.rpmLimit,
		RemainingRPM:    max0(g.rpmLimit - int(rpmCount)),
		LimitDaily:      g.dailyLimit,
		RemainingDaily:  max0(g.dailyLimit - int(dailyCount)),
		ResetRPMSeconds: int(ttl.Seconds()),
	}
	res.Allowed = int(rpmCount) <= g.rpmLimit && int(dailyCount) <= g.dailyLimit
	if !res.Allowed {
		window := "rpm"
		if int(dailyCount) > g.dailyLimit {
			window = "daily"
		}
		metrics.RateLimited.WithLabelValues(g.surface, window).Inc()
	}
	return res, nil
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// Fingerprint computes md5(uid ":" scopeId ":" canonicalJSON(body)),
// per §4.3: scopeId is canvasId for the API surface or webhookId for
// the webhook surface. body is re-marshaled through encoding/json to
// canonicalize key ordering before hashing.
func Fingerprint(uid, scopeID string, body any) string {
	canonical, _ := json.Marshal(body)
	h := md5.New()
	h.Write([]byte(uid))
	h.Write([]byte{':'})
	h.Write([]byte(scopeID))
	h.Write([]byte{':'})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// CheckDebounce returns true if this fingerprint has not been seen
// within the last debounceTTL (i.e. the caller should proceed). Fails
// open on Redis errors. Both trigger surfaces share one debounce
// namespace per §4.3.
func CheckDebounce(ctx context.Context, rdb *store.RedisStore, surface, fingerprint string, debounceTTL time.Duration) (bool, error) {
	ok, err := rdb.SetNXDebounce(ctx, store.DebounceKey(fingerprint), debounceTTL)
	if err != nil {
		return true, nil
	}
	if !ok {
		metrics.DebounceRejected.WithLabelValues(surface).Inc()
	}
	return ok, nil
}

// GetWebhookConfig returns a webhook's config, preferring the 5-minute
// Redis cache and falling back to the durable store on a cache miss
// (§4.3).
func GetWebhookConfig(ctx context.Context, rdb *store.RedisStore, durable WebhookLoader, webhookID string, ttl time.Duration) (*store.Webhook, error) {
	if w, ok, err := rdb.GetCachedWebhookConfig(ctx, webhookID); err == nil && ok {
		return w, nil
	}
	w, err := durable.GetWebhook(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	_ = rdb.CacheWebhookConfig(ctx, webhookID, w, ttl)
	return w, nil
}

// InvalidateWebhookConfig must be called on every enable/update/reset/
// disable so the next trigger reads fresh config instead of a stale
// cache entry.
func InvalidateWebhookConfig(ctx context.Context, rdb *store.RedisStore, webhookID string) error {
	return rdb.InvalidateWebhookConfig(ctx, webhookID)
}

// WebhookLoader is the durable-store dependency GetWebhookConfig needs.
type WebhookLoader interface {
	GetWebhook(ctx context.Context, webhookID string) (*store.Webhook, error)
}
