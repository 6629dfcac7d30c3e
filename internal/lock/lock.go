// Package lock implements the distributed locking primitives backing
// the L1 layer of the execute pipeline (§4.6): the cron scan lock, the
// outer per-canvas execute lock, and the inner per-sandbox lock. Lock
// ownership is matched-value (SET NX EX + a Lua compare-and-delete /
// compare-and-renew pair) — grounded on
// itskum47-FluxForge/control_plane/store/redis.go's
// AcquireLock/RenewLock/ReleaseLock/GetLockOwner.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/canvasflow/trigger-core/internal/metrics"
)

// ErrNotHeld is returned when a renew/release is attempted by a token
// that does not currently own the lock.
var ErrNotHeld = errors.New("lock: not held by this token")

// ErrTimeout is returned by WaitHeld when a lock could not be acquired
// within waitTimeout — the raw form of §4.6's SandboxLockTimeoutException.
var ErrTimeout = errors.New("lock: wait timeout")

const renewScript = `
local val = redis.call("get", KEYS[1])
if not val then
	return -1
end
if val == ARGV[1] then
	return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
else
	return -2
end
`

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Manager wraps a redis client with the acquire/renew/release/owner
// primitives used throughout the scan, execute, and sandbox pool
// lock sites.
type Manager struct {
	rdb *redis.Client
}

func NewManager(rdb *redis.Client) *Manager {
	return &Manager{rdb: rdb}
}

// Acquire attempts SET key token NX EX ttl and reports whether this
// caller now owns the lock.
func (m *Manager) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := m.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock acquire %s: %w", key, err)
	}
	return ok, nil
}

// Renew extends ttl iff key is still held by token.
func (m *Manager) Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	res, err := m.rdb.Eval(ctx, renewScript, []string{key}, token, ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("lock renew %s: %w", key, err)
	}
	return res.(int64) == 1, nil
}

// Release deletes key iff it's still held by token. It is always safe
// to call on an already-expired/foreign-owned lock — it simply no-ops.
func (m *Manager) Release(ctx context.Context, key, token string) error {
	_, err := m.rdb.Eval(ctx, releaseScript, []string{key}, token).Result()
	if err != nil {
		return fmt.Errorf("lock release %s: %w", key, err)
	}
	return nil
}

// Owner returns the current token holding key, or "" if unheld.
func (m *Manager) Owner(ctx context.Context, key string) (string, error) {
	val, err := m.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lock owner %s: %w", key, err)
	}
	return val, nil
}

// Held is a live lock with a background renewal goroutine. Callers
// obtain one via AcquireHeld and must call Release to stop renewal
// and drop the lock deterministically — grounded on the renewal-loop
// shape of control_plane/coordination/leader.go's lease maintenance.
type Held struct {
	mgr      *Manager
	key      string
	token    string
	ttl      time.Duration
	cancel   context.CancelFunc
	lostCh   chan struct{}
	released bool
}

// AcquireHeld acquires key and starts a background goroutine that
// renews it at ttl/3 intervals until Release is called or renewal
// fails (lock lost to expiry/takeover), in which case lostCh closes.
func (m *Manager) AcquireHeld(ctx context.Context, key, token string, ttl time.Duration) (*Held, bool, error) {
	return m.AcquireHeldWithRenewal(ctx, key, token, ttl, ttl/3)
}

// WaitHeld polls Acquire every pollInterval until it succeeds, up to
// waitTimeout, then hands back a Held with background renewal at
// renewInterval — the full §4.6 acquisition protocol ("polled every
// lockPollIntervalMs up to lockWaitTimeoutSec; timeout raises
// SandboxLockTimeoutException"). Returns ErrTimeout on exhaustion.
// lockName labels the wait-time histogram (e.g. "execute", "sandbox")
// and carries no semantics of its own.
func (m *Manager) WaitHeld(ctx context.Context, lockName, key, token string, ttl, pollInterval, waitTimeout, renewInterval time.Duration) (*Held, error) {
	start := time.Now()
	defer func() { metrics.LockWaitSeconds.WithLabelValues(lockName).Observe(time.Since(start).Seconds()) }()

	deadline := time.Now().Add(waitTimeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		ok, err := m.Acquire(ctx, key, token, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			renewCtx, cancel := context.WithCancel(context.Background())
			h := &Held{mgr: m, key: key, token: token, ttl: ttl, cancel: cancel, lostCh: make(chan struct{})}
			go h.renewLoop(renewCtx, renewInterval)
			return h, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// AcquireHeldWithRenewal is AcquireHeld with an explicit renewal
// interval, for callers driven by a configured lockRenewalIntervalMs
// (§4.6/§6) rather than a fixed fraction of the TTL.
func (m *Manager) AcquireHeldWithRenewal(ctx context.Context, key, token string, ttl, renewInterval time.Duration) (*Held, bool, error) {
	ok, err := m.Acquire(ctx, key, token, ttl)
	if err != nil || !ok {
		return nil, ok, err
	}
	renewCtx, cancel := context.WithCancel(context.Background())
	h := &Held{mgr: m, key: key, token: token, ttl: ttl, cancel: cancel, lostCh: make(chan struct{})}
	go h.renewLoop(renewCtx, renewInterval)
	return h, true, nil
}

func (h *Held) renewLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ok, err := h.mgr.Renew(ctx, h.key, h.token, h.ttl)
			if err != nil || !ok {
				close(h.lostCh)
				return
			}
		}
	}
}

// Lost reports channel that closes if the lock is lost to expiry or
// takeover before Release is called.
func (h *Held) Lost() <-chan struct{} { return h.lostCh }

// Release stops renewal and deletes the key if still owned.
func (h *Held) Release(ctx context.Context) error {
	if h.released {
		return nil
	}
	h.released = true
	h.cancel()
	return h.mgr.Release(ctx, h.key, h.token)
}
