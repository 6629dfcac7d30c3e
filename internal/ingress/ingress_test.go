package ingress

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/canvasflow/trigger-core/internal/store"
)

func newTestStore(t *testing.T) *store.RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return &store.RedisStore{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
}

func TestGateAllowsUnderLimit(t *testing.T) {
	rdb := newTestStore(t)
	gate := NewOpenAPIGate(rdb, NewLocalLimiter(1000, 1000), 5, 100)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := gate.CheckRateLimit(ctx, "user-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestGateBlocksOverRPMLimit(t *testing.T) {
	rdb := newTestStore(t)
	gate := NewOpenAPIGate(rdb, NewLocalLimiter(1000, 1000), 2, 1000)
	ctx := context.Background()

	gate.CheckRateLimit(ctx, "user-2")
	gate.CheckRateLimit(ctx, "user-2")
	res, err := gate.CheckRateLimit(ctx, "user-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatal("third request should have been rate limited")
	}
}

func TestDebounceBlocksDuplicateFingerprint(t *testing.T) {
	rdb := newTestStore(t)
	ctx := context.Background()
	fp := Fingerprint("user-1", "canvas-1", map[string]string{"a": "b"})

	first, err := CheckDebounce(ctx, rdb, "openapi", fp, time.Second)
	if err != nil || !first {
		t.Fatalf("first call should win: ok=%v err=%v", first, err)
	}
	second, err := CheckDebounce(ctx, rdb, "openapi", fp, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second {
		t.Fatal("duplicate fingerprint should be rejected")
	}
}

func TestFingerprintIsDeterministic(t *testing.T) {
	body := map[string]any{"foo": "bar"}
	a := Fingerprint("u1", "scope1", body)
	b := Fingerprint("u1", "scope1", body)
	if a != b {
		t.Fatal("fingerprint should be deterministic for identical input")
	}
	c := Fingerprint("u1", "scope2", body)
	if a == c {
		t.Fatal("fingerprint should differ across scopeId")
	}
}
