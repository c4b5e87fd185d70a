package cache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T, ttl time.Duration) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, ttl), mr
}

func TestCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, time.Hour)

	key := Key("summarize", map[string]any{"text": "hello"})
	if _, hit := c.Get(ctx, key); hit {
		t.Fatal("expected miss before set")
	}

	c.Set(ctx, key, map[string]any{"summary": "hi"})
	out, hit := c.Get(ctx, key)
	if !hit {
		t.Fatal("expected hit after set")
	}
	if out["summary"] != "hi" {
		t.Fatalf("cached output = %v, want summary=hi", out)
	}
}

func TestCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t, time.Hour)

	key := Key("summarize", map[string]any{"text": "hello"})
	c.Set(ctx, key, map[string]any{"summary": "hi"})

	mr.FastForward(2 * time.Hour)
	if _, hit := c.Get(ctx, key); hit {
		t.Fatal("expected expired entry to be a miss")
	}
}

func TestKeyStable(t *testing.T) {
	a := Key("summarize", map[string]any{"text": "hello", "lang": "en"})
	b := Key("summarize", map[string]any{"lang": "en", "text": "hello"})
	if a != b {
		t.Fatalf("same input produced different keys: %s vs %s", a, b)
	}
	if Key("analyze", map[string]any{"text": "hello", "lang": "en"}) == a {
		t.Fatal("different job types must not share keys")
	}
	if Key("summarize", map[string]any{"text": "other"}) == a {
		t.Fatal("different inputs must not share keys")
	}
}

func TestCacheFailOpen(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t, time.Hour)
	key := Key("summarize", map[string]any{"text": "hello"})
	mr.Close()

	// Backend down: get degrades to a miss, set is silent. Neither may error
	// or panic; job execution must proceed.
	if _, hit := c.Get(ctx, key); hit {
		t.Fatal("expected miss when backend is down")
	}
	c.Set(ctx, key, map[string]any{"summary": "hi"})
}
