package cache

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisCacheGetMissingReturnsEmpty(t *testing.T) {
	c, _ := newTestCache(t)
	val, err := c.Get(context.Background(), "judge:missing")
	if err != nil || val != "" {
		t.Fatalf("expected empty value and nil error, got %q %v", val, err)
	}
}

func TestRedisCacheLockLifecycle(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	ok, err := c.TryLock(ctx, "judge:lock:1", time.Second)
	if err != nil || !ok {
		t.Fatalf("expected first lock to succeed: %v", err)
	}
	ok, _ = c.TryLock(ctx, "judge:lock:1", time.Second)
	if ok {
		t.Fatal("expected second lock to fail")
	}
	if err := c.ExtendLock(ctx, "judge:lock:1", time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if ttl := mr.TTL("judge:lock:1"); ttl != time.Minute {
		t.Fatalf("expected extended ttl, got %v", ttl)
	}
	if err := c.Unlock(ctx, "judge:lock:1"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	n, _ := c.Exists(ctx, "judge:lock:1")
	if n != 0 {
		t.Fatal("expected lock key removed")
	}
}

func TestGetWithCachedCachesValuesAndNulls(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	calls := 0
	fetch := func(v int) func(context.Context) (int, error) {
		return func(context.Context) (int, error) {
			calls++
			return v, nil
		}
	}
	isEmpty := func(v int) bool { return v == 0 }
	marshal := func(v int) (string, error) { return strconv.Itoa(v), nil }

	for i := 0; i < 2; i++ {
		got, err := GetWithCached(ctx, c, "k:7", time.Minute, time.Second, isEmpty, marshal, strconv.Atoi, fetch(7))
		if err != nil || got != 7 {
			t.Fatalf("unexpected result %d %v", got, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one fetch, got %d", calls)
	}

	for i := 0; i < 2; i++ {
		got, _ := GetWithCached(ctx, c, "k:0", time.Minute, time.Second, isEmpty, marshal, strconv.Atoi, fetch(0))
		if got != 0 {
			t.Fatalf("expected zero value, got %d", got)
		}
	}
	if calls != 2 {
		t.Fatalf("expected null value to be cached, fetch calls %d", calls)
	}

	wantErr := errors.New("db down")
	_, err := GetWithCached(ctx, c, "k:err", time.Minute, time.Second, isEmpty, marshal, strconv.Atoi,
		func(context.Context) (int, error) { return 0, wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected fetch error, got %v", err)
	}
}

func TestJitterTTL(t *testing.T) {
	for i := 0; i < 20; i++ {
		got := JitterTTL(10 * time.Second)
		if got > 10*time.Second || got < 9*time.Second {
			t.Fatalf("jitter out of range: %v", got)
		}
	}
	if JitterTTL(0) != 0 {
		t.Fatal("zero ttl should stay zero")
	}
}
