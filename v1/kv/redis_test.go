package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	adlockerrors "github.com/mirkobrombin/go-adlock/v1/errors"
)

func newRedisStore(t *testing.T) (*Redis, *miniredis.Miniredis, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedis(client), mr, context.Background()
}

func TestRedisSetIfAbsentSingleWinner(t *testing.T) {
	s, mr, ctx := newRedisStore(t)

	ok, err := s.SetIfAbsentWithExpiry(ctx, "lock:car-123", "alice", 10)
	if err != nil || !ok {
		t.Fatalf("first set: ok %v err %v", ok, err)
	}
	ok, err = s.SetIfAbsentWithExpiry(ctx, "lock:car-123", "bob", 10)
	if err != nil || ok {
		t.Fatalf("second set should lose: ok %v err %v", ok, err)
	}
	if v, _ := mr.Get("lock:car-123"); v != "alice" {
		t.Fatalf("expected alice, got %q", v)
	}
	if ttl := mr.TTL("lock:car-123"); ttl != 10*time.Second {
		t.Fatalf("expected ttl 10s, got %v", ttl)
	}
}

func TestRedisGetAndTTLSentinels(t *testing.T) {
	s, mr, ctx := newRedisStore(t)

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("get missing: ok %v err %v", ok, err)
	}
	if ttl, err := s.GetTTL(ctx, "missing"); err != nil || ttl != TTLAbsent {
		t.Fatalf("ttl missing: %d err %v", ttl, err)
	}

	_ = mr.Set("forever", "x")
	if ttl, err := s.GetTTL(ctx, "forever"); err != nil || ttl != TTLNoExpiry {
		t.Fatalf("ttl forever: %d err %v", ttl, err)
	}

	if _, err := s.SetIfAbsentWithExpiry(ctx, "k", "v", 10); err != nil {
		t.Fatalf("set: %v", err)
	}
	mr.FastForward(3 * time.Second)
	if ttl, err := s.GetTTL(ctx, "k"); err != nil || ttl != 7 {
		t.Fatalf("expected ttl 7, got %d err %v", ttl, err)
	}
	if v, ok, err := s.Get(ctx, "k"); err != nil || !ok || v != "v" {
		t.Fatalf("get: %q ok %v err %v", v, ok, err)
	}
}

func TestRedisExtendExpiry(t *testing.T) {
	s, mr, ctx := newRedisStore(t)

	if ok, err := s.ExtendExpiry(ctx, "k", 10); err != nil || ok {
		t.Fatalf("extend missing: ok %v err %v", ok, err)
	}
	_, _ = s.SetIfAbsentWithExpiry(ctx, "k", "v", 10)
	if ok, err := s.ExtendExpiry(ctx, "k", 17); err != nil || !ok {
		t.Fatalf("extend: ok %v err %v", ok, err)
	}
	if ttl := mr.TTL("k"); ttl != 17*time.Second {
		t.Fatalf("expected 17s, got %v", ttl)
	}
	mr.FastForward(18 * time.Second)
	if mr.Exists("k") {
		t.Fatal("key should have expired")
	}
}

func TestRedisDeleteIfValue(t *testing.T) {
	s, mr, ctx := newRedisStore(t)
	_, _ = s.SetIfAbsentWithExpiry(ctx, "k", "alice", 10)

	if ok, err := s.DeleteIfValue(ctx, "k", "bob"); err != nil || ok {
		t.Fatalf("non-owner delete: ok %v err %v", ok, err)
	}
	if !mr.Exists("k") {
		t.Fatal("non-owner delete must not remove the key")
	}
	if ok, err := s.DeleteIfValue(ctx, "k", "alice"); err != nil || !ok {
		t.Fatalf("owner delete: ok %v err %v", ok, err)
	}
	if mr.Exists("k") {
		t.Fatal("owner delete should remove the key")
	}
	if ok, err := s.DeleteIfValue(ctx, "k", "alice"); err != nil || ok {
		t.Fatalf("delete absent: ok %v err %v", ok, err)
	}
}

func TestRedisDelete(t *testing.T) {
	s, mr, ctx := newRedisStore(t)
	_, _ = s.SetIfAbsentWithExpiry(ctx, "k", "alice", 10)
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if mr.Exists("k") {
		t.Fatal("key should be gone")
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete absent: %v", err)
	}
}

func TestRedisUnavailable(t *testing.T) {
	s, mr, ctx := newRedisStore(t)
	mr.Close()

	_, err := s.SetIfAbsentWithExpiry(ctx, "k", "v", 10)
	if !errors.Is(err, adlockerrors.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if !adlockerrors.Retryable(err) {
		t.Fatal("expected retryable error")
	}
}

func TestRedisReplyErrorNotUnavailable(t *testing.T) {
	s, mr, ctx := newRedisStore(t)
	_, _ = mr.Lpush("list", "x")

	_, _, err := s.Get(ctx, "list")
	if err == nil {
		t.Fatal("expected WRONGTYPE error")
	}
	if errors.Is(err, adlockerrors.ErrStoreUnavailable) {
		t.Fatalf("reply errors must not be classified as unavailable: %v", err)
	}
}
