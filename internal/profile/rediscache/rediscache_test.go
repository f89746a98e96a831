package rediscache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/switchboard/internal/profile/memstore"
	"github.com/linnemanlabs/switchboard/internal/ticket"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// countingStore counts backing lookups.
type countingStore struct {
	inner *memstore.Store
	calls int
	err   error
}

func (s *countingStore) Get(ctx context.Context, id string) (ticket.Profile, bool, error) {
	s.calls++
	if s.err != nil {
		return nil, false, s.err
	}
	return s.inner.Get(ctx, id)
}

func newBacking() *countingStore {
	ms := memstore.New()
	ms.Put("C-1", ticket.Profile{"customer_id": "C-1", "plan": "pro"})
	return &countingStore{inner: ms}
}

func TestGet_MissThenHit(t *testing.T) {
	t.Parallel()

	mr, client := setupTestRedis(t)
	backing := newBacking()
	c := New(client, backing, time.Minute, log.Nop())
	ctx := context.Background()

	p, ok, err := c.Get(ctx, "C-1")
	if err != nil || !ok || p["plan"] != "pro" {
		t.Fatalf("first Get = %v, %v, %v", p, ok, err)
	}
	if !mr.Exists(Key("C-1")) {
		t.Error("profile was not cached")
	}
	if ttl := mr.TTL(Key("C-1")); ttl != time.Minute {
		t.Errorf("TTL = %v, want 1m", ttl)
	}

	p, ok, err = c.Get(ctx, "C-1")
	if err != nil || !ok || p["plan"] != "pro" {
		t.Fatalf("second Get = %v, %v, %v", p, ok, err)
	}
	if backing.calls != 1 {
		t.Errorf("backing calls = %d, want 1", backing.calls)
	}
}

func TestGet_Expiry(t *testing.T) {
	t.Parallel()

	mr, client := setupTestRedis(t)
	backing := newBacking()
	c := New(client, backing, time.Second, log.Nop())
	ctx := context.Background()

	_, _, _ = c.Get(ctx, "C-1")
	mr.FastForward(2 * time.Second)
	_, _, _ = c.Get(ctx, "C-1")

	if backing.calls != 2 {
		t.Errorf("backing calls = %d, want 2 after expiry", backing.calls)
	}
}

func TestGet_NotFoundIsNotCached(t *testing.T) {
	t.Parallel()

	mr, client := setupTestRedis(t)
	c := New(client, newBacking(), time.Minute, log.Nop())

	_, ok, err := c.Get(context.Background(), "nobody")
	if err != nil || ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if mr.Exists(Key("nobody")) {
		t.Error("miss should not be cached")
	}
}

func TestGet_BackingError(t *testing.T) {
	t.Parallel()

	_, client := setupTestRedis(t)
	backing := newBacking()
	backing.err = errors.New("db down")
	c := New(client, backing, time.Minute, log.Nop())

	if _, _, err := c.Get(context.Background(), "C-1"); err == nil {
		t.Error("expected backing error to surface")
	}
}

func TestGet_RedisDownDegradesToBacking(t *testing.T) {
	t.Parallel()

	mr, client := setupTestRedis(t)
	backing := newBacking()
	c := New(client, backing, time.Minute, log.Nop())
	mr.Close()

	p, ok, err := c.Get(context.Background(), "C-1")
	if err != nil || !ok || p["plan"] != "pro" {
		t.Fatalf("Get = %v, %v, %v", p, ok, err)
	}
	if backing.calls != 1 {
		t.Errorf("backing calls = %d, want 1", backing.calls)
	}
}

func TestGet_CorruptEntry(t *testing.T) {
	t.Parallel()

	mr, client := setupTestRedis(t)
	backing := newBacking()
	c := New(client, backing, time.Minute, log.Nop())
	if err := mr.Set(Key("C-1"), "{not json"); err != nil {
		t.Fatal(err)
	}

	p, ok, err := c.Get(context.Background(), "C-1")
	if err != nil || !ok || p["plan"] != "pro" {
		t.Fatalf("Get = %v, %v, %v", p, ok, err)
	}
	got, _ := mr.Get(Key("C-1"))
	if got == "{not json" {
		t.Error("corrupt entry was not replaced")
	}
}

func TestInvalidate(t *testing.T) {
	t.Parallel()

	mr, client := setupTestRedis(t)
	c := New(client, newBacking(), time.Minute, log.Nop())
	ctx := context.Background()

	_, _, _ = c.Get(ctx, "C-1")
	if err := c.Invalidate(ctx, "C-1"); err != nil {
		t.Fatal(err)
	}
	if mr.Exists(Key("C-1")) {
		t.Error("key still present after Invalidate")
	}
}
