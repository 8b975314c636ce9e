package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"tagmanager/internal/config"
)

func TestLocalLock(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLock()

	release, err := l.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("first TryAcquire() error = %v", err)
	}
	if _, err := l.TryAcquire(ctx); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second TryAcquire() error = %v, want ErrLockHeld", err)
	}

	release(ctx)
	release(ctx)

	again, err := l.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("TryAcquire() after release error = %v", err)
	}
	again(ctx)
}

func TestRedisLock(t *testing.T) {
	addr := os.Getenv("TAGMANAGER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TAGMANAGER_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client, err := NewRedisClient(ctx, config.RedisConfig{Addr: addr})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	key := "tagmanager:test:lock:" + time.Now().Format(time.RFC3339Nano)
	a := NewRedisLock(client, key, time.Minute)
	b := NewRedisLock(client, key, time.Minute)

	release, err := a.TryAcquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.TryAcquire(ctx); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("contender error = %v, want ErrLockHeld", err)
	}
	if err := release(ctx); err != nil {
		t.Fatal(err)
	}
	releaseB, err := b.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("TryAcquire() after release error = %v", err)
	}
	releaseB(ctx)
}
