package liststore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

const redisAddressEnv = "SIGNALHUB_TEST_REDIS_ADDR"

type listStore interface {
	PushTail(ctx context.Context, key, value string) error
	PopHead(ctx context.Context, key string) (string, bool, error)
	Length(ctx context.Context, key string) (int64, error)
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

func exerciseFIFO(t *testing.T, store listStore, prefix string) {
	t.Helper()
	ctx := context.Background()
	key := prefix + "1:2"

	for _, value := range []string{"first", "second", "third"} {
		if err := store.PushTail(ctx, key, value); err != nil {
			t.Fatalf("push failed: %v", err)
		}
	}
	if err := store.PushTail(ctx, "unrelated:1:2", "x"); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	length, err := store.Length(ctx, key)
	if err != nil {
		t.Fatalf("length failed: %v", err)
	}
	if length != 3 {
		t.Fatalf("expected length 3, got %d", length)
	}

	keys, err := store.ListKeys(ctx, prefix)
	if err != nil {
		t.Fatalf("list keys failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != key {
		t.Fatalf("unexpected keys: %v", keys)
	}

	for _, expected := range []string{"first", "second", "third"} {
		value, ok, err := store.PopHead(ctx, key)
		if err != nil || !ok {
			t.Fatalf("pop failed: ok=%v err=%v", ok, err)
		}
		if value != expected {
			t.Fatalf("expected %q, got %q", expected, value)
		}
	}

	if _, ok, err := store.PopHead(ctx, key); err != nil || ok {
		t.Fatalf("expected empty pop, got ok=%v err=%v", ok, err)
	}
	keys, err = store.ListKeys(ctx, prefix)
	if err != nil {
		t.Fatalf("list keys failed: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected drained key to disappear, got %v", keys)
	}
}

func TestMemoryStoreDrainsInInsertionOrder(t *testing.T) {
	exerciseFIFO(t, NewMemoryStore(), "message_buffer:")
}

func TestMemoryStoreRejectsUseAfterClose(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := store.PushTail(context.Background(), "k", "v"); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestEscapeGlob(t *testing.T) {
	if escaped := escapeGlob("buf[1]*?"); escaped != `buf\[1\]\*\?` {
		t.Fatalf("unexpected escape: %q", escaped)
	}
}

func TestRedisStoreDrainsInInsertionOrder(t *testing.T) {
	address := os.Getenv(redisAddressEnv)
	if address == "" {
		t.Skipf("%s not set", redisAddressEnv)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewRedisStore(ctx, RedisConfig{Address: address})
	if err != nil {
		t.Fatalf("failed to connect to redis: %v", err)
	}
	defer store.Close()

	exerciseFIFO(t, store, fmt.Sprintf("signalhub_test_%d:", time.Now().UnixNano()))
}
