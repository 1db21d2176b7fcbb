package liststore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultScanCount = 100

var errMissingRedisAddress = errors.New("liststore: redis address is required")

// RedisConfig describes the Redis connection backing the buffer.
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	ScanCount int64
}

// RedisStore implements the list primitives with RPUSH, LPOP, LLEN and SCAN.
type RedisStore struct {
	client    redis.UniversalClient
	scanCount int64
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errMissingRedisAddress
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("liststore: redis ping failed: %w", err)
	}
	return NewRedisStoreFromClient(client, cfg.ScanCount), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient, scanCount int64) *RedisStore {
	if scanCount <= 0 {
		scanCount = defaultScanCount
	}
	return &RedisStore{client: client, scanCount: scanCount}
}

func (s *RedisStore) PushTail(ctx context.Context, key, value string) error {
	return s.client.RPush(ctx, key, value).Err()
}

func (s *RedisStore) PopHead(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *RedisStore) Length(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, key).Result()
}

// ListKeys walks the keyspace with SCAN; SCAN may repeat keys so results are deduplicated.
func (s *RedisStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	seen := make(map[string]struct{})
	iterator := s.client.Scan(ctx, 0, escapeGlob(prefix)+"*", s.scanCount).Iterator()
	for iterator.Next(ctx) {
		seen[iterator.Val()] = struct{}{}
	}
	if err := iterator.Err(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func escapeGlob(value string) string {
	var builder strings.Builder
	for _, r := range value {
		switch r {
		case '*', '?', '[', ']', '\\':
			builder.WriteRune('\\')
		}
		builder.WriteRune(r)
	}
	return builder.String()
}
