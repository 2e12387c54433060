package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "lifeline:token:"

// RedisStore keeps each record under prefix+name.
type RedisStore struct {
	db            redis.UniversalClient
	prefix        string
	scanBatchSize int64
}

// ConnectRedis parses url and pings the server, retrying a few times for
// servers that are still starting.
func ConnectRedis(ctx context.Context, url string, attempts int, interval time.Duration) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for range attempts {
		client := redis.NewClient(opt)
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(lastErr, ctx.Err())
		case <-time.After(interval):
		}
	}
	return nil, fmt.Errorf("redis not ready: %w", lastErr)
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{db: client, prefix: prefix, scanBatchSize: 1000}
}

func (s *RedisStore) key(name string) string {
	return s.prefix + name
}

func (s *RedisStore) Get(ctx context.Context, name string) (*Record, error) {
	data, err := s.db.Get(ctx, s.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token: %w", err)
	}
	return Decode(data)
}

func (s *RedisStore) Set(ctx context.Context, name string, rec *Record) error {
	data, err := Encode(rec)
	if err != nil {
		return err
	}
	if err := s.db.Set(ctx, s.key(name), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	if err := s.db.Del(ctx, s.key(name)).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// List walks the keyspace with SCAN so large databases are not blocked.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		names  []string
	)
	for {
		keys, next, err := s.db.Scan(ctx, cursor, s.prefix+"*", s.scanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list tokens: %w", err)
		}
		for _, k := range keys {
			names = append(names, strings.TrimPrefix(k, s.prefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return sortedNames(names), nil
}

func (s *RedisStore) Close() error {
	return s.db.Close()
}
