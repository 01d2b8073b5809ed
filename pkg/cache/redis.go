package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// TimestampSuffix is appended to a record key to form the key holding its
// millisecond write time
const TimestampSuffix = "_timestamp"

// RedisStore persists records in Redis: the serialized value under
// <namespace>:<key> and the write time under <namespace>:<key>_timestamp
type RedisStore struct {
	client    *redis.Client
	namespace string
	scanCount int64
}

// NewRedisStore creates a Redis-backed store
func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	return &RedisStore{
		client:    client,
		namespace: namespace,
		scanCount: 100,
	}
}

func (s *RedisStore) dataKey(key string) string {
	return s.namespace + ":" + key
}

func (s *RedisStore) timestampKey(key string) string {
	return s.dataKey(key) + TimestampSuffix
}

func (s *RedisStore) Save(ctx context.Context, record PersistedRecord) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.dataKey(record.Key), []byte(record.Value), 0)
	pipe.Set(ctx, s.timestampKey(record.Key), strconv.FormatInt(record.FetchedAt.UnixMilli(), 10), 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save error: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	redisKeys := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		redisKeys = append(redisKeys, s.dataKey(k), s.timestampKey(k))
	}

	if err := s.client.Del(ctx, redisKeys...).Err(); err != nil {
		return fmt.Errorf("redis delete error: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	keys, err := s.scan(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis clear error: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context) ([]PersistedRecord, error) {
	keys, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}

	prefix := s.namespace + ":"
	var names []string
	for _, k := range keys {
		if strings.HasSuffix(k, TimestampSuffix) {
			continue
		}
		names = append(names, strings.TrimPrefix(k, prefix))
	}
	if len(names) == 0 {
		return nil, nil
	}

	lookup := make([]string, 0, len(names)*2)
	for _, n := range names {
		lookup = append(lookup, s.dataKey(n), s.timestampKey(n))
	}

	values, err := s.client.MGet(ctx, lookup...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget error: %w", err)
	}

	records := make([]PersistedRecord, 0, len(names))
	for i, n := range names {
		raw, ok := values[i*2].(string)
		if !ok {
			// deleted between SCAN and MGET
			continue
		}

		rec := PersistedRecord{Key: n, Value: []byte(raw)}
		if ts, ok := values[i*2+1].(string); ok {
			if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
				rec.FetchedAt = time.UnixMilli(ms)
			}
		}
		records = append(records, rec)
	}

	return records, nil
}

// scan lists every Redis key in the namespace without blocking the server
func (s *RedisStore) scan(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.namespace+":*", s.scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan error: %w", err)
	}
	return keys, nil
}
