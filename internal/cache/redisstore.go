package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/perfopt/perfopt/pkg/config"
)

// Each record is a Redis hash with these fields
const (
	redisDataField    = "data"
	redisWrittenField = "written_at"
	redisSizeField    = "size"
)

// redisBatch bounds SCAN page hints and pipelined batches
const redisBatch = 256

// RedisStore is a RecordStore keeping one hash per record under a key prefix
type RedisStore struct {
	client redis.Cmdable
	prefix string
	// owned is set when the store created the client and must close it
	owned *redis.Client
}

// NewRedisStore connects to Redis from the durable tier settings
func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Addr, err)
	}

	s := NewRedisStoreWithClient(client, cfg.Prefix)
	s.owned = client
	return s, nil
}

// NewRedisStoreWithClient returns a store over an existing client. The
// prefix must not contain glob metacharacters.
func NewRedisStoreWithClient(client redis.Cmdable, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(name string) string {
	return s.prefix + name
}

// Put replaces the record's hash in one transaction
func (s *RedisStore) Put(ctx context.Context, name string, data []byte, modTime time.Time) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := s.key(name)
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			redisDataField, data,
			redisWrittenField, modTime.UnixNano(),
			redisSizeField, len(data))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write record %s: %w", name, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, name string) ([]byte, time.Time, error) {
	vals, err := s.client.HMGet(ctx, s.key(name), redisDataField, redisWrittenField).Result()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read record %s: %w", name, err)
	}

	data, ok := vals[0].(string)
	if !ok {
		return nil, time.Time{}, ErrRecordNotFound
	}
	writtenAt, err := parseUnixNano(vals[1])
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("record %s has a malformed write time: %w", name, err)
	}
	return []byte(data), writtenAt, nil
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	n, err := s.client.Del(ctx, s.key(name)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete record %s: %w", name, err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// List scans the prefix and reads each record's write time and size. Records
// removed between the scan and the read are skipped.
func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	keys, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(keys))
	for start := 0; start < len(keys); start += redisBatch {
		batch := keys[start:min(start+redisBatch, len(keys))]

		cmds := make([]*redis.SliceCmd, len(batch))
		_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, key := range batch {
				cmds[i] = pipe.HMGet(ctx, key, redisWrittenField, redisSizeField)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read record metadata: %w", err)
		}

		for i, cmd := range cmds {
			vals := cmd.Val()
			if len(vals) != 2 || vals[0] == nil {
				continue
			}
			writtenAt, err := parseUnixNano(vals[0])
			if err != nil {
				continue
			}
			size, _ := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
			records = append(records, Record{
				Name:    strings.TrimPrefix(batch[i], s.prefix),
				ModTime: writtenAt,
				Size:    size,
			})
		}
	}
	return records, nil
}

// Clear deletes every key under the prefix
func (s *RedisStore) Clear(ctx context.Context) error {
	keys, err := s.scan(ctx)
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += redisBatch {
		batch := keys[start:min(start+redisBatch, len(keys))]
		if err := s.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("failed to delete records: %w", err)
		}
	}
	return nil
}

// Close closes the client when the store created it
func (s *RedisStore) Close() error {
	if s.owned == nil {
		return nil
	}
	return s.owned.Close()
}

// scan lists the keys under the prefix. SCAN may return a key twice.
func (s *RedisStore) scan(ctx context.Context) ([]string, error) {
	var keys []string
	seen := make(map[string]struct{})
	iter := s.client.Scan(ctx, 0, s.prefix+"*", redisBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan records: %w", err)
	}
	return keys, nil
}

func parseUnixNano(v interface{}) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("unexpected value %v", v)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n), nil
}
