package storage

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 5 * time.Second

// RedisStore persists notebook storage under a per-notebook key prefix,
// with JSON-serialized values. Suitable when several server instances share
// one notebook's state.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

var _ Store = (*RedisStore)(nil)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix sets the key prefix, normally scoped per notebook.
// Default: "nodebook:storage:".
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithRedisLogger sets the logger for degraded operations.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(s *RedisStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewRedisStore wraps an existing client. The caller keeps ownership of the
// client; Close here does not close it.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "nodebook:storage:",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("storage", "redis")
	return s
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), redisOpTimeout)
}

func (s *RedisStore) Get(key string) (any, bool) {
	ctx, cancel := s.opCtx()
	defer cancel()

	raw, err := s.client.Get(ctx, s.key(key)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("get failed", "key", key, "err", err)
		}
		return nil, false
	}

	var v any
	if err := sonic.UnmarshalString(raw, &v); err != nil {
		s.logger.Warn("stored value not decodable", "key", key, "err", err)
		return nil, false
	}
	return v, true
}

func (s *RedisStore) Set(key string, value any) {
	raw, err := sonic.MarshalString(value)
	if err != nil {
		s.logger.Warn("value not serializable, dropped", "key", key, "err", err)
		return
	}

	ctx, cancel := s.opCtx()
	defer cancel()
	if err := s.client.Set(ctx, s.key(key), raw, 0).Err(); err != nil {
		s.logger.Warn("set failed", "key", key, "err", err)
	}
}

func (s *RedisStore) Has(key string) bool {
	ctx, cancel := s.opCtx()
	defer cancel()

	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		s.logger.Warn("has failed", "key", key, "err", err)
		return false
	}
	return n > 0
}

func (s *RedisStore) Delete(key string) {
	ctx, cancel := s.opCtx()
	defer cancel()

	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		s.logger.Warn("delete failed", "key", key, "err", err)
	}
}

func (s *RedisStore) Keys() []string {
	ctx, cancel := s.opCtx()
	defer cancel()

	full, err := s.client.Keys(ctx, s.prefix+"*").Result()
	if err != nil {
		s.logger.Warn("keys failed", "err", err)
		return nil
	}

	keys := make([]string, 0, len(full))
	for _, k := range full {
		keys = append(keys, strings.TrimPrefix(k, s.prefix))
	}
	sort.Strings(keys)
	return keys
}

func (s *RedisStore) Clear() {
	ctx, cancel := s.opCtx()
	defer cancel()

	full, err := s.client.Keys(ctx, s.prefix+"*").Result()
	if err != nil {
		s.logger.Warn("clear failed", "err", err)
		return
	}
	if len(full) == 0 {
		return
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil {
		s.logger.Warn("clear delete failed", "err", err)
	}
}

func (s *RedisStore) Snapshot() map[string]any {
	ctx, cancel := s.opCtx()
	defer cancel()

	full, err := s.client.Keys(ctx, s.prefix+"*").Result()
	if err != nil {
		s.logger.Warn("snapshot failed", "err", err)
		return map[string]any{}
	}
	out := make(map[string]any, len(full))
	if len(full) == 0 {
		return out
	}

	raws, err := s.client.MGet(ctx, full...).Result()
	if err != nil {
		s.logger.Warn("snapshot mget failed", "err", err)
		return out
	}
	for i, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var v any
		if err := sonic.UnmarshalString(str, &v); err != nil {
			s.logger.Warn("stored value not decodable, skipped", "key", full[i], "err", err)
			continue
		}
		out[strings.TrimPrefix(full[i], s.prefix)] = v
	}
	return out
}

// Load replaces the prefix's contents using one pipeline.
func (s *RedisStore) Load(data map[string]any) {
	s.Clear()

	ctx, cancel := s.opCtx()
	defer cancel()

	pipe := s.client.Pipeline()
	for k, v := range data {
		raw, err := sonic.MarshalString(v)
		if err != nil {
			s.logger.Warn("value not serializable, skipped", "key", k, "err", err)
			continue
		}
		pipe.Set(ctx, s.key(k), raw, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("load failed", "err", err)
	}
}

// Close marks the store done. The shared client stays open for its owner.
func (s *RedisStore) Close() error {
	return nil
}
