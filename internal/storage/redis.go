package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	logx "travistride/pkg/logx"
)

// auditMaxEntries bounds the redis audit list.
const auditMaxEntries = 10000

type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		addr = "localhost:6379"
	}
	prefix := strings.TrimSpace(cfg.Container)
	if prefix == "" {
		return nil, errors.New("storage.container (redis key prefix) is required")
	}
	return newRedisStore(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, prefix, log), nil
}

func newRedisStore(opts *redis.Options, prefix string, log logx.Logger) *redisStore {
	return &redisStore{rdb: redis.NewClient(opts), prefix: prefix, log: log}
}

func (s *redisStore) blobKey(key string) string { return s.prefix + ":" + key }

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	b, err := s.rdb.Get(ctx, s.blobKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: redis get: %w", err)
	}
	return b, nil
}

func (s *redisStore) Put(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.blobKey(key), data, 0).Err(); err != nil {
		return fmt.Errorf("storage: redis set: %w", err)
	}
	return nil
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := s.prefix + ":audit"
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, b)
	pipe.LTrim(ctx, key, -auditMaxEntries, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storage: redis audit: %w", err)
	}
	return nil
}

func (s *redisStore) Close() error { return s.rdb.Close() }
