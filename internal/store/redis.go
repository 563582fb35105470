package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces cache keys when no prefix is configured.
const DefaultRedisPrefix = "aicache"

// Redis keeps one list per prompt under <prefix>:rec:<sha256(prompt)>.
// Records are RPUSHed so the tail of the list is the newest answer, and
// a set <prefix>:prompts tracks which prompts have been stored.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to redisURL (redis://[user:pass@]host:port/db).
func NewRedis(ctx context.Context, redisURL, prefix string) (*Redis, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis store: %w", err)
	}
	return NewRedisClient(client, prefix), nil
}

// NewRedisClient wraps an existing client.
func NewRedisClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) recordKey(prompt string) string {
	return r.prefix + ":rec:" + promptHash(prompt)
}

func (r *Redis) indexKey() string {
	return r.prefix + ":prompts"
}

// Lookup reads the newest record for prompt.
func (r *Redis) Lookup(ctx context.Context, prompt string) (string, bool, error) {
	line, err := r.client.LIndex(ctx, r.recordKey(prompt), -1).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup cache record: %w", err)
	}
	stored, answer, ok := DecodeRecord(line)
	if !ok {
		reportSkipped(nil, "cache", 1)
		return "", false, nil
	}
	if stored != prompt {
		return "", false, nil
	}
	return answer, true, nil
}

// Append pushes a record and indexes the prompt in one transaction.
func (r *Redis) Append(ctx context.Context, prompt, answer string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, r.recordKey(prompt), EncodeRecord(prompt, answer))
		pipe.SAdd(ctx, r.indexKey(), promptHash(prompt))
		return nil
	})
	if err != nil {
		return fmt.Errorf("append cache record: %w", err)
	}
	return nil
}

// Len returns the number of distinct prompts.
func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := r.client.SCard(ctx, r.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count cache records: %w", err)
	}
	return int(n), nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
