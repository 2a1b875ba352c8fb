package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/finrag-core/server/internal/agent/model"
	errx "github.com/finrag-core/server/internal/core/error"
	logx "github.com/finrag-core/server/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// RedisThreadRepository stores thread identity plus the chat history shared
// by all runs of a thread, as a Redis list of JSON turns with a TTL that is
// refreshed on touch.
type RedisThreadRepository struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisThreadRepository(rdb redis.Cmdable, ttl time.Duration) *RedisThreadRepository {
	return &RedisThreadRepository{rdb: rdb, ttl: ttl}
}

func (r *RedisThreadRepository) threadKey(threadID string) string {
	return fmt.Sprintf("thread:%s", threadID)
}

func (r *RedisThreadRepository) historyKey(threadID string) string {
	return fmt.Sprintf("thread:%s:history", threadID)
}

func (r *RedisThreadRepository) CreateThread(ctx context.Context, threadID string) error {
	if err := r.rdb.Set(ctx, r.threadKey(threadID), time.Now().UTC().Format(time.RFC3339), r.ttl).Err(); err != nil {
		logx.Error().Err(err).Str("thread_id", threadID).Msg("failed to create thread")
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisThreadRepository) ThreadExists(ctx context.Context, threadID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.threadKey(threadID)).Result()
	if err != nil {
		return false, errx.WrapRedis(err)
	}
	return n > 0, nil
}

func (r *RedisThreadRepository) AppendHistory(ctx context.Context, threadID string, turns []model.ChatTurn) error {
	if len(turns) == 0 {
		return nil
	}
	key := r.historyKey(threadID)
	vals := make([]any, 0, len(turns))
	for _, t := range turns {
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		vals = append(vals, b)
	}
	if err := r.rdb.RPush(ctx, key, vals...).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to append thread history")
		return errx.WrapRedis(err)
	}
	if r.ttl > 0 {
		if err := r.rdb.Expire(ctx, key, r.ttl).Err(); err != nil {
			return errx.WrapRedis(err)
		}
	}
	return nil
}

func (r *RedisThreadRepository) LoadHistory(ctx context.Context, threadID string) ([]model.ChatTurn, error) {
	rows, err := r.rdb.LRange(ctx, r.historyKey(threadID), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errx.WrapRedis(err)
	}

	turns := make([]model.ChatTurn, 0, len(rows))
	for _, row := range rows {
		var t model.ChatTurn
		if err := json.Unmarshal([]byte(row), &t); err != nil {
			logx.Warn().Err(err).Str("thread_id", threadID).Msg("skipping malformed history turn")
			continue
		}
		turns = append(turns, t)
	}
	return turns, nil
}
