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

// RedisCheckpointStore keeps one JSON snapshot per (thread, run, step) plus a
// latest-step pointer per run. Redis guarantees per-key atomicity, which is
// the only cross-run safety the orchestrator requires.
type RedisCheckpointStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisCheckpointStore(rdb redis.Cmdable, ttl time.Duration) *RedisCheckpointStore {
	return &RedisCheckpointStore{rdb: rdb, ttl: ttl}
}

func (r *RedisCheckpointStore) stepKey(threadID, runID string, step int) string {
	return fmt.Sprintf("checkpoint:%s:%s:%d", threadID, runID, step)
}

func (r *RedisCheckpointStore) latestKey(threadID, runID string) string {
	return fmt.Sprintf("checkpoint:%s:%s:latest", threadID, runID)
}

func (r *RedisCheckpointStore) Save(ctx context.Context, cp model.Checkpoint) error {
	b, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	key := r.stepKey(cp.ThreadID, cp.RunID, cp.Step)
	if err := r.rdb.Set(ctx, key, b, r.ttl).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to write checkpoint")
		return errx.WrapRedis(err)
	}

	// The latest pointer only ever moves forward; a replayed step must not
	// roll it back.
	latest := r.latestKey(cp.ThreadID, cp.RunID)
	prev, err := r.rdb.Get(ctx, latest).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errx.WrapRedis(err)
	}
	if errors.Is(err, redis.Nil) || cp.Step >= prev {
		if err := r.rdb.Set(ctx, latest, cp.Step, r.ttl).Err(); err != nil {
			return errx.WrapRedis(err)
		}
	}

	logx.Debug().
		Str("thread_id", cp.ThreadID).
		Str("run_id", cp.RunID).
		Int("step", cp.Step).
		Str("node", cp.Node).
		Msg("checkpoint persisted")
	return nil
}

func (r *RedisCheckpointStore) Latest(ctx context.Context, threadID, runID string) (*model.Checkpoint, error) {
	step, err := r.rdb.Get(ctx, r.latestKey(threadID, runID)).Int()
	if err != nil {
		return nil, errx.WrapRedis(err)
	}
	return r.load(ctx, threadID, runID, step)
}

func (r *RedisCheckpointStore) List(ctx context.Context, threadID, runID string) ([]model.Checkpoint, error) {
	last, err := r.rdb.Get(ctx, r.latestKey(threadID, runID)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errx.WrapRedis(err)
	}

	out := make([]model.Checkpoint, 0, last+1)
	for step := 0; step <= last; step++ {
		cp, err := r.load(ctx, threadID, runID, step)
		if err != nil {
			// Steps can expire independently; skip holes instead of failing
			// the whole listing.
			var appErr *errx.AppError
			if errors.As(err, &appErr) && appErr.Status == 404 {
				continue
			}
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, nil
}

func (r *RedisCheckpointStore) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisCheckpointStore) load(ctx context.Context, threadID, runID string, step int) (*model.Checkpoint, error) {
	raw, err := r.rdb.Get(ctx, r.stepKey(threadID, runID, step)).Bytes()
	if err != nil {
		return nil, errx.WrapRedis(err)
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint %s/%s/%d: %w", threadID, runID, step, err)
	}
	return &cp, nil
}
