package ntctl

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ntracing/ntd/internal/cache"
	"github.com/ntracing/ntd/internal/constants"
)

// ResumeCursor caches the timestamp of the last event an `ntctl events
// --resume` invocation observed for one task, so a reconnecting client
// skips events it has already printed/uploaded instead of replaying the
// whole in-memory ring buffer from the daemon.
//
// This is deliberately a CLI-side convenience (SPEC_FULL §11's dependency
// table): the daemon itself persists nothing (§1 Non-goals), so the
// cursor lives in Redis under the CLI's own key namespace, not in ntd.
type ResumeCursor struct {
	redis *cache.Redis
}

// NewResumeCursor connects to Redis at addr for cursor storage.
func NewResumeCursor(addr string, logger *zap.Logger) (*ResumeCursor, error) {
	cfg := cache.DefaultRedisConfig()
	cfg.Addr = addr
	r, err := cache.NewRedis(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &ResumeCursor{redis: r}, nil
}

func resumeKey(taskID string) string {
	return constants.RedisResumeKeyBase + taskID
}

// Load returns the last-seen event timestamp (UNIX-epoch nanoseconds) for
// taskID, or 0 if no cursor has been stored yet.
func (r *ResumeCursor) Load(ctx context.Context, taskID string) (int64, error) {
	val, err := r.redis.Get(ctx, resumeKey(taskID))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	ts, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing cached cursor: %w", err)
	}
	return ts, nil
}

// Save stores timestampNs as taskID's cursor, so the next `--resume` run
// skips everything up to and including it.
func (r *ResumeCursor) Save(ctx context.Context, taskID string, timestampNs int64) error {
	return r.redis.Set(ctx, resumeKey(taskID), timestampNs, constants.RedisResumeTTL)
}

func (r *ResumeCursor) Close() error {
	return r.redis.Close()
}
