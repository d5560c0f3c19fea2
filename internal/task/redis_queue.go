package task

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"LX-Agent/internal/config"
	xerrors "LX-Agent/internal/errors"
)

const defaultRedisQueueKey = "lxagent:tasks"

// RedisQueue 用 Redis list 作为跨进程任务队列，
// 生产端 LPUSH、消费端 BRPOP，多个实例可以共享同一个队列。
type RedisQueue struct {
	client    *redis.Client
	key       string
	blockWait time.Duration
}

// NewRedisQueue 连接 Redis 并校验可达性。
func NewRedisQueue(ctx context.Context, cfg config.RedisConfig) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}

	key := cfg.Queue
	if key == "" {
		key = defaultRedisQueueKey
	}
	blockWait := 5 * time.Second
	if cfg.BlockWaitSec > 0 {
		blockWait = time.Duration(cfg.BlockWaitSec) * time.Second
	}
	return &RedisQueue{client: client, key: key, blockWait: blockWait}, nil
}

// Enqueue 投递任务 ID。
func (q *RedisQueue) Enqueue(ctx context.Context, id string) error {
	if err := q.client.LPush(ctx, q.key, id).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "任务入队失败")
	}
	return nil
}

// Dequeue 阻塞取出任务 ID。BRPOP 以有限超时轮询，
// 保证上下文取消能在一个阻塞周期内生效。
func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	for {
		values, err := q.client.BRPop(ctx, q.blockWait, q.key).Result()
		if err == nil {
			// BRPOP 返回 [key, value]。
			if len(values) == 2 {
				return values[1], nil
			}
			continue
		}
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return "", xerrors.Wrap(xerrors.CodeQueueFailure, ctx.Err(), "出队被取消")
			}
			continue
		}
		if ctx.Err() != nil {
			return "", xerrors.Wrap(xerrors.CodeQueueFailure, ctx.Err(), "出队被取消")
		}
		return "", xerrors.Wrap(xerrors.CodeQueueFailure, err, "任务出队失败")
	}
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
