package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-reader-bot/internal/domain"
)

// RedisExtractionQueue реализует очередь задач извлечения памяти на базе Redis lists.
type RedisExtractionQueue struct {
	client *redis.Client
	key    string
}

var _ domain.ExtractionQueue = (*RedisExtractionQueue)(nil)

// NewRedisExtractionQueue создаёт очередь по указанному ключу.
func NewRedisExtractionQueue(client *redis.Client, key string) *RedisExtractionQueue {
	return &RedisExtractionQueue{client: client, key: key}
}

// Enqueue публикует задачу в очередь.
func (q *RedisExtractionQueue) Enqueue(ctx context.Context, job domain.ExtractionJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Pop блокирующе читает задачу из очереди.
func (q *RedisExtractionQueue) Pop(ctx context.Context) (domain.ExtractionJob, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.ExtractionJob{}, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.ExtractionJob{}, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.ExtractionJob{}, err
		}
		if len(res) != 2 {
			return domain.ExtractionJob{}, errors.New("redis queue: unexpected response")
		}
		var job domain.ExtractionJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return domain.ExtractionJob{}, fmt.Errorf("decode job: %w", err)
		}
		return job, nil
	}
}
