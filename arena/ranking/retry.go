package ranking

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"arenaserver/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const retryKey = "ranking:retry"

// RetryQueue holds participants whose ranking recompute has to be tried again later.
type RetryQueue interface {
	Push(ctx context.Context, participantIDs ...string) error
	Pop(ctx context.Context, n int64) ([]string, error)
}

type RedisRetryQueue struct {
	rdb *redis.Client
	key string
}

func NewRedisRetryQueue(rdb *redis.Client) *RedisRetryQueue {
	return &RedisRetryQueue{rdb: rdb, key: retryKey}
}

func (q *RedisRetryQueue) Push(ctx context.Context, participantIDs ...string) error {
	if len(participantIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(participantIDs))
	for i, id := range participantIDs {
		members[i] = id
	}
	return q.rdb.SAdd(ctx, q.key, members...).Err()
}

func (q *RedisRetryQueue) Pop(ctx context.Context, n int64) ([]string, error) {
	ids, err := q.rdb.SPopN(ctx, q.key, n).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return ids, err
}

// MemoryRetryQueue is used when no Redis is configured.
type MemoryRetryQueue struct {
	mu  sync.Mutex
	set map[string]struct{}
}

func NewMemoryRetryQueue() *MemoryRetryQueue {
	return &MemoryRetryQueue{set: make(map[string]struct{})}
}

func (q *MemoryRetryQueue) Push(_ context.Context, participantIDs ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range participantIDs {
		q.set[id] = struct{}{}
	}
	return nil
}

func (q *MemoryRetryQueue) Pop(_ context.Context, n int64) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.set))
	for id := range q.set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if int64(len(ids)) > n {
		ids = ids[:n]
	}
	for _, id := range ids {
		delete(q.set, id)
	}
	return ids, nil
}

type Recomputer interface {
	Recompute(ctx context.Context, participantID string) ([]models.RankingRecord, error)
}

// Updater runs recomputes off the request path. Failed recomputes are retried with
// linear backoff and finally parked on the retry queue for the maintenance job.
type Updater struct {
	ctx        context.Context
	recomputer Recomputer
	queue      RetryQueue
	logger     *zap.Logger
	attempts   int
	backoff    time.Duration
	wg         sync.WaitGroup
}

func NewUpdater(ctx context.Context, r Recomputer, q RetryQueue, logger *zap.Logger, attempts int, backoff time.Duration) *Updater {
	if attempts <= 0 {
		attempts = 1
	}
	return &Updater{ctx: ctx, recomputer: r, queue: q, logger: logger, attempts: attempts, backoff: backoff}
}

// Trigger starts one background recompute per participant and returns immediately.
func (u *Updater) Trigger(participantIDs ...string) {
	for _, id := range participantIDs {
		u.wg.Add(1)
		go func(id string) {
			defer u.wg.Done()
			u.recomputeWithRetry(id)
		}(id)
	}
}

func (u *Updater) recomputeWithRetry(id string) {
	var err error
	for attempt := 1; attempt <= u.attempts; attempt++ {
		if _, err = u.recomputer.Recompute(u.ctx, id); err == nil {
			return
		}
		u.logger.Warn("ランキング再計算に失敗", zap.String("participantID", id), zap.Int("attempt", attempt), zap.Error(err))
		if attempt == u.attempts {
			break
		}
		select {
		case <-u.ctx.Done():
			attempt = u.attempts
		case <-time.After(u.backoff * time.Duration(attempt)):
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if qerr := u.queue.Push(ctx, id); qerr != nil {
		u.logger.Error("ランキング再計算を断念", zap.String("participantID", id), zap.Error(err), zap.NamedError("queueError", qerr))
		return
	}
	u.logger.Error("ランキング再計算をリトライキューへ移動", zap.String("participantID", id), zap.Error(err))
}

// Drain recomputes up to n parked participants. Failures go back on the queue.
func (u *Updater) Drain(ctx context.Context, n int64) (int, error) {
	ids, err := u.queue.Pop(ctx, n)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, id := range ids {
		if _, err := u.recomputer.Recompute(ctx, id); err != nil {
			u.logger.Warn("リトライキューの再計算に失敗", zap.String("participantID", id), zap.Error(err))
			if qerr := u.queue.Push(ctx, id); qerr != nil {
				u.logger.Error("リトライキューへの再登録に失敗", zap.String("participantID", id), zap.Error(qerr))
			}
			continue
		}
		done++
	}
	return done, nil
}

// Wait blocks until every triggered recompute has finished.
func (u *Updater) Wait() {
	u.wg.Wait()
}
