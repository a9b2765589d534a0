// Package broker implements the Redis queue broker
package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/interfaces"
)

const (
	queuePrefix      = "backfin:queue:"
	processingPrefix = "backfin:processing:"
	queuedMarkPrefix = "ann:queued:"
	retriesKey       = "backfin:retries"
	metaKey          = "backfin:processing:meta"
	payloadKey       = "backfin:processing:payload"
	eventsChannel    = "backfin:events"
)

// Broker is the go-redis backed queue broker. All pipeline coordination
// state lives under the backfin: prefix except the ann:queued markers,
// which keep their historical bare prefix.
type Broker struct {
	rdb       *redis.Client
	logger    *common.Logger
	opTimeout time.Duration
}

// BrokerOption configures the broker
type BrokerOption func(*Broker)

// WithLogger sets the logger
func WithLogger(logger *common.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithOpTimeout sets the per-operation timeout for non-blocking commands
func WithOpTimeout(d time.Duration) BrokerOption {
	return func(b *Broker) {
		b.opTimeout = d
	}
}

// NewBroker connects to Redis and verifies the connection with a ping.
func NewBroker(ctx context.Context, cfg *common.RedisConfig, opts ...BrokerOption) (*Broker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		DB:          cfg.DB,
		Password:    cfg.Password,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.GetDialTimeout(),
		// Blocking pops manage their own deadlines.
		ReadTimeout: -1,
	})

	b := &Broker{
		rdb:       rdb,
		logger:    common.NewSilentLogger(),
		opTimeout: cfg.GetOpTimeout(),
	}

	for _, opt := range opts {
		opt(b)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.GetDialTimeout())
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	b.logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("Connected to Redis broker")
	return b, nil
}

// Compile-time interface check
var _ interfaces.QueueBroker = (*Broker)(nil)

// QueueKey returns the full Redis key for a queue name.
func QueueKey(queue string) string {
	return queuePrefix + queue
}

// DelayedKey returns the full Redis key for a queue's delayed set.
func DelayedKey(queue string) string {
	return queuePrefix + queue + ":delayed"
}

// ProcessingKey returns the full Redis key for a worker's processing list.
func ProcessingKey(workerID string) string {
	return processingPrefix + workerID
}

func (b *Broker) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.opTimeout)
}

// retryTransient retries op with exponential backoff for up to 10s.
// Context cancellation stops the retry loop immediately.
func (b *Broker) retryTransient(ctx context.Context, op func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = 10 * time.Second
	return backoff.Retry(func() error {
		opCtx, cancel := b.opCtx(ctx)
		defer cancel()
		err := op(opCtx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

// Push appends a payload to the head of a queue.
func (b *Broker) Push(ctx context.Context, queue string, payload []byte) error {
	err := b.retryTransient(ctx, func(opCtx context.Context) error {
		return b.rdb.LPush(opCtx, QueueKey(queue), payload).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to push to %s: %w", queue, err)
	}
	return nil
}

// PopToProcessing blocks up to timeout on the queue's tail and atomically
// moves the next job into the worker's processing list. Returns nil
// payload on timeout.
func (b *Broker) PopToProcessing(ctx context.Context, queue, workerID string, timeout time.Duration) ([]byte, error) {
	res, err := b.rdb.BLMove(ctx, QueueKey(queue), ProcessingKey(workerID), "RIGHT", "LEFT", timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from %s: %w", queue, err)
	}
	return []byte(res), nil
}

// AckProcessing removes a payload from the worker's processing list.
func (b *Broker) AckProcessing(ctx context.Context, workerID string, payload []byte) error {
	opCtx, cancel := b.opCtx(ctx)
	defer cancel()
	if err := b.rdb.LRem(opCtx, ProcessingKey(workerID), 1, payload).Err(); err != nil {
		return fmt.Errorf("failed to ack processing job: %w", err)
	}
	return nil
}

// Defer schedules a payload on the queue's delayed set, visible at due.
func (b *Broker) Defer(ctx context.Context, queue string, payload []byte, due time.Time) error {
	err := b.retryTransient(ctx, func(opCtx context.Context) error {
		return b.rdb.ZAdd(opCtx, DelayedKey(queue), redis.Z{
			Score:  float64(due.Unix()),
			Member: payload,
		}).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to defer job on %s: %w", queue, err)
	}
	return nil
}

// DueDelayed returns up to limit delayed members with score <= now.
func (b *Broker) DueDelayed(ctx context.Context, queue string, now time.Time, limit int) ([]string, error) {
	opCtx, cancel := b.opCtx(ctx)
	defer cancel()
	members, err := b.rdb.ZRangeByScore(opCtx, DelayedKey(queue), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read delayed set for %s: %w", queue, err)
	}
	return members, nil
}

// RemoveDelayed deletes a member from the queue's delayed set.
func (b *Broker) RemoveDelayed(ctx context.Context, queue, member string) error {
	opCtx, cancel := b.opCtx(ctx)
	defer cancel()
	if err := b.rdb.ZRem(opCtx, DelayedKey(queue), member).Err(); err != nil {
		return fmt.Errorf("failed to remove delayed member on %s: %w", queue, err)
	}
	return nil
}

// RescoreDelayed moves a member's due time.
func (b *Broker) RescoreDelayed(ctx context.Context, queue, member string, due time.Time) error {
	opCtx, cancel := b.opCtx(ctx)
	defer cancel()
	err := b.rdb.ZAdd(opCtx, DelayedKey(queue), redis.Z{
		Score:  float64(due.Unix()),
		Member: member,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to rescore delayed member on %s: %w", queue, err)
	}
	return nil
}

// AcquireLock takes a lock key with NX semantics. Returns false when
// another owner holds it.
func (b *Broker) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	opCtx, cancel := b.opCtx(ctx)
	defer cancel()
	ok, err := b.rdb.SetNX(opCtx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return ok, nil
}

// ReleaseLock deletes a lock key.
func (b *Broker) ReleaseLock(ctx context.Context, key string) error {
	opCtx, cancel := b.opCtx(ctx)
	defer cancel()
	if err := b.rdb.Del(opCtx, key).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

// MarkQueued sets the ann:queued suppression marker for a corp id.
// Returns false when the marker already exists.
func (b *Broker) MarkQueued(ctx context.Context, corpID string, ttl time.Duration) (bool, error) {
	opCtx, cancel := b.opCtx(ctx)
	defer cancel()
	ok, err := b.rdb.SetNX(opCtx, queuedMarkPrefix+corpID, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark %s queued: %w", corpID, err)
	}
	return ok, nil
}

// QueueLen returns the immediate queue depth.
func (b *Broker) QueueLen(ctx context.Context, queue string) (int64, error) {
	opCtx, cancel := b.opCtx(ctx)
	defer cancel()
	n, err := b.rdb.LLen(opCtx, QueueKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length for %s: %w", queue, err)
	}
	return n, nil
}

// DelayedLen returns the delayed set cardinality.
func (b *Broker) DelayedLen(ctx context.Context, queue string) (int64, error) {
	opCtx, cancel := b.opCtx(ctx)
	defer cancel()
	n, err := b.rdb.ZCard(opCtx, DelayedKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed length for %s: %w", queue, err)
	}
	return n, nil
}

// IncrRetryCount bumps and returns the persistent per-job retry counter.
func (b *Broker) IncrRetryCount(ctx context.Context, jobID string) (int64, error) {
	opCtx, cancel := b.opCtx(ctx)
	defer cancel()
	n, err := b.rdb.HIncrBy(opCtx, retriesKey, jobID, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry count for %s: %w", jobID, err)
	}
	return n, nil
}

// ResetRetryCount clears a per-job retry counter.
func (b *Broker) ResetRetryCount(ctx context.Context, jobID string) error {
	opCtx, cancel := b.opCtx(ctx)
	defer cancel()
	if err := b.rdb.HDel(opCtx, retriesKey, jobID).Err(); err != nil {
		return fmt.Errorf("failed to reset retry count for %s: %w", jobID, err)
	}
	return nil
}

// SetProcessingMeta records when a job entered a processing list so the
// sweeper can requeue it if the worker dies mid-job.
func (b *Broker) SetProcessingMeta(ctx context.Context, jobID string, payload []byte, at time.Time) error {
	opCtx, cancel := b.opCtx(ctx)
	defer cancel()
	pipe := b.rdb.TxPipeline()
	pipe.HSet(opCtx, metaKey, jobID, at.Unix())
	pipe.HSet(opCtx, payloadKey, jobID, payload)
	if _, err := pipe.Exec(opCtx); err != nil {
		return fmt.Errorf("failed to set processing meta for %s: %w", jobID, err)
	}
	return nil
}

// ClearProcessingMeta removes a job's sweeper records.
func (b *Broker) ClearProcessingMeta(ctx context.Context, jobID string) error {
	opCtx, cancel := b.opCtx(ctx)
	defer cancel()
	pipe := b.rdb.TxPipeline()
	pipe.HDel(opCtx, metaKey, jobID)
	pipe.HDel(opCtx, payloadKey, jobID)
	if _, err := pipe.Exec(opCtx); err != nil {
		return fmt.Errorf("failed to clear processing meta for %s: %w", jobID, err)
	}
	return nil
}

// StaleProcessing returns (jobID, payload) pairs whose processing meta is
// older than the cutoff.
func (b *Broker) StaleProcessing(ctx context.Context, cutoff time.Time) (map[string][]byte, error) {
	opCtx, cancel := b.opCtx(ctx)
	defer cancel()
	meta, err := b.rdb.HGetAll(opCtx, metaKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read processing meta: %w", err)
	}

	stale := make(map[string][]byte)
	for jobID, tsStr := range meta {
		ts, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			b.logger.Warn().Str("job_id", jobID).Str("value", tsStr).Msg("Unparseable processing timestamp, skipping")
			continue
		}
		if time.Unix(ts, 0).After(cutoff) {
			continue
		}
		payload, err := b.rdb.HGet(opCtx, payloadKey, jobID).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read processing payload for %s: %w", jobID, err)
		}
		stale[jobID] = []byte(payload)
	}
	return stale, nil
}

// Publish emits a payload on the broker's broadcast channel.
func (b *Broker) Publish(ctx context.Context, payload []byte) error {
	err := b.retryTransient(ctx, func(opCtx context.Context) error {
		return b.rdb.Publish(opCtx, eventsChannel, payload).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe returns a subscription to the broker's broadcast channel.
// Used by the serve process to relay events to WebSocket rooms.
func (b *Broker) Subscribe(ctx context.Context) *redis.PubSub {
	return b.rdb.Subscribe(ctx, eventsChannel)
}

// Close closes the underlying Redis client.
func (b *Broker) Close() error {
	return b.rdb.Close()
}
