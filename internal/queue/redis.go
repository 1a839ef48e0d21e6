package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/chainprice/oracle/internal/models"
	"github.com/chainprice/oracle/internal/oraclerr"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	keyWaiting   = "oracle:queue:waiting"
	keyDelayed   = "oracle:queue:delayed"
	keyActive    = "oracle:queue:active"
	keyCompleted = "oracle:queue:completed"
	keyFailed    = "oracle:queue:failed"
	jobKeyPrefix = "oracle:queue:job:"
)

// RedisQueue is the Job Queue's concrete backend (§4.7).
type RedisQueue struct {
	client      *redis.Client
	maxAttempts int
	baseDelay   time.Duration
	available   bool
	log         zerolog.Logger
}

// NewRedisQueue pings client once at construction; an unreachable backend
// starts the queue in degraded mode rather than failing construction (§4.7).
func NewRedisQueue(ctx context.Context, client *redis.Client, maxAttempts int, baseDelay time.Duration, log zerolog.Logger) *RedisQueue {
	if maxAttempts <= 0 {
		maxAttempts = MaxAttemptsDefault
	}
	if baseDelay <= 0 {
		baseDelay = BaseRetryDelayDefault
	}

	q := &RedisQueue{
		client:      client,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		log:         log.With().Str("component", "queue").Logger(),
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		q.log.Warn().Err(err).Msg("queue backend unreachable at startup, entering degraded mode")
		return q
	}
	q.available = true
	return q
}

func (q *RedisQueue) Available() bool { return q.available }

func (q *RedisQueue) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}

func newJobID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return "job_" + hex.EncodeToString(buf)
}

func jobKey(id string) string { return jobKeyPrefix + id }

func (q *RedisQueue) Enqueue(ctx context.Context, job models.BackfillJob) (string, error) {
	if !q.available {
		return "", oraclerr.QueueUnavailable
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	id := newJobID()

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(id), map[string]interface{}{
		"payload":  payload,
		"state":    string(StateWaiting),
		"progress": "0",
		"attempts": "0",
	})
	pipe.LPush(ctx, keyWaiting, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", oraclerr.Wrap(oraclerr.KindQueueUnavailable, "failed to enqueue job", err)
	}
	return id, nil
}

// promoteDueDelayed moves delayed jobs whose retry time has passed back onto
// the waiting list.
func (q *RedisQueue) promoteDueDelayed(ctx context.Context) {
	now := float64(time.Now().Unix())
	ids, err := q.client.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{Min: "0", Max: strconv.FormatFloat(now, 'f', 0, 64)}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, keyDelayed, id)
		pipe.LPush(ctx, keyWaiting, id)
		pipe.HSet(ctx, jobKey(id), "state", string(StateWaiting))
		_, _ = pipe.Exec(ctx)
	}
}

func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*models.BackfillJob, string, error) {
	if !q.available {
		return nil, "", nil
	}

	q.promoteDueDelayed(ctx)

	result, err := q.client.BRPop(ctx, timeout, keyWaiting).Result()
	if err == redis.Nil {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", nil // treat a transient dequeue failure as "nothing available"
	}

	id := result[1]
	payload, err := q.client.HGet(ctx, jobKey(id), "payload").Result()
	if err != nil {
		return nil, "", nil
	}

	var job models.BackfillJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, "", nil
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(id), "state", string(StateActive))
	pipe.SAdd(ctx, keyActive, id)
	_, _ = pipe.Exec(ctx)

	return &job, id, nil
}

func (q *RedisQueue) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	if !q.available {
		return nil
	}
	return q.client.HSet(ctx, jobKey(jobID), "progress", strconv.Itoa(progress)).Err()
}

func (q *RedisQueue) Complete(ctx context.Context, jobID string, result models.BackfillResult) error {
	if !q.available {
		return nil
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), map[string]interface{}{
		"state":    string(StateCompleted),
		"progress": "100",
		"result":   resultJSON,
	})
	pipe.SRem(ctx, keyActive, jobID)
	pipe.LPush(ctx, keyCompleted, jobID)
	pipe.LTrim(ctx, keyCompleted, 0, MaxCompletedRetained-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Fail(ctx context.Context, jobID string, reason string) (bool, error) {
	if !q.available {
		return false, nil
	}

	attempts, err := q.client.HIncrBy(ctx, jobKey(jobID), "attempts", 1).Result()
	if err != nil {
		return false, err
	}

	if int(attempts) < q.maxAttempts {
		delay := q.baseDelay * time.Duration(1<<uint(attempts-1)) // exponential backoff from baseDelay
		readyAt := float64(time.Now().Add(delay).Unix())

		pipe := q.client.TxPipeline()
		pipe.HSet(ctx, jobKey(jobID), map[string]interface{}{"state": string(StateWaiting), "error": reason})
		pipe.SRem(ctx, keyActive, jobID)
		pipe.ZAdd(ctx, keyDelayed, redis.Z{Score: readyAt, Member: jobID})
		_, err := pipe.Exec(ctx)
		return true, err
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), map[string]interface{}{"state": string(StateFailed), "error": reason})
	pipe.SRem(ctx, keyActive, jobID)
	pipe.LPush(ctx, keyFailed, jobID)
	pipe.LTrim(ctx, keyFailed, 0, MaxFailedRetained-1)
	_, err = pipe.Exec(ctx)
	return false, err
}

func (q *RedisQueue) Status(ctx context.Context, jobID string) (*Status, error) {
	if !q.available {
		return nil, nil
	}

	fields, err := q.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil || len(fields) == 0 {
		return nil, nil
	}

	progress, _ := strconv.Atoi(fields["progress"])
	status := &Status{
		State:    State(fields["state"]),
		Progress: progress,
		Error:    fields["error"],
	}
	if raw, ok := fields["result"]; ok && raw != "" {
		var result models.BackfillResult
		if err := json.Unmarshal([]byte(raw), &result); err == nil {
			status.Result = &result
		}
	}
	return status, nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	if !q.available {
		return Stats{}, nil
	}

	waiting, _ := q.client.LLen(ctx, keyWaiting).Result()
	active, _ := q.client.SCard(ctx, keyActive).Result()
	completed, _ := q.client.LLen(ctx, keyCompleted).Result()
	failed, _ := q.client.LLen(ctx, keyFailed).Result()
	delayed, _ := q.client.ZCard(ctx, keyDelayed).Result()

	return Stats{Waiting: waiting, Active: active, Completed: completed, Failed: failed, Delayed: delayed}, nil
}
