package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chainprice/oracle/internal/models"
	"github.com/chainprice/oracle/internal/oraclerr"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisQueue(context.Background(), client, 3, 5*time.Second, zerolog.Nop())
	require.True(t, q.Available())
	t.Cleanup(func() { q.Close() })
	return q, mr
}

func TestRedisQueue_EnqueueThenDequeue_RoundTrips(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, models.BackfillJob{Token: "ETH", Network: "ethereum", RequestID: "r1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, gotID, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, id, gotID)
	require.Equal(t, "ETH", job.Token)

	status, err := q.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateActive, status.State)
}

func TestRedisQueue_Dequeue_EmptyQueue_ReturnsNilNoError(t *testing.T) {
	q, _ := newTestQueue(t)
	job, id, err := q.Dequeue(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, job)
	require.Empty(t, id)
}

func TestRedisQueue_Complete_SetsStateAndRetainsResult(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, models.BackfillJob{Token: "ETH", Network: "ethereum"})
	_, _, _ = q.Dequeue(ctx, time.Second)

	result := models.BackfillResult{PricesProcessed: 42, DurationMS: 1000}
	require.NoError(t, q.Complete(ctx, id, result))

	status, err := q.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, status.State)
	require.Equal(t, 100, status.Progress)
	require.NotNil(t, status.Result)
	require.Equal(t, 42, status.Result.PricesProcessed)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Completed)
	require.Equal(t, int64(0), stats.Active)
}

func TestRedisQueue_Fail_RetriesUntilMaxAttempts(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, models.BackfillJob{Token: "ETH", Network: "ethereum"})
	_, _, _ = q.Dequeue(ctx, time.Second)

	willRetry, err := q.Fail(ctx, id, "upstream down")
	require.NoError(t, err)
	require.True(t, willRetry) // attempt 1 of 3

	willRetry, err = q.Fail(ctx, id, "upstream down")
	require.NoError(t, err)
	require.True(t, willRetry) // attempt 2 of 3

	willRetry, err = q.Fail(ctx, id, "upstream down")
	require.NoError(t, err)
	require.False(t, willRetry) // attempt 3 of 3: terminal

	status, err := q.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateFailed, status.State)

	stats, _ := q.Stats(ctx)
	require.Equal(t, int64(1), stats.Failed)
}

func TestRedisQueue_DegradedMode_EnqueueReturnsUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	mr.Close() // shut down before the client ever connects

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisQueue(context.Background(), client, 3, 5*time.Second, zerolog.Nop())
	require.False(t, q.Available())

	_, err = q.Enqueue(context.Background(), models.BackfillJob{Token: "ETH", Network: "ethereum"})
	require.ErrorIs(t, err, oraclerr.QueueUnavailable)
}
