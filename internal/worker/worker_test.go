package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chainprice/oracle/internal/models"
	"github.com/chainprice/oracle/internal/queue"
	"github.com/chainprice/oracle/internal/store"
	goredislib "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-redsync/redsync/v4"
	goredis "github.com/go-redsync/redsync/v4/redis/goredis/v9"
)

// --- fakes -----------------------------------------------------------------

type fakeStore struct {
	mu      sync.Mutex
	points  []models.PricePoint
	inserts []models.PricePoint
}

func (s *fakeStore) GetByExact(_ context.Context, token, network string, unixTS int64) (*models.PricePoint, error) {
	for _, p := range s.points {
		if p.Token == token && p.Network == network && p.UnixTS == unixTS {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) GetStraddling(_ context.Context, _, _ string, _ int64) (*models.PricePoint, *models.PricePoint, error) {
	return nil, nil, nil
}

func (s *fakeStore) GetRange(_ context.Context, token, network string, fromTS, toTS int64) ([]models.PricePoint, error) {
	var out []models.PricePoint
	for _, p := range s.points {
		if p.Token == token && p.Network == network && p.UnixTS >= fromTS && p.UnixTS <= toTS {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) Insert(_ context.Context, point models.PricePoint) (store.InsertOutcome, error) {
	return store.Inserted, nil
}

func (s *fakeStore) InsertMany(_ context.Context, points []models.PricePoint) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts = append(s.inserts, points...)
	return len(points), nil
}

func (s *fakeStore) Available() bool { return true }
func (s *fakeStore) Close() error    { return nil }

var _ store.Store = (*fakeStore)(nil)

type fakeUpstream struct {
	prices map[int64]float64 // unixTS -> price; absent means "no data" (nil, nil)
}

func (u *fakeUpstream) FetchSpotPrice(_ context.Context, _, _ string, at time.Time) (*models.PricePoint, error) {
	price, ok := u.prices[at.Unix()]
	if !ok {
		return nil, nil
	}
	point := models.NewPricePoint("ETH", "ethereum", at.Unix(), price, models.SourceUpstream, 1.0)
	return &point, nil
}

type fakeTransferProvider struct {
	ts  *time.Time
	err error
}

func (f *fakeTransferProvider) FirstTransferTimestamp(_ context.Context, _, _ string) (*time.Time, error) {
	return f.ts, f.err
}

type fakeQueue struct {
	mu        sync.Mutex
	progress  []int
	completed *models.BackfillResult
	failed    []string
}

func (q *fakeQueue) Enqueue(_ context.Context, _ models.BackfillJob) (string, error) { return "", nil }
func (q *fakeQueue) Dequeue(_ context.Context, _ time.Duration) (*models.BackfillJob, string, error) {
	return nil, "", nil
}
func (q *fakeQueue) UpdateProgress(_ context.Context, _ string, progress int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.progress = append(q.progress, progress)
	return nil
}
func (q *fakeQueue) Complete(_ context.Context, _ string, result models.BackfillResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	r := result
	q.completed = &r
	return nil
}
func (q *fakeQueue) Fail(_ context.Context, _ string, reason string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, reason)
	return false, nil
}
func (q *fakeQueue) Status(_ context.Context, _ string) (*queue.Status, error) { return nil, nil }
func (q *fakeQueue) Stats(_ context.Context) (queue.Stats, error)              { return queue.Stats{}, nil }
func (q *fakeQueue) Available() bool                                          { return true }
func (q *fakeQueue) Close() error                                             { return nil }

var _ queue.Queue = (*fakeQueue)(nil)

func newLocker(t *testing.T) *redsync.Redsync {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := goredislib.NewClient(&goredislib.Options{Addr: mr.Addr()})
	pool := goredis.NewPool(client)
	return redsync.New(pool)
}

// --- tests -------------------------------------------------------------

func TestDailyUTCMidnights_InclusiveGrid(t *testing.T) {
	start := time.Date(2026, 1, 1, 15, 30, 0, 0, time.UTC)
	end := time.Date(2026, 1, 3, 2, 0, 0, 0, time.UTC)

	grid := dailyUTCMidnights(start, end)
	require.Len(t, grid, 3)
	require.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Unix(), grid[0])
	require.Equal(t, time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC).Unix(), grid[2])
}

func TestDailyUTCMidnights_EndBeforeStart_ReturnsEmpty(t *testing.T) {
	start := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.Empty(t, dailyUTCMidnights(start, end))
}

func TestClampInt(t *testing.T) {
	require.Equal(t, 10, clampInt(10, 3, 100))
	require.Equal(t, 100, clampInt(10, 250, 100))
	require.Equal(t, 42, clampInt(10, 42, 100))
}

func TestChunk_SplitsIntoEvenBatches(t *testing.T) {
	items := []int64{1, 2, 3, 4, 5}
	batches := chunk(items, 2)
	require.Len(t, batches, 3)
	require.Equal(t, []int64{1, 2}, batches[0])
	require.Equal(t, []int64{5}, batches[2])
}

func TestUnionStraddle_FindsClosestBeforeAndAfter(t *testing.T) {
	u := &unionStraddle{points: []models.PricePoint{
		models.NewPricePoint("ETH", "ethereum", 100, 10, models.SourceUpstream, 1.0),
		models.NewPricePoint("ETH", "ethereum", 200, 20, models.SourceUpstream, 1.0),
		models.NewPricePoint("ETH", "ethereum", 300, 30, models.SourceUpstream, 1.0),
	}}
	before, after, err := u.GetStraddling(context.Background(), "ETH", "ethereum", 150)
	require.NoError(t, err)
	require.Equal(t, int64(100), before.UnixTS)
	require.Equal(t, int64(200), after.UnixTS)
}

func TestWorker_Process_FetchesMissingAndInterpolatesGaps(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)
	startStr := start.Format(time.RFC3339)
	endStr := end.Format(time.RFC3339)

	up := &fakeUpstream{prices: map[int64]float64{
		start.Unix():              100,
		end.AddDate(0, 0, 0).Unix(): 200, // day 3
	}}
	st := &fakeStore{}
	q := &fakeQueue{}
	w := New(st, up, &fakeTransferProvider{}, nil, q, newLocker(t), zerolog.Nop())
	w.interBatchDelay = 0

	job := &models.BackfillJob{Token: "ETH", Network: "ethereum", StartDate: &startStr, EndDate: &endStr}
	result, err := w.process(context.Background(), job, "job1")
	require.NoError(t, err)

	// 3-day grid: day1 and day3 fetched directly, day2 has no upstream data
	// and must come from interpolation against the fetched neighbors.
	require.Len(t, st.inserts, 3)
	require.Equal(t, 3, result.PricesProcessed)

	var middle *models.PricePoint
	for i := range st.inserts {
		if st.inserts[i].UnixTS == start.AddDate(0, 0, 1).Unix() {
			middle = &st.inserts[i]
		}
	}
	require.NotNil(t, middle)
	require.Equal(t, models.SourceInterpolated, middle.Source)
	require.InDelta(t, 150, middle.Price, 0.01)
}

func TestWorker_Process_CreationDateFallback_WhenDetectionFails(t *testing.T) {
	st := &fakeStore{}
	up := &fakeUpstream{prices: map[int64]float64{}}
	q := &fakeQueue{}
	transfer := &fakeTransferProvider{ts: nil, err: nil}
	w := New(st, up, transfer, nil, q, newLocker(t), zerolog.Nop())

	job := &models.BackfillJob{Token: "ETH", Network: "ethereum"}
	got := w.detectCreationDate(context.Background(), job)
	require.WithinDuration(t, time.Now().UTC().Add(-CreationFallbackWindow), got, time.Minute)
}

func TestWorker_Process_ReportsProgressCheckpoints(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	startStr := start.Format(time.RFC3339)
	endStr := end.Format(time.RFC3339)

	st := &fakeStore{}
	up := &fakeUpstream{prices: map[int64]float64{start.Unix(): 100}}
	q := &fakeQueue{}
	w := New(st, up, &fakeTransferProvider{}, nil, q, newLocker(t), zerolog.Nop())
	w.interBatchDelay = 0

	job := &models.BackfillJob{Token: "ETH", Network: "ethereum", StartDate: &startStr, EndDate: &endStr}
	_, err := w.process(context.Background(), job, "job1")
	require.NoError(t, err)

	require.Contains(t, q.progress, 10)
	require.Contains(t, q.progress, 100)
	require.Equal(t, 100, q.progress[len(q.progress)-1])
}

func TestWorker_HandleJob_LockContention_FailsRatherThanDuplicates(t *testing.T) {
	locker := newLocker(t)
	startStr := time.Now().UTC().Format(time.RFC3339)
	job := &models.BackfillJob{Token: "ETH", Network: "ethereum", StartDate: &startStr, EndDate: &startStr}

	holder := locker.NewMutex("backfill:ETH:ethereum", redsync.WithExpiry(time.Minute))
	require.NoError(t, holder.LockContext(context.Background()))
	defer holder.UnlockContext(context.Background())

	st := &fakeStore{}
	up := &fakeUpstream{prices: map[int64]float64{}}
	q := &fakeQueue{}
	w := New(st, up, &fakeTransferProvider{}, nil, q, locker, zerolog.Nop())

	w.handleJob(context.Background(), job, "job1")

	require.Empty(t, st.inserts)
	require.Len(t, q.failed, 1)
	require.Nil(t, q.completed)
}
