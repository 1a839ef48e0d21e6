// Package worker implements the Historical Backfill Worker (spec.md §4.8):
// creation-date detection, daily grid generation, diff against the store,
// batched upstream fetch, gap interpolation, and bulk persistence, with
// progress checkpoints reported back through the Job Queue. Grounded on the
// teacher's goroutine-per-listener composition habit in cmd/main.go,
// generalized into a fixed-size consumer pool over the Job Queue.
package worker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/chainprice/oracle/internal/interpolate"
	"github.com/chainprice/oracle/internal/models"
	"github.com/chainprice/oracle/internal/otelx"
	"github.com/chainprice/oracle/internal/queue"
	"github.com/chainprice/oracle/internal/store"
	"github.com/chainprice/oracle/internal/upstream"
	"github.com/dustin/go-humanize"
	"github.com/go-redsync/redsync/v4"
	"github.com/rs/zerolog"
)

// CreationFallbackWindow is used when creation-date detection fails (§4.8 step 1).
const CreationFallbackWindow = 365 * 24 * time.Hour

// lockTTL bounds how long a per-(token,network) backfill mutex may be held
// before redsync considers it abandoned (§5 concurrency addendum).
const lockTTL = 10 * time.Minute

// Worker consumes BackfillJobs from the Job Queue and drives them through the
// seven-step backfill procedure.
type Worker struct {
	store            store.Store
	upstream         upstream.SpotPriceProvider
	transferProvider upstream.TransferTimestampProvider
	interpolate      *interpolate.Engine
	queue            queue.Queue
	locker           *redsync.Redsync
	interBatchDelay  time.Duration
	log              zerolog.Logger
}

func New(s store.Store, u upstream.SpotPriceProvider, t upstream.TransferTimestampProvider, interp *interpolate.Engine, q queue.Queue, locker *redsync.Redsync, log zerolog.Logger) *Worker {
	return &Worker{
		store:            s,
		upstream:         u,
		transferProvider: t,
		interpolate:      interp,
		queue:            q,
		locker:           locker,
		interBatchDelay:  100 * time.Millisecond,
		log:              log.With().Str("component", "worker").Logger(),
	}
}

// Run starts concurrency consumer goroutines that loop Dequeue->process->
// Complete/Fail until ctx is cancelled (§5: workers run concurrently,
// concurrency=5 by default).
func (w *Worker) Run(ctx context.Context, concurrency int) {
	if concurrency <= 0 {
		concurrency = 5
	}
	for i := 0; i < concurrency; i++ {
		go w.consume(ctx)
	}
}

func (w *Worker) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, jobID, err := w.queue.Dequeue(ctx, 5*time.Second)
		if err != nil {
			w.log.Warn().Err(err).Msg("dequeue failed")
			continue
		}
		if job == nil {
			continue // nothing available this poll
		}

		w.handleJob(ctx, job, jobID)
	}
}

func (w *Worker) handleJob(ctx context.Context, job *models.BackfillJob, jobID string) {
	ctx, span := otelx.Tracer().Start(ctx, "worker.handleJob")
	defer span.End()

	tok := models.NormalizeToken(job.Token)
	net := models.NormalizeNetwork(job.Network)
	mutex := w.locker.NewMutex("backfill:"+tok+":"+net, redsync.WithExpiry(lockTTL))

	if err := mutex.LockContext(ctx); err != nil {
		// Another worker already owns this (token, network); requeue rather
		// than fail outright (§5: at most one concurrent backfill per pair).
		w.log.Info().Str("token", tok).Str("network", net).Msg("backfill already in progress elsewhere, will retry")
		_, _ = w.queue.Fail(ctx, jobID, "backfill already in progress for this token/network")
		return
	}
	defer func() { _, _ = mutex.UnlockContext(ctx) }()

	result, err := w.process(ctx, job, jobID)
	if err != nil {
		willRetry, failErr := w.queue.Fail(ctx, jobID, err.Error())
		if failErr != nil {
			w.log.Error().Err(failErr).Msg("failed to record job failure")
		}
		w.log.Warn().Err(err).Bool("willRetry", willRetry).Str("token", tok).Str("network", net).Msg("backfill attempt failed")
		return
	}

	if err := w.queue.Complete(ctx, jobID, *result); err != nil {
		w.log.Error().Err(err).Msg("failed to record job completion")
	}
	w.log.Info().Str("token", tok).Str("network", net).
		Str("processed", humanize.Comma(int64(result.PricesProcessed))).
		Int64("durationMs", result.DurationMS).
		Msg("backfill complete")
}

func (w *Worker) process(ctx context.Context, job *models.BackfillJob, jobID string) (*models.BackfillResult, error) {
	start := time.Now()
	tok := models.NormalizeToken(job.Token)
	net := models.NormalizeNetwork(job.Network)

	// Step 1: creation-date detection (progress -> 10).
	startDate := w.detectCreationDate(ctx, job)
	w.reportProgress(ctx, jobID, 10)

	endDate := time.Now().UTC()
	if job.EndDate != nil {
		if parsed, err := time.Parse(time.RFC3339, *job.EndDate); err == nil {
			endDate = parsed.UTC()
		}
	}

	// Step 2: grid generation (progress -> 20, 30).
	w.reportProgress(ctx, jobID, 20)
	grid := dailyUTCMidnights(startDate, endDate)
	w.reportProgress(ctx, jobID, 30)

	if len(grid) == 0 {
		w.reportProgress(ctx, jobID, 100)
		return &models.BackfillResult{
			TimeRange:  models.TimeRange{Start: startDate.Format(time.RFC3339), End: endDate.Format(time.RFC3339)},
			DurationMS: time.Since(start).Milliseconds(),
		}, nil
	}

	// Step 3: diff against store (progress -> 40).
	existing, err := w.store.GetRange(ctx, tok, net, grid[0], grid[len(grid)-1])
	if err != nil {
		w.log.Debug().Err(err).Msg("range lookup failed, treating as empty")
	}
	present := make(map[string]struct{}, len(existing))
	for _, p := range existing {
		present[dayKey(p.UnixTS)] = struct{}{}
	}
	var missing []int64
	for _, ts := range grid {
		if _, ok := present[dayKey(ts)]; !ok {
			missing = append(missing, ts)
		}
	}
	w.reportProgress(ctx, jobID, 40)

	// Step 4: batched fetch (progress linearly -> 80).
	fetched, fetchErrors := w.batchFetch(ctx, job.Token, net, missing, jobID)

	// Step 5: gap interpolation (progress -> 90).
	fetchedDates := make(map[string]struct{}, len(fetched))
	for _, p := range fetched {
		fetchedDates[dayKey(p.UnixTS)] = struct{}{}
	}
	var stillMissing []int64
	for _, ts := range missing {
		if _, ok := fetchedDates[dayKey(ts)]; !ok {
			stillMissing = append(stillMissing, ts)
		}
	}

	union := make([]models.PricePoint, 0, len(existing)+len(fetched))
	union = append(union, existing...)
	union = append(union, fetched...)
	sort.Slice(union, func(i, j int) bool { return union[i].UnixTS < union[j].UnixTS })

	localEngine := interpolate.New(&unionStraddle{points: union})
	var interpolated []models.PricePoint
	for _, ts := range stillMissing {
		point, err := localEngine.Interpolate(ctx, tok, net, ts)
		if err != nil || point == nil {
			continue
		}
		interpolated = append(interpolated, *point)
	}
	w.reportProgress(ctx, jobID, 90)

	// Step 6: persist (progress -> 100).
	toInsert := make([]models.PricePoint, 0, len(fetched)+len(interpolated))
	toInsert = append(toInsert, fetched...)
	toInsert = append(toInsert, interpolated...)
	inserted, err := w.store.InsertMany(ctx, toInsert)
	if err != nil {
		w.log.Debug().Err(err).Msg("bulk insert reported an error, continuing with partial count")
	}
	w.reportProgress(ctx, jobID, 100)

	// Step 7: return result with the first 10 errors.
	if len(fetchErrors) > models.MaxBackfillErrors {
		fetchErrors = fetchErrors[:models.MaxBackfillErrors]
	}
	return &models.BackfillResult{
		PricesProcessed: inserted,
		TimeRange:       models.TimeRange{Start: time.Unix(grid[0], 0).UTC().Format(time.RFC3339), End: time.Unix(grid[len(grid)-1], 0).UTC().Format(time.RFC3339)},
		DurationMS:      time.Since(start).Milliseconds(),
		Errors:          fetchErrors,
	}, nil
}

func (w *Worker) detectCreationDate(ctx context.Context, job *models.BackfillJob) time.Time {
	if job.StartDate != nil {
		if parsed, err := time.Parse(time.RFC3339, *job.StartDate); err == nil {
			return parsed.UTC()
		}
	}
	if w.transferProvider != nil {
		ts, err := w.transferProvider.FirstTransferTimestamp(ctx, job.Token, job.Network)
		if err == nil && ts != nil {
			return ts.UTC()
		}
		w.log.Warn().Err(err).Str("token", job.Token).Msg("creation-date detection failed, falling back to 365d window")
	}
	return time.Now().UTC().Add(-CreationFallbackWindow)
}

// batchFetch implements §4.8 step 4: batches of clamp(10, ceil(total/10), 100),
// one upstream call per timestamp, a 100ms inter-batch delay, progress
// reported linearly from 40 to 80 across batches.
func (w *Worker) batchFetch(ctx context.Context, token, network string, missing []int64, jobID string) ([]models.PricePoint, []string) {
	if len(missing) == 0 {
		return nil, nil
	}

	batchSize := clampInt(10, int(math.Ceil(float64(len(missing))/10)), 100)
	var fetched []models.PricePoint
	var errs []string

	batches := chunk(missing, batchSize)
	for i, batch := range batches {
		for _, ts := range batch {
			at := time.Unix(ts, 0).UTC()
			point, err := w.upstream.FetchSpotPrice(ctx, token, network, at)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", at.Format(time.RFC3339), err))
				continue
			}
			if point == nil {
				continue // leaves this date for interpolation
			}
			fetched = append(fetched, *point)
		}

		progress := 40 + int(40*float64(i+1)/float64(len(batches)))
		w.reportProgress(ctx, jobID, progress)

		if i < len(batches)-1 && w.interBatchDelay > 0 {
			select {
			case <-ctx.Done():
				return fetched, errs
			case <-time.After(w.interBatchDelay):
			}
		}
	}
	return fetched, errs
}

func (w *Worker) reportProgress(ctx context.Context, jobID string, progress int) {
	if err := w.queue.UpdateProgress(ctx, jobID, progress); err != nil {
		w.log.Debug().Err(err).Int("progress", progress).Msg("progress update failed")
	}
}

func dayKey(unixTS int64) string {
	return time.Unix(unixTS, 0).UTC().Format("2006-01-02")
}

// dailyUTCMidnights returns the inclusive daily grid from start to end (§4.8 step 2).
func dailyUTCMidnights(start, end time.Time) []int64 {
	if end.Before(start) {
		return nil
	}
	cursor := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	last := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)

	var grid []int64
	for !cursor.After(last) {
		grid = append(grid, cursor.Unix())
		cursor = cursor.AddDate(0, 0, 1)
	}
	return grid
}

func chunk(items []int64, size int) [][]int64 {
	if size <= 0 {
		size = len(items)
	}
	var batches [][]int64
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[i:end])
	}
	return batches
}

func clampInt(min, value, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// unionStraddle answers interpolate.Straddle queries over an in-memory,
// already-sorted slice — used to interpolate gaps against points that exist
// but aren't yet persisted to the durable store (§4.8 step 5).
type unionStraddle struct {
	points []models.PricePoint
}

func (u *unionStraddle) GetStraddling(_ context.Context, _, _ string, unixTS int64) (*models.PricePoint, *models.PricePoint, error) {
	var before, after *models.PricePoint
	for i := range u.points {
		p := u.points[i]
		if p.UnixTS <= unixTS {
			before = &p
		}
		if p.UnixTS >= unixTS && after == nil {
			after = &p
		}
	}
	return before, after, nil
}
