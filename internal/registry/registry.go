// Package registry implements the Job Registry (spec.md §4.6): an in-memory
// table of backfill ScheduleRecords, keyed by a case-insensitive
// (token, network) pair, with CRUD and a manual-run trigger that enqueues
// work onto the Job Queue. Grounded on the teacher's package-level
// SupportedNetworks map, generalized into an instance-owned mutex-guarded
// table (no process-global state, per the "no singleton" redesign).
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chainprice/oracle/internal/models"
	"github.com/chainprice/oracle/internal/oraclerr"
	"github.com/rs/zerolog"
)

// Enqueuer is the slice of the Job Queue the Registry actually needs. Keeping
// it narrow (rather than depending on the full queue.Queue interface) is what
// lets registry tests use a one-method fake.
type Enqueuer interface {
	Enqueue(ctx context.Context, job models.BackfillJob) (jobID string, err error)
}

// Counts summarizes the table for list() (§4.6).
type Counts struct {
	Total  int
	Active int
}

// Registry is the Job Registry's in-memory store plus its queue collaborator.
type Registry struct {
	mu      sync.Mutex
	records map[string]*models.ScheduleRecord // id -> record
	byKey   map[string]string                 // lower(token):lower(network) -> id
	queue   Enqueuer
	log     zerolog.Logger
}

func New(q Enqueuer, log zerolog.Logger) *Registry {
	return &Registry{
		records: make(map[string]*models.ScheduleRecord),
		byKey:   make(map[string]string),
		queue:   q,
		log:     log.With().Str("component", "registry").Logger(),
	}
}

func uniquenessKey(token, network string) string {
	return strings.ToLower(token) + ":" + strings.ToLower(network)
}

func newID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return "sched_" + hex.EncodeToString(buf)
}

// Create adds a new ScheduleRecord. Duplicate (token, network) pairs, compared
// case-insensitively, fail with AlreadyExistsWithID (§4.6).
func (r *Registry) Create(ctx context.Context, token, network, interval string, enabled bool) (*models.ScheduleRecord, error) {
	r.mu.Lock()
	key := uniquenessKey(token, network)
	if existingID, ok := r.byKey[key]; ok {
		r.mu.Unlock()
		return nil, oraclerr.AlreadyExistsWithID(existingID)
	}

	record := &models.ScheduleRecord{
		ID:        newID(),
		Token:     models.NormalizeToken(token),
		Network:   models.NormalizeNetwork(network),
		Interval:  interval,
		Enabled:   enabled,
		CreatedAt: time.Now().UTC(),
	}
	r.records[record.ID] = record
	r.byKey[key] = record.ID
	r.mu.Unlock()

	if enabled {
		r.enqueueBackfill(ctx, record)
	}
	return record, nil
}

// List returns every record plus aggregate counts (§4.6).
func (r *Registry) List() ([]*models.ScheduleRecord, Counts) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*models.ScheduleRecord, 0, len(r.records))
	counts := Counts{}
	for _, rec := range r.records {
		out = append(out, rec)
		counts.Total++
		if rec.Enabled {
			counts.Active++
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, counts
}

func (r *Registry) Get(id string) (*models.ScheduleRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, oraclerr.NotFound
	}
	return rec, nil
}

// Update toggles enabled. Re-enabling a disabled record re-enqueues a backfill (§4.6).
func (r *Registry) Update(ctx context.Context, id string, enabled bool) (*models.ScheduleRecord, error) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return nil, oraclerr.NotFound
	}
	wasEnabled := rec.Enabled
	rec.Enabled = enabled
	r.mu.Unlock()

	if enabled && !wasEnabled {
		r.enqueueBackfill(ctx, rec)
	}
	return rec, nil
}

func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return oraclerr.NotFound
	}
	delete(r.records, id)
	delete(r.byKey, uniquenessKey(rec.Token, rec.Network))
	return nil
}

// RunNow enqueues an immediate backfill for a record. Disabled records refuse
// with KindDisabled (§4.6).
func (r *Registry) RunNow(ctx context.Context, id string) (string, error) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return "", oraclerr.NotFound
	}
	if !rec.Enabled {
		r.mu.Unlock()
		return "", oraclerr.Disabled
	}
	r.mu.Unlock()

	return r.enqueueBackfill(ctx, rec)
}

func (r *Registry) enqueueBackfill(ctx context.Context, rec *models.ScheduleRecord) (string, error) {
	job := models.BackfillJob{Token: rec.Token, Network: rec.Network, RequestID: newID()}
	jobID, err := r.queue.Enqueue(ctx, job)
	if err != nil {
		// Queue.Unavailable is a soft failure here: the schedule record still
		// exists, only the immediate enqueue attempt failed (§4.7 degraded mode).
		// The error is returned so RunNow can surface it; Create and Update
		// ignore it.
		r.log.Warn().Err(err).Str("token", rec.Token).Str("network", rec.Network).Msg("queue unavailable, schedule recorded without enqueue")
		return "", err
	}

	r.mu.Lock()
	now := time.Now().UTC()
	rec.LastRun = &now
	r.mu.Unlock()

	return jobID, nil
}
