package store

import (
	"context"
	"errors"
	"time"

	"github.com/chainprice/oracle/internal/models"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"
)

// schema is applied by PostgresStore on connect. Production deployments would
// run this as a migration; embedding it keeps the example runnable standalone,
// matching the teacher's habit of not assuming an external migration tool.
const schema = `
CREATE TABLE IF NOT EXISTS prices (
	token       TEXT NOT NULL,
	network     TEXT NOT NULL,
	unix_ts     BIGINT NOT NULL,
	iso_date    TEXT NOT NULL,
	price       DOUBLE PRECISION NOT NULL,
	source      TEXT NOT NULL,
	confidence  DOUBLE PRECISION NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (token, network, unix_ts)
);
CREATE INDEX IF NOT EXISTS idx_prices_token_network_ts_desc
	ON prices (token, network, unix_ts DESC);
`

// PostgresStore is the Durable Price Store backed by Postgres via pgx (§4.2, §6).
type PostgresStore struct {
	pool      *pgxpool.Pool
	log       zerolog.Logger
	available bool
}

// NewPostgresStore connects to connString and ensures the schema exists. A
// connection failure is not fatal to construction — the store starts in
// degraded mode so the Resolver can still run with cache+upstream only (§4.2).
func NewPostgresStore(ctx context.Context, connString string, log zerolog.Logger) *PostgresStore {
	s := &PostgresStore{log: log.With().Str("component", "store").Logger()}

	pool, err := pgxpool.Connect(ctx, connString)
	if err != nil {
		s.log.Warn().Err(err).Msg("store unavailable at startup, entering degraded mode")
		return s
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		s.log.Warn().Err(err).Msg("failed to apply schema, entering degraded mode")
		pool.Close()
		return s
	}

	s.pool = pool
	s.available = true
	return s
}

func (s *PostgresStore) Available() bool { return s.available && s.pool != nil }

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) GetByExact(ctx context.Context, token, network string, unixTS int64) (*models.PricePoint, error) {
	if !s.Available() {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	row := s.pool.QueryRow(ctx, `
		SELECT token, network, unix_ts, iso_date, price, source, confidence, created_at, updated_at
		FROM prices WHERE token = $1 AND network = $2 AND unix_ts = $3`,
		models.NormalizeToken(token), models.NormalizeNetwork(network), unixTS)

	point, err := scanPoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("getByExact failed, returning empty (degraded)")
		return nil, nil
	}
	return point, nil
}

func (s *PostgresStore) GetStraddling(ctx context.Context, token, network string, unixTS int64) (*models.PricePoint, *models.PricePoint, error) {
	if !s.Available() {
		return nil, nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	tok, net := models.NormalizeToken(token), models.NormalizeNetwork(network)

	beforeRow := s.pool.QueryRow(ctx, `
		SELECT token, network, unix_ts, iso_date, price, source, confidence, created_at, updated_at
		FROM prices WHERE token = $1 AND network = $2 AND unix_ts <= $3
		ORDER BY unix_ts DESC LIMIT 1`, tok, net, unixTS)
	before, err := scanPoint(beforeRow)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		s.log.Warn().Err(err).Msg("getStraddling(before) failed, returning empty (degraded)")
		return nil, nil, nil
	}

	afterRow := s.pool.QueryRow(ctx, `
		SELECT token, network, unix_ts, iso_date, price, source, confidence, created_at, updated_at
		FROM prices WHERE token = $1 AND network = $2 AND unix_ts >= $3
		ORDER BY unix_ts ASC LIMIT 1`, tok, net, unixTS)
	after, err := scanPoint(afterRow)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		s.log.Warn().Err(err).Msg("getStraddling(after) failed, returning empty (degraded)")
		return nil, nil, nil
	}

	return before, after, nil
}

func (s *PostgresStore) GetRange(ctx context.Context, token, network string, fromTS, toTS int64) ([]models.PricePoint, error) {
	if !s.Available() {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT token, network, unix_ts, iso_date, price, source, confidence, created_at, updated_at
		FROM prices WHERE token = $1 AND network = $2 AND unix_ts BETWEEN $3 AND $4
		ORDER BY unix_ts ASC`,
		models.NormalizeToken(token), models.NormalizeNetwork(network), fromTS, toTS)
	if err != nil {
		s.log.Warn().Err(err).Msg("getRange failed, returning empty (degraded)")
		return nil, nil
	}
	defer rows.Close()

	var points []models.PricePoint
	for rows.Next() {
		point, err := scanPoint(rows)
		if err != nil {
			s.log.Warn().Err(err).Msg("getRange scan failed, skipping row")
			continue
		}
		points = append(points, *point)
	}
	return points, nil
}

func (s *PostgresStore) Insert(ctx context.Context, point models.PricePoint) (InsertOutcome, error) {
	if !s.Available() {
		// Writes are silently dropped in degraded mode (§4.2, §7).
		s.log.Debug().Str("key", point.Key()).Msg("store unavailable, dropping write")
		return Skipped, nil
	}
	ctx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO prices (token, network, unix_ts, iso_date, price, source, confidence, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (token, network, unix_ts) DO NOTHING`,
		point.Token, point.Network, point.UnixTS, point.ISODate, point.Price, string(point.Source), point.Confidence)
	if err != nil {
		s.log.Warn().Err(err).Str("key", point.Key()).Msg("insert failed, dropping write")
		return Skipped, nil
	}
	if tag.RowsAffected() == 0 {
		return Skipped, nil
	}
	return Inserted, nil
}

func (s *PostgresStore) InsertMany(ctx context.Context, points []models.PricePoint) (int, error) {
	if !s.Available() {
		return 0, nil
	}
	inserted := 0
	for _, p := range points {
		outcome, err := s.Insert(ctx, p)
		if err != nil {
			continue
		}
		if outcome == Inserted {
			inserted++
		}
	}
	return inserted, nil
}

// rowScanner abstracts pgx.Row / pgx.Rows so scanPoint works for both.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPoint(row rowScanner) (*models.PricePoint, error) {
	var p models.PricePoint
	var source string
	var createdAt, updatedAt time.Time
	if err := row.Scan(&p.Token, &p.Network, &p.UnixTS, &p.ISODate, &p.Price, &source, &p.Confidence, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Source = models.Source(source)
	p.CreatedAt = createdAt
	p.UpdatedAt = updatedAt
	return &p, nil
}
