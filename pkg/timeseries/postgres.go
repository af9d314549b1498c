package timeseries

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS measurements (
	time       TIMESTAMPTZ NOT NULL,
	asset      TEXT        NOT NULL,
	measure    TEXT        NOT NULL,
	value      NUMERIC     NOT NULL,
	value_type TEXT        NOT NULL DEFAULT 'DOUBLE',
	version    BIGINT      NOT NULL DEFAULT 0,
	PRIMARY KEY (asset, measure, time)
);
CREATE INDEX IF NOT EXISTS measurements_recent_idx ON measurements (asset, measure, time DESC);
`

const upsertMeasurement = `
INSERT INTO measurements (time, asset, measure, value, value_type, version)
VALUES ($1, $2, $3, $4::numeric, $5, $6)
ON CONFLICT (asset, measure, time) DO UPDATE
SET value = EXCLUDED.value, value_type = EXCLUDED.value_type, version = EXCLUDED.version
WHERE measurements.version < EXCLUDED.version`

const trailingMean = `
SELECT COALESCE(AVG(value), 0)::text, COUNT(*), COALESCE(MAX(time), to_timestamp(0))
FROM (
	SELECT time, value FROM measurements
	WHERE asset = $1 AND measure = $2 AND time > $3 AND time <= $4
	ORDER BY time DESC
	LIMIT $5
) AS trailing`

const latestMeasurements = `
SELECT time, asset, measure, value::text, value_type, version
FROM measurements
WHERE asset = $1 AND measure = $2 AND time > $3 AND time <= $4
ORDER BY time DESC
LIMIT $5`

// PostgresStore keeps measurements in a single PostgreSQL (or TimescaleDB) table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *logrus.Logger
}

func NewPostgresStore(ctx context.Context, dsn string, logger *logrus.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to time-series database: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Migrate creates the measurements table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create measurements schema: %w", err)
	}
	s.logger.Info("Time-series schema ready")
	return nil
}

func (s *PostgresStore) Write(ctx context.Context, records []Record) (WriteResult, error) {
	var result WriteResult

	batch := &pgx.Batch{}
	queued := make([]int, 0, len(records))
	for i, rec := range records {
		if err := validate(rec); err != nil {
			result.Rejected = append(result.Rejected, Rejection{Index: i, Reason: err.Error()})
			continue
		}
		valueType := rec.ValueType
		if valueType == "" {
			valueType = ValueTypeDouble
		}
		batch.Queue(upsertMeasurement, rec.Time.UTC(), rec.Asset, rec.Measure, rec.Value.String(), string(valueType), rec.Version)
		queued = append(queued, i)
	}
	if len(queued) == 0 {
		return result, nil
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for _, idx := range queued {
		tag, err := br.Exec()
		if err != nil {
			return result, fmt.Errorf("failed to write measurement %d: %w", idx, err)
		}
		if tag.RowsAffected() == 0 {
			result.Rejected = append(result.Rejected, Rejection{Index: idx, Reason: "version not newer than stored record"})
			continue
		}
		result.Accepted++
	}

	return result, nil
}

func (s *PostgresStore) TrailingMean(ctx context.Context, q Query) (Aggregate, error) {
	var (
		mean   string
		count  int
		latest time.Time
	)
	err := s.pool.QueryRow(ctx, trailingMean, q.Asset, q.Measure, q.Since.UTC(), q.until(time.Now()).UTC(), limitArg(q.Limit)).
		Scan(&mean, &count, &latest)
	if err != nil {
		return Aggregate{}, fmt.Errorf("trailing mean for %s/%s: %w", q.Asset, q.Measure, err)
	}
	if count == 0 {
		return Aggregate{}, nil
	}

	value, err := decimal.NewFromString(mean)
	if err != nil {
		return Aggregate{}, fmt.Errorf("parse mean %q: %w", mean, err)
	}
	return Aggregate{Mean: value, Count: count, Latest: latest}, nil
}

func (s *PostgresStore) Latest(ctx context.Context, q Query) ([]Record, error) {
	rows, err := s.pool.Query(ctx, latestMeasurements, q.Asset, q.Measure, q.Since.UTC(), q.until(time.Now()).UTC(), limitArg(q.Limit))
	if err != nil {
		return nil, fmt.Errorf("latest %s/%s: %w", q.Asset, q.Measure, err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var (
			rec       Record
			value     string
			valueType string
		)
		if err := rows.Scan(&rec.Time, &rec.Asset, &rec.Measure, &value, &valueType, &rec.Version); err != nil {
			return nil, fmt.Errorf("scan measurement: %w", err)
		}
		if rec.Value, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("parse measurement value %q: %w", value, err)
		}
		rec.ValueType = ValueType(valueType)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read measurements: %w", err)
	}

	return records, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// limitArg maps an unbounded limit onto SQL's LIMIT ALL.
func limitArg(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}
