package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TrainLCD/THQ/internal/metrics"
	"github.com/TrainLCD/THQ/pkg/database"
	"github.com/TrainLCD/THQ/pkg/logging"
	"github.com/TrainLCD/THQ/pkg/models"
)

// ErrNotConfigured is returned by read paths when the service runs without
// a database. Write paths degrade to no-ops instead so ingestion never
// depends on persistence being available.
var ErrNotConfigured = errors.New("storage is not configured")

const queryTimeout = 5 * time.Second

var bootstrapStatements = []string{
	`CREATE TABLE IF NOT EXISTS location_logs (
		id TEXT PRIMARY KEY,
		device TEXT NOT NULL,
		state TEXT NOT NULL,
		station_id BIGINT,
		line_id BIGINT NOT NULL,
		segment_id TEXT,
		from_station_id BIGINT,
		to_station_id BIGINT,
		latitude DOUBLE PRECISION NOT NULL,
		longitude DOUBLE PRECISION NOT NULL,
		accuracy DOUBLE PRECISION,
		speed DOUBLE PRECISION NOT NULL,
		timestamp BIGINT NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS log_events (
		id TEXT PRIMARY KEY,
		device TEXT NOT NULL,
		log_type TEXT NOT NULL,
		log_level TEXT NOT NULL,
		message TEXT NOT NULL,
		timestamp BIGINT NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_location_logs_device ON location_logs (device)`,
	`CREATE INDEX IF NOT EXISTS idx_location_logs_segment_id ON location_logs (segment_id)`,
	`CREATE INDEX IF NOT EXISTS idx_log_events_device ON log_events (device)`,
}

// migrationStatements upgrade location tables created before segment
// annotation existed. Failures are logged, not fatal.
var migrationStatements = []string{
	`ALTER TABLE location_logs ADD COLUMN IF NOT EXISTS segment_id TEXT`,
	`ALTER TABLE location_logs ADD COLUMN IF NOT EXISTS from_station_id BIGINT`,
	`ALTER TABLE location_logs ADD COLUMN IF NOT EXISTS to_station_id BIGINT`,
}

const insertLocationSQL = `
	INSERT INTO location_logs (
		id, device, state, station_id, line_id, segment_id,
		from_station_id, to_station_id, latitude, longitude,
		accuracy, speed, timestamp
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (id) DO NOTHING`

const insertLogSQL = `
	INSERT INTO log_events (id, device, log_type, log_level, message, timestamp)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO NOTHING`

const lineAccuracySQL = `
	SELECT
		date_trunc($1, to_timestamp(timestamp / 1000.0)) AS bucket_start,
		AVG(accuracy) AS avg_accuracy,
		PERCENTILE_CONT(0.9) WITHIN GROUP (ORDER BY accuracy) AS p90_accuracy,
		COUNT(*) AS sample_count,
		AVG(speed) AS avg_speed,
		MAX(speed) AS max_speed
	FROM location_logs
	WHERE line_id = $2 AND timestamp >= $3 AND timestamp < $4 AND accuracy IS NOT NULL
	GROUP BY bucket_start
	ORDER BY bucket_start ASC
	LIMIT $5`

// Store persists normalized telemetry and serves the accuracy reports. A
// nil database handle disables persistence entirely.
type Store struct {
	db      database.PostgresConn
	logger  logging.Logger
	metrics *metrics.Metrics
}

// New creates a store around db. Pass a nil handle to run without
// persistence.
func New(db database.PostgresConn, logger logging.Logger, m *metrics.Metrics) *Store {
	return &Store{
		db:      db,
		logger:  logger,
		metrics: m,
	}
}

// Enabled reports whether a database is configured.
func (s *Store) Enabled() bool {
	return s.db != nil
}

// Bootstrap creates the telemetry tables and indexes, then applies the
// additive column migrations for tables created by older builds.
func (s *Store) Bootstrap(ctx context.Context) error {
	if !s.Enabled() {
		s.logger.Info("Persistence disabled, skipping schema bootstrap")
		return nil
	}

	for _, stmt := range bootstrapStatements {
		if err := s.exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to bootstrap schema: %w", err)
		}
	}
	for _, stmt := range migrationStatements {
		if err := s.exec(ctx, stmt); err != nil {
			s.logger.WithError(err).Warn("Schema migration statement failed")
		}
	}

	s.logger.Info("Storage schema ready")
	return nil
}

// InsertLocation persists a normalized location update. Replays of an id
// already stored are silently ignored.
func (s *Store) InsertLocation(ctx context.Context, loc *models.OutgoingLocation) error {
	if !s.Enabled() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	start := time.Now()
	_, err := s.db.ExecContext(ctx, insertLocationSQL,
		loc.ID, loc.Device, string(loc.State), loc.StationID, loc.LineID,
		loc.SegmentID, loc.FromStationID, loc.ToStationID,
		loc.Coords.Latitude, loc.Coords.Longitude, loc.Coords.Accuracy,
		loc.Coords.Speed, loc.Timestamp,
	)
	s.observe("insert_location", start, err)
	if err != nil {
		return fmt.Errorf("failed to insert location log: %w", err)
	}
	return nil
}

// InsertLog persists a normalized log event, ignoring replayed ids.
func (s *Store) InsertLog(ctx context.Context, entry *models.OutgoingLog) error {
	if !s.Enabled() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	start := time.Now()
	_, err := s.db.ExecContext(ctx, insertLogSQL,
		entry.ID, entry.Device, string(entry.Log.Type), string(entry.Log.Level),
		entry.Log.Message, entry.Timestamp,
	)
	s.observe("insert_log", start, err)
	if err != nil {
		return fmt.Errorf("failed to insert log event: %w", err)
	}
	return nil
}

// LineAccuracyBucket is one aggregated row of an accuracy report.
type LineAccuracyBucket struct {
	BucketStart time.Time
	BucketEnd   time.Time
	AvgAccuracy float64
	P90Accuracy float64
	SampleCount int64
	AvgSpeed    float64
	MaxSpeed    float64
}

// FetchLineAccuracy groups location rows for lineID with timestamps in
// [from, to) into date_trunc buckets of truncUnit and returns per-bucket
// accuracy and speed statistics, ascending by bucket start.
func (s *Store) FetchLineAccuracy(ctx context.Context, lineID int64, from, to time.Time, truncUnit string, bucketSeconds int64, limit int) ([]LineAccuracyBucket, error) {
	if !s.Enabled() {
		return nil, ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, lineAccuracySQL,
		truncUnit, lineID, from.UnixMilli(), to.UnixMilli(), limit)
	s.observe("line_accuracy", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query line accuracy: %w", err)
	}
	defer rows.Close()

	var buckets []LineAccuracyBucket
	for rows.Next() {
		var b LineAccuracyBucket
		if err := rows.Scan(&b.BucketStart, &b.AvgAccuracy, &b.P90Accuracy, &b.SampleCount, &b.AvgSpeed, &b.MaxSpeed); err != nil {
			return nil, fmt.Errorf("failed to scan accuracy bucket: %w", err)
		}
		b.BucketEnd = b.BucketStart.Add(time.Duration(bucketSeconds) * time.Second)
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read accuracy buckets: %w", err)
	}
	return buckets, nil
}

func (s *Store) exec(ctx context.Context, stmt string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Store) observe(queryType string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	if s.metrics.DBQueries != nil {
		s.metrics.DBQueries.WithLabelValues(queryType, status).Inc()
	}
	if s.metrics.DBDuration != nil {
		s.metrics.DBDuration.WithLabelValues(queryType).Observe(time.Since(start).Seconds())
	}
}
