package db

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nyct-live/tracker/internal/model"
)

//go:embed schema_postgres.sql
var postgresSchemaSQL string

// PostgresDB stores cycles in Postgres through a pgx connection pool
type PostgresDB struct {
	pool *pgxpool.Pool
}

// ConnectPostgres opens a pool for databaseURL and checks it is reachable
func ConnectPostgres(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("DB: connected to Postgres")
	return &PostgresDB{pool: pool}, nil
}

// Close closes the pool
func (p *PostgresDB) Close() error {
	p.pool.Close()
	return nil
}

// EnsureSchema creates tables if they don't exist
func (p *PostgresDB) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveCycle writes a cycle in a single batch inside one transaction
func (p *PostgresDB) SaveCycle(ctx context.Context, r model.CycleResult) error {
	if r.IsEmpty() {
		return nil
	}

	cycleID := cycleIDFor(r.Retrieval())
	polledAt := r.PolledAt.UTC()

	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO cycles (cycle_id, retrieval, polled_at_utc, trip_count, update_count, status_count, failed_partitions)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (retrieval) DO UPDATE SET
			cycle_id = excluded.cycle_id,
			polled_at_utc = excluded.polled_at_utc,
			trip_count = excluded.trip_count,
			update_count = excluded.update_count,
			status_count = excluded.status_count,
			failed_partitions = excluded.failed_partitions`,
		cycleID, r.Retrieval(), polledAt, len(r.Trips), len(r.Updates), len(r.Statuses), failedPartitions(r),
	)

	for _, t := range r.Trips {
		batch.Queue(`
			INSERT INTO trips (
				id, cycle_id, trip_id, route_id, is_assigned, train_id, direction, timestamp,
				current_status, current_stop_sequence, curr_stop, curr_stop_time, next_stop,
				next_stop_time, alert, at_station, progress, retrieval, polled_at_utc
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
			ON CONFLICT (id) DO NOTHING`,
			t.ID, cycleID, t.TripID, t.RouteID, t.IsAssigned, t.TrainID, t.Direction.String(), t.Timestamp,
			t.CurrentStatus.String(), t.CurrentStopSequence, t.CurrentStop, t.CurrentStopTime, t.NextStop,
			t.NextStopTime, t.Alert, t.AtStation, t.Progress, t.Retrieval, polledAt,
		)
	}

	for _, u := range r.Updates {
		batch.Queue(`
			INSERT INTO stop_time_updates (
				id, cycle_id, trip_id, parent_trip, stop, arrival, departure,
				schedule_relationship, scheduled_track, actual_track, retrieval, polled_at_utc
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO NOTHING`,
			u.ID, cycleID, u.TripID, u.ParentTrip, u.Stop, u.Arrival, u.Departure,
			u.ScheduleRelationship.String(), u.ScheduledTrack, u.ActualTrack, u.Retrieval, polledAt,
		)
	}

	for _, s := range r.Statuses {
		batch.Queue(`
			INSERT INTO train_status (
				trip, retrieval, cycle_id, route_id, nearest_stop, current_status, direction,
				at_station, progress, lat, lon, stop_name, alert, timestamp, polled_at_utc
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (trip, retrieval) DO NOTHING`,
			s.Trip, s.Retrieval, cycleID, s.RouteID, s.NearestStop, s.CurrentStatus.String(), s.Direction.String(),
			s.AtStation, s.Progress, s.Lat, s.Lon, s.StopName, s.Alert, s.Timestamp, polledAt,
		)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save cycle: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit cycle: %w", err)
	}
	return nil
}

// RecordFailure stores a failed partition fetch
func (p *PostgresDB) RecordFailure(ctx context.Context, f model.FetchFailure) error {
	headers, err := encodeHeaders(f.Headers)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO fetch_failures (
			partition_label, feed_id, url, status_code, reason, headers, content, elapsed_ms, recorded_at_utc
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		f.Partition, f.FeedID, f.URL, f.StatusCode, f.Reason, headers, f.Content,
		f.Elapsed.Milliseconds(), failureTime(f),
	)
	if err != nil {
		return fmt.Errorf("failed to record fetch failure: %w", err)
	}
	return nil
}

// RecentFailures returns the newest fetch failures first
func (p *PostgresDB) RecentFailures(ctx context.Context, limit int) ([]model.FetchFailure, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT partition_label, feed_id, COALESCE(url, ''), COALESCE(status_code, 0), COALESCE(reason, ''),
			COALESCE(headers, ''), COALESCE(content, ''), COALESCE(elapsed_ms, 0), recorded_at_utc
		FROM fetch_failures
		ORDER BY id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query fetch failures: %w", err)
	}
	defer rows.Close()

	failures := []model.FetchFailure{}
	for rows.Next() {
		var (
			f                  model.FetchFailure
			feedID, statusCode int64
			elapsedMS          int64
			headers            string
		)
		if err := rows.Scan(&f.Partition, &feedID, &f.URL, &statusCode, &f.Reason, &headers, &f.Content, &elapsedMS, &f.At); err != nil {
			return nil, fmt.Errorf("failed to scan fetch failure: %w", err)
		}
		f.FeedID = int(feedID)
		f.StatusCode = int(statusCode)
		f.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		f.Headers = decodeHeaders(headers)
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

// Cleanup deletes data older than the specified retention duration
func (p *PostgresDB) Cleanup(ctx context.Context, retention time.Duration) error {
	hours := retentionHours(retention)

	tables := []struct{ name, column string }{
		{"trips", "polled_at_utc"},
		{"stop_time_updates", "polled_at_utc"},
		{"train_status", "polled_at_utc"},
		{"cycles", "polled_at_utc"},
		{"fetch_failures", "recorded_at_utc"},
	}

	var totalDeleted int64
	for _, t := range tables {
		tag, err := p.pool.Exec(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE %s < NOW() - make_interval(hours => $1)", t.name, t.column), hours)
		if err != nil {
			return fmt.Errorf("failed to cleanup %s: %w", t.name, err)
		}
		totalDeleted += tag.RowsAffected()
	}

	if totalDeleted > 0 {
		log.Printf("DB: cleanup deleted %d records older than %d hours", totalDeleted, hours)
	}
	return nil
}
