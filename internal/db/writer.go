package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nyct-live/tracker/internal/model"
)

// cycleIDFor derives the cycle id from the retrieval, so saving a replayed cycle again
// rewrites the same rows.
func cycleIDFor(retrieval int64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strconv.FormatInt(retrieval, 10))).String()
}

// SaveCycle writes a cycle and everything it produced in one transaction.
// An empty result is ignored.
func (db *DB) SaveCycle(ctx context.Context, r model.CycleResult) error {
	if r.IsEmpty() {
		return nil
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cycleID := cycleIDFor(r.Retrieval())
	polledAt := r.PolledAt.UTC().Format(time.RFC3339)

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO cycles (
			cycle_id, retrieval, polled_at_utc, trip_count, update_count, status_count, failed_partitions
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cycleID, r.Retrieval(), polledAt, len(r.Trips), len(r.Updates), len(r.Statuses), failedPartitions(r),
	)
	if err != nil {
		return fmt.Errorf("failed to insert cycle: %w", err)
	}

	if err := insertTrips(ctx, tx, cycleID, polledAt, r.Trips); err != nil {
		return err
	}
	if err := insertUpdates(ctx, tx, cycleID, polledAt, r.Updates); err != nil {
		return err
	}
	if err := insertStatuses(ctx, tx, cycleID, polledAt, r.Statuses); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cycle: %w", err)
	}
	return nil
}

func insertTrips(ctx context.Context, tx *sql.Tx, cycleID, polledAt string, trips []model.Trip) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO trips (
			id, cycle_id, trip_id, route_id, is_assigned, train_id, direction, timestamp,
			current_status, current_stop_sequence, curr_stop, curr_stop_time, next_stop,
			next_stop_time, alert, at_station, progress, retrieval, polled_at_utc
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare trip statement: %w", err)
	}
	defer stmt.Close()

	for _, t := range trips {
		_, err := stmt.ExecContext(ctx,
			t.ID, cycleID, t.TripID, t.RouteID, t.IsAssigned, t.TrainID, t.Direction.String(), t.Timestamp,
			t.CurrentStatus.String(), t.CurrentStopSequence, t.CurrentStop, t.CurrentStopTime, t.NextStop,
			t.NextStopTime, t.Alert, t.AtStation, t.Progress, t.Retrieval, polledAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert trip %s: %w", t.ID, err)
		}
	}
	return nil
}

func insertUpdates(ctx context.Context, tx *sql.Tx, cycleID, polledAt string, updates []model.StopTimeUpdate) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO stop_time_updates (
			id, cycle_id, trip_id, parent_trip, stop, arrival, departure,
			schedule_relationship, scheduled_track, actual_track, retrieval, polled_at_utc
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare update statement: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		_, err := stmt.ExecContext(ctx,
			u.ID, cycleID, u.TripID, u.ParentTrip, u.Stop, u.Arrival, u.Departure,
			u.ScheduleRelationship.String(), u.ScheduledTrack, u.ActualTrack, u.Retrieval, polledAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert stop time update %s: %w", u.ID, err)
		}
	}
	return nil
}

func insertStatuses(ctx context.Context, tx *sql.Tx, cycleID, polledAt string, statuses []model.TrainStatus) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO train_status (
			trip, retrieval, cycle_id, route_id, nearest_stop, current_status, direction,
			at_station, progress, lat, lon, stop_name, alert, timestamp, polled_at_utc
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare status statement: %w", err)
	}
	defer stmt.Close()

	for _, s := range statuses {
		_, err := stmt.ExecContext(ctx,
			s.Trip, s.Retrieval, cycleID, s.RouteID, s.NearestStop, s.CurrentStatus.String(), s.Direction.String(),
			s.AtStation, s.Progress, s.Lat, s.Lon, s.StopName, s.Alert, s.Timestamp, polledAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert train status %s: %w", s.Trip, err)
		}
	}
	return nil
}

// RecordFailure stores a failed partition fetch
func (db *DB) RecordFailure(ctx context.Context, f model.FetchFailure) error {
	headers, err := encodeHeaders(f.Headers)
	if err != nil {
		return err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO fetch_failures (
			partition_label, feed_id, url, status_code, reason, headers, content, elapsed_ms, recorded_at_utc
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.Partition, f.FeedID, f.URL, f.StatusCode, f.Reason, headers, f.Content,
		f.Elapsed.Milliseconds(), failureTime(f).Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to record fetch failure: %w", err)
	}
	return nil
}

// RecentFailures returns the newest fetch failures first
func (db *DB) RecentFailures(ctx context.Context, limit int) ([]model.FetchFailure, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT partition_label, feed_id, url, status_code, reason, headers, content, elapsed_ms, recorded_at_utc
		FROM fetch_failures
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query fetch failures: %w", err)
	}
	defer rows.Close()

	failures := []model.FetchFailure{}
	for rows.Next() {
		var (
			f                             model.FetchFailure
			url, reason, headers, content sql.NullString
			statusCode, elapsedMS         sql.NullInt64
			recordedAt                    string
		)
		if err := rows.Scan(&f.Partition, &f.FeedID, &url, &statusCode, &reason, &headers, &content, &elapsedMS, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fetch failure: %w", err)
		}
		f.URL = url.String
		f.StatusCode = int(statusCode.Int64)
		f.Reason = reason.String
		f.Content = content.String
		f.Elapsed = time.Duration(elapsedMS.Int64) * time.Millisecond
		f.Headers = decodeHeaders(headers.String)
		if t, err := time.Parse(time.RFC3339, recordedAt); err == nil {
			f.At = t
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

func failedPartitions(r model.CycleResult) int {
	n := 0
	for _, p := range r.Partitions {
		if p.Fault != "" {
			n++
		}
	}
	return n
}

func failureTime(f model.FetchFailure) time.Time {
	if f.At.IsZero() {
		return time.Now().UTC()
	}
	return f.At.UTC()
}

func encodeHeaders(h map[string]string) (string, error) {
	if len(h) == 0 {
		return "", nil
	}
	data, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("failed to encode headers: %w", err)
	}
	return string(data), nil
}

func decodeHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	var h map[string]string
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return nil
	}
	return h
}
