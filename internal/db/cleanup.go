package db

import (
	"context"
	"fmt"
	"log"
	"time"
)

// retentionHours rounds retention down to whole hours, never below one
func retentionHours(retention time.Duration) int {
	hours := int(retention.Hours())
	if hours < 1 {
		hours = 1
	}
	return hours
}

// Cleanup deletes data older than the specified retention duration
func (db *DB) Cleanup(ctx context.Context, retention time.Duration) error {
	hours := retentionHours(retention)

	queries := []struct {
		name  string
		query string
	}{
		{"trips", "DELETE FROM trips WHERE datetime(polled_at_utc) < datetime('now', '-%d hours')"},
		{"stop_time_updates", "DELETE FROM stop_time_updates WHERE datetime(polled_at_utc) < datetime('now', '-%d hours')"},
		{"train_status", "DELETE FROM train_status WHERE datetime(polled_at_utc) < datetime('now', '-%d hours')"},
		{"cycles", "DELETE FROM cycles WHERE datetime(polled_at_utc) < datetime('now', '-%d hours')"},
		{"fetch_failures", "DELETE FROM fetch_failures WHERE datetime(recorded_at_utc) < datetime('now', '-%d hours')"},
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	totalDeleted := 0
	for _, q := range queries {
		result, err := db.conn.ExecContext(ctx, fmt.Sprintf(q.query, hours))
		if err != nil {
			return fmt.Errorf("failed to cleanup %s: %w", q.name, err)
		}
		rows, _ := result.RowsAffected()
		totalDeleted += int(rows)
	}

	if totalDeleted > 0 {
		log.Printf("DB: cleanup deleted %d records older than %d hours", totalDeleted, hours)
	}
	return nil
}
