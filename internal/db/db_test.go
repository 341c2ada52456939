package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyct-live/tracker/internal/config"
	"github.com/nyct-live/tracker/internal/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Connect(filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	return db
}

func sampleCycle(polledAt time.Time) model.CycleResult {
	retrieval := polledAt.Unix()
	progress := 0.5
	tripKey := model.TripKey("032150_1..N03R", retrieval)
	return model.CycleResult{
		PolledAt: polledAt,
		Trips: []model.Trip{{
			ID:              tripKey,
			TripID:          "032150_1..N03R",
			RouteID:         "1",
			IsAssigned:      true,
			TrainID:         "01 0521 242/SFT",
			Direction:       model.DirectionNorth,
			CurrentStatus:   model.StatusInTransitTo,
			CurrentStop:     "101N",
			CurrentStopTime: retrieval + 60,
			Progress:        &progress,
			Retrieval:       retrieval,
		}},
		Updates: []model.StopTimeUpdate{{
			ID:         model.UpdateKey("032150_1..N03R", "101N", retrieval),
			TripID:     "032150_1..N03R",
			ParentTrip: tripKey,
			Stop:       "101N",
			Arrival:    retrieval + 60,
			Retrieval:  retrieval,
		}},
		Statuses: []model.TrainStatus{{
			Trip:        tripKey,
			RouteID:     "1",
			NearestStop: "101N",
			AtStation:   true,
			Retrieval:   retrieval,
		}},
		Partitions: []model.PartitionReport{
			{Label: "123456S", FeedID: 1},
			{Label: "L", FeedID: 2, Fault: "transport"},
		},
	}
}

func count(t *testing.T, db *DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.conn.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestSaveCycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveCycle(ctx, sampleCycle(time.Now())))

	assert.Equal(t, 1, count(t, db, "cycles"))
	assert.Equal(t, 1, count(t, db, "trips"))
	assert.Equal(t, 1, count(t, db, "stop_time_updates"))
	assert.Equal(t, 1, count(t, db, "train_status"))

	var failed int
	require.NoError(t, db.conn.QueryRow("SELECT failed_partitions FROM cycles").Scan(&failed))
	assert.Equal(t, 1, failed)

	var direction string
	var progress float64
	require.NoError(t, db.conn.QueryRow("SELECT direction, progress FROM trips").Scan(&direction, &progress))
	assert.Equal(t, "NORTH", direction)
	assert.Equal(t, 0.5, progress)
}

func TestSaveCycleIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	r := sampleCycle(time.Now())

	require.NoError(t, db.SaveCycle(ctx, r))
	require.NoError(t, db.SaveCycle(ctx, r))

	assert.Equal(t, 1, count(t, db, "cycles"))
	assert.Equal(t, 1, count(t, db, "trips"))
	assert.Equal(t, 1, count(t, db, "stop_time_updates"))
}

func TestSaveCycleKeepsCycleIDAcrossReplays(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	r := sampleCycle(time.Now())

	cycleIDs := func() (string, string) {
		var cycle, trip string
		require.NoError(t, db.conn.QueryRow("SELECT cycle_id FROM cycles").Scan(&cycle))
		require.NoError(t, db.conn.QueryRow("SELECT cycle_id FROM trips").Scan(&trip))
		return cycle, trip
	}

	require.NoError(t, db.SaveCycle(ctx, r))
	first, _ := cycleIDs()

	require.NoError(t, db.SaveCycle(ctx, r))
	second, trip := cycleIDs()

	assert.Equal(t, first, second)
	assert.Equal(t, second, trip)
	assert.Equal(t, cycleIDFor(r.Retrieval()), second)
	assert.NotEqual(t, cycleIDFor(r.Retrieval()+30), second)
	assert.Equal(t, 1, count(t, db, "cycles"))
}

func TestSaveCycleIgnoresEmptyResult(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.SaveCycle(context.Background(), model.CycleResult{}))
	assert.Equal(t, 0, count(t, db, "cycles"))
}

func TestRecordAndListFailures(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first := model.FetchFailure{
		Partition:  "ACEHS",
		FeedID:     26,
		URL:        "http://datamine.mta.info/mta_esi.php?feed_id=26&key=REDACTED",
		StatusCode: 503,
		Reason:     "Service Unavailable",
		Headers:    map[string]string{"Retry-After": "30"},
		Content:    "<html>busy</html>",
		Elapsed:    1500 * time.Millisecond,
		At:         time.Now().Add(-time.Minute),
	}
	second := model.FetchFailure{Partition: "L", FeedID: 2, Reason: "connection refused"}

	require.NoError(t, db.RecordFailure(ctx, first))
	require.NoError(t, db.RecordFailure(ctx, second))

	failures, err := db.RecentFailures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failures, 2)

	assert.Equal(t, "L", failures[0].Partition)
	assert.Nil(t, failures[0].Headers)
	assert.False(t, failures[0].At.IsZero())

	got := failures[1]
	assert.Equal(t, 503, got.StatusCode)
	assert.Equal(t, "30", got.Headers["Retry-After"])
	assert.Equal(t, "<html>busy</html>", got.Content)
	assert.Equal(t, 1500*time.Millisecond, got.Elapsed)

	limited, err := db.RecentFailures(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestCleanupRemovesOldRows(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveCycle(ctx, sampleCycle(time.Now().Add(-48*time.Hour))))
	require.NoError(t, db.SaveCycle(ctx, sampleCycle(time.Now())))
	require.NoError(t, db.RecordFailure(ctx, model.FetchFailure{Partition: "G", FeedID: 31, At: time.Now().Add(-72 * time.Hour)}))

	require.NoError(t, db.Cleanup(ctx, 24*time.Hour))

	assert.Equal(t, 1, count(t, db, "cycles"))
	assert.Equal(t, 1, count(t, db, "trips"))
	assert.Equal(t, 1, count(t, db, "train_status"))
	assert.Equal(t, 0, count(t, db, "fetch_failures"))
}

func TestPersisterSavesAndCleans(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveCycle(ctx, sampleCycle(time.Now().Add(-48*time.Hour))))

	p := NewPersister(db, 24*time.Hour)
	require.NoError(t, p.HandleCycle(ctx, sampleCycle(time.Now())))

	assert.Equal(t, 1, count(t, db, "cycles"))
}

func TestOpenCreatesSQLiteDirectory(t *testing.T) {
	cfg := &config.Config{DatabasePath: filepath.Join(t.TempDir(), "nested", "tracker.db")}

	store, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer store.Close()

	_, ok := store.(*DB)
	assert.True(t, ok)
	_, err = os.Stat(cfg.DatabasePath)
	assert.NoError(t, err)
}

func TestPostgresRoundTrip(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	pg, err := ConnectPostgres(ctx, url)
	require.NoError(t, err)
	defer pg.Close()
	require.NoError(t, pg.EnsureSchema(ctx))

	r := sampleCycle(time.Now())
	require.NoError(t, pg.SaveCycle(ctx, r))
	require.NoError(t, pg.SaveCycle(ctx, r))

	require.NoError(t, pg.RecordFailure(ctx, model.FetchFailure{Partition: "JZ", FeedID: 36, StatusCode: 500}))
	failures, err := pg.RecentFailures(ctx, 1)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "JZ", failures[0].Partition)

	require.NoError(t, pg.Cleanup(ctx, 24*time.Hour))
}
