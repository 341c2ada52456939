package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyct-live/tracker/internal/realtime/poller"
)

// inTempDir runs the test from an empty directory so no stray .env or key file is picked up
func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	inTempDir(t)
	t.Setenv("MTA_API_KEY", "abc123")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "abc123", cfg.APIKey)
	assert.Equal(t, DefaultFeedURL, cfg.FeedURL)
	assert.Equal(t, poller.DefaultPartitions, cfg.Partitions)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.PartitionDelay)
	assert.Equal(t, time.Second, cfg.IdleFloor)
	assert.Equal(t, ":8081", cfg.HTTPAddr)
	assert.Equal(t, "nyct", cfg.NATSSubjectPrefix)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.CORSOrigins)
}

func TestLoadAPIKeyFromFile(t *testing.T) {
	dir := inTempDir(t)
	t.Setenv("MTA_API_KEY", "")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mta_key.txt"), []byte("  from-file\n"), 0600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.APIKey)
}

func TestLoadWithoutKeyFails(t *testing.T) {
	inTempDir(t)
	t.Setenv("MTA_API_KEY", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadDotEnvLocalOverrides(t *testing.T) {
	dir := inTempDir(t)
	t.Setenv("MTA_API_KEY", "k")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("NATS_SUBJECT_PREFIX=base\n"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.local"), []byte("NATS_SUBJECT_PREFIX=local\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("NATS_SUBJECT_PREFIX") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.NATSSubjectPrefix)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := inTempDir(t)
	t.Setenv("MTA_API_KEY", "k")

	path := filepath.Join(dir, "tracker.yml")
	yml := `
feed_url: https://api-endpoint.mta.info/Dataservice/mtagtfsfeeds/nyct%2Fgtfs
poll_interval_seconds: 15
partitions:
  - label: L
    feed_id: 2
  - label: G
    feed_id: 31
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0600))
	t.Setenv("TRACKER_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
	assert.Equal(t, []poller.Partition{{Label: "L", FeedID: 2}, {Label: "G", FeedID: 31}}, cfg.Partitions)
	assert.Contains(t, cfg.FeedURL, "api-endpoint.mta.info")
}

func TestLoadRejectsInvalidPartitions(t *testing.T) {
	dir := inTempDir(t)
	t.Setenv("MTA_API_KEY", "k")

	path := filepath.Join(dir, "tracker.yml")
	yml := `
partitions:
  - label: ""
    feed_id: 2
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0600))
	t.Setenv("TRACKER_CONFIG", path)

	_, err := Load()
	assert.Error(t, err)
}

func TestValidateRejectsDuplicates(t *testing.T) {
	inTempDir(t)
	t.Setenv("MTA_API_KEY", "k")
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Partitions = []poller.Partition{{Label: "A", FeedID: 1}, {Label: "A", FeedID: 2}}
	assert.Error(t, cfg.Validate())

	cfg.Partitions = []poller.Partition{{Label: "A", FeedID: 1}, {Label: "B", FeedID: 1}}
	assert.Error(t, cfg.Validate())
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b "))
	assert.Nil(t, splitList(""))
}
