package static

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nyct-live/tracker/internal/config"
)

func TestIsStaleOrMissing_MissingFile(t *testing.T) {
	// A non-existent manifest should trigger refresh
	if !isStaleOrMissing(filepath.Join(t.TempDir(), "manifest.json"), 7) {
		t.Error("isStaleOrMissing should return true for missing file")
	}
}

func TestIsStaleOrMissing_FreshManifest(t *testing.T) {
	manifestPath := filepath.Join(t.TempDir(), "manifest.json")
	writeTestManifest(t, manifestPath, Manifest{UpdatedAt: time.Now().UTC().Format(time.RFC3339)})

	if isStaleOrMissing(manifestPath, 7) {
		t.Error("isStaleOrMissing should return false for fresh manifest")
	}
}

func TestIsStaleOrMissing_StaleManifest(t *testing.T) {
	manifestPath := filepath.Join(t.TempDir(), "manifest.json")
	// 10 days old
	writeTestManifest(t, manifestPath, Manifest{UpdatedAt: time.Now().Add(-10 * 24 * time.Hour).UTC().Format(time.RFC3339)})

	if !isStaleOrMissing(manifestPath, 7) {
		t.Error("isStaleOrMissing should return true for stale manifest")
	}
}

func TestIsStaleOrMissing_CorruptJSON(t *testing.T) {
	manifestPath := filepath.Join(t.TempDir(), "manifest.json")
	os.WriteFile(manifestPath, []byte("{invalid json"), 0644)

	if !isStaleOrMissing(manifestPath, 7) {
		t.Error("isStaleOrMissing should return true for corrupt manifest")
	}
}

func TestIsStaleOrMissing_LegacyGeneratedAt(t *testing.T) {
	manifestPath := filepath.Join(t.TempDir(), "manifest.json")
	writeTestManifest(t, manifestPath, Manifest{GeneratedAt: time.Now().UTC().Format(time.RFC3339)})

	if isStaleOrMissing(manifestPath, 7) {
		t.Error("isStaleOrMissing should handle legacy generated_at field")
	}
}

func TestRefreshIfStale_DownloadsAndExtracts(t *testing.T) {
	bundle := gtfsZip(t, map[string]string{
		"stops.txt":  testStopsCSV,
		"shapes.txt": testShapesCSV,
		"trips.txt":  "route_id,trip_id\n",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bundle)
	}))
	defer srv.Close()

	dir := t.TempDir()
	cfg := &config.Config{
		MetadataDir:       filepath.Join(dir, "metadata"),
		CacheDir:          filepath.Join(dir, "cache"),
		StaticGTFSURL:     srv.URL,
		StaticRefreshDays: 7,
	}

	if err := RefreshIfStale(context.Background(), cfg); err != nil {
		t.Fatalf("RefreshIfStale: %v", err)
	}

	data, err := Load(cfg.MetadataDir)
	if err != nil {
		t.Fatalf("Load after refresh: %v", err)
	}
	if got := len(data.Stops.Stations()); got != 2 {
		t.Errorf("stations = %d, want 2", got)
	}
	if _, err := os.Stat(filepath.Join(cfg.MetadataDir, "trips.txt")); !os.IsNotExist(err) {
		t.Error("only stops.txt and shapes.txt should be extracted")
	}
	if isStaleOrMissing(filepath.Join(cfg.MetadataDir, "manifest.json"), 7) {
		t.Error("manifest should be fresh after refresh")
	}
}

func TestRefreshIfStale_NoURLKeepsExisting(t *testing.T) {
	cfg := &config.Config{MetadataDir: t.TempDir(), CacheDir: t.TempDir(), StaticRefreshDays: 7}
	if err := RefreshIfStale(context.Background(), cfg); err != nil {
		t.Errorf("RefreshIfStale without URL should not fail: %v", err)
	}
}

func writeTestManifest(t *testing.T, path string, m Manifest) {
	t.Helper()
	data, _ := json.Marshal(m)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func gtfsZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(content))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
