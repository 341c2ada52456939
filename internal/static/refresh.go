package static

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/nyct-live/tracker/internal/config"
)

// Manifest records when the metadata directory was last refreshed
type Manifest struct {
	UpdatedAt   string `json:"updated_at,omitempty"`
	GeneratedAt string `json:"generated_at,omitempty"` // older manifests
	Source      string `json:"source,omitempty"`
}

// RefreshIfStale downloads the static GTFS bundle when the metadata directory is missing or older
// than the configured age. Without a download URL the existing files are used as they are.
func RefreshIfStale(ctx context.Context, cfg *config.Config) error {
	manifestPath := filepath.Join(cfg.MetadataDir, "manifest.json")

	if !isStaleOrMissing(manifestPath, cfg.StaticRefreshDays) {
		log.Println("Static: metadata is fresh, skipping refresh")
		return nil
	}
	if cfg.StaticGTFSURL == "" {
		log.Println("Static: no STATIC_GTFS_URL configured, using existing metadata")
		return nil
	}

	if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
		return err
	}

	zipPath := filepath.Join(cfg.CacheDir, "nyct_gtfs.zip")
	if err := download(ctx, cfg.StaticGTFSURL, zipPath); err != nil {
		return err
	}
	if err := extract(zipPath, cfg.MetadataDir, "stops.txt", "shapes.txt"); err != nil {
		return err
	}

	if err := writeManifest(manifestPath, Manifest{
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		Source:    cfg.StaticGTFSURL,
	}); err != nil {
		return err
	}

	log.Println("Static: metadata refreshed")
	return nil
}

func isStaleOrMissing(manifestPath string, maxAgeDays int) bool {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return true
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return true
	}

	stamp := manifest.UpdatedAt
	if stamp == "" {
		stamp = manifest.GeneratedAt
	}
	updatedAt, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return true
	}

	maxAge := time.Duration(maxAgeDays) * 24 * time.Hour
	return time.Since(updatedAt) > maxAge
}

func writeManifest(path string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func download(ctx context.Context, url, dest string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download GTFS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GTFS download returned status %d", resp.StatusCode)
	}

	tmp := dest + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to save GTFS: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}
