package static

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/nyct-live/tracker/internal/model"
)

// ShapePoint is one point of a shapes.txt polyline
type ShapePoint struct {
	ShapeID  string  `json:"shape_id"`
	Lat      float64 `json:"shape_pt_lat"`
	Lon      float64 `json:"shape_pt_lon"`
	Sequence int     `json:"shape_pt_sequence"`
}

// Data is the reference data the tracker needs from a GTFS bundle
type Data struct {
	Stops  *Stops
	Shapes Shapes
}

// Load reads stops.txt and shapes.txt from a metadata directory
func Load(dir string) (*Data, error) {
	stops, err := parseFile(filepath.Join(dir, "stops.txt"), parseStops)
	if err != nil {
		return nil, err
	}

	shapes, err := parseFile(filepath.Join(dir, "shapes.txt"), parseShapes)
	if err != nil {
		// Shapes only feed the map geometry; stops are enough to run
		log.Printf("Static: warning: failed to parse shapes.txt: %v", err)
		shapes = make(Shapes)
	}

	data := &Data{Stops: NewStops(stops), Shapes: shapes}
	log.Printf("Static: loaded %d stops (%d stations), %d shapes",
		len(stops), len(data.Stops.Stations()), len(shapes))
	return data, nil
}

func parseFile[T any](path string, parse func(io.Reader) (T, error)) (T, error) {
	var zero T
	f, err := os.Open(path)
	if err != nil {
		return zero, fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	v, err := parse(f)
	if err != nil {
		return zero, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return v, nil
}

// extract copies the named members of a GTFS zip into dir
func extract(zipPath, dir string, names ...string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	defer r.Close()

	files := make(map[string]*zip.File)
	for _, f := range r.File {
		files[f.Name] = f
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for _, name := range names {
		f, ok := files[name]
		if !ok {
			return fmt.Errorf("%s missing from GTFS zip", name)
		}
		if err := extractFile(f, filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("failed to extract %s: %w", name, err)
		}
	}
	return nil
}

func extractFile(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	tmp := dest + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}

func parseStops(r io.Reader) ([]model.Stop, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, err
	}

	idx := makeIndex(header)
	var stops []model.Stop

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}

		lat, _ := strconv.ParseFloat(getField(record, idx, "stop_lat"), 64)
		lon, _ := strconv.ParseFloat(getField(record, idx, "stop_lon"), 64)
		locType, _ := strconv.Atoi(getField(record, idx, "location_type"))

		stops = append(stops, model.Stop{
			ID:            getField(record, idx, "stop_id"),
			Name:          getField(record, idx, "stop_name"),
			Lat:           lat,
			Lon:           lon,
			LocationType:  locType,
			ParentStation: getField(record, idx, "parent_station"),
		})
	}

	return stops, nil
}

func parseShapes(r io.Reader) (Shapes, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, err
	}

	idx := makeIndex(header)
	shapes := make(Shapes)

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}

		shapeID := getField(record, idx, "shape_id")
		lat, _ := strconv.ParseFloat(getField(record, idx, "shape_pt_lat"), 64)
		lon, _ := strconv.ParseFloat(getField(record, idx, "shape_pt_lon"), 64)
		seq, _ := strconv.Atoi(getField(record, idx, "shape_pt_sequence"))

		shapes[shapeID] = append(shapes[shapeID], ShapePoint{
			ShapeID:  shapeID,
			Lat:      lat,
			Lon:      lon,
			Sequence: seq,
		})
	}

	// Sort each shape by sequence
	for shapeID := range shapes {
		points := shapes[shapeID]
		sort.SliceStable(points, func(i, j int) bool {
			return points[i].Sequence < points[j].Sequence
		})
	}

	return shapes, nil
}

func makeIndex(header []string) map[string]int {
	idx := make(map[string]int)
	for i, h := range header {
		// stops.txt exported from spreadsheets often carries a BOM
		idx[strings.TrimPrefix(strings.TrimSpace(h), "\ufeff")] = i
	}
	return idx
}

func getField(record []string, idx map[string]int, field string) string {
	if i, ok := idx[field]; ok && i < len(record) {
		return strings.TrimSpace(record[i])
	}
	return ""
}
