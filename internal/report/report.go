// Package report writes analysis results to CSV, JSON and GeoJSON files and
// publishes them to object storage.
package report

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/conflictatlas/conflictatlas/internal/analysis"
	"github.com/conflictatlas/conflictatlas/internal/boundary"
	atlaserrors "github.com/conflictatlas/conflictatlas/internal/errors"
	"github.com/conflictatlas/conflictatlas/internal/spatial"
	"github.com/conflictatlas/conflictatlas/internal/storage"
)

// File names written into a run directory.
const (
	FileTemporal   = "temporal.csv"
	FileAdmin1     = "admin1.csv"
	FileAdmin2     = "admin2.csv"
	FileEventTypes = "event_types.csv"
	FileActors     = "actors.csv"
	FileProximity  = "proximity.csv"
	FileSummary    = "summary.json"
	FileAdmin1Map  = "admin1.geojson"
	FileAdmin2Map  = "admin2.geojson"
)

// Report gathers everything a run produces.
type Report struct {
	RunID       string
	Country     string
	GeneratedAt time.Time
	Bucket      string

	Totals     analysis.Totals
	Join       *spatial.JoinStats
	Temporal   []analysis.TemporalRow
	Admin1     []analysis.Row
	Admin2     []analysis.Row
	EventTypes []analysis.Row
	Actors     []analysis.Row

	// Proximity is nil when no road network was configured.
	Proximity []analysis.Row

	// Boundaries, when set, are used for the choropleth files.
	Boundaries *boundary.Set
}

// Summary is the content of summary.json.
type Summary struct {
	RunID       string             `json:"run_id"`
	Country     string             `json:"country"`
	GeneratedAt time.Time          `json:"generated_at"`
	Bucket      string             `json:"time_bucket"`
	Totals      analysis.Totals    `json:"totals"`
	Join        *spatial.JoinStats `json:"join,omitempty"`
	TopTypes    []analysis.Row     `json:"top_event_types"`
	TopAdmin1   []analysis.Row     `json:"top_admin1"`
	Files       []string           `json:"files"`
}

type step struct {
	name string
	fn   func(path string) error
}

// Write renders r into dir and returns the file names written, sorted.
func Write(dir string, r *Report) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("report: failed to create %s: %w", dir, err)
	}

	var files []string
	write := func(name string, fn func(string) error) error {
		if err := fn(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("report: %s: %w", name, err)
		}
		files = append(files, name)
		return nil
	}

	steps := []step{
		{FileTemporal, func(p string) error { return writeTemporal(p, r.Temporal) }},
		{FileAdmin1, func(p string) error { return writeRows(p, r.Admin1, true) }},
		{FileAdmin2, func(p string) error { return writeRows(p, r.Admin2, true) }},
		{FileEventTypes, func(p string) error { return writeRows(p, r.EventTypes, false) }},
		{FileActors, func(p string) error { return writeRows(p, r.Actors, false) }},
	}
	if r.Proximity != nil {
		steps = append(steps, step{FileProximity, func(p string) error { return writeRows(p, r.Proximity, false) }})
	}
	for _, s := range steps {
		if err := write(s.name, s.fn); err != nil {
			return nil, err
		}
	}

	if r.Boundaries != nil {
		if err := write(FileAdmin1Map, func(p string) error {
			return writeChoropleth(p, r.Boundaries.Units(boundary.LevelAdmin1), r.Admin1)
		}); err != nil {
			return nil, err
		}
		if err := write(FileAdmin2Map, func(p string) error {
			return writeChoropleth(p, r.Boundaries.Units(boundary.LevelAdmin2), r.Admin2)
		}); err != nil {
			return nil, err
		}
	}

	files = append(files, FileSummary)
	sort.Strings(files)
	summary := Summary{
		RunID:       r.RunID,
		Country:     r.Country,
		GeneratedAt: r.GeneratedAt.UTC(),
		Bucket:      r.Bucket,
		Totals:      r.Totals,
		Join:        r.Join,
		TopTypes:    head(r.EventTypes, 5),
		TopAdmin1:   head(r.Admin1, 5),
		Files:       files,
	}
	if err := writeJSON(filepath.Join(dir, FileSummary), summary); err != nil {
		return nil, fmt.Errorf("report: %s: %w", FileSummary, err)
	}
	return files, nil
}

// Publish uploads every file in dir under <prefix>/<runID>/ and returns the
// object keys. Objects left under the run prefix by an earlier publish of
// the same run are deleted, so the prefix mirrors dir.
func Publish(ctx context.Context, store storage.ObjectStorage, dir, prefix, runID string, concurrency int) ([]string, error) {
	tr := storage.NewTransfer(store, concurrency)
	runPrefix := storage.ObjectKey(prefix, runID)
	keys, err := tr.UploadDir(ctx, dir, runPrefix)
	if err != nil {
		return nil, err
	}
	if _, err := tr.Prune(ctx, runPrefix+"/", keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// Fetch downloads the published run under <prefix>/<runID>/ into dir and
// returns the local paths. A run without a summary.json was never fully
// published and is reported as not found.
func Fetch(ctx context.Context, store storage.ObjectStorage, prefix, runID, dir string, concurrency int) ([]string, error) {
	runPrefix := storage.ObjectKey(prefix, runID)
	ok, err := store.Exists(ctx, storage.ObjectKey(runPrefix, FileSummary))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, atlaserrors.NewStorageError(atlaserrors.CodeObjectNotFound,
			fmt.Sprintf("report: no published run %s", runID), storage.ErrObjectNotFound)
	}
	return storage.NewTransfer(store, concurrency).DownloadPrefix(ctx, runPrefix+"/", dir)
}

func head(rows []analysis.Row, n int) []analysis.Row {
	if len(rows) > n {
		return rows[:n]
	}
	if rows == nil {
		return []analysis.Row{}
	}
	return rows
}

func writeCSV(path string, header []string, records [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return err
	}
	if err := w.WriteAll(records); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeTemporal(path string, rows []analysis.TemporalRow) error {
	records := make([][]string, len(rows))
	for i, r := range rows {
		records[i] = []string{r.Key, r.Start.Format("2006-01-02"), strconv.Itoa(r.Events), strconv.Itoa(r.Fatalities)}
	}
	return writeCSV(path, []string{"bucket", "start", "events", "fatalities"}, records)
}

func writeRows(path string, rows []analysis.Row, withName bool) error {
	header := []string{"key", "events", "fatalities", "max_fatalities", "mean_fatalities", "distinct"}
	if withName {
		header = append([]string{"code", "name"}, header[1:]...)
	}
	records := make([][]string, len(rows))
	for i, r := range rows {
		rec := []string{r.Key}
		if withName {
			rec = append(rec, r.Name)
		}
		records[i] = append(rec,
			strconv.Itoa(r.Events),
			strconv.Itoa(r.Fatalities),
			strconv.Itoa(r.MaxFatalities),
			strconv.FormatFloat(r.MeanFatalities, 'f', 3, 64),
			strconv.Itoa(r.Distinct),
		)
	}
	return writeCSV(path, header, records)
}

func writeChoropleth(path string, units []*boundary.Unit, rows []analysis.Row) error {
	byCode := make(map[string]analysis.Row, len(rows))
	for _, r := range rows {
		byCode[r.Key] = r
	}

	fc := geojson.NewFeatureCollection()
	for _, u := range units {
		if len(u.Geometry) == 0 {
			continue
		}
		r := byCode[u.Code]
		f := geojson.NewFeature(u.Geometry)
		f.ID = u.Code
		f.Properties["code"] = u.Code
		f.Properties["name"] = u.Name
		if u.Admin1Code != "" {
			f.Properties["admin1_code"] = u.Admin1Code
		}
		f.Properties["events"] = r.Events
		f.Properties["fatalities"] = r.Fatalities
		f.Properties["mean_fatalities"] = r.MeanFatalities
		fc.Append(f)
	}

	data, err := fc.MarshalJSON()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}
