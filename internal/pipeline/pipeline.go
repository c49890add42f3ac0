// Package pipeline wires the loaders, store, spatial join, analysis and
// report writer into the end-to-end conflict analysis.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/conflictatlas/conflictatlas/internal/acled"
	"github.com/conflictatlas/conflictatlas/internal/analysis"
	"github.com/conflictatlas/conflictatlas/internal/boundary"
	"github.com/conflictatlas/conflictatlas/internal/config"
	atlaserrors "github.com/conflictatlas/conflictatlas/internal/errors"
	"github.com/conflictatlas/conflictatlas/internal/report"
	"github.com/conflictatlas/conflictatlas/internal/roads"
	"github.com/conflictatlas/conflictatlas/internal/spatial"
	"github.com/conflictatlas/conflictatlas/internal/storage"
	"github.com/conflictatlas/conflictatlas/internal/store"
)

// Run kinds recorded in the runs table.
const (
	KindPipeline = "pipeline"
	KindIngest   = "ingest"
	KindReport   = "report"
)

// Pipeline runs the analysis steps against one store.
type Pipeline struct {
	cfg     *config.Config
	store   *store.Store
	loader  *boundary.Loader
	objects storage.ObjectStorage
	log     logrus.FieldLogger
	now     func() time.Time
}

// New creates a pipeline. objects may be nil when nothing is published.
func New(cfg *config.Config, st *store.Store, loader *boundary.Loader, objects storage.ObjectStorage, log logrus.FieldLogger) *Pipeline {
	return &Pipeline{cfg: cfg, store: st, loader: loader, objects: objects, log: log, now: time.Now}
}

// Boundaries loads the configured country's units and stores them.
func (p *Pipeline) Boundaries(ctx context.Context) (*boundary.Set, error) {
	set, err := p.loader.Load(ctx, p.cfg.Country)
	if err != nil {
		return nil, err
	}
	if err := p.store.ReplaceUnits(ctx, set); err != nil {
		return nil, err
	}
	return set, nil
}

// BoundarySet returns the stored units, loading them when the store has
// none or a refresh was requested.
func (p *Pipeline) BoundarySet(ctx context.Context) (*boundary.Set, error) {
	if !p.cfg.ArcGIS.Refresh {
		set, ok, err := p.store.BoundarySet(ctx, p.cfg.Country)
		if err != nil {
			return nil, err
		}
		if ok {
			return set, nil
		}
	}
	return p.Boundaries(ctx)
}

// IngestResult reports what an ingest did.
type IngestResult struct {
	Read     int
	Rejected []acled.RecordError
	Upsert   store.UpsertResult
}

// Ingest reads an ACLED export and upserts the events in the configured
// date window.
func (p *Pipeline) Ingest(ctx context.Context, path string) (*IngestResult, error) {
	if path == "" {
		return nil, atlaserrors.NewValidationError(atlaserrors.CodeInvalidConfig, "no ACLED input configured")
	}
	res, err := acled.Reader{Strict: p.cfg.ACLED.Strict}.ReadFile(path)
	if err != nil {
		return nil, err
	}
	for _, re := range res.Rejected {
		p.log.WithFields(logrus.Fields{"line": re.Line, "event_id": re.ID, "field": re.Field}).Warn("rejected ACLED record: " + re.Reason)
	}

	filter, err := p.Filter()
	if err != nil {
		return nil, err
	}
	events := filter.Apply(res.Events)

	up, err := p.store.UpsertEvents(ctx, events)
	if err != nil {
		return nil, err
	}
	p.log.WithFields(logrus.Fields{
		"path":       path,
		"read":       len(res.Events),
		"rejected":   len(res.Rejected),
		"duplicates": res.Duplicates,
		"inserted":   up.Inserted,
		"updated":    up.Updated,
		"skipped":    up.Skipped,
	}).Info("ingested ACLED events")
	return &IngestResult{Read: len(res.Events), Rejected: res.Rejected, Upsert: up}, nil
}

// Filter builds the event filter from configuration.
func (p *Pipeline) Filter() (acled.Filter, error) {
	f := acled.Filter{Country: p.cfg.Country}
	var err error
	if p.cfg.ACLED.From != "" {
		if f.From, err = acled.ParseDate(p.cfg.ACLED.From); err != nil {
			return f, atlaserrors.NewValidationError(atlaserrors.CodeInvalidConfig, "invalid from date: "+p.cfg.ACLED.From)
		}
	}
	if p.cfg.ACLED.To != "" {
		if f.To, err = acled.ParseDate(p.cfg.ACLED.To); err != nil {
			return f, atlaserrors.NewValidationError(atlaserrors.CodeInvalidConfig, "invalid to date: "+p.cfg.ACLED.To)
		}
	}
	return f, nil
}

// Events returns the stored events in the configured window.
func (p *Pipeline) Events(ctx context.Context) ([]acled.Event, error) {
	f, err := p.Filter()
	if err != nil {
		return nil, err
	}
	return p.store.Events(ctx, f)
}

// Join assigns the stored events to units and saves the assignments.
func (p *Pipeline) Join(ctx context.Context, set *boundary.Set, events []acled.Event) (spatial.JoinStats, error) {
	assignments, stats, err := spatial.Join(ctx, set, events, p.cfg.Analysis.Workers)
	if err != nil {
		return stats, err
	}
	if err := p.store.SaveAssignments(ctx, assignments); err != nil {
		return stats, err
	}
	p.log.WithFields(logrus.Fields{
		"events":          stats.Total,
		"assigned":        stats.Assigned,
		"unassigned":      stats.Unassigned,
		"admin2_missing":  stats.Admin2Missing,
		"name_mismatches": stats.NameMismatches,
	}).Info("joined events to boundaries")
	return stats, nil
}

// Proximity measures road distances when a road network is configured.
// ok is false when proximity is disabled.
func (p *Pipeline) Proximity(ctx context.Context, events []acled.Event) (ok bool, err error) {
	if p.cfg.Roads.InputPath == "" {
		return false, nil
	}
	net, err := roads.LoadFile(p.cfg.Roads.InputPath, p.cfg.Roads.CellDegrees)
	if err != nil {
		return false, err
	}
	distances, err := roads.Proximity(ctx, net, events, p.cfg.Analysis.Workers, p.cfg.Roads.MaxSearchMeters)
	if err != nil {
		return false, err
	}
	if err := p.store.SaveRoadDistances(ctx, distances); err != nil {
		return false, err
	}

	found := 0
	for _, d := range distances {
		if d.Found {
			found++
		}
	}
	p.log.WithFields(logrus.Fields{
		"roads":    net.Len(),
		"segments": net.Segments(),
		"skipped":  net.Skipped,
		"events":   len(events),
		"found":    found,
	}).Info("measured road proximity")
	return true, nil
}

// Report analyses the stored events and writes a run directory. It returns
// the directory and the files written.
func (p *Pipeline) Report(ctx context.Context, runID string, set *boundary.Set, join *spatial.JoinStats) (string, []string, error) {
	events, err := p.Events(ctx)
	if err != nil {
		return "", nil, err
	}
	assignments, err := p.store.Assignments(ctx)
	if err != nil {
		return "", nil, err
	}

	a := analysis.New(p.cfg.Analysis.Workers)
	temporal, err := a.Temporal(events, p.cfg.Analysis.TimeBucket)
	if err != nil {
		return "", nil, atlaserrors.NewValidationError(atlaserrors.CodeInvalidConfig, err.Error())
	}

	r := &report.Report{
		RunID:       runID,
		Country:     p.cfg.Country,
		GeneratedAt: p.now(),
		Bucket:      p.cfg.Analysis.TimeBucket,
		Totals:      analysis.Summarize(events, assignments),
		Join:        join,
		Temporal:    temporal,
		Admin1:      a.ByAdmin(events, assignments, boundary.LevelAdmin1, set),
		Admin2:      a.ByAdmin(events, assignments, boundary.LevelAdmin2, set),
		EventTypes:  a.ByEventType(events),
		Actors:      a.ByActor(events, p.cfg.Analysis.TopActors),
		Boundaries:  set,
	}

	if p.cfg.Roads.InputPath != "" {
		distances, err := p.store.RoadDistances(ctx)
		if err != nil {
			return "", nil, err
		}
		// Roads configured but proximity not computed for this store.
		if len(distances) > 0 {
			r.Proximity = a.ByProximityBand(distances, events, p.cfg.Analysis.ProximityBandsKm)
		}
	}

	dir := filepath.Join(p.cfg.Analysis.ReportDir, runID)
	files, err := report.Write(dir, r)
	if err != nil {
		return "", nil, err
	}
	p.log.WithFields(logrus.Fields{"dir": dir, "files": len(files), "events": len(events)}).Info("wrote report")
	return dir, files, nil
}

// Publish uploads a run directory to the configured object storage.
func (p *Pipeline) Publish(ctx context.Context, dir, runID string) ([]string, error) {
	if p.objects == nil {
		return nil, atlaserrors.NewValidationError(atlaserrors.CodeInvalidConfig, "no object storage configured")
	}
	keys, err := report.Publish(ctx, p.objects, dir, p.cfg.Storage.Prefix, runID, p.cfg.Analysis.Workers)
	if err != nil {
		return nil, err
	}
	p.log.WithFields(logrus.Fields{"objects": len(keys), "prefix": storage.ObjectKey(p.cfg.Storage.Prefix, runID)}).Info("published report")
	return keys, nil
}

// Fetch downloads a published run into dir.
func (p *Pipeline) Fetch(ctx context.Context, runID, dir string) ([]string, error) {
	if p.objects == nil {
		return nil, atlaserrors.NewValidationError(atlaserrors.CodeInvalidConfig, "no object storage configured")
	}
	paths, err := report.Fetch(ctx, p.objects, p.cfg.Storage.Prefix, runID, dir, p.cfg.Analysis.Workers)
	if err != nil {
		return nil, err
	}
	p.log.WithFields(logrus.Fields{"run_id": runID, "dir": dir, "files": len(paths)}).Info("fetched report")
	return paths, nil
}

// RunOptions selects optional pipeline stages.
type RunOptions struct {
	// SkipIngest reuses the events already in the store.
	SkipIngest bool
	Publish    bool
}

// RunResult summarises a full run.
type RunResult struct {
	RunID     string
	Ingest    *IngestResult
	Join      spatial.JoinStats
	Proximity bool
	ReportDir string
	Files     []string
	Published []string
}

// Run executes boundaries, ingest, join, proximity, report and optionally
// publish, recording the run and its outcome in the store.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	var res *RunResult
	err := p.Track(ctx, KindPipeline, func(ctx context.Context, runID string) (map[string]interface{}, error) {
		var err error
		if res, err = p.run(ctx, runID, opts); err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"events":     res.Join.Total,
			"unassigned": res.Join.Unassigned,
			"report_dir": res.ReportDir,
			"files":      len(res.Files),
			"published":  len(res.Published),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Track records fn as a run of kind. fn receives the run ID and returns the
// details stored with a successful outcome; failures store the error.
func (p *Pipeline) Track(ctx context.Context, kind string, fn func(ctx context.Context, runID string) (map[string]interface{}, error)) error {
	run, err := p.store.StartRun(ctx, kind)
	if err != nil {
		return err
	}
	log := p.log.WithFields(logrus.Fields{"run_id": run.ID, "kind": kind})
	log.Info("run started")

	details, err := fn(ctx, run.ID)

	status := store.RunSucceeded
	if err != nil {
		status = store.RunFailed
		details = map[string]interface{}{
			"error":     err.Error(),
			"retryable": atlaserrors.IsRetryable(err),
		}
	}

	// Record the outcome even when ctx was cancelled mid-run.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if ferr := p.store.FinishRun(finishCtx, run, status, details); ferr != nil {
		log.WithError(ferr).Error("failed to record run outcome")
	}

	if err != nil {
		log.WithError(err).Error("run failed")
		return fmt.Errorf("run %s: %w", run.ID, err)
	}
	log.WithField("duration", run.FinishedAt.Sub(run.StartedAt).String()).Info("run finished")
	return nil
}

func (p *Pipeline) run(ctx context.Context, runID string, opts RunOptions) (*RunResult, error) {
	res := &RunResult{RunID: runID}

	set, err := p.BoundarySet(ctx)
	if err != nil {
		return nil, err
	}

	if !opts.SkipIngest {
		if res.Ingest, err = p.Ingest(ctx, p.cfg.ACLED.InputPath); err != nil {
			return nil, err
		}
	}

	events, err := p.Events(ctx)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, atlaserrors.NewValidationError(atlaserrors.CodeEmptyInput, "no events in the store for the configured window")
	}

	if res.Join, err = p.Join(ctx, set, events); err != nil {
		return nil, err
	}
	if res.Proximity, err = p.Proximity(ctx, events); err != nil {
		return nil, err
	}
	if res.ReportDir, res.Files, err = p.Report(ctx, runID, set, &res.Join); err != nil {
		return nil, err
	}
	if opts.Publish {
		if res.Published, err = p.Publish(ctx, res.ReportDir, runID); err != nil {
			return nil, err
		}
	}
	return res, nil
}
