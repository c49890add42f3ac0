package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/conflictatlas/conflictatlas/internal/boundary"
	"github.com/conflictatlas/conflictatlas/internal/docs"
	"github.com/conflictatlas/conflictatlas/internal/logging"
	"github.com/conflictatlas/conflictatlas/internal/pipeline"
	"github.com/conflictatlas/conflictatlas/internal/spatial"
)

// withApp opens the app for a command and closes it afterwards.
func withApp(o *options, cmd *cobra.Command, withObjects bool, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := o.open(ctx, cmd.ErrOrStderr(), withObjects)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newBoundariesCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "boundaries",
		Short: "Fetch country, admin1 and admin2 boundaries and store them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(o, cmd, false, func(ctx context.Context, a *app) error {
				set, err := a.pipeline.Boundaries(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, level := range boundary.Levels {
					fmt.Fprintf(out, "%-8s %d units\n", level, len(set.Units(level)))
				}
				return nil
			})
		},
	}
}

func newIngestCmd(o *options) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "ingest [acled.csv]",
		Short: "Load an ACLED CSV export into the store",
		Long: `Load an ACLED CSV export into the store. Events outside the configured
country or date window are dropped. Events already stored are replaced only
when the export carries a newer ACLED timestamp.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(o, cmd, false, func(ctx context.Context, a *app) error {
				path := a.cfg.ACLED.InputPath
				if len(args) == 1 {
					path = args[0]
				}
				if strict {
					a.cfg.ACLED.Strict = true
				}

				var res *pipeline.IngestResult
				err := a.pipeline.Track(ctx, pipeline.KindIngest, func(ctx context.Context, runID string) (map[string]interface{}, error) {
					var err error
					if res, err = a.pipeline.Ingest(ctx, path); err != nil {
						return nil, err
					}
					return map[string]interface{}{
						"path":     path,
						"read":     res.Read,
						"rejected": len(res.Rejected),
						"inserted": res.Upsert.Inserted,
						"updated":  res.Upsert.Updated,
					}, nil
				})
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "read %d, rejected %d, inserted %d, updated %d, unchanged %d\n",
					res.Read, len(res.Rejected), res.Upsert.Inserted, res.Upsert.Updated, res.Upsert.Skipped)
				for _, re := range res.Rejected {
					fmt.Fprintf(out, "  %s\n", re.Error())
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Abort on the first malformed record")
	return cmd
}

func newJoinCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "join",
		Short: "Assign stored events to admin1 and admin2 units",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(o, cmd, false, func(ctx context.Context, a *app) error {
				set, err := a.pipeline.BoundarySet(ctx)
				if err != nil {
					return err
				}
				events, err := a.pipeline.Events(ctx)
				if err != nil {
					return err
				}
				stats, err := a.pipeline.Join(ctx, set, events)
				if err != nil {
					return err
				}
				printJoin(cmd.OutOrStdout(), stats)
				return nil
			})
		},
	}
}

func printJoin(out io.Writer, s spatial.JoinStats) {
	fmt.Fprintf(out, "events %d, assigned %d, unassigned %d, admin2 missing %d, name mismatches %d\n",
		s.Total, s.Assigned, s.Unassigned, s.Admin2Missing, s.NameMismatches)
}

func newProximityCmd(o *options) *cobra.Command {
	var roadsPath string
	cmd := &cobra.Command{
		Use:   "proximity",
		Short: "Measure the distance from each stored event to the nearest road",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(o, cmd, false, func(ctx context.Context, a *app) error {
				if roadsPath != "" {
					a.cfg.Roads.InputPath = roadsPath
				}
				events, err := a.pipeline.Events(ctx)
				if err != nil {
					return err
				}
				ok, err := a.pipeline.Proximity(ctx, events)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "no road network configured, nothing measured")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "measured %d events\n", len(events))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&roadsPath, "roads", "", "Road network GeoJSON (overrides configuration)")
	return cmd
}

func newReportCmd(o *options) *cobra.Command {
	var bucket string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Write analysis tables and maps for the stored events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(o, cmd, false, func(ctx context.Context, a *app) error {
				if bucket != "" {
					a.cfg.Analysis.TimeBucket = bucket
				}
				set, err := a.pipeline.BoundarySet(ctx)
				if err != nil {
					return err
				}

				var dir string
				var files []string
				err = a.pipeline.Track(ctx, pipeline.KindReport, func(ctx context.Context, runID string) (map[string]interface{}, error) {
					var err error
					if dir, files, err = a.pipeline.Report(ctx, runID, set, nil); err != nil {
						return nil, err
					}
					return map[string]interface{}{"report_dir": dir, "files": len(files)}, nil
				})
				if err != nil {
					return err
				}
				printFiles(cmd.OutOrStdout(), dir, files)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&bucket, "bucket", "", "Time bucket: day, week, month or year")
	return cmd
}

func printFiles(out io.Writer, dir string, files []string) {
	fmt.Fprintf(out, "%s\n", dir)
	for _, f := range files {
		fmt.Fprintf(out, "  %s\n", f)
	}
}

func newPublishCmd(o *options) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "publish <report-dir>",
		Short: "Upload a report directory to the configured object storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(o, cmd, true, func(ctx context.Context, a *app) error {
				dir := args[0]
				id := runID
				if id == "" {
					id = filepath.Base(filepath.Clean(dir))
				}
				keys, err := a.pipeline.Publish(ctx, dir, id)
				if err != nil {
					return err
				}
				for _, k := range keys {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Object prefix for the upload (defaults to the directory name)")
	return cmd
}

func newFetchCmd(o *options) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "fetch <run-id>",
		Short: "Download a published report from the configured object storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(o, cmd, true, func(ctx context.Context, a *app) error {
				target := dir
				if target == "" {
					target = filepath.Join(a.cfg.Analysis.ReportDir, args[0])
				}
				paths, err := a.pipeline.Fetch(ctx, args[0], target)
				if err != nil {
					return err
				}
				for _, p := range paths {
					fmt.Fprintln(cmd.OutOrStdout(), p)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Destination directory (defaults to <report-dir>/<run-id>)")
	return cmd
}

func newRunCmd(o *options) *cobra.Command {
	var opts pipeline.RunOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run boundaries, ingest, join, proximity and report in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(o, cmd, opts.Publish, func(ctx context.Context, a *app) error {
				res, err := a.pipeline.Run(ctx, opts)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "run %s\n", res.RunID)
				printJoin(out, res.Join)
				printFiles(out, res.ReportDir, res.Files)
				if len(res.Published) > 0 {
					fmt.Fprintf(out, "published %d objects\n", len(res.Published))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&opts.SkipIngest, "skip-ingest", false, "Reuse the events already in the store")
	cmd.Flags().BoolVar(&opts.Publish, "publish", false, "Upload the report after writing it")
	return cmd
}

func newStatusCmd(o *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show store totals and recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(o, cmd, false, func(ctx context.Context, a *app) error {
				sum, err := a.store.Summarize(ctx)
				if err != nil {
					return err
				}
				byType, err := a.store.CountBy(ctx, "event_type")
				if err != nil {
					return err
				}
				byAdmin1, err := a.store.CountBy(ctx, "admin1")
				if err != nil {
					return err
				}
				runs, err := a.store.Runs(ctx, limit)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "events %d (%s to %s), fatalities %d\n", sum.Events, sum.FirstDate, sum.LastDate, sum.Fatalities)
				fmt.Fprintf(out, "assigned %d, unassigned %d, with road distance %d\n", sum.Assigned, sum.Unassigned, sum.WithRoad)
				printCounts(out, "event types", byType)
				printCounts(out, "departments", byAdmin1)
				fmt.Fprintln(out)

				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "RUN\tKIND\tSTATUS\tSTARTED\tDURATION")
				for _, r := range runs {
					dur := "-"
					if !r.FinishedAt.IsZero() {
						dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Kind, r.Status, r.StartedAt.Format(time.RFC3339), dur)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Number of runs to show")
	return cmd
}

func newDocsCmd(o *options) *cobra.Command {
	docsCmd := &cobra.Command{
		Use:   "docs",
		Short: "Documentation integrity checks",
	}

	var root, toc, readme string
	check := &cobra.Command{
		Use:   "check",
		Short: "Verify the book table of contents and the README links",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}
			if root != "" {
				cfg.Docs.BookRoot = root
			}
			if cmd.Flags().Changed("toc") {
				cfg.Docs.TOCPath = toc
			}
			if cmd.Flags().Changed("readme") {
				cfg.Docs.ReadmePath = readme
			}

			log := logging.NewWithOutput(cfg.Log, cmd.ErrOrStderr())
			checker := &docs.Checker{
				Concurrency: cfg.Docs.Concurrency,
				Timeout:     cfg.Docs.Timeout,
				UserAgent:   "conflictatlas/" + version,
			}
			res, err := docs.Check(cmd.Context(), cfg.Docs, checker, log)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "toc entries %d, missing %d; links %d, broken %d\n",
				res.TOCEntries, len(res.MissingTOC), res.LinksTotal, len(res.BrokenLinks))
			for _, m := range res.MissingTOC {
				fmt.Fprintf(out, "  missing: %s\n", m)
			}
			for _, b := range res.BrokenLinks {
				fmt.Fprintf(out, "  broken: %s\n", b)
			}
			return res.Err()
		},
	}
	check.Flags().StringVar(&root, "root", "", "Book root directory")
	check.Flags().StringVar(&toc, "toc", "", "Table of contents file; empty skips the check")
	check.Flags().StringVar(&readme, "readme", "", "Markdown file whose links are checked; empty skips the check")

	docsCmd.AddCommand(check)
	return docsCmd
}

// printCounts writes counts on one line, largest first.
func printCounts(w io.Writer, label string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s %d", k, counts[k])
	}
	fmt.Fprintf(w, "%s: %s\n", label, strings.Join(parts, ", "))
}
