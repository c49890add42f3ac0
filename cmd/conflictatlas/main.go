// Package main implements the conflictatlas binary.
// Each pipeline step is a subcommand; "run" executes all of them in order.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/conflictatlas/conflictatlas/internal/arcgis"
	"github.com/conflictatlas/conflictatlas/internal/boundary"
	"github.com/conflictatlas/conflictatlas/internal/config"
	atlaserrors "github.com/conflictatlas/conflictatlas/internal/errors"
	"github.com/conflictatlas/conflictatlas/internal/logging"
	"github.com/conflictatlas/conflictatlas/internal/pipeline"
	"github.com/conflictatlas/conflictatlas/internal/storage"
	"github.com/conflictatlas/conflictatlas/internal/store"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps failures to exit statuses: 2 for bad input or config, 75
// (EX_TEMPFAIL) when re-running may succeed, 1 otherwise.
func exitCode(err error) int {
	switch {
	case atlaserrors.GetCategory(err) == atlaserrors.ErrCategoryValidation:
		return 2
	case atlaserrors.IsRetryable(err):
		return 75
	default:
		return 1
	}
}

// options holds the persistent flags shared by every subcommand.
type options struct {
	configFile string
	envFiles   []string
	dataDir    string
	country    string
	logLevel   string
	from       string
	to         string
	refresh    bool
}

func newRootCmd() *cobra.Command {
	o := &options{}

	root := &cobra.Command{
		Use:   "conflictatlas",
		Short: "Conflict event analysis against administrative boundaries and roads",
		Long: `conflictatlas joins ACLED conflict events to World Bank administrative
boundaries, measures their distance to the road network and writes
tabular and map-ready reports.

Environment Variables:
  CONFLICTATLAS_DATA_DIR       Base directory for the database and reports
  CONFLICTATLAS_COUNTRY        ISO3 country code
  CONFLICTATLAS_ACLED_INPUT    ACLED CSV export
  CONFLICTATLAS_ROADS_INPUT    Road network GeoJSON
  CONFLICTATLAS_STORAGE_TYPE   Publication storage (local, s3)`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&o.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	pf.StringSliceVar(&o.envFiles, "env-file", []string{".env"}, "dotenv files loaded before the environment is read")
	pf.StringVar(&o.dataDir, "data-dir", "", "Base directory for all data files")
	pf.StringVar(&o.country, "country", "", "ISO 3166-1 alpha-3 country code")
	pf.StringVar(&o.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&o.from, "from", "", "First event date, YYYY-MM-DD")
	pf.StringVar(&o.to, "to", "", "Last event date, YYYY-MM-DD")
	pf.BoolVar(&o.refresh, "refresh", false, "Ignore cached boundaries")

	root.AddCommand(
		newBoundariesCmd(o),
		newIngestCmd(o),
		newJoinCmd(o),
		newProximityCmd(o),
		newReportCmd(o),
		newPublishCmd(o),
		newFetchCmd(o),
		newRunCmd(o),
		newStatusCmd(o),
		newDocsCmd(o),
		newVersionCmd(),
	)
	return root
}

// loadConfig loads configuration from dotenv files, the config file, the
// environment and flags, in increasing priority.
func (o *options) loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(o.envFiles...); err != nil {
		return nil, err
	}

	var cfg *config.Config
	if o.configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(o.configFile)
		if err != nil {
			return nil, atlaserrors.Wrap(atlaserrors.ErrCategoryValidation, atlaserrors.CodeInvalidConfig, "failed to load config file", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.country != "" {
		cfg.Country = o.country
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.from != "" {
		cfg.ACLED.From = o.from
	}
	if o.to != "" {
		cfg.ACLED.To = o.to
	}
	if o.refresh {
		cfg.ArcGIS.Refresh = true
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, atlaserrors.Wrap(atlaserrors.ErrCategoryValidation, atlaserrors.CodeInvalidConfig, "invalid configuration", err)
	}
	return cfg, nil
}

// app holds everything a pipeline step needs.
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	store    *store.Store
	pipeline *pipeline.Pipeline
}

// open loads configuration and opens the store. Object storage is only
// opened when withObjects is set.
func (o *options) open(ctx context.Context, stderr io.Writer, withObjects bool) (*app, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, atlaserrors.NewInternalError("failed to create directories", err)
	}

	log := logging.NewWithOutput(cfg.Log, stderr)
	log.WithFields(logrus.Fields{
		"version":  version,
		"country":  cfg.Country,
		"data_dir": cfg.DataDir,
		"storage":  cfg.Storage.Type,
	}).Debug("configuration loaded")

	st, err := store.Open(ctx, cfg.DatabasePath(), log)
	if err != nil {
		return nil, err
	}

	client := arcgis.NewClient(arcgis.Options{
		BaseURL:            cfg.ArcGIS.BaseURL,
		Timeout:            cfg.ArcGIS.Timeout,
		MaxRetries:         cfg.ArcGIS.MaxRetries,
		PageSize:           cfg.ArcGIS.PageSize,
		InsecureSkipVerify: cfg.ArcGIS.InsecureSkipVerify,
		Logger:             log,
	})
	cache, err := boundary.NewDiskCache(cfg.ArcGIS.CacheDir)
	if err != nil {
		st.Close()
		return nil, err
	}
	loader := boundary.NewLoader(client, cache, cfg.ArcGIS.Refresh, log)

	var objects storage.ObjectStorage
	if withObjects {
		if objects, err = storage.Open(ctx, cfg.Storage); err != nil {
			st.Close()
			return nil, err
		}
	}

	return &app{
		cfg:      cfg,
		log:      log,
		store:    st,
		pipeline: pipeline.New(cfg, st, loader, objects, log),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Error("failed to close store")
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "conflictatlas version %s (commit: %s)\n", version, commit)
		},
	}
}
