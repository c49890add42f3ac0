// Package config provides unified configuration for the conflictatlas CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for all environment overrides.
const EnvPrefix = "CONFLICTATLAS_"

// Time buckets accepted by the temporal analysis.
const (
	BucketDay   = "day"
	BucketWeek  = "week"
	BucketMonth = "month"
	BucketYear  = "year"
)

// Config holds the unified configuration.
type Config struct {
	// DataDir is the base directory for the database, caches and reports
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Country is the ISO 3166-1 alpha-3 code the analysis is scoped to
	Country string `json:"country" yaml:"country"`

	Log      LogConfig      `json:"log" yaml:"log"`
	ArcGIS   ArcGISConfig   `json:"arcgis" yaml:"arcgis"`
	ACLED    ACLEDConfig    `json:"acled" yaml:"acled"`
	Roads    RoadsConfig    `json:"roads" yaml:"roads"`
	Analysis AnalysisConfig `json:"analysis" yaml:"analysis"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Docs     DocsConfig     `json:"docs" yaml:"docs"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	// Level is a logrus level name (debug, info, warn, error)
	Level string `json:"level" yaml:"level"`

	// Format is text or json
	Format string `json:"format" yaml:"format"`
}

// ArcGISConfig holds the World Bank boundary service configuration.
type ArcGISConfig struct {
	// BaseURL is the ArcGIS REST services root
	BaseURL string `json:"base_url" yaml:"base_url"`

	// Timeout is the per-request timeout
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// MaxRetries is the number of retries after the first attempt
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// PageSize is resultRecordCount for paged queries
	PageSize int `json:"page_size" yaml:"page_size"`

	// InsecureSkipVerify disables TLS certificate verification
	InsecureSkipVerify bool `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`

	// CacheDir holds compressed boundary caches
	CacheDir string `json:"cache_dir" yaml:"cache_dir"`

	// Refresh ignores cached boundaries
	Refresh bool `json:"refresh" yaml:"refresh"`
}

// ACLEDConfig holds ACLED input configuration.
type ACLEDConfig struct {
	// InputPath is an ACLED CSV export
	InputPath string `json:"input_path" yaml:"input_path"`

	// Strict aborts on the first malformed record
	Strict bool `json:"strict" yaml:"strict"`

	// From and To bound event dates (YYYY-MM-DD, inclusive), empty means open
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// RoadsConfig holds road network input configuration.
type RoadsConfig struct {
	// InputPath is a GeoJSON FeatureCollection of road lines; empty disables proximity
	InputPath string `json:"input_path" yaml:"input_path"`

	// CellDegrees is the grid index cell size
	CellDegrees float64 `json:"cell_degrees" yaml:"cell_degrees"`

	// MaxSearchMeters bounds nearest-road search
	MaxSearchMeters float64 `json:"max_search_meters" yaml:"max_search_meters"`
}

// AnalysisConfig holds analysis configuration.
type AnalysisConfig struct {
	// Workers is the number of goroutines for spatial work
	Workers int `json:"workers" yaml:"workers"`

	// TimeBucket is day, week, month or year
	TimeBucket string `json:"time_bucket" yaml:"time_bucket"`

	// ProximityBandsKm are ascending upper bounds of distance bands
	ProximityBandsKm []float64 `json:"proximity_bands_km" yaml:"proximity_bands_km"`

	// TopActors limits the actor table
	TopActors int `json:"top_actors" yaml:"top_actors"`

	// ReportDir is where run directories are written
	ReportDir string `json:"report_dir" yaml:"report_dir"`
}

// StorageConfig holds publication storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// Prefix is prepended to all published object paths
	Prefix string `json:"prefix" yaml:"prefix"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket       string `json:"bucket" yaml:"bucket"`
	Region       string `json:"region" yaml:"region"`
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`
}

// DocsConfig holds documentation integrity check configuration.
type DocsConfig struct {
	// BookRoot is the directory the table of contents is relative to
	BookRoot string `json:"book_root" yaml:"book_root"`

	// TOCPath is the Jupyter Book _toc.yml
	TOCPath string `json:"toc_path" yaml:"toc_path"`

	// ReadmePath is the markdown file whose links are checked
	ReadmePath string `json:"readme_path" yaml:"readme_path"`

	// Concurrency is the number of parallel link checks
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// Timeout is the per-link timeout
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultConfig returns the default configuration for local analysis.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/conflictatlas",
		Country: "HTI",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		ArcGIS: ArcGISConfig{
			BaseURL:    "https://services.arcgis.com/iQ1dY19aHwbSDYIF/ArcGIS/rest/services",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			PageSize:   1000,
		},
		Roads: RoadsConfig{
			CellDegrees:     0.05,
			MaxSearchMeters: 50000,
		},
		Analysis: AnalysisConfig{
			Workers:          4,
			TimeBucket:       BucketMonth,
			ProximityBandsKm: []float64{1, 5, 10, 25},
			TopActors:        20,
		},
		Storage: StorageConfig{
			Type:   "local",
			Prefix: "reports",
		},
		Docs: DocsConfig{
			BookRoot:    ".",
			TOCPath:     "_toc.yml",
			ReadmePath:  "README.md",
			Concurrency: 8,
			Timeout:     15 * time.Second,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/conflictatlas"
	}
	c.Country = strings.ToUpper(strings.TrimSpace(c.Country))

	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "published")
	}
	if c.ArcGIS.CacheDir == "" {
		c.ArcGIS.CacheDir = filepath.Join(c.DataDir, "boundaries")
	}
	if c.Analysis.ReportDir == "" {
		c.Analysis.ReportDir = filepath.Join(c.DataDir, "reports")
	}
}

// DatabasePath returns the path to the embedded analysis database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "atlas.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if len(c.Country) != 3 {
		return fmt.Errorf("country must be an ISO alpha-3 code, got %q", c.Country)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Log.Format)
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.ArcGIS.BaseURL == "" {
		return fmt.Errorf("arcgis.base_url is required")
	}
	if c.ArcGIS.MaxRetries < 0 {
		return fmt.Errorf("arcgis.max_retries must not be negative, got %d", c.ArcGIS.MaxRetries)
	}
	if c.ArcGIS.PageSize <= 0 {
		return fmt.Errorf("arcgis.page_size must be positive, got %d", c.ArcGIS.PageSize)
	}

	if c.Analysis.Workers <= 0 {
		return fmt.Errorf("analysis.workers must be positive, got %d", c.Analysis.Workers)
	}

	switch c.Analysis.TimeBucket {
	case BucketDay, BucketWeek, BucketMonth, BucketYear:
	default:
		return fmt.Errorf("invalid analysis.time_bucket: %s (must be day, week, month, or year)", c.Analysis.TimeBucket)
	}

	bands := c.Analysis.ProximityBandsKm
	if len(bands) == 0 {
		return fmt.Errorf("analysis.proximity_bands_km must not be empty")
	}
	if bands[0] <= 0 || !sort.Float64sAreSorted(bands) {
		return fmt.Errorf("analysis.proximity_bands_km must be positive and ascending, got %v", bands)
	}
	for i := 1; i < len(bands); i++ {
		if bands[i] == bands[i-1] {
			return fmt.Errorf("analysis.proximity_bands_km contains duplicate bound %v", bands[i])
		}
	}

	if c.Roads.CellDegrees <= 0 {
		return fmt.Errorf("roads.cell_degrees must be positive, got %v", c.Roads.CellDegrees)
	}

	if c.ACLED.From != "" {
		if _, err := time.Parse("2006-01-02", c.ACLED.From); err != nil {
			return fmt.Errorf("acled.from must be YYYY-MM-DD: %w", err)
		}
	}
	if c.ACLED.To != "" {
		if _, err := time.Parse("2006-01-02", c.ACLED.To); err != nil {
			return fmt.Errorf("acled.to must be YYYY-MM-DD: %w", err)
		}
	}

	if c.Docs.Concurrency <= 0 {
		return fmt.Errorf("docs.concurrency must be positive, got %d", c.Docs.Concurrency)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the CONFLICTATLAS_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := getenv("COUNTRY"); v != "" {
		cfg.Country = v
	}

	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// ArcGIS configuration
	if v := getenv("ARCGIS_BASE_URL"); v != "" {
		cfg.ArcGIS.BaseURL = v
	}
	if v := getenv("ARCGIS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ArcGIS.Timeout = d
		}
	}
	if v := getenv("ARCGIS_MAX_RETRIES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.ArcGIS.MaxRetries)
	}
	if v := getenv("ARCGIS_INSECURE_SKIP_VERIFY"); v != "" {
		cfg.ArcGIS.InsecureSkipVerify = v == "true" || v == "1"
	}

	// Input configuration
	if v := getenv("ACLED_INPUT"); v != "" {
		cfg.ACLED.InputPath = v
	}
	if v := getenv("ACLED_STRICT"); v != "" {
		cfg.ACLED.Strict = v == "true" || v == "1"
	}
	if v := getenv("ROADS_INPUT"); v != "" {
		cfg.Roads.InputPath = v
	}

	// Analysis configuration
	if v := getenv("WORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Analysis.Workers)
	}
	if v := getenv("TIME_BUCKET"); v != "" {
		cfg.Analysis.TimeBucket = v
	}
	if v := getenv("PROXIMITY_BANDS_KM"); v != "" {
		if bands, err := parseFloatList(v); err == nil {
			cfg.Analysis.ProximityBandsKm = bands
		}
	}

	// Storage configuration
	if v := getenv("STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := getenv("STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := getenv("STORAGE_PREFIX"); v != "" {
		cfg.Storage.Prefix = v
	}
	if v := getenv("S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := getenv("S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := getenv("S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.ArcGIS.CacheDir,
		c.Analysis.ReportDir,
	}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

func getenv(key string) string {
	return os.Getenv(EnvPrefix + key)
}

func parseFloatList(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
