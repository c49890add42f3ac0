package boundary

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/golang/snappy"
	"github.com/paulmach/orb/geojson"
)

// CacheMetrics holds cache statistics.
type CacheMetrics struct {
	Hits   atomic.Int64
	Misses atomic.Int64
	Writes atomic.Int64
}

// DiskCache stores one snappy-compressed GeoJSON file per country and level.
type DiskCache struct {
	dir     string
	metrics CacheMetrics
}

// NewDiskCache creates the cache directory if needed.
func NewDiskCache(dir string) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	return &DiskCache{dir: dir}, nil
}

// Path returns the cache file for iso3 at level.
func (c *DiskCache) Path(iso3 string, level Level) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s_%s.geojson.sz", strings.ToUpper(iso3), level))
}

// Get returns cached units, or ok=false on a miss. A corrupt file counts as a
// miss so the caller refetches and overwrites it.
func (c *DiskCache) Get(iso3 string, level Level) ([]*Unit, bool) {
	data, err := os.ReadFile(c.Path(iso3, level))
	if err != nil {
		c.metrics.Misses.Add(1)
		return nil, false
	}

	raw, err := snappy.Decode(nil, data)
	if err != nil {
		c.metrics.Misses.Add(1)
		return nil, false
	}

	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		c.metrics.Misses.Add(1)
		return nil, false
	}

	units := make([]*Unit, 0, len(fc.Features))
	for _, f := range fc.Features {
		u, err := UnitFromFeature(f)
		if err != nil {
			c.metrics.Misses.Add(1)
			return nil, false
		}
		units = append(units, u)
	}

	c.metrics.Hits.Add(1)
	return units, true
}

// Put writes units atomically (temp file then rename).
func (c *DiskCache) Put(iso3 string, level Level, units []*Unit) error {
	fc := geojson.NewFeatureCollection()
	for _, u := range units {
		fc.Append(u.ToFeature())
	}
	raw, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", iso3, level, err)
	}

	path := c.Path(iso3, level)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, snappy.Encode(nil, raw), 0644); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize cache: %w", err)
	}
	c.metrics.Writes.Add(1)
	return nil
}

// Metrics returns hits, misses and writes.
func (c *DiskCache) Metrics() (hits, misses, writes int64) {
	return c.metrics.Hits.Load(), c.metrics.Misses.Load(), c.metrics.Writes.Load()
}
