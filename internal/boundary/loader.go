package boundary

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/conflictatlas/conflictatlas/internal/arcgis"
)

// Source fetches boundary features. *arcgis.Client satisfies it.
type Source interface {
	Country(ctx context.Context, attr, value string) (*arcgis.Feature, error)
	Admin1(ctx context.Context, iso3 string) ([]arcgis.Feature, error)
	Admin2(ctx context.Context, iso3 string) ([]arcgis.Feature, error)
}

// Loader loads boundary sets through a cache.
type Loader struct {
	source  Source
	cache   *DiskCache
	refresh bool
	log     logrus.FieldLogger
}

// NewLoader creates a loader. cache may be nil to always fetch.
func NewLoader(source Source, cache *DiskCache, refresh bool, log logrus.FieldLogger) *Loader {
	return &Loader{source: source, cache: cache, refresh: refresh, log: log}
}

// Load returns admin 0, 1 and 2 units for iso3, fetching the three levels
// concurrently. Units without geometry are kept and logged.
func (l *Loader) Load(ctx context.Context, iso3 string) (*Set, error) {
	iso3 = strings.ToUpper(iso3)
	results := make([][]*Unit, len(Levels))

	g, gctx := errgroup.WithContext(ctx)
	for i, level := range Levels {
		i, level := i, level
		g.Go(func() error {
			units, err := l.loadLevel(gctx, iso3, level)
			if err != nil {
				return fmt.Errorf("load %s %s: %w", iso3, level, err)
			}
			results[i] = units
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byLevel := make(map[Level][]*Unit, len(Levels))
	for i, level := range Levels {
		byLevel[level] = results[i]
		missing := 0
		for _, u := range results[i] {
			if len(u.Geometry) == 0 {
				missing++
			}
		}
		entry := l.log.WithFields(logrus.Fields{"iso3": iso3, "level": level.String(), "units": len(results[i])})
		if missing > 0 {
			entry.WithField("without_geometry", missing).Warn("boundary units without geometry")
		} else {
			entry.Info("boundary level loaded")
		}
	}
	if l.cache != nil {
		hits, misses, writes := l.cache.Metrics()
		l.log.WithFields(logrus.Fields{"hits": hits, "misses": misses, "writes": writes}).Debug("boundary cache")
	}
	return NewSet(iso3, byLevel), nil
}

func (l *Loader) loadLevel(ctx context.Context, iso3 string, level Level) ([]*Unit, error) {
	if l.cache != nil && !l.refresh {
		if units, ok := l.cache.Get(iso3, level); ok {
			l.log.WithFields(logrus.Fields{"iso3": iso3, "level": level.String()}).Debug("boundary cache hit")
			return units, nil
		}
	}

	var features []arcgis.Feature
	switch level {
	case LevelCountry:
		f, err := l.source.Country(ctx, "ISO_A3", iso3)
		if err != nil {
			return nil, err
		}
		features = []arcgis.Feature{*f}
	case LevelAdmin1:
		fs, err := l.source.Admin1(ctx, iso3)
		if err != nil {
			return nil, err
		}
		features = fs
	case LevelAdmin2:
		fs, err := l.source.Admin2(ctx, iso3)
		if err != nil {
			return nil, err
		}
		features = fs
	default:
		return nil, errors.New("unknown level")
	}

	units := make([]*Unit, 0, len(features))
	for _, f := range features {
		units = append(units, FromFeature(level, iso3, f))
	}

	if l.cache != nil {
		if err := l.cache.Put(iso3, level, units); err != nil {
			// A failed cache write only costs a refetch next time.
			l.log.WithError(err).Warn("failed to write boundary cache")
		}
	}
	return units, nil
}
