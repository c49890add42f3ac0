package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Transfer moves whole directories to and from an ObjectStorage with
// bounded concurrency.
type Transfer struct {
	storage ObjectStorage
	sem     *semaphore.Weighted
}

// NewTransfer creates a transfer allowing up to concurrency operations in
// flight.
func NewTransfer(storage ObjectStorage, concurrency int) *Transfer {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Transfer{storage: storage, sem: semaphore.NewWeighted(int64(concurrency))}
}

// UploadDir uploads every regular file under dir to prefix, keeping
// relative paths. It returns the object keys written, sorted.
func (t *Transfer) UploadDir(ctx context.Context, dir, prefix string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: walk %s: %w", dir, err)
	}

	keys := make([]string, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, file := range files {
		rel, err := filepath.Rel(dir, file)
		if err != nil {
			return nil, err
		}
		keys[i] = ObjectKey(prefix, rel)

		if err := t.sem.Acquire(gctx, 1); err != nil {
			break
		}
		i, file := i, file
		g.Go(func() error {
			defer t.sem.Release(1)
			return t.storage.Upload(gctx, file, keys[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// DownloadPrefix downloads every object under prefix into dir, stripping
// the prefix from the local paths. It returns the local paths, sorted.
func (t *Transfer) DownloadPrefix(ctx context.Context, prefix, dir string) ([]string, error) {
	objects, err := t.storage.ListObjects(ctx, prefix)
	if err != nil {
		return nil, err
	}

	base := strings.Trim(prefix, "/")
	paths := make([]string, len(objects))
	g, gctx := errgroup.WithContext(ctx)
	for i, obj := range objects {
		rel := strings.TrimPrefix(strings.TrimPrefix(obj, base), "/")
		paths[i] = filepath.Join(dir, filepath.FromSlash(rel))

		if err := t.sem.Acquire(gctx, 1); err != nil {
			break
		}
		i, obj := i, obj
		g.Go(func() error {
			defer t.sem.Release(1)
			return t.storage.Download(gctx, obj, paths[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// Prune deletes every object under prefix that is not in keep and returns
// the deleted keys, sorted.
func (t *Transfer) Prune(ctx context.Context, prefix string, keep []string) ([]string, error) {
	objects, err := t.storage.ListObjects(ctx, prefix)
	if err != nil {
		return nil, err
	}
	kept := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		kept[k] = struct{}{}
	}

	var stale []string
	for _, obj := range objects {
		if _, ok := kept[obj]; !ok {
			stale = append(stale, obj)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, obj := range stale {
		if err := t.sem.Acquire(gctx, 1); err != nil {
			break
		}
		obj := obj
		g.Go(func() error {
			defer t.sem.Release(1)
			return t.storage.Delete(gctx, obj)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Strings(stale)
	return stale, nil
}
