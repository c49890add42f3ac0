package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"
)

func TestTransfer_UploadDirAndDownloadPrefix(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "summary.json"), "{}")
	writeFile(t, filepath.Join(src, "temporal.csv"), "key,events\n")
	writeFile(t, filepath.Join(src, "maps", "admin1.geojson"), `{"type":"FeatureCollection","features":[]}`)

	tr := NewTransfer(store, 2)
	keys, err := tr.UploadDir(ctx, src, "reports/run-1")
	if err != nil {
		t.Fatalf("UploadDir failed: %v", err)
	}
	want := []string{"reports/run-1/maps/admin1.geojson", "reports/run-1/summary.json", "reports/run-1/temporal.csv"}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("keys: got %v, want %v", keys, want)
	}

	dst := t.TempDir()
	paths, err := tr.DownloadPrefix(ctx, "reports/run-1", dst)
	if err != nil {
		t.Fatalf("DownloadPrefix failed: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("expected 3 files, got %v", paths)
	}
	data, err := os.ReadFile(filepath.Join(dst, "maps", "admin1.geojson"))
	if err != nil {
		t.Fatalf("nested file not restored: %v", err)
	}
	if string(data) != `{"type":"FeatureCollection","features":[]}` {
		t.Errorf("unexpected content %q", data)
	}
}

// failingStorage fails every upload after the first n.
type failingStorage struct {
	*LocalStorage
	n     int32
	calls atomic.Int32
}

var errInjected = errors.New("injected failure")

func (f *failingStorage) Upload(ctx context.Context, localPath, objectPath string) error {
	if f.calls.Add(1) > f.n {
		return errInjected
	}
	return f.LocalStorage.Upload(ctx, localPath, objectPath)
}

func TestTransfer_UploadDirPropagatesErrors(t *testing.T) {
	local, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	src := t.TempDir()
	for _, name := range []string{"a.csv", "b.csv", "c.csv", "d.csv"} {
		writeFile(t, filepath.Join(src, name), name)
	}

	_, err = NewTransfer(&failingStorage{LocalStorage: local, n: 1}, 1).UploadDir(context.Background(), src, "p")
	if !errors.Is(err, errInjected) {
		t.Errorf("expected injected failure, got %v", err)
	}
}

func TestTransfer_UploadDirMissing(t *testing.T) {
	local, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewTransfer(local, 1).UploadDir(context.Background(), filepath.Join(t.TempDir(), "nope"), "p"); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestTransfer_Prune(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "summary.json"), "{}")
	writeFile(t, filepath.Join(src, "proximity.csv"), "key,events\n")
	tr := NewTransfer(store, 2)
	if _, err := tr.UploadDir(ctx, src, "reports/run-1"); err != nil {
		t.Fatalf("UploadDir failed: %v", err)
	}
	if _, err := tr.UploadDir(ctx, src, "reports/run-10"); err != nil {
		t.Fatalf("UploadDir failed: %v", err)
	}

	deleted, err := tr.Prune(ctx, "reports/run-1/", []string{"reports/run-1/summary.json"})
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if want := []string{"reports/run-1/proximity.csv"}; !reflect.DeepEqual(deleted, want) {
		t.Errorf("deleted: got %v, want %v", deleted, want)
	}

	got, err := store.ListObjects(ctx, "reports")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"reports/run-1/summary.json", "reports/run-10/proximity.csv", "reports/run-10/summary.json"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("remaining: got %v, want %v", got, want)
	}
}
