package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	atlaserrors "github.com/conflictatlas/conflictatlas/internal/errors"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLocalStorage_UploadDownload(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStorage(filepath.Join(t.TempDir(), "bucket"))
	if err != nil {
		t.Fatalf("NewLocalStorage failed: %v", err)
	}

	src := filepath.Join(t.TempDir(), "admin1.csv")
	writeFile(t, src, "code,events\nHT01,4\n")

	if err := store.Upload(ctx, src, "reports/run-1/admin1.csv"); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	ok, err := store.Exists(ctx, "reports/run-1/admin1.csv")
	if err != nil || !ok {
		t.Fatalf("expected object to exist, got %v %v", ok, err)
	}

	dst := filepath.Join(t.TempDir(), "nested", "copy.csv")
	if err := store.Download(ctx, "reports/run-1/admin1.csv", dst); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "code,events\nHT01,4\n" {
		t.Errorf("unexpected content %q", data)
	}

	if err := store.Delete(ctx, "reports/run-1/admin1.csv"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, "reports/run-1/admin1.csv"); err != nil {
		t.Errorf("deleting a missing object should succeed: %v", err)
	}
	ok, _ = store.Exists(ctx, "reports/run-1/admin1.csv")
	if ok {
		t.Error("object should be gone")
	}
}

func TestLocalStorage_DownloadNotFound(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	err = store.Download(context.Background(), "missing.csv", filepath.Join(t.TempDir(), "x"))
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
	if atlaserrors.GetCode(err) != atlaserrors.CodeObjectNotFound {
		t.Errorf("expected OBJECT_NOT_FOUND code, got %q", atlaserrors.GetCode(err))
	}
}

func TestLocalStorage_UploadMissingSource(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	err = store.Upload(context.Background(), filepath.Join(t.TempDir(), "nope"), "a/b")
	if !atlaserrors.IsRetryable(err) || atlaserrors.GetCode(err) != atlaserrors.CodeUploadFailed {
		t.Errorf("expected retryable UPLOAD_FAILED, got %v", err)
	}
}

func TestLocalStorage_ListObjects(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	store, err := NewLocalStorage(base)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(base, "reports", "r2", "b.csv"), "b")
	writeFile(t, filepath.Join(base, "reports", "r1", "a.csv"), "a")
	writeFile(t, filepath.Join(base, "other", "c.csv"), "c")

	got, err := store.ListObjects(ctx, "reports")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	want := []string{"reports/r1/a.csv", "reports/r2/b.csv"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	got, err = store.ListObjects(ctx, "absent")
	if err != nil || len(got) != 0 {
		t.Errorf("missing prefix should list nothing, got %v %v", got, err)
	}
}

func TestLocalStorage_CancelledContext(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Upload(ctx, "x", "y"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestObjectKeyAndContentType(t *testing.T) {
	if got := ObjectKey("/reports/", "", "run-1", "admin1.csv"); got != "reports/run-1/admin1.csv" {
		t.Errorf("ObjectKey: got %q", got)
	}
	cases := map[string]string{
		"a.csv":     "text/csv",
		"a.json":    "application/json",
		"a.geojson": "application/geo+json",
		"a.unknown": "application/octet-stream",
	}
	for name, want := range cases {
		if got := ContentType(name); got != want {
			t.Errorf("ContentType(%q) = %q, want %q", name, got, want)
		}
	}
}
