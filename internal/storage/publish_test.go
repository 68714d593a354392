package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	gerrors "github.com/gedi-geoparquet/gedi-geoparquet/internal/errors"
)

func writeOutputs(t *testing.T, n int) []string {
	t.Helper()
	dir := t.TempDir()
	var paths []string
	for i := 0; i < n; i++ {
		p := filepath.Join(dir, fmt.Sprintf("out%02d.zstd.parquet", i))
		if err := os.WriteFile(p, []byte(p), 0644); err != nil {
			t.Fatalf("failed to write test file: %v", err)
		}
		paths = append(paths, p)
	}
	return paths
}

func TestPublisher_PublishAll(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	pub := NewPublisher(store, "gedi/v1", 3)
	paths := writeOutputs(t, 10)

	result, err := pub.PublishAll(context.Background(), "converted", paths)
	if err != nil {
		t.Fatalf("PublishAll failed: %v", err)
	}
	if result.Uploaded != len(paths) || result.Skipped != 0 {
		t.Errorf("uploaded %d skipped %d, want %d and 0", result.Uploaded, result.Skipped, len(paths))
	}
	if err := result.Err(); err != nil {
		t.Errorf("unexpected errors: %v", result.Errors)
	}

	keys, err := store.ListObjects(context.Background(), "gedi/v1/converted")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(keys) != len(paths) {
		t.Fatalf("expected %d objects, got %d", len(paths), len(keys))
	}
	if want := "gedi/v1/converted/out00.zstd.parquet"; result.Objects[paths[0]].Key != want {
		t.Errorf("key = %q, want %q", result.Objects[paths[0]].Key, want)
	}
}

func TestPublisher_SkipExisting(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	pub := NewPublisher(store, "", 2)
	paths := writeOutputs(t, 4)
	ctx := context.Background()

	if _, err := pub.Publish(ctx, "joined", paths[0]); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	pub.SkipExisting = true
	result, err := pub.PublishAll(ctx, "joined", paths)
	if err != nil {
		t.Fatalf("PublishAll failed: %v", err)
	}
	if result.Skipped != 1 || result.Uploaded != 3 {
		t.Errorf("skipped %d uploaded %d, want 1 and 3", result.Skipped, result.Uploaded)
	}
	if !result.Objects[paths[0]].Skipped {
		t.Error("expected the first output to be skipped")
	}
}

func TestPublisher_UploadFailed(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	pub := NewPublisher(store, "", 2)
	paths := append(writeOutputs(t, 2), filepath.Join(t.TempDir(), "missing.parquet"))

	result, err := pub.PublishAll(context.Background(), "converted", paths)
	if err != nil {
		t.Fatalf("PublishAll failed: %v", err)
	}
	if result.Uploaded != 2 || len(result.Errors) != 1 {
		t.Fatalf("uploaded %d with %d errors, want 2 and 1", result.Uploaded, len(result.Errors))
	}
	perr := result.Err()
	if gerrors.GetCategory(perr) != gerrors.ErrCategoryStorage || gerrors.GetCode(perr) != gerrors.CodeUploadFailed {
		t.Errorf("unexpected error class: %v", perr)
	}
}

func TestPublisher_Cancelled(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := NewPublisher(store, "", 1).PublishAll(ctx, "converted", writeOutputs(t, 3))
	if err == nil {
		t.Fatal("expected an error for a cancelled context")
	}
	if result.Uploaded != 0 {
		t.Errorf("expected no uploads, got %d", result.Uploaded)
	}
}
