package storage

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLocalStorage_UploadDelete(t *testing.T) {
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "test.parquet")
	if err := os.WriteFile(srcPath, []byte("hello world"), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	ctx := context.Background()

	objectPath := "converted/object.parquet"
	etag, err := storage.Upload(ctx, srcPath, objectPath)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	// md5("hello world")
	if etag != "5eb63bbbe01eeed093cb22bb8f5acdc3" {
		t.Errorf("unexpected ETag %q", etag)
	}

	exists, err := storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected object to exist")
	}

	if err := storage.Delete(ctx, objectPath); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	exists, err = storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists after delete failed: %v", err)
	}
	if exists {
		t.Error("expected object to not exist after delete")
	}

	// Delete is idempotent.
	if err := storage.Delete(ctx, objectPath); err != nil {
		t.Errorf("second Delete failed: %v", err)
	}
}

func TestLocalStorage_ListObjects(t *testing.T) {
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	srcPath := filepath.Join(t.TempDir(), "test.parquet")
	if err := os.WriteFile(srcPath, []byte("test"), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	ctx := context.Background()
	for _, key := range []string{"joined/b.parquet", "converted/x.parquet", "joined/a.parquet"} {
		if _, err := storage.Upload(ctx, srcPath, key); err != nil {
			t.Fatalf("Upload %s failed: %v", key, err)
		}
	}
	// An interrupted upload leaves a pending file that must not be listed.
	pending, err := CreatePending(filepath.Join(baseDir, "joined", "c.parquet"))
	if err != nil {
		t.Fatalf("CreatePending failed: %v", err)
	}
	defer pending.Abort()

	got, err := storage.ListObjects(ctx, "joined")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	want := []string{"joined/a.parquet", "joined/b.parquet"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListObjects = %v, want %v", got, want)
	}

	got, err = storage.ListObjects(ctx, "missing")
	if err != nil || len(got) != 0 {
		t.Errorf("ListObjects(missing) = %v, %v", got, err)
	}
}

func TestLocalStorage_Cancelled(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := storage.Upload(ctx, "unused", "key"); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestContentType(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"out/a.zstd-3.parquet", "application/vnd.apache.parquet"},
		{"schemas/L2A.arrows", "application/vnd.apache.arrow.stream"},
		{"X.PARQUET", "application/vnd.apache.parquet"},
		{"notes.txt", "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := ContentType(tt.path); got != tt.want {
			t.Errorf("ContentType(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
