package manifest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/gedi-geoparquet/gedi-geoparquet/internal/storage"
)

// putObject writes a small file straight into the storage tree.
func putObject(t *testing.T, root, key string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte("PAR1"), 0644); err != nil {
		t.Fatalf("failed to write object: %v", err)
	}
}

func publish(t *testing.T, catalog *SQLiteCatalog, output, key string) {
	t.Helper()
	ctx := context.Background()
	if err := catalog.RecordConversion(ctx, conversion("L2A", "o1", output, time.Now())); err != nil {
		t.Fatalf("failed to record conversion: %v", err)
	}
	if err := catalog.MarkPublished(ctx, output, key, "etag"); err != nil {
		t.Fatalf("failed to mark published: %v", err)
	}
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name      string
		published map[string]string // output path -> key
		objects   []string
		dangling  []string
		orphaned  []string
	}{
		{
			name: "empty",
		},
		{
			name:      "in sync",
			published: map[string]string{"/out/a.parquet": "converted/a.parquet"},
			objects:   []string{"converted/a.parquet"},
		},
		{
			name:      "dangling",
			published: map[string]string{"/out/a.parquet": "converted/a.parquet"},
			dangling:  []string{"/out/a.parquet"},
		},
		{
			name:      "orphaned",
			published: map[string]string{"/out/a.parquet": "converted/a.parquet"},
			objects:   []string{"converted/a.parquet", "converted/orphan.parquet", "other/x.parquet"},
			orphaned:  []string{"converted/orphan.parquet"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			catalog := newTestCatalog(t)
			root := t.TempDir()
			store, err := storage.NewLocalStorage(root)
			if err != nil {
				t.Fatalf("failed to create storage: %v", err)
			}
			for output, key := range tt.published {
				publish(t, catalog, output, key)
			}
			for _, key := range tt.objects {
				putObject(t, root, key)
			}
			// Unpublished records are never checked.
			if err := catalog.RecordConversion(context.Background(), conversion("L2B", "o1", "/out/b.parquet", time.Now())); err != nil {
				t.Fatalf("failed to record conversion: %v", err)
			}

			report, err := Reconcile(context.Background(), catalog, store, ReconcileOptions{Prefix: "converted"})
			if err != nil {
				t.Fatalf("reconcile failed: %v", err)
			}
			var dangling []string
			for _, d := range report.DanglingEntries {
				dangling = append(dangling, d.OutputPath)
			}
			if !reflect.DeepEqual(dangling, tt.dangling) {
				t.Errorf("dangling = %v, want %v", dangling, tt.dangling)
			}
			if !reflect.DeepEqual(report.OrphanedObjects, tt.orphaned) {
				t.Errorf("orphaned = %v, want %v", report.OrphanedObjects, tt.orphaned)
			}
			if report.TotalManifestEntries != len(tt.published) {
				t.Errorf("expected %d manifest entries, got %d", len(tt.published), report.TotalManifestEntries)
			}
			if report.HasIssues() != (len(tt.dangling)+len(tt.orphaned) > 0) {
				t.Errorf("HasIssues = %v", report.HasIssues())
			}
		})
	}
}

func TestReconcile_Repair(t *testing.T) {
	ctx := context.Background()
	catalog := newTestCatalog(t)
	root := t.TempDir()
	store, err := storage.NewLocalStorage(root)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	publish(t, catalog, "/out/a.parquet", "converted/a.parquet")
	putObject(t, root, "converted/orphan.parquet")
	putObject(t, root, "other/keep.parquet")

	report, err := Reconcile(ctx, catalog, store, ReconcileOptions{Prefix: "converted", Repair: true})
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if !reflect.DeepEqual(report.Repaired, []string{"/out/a.parquet"}) {
		t.Fatalf("repaired = %v", report.Repaired)
	}
	if !reflect.DeepEqual(report.Deleted, []string{"converted/orphan.parquet"}) {
		t.Errorf("deleted = %v", report.Deleted)
	}
	if _, err := os.Stat(filepath.Join(root, "other", "keep.parquet")); err != nil {
		t.Errorf("object outside the prefix was touched: %v", err)
	}

	pending, err := catalog.FindConversions(ctx, ConversionFilter{Unpublished: true})
	if err != nil {
		t.Fatalf("FindConversions failed: %v", err)
	}
	if len(pending) != 1 || pending[0].OutputPath != "/out/a.parquet" {
		t.Errorf("expected /out/a.parquet to be unpublished, got %v", pending)
	}

	// The repaired record is no longer checked.
	report, err = Reconcile(ctx, catalog, store, ReconcileOptions{Prefix: "converted"})
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if report.HasIssues() || report.TotalManifestEntries != 0 {
		t.Errorf("expected a clean report, got %+v", report)
	}

	if err := catalog.MarkUnpublished(ctx, "/out/missing.parquet"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
