package manifest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func newTestCatalog(t *testing.T) *SQLiteCatalog {
	t.Helper()
	catalog, err := NewCatalog(filepath.Join(t.TempDir(), "manifest.db"))
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	t.Cleanup(func() { catalog.Close() })
	return catalog
}

func conversion(collection, orbit, output string, created time.Time) *ConversionRecord {
	return &ConversionRecord{
		OutputPath:        output,
		GranuleID:         filepath.Base(output),
		Collection:        collection,
		OrbitKey:          orbit,
		SourcePath:        "/granules/" + filepath.Base(output) + ".h5",
		RowCount:          1000,
		SizeBytes:         4096,
		Codec:             "zstd",
		SchemaFingerprint: "abc123",
		SchemaVersion:     1,
		CreatedAt:         created,
	}
}

func TestCatalog_RecordAndGetConversion(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()

	created := time.Unix(1700000000, 123)
	rec := conversion("L2A", "2019108002011_O01959_01", "/out/a.zstd.parquet", created)
	if err := catalog.RecordConversion(ctx, rec); err != nil {
		t.Fatalf("failed to record conversion: %v", err)
	}

	got, err := catalog.GetConversion(ctx, rec.OutputPath)
	if err != nil {
		t.Fatalf("failed to get conversion: %v", err)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at mismatch: got %v, want %v", got.CreatedAt, created)
	}
	got.CreatedAt = rec.CreatedAt
	if !reflect.DeepEqual(got, rec) {
		t.Errorf("record mismatch:\n got %+v\nwant %+v", got, rec)
	}

	// Re-recording the same output replaces the row.
	rec.RowCount = 2000
	if err := catalog.RecordConversion(ctx, rec); err != nil {
		t.Fatalf("failed to re-record conversion: %v", err)
	}
	got, err = catalog.GetConversion(ctx, rec.OutputPath)
	if err != nil {
		t.Fatalf("failed to get conversion: %v", err)
	}
	if got.RowCount != 2000 {
		t.Errorf("row_count mismatch: got %d, want 2000", got.RowCount)
	}

	if _, err := catalog.GetConversion(ctx, "/out/missing.parquet"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCatalog_FindConversions(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()
	now := time.Now()

	for _, rec := range []*ConversionRecord{
		conversion("L2B", "o2", "/out/b2.parquet", now),
		conversion("L2A", "o1", "/out/a1.parquet", now),
		conversion("L2A", "o2", "/out/a2.parquet", now),
	} {
		if err := catalog.RecordConversion(ctx, rec); err != nil {
			t.Fatalf("failed to record conversion: %v", err)
		}
	}
	if err := catalog.MarkPublished(ctx, "/out/a1.parquet", "converted/a1.parquet", "etag"); err != nil {
		t.Fatalf("failed to mark published: %v", err)
	}

	tests := []struct {
		name   string
		filter ConversionFilter
		want   []string
	}{
		{"all", ConversionFilter{}, []string{"/out/a1.parquet", "/out/a2.parquet", "/out/b2.parquet"}},
		{"collection", ConversionFilter{Collection: "L2A"}, []string{"/out/a1.parquet", "/out/a2.parquet"}},
		{"orbit", ConversionFilter{OrbitKey: "o2"}, []string{"/out/a2.parquet", "/out/b2.parquet"}},
		{"unpublished", ConversionFilter{Unpublished: true}, []string{"/out/a2.parquet", "/out/b2.parquet"}},
		{"none", ConversionFilter{Collection: "L4A"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := catalog.FindConversions(ctx, tt.filter)
			if err != nil {
				t.Fatalf("FindConversions failed: %v", err)
			}
			var got []string
			for _, r := range records {
				got = append(got, r.OutputPath)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCatalog_MatchedSets(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()
	t0 := time.Unix(1700000000, 0)

	for _, rec := range []*ConversionRecord{
		conversion("L2A", "o1", "/out/o1-a.parquet", t0),
		conversion("L2B", "o1", "/out/o1-b.parquet", t0),
		conversion("L4A", "o1", "/out/o1-c.parquet", t0),
		// o2 lacks L4A.
		conversion("L2A", "o2", "/out/o2-a.parquet", t0),
		conversion("L2B", "o2", "/out/o2-b.parquet", t0),
		conversion("L2A", "o3", "/out/o3-a-old.parquet", t0),
		conversion("L2A", "o3", "/out/o3-a-new.parquet", t0.Add(time.Minute)),
		conversion("L2B", "o3", "/out/o3-b.parquet", t0),
		conversion("L4A", "o3", "/out/o3-c.parquet", t0),
	} {
		if err := catalog.RecordConversion(ctx, rec); err != nil {
			t.Fatalf("failed to record conversion: %v", err)
		}
	}

	collections := []string{"L4A", "L2A", "L2B"}
	sets, err := catalog.MatchedSets(ctx, collections)
	if err != nil {
		t.Fatalf("MatchedSets failed: %v", err)
	}
	if len(sets) != 2 {
		t.Fatalf("expected 2 sets, got %d", len(sets))
	}
	if sets[0].OrbitKey != "o1" || sets[1].OrbitKey != "o3" {
		t.Errorf("unexpected orbits %s, %s", sets[0].OrbitKey, sets[1].OrbitKey)
	}
	want := []string{"/out/o3-c.parquet", "/out/o3-a-new.parquet", "/out/o3-b.parquet"}
	if got := sets[1].InputPaths(); !reflect.DeepEqual(got, want) {
		t.Errorf("o3 inputs = %v, want %v", got, want)
	}
	for _, s := range sets {
		if !s.Stale() {
			t.Errorf("%s: expected stale set before any join", s.OrbitKey)
		}
	}

	join := &JoinRecord{
		OutputPath:  "/joined/o1.parquet",
		OrbitKey:    "o1",
		Collections: collections,
		Inputs:      sets[0].InputPaths(),
		RowCount:    10,
		SizeBytes:   100,
		CreatedAt:   t0.Add(time.Hour),
	}
	if err := catalog.RecordJoin(ctx, join); err != nil {
		t.Fatalf("failed to record join: %v", err)
	}

	sets, err = catalog.MatchedSets(ctx, collections)
	if err != nil {
		t.Fatalf("MatchedSets failed: %v", err)
	}
	if sets[0].Joined == nil || sets[0].Joined.OutputPath != join.OutputPath {
		t.Fatalf("expected o1 to carry its join, got %+v", sets[0].Joined)
	}
	if sets[0].Stale() {
		t.Error("expected o1 to be up to date")
	}

	// A join over a different collection list does not count.
	sets, err = catalog.MatchedSets(ctx, []string{"L2A", "L2B"})
	if err != nil {
		t.Fatalf("MatchedSets failed: %v", err)
	}
	if len(sets) != 3 || sets[0].Joined != nil {
		t.Errorf("expected 3 unjoined sets, got %d (joined=%v)", len(sets), sets[0].Joined)
	}

	// Reconverting an input makes the join stale.
	if err := catalog.RecordConversion(ctx, conversion("L2B", "o1", "/out/o1-b.parquet", t0.Add(2*time.Hour))); err != nil {
		t.Fatalf("failed to record conversion: %v", err)
	}
	sets, err = catalog.MatchedSets(ctx, collections)
	if err != nil {
		t.Fatalf("MatchedSets failed: %v", err)
	}
	if !sets[0].Stale() {
		t.Error("expected o1 to be stale after reconversion")
	}
}

func TestCatalog_GetJoin(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()

	join := &JoinRecord{
		OutputPath:  "/joined/o1.parquet",
		OrbitKey:    "o1",
		Collections: []string{"L2A", "L2B"},
		Inputs:      []string{"/out/a.parquet", "/out/b.parquet"},
		RowCount:    3,
	}
	if err := catalog.RecordJoin(ctx, join); err != nil {
		t.Fatalf("failed to record join: %v", err)
	}
	if err := catalog.MarkPublished(ctx, join.OutputPath, "joined/o1.parquet", "\"e1\""); err != nil {
		t.Fatalf("failed to mark published: %v", err)
	}

	got, err := catalog.GetJoin(ctx, join.OutputPath)
	if err != nil {
		t.Fatalf("failed to get join: %v", err)
	}
	if !reflect.DeepEqual(got.Inputs, join.Inputs) || !reflect.DeepEqual(got.Collections, join.Collections) {
		t.Errorf("join mismatch: got %+v", got)
	}
	if got.ObjectKey != "joined/o1.parquet" || got.ETag != "\"e1\"" {
		t.Errorf("publish state mismatch: %q %q", got.ObjectKey, got.ETag)
	}

	if err := catalog.MarkPublished(ctx, "/joined/none.parquet", "k", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCatalog_PruneMissing(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()

	dir := t.TempDir()
	kept := filepath.Join(dir, "kept.parquet")
	if err := os.WriteFile(kept, []byte("x"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	gone := filepath.Join(dir, "gone.parquet")

	for _, p := range []string{kept, gone} {
		if err := catalog.RecordConversion(ctx, conversion("L2A", "o1", p, time.Now())); err != nil {
			t.Fatalf("failed to record conversion: %v", err)
		}
	}

	pruned, err := catalog.PruneMissing(ctx)
	if err != nil {
		t.Fatalf("PruneMissing failed: %v", err)
	}
	if !reflect.DeepEqual(pruned, []string{gone}) {
		t.Errorf("pruned %v, want [%s]", pruned, gone)
	}
	if _, err := catalog.GetConversion(ctx, gone); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected pruned record to be gone, got %v", err)
	}
	if _, err := catalog.GetConversion(ctx, kept); err != nil {
		t.Errorf("expected kept record, got %v", err)
	}
}
