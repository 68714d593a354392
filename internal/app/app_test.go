package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gedi-geoparquet/gedi-geoparquet/internal/catalog"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/config"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/h5"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/h5/h5test"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/manifest"
)

const (
	l2aName   = "GEDI02_A_2019108002011_O01959_01_T03909_02_003_01_V002.h5"
	l2bName   = "GEDI02_B_2019108002011_O01959_01_T03909_02_003_01_V002.h5"
	l4aName   = "GEDI04_A_2019108002011_O01959_01_T03909_02_002_02_V002.h5"
	loneName  = "GEDI02_A_2019109000000_O01970_02_T01234_02_003_01_V002.h5"
	orbitKey1 = "2019108002011_O01959_01"
)

var shortNames = map[string]string{
	"GEDI02_A": "GEDI_L2A",
	"GEDI02_B": "GEDI_L2B",
	"GEDI04_A": "GEDI_L4A",
}

// memOpener serves fixture granules for the placeholder files in the
// input directory.
func memOpener(name string) (h5.File, error) {
	if _, err := os.Stat(name); err != nil {
		return nil, err
	}
	base := filepath.Base(name)
	short := shortNames[base[:min(8, len(base))]]
	if short == "" {
		short = "GEDI_L2B"
	}
	return h5test.NewGranule(name, short, 100,
		h5test.Beam{Name: "BEAM0000", Rows: 4},
		h5test.Beam{Name: "BEAM0101", Rows: 3},
	), nil
}

func testConfig(t *testing.T, granules ...string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Pipeline.Workers = 2
	cfg.Join.Partitions = 4
	cfg.Catalog.SkipUnchanged = true
	cfg.Storage.Type = "local"

	cfg.Catalog.Dir = filepath.Join(cfg.DataDir, "catalogs")
	require.NoError(t, os.MkdirAll(cfg.Catalog.Dir, 0755))
	var lines []string
	for _, p := range h5test.Catalog {
		lines = append(lines, string(p))
	}
	for _, c := range []string{"l2a", "l2b", "l4a"} {
		require.NoError(t, os.WriteFile(filepath.Join(cfg.Catalog.Dir, c+".txt"),
			[]byte(strings.Join(lines, "\n")+"\n"), 0644))
	}

	cfg.Convert.InputDir = filepath.Join(cfg.DataDir, "granules")
	require.NoError(t, os.MkdirAll(cfg.Convert.InputDir, 0755))
	for _, g := range granules {
		require.NoError(t, os.WriteFile(filepath.Join(cfg.Convert.InputDir, g), nil, 0644))
	}
	return cfg
}

func TestApp_Run(t *testing.T) {
	cfg := testConfig(t, l2aName, l2bName, l4aName, loneName)
	ctx := context.Background()

	a, err := New(ctx, cfg, memOpener)
	require.NoError(t, err)
	defer a.Close()

	report, err := a.Run(ctx)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	assert.Equal(t, 3, report.Schemas)
	assert.Equal(t, 4, report.Converted)
	assert.Equal(t, 1, report.Joined)
	assert.Equal(t, 5, report.Published)

	stages := make(map[string]int64)
	for _, s := range report.Stages {
		stages[s.Stage] = s.Files
	}
	assert.Equal(t, map[string]int64{"schema": 3, "convert": 4, "join": 1}, stages)

	for _, c := range []catalog.Collection{catalog.L2A, catalog.L2B, catalog.L4A} {
		assert.FileExists(t, a.SchemaPath(c))
	}

	conversions, err := a.Catalog().FindConversions(ctx, manifest.ConversionFilter{OrbitKey: orbitKey1})
	require.NoError(t, err)
	require.Len(t, conversions, 3)
	for _, rec := range conversions {
		assert.Equal(t, int64(7), rec.RowCount)
		assert.Equal(t, "zstd", rec.Codec)
		assert.Equal(t, 1, rec.SchemaVersion)
		assert.NotEmpty(t, rec.ObjectKey)
		assert.FileExists(t, rec.OutputPath)
	}

	output := a.JoinPath(orbitKey1)
	assert.Equal(t, orbitKey1+".L2A-L2B-L4A.zstd-3.parquet", filepath.Base(output))
	joined, err := a.Catalog().GetJoin(ctx, output)
	require.NoError(t, err)
	assert.Equal(t, int64(7), joined.RowCount)
	assert.Equal(t, "joined/"+filepath.Base(output), joined.ObjectKey)
	require.Len(t, joined.Inputs, 3)
	assert.Contains(t, joined.Inputs[0], "GEDI02_A")
	assert.Contains(t, joined.Inputs[2], "GEDI04_A")

	rec, err := a.Reconcile(ctx, false)
	require.NoError(t, err)
	assert.False(t, rec.HasIssues(), "dangling=%v orphaned=%v", rec.DanglingEntries, rec.OrphanedObjects)
	assert.Equal(t, 5, rec.TotalStorageObjects)

	// A second run finds everything up to date.
	report, err = a.Run(ctx)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	assert.Equal(t, 0, report.Schemas)
	assert.Equal(t, 0, report.Converted)
	assert.Equal(t, 0, report.Joined)
	assert.Equal(t, 5, report.Skipped)
	assert.Equal(t, 0, report.Published)
}

func TestApp_RunModes(t *testing.T) {
	cfg := testConfig(t, l2aName, l2bName)
	cfg.Mode = config.ModeSchema
	cfg.Storage.Type = "none"
	cfg.Join.Collections = []string{"L2A", "L2B"}
	ctx := context.Background()

	a, err := New(ctx, cfg, memOpener)
	require.NoError(t, err)
	defer a.Close()

	report, err := a.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Schemas)
	assert.Equal(t, 0, report.Converted)

	// Conversion reads the artifacts written by the schema run.
	cfg.Mode = config.ModeConvert
	report, err = a.Run(ctx)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	assert.Equal(t, 2, report.Converted)
	assert.Equal(t, 0, report.Joined)
	assert.Equal(t, 0, report.Published)

	cfg.Mode = config.ModeJoin
	report, err = a.Run(ctx)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	assert.Equal(t, 1, report.Joined)
	assert.FileExists(t, a.JoinPath(orbitKey1))
}

func TestApp_ConvertWithoutSchema(t *testing.T) {
	cfg := testConfig(t, l2aName)
	cfg.Mode = config.ModeConvert
	ctx := context.Background()

	a, err := New(ctx, cfg, memOpener)
	require.NoError(t, err)
	defer a.Close()

	report, err := a.Run(ctx)
	require.NoError(t, err)
	require.Error(t, report.Err())
	assert.Contains(t, report.Failed, filepath.Join(cfg.Convert.InputDir, l2aName))
	assert.ErrorIs(t, report.Failed[filepath.Join(cfg.Convert.InputDir, l2aName)], os.ErrNotExist)
}

func TestApp_Cancelled(t *testing.T) {
	cfg := testConfig(t, l2aName, l2bName, l4aName)
	ctx, cancel := context.WithCancel(context.Background())

	a, err := New(context.Background(), cfg, memOpener)
	require.NoError(t, err)
	defer a.Close()

	cancel()
	_, err = a.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(cfg.Convert.OutputDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDiscover(t *testing.T) {
	cfg := testConfig(t, l2aName, l4aName, "sample.h5", "notes.txt")

	granules, err := Discover(cfg.Convert.InputDir, catalog.Collections, memOpener)
	require.NoError(t, err)
	require.Len(t, granules, 3)

	byName := make(map[string]Granule)
	for _, g := range granules {
		byName[filepath.Base(g.Path)] = g
	}
	assert.Equal(t, catalog.L2A, byName[l2aName].Collection)
	assert.Equal(t, orbitKey1, byName[l2aName].OrbitKey)
	assert.Equal(t, catalog.L4A, byName[l4aName].Collection)
	// Identified from its short_name attribute.
	assert.Equal(t, catalog.L2B, byName["sample.h5"].Collection)
	assert.Empty(t, byName["sample.h5"].OrbitKey)

	granules, err = Discover(cfg.Convert.InputDir, []catalog.Collection{catalog.L4A}, memOpener)
	require.NoError(t, err)
	require.Len(t, granules, 1)
	assert.Equal(t, l4aName, filepath.Base(granules[0].Path))
}

func TestReport_Err(t *testing.T) {
	r := &Report{Failed: make(map[string]error)}
	assert.NoError(t, r.Err())

	r.fail("b", fmt.Errorf("second"))
	r.fail("a", os.ErrNotExist)
	err := r.Err()
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), "2 failures, first a")
}

func TestReport_ErrWhileFailing(t *testing.T) {
	r := &Report{Failed: make(map[string]error)}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.fail(fmt.Sprintf("g%d-%d", i, j), os.ErrNotExist)
				_ = r.Err()
			}
		}(i)
	}
	wg.Wait()
	assert.Contains(t, r.Err().Error(), "400 failures")
}
