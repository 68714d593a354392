package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.ShouldRunSchema())
	assert.True(t, cfg.ShouldRunConvert())
	assert.True(t, cfg.ShouldRunJoin())
	assert.Equal(t, filepath.Join("data/gedi", "schemas"), cfg.Catalog.SchemaDir)
	assert.Equal(t, filepath.Join("data/gedi", "manifest.db"), cfg.Manifest.Path)
	assert.Empty(t, cfg.Storage.Path, "no storage path without a local target")
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gedi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: convert
data_dir: /srv/gedi
convert:
  chunk_rows: 1000
  encoding: wkb
writer:
  compression: gzip
  level: 9
join:
  collections: [L2A, L4A]
  quality_filter: true
storage:
  type: s3
  s3:
    bucket: gedi-out
`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ModeConvert, cfg.Mode)
	assert.False(t, cfg.ShouldRunJoin())
	assert.Equal(t, 1000, cfg.Convert.ChunkRows)
	assert.True(t, cfg.Convert.Prefetch, "unset keys keep defaults")
	assert.Equal(t, "gzip", cfg.Writer.Compression)
	assert.Equal(t, 9, cfg.Writer.Level)
	assert.Equal(t, []string{"L2A", "L4A"}, cfg.Join.Collections)
	assert.True(t, cfg.Join.QualityFilter)
	assert.Equal(t, 16, cfg.Join.Partitions)
	assert.Equal(t, "gedi-out", cfg.Storage.S3.Bucket)
	assert.Equal(t, "/srv/gedi/parquet", cfg.Convert.OutputDir)
}

func TestLoadFromFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gedi.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mode":"join","pipeline":{"workers":3}}`), 0644))
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, ModeJoin, cfg.Mode)
	assert.Equal(t, 3, cfg.Pipeline.Workers)
}

func TestLoadFromFile_Errors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "gedi.toml")
	require.NoError(t, os.WriteFile(path, []byte("mode = 'all'"), 0644))
	_, err = LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("GEDI_MODE", "schema")
	t.Setenv("GEDI_COLLECTIONS", "L2A, L4C,")
	t.Setenv("GEDI_JOIN_PARTITIONS", "32")
	t.Setenv("GEDI_JOIN_QUALITY_FILTER", "1")
	t.Setenv("GEDI_S3_BUCKET", "bucket")
	t.Setenv("GEDI_WORKERS", "2")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	assert.Equal(t, ModeSchema, cfg.Mode)
	assert.Equal(t, []string{"L2A", "L4C"}, cfg.Catalog.Collections)
	assert.Equal(t, 32, cfg.Join.Partitions)
	assert.True(t, cfg.Join.QualityFilter)
	assert.Equal(t, "bucket", cfg.Storage.S3.Bucket)
	assert.Equal(t, 2, cfg.Pipeline.Workers)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"mode", func(c *Config) { c.Mode = "serve" }},
		{"storage type", func(c *Config) { c.Storage.Type = "gcs" }},
		{"s3 bucket", func(c *Config) { c.Storage.Type = "s3" }},
		{"encoding", func(c *Config) { c.Convert.Encoding = "geojson" }},
		{"chunk rows", func(c *Config) { c.Convert.ChunkRows = -1 }},
		{"partitions", func(c *Config) { c.Join.Partitions = 0 }},
		{"bloom", func(c *Config) { c.Join.BloomFPR = 1 }},
		{"join collections", func(c *Config) { c.Join.Collections = []string{"L2A"} }},
		{"workers", func(c *Config) { c.Pipeline.Workers = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Resolve()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "gedi")
	cfg.Storage.Type = "local"
	cfg.Resolve()
	require.NoError(t, cfg.EnsureDirectories())
	for _, dir := range []string{cfg.Catalog.SchemaDir, cfg.Convert.OutputDir, cfg.Join.WorkDir, cfg.Storage.Path} {
		assert.DirExists(t, dir)
	}
}
