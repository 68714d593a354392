// Package config provides the configuration of the batch pipeline.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode selects which pipeline stages run.
type Mode string

const (
	ModeAll     Mode = "all"
	ModeSchema  Mode = "schema"
	ModeConvert Mode = "convert"
	ModeJoin    Mode = "join"
)

// Config holds the configuration of every pipeline stage.
type Config struct {
	// Mode specifies which stages to run: all, schema, convert, join
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for derived paths
	DataDir string `json:"data_dir" yaml:"data_dir"`

	Catalog  CatalogConfig  `json:"catalog" yaml:"catalog"`
	Convert  ConvertConfig  `json:"convert" yaml:"convert"`
	Writer   WriterConfig   `json:"writer" yaml:"writer"`
	Join     JoinConfig     `json:"join" yaml:"join"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Manifest ManifestConfig `json:"manifest" yaml:"manifest"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
}

// CatalogConfig locates dataset catalogs and schema artifacts.
type CatalogConfig struct {
	// Dir holds <collection>.txt overrides of the built-in catalogs
	Dir string `json:"dir" yaml:"dir"`

	// SchemaDir holds one <collection>.arrows artifact per collection
	SchemaDir string `json:"schema_dir" yaml:"schema_dir"`

	// Collections restricts the run to these collections; empty means all
	Collections []string `json:"collections" yaml:"collections"`

	// SkipUnchanged leaves an artifact untouched when its content would not change
	SkipUnchanged bool `json:"skip_unchanged" yaml:"skip_unchanged"`
}

// ConvertConfig holds granule conversion settings.
type ConvertConfig struct {
	// InputDir is scanned for *.h5 granules
	InputDir string `json:"input_dir" yaml:"input_dir"`

	// OutputDir receives one GeoParquet file per granule
	OutputDir string `json:"output_dir" yaml:"output_dir"`

	// ChunkRows caps the rows of one record batch
	ChunkRows int `json:"chunk_rows" yaml:"chunk_rows"`

	// Encoding is the geometry encoding: point or wkb
	Encoding string `json:"encoding" yaml:"encoding"`

	// Prefetch reads the next batch while the previous one is written
	Prefetch bool `json:"prefetch" yaml:"prefetch"`

	// Overwrite reconverts granules whose output already exists
	Overwrite bool `json:"overwrite" yaml:"overwrite"`
}

// WriterConfig holds Parquet writer settings shared by convert and join.
type WriterConfig struct {
	Compression       string `json:"compression" yaml:"compression"`
	Level             int    `json:"level" yaml:"level"`
	MaxRowGroupLength int64  `json:"max_row_group_length" yaml:"max_row_group_length"`
}

// JoinConfig holds join settings.
type JoinConfig struct {
	// OutputDir receives one joined file per orbit key
	OutputDir string `json:"output_dir" yaml:"output_dir"`

	// WorkDir holds partition spill files
	WorkDir string `json:"work_dir" yaml:"work_dir"`

	// Collections lists the collections joined, in column precedence order
	Collections []string `json:"collections" yaml:"collections"`

	Partitions    int     `json:"partitions" yaml:"partitions"`
	BloomFPR      float64 `json:"bloom_fpr" yaml:"bloom_fpr"`
	BatchRows     int64   `json:"batch_rows" yaml:"batch_rows"`
	QualityFilter bool    `json:"quality_filter" yaml:"quality_filter"`
}

// StorageConfig holds the publish target of finished outputs.
type StorageConfig struct {
	// Type is the storage type: none, local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// Prefix is prepended to every object key
	Prefix string `json:"prefix" yaml:"prefix"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// PartSizeMB splits larger uploads into parts of this size (0 = 16)
	PartSizeMB int `json:"part_size_mb" yaml:"part_size_mb"`
}

// ManifestConfig locates the conversion catalog database.
type ManifestConfig struct {
	Path string `json:"path" yaml:"path"`
}

// PipelineConfig holds batch runner settings.
type PipelineConfig struct {
	// Workers is the number of granules converted concurrently
	Workers int `json:"workers" yaml:"workers"`
}

// DefaultConfig returns the default configuration for a local run.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeAll,
		DataDir: "./data/gedi",
		Convert: ConvertConfig{
			ChunkRows: 250000,
			Encoding:  "point",
			Prefetch:  true,
		},
		Writer: WriterConfig{
			Compression: "zstd",
		},
		Join: JoinConfig{
			Collections: []string{"L2A", "L2B", "L4A"},
			Partitions:  16,
			BloomFPR:    0.01,
			BatchRows:   64 * 1024,
		},
		Storage: StorageConfig{
			Type: "none",
		},
		Pipeline: PipelineConfig{
			Workers: runtime.NumCPU(),
		},
	}
}

// Resolve fills unset paths from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/gedi"
	}
	if c.Catalog.SchemaDir == "" {
		c.Catalog.SchemaDir = filepath.Join(c.DataDir, "schemas")
	}
	if c.Convert.InputDir == "" {
		c.Convert.InputDir = filepath.Join(c.DataDir, "granules")
	}
	if c.Convert.OutputDir == "" {
		c.Convert.OutputDir = filepath.Join(c.DataDir, "parquet")
	}
	if c.Join.OutputDir == "" {
		c.Join.OutputDir = filepath.Join(c.DataDir, "joined")
	}
	if c.Join.WorkDir == "" {
		c.Join.WorkDir = filepath.Join(c.DataDir, "work")
	}
	if c.Storage.Type == "local" && c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Manifest.Path == "" {
		c.Manifest.Path = filepath.Join(c.DataDir, "manifest.db")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeSchema, ModeConvert, ModeJoin:
	default:
		return fmt.Errorf("invalid mode: %s (must be all, schema, convert, or join)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Storage.Type {
	case "", "none", "local", "s3":
	default:
		return fmt.Errorf("invalid storage type: %s (must be none, local or s3)", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	switch strings.ToLower(c.Convert.Encoding) {
	case "", "point", "wkb":
	default:
		return fmt.Errorf("invalid convert.encoding: %s (must be point or wkb)", c.Convert.Encoding)
	}
	if c.Convert.ChunkRows < 0 {
		return fmt.Errorf("convert.chunk_rows must not be negative, got %d", c.Convert.ChunkRows)
	}
	if c.Writer.MaxRowGroupLength < 0 {
		return fmt.Errorf("writer.max_row_group_length must not be negative, got %d", c.Writer.MaxRowGroupLength)
	}

	if c.Join.Partitions < 1 || c.Join.Partitions > 4096 {
		return fmt.Errorf("join.partitions must be between 1 and 4096, got %d", c.Join.Partitions)
	}
	if c.Join.BloomFPR >= 1 {
		return fmt.Errorf("join.bloom_fpr must be below 1, got %g", c.Join.BloomFPR)
	}
	if c.ShouldRunJoin() && len(c.Join.Collections) < 2 {
		return fmt.Errorf("join.collections needs at least 2 collections, got %d", len(c.Join.Collections))
	}

	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1, got %d", c.Pipeline.Workers)
	}
	return nil
}

// ShouldRunSchema returns true if schema artifacts should be generated.
func (c *Config) ShouldRunSchema() bool {
	return c.Mode == ModeAll || c.Mode == ModeSchema
}

// ShouldRunConvert returns true if granules should be converted.
func (c *Config) ShouldRunConvert() bool {
	return c.Mode == ModeAll || c.Mode == ModeConvert
}

// ShouldRunJoin returns true if matched outputs should be joined.
func (c *Config) ShouldRunJoin() bool {
	return c.Mode == ModeAll || c.Mode == ModeJoin
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv applies environment overrides. Variables use the GEDI_
// prefix; list values are comma separated.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("GEDI_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("GEDI_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Catalog configuration
	if v := os.Getenv("GEDI_CATALOG_DIR"); v != "" {
		cfg.Catalog.Dir = v
	}
	if v := os.Getenv("GEDI_SCHEMA_DIR"); v != "" {
		cfg.Catalog.SchemaDir = v
	}
	if v := os.Getenv("GEDI_COLLECTIONS"); v != "" {
		cfg.Catalog.Collections = splitList(v)
	}

	// Convert configuration
	if v := os.Getenv("GEDI_INPUT_DIR"); v != "" {
		cfg.Convert.InputDir = v
	}
	if v := os.Getenv("GEDI_OUTPUT_DIR"); v != "" {
		cfg.Convert.OutputDir = v
	}
	if v := os.Getenv("GEDI_CHUNK_ROWS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Convert.ChunkRows)
	}
	if v := os.Getenv("GEDI_ENCODING"); v != "" {
		cfg.Convert.Encoding = v
	}

	// Writer configuration
	if v := os.Getenv("GEDI_COMPRESSION"); v != "" {
		cfg.Writer.Compression = v
	}
	if v := os.Getenv("GEDI_COMPRESSION_LEVEL"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Writer.Level)
	}

	// Join configuration
	if v := os.Getenv("GEDI_JOIN_COLLECTIONS"); v != "" {
		cfg.Join.Collections = splitList(v)
	}
	if v := os.Getenv("GEDI_JOIN_PARTITIONS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Join.Partitions)
	}
	if v := os.Getenv("GEDI_JOIN_QUALITY_FILTER"); v != "" {
		cfg.Join.QualityFilter = v == "true" || v == "1"
	}

	// Storage configuration
	if v := os.Getenv("GEDI_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("GEDI_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("GEDI_STORAGE_PREFIX"); v != "" {
		cfg.Storage.Prefix = v
	}
	if v := os.Getenv("GEDI_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("GEDI_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("GEDI_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}

	if v := os.Getenv("GEDI_MANIFEST_PATH"); v != "" {
		cfg.Manifest.Path = v
	}
	if v := os.Getenv("GEDI_WORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Pipeline.Workers)
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Catalog.SchemaDir,
		c.Convert.OutputDir,
		c.Join.OutputDir,
		c.Join.WorkDir,
		c.Storage.Path,
		filepath.Dir(c.Manifest.Path),
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
