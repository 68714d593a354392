// Package app runs the batch pipeline: schema generation per collection,
// concurrent granule conversion, publishing of outputs, and joining of
// granules that share an orbit.
package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/gedi-geoparquet/gedi-geoparquet/internal/catalog"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/config"
	gerrors "github.com/gedi-geoparquet/gedi-geoparquet/internal/errors"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/geoparquet"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/granule"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/h5"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/join"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/manifest"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/observability"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/schema"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/storage"
	"github.com/gedi-geoparquet/gedi-geoparquet/pkg/types"
)

// Opener opens a granule file. The binaries pass the HDF5 backend; tests
// pass in-memory granules.
type Opener func(name string) (h5.File, error)

// App owns the resources shared by the pipeline stages.
type App struct {
	cfg  *config.Config
	open Opener

	catalog   *manifest.SQLiteCatalog
	versions  *manifest.SchemaVersionManager
	storage   storage.ObjectStorage // nil when publishing is off
	publisher *storage.Publisher

	writer geoparquet.Options
	stats  *observability.PipelineStats

	mu      sync.Mutex
	schemas map[catalog.Collection]*loadedSchema
}

type loadedSchema struct {
	schema      *arrow.Schema
	path        string
	fingerprint string
	version     int
}

// Granule is one discovered input file.
type Granule struct {
	Path       string
	Collection catalog.Collection
	// OrbitKey is empty when the file name does not follow the GEDI
	// convention; such granules are converted but never joined.
	OrbitKey string
}

// Report summarizes one run.
type Report struct {
	Schemas   int
	Converted int
	Skipped   int
	Joined    int
	Published int
	// Failed maps a granule, artifact or join output path to its error.
	Failed map[string]error
	// Stages holds per-stage throughput, slowest first.
	Stages []observability.StageStats

	mu sync.Mutex
}

func (r *Report) fail(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failed[name] = err
}

func (r *Report) count(field *int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*field++
}

// Err returns nil when nothing failed, else an error naming the first
// failure by path and the failure count.
func (r *Report) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Failed) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.Failed))
	for name := range r.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Errorf("%d failures, first %s: %w", len(names), names[0], r.Failed[names[0]])
}

// New validates cfg, creates the data directories and opens the manifest
// and the publish target.
func New(ctx context.Context, cfg *config.Config, open Opener) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	encoding, err := geoparquet.ParseEncoding(cfg.Convert.Encoding)
	if err != nil {
		return nil, err
	}
	writer := geoparquet.Options{
		Compression:       cfg.Writer.Compression,
		Level:             cfg.Writer.Level,
		MaxRowGroupLength: cfg.Writer.MaxRowGroupLength,
		Encoding:          encoding,
	}
	if err := writer.Validate(); err != nil {
		return nil, err
	}

	cat, err := manifest.NewCatalog(cfg.Manifest.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize manifest catalog: %w", err)
	}
	log.Printf("app: manifest catalog initialized: %s", cfg.Manifest.Path)

	a := &App{
		cfg:      cfg,
		open:     open,
		catalog:  cat,
		versions: manifest.NewSchemaVersionManager(cat),
		writer:   writer,
		stats:    observability.NewPipelineStats(),
		schemas:  make(map[catalog.Collection]*loadedSchema),
	}

	a.storage, err = newStorage(ctx, cfg.Storage)
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if a.storage != nil {
		a.publisher = storage.NewPublisher(a.storage, cfg.Storage.Prefix, cfg.Pipeline.Workers)
		log.Printf("app: publishing to %s storage", cfg.Storage.Type)
	}
	return a, nil
}

func newStorage(ctx context.Context, cfg config.StorageConfig) (storage.ObjectStorage, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "local":
		return storage.NewLocalStorage(cfg.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if cfg.S3.Region != "" {
			s3Cfg.Region = cfg.S3.Region
		}
		if cfg.S3.Endpoint != "" {
			s3Cfg.Endpoint = cfg.S3.Endpoint
			s3Cfg.UsePathStyle = true
		}
		if cfg.S3.PartSizeMB > 0 {
			s3Cfg.PartSize = int64(cfg.S3.PartSizeMB) << 20
		}
		return storage.NewS3Storage(ctx, cfg.S3.Bucket, s3Cfg)
	}
	return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
}

// Catalog returns the manifest catalog.
func (a *App) Catalog() *manifest.SQLiteCatalog { return a.catalog }

// Close releases the manifest.
func (a *App) Close() error {
	return a.catalog.Close()
}

// Run executes the stages selected by the configured mode. Per-file
// failures are collected in the report; the returned error is set only
// when the run could not proceed at all or ctx ended.
func (a *App) Run(ctx context.Context) (*Report, error) {
	report := &Report{Failed: make(map[string]error)}
	a.stats.Reset()
	defer func() { report.Stages = a.stats.Stages() }()

	granules, err := Discover(a.cfg.Convert.InputDir, a.collections(), a.open)
	if err != nil {
		return report, err
	}
	log.Printf("app: found %d granules in %s", len(granules), a.cfg.Convert.InputDir)

	if a.cfg.ShouldRunSchema() {
		if err := a.generateSchemas(ctx, granules, report); err != nil {
			return report, err
		}
	}
	if a.cfg.ShouldRunConvert() {
		if err := a.convertAll(ctx, granules, report); err != nil {
			return report, err
		}
	}
	if a.cfg.ShouldRunJoin() {
		if err := a.joinAll(ctx, report); err != nil {
			return report, err
		}
	}

	log.Printf("app: %d schemas, %d converted, %d skipped, %d joined, %d published, %d failed",
		report.Schemas, report.Converted, report.Skipped, report.Joined, report.Published, len(report.Failed))
	for _, s := range a.stats.Stages() {
		log.Printf("app: stage %s: %d files, %d rows, %d bytes, %.0f rows/s, %d failed",
			s.Stage, s.Files, s.Rows, s.Bytes, s.RowsPerSecond(), s.Failures)
	}
	return report, nil
}

func (a *App) collections() []catalog.Collection {
	if len(a.cfg.Catalog.Collections) == 0 {
		return catalog.Collections
	}
	var out []catalog.Collection
	for _, name := range a.cfg.Catalog.Collections {
		if c, err := catalog.ParseCollection(name); err == nil {
			out = append(out, c)
		} else {
			log.Printf("app: ignoring %v", err)
		}
	}
	return out
}

// Discover lists the *.h5 granules of dir in name order, keeping those of
// the given collections. Granules whose name does not identify the
// collection are opened to read their short_name attribute.
func Discover(dir string, collections []catalog.Collection, open Opener) ([]Granule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("app: list granules: %w", err)
	}
	wanted := make(map[catalog.Collection]bool, len(collections))
	for _, c := range collections {
		wanted[c] = true
	}

	var out []Granule
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".h5") {
			continue
		}
		g := Granule{Path: filepath.Join(dir, e.Name())}
		if id, err := types.ParseGranuleID(e.Name()); err == nil {
			g.OrbitKey = id.OrbitKey()
			g.Collection, err = catalog.ParseCollection(id.Product)
			if err != nil {
				log.Printf("app: skipping %s: %v", e.Name(), err)
				continue
			}
		} else {
			f, err := open(g.Path)
			if err != nil {
				return nil, gerrors.NewSourceError("open "+g.Path, err)
			}
			g.Collection, err = catalog.Identify(f)
			f.Close()
			if err != nil {
				log.Printf("app: skipping %s: %v", e.Name(), err)
				continue
			}
		}
		if wanted[g.Collection] {
			out = append(out, g)
		}
	}
	return out, nil
}

// SchemaPath returns the artifact path of a collection.
func (a *App) SchemaPath(c catalog.Collection) string {
	return filepath.Join(a.cfg.Catalog.SchemaDir, string(c)+schema.ArtifactExt)
}

// generateSchemas builds one artifact per collection from the collection's
// first granule.
func (a *App) generateSchemas(ctx context.Context, granules []Granule, report *Report) error {
	samples := make(map[catalog.Collection]Granule)
	var order []catalog.Collection
	for _, g := range granules {
		if _, ok := samples[g.Collection]; !ok {
			samples[g.Collection] = g
			order = append(order, g.Collection)
		}
	}

	pool := NewPool(ctx, a.cfg.Pipeline.Workers)
	for _, c := range order {
		c, sample := c, samples[c]
		if err := pool.Go(a.SchemaPath(c), func(ctx context.Context) error {
			start := time.Now()
			err := a.generateSchema(ctx, c, sample, report)
			a.stats.Record("schema", 0, 0, time.Since(start), err)
			return err
		}); err != nil {
			break
		}
	}
	for name, err := range pool.Wait() {
		log.Printf("app: schema %s failed: %v", name, err)
		report.fail(name, err)
	}
	return ctx.Err()
}

func (a *App) generateSchema(ctx context.Context, c catalog.Collection, sample Granule, report *Report) error {
	cat, err := catalog.Load(c, a.cfg.Catalog.Dir)
	if err != nil {
		return err
	}
	f, err := a.open(sample.Path)
	if err != nil {
		return gerrors.NewSourceError("open "+sample.Path, err)
	}
	defer f.Close()

	s, err := schema.NewBuilder(schema.BuildOptions{Collection: c}).Build(f, cat.Paths)
	if err != nil {
		return err
	}
	path := a.SchemaPath(c)
	written, err := schema.WriteArtifact(path, s, a.cfg.Catalog.SkipUnchanged)
	if err != nil {
		return err
	}
	ls, err := a.register(ctx, c, s, path)
	if err != nil {
		return err
	}
	if written {
		report.count(&report.Schemas)
	}
	log.Printf("app: schema %s version %d (%d fields, written=%v)", path, ls.version, len(s.Fields()), written)
	return nil
}

// register records the schema's fingerprint and caches it for conversions.
func (a *App) register(ctx context.Context, c catalog.Collection, s *arrow.Schema, path string) (*loadedSchema, error) {
	fp, err := schema.Fingerprint(s)
	if err != nil {
		return nil, err
	}
	version, _, err := a.versions.RegisterSchema(ctx, string(c), fp, path, len(s.Fields()))
	if err != nil {
		return nil, err
	}
	ls := &loadedSchema{schema: s, path: path, fingerprint: fp, version: version}

	a.mu.Lock()
	a.schemas[c] = ls
	a.mu.Unlock()
	return ls, nil
}

func (a *App) loadSchema(ctx context.Context, c catalog.Collection) (*loadedSchema, error) {
	a.mu.Lock()
	ls, ok := a.schemas[c]
	a.mu.Unlock()
	if ok {
		return ls, nil
	}
	path := a.SchemaPath(c)
	s, err := schema.ReadArtifact(path)
	if err != nil {
		return nil, err
	}
	return a.register(ctx, c, s, path)
}

// convertAll converts granules on the worker pool, then publishes every
// conversion not yet in storage.
func (a *App) convertAll(ctx context.Context, granules []Granule, report *Report) error {
	pool := NewPool(ctx, a.cfg.Pipeline.Workers)
	for _, g := range granules {
		g := g
		if err := pool.Go(g.Path, func(ctx context.Context) error {
			start := time.Now()
			res, skipped, err := a.convert(ctx, g)
			if err != nil {
				a.stats.Record("convert", 0, 0, time.Since(start), err)
				return err
			}
			if skipped {
				report.count(&report.Skipped)
			} else {
				a.stats.Record("convert", res.Rows, res.Bytes, time.Since(start), nil)
				report.count(&report.Converted)
			}
			return nil
		}); err != nil {
			break
		}
	}
	for name, err := range pool.Wait() {
		log.Printf("app: convert %s failed: %v", filepath.Base(name), err)
		report.fail(name, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.publishConversions(ctx, report)
}

// convert writes one granule. An existing output recorded with the current
// schema is skipped unless overwriting is configured.
func (a *App) convert(ctx context.Context, g Granule) (res *geoparquet.Result, skipped bool, err error) {
	ls, err := a.loadSchema(ctx, g.Collection)
	if err != nil {
		return nil, false, err
	}
	dest := filepath.Join(a.cfg.Convert.OutputDir, geoparquet.OutputName(g.Path, a.writer))

	if !a.cfg.Convert.Overwrite {
		rec, err := a.catalog.GetConversion(ctx, dest)
		if err == nil && rec.SchemaFingerprint == ls.fingerprint {
			if _, err := os.Stat(dest); err == nil {
				return nil, true, nil
			}
		}
	}

	f, err := a.open(g.Path)
	if err != nil {
		return nil, false, gerrors.NewSourceError("open "+g.Path, err)
	}
	defer f.Close()

	res, err = geoparquet.Convert(ctx, f, ls.schema, dest, geoparquet.ConvertOptions{
		Writer:   a.writer,
		Granule:  granule.Options{ChunkRows: a.cfg.Convert.ChunkRows},
		Prefetch: a.cfg.Convert.Prefetch,
	})
	if err != nil {
		return nil, false, err
	}

	err = a.catalog.RecordConversion(ctx, &manifest.ConversionRecord{
		OutputPath:        dest,
		GranuleID:         types.Basename(g.Path),
		Collection:        string(g.Collection),
		OrbitKey:          orbitKey(g),
		SourcePath:        g.Path,
		RowCount:          res.Rows,
		SizeBytes:         res.Bytes,
		Codec:             a.writer.Suffix(),
		SchemaFingerprint: ls.fingerprint,
		SchemaVersion:     ls.version,
	})
	return res, false, err
}

// orbitKey falls back to the granule name so that unconventional files
// never match another collection.
func orbitKey(g Granule) string {
	if g.OrbitKey != "" {
		return g.OrbitKey
	}
	return "file:" + types.Basename(g.Path)
}

func (a *App) publishConversions(ctx context.Context, report *Report) error {
	if a.publisher == nil {
		return nil
	}
	pending, err := a.catalog.FindConversions(ctx, manifest.ConversionFilter{Unpublished: true})
	if err != nil {
		return err
	}
	paths := make([]string, len(pending))
	for i, rec := range pending {
		paths[i] = rec.OutputPath
	}

	result, err := a.publisher.PublishAll(ctx, "converted", paths)
	if err != nil {
		return err
	}
	for local, pub := range result.Objects {
		if err := a.catalog.MarkPublished(ctx, local, pub.Key, pub.ETag); err != nil {
			report.fail(local, err)
			continue
		}
		report.count(&report.Published)
	}
	for local, err := range result.Errors {
		if gerrors.IsRetryable(err) {
			log.Printf("app: publish %s failed, will retry next run: %v", filepath.Base(local), err)
		}
		report.fail(local, err)
	}
	return nil
}

// joinWriter is the writer configuration of joined files. zstd without a
// level gets the join default level.
func (a *App) joinWriter() geoparquet.Options {
	w := a.writer
	if strings.EqualFold(w.Compression, geoparquet.DefaultCompression) && w.Level == 0 {
		w.Level = join.DefaultLevel
	}
	return w
}

// JoinPath returns the output path of a matched set.
func (a *App) JoinPath(orbitKey string) string {
	name := orbitKey + "." + strings.Join(a.cfg.Join.Collections, "-") + "." + a.joinWriter().Suffix() + ".parquet"
	return filepath.Join(a.cfg.Join.OutputDir, name)
}

// joinAll joins every stale matched set, one at a time.
func (a *App) joinAll(ctx context.Context, report *Report) error {
	if _, err := a.catalog.PruneMissing(ctx); err != nil {
		return err
	}
	sets, err := a.catalog.MatchedSets(ctx, a.cfg.Join.Collections)
	if err != nil {
		return err
	}
	log.Printf("app: %d matched sets for %s", len(sets), strings.Join(a.cfg.Join.Collections, ", "))

	joiner := join.New(join.Options{
		WorkDir:       a.cfg.Join.WorkDir,
		Partitions:    a.cfg.Join.Partitions,
		BloomFPR:      a.cfg.Join.BloomFPR,
		BatchRows:     a.cfg.Join.BatchRows,
		Writer:        a.joinWriter(),
		QualityFilter: a.cfg.Join.QualityFilter,
	})

	for _, set := range sets {
		if err := ctx.Err(); err != nil {
			return err
		}
		output := a.JoinPath(set.OrbitKey)
		if !set.Stale() && !a.cfg.Convert.Overwrite {
			if _, err := os.Stat(set.Joined.OutputPath); err == nil {
				report.count(&report.Skipped)
				continue
			}
		}
		if err := a.joinSet(ctx, joiner, set, output, report); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("app: join %s failed: %v", filepath.Base(output), err)
			report.fail(output, err)
		}
	}
	return nil
}

func (a *App) joinSet(ctx context.Context, joiner *join.Joiner, set *manifest.MatchedSet, output string, report *Report) error {
	start := time.Now()
	res, err := joiner.Join(ctx, set.InputPaths(), output)
	if err != nil {
		a.stats.Record("join", 0, 0, time.Since(start), err)
		return err
	}
	a.stats.Record("join", res.Rows, res.Bytes, time.Since(start), nil)
	rec := &manifest.JoinRecord{
		OutputPath:  output,
		OrbitKey:    set.OrbitKey,
		Collections: a.cfg.Join.Collections,
		Inputs:      set.InputPaths(),
		RowCount:    res.Rows,
		SizeBytes:   res.Bytes,
	}
	if err := a.catalog.RecordJoin(ctx, rec); err != nil {
		return err
	}
	report.count(&report.Joined)

	if a.publisher == nil {
		return nil
	}
	pub, err := a.publisher.Publish(ctx, "joined", output)
	if err != nil {
		return err
	}
	if err := a.catalog.MarkPublished(ctx, output, pub.Key, pub.ETag); err != nil {
		return err
	}
	report.count(&report.Published)
	return nil
}

// Reconcile compares published outputs with the storage contents. With
// repair set, outputs missing from storage are published again by the next
// run.
func (a *App) Reconcile(ctx context.Context, repair bool) (*manifest.ReconciliationReport, error) {
	if a.storage == nil {
		return nil, gerrors.NewConfigError("reconcile needs a storage target")
	}
	return manifest.Reconcile(ctx, a.catalog, a.storage, manifest.ReconcileOptions{
		Prefix: a.cfg.Storage.Prefix,
		Repair: repair,
	})
}
