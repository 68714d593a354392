// Package schema derives the canonical columnar schema of a collection from
// a sample granule, persists it as an Arrow IPC artifact, and renders it for
// inspection.
package schema

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/gedi-geoparquet/gedi-geoparquet/internal/catalog"
	gerrors "github.com/gedi-geoparquet/gedi-geoparquet/internal/errors"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/h5"
	"github.com/gedi-geoparquet/gedi-geoparquet/pkg/types"
)

// Schema metadata keys, written in this order.
const (
	MetaCollection  = "gedi:collection"
	MetaSourceFile  = "gedi:source_file"
	MetaGeneratedAt = "gedi:generated_at"
)

// BuildOptions configures a Builder.
type BuildOptions struct {
	Collection catalog.Collection

	// SourceFile is recorded by base name. Defaults to the sample's name.
	SourceFile string

	// GeneratedAt is recorded in the schema metadata. When zero, the sample
	// file's modification time is used so that rebuilding from the same file
	// yields the same bytes.
	GeneratedAt time.Time

	// Ragged overrides the ragged dataset registry.
	Ragged catalog.RaggedRegistry
}

// Builder assembles a collection schema from a sample granule.
type Builder struct {
	opts BuildOptions
}

// NewBuilder creates a schema builder.
func NewBuilder(opts BuildOptions) *Builder {
	if opts.Ragged == nil {
		opts.Ragged = catalog.DefaultRagged
	}
	return &Builder{opts: opts}
}

type resolved struct {
	path   types.DatasetPath
	ds     h5.Dataset
	layout *types.RaggedLayout
}

// Build resolves every catalog path against the lexicographically first
// beam group of f and returns the schema. Any missing path aborts the build.
func (b *Builder) Build(f h5.File, paths []types.DatasetPath) (*arrow.Schema, error) {
	specs, err := b.Fields(f, paths)
	if err != nil {
		return nil, err
	}

	source := b.opts.SourceFile
	if source == "" {
		source = f.Name()
	}
	generated := b.opts.GeneratedAt
	if generated.IsZero() {
		generated = modTime(f.Name())
	}
	md := types.Metadata{
		{Key: MetaCollection, Value: string(b.opts.Collection)},
		{Key: MetaSourceFile, Value: filepath.Base(source)},
		{Key: MetaGeneratedAt, Value: generated.UTC().Format(time.RFC3339)},
	}
	log.Printf("schema: built %s schema with %d fields from %s", b.opts.Collection, len(specs), filepath.Base(source))
	return NewSchema(specs, md), nil
}

// Fields resolves the catalog to field specs in catalog order.
func (b *Builder) Fields(f h5.File, paths []types.DatasetPath) ([]types.FieldSpec, error) {
	groups, err := f.Groups()
	if err != nil {
		return nil, fmt.Errorf("schema: list groups of %s: %w", f.Name(), err)
	}
	beams := types.BeamNames(groups)
	if len(beams) == 0 {
		return nil, gerrors.NewSchemaError(gerrors.CodeInvalidSchema,
			fmt.Sprintf("%s has no beam groups", f.Name()))
	}
	beam := beams[0]
	g, err := f.Group(beam)
	if err != nil {
		return nil, fmt.Errorf("schema: open %s: %w", beam, err)
	}

	entries, err := resolve(g, paths)
	if err != nil {
		return nil, err
	}

	// Start/count companions of a ragged field are folded into it.
	consumed := make(map[types.DatasetPath]bool)
	for i := range entries {
		e := &entries[i]
		l := b.opts.Ragged.Layout(e.path)
		if l == nil || len(e.ds.Shape()) != 1 {
			continue
		}
		if !isIndexDataset(g, l.Start) || !isIndexDataset(g, l.Count) {
			continue
		}
		e.layout = l
		consumed[l.Start] = true
		consumed[l.Count] = true
	}

	specs := make([]types.FieldSpec, 0, len(entries))
	names := make(map[string]types.DatasetPath)
	for _, e := range entries {
		if consumed[e.path] {
			continue
		}
		spec, err := MapField(e.ds, e.path, e.layout)
		if err != nil {
			return nil, err
		}
		if prev, dup := names[spec.Name]; dup {
			return nil, gerrors.NewSchemaError(gerrors.CodeInvalidSchema,
				fmt.Sprintf("%s and %s both map to column %s", prev, e.path, spec.Name))
		}
		names[spec.Name] = e.path
		specs = append(specs, spec)
	}
	return specs, nil
}

// resolve opens each catalog path. A path naming a group expands to the
// datasets directly inside it, in name order.
func resolve(g h5.Group, paths []types.DatasetPath) ([]resolved, error) {
	var out []resolved
	seen := make(map[types.DatasetPath]bool)
	add := func(p types.DatasetPath, ds h5.Dataset) {
		if !seen[p] {
			seen[p] = true
			out = append(out, resolved{path: p, ds: ds})
		}
	}

	for _, p := range paths {
		ds, err := g.Dataset(string(p))
		if err == nil {
			add(p, ds)
			continue
		}
		if !errors.Is(err, h5.ErrNotFound) {
			return nil, fmt.Errorf("schema: open %s: %w", p, err)
		}
		children, cerr := g.Datasets(string(p))
		if cerr != nil {
			if errors.Is(cerr, h5.ErrNotFound) || errors.Is(cerr, h5.ErrNotGroup) {
				return nil, gerrors.DatasetNotFound(string(p), g.Name())
			}
			return nil, fmt.Errorf("schema: list %s: %w", p, cerr)
		}
		for _, c := range children {
			cp := p.Join(c)
			ds, err := g.Dataset(string(cp))
			if err != nil {
				return nil, fmt.Errorf("schema: open %s: %w", cp, err)
			}
			add(cp, ds)
		}
	}
	return out, nil
}

func isIndexDataset(g h5.Group, p types.DatasetPath) bool {
	ds, err := g.Dataset(string(p))
	if err != nil || len(ds.Shape()) != 1 {
		return false
	}
	e, ok := ElementOf(ds.Type())
	return ok && e.IsInteger()
}

func modTime(name string) time.Time {
	if fi, err := os.Stat(name); err == nil {
		return fi.ModTime()
	}
	return time.Now()
}

// NewSchema assembles an Arrow schema from field specs and ordered metadata.
func NewSchema(specs []types.FieldSpec, md types.Metadata) *arrow.Schema {
	fields := make([]arrow.Field, len(specs))
	for i, s := range specs {
		fields[i] = ToArrowField(s)
	}
	meta := arrow.NewMetadata(md.Keys(), md.Values())
	return arrow.NewSchema(fields, &meta)
}

// Specs recovers the field specs of a persisted schema.
func Specs(s *arrow.Schema) ([]types.FieldSpec, error) {
	specs := make([]types.FieldSpec, 0, s.NumFields())
	for _, f := range s.Fields() {
		spec, err := FromArrowField(f)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// CollectionOf returns the collection recorded in a schema, if any.
func CollectionOf(s *arrow.Schema) string {
	md := s.Metadata()
	if v, ok := md.GetValue(MetaCollection); ok {
		return v
	}
	return ""
}
