// Package granule turns the beam groups of an open granule into Arrow record
// batches that conform to a persisted collection schema.
package granule

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	gerrors "github.com/gedi-geoparquet/gedi-geoparquet/internal/errors"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/h5"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/schema"
	"github.com/gedi-geoparquet/gedi-geoparquet/pkg/types"
)

// DefaultChunkRows bounds the rows of one record batch.
const DefaultChunkRows = 250000

// Options configures a Materializer.
type Options struct {
	// ChunkRows splits beams larger than this into several batches.
	ChunkRows int
	Allocator memory.Allocator
}

// Materializer reads a granule beam by beam. It implements
// array.RecordReader; each Record is valid until the next call to Next.
type Materializer struct {
	refs int64

	ctx    context.Context
	f      h5.File
	specs  []types.FieldSpec
	schema *arrow.Schema
	mem    memory.Allocator
	chunk  int

	withTime bool
	beams    []string

	// current beam
	beam   *beamPlan
	offset int

	rec arrow.Record
	err error
}

var _ array.RecordReader = (*Materializer)(nil)

// New prepares to materialize f against a persisted schema. Nothing is read
// until the first call to Next.
func New(ctx context.Context, f h5.File, s *arrow.Schema, opts Options) (*Materializer, error) {
	specs, err := schema.Specs(s)
	if err != nil {
		return nil, err
	}
	if opts.ChunkRows <= 0 {
		opts.ChunkRows = DefaultChunkRows
	}
	if opts.Allocator == nil {
		opts.Allocator = memory.DefaultAllocator
	}
	groups, err := f.Groups()
	if err != nil {
		return nil, gerrors.NewSourceError(fmt.Sprintf("list groups of %s", f.Name()), err)
	}

	m := &Materializer{
		refs:  1,
		ctx:   ctx,
		f:     f,
		specs: specs,
		mem:   opts.Allocator,
		chunk: opts.ChunkRows,
		beams: types.BeamNames(groups),
	}
	m.schema, m.withTime = OutputSchema(s)
	return m, nil
}

// OutputSchema returns the batch schema for a persisted schema: its fields
// followed by beam_name, beam_type and, when delta_time is cataloged, time.
// Schema metadata is carried over.
func OutputSchema(s *arrow.Schema) (*arrow.Schema, bool) {
	fields := append([]arrow.Field(nil), s.Fields()...)
	fields = append(fields,
		arrow.Field{Name: types.BeamNameColumn, Type: arrow.BinaryTypes.String},
		arrow.Field{Name: types.BeamTypeColumn, Type: arrow.BinaryTypes.String},
	)
	withTime := false
	if dt, ok := s.FieldsByName(types.DeltaTimeColumn); ok && len(dt) == 1 && isFloat(dt[0].Type) {
		withTime = true
		fields = append(fields, arrow.Field{
			Name: types.TimeColumn,
			Type: &arrow.TimestampType{Unit: arrow.Nanosecond, TimeZone: "UTC"},
		})
	}
	md := s.Metadata()
	return arrow.NewSchema(fields, &md), withTime
}

func isFloat(t arrow.DataType) bool {
	return t.ID() == arrow.FLOAT32 || t.ID() == arrow.FLOAT64
}

func (m *Materializer) Schema() *arrow.Schema { return m.schema }

func (m *Materializer) Retain() { atomic.AddInt64(&m.refs, 1) }

func (m *Materializer) Release() {
	if atomic.AddInt64(&m.refs, -1) == 0 {
		m.releaseRecord()
	}
}

func (m *Materializer) releaseRecord() {
	if m.rec != nil {
		m.rec.Release()
		m.rec = nil
	}
}

func (m *Materializer) Record() arrow.Record { return m.rec }

func (m *Materializer) Err() error { return m.err }

// Next advances to the next batch. It returns false at the end of the
// granule or on the first error.
func (m *Materializer) Next() bool {
	m.releaseRecord()
	if m.err != nil {
		return false
	}
	if err := m.ctx.Err(); err != nil {
		m.err = err
		return false
	}

	for m.beam == nil || m.offset >= m.beam.rows {
		if len(m.beams) == 0 {
			return false
		}
		name := m.beams[0]
		m.beams = m.beams[1:]
		plan, err := m.plan(name)
		if err != nil {
			m.err = err
			return false
		}
		log.Printf("granule: %s %s: %d rows", m.f.Name(), name, plan.rows)
		m.beam, m.offset = plan, 0
	}

	n := m.beam.rows - m.offset
	if n > m.chunk {
		n = m.chunk
	}
	rec, err := m.read(m.beam, m.offset, n)
	if err != nil {
		m.err = err
		return false
	}
	m.offset += n
	m.rec = rec
	return true
}

// beamPlan holds the opened datasets of one beam after validation.
type beamPlan struct {
	name  string
	rows  int
	cols  []column
	delta h5.Dataset
}

type column struct {
	spec   types.FieldSpec
	ds     h5.Dataset
	starts h5.Dataset
	counts h5.Dataset
}

// plan opens and validates every field of one beam before anything is read.
func (m *Materializer) plan(beam string) (*beamPlan, error) {
	g, err := m.f.Group(beam)
	if err != nil {
		return nil, gerrors.NewSourceError(fmt.Sprintf("open %s", beam), err)
	}
	p := &beamPlan{name: beam, rows: -1}
	for _, spec := range m.specs {
		c := column{spec: spec}
		if c.ds, err = open(g, beam, spec.Path); err != nil {
			return nil, err
		}
		if err := checkShape(beam, spec, c.ds); err != nil {
			return nil, err
		}
		lead := h5.Rows(c.ds)
		if spec.Ragged != nil {
			if c.starts, err = openIndex(g, beam, spec.Ragged.Start); err != nil {
				return nil, err
			}
			if c.counts, err = openIndex(g, beam, spec.Ragged.Count); err != nil {
				return nil, err
			}
			lead = h5.Rows(c.starts)
			if h5.Rows(c.counts) != lead {
				return nil, gerrors.SchemaMismatch(beam, string(spec.Ragged.Count),
					fmt.Sprintf("%d counts for %d start indices", h5.Rows(c.counts), lead))
			}
		}
		if p.rows < 0 {
			p.rows = lead
		} else if lead != p.rows {
			return nil, gerrors.SchemaMismatch(beam, string(spec.Path),
				fmt.Sprintf("leading dimension %d, want %d", lead, p.rows))
		}
		if spec.Name == types.DeltaTimeColumn {
			p.delta = c.ds
		}
		p.cols = append(p.cols, c)
	}
	if p.rows < 0 {
		p.rows = 0
	}
	return p, nil
}

func open(g h5.Group, beam string, path types.DatasetPath) (h5.Dataset, error) {
	ds, err := g.Dataset(string(path))
	if err != nil {
		return nil, gerrors.SchemaMismatch(beam, string(path), "dataset missing")
	}
	return ds, nil
}

func openIndex(g h5.Group, beam string, path types.DatasetPath) (h5.Dataset, error) {
	ds, err := open(g, beam, path)
	if err != nil {
		return nil, err
	}
	e, ok := schema.ElementOf(ds.Type())
	if !ok || !e.IsInteger() || len(ds.Shape()) != 1 {
		return nil, gerrors.SchemaMismatch(beam, string(path),
			fmt.Sprintf("ragged index must be a rank-1 integer dataset, got %s %v", ds.Type(), ds.Shape()))
	}
	return ds, nil
}

// checkShape compares a dataset with the field spec it must satisfy.
func checkShape(beam string, spec types.FieldSpec, ds h5.Dataset) error {
	e, ok := schema.ElementOf(ds.Type())
	if !ok || e != spec.Element {
		return gerrors.SchemaMismatch(beam, string(spec.Path),
			fmt.Sprintf("element type %s, want %s", ds.Type(), spec.Element))
	}
	shape := ds.Shape()
	switch spec.Cardinality.Kind {
	case types.Scalar, types.VariableList:
		if len(shape) != 1 {
			return gerrors.SchemaMismatch(beam, string(spec.Path),
				fmt.Sprintf("rank %d, want 1", len(shape)))
		}
	case types.FixedList:
		got := types.FixedListCardinality(shape[min(1, len(shape)):]...)
		if len(shape) < 2 || !got.Equal(spec.Cardinality) || got.Width() <= 0 {
			return gerrors.SchemaMismatch(beam, string(spec.Path),
				fmt.Sprintf("shape %v, want %s", shape, spec.Cardinality))
		}
	}
	return nil
}

// read materializes rows [off, off+n) of a beam.
func (m *Materializer) read(p *beamPlan, off, n int) (arrow.Record, error) {
	cols := make([]arrow.Array, 0, m.schema.NumFields())
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	for _, c := range p.cols {
		arr, err := m.readColumn(p.name, c, off, n)
		if err != nil {
			return nil, err
		}
		cols = append(cols, arr)
	}

	bt, _ := types.BeamTypeOf(p.name)
	cols = append(cols, repeatString(m.mem, p.name, n), repeatString(m.mem, string(bt), n))

	if m.withTime {
		arr, err := m.readTime(p, off, n)
		if err != nil {
			return nil, err
		}
		cols = append(cols, arr)
	}
	return array.NewRecord(m.schema, cols, int64(n)), nil
}

func (m *Materializer) readColumn(beam string, c column, off, n int) (arrow.Array, error) {
	if c.spec.Ragged != nil {
		return m.readRagged(beam, c, off, n)
	}
	data, err := c.ds.Read(off, n)
	if err != nil {
		return nil, gerrors.NewSourceError(fmt.Sprintf("read %s/%s", beam, c.spec.Path), err)
	}
	arr, err := flatArray(m.mem, data)
	if err != nil {
		return nil, err
	}
	if c.spec.Cardinality.Kind == types.FixedList {
		return fixedListArray(arr, c.spec.Cardinality.Dims), nil
	}
	return arr, nil
}

func (m *Materializer) readRagged(beam string, c column, off, n int) (arrow.Array, error) {
	rawStarts, err := c.starts.Read(off, n)
	if err != nil {
		return nil, gerrors.NewSourceError(fmt.Sprintf("read %s/%s", beam, c.spec.Ragged.Start), err)
	}
	rawCounts, err := c.counts.Read(off, n)
	if err != nil {
		return nil, gerrors.NewSourceError(fmt.Sprintf("read %s/%s", beam, c.spec.Ragged.Count), err)
	}
	starts, err := int64s(rawStarts)
	if err != nil {
		return nil, err
	}
	counts, err := int64s(rawCounts)
	if err != nil {
		return nil, err
	}

	var base int64
	if c.spec.Ragged.OneBased {
		base = 1
	}
	size := int64(h5.Rows(c.ds))
	lo, hi := size, int64(0)
	for i := range starts {
		starts[i] -= base
		if counts[i] <= 0 {
			continue
		}
		if starts[i] < 0 || starts[i]+counts[i] > size {
			return nil, gerrors.SchemaMismatch(beam, string(c.spec.Path),
				fmt.Sprintf("row %d spans [%d,%d) outside buffer of %d", off+i, starts[i], starts[i]+counts[i], size))
		}
		lo = min(lo, starts[i])
		hi = max(hi, starts[i]+counts[i])
	}
	if hi <= lo {
		lo, hi = 0, 0
	}

	flat, err := c.ds.Read(int(lo), int(hi-lo))
	if err != nil {
		return nil, gerrors.NewSourceError(fmt.Sprintf("read %s/%s", beam, c.spec.Path), err)
	}
	return raggedArray(m.mem, flat, lo, starts, counts)
}

func (m *Materializer) readTime(p *beamPlan, off, n int) (arrow.Array, error) {
	raw, err := p.delta.Read(off, n)
	if err != nil {
		return nil, gerrors.NewSourceError(fmt.Sprintf("read %s/%s", p.name, types.DeltaTimeColumn), err)
	}
	secs, err := float64s(raw)
	if err != nil {
		return nil, err
	}
	b := array.NewTimestampBuilder(m.mem, m.schema.Field(m.schema.NumFields()-1).Type.(*arrow.TimestampType))
	defer b.Release()
	b.Reserve(n)
	for _, s := range secs {
		b.Append(arrow.Timestamp(types.DeltaTimeNanos(s)))
	}
	return b.NewArray(), nil
}
