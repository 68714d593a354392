// Package geoparquet writes record batches to GeoParquet files: Parquet with
// a point geometry column and the "geo" footer metadata.
package geoparquet

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	gerrors "github.com/gedi-geoparquet/gedi-geoparquet/internal/errors"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/granule"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/h5"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/storage"
	"github.com/gedi-geoparquet/gedi-geoparquet/pkg/types"
)

// Writer streams record batches into one GeoParquet file. Nothing appears at
// the destination until Close succeeds.
type Writer struct {
	opts    Options
	in      *arrow.Schema
	out     *arrow.Schema
	lon     int
	lat     int
	geom    *geometryBuilder
	pending *storage.PendingFile
	fw      *pqarrow.FileWriter
	rows    int64
	batches int
	done    bool
}

// Create opens a writer for batches of schema s. The geometry column is
// derived from s's geolocation columns.
func Create(dest string, s *arrow.Schema, opts Options) (*Writer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	lon, lat, err := coordinates(s, opts)
	if err != nil {
		return nil, err
	}
	if s.HasField(types.GeometryColumn) {
		return nil, gerrors.NewSchemaError(gerrors.CodeInvalidSchema,
			fmt.Sprintf("input already has a %s column", types.GeometryColumn))
	}

	fields := append(append([]arrow.Field(nil), s.Fields()...), geometryField(opts.Encoding))
	md := s.Metadata()
	out := arrow.NewSchema(fields, &md)
	props, arrProps, err := opts.WriterProperties()
	if err != nil {
		return nil, err
	}

	pending, err := storage.CreatePending(dest)
	if err != nil {
		return nil, err
	}
	fw, err := pqarrow.NewFileWriter(out, pending, props, arrProps)
	if err != nil {
		pending.Abort()
		return nil, fmt.Errorf("geoparquet: create writer for %s: %w", dest, err)
	}
	return &Writer{
		opts:    opts,
		in:      s,
		out:     out,
		lon:     lon,
		lat:     lat,
		geom:    newGeometryBuilder(memory.DefaultAllocator, opts.Encoding),
		pending: pending,
		fw:      fw,
	}, nil
}

// Schema returns the schema of the written file, geometry included.
func (w *Writer) Schema() *arrow.Schema { return w.out }

// Rows returns the number of rows written so far.
func (w *Writer) Rows() int64 { return w.rows }

// Write appends rec as a new row group.
func (w *Writer) Write(rec arrow.Record) error {
	if w.done {
		return fmt.Errorf("geoparquet: write after close")
	}
	if !rec.Schema().Equal(w.in) {
		return gerrors.NewInternalError("record schema differs from writer schema", nil)
	}
	g, err := w.geom.build(rec.Column(w.lon), rec.Column(w.lat))
	if err != nil {
		return err
	}
	defer g.Release()

	cols := append(append([]arrow.Array(nil), rec.Columns()...), g)
	out := array.NewRecord(w.out, cols, rec.NumRows())
	defer out.Release()
	if err := w.fw.Write(out); err != nil {
		return err
	}
	w.rows += rec.NumRows()
	w.batches++
	return nil
}

// Metadata returns the geo metadata describing the rows written so far.
func (w *Writer) Metadata() FileMetadata {
	return newFileMetadata(types.GeometryColumn, w.opts.Encoding, w.geom.bbox())
}

// Close writes the footer and moves the file into place.
func (w *Writer) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	geo, err := json.Marshal(w.Metadata())
	if err != nil {
		w.fw.Close()
		w.pending.Abort()
		return fmt.Errorf("geoparquet: encode geo metadata: %w", err)
	}
	if err := w.fw.AppendKeyValueMetadata(MetadataKey, string(geo)); err != nil {
		w.fw.Close()
		w.pending.Abort()
		return err
	}
	if err := w.fw.Close(); err != nil {
		w.pending.Abort()
		return err
	}
	return w.pending.Commit()
}

// Abort discards the output.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.fw.Close()
	w.pending.Abort()
}

// Result summarizes one conversion.
type Result struct {
	Path    string
	Rows    int64
	Batches int
	Bytes   int64
}

// ConvertOptions configures Convert.
type ConvertOptions struct {
	Writer   Options
	Granule  granule.Options
	Prefetch bool
}

// Convert materializes every beam of f against schema s and writes dest.
// On any error no file is left at dest.
func Convert(ctx context.Context, f h5.File, s *arrow.Schema, dest string, opts ConvertOptions) (*Result, error) {
	m, err := granule.New(ctx, f, s, opts.Granule)
	if err != nil {
		return nil, err
	}
	var rr array.RecordReader = m
	if opts.Prefetch {
		rr = granule.Prefetch(ctx, m)
	}
	defer rr.Release()

	w, err := Create(dest, rr.Schema(), opts.Writer)
	if err != nil {
		return nil, err
	}
	for rr.Next() {
		if err := w.Write(rr.Record()); err != nil {
			w.Abort()
			return nil, err
		}
	}
	if err := rr.Err(); err != nil {
		w.Abort()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	res := &Result{Path: dest, Rows: w.Rows(), Batches: w.batches}
	if fi, err := os.Stat(dest); err == nil {
		res.Bytes = fi.Size()
	}
	log.Printf("geoparquet: wrote %s (%d rows, %d batches, %d bytes)", dest, res.Rows, res.Batches, res.Bytes)
	return res, nil
}
