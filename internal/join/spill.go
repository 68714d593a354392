package join

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/golang/snappy"
	"github.com/google/uuid"
)

// spillWriter appends record batches to one snappy-framed IPC stream.
type spillWriter struct {
	f    *os.File
	sw   *snappy.Writer
	w    *ipc.Writer
	rows int64
}

func (w *spillWriter) write(rec arrow.Record) error {
	w.rows += rec.NumRows()
	return w.w.Write(rec)
}

func (w *spillWriter) close() error {
	if w.w == nil {
		return nil
	}
	err := w.w.Close()
	if cerr := w.sw.Close(); err == nil {
		err = cerr
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	w.w = nil
	return err
}

// spillSet holds the partitioned streams of a join under one work
// directory: in<stream>-b<bucket>.arrows.sz. Streams below inputs are the
// join inputs themselves.
type spillSet struct {
	dir     string
	mem     memory.Allocator
	inputs  int
	schemas []*arrow.Schema
	writers [][]*spillWriter
}

func newSpillSet(workDir string, inputs int, schemas []*arrow.Schema, parts int, mem memory.Allocator) (*spillSet, error) {
	dir := filepath.Join(workDir, "gedi-join-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("join: create work dir: %w", err)
	}
	s := &spillSet{dir: dir, mem: mem, inputs: inputs, schemas: schemas, writers: make([][]*spillWriter, len(schemas))}
	for i, sc := range schemas {
		s.writers[i] = make([]*spillWriter, parts)
		for b := 0; b < parts; b++ {
			f, err := os.Create(s.path(i, b))
			if err != nil {
				s.remove()
				return nil, fmt.Errorf("join: create spill file: %w", err)
			}
			sw := snappy.NewBufferedWriter(f)
			s.writers[i][b] = &spillWriter{
				f:  f,
				sw: sw,
				w:  ipc.NewWriter(sw, ipc.WithSchema(sc), ipc.WithAllocator(mem)),
			}
		}
	}
	return s, nil
}

func (s *spillSet) path(input, bucket int) string {
	return filepath.Join(s.dir, fmt.Sprintf("in%d-b%03d.arrows.sz", input, bucket))
}

func (s *spillSet) writer(input, bucket int) *spillWriter {
	return s.writers[input][bucket]
}

func (s *spillSet) schema(stream int) *arrow.Schema {
	return s.schemas[stream]
}

// finish closes the writers of one input so its partitions can be read.
func (s *spillSet) finish(input int) error {
	for _, w := range s.writers[input] {
		if err := w.close(); err != nil {
			return fmt.Errorf("join: close spill file: %w", err)
		}
	}
	return nil
}

// read streams the batches of one partition to fn. The record is only valid
// for the duration of the call unless fn retains it.
func (s *spillSet) read(ctx context.Context, input, bucket int, fn func(arrow.Record) error) error {
	f, err := os.Open(s.path(input, bucket))
	if err != nil {
		return fmt.Errorf("join: open spill file: %w", err)
	}
	defer f.Close()

	r, err := ipc.NewReader(snappy.NewReader(f), ipc.WithAllocator(s.mem))
	if err != nil {
		return fmt.Errorf("join: read spill file %s: %w", filepath.Base(f.Name()), err)
	}
	defer r.Release()
	for r.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r.Record()); err != nil {
			return err
		}
	}
	if err := r.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// remove closes any open writer and deletes the work directory.
func (s *spillSet) remove() {
	for _, ws := range s.writers {
		for _, w := range ws {
			if w != nil {
				w.close()
			}
		}
	}
	os.RemoveAll(s.dir)
}
