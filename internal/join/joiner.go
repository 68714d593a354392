// Package join performs an inner join of converted GeoParquet files on
// shot_number. Inputs are partitioned to disk by key hash and joined one
// partition at a time, so memory is bounded by the largest partition rather
// than by the inputs.
package join

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/compute/exec"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/gedi-geoparquet/gedi-geoparquet/internal/bloom"
	gerrors "github.com/gedi-geoparquet/gedi-geoparquet/internal/errors"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/geoparquet"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/storage"
	"github.com/gedi-geoparquet/gedi-geoparquet/pkg/types"
)

const (
	DefaultPartitions = 16
	DefaultBloomFPR   = 0.01
	DefaultBatchRows  = 64 * 1024
	DefaultLevel      = 3
)

// Options configures a Joiner.
type Options struct {
	// WorkDir receives the partition files. Defaults to os.TempDir().
	WorkDir    string
	Partitions int
	// BloomFPR is the target false positive rate of the first input's key
	// filter. Negative disables pruning.
	BloomFPR  float64
	BatchRows int64
	// Writer defaults to zstd level 3.
	Writer geoparquet.Options
	// QualityFilter keeps only shots passing the degrade, sensitivity,
	// quality and surface screen, and drops quality_flag and surface_flag.
	QualityFilter bool
	Allocator     memory.Allocator
}

func (o Options) withDefaults() Options {
	if o.WorkDir == "" {
		o.WorkDir = os.TempDir()
	}
	if o.Partitions <= 0 {
		o.Partitions = DefaultPartitions
	}
	if o.BloomFPR == 0 {
		o.BloomFPR = DefaultBloomFPR
	}
	if o.BatchRows <= 0 {
		o.BatchRows = DefaultBatchRows
	}
	if o.Writer.Compression == "" {
		o.Writer.Compression = geoparquet.DefaultCompression
		if o.Writer.Level == 0 {
			o.Writer.Level = DefaultLevel
		}
	}
	if o.Allocator == nil {
		o.Allocator = memory.DefaultAllocator
	}
	return o
}

// Result summarizes one join.
type Result struct {
	Path   string
	Inputs int
	Rows   int64
	// Pruned counts rows of later inputs rejected by the key filter before
	// partitioning.
	Pruned int64
	Bytes  int64
	Empty  bool
}

// Joiner joins files on shot_number.
type Joiner struct {
	opts Options
}

// New creates a Joiner.
func New(opts Options) *Joiner {
	return &Joiner{opts: opts.withDefaults()}
}

type input struct {
	path   string
	rdr    *file.Reader
	fr     *pqarrow.FileReader
	schema *arrow.Schema
	key    int
	// cols are the file columns partitioned after the key, in file order.
	cols  []int
	spill *arrow.Schema
	geo   *string
}

// slot locates one output column: column col of input's partition schema.
type slot struct {
	input int
	col   int
}

// Join writes the inner join of inputs to output. The leftmost input's
// column wins for every field name. An empty intersection is logged and
// produces an empty file.
func (j *Joiner) Join(ctx context.Context, inputs []string, output string) (*Result, error) {
	if err := checkPaths(inputs, output); err != nil {
		return nil, err
	}
	if err := j.opts.Writer.Validate(); err != nil {
		return nil, err
	}
	ctx = exec.WithAllocator(ctx, j.opts.Allocator)

	ins := make([]*input, 0, len(inputs))
	defer func() {
		for _, in := range ins {
			in.rdr.Close()
		}
	}()
	for _, p := range inputs {
		in, err := j.open(p)
		if err != nil {
			return nil, err
		}
		ins = append(ins, in)
	}

	slots, joined := plan(ins)
	var qf *qualityFilter
	out := joined
	if j.opts.QualityFilter {
		var err error
		if qf, err = newQualityFilter(joined); err != nil {
			return nil, err
		}
		out = project(joined, qf.dropped())
	}

	// Streams 0..n-1 hold the partitioned inputs; stream n+i-1 holds the
	// keys of later input i dropped by the key filter.
	schemas := make([]*arrow.Schema, 0, 2*len(ins)-1)
	for _, in := range ins {
		schemas = append(schemas, in.spill)
	}
	for _, in := range ins[1:] {
		schemas = append(schemas, arrow.NewSchema([]arrow.Field{in.spill.Field(0)}, nil))
	}
	sp, err := newSpillSet(j.opts.WorkDir, len(ins), schemas, j.opts.Partitions, j.opts.Allocator)
	if err != nil {
		return nil, err
	}
	defer sp.remove()

	res := &Result{Path: output, Inputs: len(ins)}
	var filter *bloom.Filter
	if j.opts.BloomFPR > 0 {
		filter = bloom.NewWithEstimates(int(ins[0].rdr.NumRows()), j.opts.BloomFPR)
	}
	for i, in := range ins {
		pruned, err := j.partition(ctx, i, in, filter, sp)
		if err != nil {
			return nil, err
		}
		if err := sp.finish(i); err != nil {
			return nil, err
		}
		if i > 0 {
			if err := sp.finish(prunedStream(len(ins), i)); err != nil {
				return nil, err
			}
		}
		res.Pruned += pruned
	}

	w, err := j.create(output, out, ins)
	if err != nil {
		return nil, err
	}
	for b := 0; b < j.opts.Partitions; b++ {
		n, err := j.joinBucket(ctx, b, ins, slots, joined, qf, sp, w)
		if err != nil {
			w.abort()
			return nil, err
		}
		res.Rows += n
		log.Printf("join: bucket %d/%d: %d rows", b+1, j.opts.Partitions, n)
	}
	if err := w.close(); err != nil {
		return nil, err
	}

	if res.Rows == 0 {
		res.Empty = true
		log.Printf("join: warning: %v", gerrors.EmptyResult(inputs))
	}
	if fi, err := os.Stat(output); err == nil {
		res.Bytes = fi.Size()
	}
	log.Printf("join: wrote %s (%d rows from %d inputs, %d rows pruned)", output, res.Rows, res.Inputs, res.Pruned)
	return res, nil
}

func checkPaths(inputs []string, output string) error {
	if len(inputs) < 2 {
		return gerrors.NewJoinError(gerrors.CodeInvalidArgument,
			fmt.Sprintf("need at least 2 inputs, got %d", len(inputs)))
	}
	absOut, err := filepath.Abs(output)
	if err != nil {
		return gerrors.Wrap(gerrors.ErrCategoryJoin, gerrors.CodeInvalidArgument, "resolve output path", err)
	}
	outInfo, statErr := os.Stat(absOut)
	for _, p := range inputs {
		abs, err := filepath.Abs(p)
		if err != nil {
			return gerrors.Wrap(gerrors.ErrCategoryJoin, gerrors.CodeInvalidArgument, "resolve input path", err)
		}
		same := abs == absOut
		if !same && statErr == nil {
			if fi, err := os.Stat(abs); err == nil {
				same = os.SameFile(fi, outInfo)
			}
		}
		if same {
			return gerrors.NewJoinError(gerrors.CodeInvalidArgument,
				fmt.Sprintf("output %s is also an input", output)).
				WithDetails(map[string]interface{}{"input": p})
		}
	}
	return nil
}

func (j *Joiner) open(path string) (*input, error) {
	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, gerrors.Wrap(gerrors.ErrCategoryJoin, gerrors.CodeInvalidArgument, "open "+path, err)
	}
	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{BatchSize: j.opts.BatchRows}, j.opts.Allocator)
	if err != nil {
		rdr.Close()
		return nil, fmt.Errorf("join: read %s: %w", path, err)
	}
	s, err := fr.Schema()
	if err != nil {
		rdr.Close()
		return nil, fmt.Errorf("join: read schema of %s: %w", path, err)
	}
	idx := s.FieldIndices(types.ShotNumberColumn)
	if len(idx) == 0 || !arrow.IsInteger(s.Field(idx[0]).Type.ID()) {
		rdr.Close()
		return nil, gerrors.NewJoinError(gerrors.CodeInvalidArgument,
			fmt.Sprintf("%s has no integer %s column", path, types.ShotNumberColumn))
	}
	return &input{
		path:   path,
		rdr:    rdr,
		fr:     fr,
		schema: s,
		key:    idx[0],
		geo:    rdr.MetaData().KeyValueMetadata().FindValue(geoparquet.MetadataKey),
	}, nil
}

// plan assigns every output field to the leftmost input carrying it and
// fills each input's partition layout: the key first, then its kept
// columns. The joined schema carries the first input's schema metadata
// except the geo footer, which create writes once.
func plan(ins []*input) ([]slot, *arrow.Schema) {
	seen := make(map[string]bool)
	var slots []slot
	var fields []arrow.Field
	for i, in := range ins {
		for c, f := range in.schema.Fields() {
			if seen[f.Name] {
				continue
			}
			seen[f.Name] = true
			fields = append(fields, f)
			if c == in.key {
				slots = append(slots, slot{input: i, col: 0})
				continue
			}
			in.cols = append(in.cols, c)
			slots = append(slots, slot{input: i, col: len(in.cols)})
		}
		sf := []arrow.Field{in.schema.Field(in.key)}
		for _, c := range in.cols {
			sf = append(sf, in.schema.Field(c))
		}
		in.spill = arrow.NewSchema(sf, nil)
	}
	md := withoutKeys(ins[0].schema.Metadata(), geoparquet.MetadataKey)
	return slots, arrow.NewSchema(fields, &md)
}

func withoutKeys(md arrow.Metadata, drop ...string) arrow.Metadata {
	var keys, values []string
	for i, k := range md.Keys() {
		if !slices.Contains(drop, k) {
			keys = append(keys, k)
			values = append(values, md.Values()[i])
		}
	}
	return arrow.NewMetadata(keys, values)
}

func project(s *arrow.Schema, drop map[int]bool) *arrow.Schema {
	var fields []arrow.Field
	for i, f := range s.Fields() {
		if !drop[i] {
			fields = append(fields, f)
		}
	}
	md := s.Metadata()
	return arrow.NewSchema(fields, &md)
}

// partition scatters input i into the spill set. The first input feeds the
// key filter; later inputs are pruned by it.
func (j *Joiner) partition(ctx context.Context, i int, in *input, filter *bloom.Filter, sp *spillSet) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rr, err := in.fr.GetRecordReader(ctx, nil, nil)
	if err != nil {
		return 0, fmt.Errorf("join: read %s: %w", in.path, err)
	}
	defer rr.Release()

	idx := array.NewInt32Builder(j.opts.Allocator)
	defer idx.Release()
	var pruned int64
	buckets := make([][]int32, j.opts.Partitions)
	dropped := make([][]int32, j.opts.Partitions)
	for rr.Next() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		rec := rr.Record()
		keys, err := keyValues(rec.Column(in.key))
		if err != nil {
			return 0, gerrors.NewJoinError(gerrors.CodeInvalidArgument, fmt.Sprintf("%s: %v", in.path, err))
		}
		for b := range buckets {
			buckets[b] = buckets[b][:0]
			dropped[b] = dropped[b][:0]
		}
		for r, k := range keys {
			b := bucketOf(k, j.opts.Partitions)
			switch {
			case filter == nil:
			case i == 0:
				filter.Add(k)
			case !filter.MayContain(k):
				pruned++
				dropped[b] = append(dropped[b], int32(r))
				continue
			}
			buckets[b] = append(buckets[b], int32(r))
		}

		cols := make([]arrow.Array, 0, len(in.cols)+1)
		cols = append(cols, rec.Column(in.key))
		for _, c := range in.cols {
			cols = append(cols, rec.Column(c))
		}
		for b, rows := range buckets {
			if len(rows) == 0 {
				continue
			}
			part, err := take(ctx, in.spill, cols, indexArray(idx, rows))
			if err != nil {
				return 0, err
			}
			err = sp.writer(i, b).write(part)
			part.Release()
			if err != nil {
				return 0, fmt.Errorf("join: spill %s: %w", in.path, err)
			}
		}
		if i == 0 {
			continue
		}
		stream := prunedStream(sp.inputs, i)
		for b, rows := range dropped {
			if len(rows) == 0 {
				continue
			}
			part, err := take(ctx, sp.schema(stream), cols[:1], indexArray(idx, rows))
			if err != nil {
				return 0, err
			}
			err = sp.writer(stream, b).write(part)
			part.Release()
			if err != nil {
				return 0, fmt.Errorf("join: spill %s: %w", in.path, err)
			}
		}
	}
	if err := rr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("join: read %s: %w", in.path, err)
	}
	return pruned, nil
}

// take gathers rows of cols into a record of schema s. indices is released.
func take(ctx context.Context, s *arrow.Schema, cols []arrow.Array, indices arrow.Array) (arrow.Record, error) {
	defer indices.Release()
	out := make([]arrow.Array, len(cols))
	release := func() {
		for _, a := range out {
			if a != nil {
				a.Release()
			}
		}
	}
	for c, col := range cols {
		a, err := compute.TakeArray(ctx, col, indices)
		if err != nil {
			release()
			return nil, fmt.Errorf("join: take %s: %w", s.Field(c).Name, err)
		}
		out[c] = a
	}
	rec := array.NewRecord(s, out, int64(indices.Len()))
	release()
	return rec, nil
}

// buildSide is one later input's partition, concatenated and indexed by key.
type buildSide struct {
	rec   arrow.Record
	index map[uint64]int32
}

func (b *buildSide) release() {
	if b != nil && b.rec != nil {
		b.rec.Release()
	}
}

func (j *Joiner) load(ctx context.Context, sp *spillSet, i, bucket int, in *input) (*buildSide, error) {
	var recs []arrow.Record
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()
	err := sp.read(ctx, i, bucket, func(rec arrow.Record) error {
		rec.Retain()
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}

	bs := &buildSide{index: make(map[uint64]int32)}
	if len(recs) == 0 {
		return bs, nil
	}
	var n int64
	for _, r := range recs {
		n += r.NumRows()
	}
	cols := make([]arrow.Array, in.spill.NumFields())
	for c := range cols {
		chunks := make([]arrow.Array, len(recs))
		for k, r := range recs {
			chunks[k] = r.Column(c)
		}
		a, err := array.Concatenate(chunks, j.opts.Allocator)
		if err != nil {
			for _, done := range cols[:c] {
				done.Release()
			}
			return nil, fmt.Errorf("join: concatenate %s: %w", in.spill.Field(c).Name, err)
		}
		cols[c] = a
	}
	bs.rec = array.NewRecord(in.spill, cols, n)
	for _, a := range cols {
		a.Release()
	}

	keys, err := keyValues(bs.rec.Column(0))
	if err != nil {
		bs.release()
		return nil, err
	}
	for r, k := range keys {
		if _, dup := bs.index[k]; dup {
			bs.release()
			return nil, gerrors.JoinKeyCollision(in.path, k)
		}
		bs.index[k] = int32(r)
	}
	return bs, nil
}

// prunedStream is the spill stream holding the filtered-out keys of later
// input i of n.
func prunedStream(n, i int) int { return n + i - 1 }

// checkPruned fails on a key repeated among the rows of input i that the key
// filter dropped. The filter answers the same for every occurrence of a key,
// so these keys never meet the ones load indexes.
func (j *Joiner) checkPruned(ctx context.Context, sp *spillSet, i, bucket int, in *input) error {
	seen := make(map[uint64]struct{})
	return sp.read(ctx, prunedStream(sp.inputs, i), bucket, func(rec arrow.Record) error {
		keys, err := keyValues(rec.Column(0))
		if err != nil {
			return err
		}
		for _, k := range keys {
			if _, dup := seen[k]; dup {
				return gerrors.JoinKeyCollision(in.path, k)
			}
			seen[k] = struct{}{}
		}
		return nil
	})
}

// joinBucket probes the first input's partition against the others and
// writes the matches in first-input order.
func (j *Joiner) joinBucket(ctx context.Context, bucket int, ins []*input, slots []slot,
	joined *arrow.Schema, qf *qualityFilter, sp *spillSet, w *output) (int64, error) {
	builds := make([]*buildSide, len(ins))
	defer func() {
		for _, b := range builds {
			b.release()
		}
	}()
	for i := 1; i < len(ins); i++ {
		if err := j.checkPruned(ctx, sp, i, bucket, ins[i]); err != nil {
			return 0, err
		}
		b, err := j.load(ctx, sp, i, bucket, ins[i])
		if err != nil {
			return 0, err
		}
		builds[i] = b
	}

	idx := array.NewInt32Builder(j.opts.Allocator)
	defer idx.Release()
	seen := make(map[uint64]struct{})
	var rows int64
	err := sp.read(ctx, 0, bucket, func(rec arrow.Record) error {
		keys, err := keyValues(rec.Column(0))
		if err != nil {
			return err
		}
		matches := make([][]int32, len(ins))
	probe:
		for r, k := range keys {
			if _, dup := seen[k]; dup {
				return gerrors.JoinKeyCollision(ins[0].path, k)
			}
			seen[k] = struct{}{}
			for i := 1; i < len(ins); i++ {
				if _, ok := builds[i].index[k]; !ok {
					continue probe
				}
			}
			matches[0] = append(matches[0], int32(r))
			for i := 1; i < len(ins); i++ {
				matches[i] = append(matches[i], builds[i].index[k])
			}
		}
		if len(matches[0]) == 0 {
			return nil
		}

		taken := make([]arrow.Record, len(ins))
		defer func() {
			for _, t := range taken {
				if t != nil {
					t.Release()
				}
			}
		}()
		for i := range ins {
			src := rec
			if i > 0 {
				src = builds[i].rec
			}
			t, err := take(ctx, ins[i].spill, src.Columns(), indexArray(idx, matches[i]))
			if err != nil {
				return err
			}
			taken[i] = t
		}
		cols := make([]arrow.Array, len(slots))
		for c, s := range slots {
			cols[c] = taken[s.input].Column(s.col)
		}
		out := array.NewRecord(joined, cols, int64(len(matches[0])))
		defer out.Release()

		n, err := w.write(ctx, out, qf, j.opts.Allocator)
		rows += n
		return err
	})
	return rows, err
}

// output is the destination file of a join.
type output struct {
	pending *storage.PendingFile
	fw      *pqarrow.FileWriter
	schema  *arrow.Schema
	drop    map[int]bool
	done    bool
}

func (j *Joiner) create(dest string, s *arrow.Schema, ins []*input) (*output, error) {
	props, arrProps, err := j.opts.Writer.WriterProperties()
	if err != nil {
		return nil, err
	}
	pending, err := storage.CreatePending(dest)
	if err != nil {
		return nil, err
	}
	fw, err := pqarrow.NewFileWriter(s, pending, props, arrProps)
	if err != nil {
		pending.Abort()
		return nil, fmt.Errorf("join: create writer for %s: %w", dest, err)
	}
	for _, in := range ins {
		if in.geo != nil {
			if err := fw.AppendKeyValueMetadata(geoparquet.MetadataKey, *in.geo); err != nil {
				fw.Close()
				pending.Abort()
				return nil, err
			}
			break
		}
	}
	return &output{pending: pending, fw: fw, schema: s}, nil
}

func (o *output) write(ctx context.Context, rec arrow.Record, qf *qualityFilter, mem memory.Allocator) (int64, error) {
	if qf != nil {
		mask, err := qf.mask(rec, mem)
		if err != nil {
			return 0, err
		}
		filtered, err := compute.FilterRecordBatch(ctx, rec, mask, compute.DefaultFilterOptions())
		mask.Release()
		if err != nil {
			return 0, fmt.Errorf("join: quality filter: %w", err)
		}
		defer filtered.Release()
		if filtered.NumRows() == 0 {
			return 0, nil
		}
		drop := qf.dropped()
		cols := make([]arrow.Array, 0, o.schema.NumFields())
		for c, a := range filtered.Columns() {
			if !drop[c] {
				cols = append(cols, a)
			}
		}
		rec = array.NewRecord(o.schema, cols, filtered.NumRows())
		defer rec.Release()
	}
	// Buckets produce small batches; buffering fills row groups up to the
	// writer's maximum length.
	if err := o.fw.WriteBuffered(rec); err != nil {
		return 0, err
	}
	return rec.NumRows(), nil
}

func (o *output) close() error {
	o.done = true
	if err := o.fw.Close(); err != nil {
		o.pending.Abort()
		return err
	}
	return o.pending.Commit()
}

func (o *output) abort() {
	if o.done {
		return
	}
	o.done = true
	o.fw.Close()
	o.pending.Abort()
}
