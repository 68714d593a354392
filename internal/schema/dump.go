package schema

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

// Source is a schema loaded for inspection together with the file-level
// key/value metadata of a Parquet file, when it came from one.
type Source struct {
	Path   string
	Schema *arrow.Schema
	// KeyValue holds Parquet footer metadata in file order; nil for artifacts.
	KeyValue [][2]string
}

// Geo returns the GeoParquet "geo" footer value, if present.
func (s *Source) Geo() (string, bool) {
	for _, kv := range s.KeyValue {
		if kv[0] == "geo" {
			return kv[1], true
		}
	}
	return "", false
}

// Inspect loads the schema of a .parquet file, or of a schema artifact for
// any other suffix.
func Inspect(path string) (*Source, error) {
	if !strings.EqualFold(filepath.Ext(path), ".parquet") {
		s, err := ReadArtifact(path)
		if err != nil {
			return nil, err
		}
		return &Source{Path: path, Schema: s}, nil
	}

	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, fmt.Errorf("schema: open %s: %w", path, err)
	}
	defer rdr.Close()
	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	s, err := fr.Schema()
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	src := &Source{Path: path, Schema: withoutFieldIDs(s)}
	kv := rdr.MetaData().KeyValueMetadata()
	keys, values := kv.Keys(), kv.Values()
	for i := range keys {
		src.KeyValue = append(src.KeyValue, [2]string{keys[i], values[i]})
	}
	return src, nil
}

// fieldIDKey is attached by the Parquet reader to every column it maps.
const fieldIDKey = "PARQUET:field_id"

func withoutFieldIDs(s *arrow.Schema) *arrow.Schema {
	fields := make([]arrow.Field, s.NumFields())
	for i, f := range s.Fields() {
		fields[i] = withoutFieldID(f)
	}
	md := s.Metadata()
	return arrow.NewSchema(fields, &md)
}

func withoutFieldID(f arrow.Field) arrow.Field {
	if f.Metadata.FindKey(fieldIDKey) >= 0 {
		var keys, values []string
		for i, k := range f.Metadata.Keys() {
			if k != fieldIDKey {
				keys = append(keys, k)
				values = append(values, f.Metadata.Values()[i])
			}
		}
		f.Metadata = arrow.Metadata{}
		if len(keys) > 0 {
			f.Metadata = arrow.NewMetadata(keys, values)
		}
	}
	switch t := f.Type.(type) {
	case *arrow.FixedSizeListType:
		f.Type = arrow.FixedSizeListOfField(t.Len(), withoutFieldID(t.ElemField()))
	case *arrow.ListType:
		f.Type = arrow.ListOfField(withoutFieldID(t.ElemField()))
	}
	return f
}

// DumpOptions selects what Dump renders.
type DumpOptions struct {
	FieldMetadata  bool
	SchemaMetadata bool
	// Truncate limits each rendered metadata value to this many bytes; zero
	// renders values in full.
	Truncate int
}

// Dump renders a schema as text, one field per line.
func Dump(w io.Writer, src *Source, opts DumpOptions) error {
	var b strings.Builder
	for _, f := range src.Schema.Fields() {
		fmt.Fprintf(&b, "%s: %s", f.Name, f.Type)
		if !f.Nullable {
			b.WriteString(" not null")
		}
		b.WriteByte('\n')
		if opts.FieldMetadata && f.HasMetadata() {
			b.WriteString("  -- field metadata --\n")
			writeMetadata(&b, "  ", f.Metadata.Keys(), f.Metadata.Values(), opts.Truncate)
		}
	}

	if opts.SchemaMetadata {
		md := src.Schema.Metadata()
		if md.Len() > 0 {
			b.WriteString("-- schema metadata --\n")
			writeMetadata(&b, "", md.Keys(), md.Values(), opts.Truncate)
		}
	}

	if geo, ok := src.Geo(); ok && opts.SchemaMetadata {
		fmt.Fprintf(&b, "Geo metadata: %s\n", truncate(geo, opts.Truncate))
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeMetadata(b *strings.Builder, indent string, keys, values []string, limit int) {
	for i, k := range keys {
		fmt.Fprintf(b, "%s%s: %s\n", indent, k, truncate(values[i], limit))
	}
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return fmt.Sprintf("%s... + %d", s[:limit], len(s)-limit)
}
