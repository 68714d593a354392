package geoparquet

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	gerrors "github.com/gedi-geoparquet/gedi-geoparquet/internal/errors"
	"github.com/gedi-geoparquet/gedi-geoparquet/pkg/types"
)

// Encoding selects how the geometry column is stored.
type Encoding string

const (
	// EncodingPoint is the GeoParquet native struct<x, y> point encoding.
	EncodingPoint Encoding = "point"
	// EncodingWKB stores well-known binary.
	EncodingWKB Encoding = "WKB"
)

// ParseEncoding accepts "point" or "wkb" in any case.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "point":
		return EncodingPoint, nil
	case "wkb":
		return EncodingWKB, nil
	}
	return "", gerrors.NewConfigError(fmt.Sprintf("unknown geometry encoding %q", s))
}

// Codecs lists the accepted compression names.
var Codecs = []string{"none", "snappy", "gzip", "zstd", "lz4", "brotli"}

var codecs = map[string]compress.Compression{
	"none":   compress.Codecs.Uncompressed,
	"snappy": compress.Codecs.Snappy,
	"gzip":   compress.Codecs.Gzip,
	"zstd":   compress.Codecs.Zstd,
	"lz4":    compress.Codecs.Lz4Raw,
	"brotli": compress.Codecs.Brotli,
}

// ParseCodec maps a compression name to its Parquet codec.
func ParseCodec(name string) (compress.Compression, error) {
	c, ok := codecs[strings.ToLower(name)]
	if !ok {
		return 0, gerrors.NewConfigError(fmt.Sprintf("unknown compression %q, want one of %s",
			name, strings.Join(Codecs, ", ")))
	}
	return c, nil
}

// Options configures a Writer.
type Options struct {
	// Compression is one of Codecs. Defaults to zstd.
	Compression string

	// Level is the codec's compression level. Zero leaves the writer default.
	Level int

	// MaxRowGroupLength caps the rows of one row group. Batches larger than
	// this are split; smaller ones still get their own row group.
	MaxRowGroupLength int64

	Encoding Encoding

	// Longitude and Latitude name the geometry source columns. When empty the
	// first present pair of DefaultCoordinates is used.
	Longitude string
	Latitude  string
}

// DefaultCompression is used when Options.Compression is empty.
const DefaultCompression = "zstd"

// DefaultCoordinates lists the geolocation column pairs tried in order.
var DefaultCoordinates = [][2]string{
	{"lon_lowestmode", "lat_lowestmode"},
	{"longitude_bin0", "latitude_bin0"},
	{"lon_lowestmode_a1", "lat_lowestmode_a1"},
}

func (o Options) withDefaults() Options {
	if o.Compression == "" {
		o.Compression = DefaultCompression
	}
	if o.Encoding == "" {
		o.Encoding = EncodingPoint
	}
	return o
}

// Validate checks the codec and encoding names.
func (o Options) Validate() error {
	o = o.withDefaults()
	if _, err := ParseCodec(o.Compression); err != nil {
		return err
	}
	if _, err := ParseEncoding(string(o.Encoding)); err != nil {
		return err
	}
	if o.MaxRowGroupLength < 0 {
		return gerrors.NewConfigError("max row group length must not be negative")
	}
	return nil
}

// WriterProperties returns the Parquet and Arrow writer properties for o.
func (o Options) WriterProperties() (*parquet.WriterProperties, pqarrow.ArrowWriterProperties, error) {
	o = o.withDefaults()
	codec, err := ParseCodec(o.Compression)
	if err != nil {
		return nil, pqarrow.ArrowWriterProperties{}, err
	}
	props := []parquet.WriterProperty{
		parquet.WithCompression(codec),
		parquet.WithCreatedBy("gedi-geoparquet"),
	}
	if o.Level != 0 {
		props = append(props, parquet.WithCompressionLevel(o.Level))
	}
	if o.MaxRowGroupLength > 0 {
		props = append(props, parquet.WithMaxRowGroupLength(o.MaxRowGroupLength))
	}
	return parquet.NewWriterProperties(props...),
		pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()), nil
}

// Suffix renders the writer configuration as it appears in output names,
// e.g. "zstd-3" or "snappy".
func (o Options) Suffix() string {
	o = o.withDefaults()
	s := strings.ToLower(o.Compression)
	if o.Level != 0 {
		s += "-" + strconv.Itoa(o.Level)
	}
	return s
}

// OutputName returns <granule basename>.<codec>[-<level>].parquet.
func OutputName(granule string, o Options) string {
	return types.Basename(granule) + "." + o.Suffix() + ".parquet"
}
