package geoparquet

import (
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"

	gerrors "github.com/gedi-geoparquet/gedi-geoparquet/internal/errors"
	"github.com/gedi-geoparquet/gedi-geoparquet/pkg/types"
)

// pointType is the GeoParquet native point layout.
var pointType = arrow.StructOf(
	arrow.Field{Name: "x", Type: arrow.PrimitiveTypes.Float64},
	arrow.Field{Name: "y", Type: arrow.PrimitiveTypes.Float64},
)

func geometryField(enc Encoding) arrow.Field {
	if enc == EncodingWKB {
		return arrow.Field{Name: types.GeometryColumn, Type: arrow.BinaryTypes.Binary}
	}
	return arrow.Field{Name: types.GeometryColumn, Type: pointType}
}

// coordinates finds the longitude and latitude columns of s.
func coordinates(s *arrow.Schema, o Options) (lon, lat int, err error) {
	pairs := DefaultCoordinates
	if o.Longitude != "" || o.Latitude != "" {
		pairs = [][2]string{{o.Longitude, o.Latitude}}
	}
	for _, p := range pairs {
		lonIdx, latIdx := s.FieldIndices(p[0]), s.FieldIndices(p[1])
		if len(lonIdx) != 1 || len(latIdx) != 1 {
			continue
		}
		for _, i := range []int{lonIdx[0], latIdx[0]} {
			if id := s.Field(i).Type.ID(); id != arrow.FLOAT64 && id != arrow.FLOAT32 {
				return 0, 0, gerrors.NewSchemaError(gerrors.CodeInvalidSchema,
					fmt.Sprintf("geolocation column %s has type %s", s.Field(i).Name, s.Field(i).Type))
			}
		}
		return lonIdx[0], latIdx[0], nil
	}
	return 0, 0, gerrors.NewSchemaError(gerrors.CodeInvalidSchema,
		fmt.Sprintf("no geolocation columns among %v", pairs))
}

func floatAt(a arrow.Array, i int) float64 {
	switch v := a.(type) {
	case *array.Float64:
		return v.Value(i)
	case *array.Float32:
		return float64(v.Value(i))
	}
	return math.NaN()
}

// geometryBuilder turns coordinate columns into a geometry column and tracks
// the extent of the points written.
type geometryBuilder struct {
	enc    Encoding
	mem    memory.Allocator
	bounds *geom.Bounds
}

func newGeometryBuilder(mem memory.Allocator, enc Encoding) *geometryBuilder {
	return &geometryBuilder{enc: enc, mem: mem, bounds: geom.NewBounds(geom.XY)}
}

// valid reports whether a coordinate lies on the globe; fill values such as
// -9999 are written but kept out of the extent.
func valid(x, y float64) bool {
	return x >= -180 && x <= 180 && y >= -90 && y <= 90
}

func (g *geometryBuilder) build(lon, lat arrow.Array) (arrow.Array, error) {
	n := lon.Len()
	pt := geom.NewPoint(geom.XY)
	extend := func(x, y float64) {
		if valid(x, y) {
			g.bounds.Extend(pt.MustSetCoords(geom.Coord{x, y}))
		}
	}

	if g.enc == EncodingWKB {
		b := array.NewBinaryBuilder(g.mem, arrow.BinaryTypes.Binary)
		defer b.Release()
		b.Reserve(n)
		for i := 0; i < n; i++ {
			x, y := floatAt(lon, i), floatAt(lat, i)
			extend(x, y)
			data, err := wkb.Marshal(geom.NewPointFlat(geom.XY, []float64{x, y}), wkb.NDR)
			if err != nil {
				return nil, fmt.Errorf("geoparquet: encode point %d: %w", i, err)
			}
			b.Append(data)
		}
		return b.NewArray(), nil
	}

	b := array.NewStructBuilder(g.mem, pointType)
	defer b.Release()
	xs := b.FieldBuilder(0).(*array.Float64Builder)
	ys := b.FieldBuilder(1).(*array.Float64Builder)
	b.Reserve(n)
	for i := 0; i < n; i++ {
		x, y := floatAt(lon, i), floatAt(lat, i)
		extend(x, y)
		b.Append(true)
		xs.Append(x)
		ys.Append(y)
	}
	return b.NewArray(), nil
}

// bbox returns [minx, miny, maxx, maxy], or nil when no valid point was seen.
func (g *geometryBuilder) bbox() []float64 {
	if g.bounds.IsEmpty() {
		return nil
	}
	return []float64{g.bounds.Min(0), g.bounds.Min(1), g.bounds.Max(0), g.bounds.Max(1)}
}
