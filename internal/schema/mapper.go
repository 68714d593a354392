package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	gerrors "github.com/gedi-geoparquet/gedi-geoparquet/internal/errors"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/h5"
	"github.com/gedi-geoparquet/gedi-geoparquet/pkg/types"
)

// Field metadata keys written alongside the source attributes.
const (
	MetaPath        = "gedi:path"
	MetaRaggedStart = "gedi:ragged_start"
	MetaRaggedCount = "gedi:ragged_count"
	MetaRaggedBase  = "gedi:ragged_base"
)

// ElementOf maps an on-disk element type to a column element type.
func ElementOf(t h5.DataType) (types.ElementType, bool) {
	switch t.Class {
	case h5.ClassInteger:
		switch {
		case t.Signed && t.Size == 1:
			return types.ElementInt8, true
		case t.Signed && t.Size == 2:
			return types.ElementInt16, true
		case t.Signed && t.Size == 4:
			return types.ElementInt32, true
		case t.Signed && t.Size == 8:
			return types.ElementInt64, true
		case t.Size == 1:
			return types.ElementUint8, true
		case t.Size == 2:
			return types.ElementUint16, true
		case t.Size == 4:
			return types.ElementUint32, true
		case t.Size == 8:
			return types.ElementUint64, true
		}
	case h5.ClassFloat:
		switch t.Size {
		case 4:
			return types.ElementFloat32, true
		case 8:
			return types.ElementFloat64, true
		}
	case h5.ClassString:
		return types.ElementUtf8, true
	case h5.ClassBool:
		return types.ElementBool, true
	}
	return types.ElementInvalid, false
}

// MapField derives the column spec of one dataset. layout is non-nil when
// the dataset is a ragged flat buffer; the caller decides that once, at
// schema build time.
func MapField(ds h5.Dataset, path types.DatasetPath, layout *types.RaggedLayout) (types.FieldSpec, error) {
	elem, ok := ElementOf(ds.Type())
	if !ok {
		return types.FieldSpec{}, gerrors.UnsupportedType(string(path), ds.Type().String())
	}
	shape := ds.Shape()
	if len(shape) == 0 {
		return types.FieldSpec{}, gerrors.UnsupportedType(string(path), "rank-0 "+ds.Type().String())
	}

	spec := types.FieldSpec{
		Name:    path.FieldName(),
		Path:    path,
		Element: elem,
	}
	switch {
	case layout != nil:
		if len(shape) != 1 {
			return types.FieldSpec{}, gerrors.NewSchemaError(gerrors.CodeInvalidSchema,
				fmt.Sprintf("ragged dataset %s has rank %d, want 1", path, len(shape)))
		}
		spec.Cardinality = types.VariableListCardinality()
		l := *layout
		spec.Ragged = &l
	case len(shape) == 1:
		spec.Cardinality = types.ScalarCardinality()
	default:
		for _, d := range shape[1:] {
			if d <= 0 {
				return types.FieldSpec{}, gerrors.NewSchemaError(gerrors.CodeInvalidSchema,
					fmt.Sprintf("dataset %s has shape %v, trailing dimensions must be positive", path, shape))
			}
		}
		spec.Cardinality = types.FixedListCardinality(shape[1:]...)
	}

	attrs, err := ds.Attributes()
	if err != nil {
		return types.FieldSpec{}, fmt.Errorf("schema: attributes of %s: %w", path, err)
	}
	md, err := EncodeAttributes(attrs)
	if err != nil {
		return types.FieldSpec{}, fmt.Errorf("schema: attributes of %s: %w", path, err)
	}
	md = append(md, types.MetadataPair{Key: MetaPath, Value: string(path)})
	if spec.Ragged != nil {
		md = append(md,
			types.MetadataPair{Key: MetaRaggedStart, Value: string(spec.Ragged.Start)},
			types.MetadataPair{Key: MetaRaggedCount, Value: string(spec.Ragged.Count)},
			types.MetadataPair{Key: MetaRaggedBase, Value: raggedBase(spec.Ragged.OneBased)},
		)
	}
	spec.Metadata = md
	return spec, nil
}

func raggedBase(oneBased bool) string {
	if oneBased {
		return "1"
	}
	return "0"
}

// EncodeAttributes renders attribute values as JSON, keeping source order.
// Non-finite floats are written as the bare tokens NaN, Infinity and
// -Infinity, which is how GEDI fill values have historically been rendered.
func EncodeAttributes(attrs []h5.Attribute) (types.Metadata, error) {
	md := make(types.Metadata, 0, len(attrs))
	for _, a := range attrs {
		v, err := encodeValue(a.Value)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", a.Name, err)
		}
		md = append(md, types.MetadataPair{Key: a.Name, Value: v})
	}
	return md, nil
}

func encodeValue(v interface{}) (string, error) {
	switch x := v.(type) {
	case float64:
		return encodeFloat(x), nil
	case float32:
		return encodeFloat(float64(x)), nil
	case []float64:
		parts := make([]string, len(x))
		for i, f := range x {
			parts[i] = encodeFloat(f)
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	case []float32:
		parts := make([]string, len(x))
		for i, f := range x {
			parts[i] = encodeFloat(float64(f))
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func encodeFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

var elementArrowTypes = map[types.ElementType]arrow.DataType{
	types.ElementInt8:    arrow.PrimitiveTypes.Int8,
	types.ElementInt16:   arrow.PrimitiveTypes.Int16,
	types.ElementInt32:   arrow.PrimitiveTypes.Int32,
	types.ElementInt64:   arrow.PrimitiveTypes.Int64,
	types.ElementUint8:   arrow.PrimitiveTypes.Uint8,
	types.ElementUint16:  arrow.PrimitiveTypes.Uint16,
	types.ElementUint32:  arrow.PrimitiveTypes.Uint32,
	types.ElementUint64:  arrow.PrimitiveTypes.Uint64,
	types.ElementFloat32: arrow.PrimitiveTypes.Float32,
	types.ElementFloat64: arrow.PrimitiveTypes.Float64,
	types.ElementUtf8:    arrow.BinaryTypes.String,
	types.ElementBool:    arrow.FixedWidthTypes.Boolean,
}

// ElementArrowType returns the Arrow type of a scalar element.
func ElementArrowType(e types.ElementType) arrow.DataType {
	return elementArrowTypes[e]
}

// ArrowType returns the column type of a field spec.
func ArrowType(spec types.FieldSpec) arrow.DataType {
	dt := ElementArrowType(spec.Element)
	switch spec.Cardinality.Kind {
	case types.FixedList:
		for i := len(spec.Cardinality.Dims) - 1; i >= 0; i-- {
			dt = arrow.FixedSizeListOf(int32(spec.Cardinality.Dims[i]), dt)
		}
	case types.VariableList:
		dt = arrow.ListOf(dt)
	}
	return dt
}

// ToArrowField converts a field spec to an Arrow field with ordered metadata.
func ToArrowField(spec types.FieldSpec) arrow.Field {
	return arrow.Field{
		Name:     spec.Name,
		Type:     ArrowType(spec),
		Nullable: spec.Nullable,
		Metadata: arrow.NewMetadata(spec.Metadata.Keys(), spec.Metadata.Values()),
	}
}

// FromArrowField recovers the field spec of a persisted column.
func FromArrowField(f arrow.Field) (types.FieldSpec, error) {
	spec := types.FieldSpec{
		Name:     f.Name,
		Path:     types.DatasetPath(f.Name),
		Nullable: f.Nullable,
	}
	for i, k := range f.Metadata.Keys() {
		spec.Metadata = append(spec.Metadata, types.MetadataPair{Key: k, Value: f.Metadata.Values()[i]})
	}
	if p, ok := spec.Metadata.Get(MetaPath); ok {
		spec.Path = types.DatasetPath(p)
	}

	dt := f.Type
	var dims []int
	switch t := dt.(type) {
	case *arrow.ListType:
		spec.Cardinality = types.VariableListCardinality()
		dt = t.Elem()
		start, okStart := spec.Metadata.Get(MetaRaggedStart)
		count, okCount := spec.Metadata.Get(MetaRaggedCount)
		if !okStart || !okCount {
			return types.FieldSpec{}, gerrors.NewSchemaError(gerrors.CodeInvalidSchema,
				fmt.Sprintf("list field %s has no ragged layout metadata", f.Name))
		}
		base, _ := spec.Metadata.Get(MetaRaggedBase)
		spec.Ragged = &types.RaggedLayout{
			Start:    types.DatasetPath(start),
			Count:    types.DatasetPath(count),
			OneBased: base == "1",
		}
	case *arrow.FixedSizeListType:
		for {
			fsl, ok := dt.(*arrow.FixedSizeListType)
			if !ok {
				break
			}
			dims = append(dims, int(fsl.Len()))
			dt = fsl.Elem()
		}
		spec.Cardinality = types.FixedListCardinality(dims...)
	default:
		spec.Cardinality = types.ScalarCardinality()
	}

	for e, at := range elementArrowTypes {
		if arrow.TypeEqual(at, dt) {
			spec.Element = e
			return spec, nil
		}
	}
	return types.FieldSpec{}, gerrors.UnsupportedType(f.Name, dt.String())
}
