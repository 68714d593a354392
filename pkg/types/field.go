// Package types provides the shared data model for GEDI granule conversion.
package types

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// DatasetPath is a slash-separated path of one variable relative to a beam
// group, e.g. "geolocation/latitude_bin0".
type DatasetPath string

// Leaf returns the last path element.
func (p DatasetPath) Leaf() string {
	return path.Base(string(p))
}

// Dir returns the parent path, or "" for a top-level dataset.
func (p DatasetPath) Dir() DatasetPath {
	d := path.Dir(string(p))
	if d == "." || d == "/" {
		return ""
	}
	return DatasetPath(d)
}

// Sibling returns the path of a dataset named leaf in the same group.
func (p DatasetPath) Sibling(leaf string) DatasetPath {
	if d := p.Dir(); d != "" {
		return DatasetPath(string(d) + "/" + leaf)
	}
	return DatasetPath(leaf)
}

// Join appends a child name to the path.
func (p DatasetPath) Join(child string) DatasetPath {
	if p == "" {
		return DatasetPath(child)
	}
	return DatasetPath(strings.TrimSuffix(string(p), "/") + "/" + child)
}

var rxProcessingPattern = regexp.MustCompile(`(?:^|/)rx_processing_a(\d+)/`)

// FieldName returns the flattened column name for the path. Datasets under
// rx_processing_aN are suffixed with _aN so that the per-algorithm copies of
// a variable do not collide.
func (p DatasetPath) FieldName() string {
	leaf := p.Leaf()
	if m := rxProcessingPattern.FindStringSubmatch(string(p)); m != nil {
		return leaf + "_a" + m[1]
	}
	return leaf
}

// ElementType is the logical scalar type of a column or list element.
type ElementType uint8

const (
	ElementInvalid ElementType = iota
	ElementInt8
	ElementInt16
	ElementInt32
	ElementInt64
	ElementUint8
	ElementUint16
	ElementUint32
	ElementUint64
	ElementFloat32
	ElementFloat64
	ElementUtf8
	ElementBool
)

var elementNames = [...]string{
	ElementInvalid: "invalid",
	ElementInt8:    "int8",
	ElementInt16:   "int16",
	ElementInt32:   "int32",
	ElementInt64:   "int64",
	ElementUint8:   "uint8",
	ElementUint16:  "uint16",
	ElementUint32:  "uint32",
	ElementUint64:  "uint64",
	ElementFloat32: "float32",
	ElementFloat64: "float64",
	ElementUtf8:    "utf8",
	ElementBool:    "bool",
}

func (e ElementType) String() string {
	if int(e) < len(elementNames) {
		return elementNames[e]
	}
	return fmt.Sprintf("element(%d)", uint8(e))
}

// IsInteger reports whether the element is a signed or unsigned integer.
func (e ElementType) IsInteger() bool {
	return e >= ElementInt8 && e <= ElementUint64
}

// CardinalityKind distinguishes the three column shapes.
type CardinalityKind uint8

const (
	Scalar CardinalityKind = iota
	FixedList
	VariableList
)

// Cardinality describes how many values one row holds. Dims is set only for
// FixedList and lists the trailing dataset dimensions, outermost first.
type Cardinality struct {
	Kind CardinalityKind
	Dims []int
}

// ScalarCardinality is one value per row.
func ScalarCardinality() Cardinality { return Cardinality{Kind: Scalar} }

// FixedListCardinality is a fixed-size list per row, nested once per dim.
func FixedListCardinality(dims ...int) Cardinality {
	return Cardinality{Kind: FixedList, Dims: append([]int(nil), dims...)}
}

// VariableListCardinality is a list of varying length per row.
func VariableListCardinality() Cardinality { return Cardinality{Kind: VariableList} }

// Width returns the number of scalar values per row for fixed cardinalities.
func (c Cardinality) Width() int {
	w := 1
	for _, d := range c.Dims {
		w *= d
	}
	return w
}

// Equal reports whether two cardinalities describe the same shape.
func (c Cardinality) Equal(o Cardinality) bool {
	if c.Kind != o.Kind || len(c.Dims) != len(o.Dims) {
		return false
	}
	for i := range c.Dims {
		if c.Dims[i] != o.Dims[i] {
			return false
		}
	}
	return true
}

func (c Cardinality) String() string {
	switch c.Kind {
	case Scalar:
		return "scalar"
	case FixedList:
		parts := make([]string, len(c.Dims))
		for i, d := range c.Dims {
			parts[i] = fmt.Sprint(d)
		}
		return "fixed_list(" + strings.Join(parts, "x") + ")"
	case VariableList:
		return "variable_list"
	}
	return "unknown"
}

// MetadataPair is one key/value of ordered field or schema metadata.
type MetadataPair struct {
	Key   string
	Value string
}

// Metadata is ordered string metadata. Order is preserved as written.
type Metadata []MetadataPair

// Get returns the value for key.
func (m Metadata) Get(key string) (string, bool) {
	for _, kv := range m {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Keys returns the keys in order.
func (m Metadata) Keys() []string {
	keys := make([]string, len(m))
	for i, kv := range m {
		keys[i] = kv.Key
	}
	return keys
}

// Values returns the values in order.
func (m Metadata) Values() []string {
	values := make([]string, len(m))
	for i, kv := range m {
		values[i] = kv.Value
	}
	return values
}

// RaggedLayout locates the per-row start index and count datasets of a
// variable-length field stored as one flat buffer.
type RaggedLayout struct {
	Start DatasetPath
	Count DatasetPath
	// OneBased is set when start indices count from 1.
	OneBased bool
}

// FieldSpec describes one output column derived from one source dataset.
type FieldSpec struct {
	Name        string
	Path        DatasetPath
	Element     ElementType
	Cardinality Cardinality
	Nullable    bool
	Metadata    Metadata
	// Ragged is set only for VariableList fields.
	Ragged *RaggedLayout
}

// Column names with fixed meaning across the pipeline.
const (
	ShotNumberColumn = "shot_number"
	DeltaTimeColumn  = "delta_time"
	BeamNameColumn   = "beam_name"
	BeamTypeColumn   = "beam_type"
	TimeColumn       = "time"
	GeometryColumn   = "geometry"
)
