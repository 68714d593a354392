// Package h5 abstracts the hierarchical granule format behind a small
// capability set: list groups, open datasets, and read their type, shape,
// attributes and rows. Schema derivation and record materialization are
// written against these interfaces only.
package h5

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a group, dataset or attribute is absent.
	ErrNotFound = errors.New("h5: not found")

	// ErrNotGroup is returned when a path names a dataset where a group is required.
	ErrNotGroup = errors.New("h5: not a group")

	// ErrOutOfRange is returned for reads past the leading dimension.
	ErrOutOfRange = errors.New("h5: row range out of bounds")
)

// Class is the storage class of a dataset's elements.
type Class uint8

const (
	ClassUnknown Class = iota
	ClassInteger
	ClassFloat
	ClassString
	ClassBool
	ClassCompound
	ClassOpaque
	ClassEnum
	ClassReference
	ClassBitfield
	ClassTime
	ClassArray
	ClassVLen
)

var classNames = [...]string{
	ClassUnknown:   "unknown",
	ClassInteger:   "integer",
	ClassFloat:     "float",
	ClassString:    "string",
	ClassBool:      "bool",
	ClassCompound:  "compound",
	ClassOpaque:    "opaque",
	ClassEnum:      "enum",
	ClassReference: "reference",
	ClassBitfield:  "bitfield",
	ClassTime:      "time",
	ClassArray:     "array",
	ClassVLen:      "vlen",
}

func (c Class) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// DataType describes one element as stored on disk.
type DataType struct {
	Class Class
	// Size is the element width in bytes.
	Size   int
	Signed bool
}

func (t DataType) String() string {
	switch t.Class {
	case ClassInteger:
		if t.Signed {
			return fmt.Sprintf("int%d", t.Size*8)
		}
		return fmt.Sprintf("uint%d", t.Size*8)
	case ClassFloat:
		return fmt.Sprintf("float%d", t.Size*8)
	}
	return t.Class.String()
}

// Attribute is one named attribute value. Value holds string, int64,
// uint64, float64, or a slice of one of the numeric types.
type Attribute struct {
	Name  string
	Value interface{}
}

// File is an open granule.
type File interface {
	// Name returns the path the file was opened from.
	Name() string

	// Attribute returns a root attribute, or ErrNotFound.
	Attribute(name string) (Attribute, error)

	// Groups lists the top-level groups in name order.
	Groups() ([]string, error)

	// Group opens a top-level group.
	Group(name string) (Group, error)

	Close() error
}

// Group is a beam group or one of its subgroups.
type Group interface {
	Name() string

	// Dataset opens the dataset at a slash-separated path relative to the
	// group. It returns ErrNotFound when no dataset exists at the path,
	// including when the path names a group.
	Dataset(path string) (Dataset, error)

	// Datasets lists the datasets directly below the subgroup at path, in
	// name order. An empty path lists the group itself. It returns
	// ErrNotGroup when path names a dataset.
	Datasets(path string) ([]string, error)
}

// Dataset is one n-dimensional variable.
type Dataset interface {
	// Path is relative to the group the dataset was opened from.
	Path() string

	Type() DataType

	// Shape lists the dimensions, leading (footprint) dimension first.
	Shape() []int

	// Attributes returns the dataset's attributes in the order the backend
	// reports them.
	Attributes() ([]Attribute, error)

	// Read returns rows [start, start+count) of the leading dimension as a
	// flat row-major slice of the element's Go type: []int8 ... []uint64,
	// []float32, []float64, []string or []bool.
	Read(start, count int) (interface{}, error)
}

// Rows returns the leading dimension of a dataset.
func Rows(ds Dataset) int {
	shape := ds.Shape()
	if len(shape) == 0 {
		return 0
	}
	return shape[0]
}

// CheckRange validates a row window against a dataset's leading dimension.
func CheckRange(ds Dataset, start, count int) error {
	if start < 0 || count < 0 || start+count > Rows(ds) {
		return fmt.Errorf("%w: rows [%d,%d) of %s with %d rows",
			ErrOutOfRange, start, start+count, ds.Path(), Rows(ds))
	}
	return nil
}
