package hdf5file

import (
	"fmt"

	"gonum.org/v1/hdf5"

	"github.com/gedi-geoparquet/gedi-geoparquet/internal/h5"
)

type dataset struct {
	path      string
	ds        *hdf5.Dataset
	typ       h5.DataType
	shape     []int
	attrNames []string
}

func newDataset(p string, ds *hdf5.Dataset, attrNames []string) (*dataset, error) {
	space := ds.Space()
	defer space.Close()
	dims, _, err := space.SimpleExtentDims()
	if err != nil {
		ds.Close()
		return nil, fmt.Errorf("hdf5file: %s extent: %w", p, err)
	}
	dtype, err := ds.Datatype()
	if err != nil {
		ds.Close()
		return nil, fmt.Errorf("hdf5file: %s datatype: %w", p, err)
	}
	defer dtype.Close()

	shape := make([]int, len(dims))
	for i, d := range dims {
		shape[i] = int(d)
	}
	return &dataset{path: p, ds: ds, typ: classify(dtype), shape: shape, attrNames: attrNames}, nil
}

var signedTypes = []*hdf5.Datatype{
	hdf5.T_STD_I8LE, hdf5.T_STD_I8BE,
	hdf5.T_STD_I16LE, hdf5.T_STD_I16BE,
	hdf5.T_STD_I32LE, hdf5.T_STD_I32BE,
	hdf5.T_STD_I64LE, hdf5.T_STD_I64BE,
}

func classify(dt *hdf5.Datatype) h5.DataType {
	size := int(dt.Size())
	switch dt.Class() {
	case hdf5.T_INTEGER:
		signed := false
		for _, s := range signedTypes {
			if dt.Equal(s) {
				signed = true
				break
			}
		}
		return h5.DataType{Class: h5.ClassInteger, Size: size, Signed: signed}
	case hdf5.T_FLOAT:
		return h5.DataType{Class: h5.ClassFloat, Size: size}
	case hdf5.T_STRING:
		return h5.DataType{Class: h5.ClassString, Size: size}
	case hdf5.T_COMPOUND:
		return h5.DataType{Class: h5.ClassCompound, Size: size}
	case hdf5.T_OPAQUE:
		return h5.DataType{Class: h5.ClassOpaque, Size: size}
	case hdf5.T_ENUM:
		return h5.DataType{Class: h5.ClassEnum, Size: size}
	case hdf5.T_REFERENCE:
		return h5.DataType{Class: h5.ClassReference, Size: size}
	case hdf5.T_BITFIELD:
		return h5.DataType{Class: h5.ClassBitfield, Size: size}
	case hdf5.T_TIME:
		return h5.DataType{Class: h5.ClassTime, Size: size}
	case hdf5.T_ARRAY:
		return h5.DataType{Class: h5.ClassArray, Size: size}
	case hdf5.T_VLEN:
		return h5.DataType{Class: h5.ClassVLen, Size: size}
	}
	return h5.DataType{Class: h5.ClassUnknown, Size: size}
}

func (d *dataset) Path() string      { return d.path }
func (d *dataset) Type() h5.DataType { return d.typ }
func (d *dataset) Shape() []int      { return append([]int(nil), d.shape...) }

func (d *dataset) Attributes() ([]h5.Attribute, error) {
	var attrs []h5.Attribute
	for _, name := range d.attrNames {
		a, err := d.ds.OpenAttribute(name)
		if err != nil {
			continue
		}
		v, err := readAttribute(a)
		a.Close()
		if err != nil {
			return nil, fmt.Errorf("hdf5file: %s attribute %s: %w", d.path, name, err)
		}
		if v == nil {
			continue
		}
		attrs = append(attrs, h5.Attribute{Name: name, Value: v})
	}
	return attrs, nil
}

func (d *dataset) Read(start, count int) (interface{}, error) {
	if err := h5.CheckRange(d, start, count); err != nil {
		return nil, err
	}
	width := 1
	for _, dim := range d.shape[1:] {
		width *= dim
	}
	buf, err := d.alloc(count * width)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return buf, nil
	}

	offset := make([]uint, len(d.shape))
	extent := make([]uint, len(d.shape))
	offset[0], extent[0] = uint(start), uint(count)
	for i := 1; i < len(d.shape); i++ {
		extent[i] = uint(d.shape[i])
	}

	filespace := d.ds.Space()
	defer filespace.Close()
	if err := filespace.SelectHyperslab(offset, nil, extent, nil); err != nil {
		return nil, fmt.Errorf("hdf5file: %s select rows: %w", d.path, err)
	}
	memspace, err := hdf5.CreateSimpleDataspace(extent, nil)
	if err != nil {
		return nil, fmt.Errorf("hdf5file: %s memory space: %w", d.path, err)
	}
	defer memspace.Close()

	if err := d.readInto(buf, memspace, filespace); err != nil {
		return nil, fmt.Errorf("hdf5file: read %s: %w", d.path, err)
	}
	return buf, nil
}

func (d *dataset) alloc(n int) (interface{}, error) {
	t := d.typ
	switch {
	case t.Class == h5.ClassInteger && t.Signed:
		switch t.Size {
		case 1:
			return make([]int8, n), nil
		case 2:
			return make([]int16, n), nil
		case 4:
			return make([]int32, n), nil
		case 8:
			return make([]int64, n), nil
		}
	case t.Class == h5.ClassInteger:
		switch t.Size {
		case 1:
			return make([]uint8, n), nil
		case 2:
			return make([]uint16, n), nil
		case 4:
			return make([]uint32, n), nil
		case 8:
			return make([]uint64, n), nil
		}
	case t.Class == h5.ClassFloat:
		switch t.Size {
		case 4:
			return make([]float32, n), nil
		case 8:
			return make([]float64, n), nil
		}
	case t.Class == h5.ClassString:
		return make([]string, n), nil
	}
	return nil, fmt.Errorf("hdf5file: %s has unreadable type %s", d.path, t)
}

// readInto passes a pointer to the concrete slice; the binding derives the
// memory type from it.
func (d *dataset) readInto(buf interface{}, mem, file *hdf5.Dataspace) error {
	switch b := buf.(type) {
	case []int8:
		return d.ds.ReadSubset(&b, mem, file)
	case []int16:
		return d.ds.ReadSubset(&b, mem, file)
	case []int32:
		return d.ds.ReadSubset(&b, mem, file)
	case []int64:
		return d.ds.ReadSubset(&b, mem, file)
	case []uint8:
		return d.ds.ReadSubset(&b, mem, file)
	case []uint16:
		return d.ds.ReadSubset(&b, mem, file)
	case []uint32:
		return d.ds.ReadSubset(&b, mem, file)
	case []uint64:
		return d.ds.ReadSubset(&b, mem, file)
	case []float32:
		return d.ds.ReadSubset(&b, mem, file)
	case []float64:
		return d.ds.ReadSubset(&b, mem, file)
	case []string:
		return d.ds.ReadSubset(&b, mem, file)
	}
	return fmt.Errorf("unsupported buffer %T", buf)
}

// readAttribute decodes an attribute by its stored class: strings as
// string, integers as int64 or uint64, floats as float64. Multi-valued
// attributes come back as slices. Other classes yield nil.
func readAttribute(a *hdf5.Attribute) (interface{}, error) {
	dt := &hdf5.Datatype{Identifier: a.GetType()}
	defer dt.Close()
	typ := classify(dt)

	if typ.Class == h5.ClassString {
		var s string
		if err := a.Read(&s, hdf5.T_GO_STRING); err != nil {
			return nil, err
		}
		return s, nil
	}

	space := a.Space()
	defer space.Close()
	dims, _, err := space.SimpleExtentDims()
	if err != nil {
		return nil, err
	}
	n := 1
	for _, d := range dims {
		n *= int(d)
	}

	switch {
	case typ.Class == h5.ClassInteger && typ.Signed:
		return readValues[int64](a, n, hdf5.T_NATIVE_INT64)
	case typ.Class == h5.ClassInteger:
		return readValues[uint64](a, n, hdf5.T_NATIVE_UINT64)
	case typ.Class == h5.ClassFloat:
		return readValues[float64](a, n, hdf5.T_NATIVE_DOUBLE)
	}
	return nil, nil
}

// readValues reads n values converted to mem. The binding writes through
// the address of the value it is given, so the first element is passed.
func readValues[T int64 | uint64 | float64](a *hdf5.Attribute, n int, mem *hdf5.Datatype) (interface{}, error) {
	if n == 0 {
		return []T{}, nil
	}
	vals := make([]T, n)
	if err := a.Read(&vals[0], mem); err != nil {
		return nil, err
	}
	if n == 1 {
		return vals[0], nil
	}
	return vals, nil
}
