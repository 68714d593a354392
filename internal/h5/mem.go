package h5

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// MemFile is an in-memory File. It backs tests and fixtures, and lets
// callers convert data already decoded by other means.
type MemFile struct {
	name   string
	attrs  []Attribute
	groups map[string]*MemGroup
	closed bool
}

// NewMemFile creates an empty in-memory file.
func NewMemFile(name string) *MemFile {
	return &MemFile{name: name, groups: make(map[string]*MemGroup)}
}

func (f *MemFile) Name() string { return f.name }

// SetAttribute sets a root attribute, replacing any previous value.
func (f *MemFile) SetAttribute(name string, value interface{}) {
	for i := range f.attrs {
		if f.attrs[i].Name == name {
			f.attrs[i].Value = value
			return
		}
	}
	f.attrs = append(f.attrs, Attribute{Name: name, Value: value})
}

func (f *MemFile) Attribute(name string) (Attribute, error) {
	for _, a := range f.attrs {
		if a.Name == name {
			return a, nil
		}
	}
	return Attribute{}, fmt.Errorf("%w: attribute %s", ErrNotFound, name)
}

// AddGroup returns the top-level group name, creating it if needed.
func (f *MemFile) AddGroup(name string) *MemGroup {
	if g, ok := f.groups[name]; ok {
		return g
	}
	g := newMemGroup(name)
	f.groups[name] = g
	return g
}

func (f *MemFile) Groups() ([]string, error) {
	names := make([]string, 0, len(f.groups))
	for n := range f.groups {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (f *MemFile) Group(name string) (Group, error) {
	g, ok := f.groups[name]
	if !ok {
		return nil, fmt.Errorf("%w: group %s in %s", ErrNotFound, name, f.name)
	}
	return g, nil
}

func (f *MemFile) Close() error {
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *MemFile) Closed() bool { return f.closed }

// MemGroup is a group of a MemFile.
type MemGroup struct {
	name     string
	groups   map[string]*MemGroup
	datasets map[string]*MemDataset
}

func newMemGroup(name string) *MemGroup {
	return &MemGroup{
		name:     name,
		groups:   make(map[string]*MemGroup),
		datasets: make(map[string]*MemDataset),
	}
}

func (g *MemGroup) Name() string { return g.name }

func (g *MemGroup) subgroup(parts []string, create bool) (*MemGroup, bool) {
	cur := g
	for _, p := range parts {
		next, ok := cur.groups[p]
		if !ok {
			if !create {
				return nil, false
			}
			next = newMemGroup(p)
			cur.groups[p] = next
		}
		cur = next
	}
	return cur, true
}

// AddDataset stores data at path, creating intermediate groups. The element
// type is inferred from the slice type of data; shape defaults to
// [len(data)].
func (g *MemGroup) AddDataset(path string, data interface{}, shape ...int) *MemDataset {
	dt, n := inferType(data)
	if len(shape) == 0 {
		shape = []int{n}
	}
	return g.put(path, &MemDataset{typ: dt, shape: shape, data: data})
}

// AddOpaque stores a dataset with an arbitrary on-disk type and no readable
// values. It is used to model types that have no columnar mapping.
func (g *MemGroup) AddOpaque(path string, typ DataType, shape ...int) *MemDataset {
	return g.put(path, &MemDataset{typ: typ, shape: shape})
}

func (g *MemGroup) put(path string, ds *MemDataset) *MemDataset {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	parent, _ := g.subgroup(parts[:len(parts)-1], true)
	ds.path = path
	parent.datasets[parts[len(parts)-1]] = ds
	return ds
}

func (g *MemGroup) Dataset(path string) (Dataset, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	parent, ok := g.subgroup(parts[:len(parts)-1], false)
	if ok {
		if ds, ok := parent.datasets[parts[len(parts)-1]]; ok {
			cp := *ds
			cp.path = path
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: dataset %s in %s", ErrNotFound, path, g.name)
}

func (g *MemGroup) Datasets(path string) ([]string, error) {
	var parts []string
	if p := strings.Trim(path, "/"); p != "" {
		parts = strings.Split(p, "/")
	}
	sub, ok := g.subgroup(parts, false)
	if !ok {
		if len(parts) > 0 {
			if parent, ok := g.subgroup(parts[:len(parts)-1], false); ok {
				if _, isDS := parent.datasets[parts[len(parts)-1]]; isDS {
					return nil, fmt.Errorf("%w: %s in %s", ErrNotGroup, path, g.name)
				}
			}
		}
		return nil, fmt.Errorf("%w: group %s in %s", ErrNotFound, path, g.name)
	}
	names := make([]string, 0, len(sub.datasets))
	for n := range sub.datasets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// MemDataset is a dataset of a MemGroup.
type MemDataset struct {
	path  string
	typ   DataType
	shape []int
	data  interface{}
	attrs []Attribute
}

// WithAttribute appends an attribute and returns the dataset.
func (d *MemDataset) WithAttribute(name string, value interface{}) *MemDataset {
	d.attrs = append(d.attrs, Attribute{Name: name, Value: value})
	return d
}

func (d *MemDataset) Path() string  { return d.path }
func (d *MemDataset) Type() DataType { return d.typ }
func (d *MemDataset) Shape() []int   { return append([]int(nil), d.shape...) }

func (d *MemDataset) Attributes() ([]Attribute, error) {
	return append([]Attribute(nil), d.attrs...), nil
}

func (d *MemDataset) Read(start, count int) (interface{}, error) {
	if d.data == nil {
		return nil, fmt.Errorf("h5: dataset %s of type %s is not readable", d.path, d.typ)
	}
	if err := CheckRange(d, start, count); err != nil {
		return nil, err
	}
	width := 1
	for _, dim := range d.shape[1:] {
		width *= dim
	}
	v := reflect.ValueOf(d.data)
	return v.Slice(start*width, (start+count)*width).Interface(), nil
}

func inferType(data interface{}) (DataType, int) {
	switch v := data.(type) {
	case []int8:
		return DataType{Class: ClassInteger, Size: 1, Signed: true}, len(v)
	case []int16:
		return DataType{Class: ClassInteger, Size: 2, Signed: true}, len(v)
	case []int32:
		return DataType{Class: ClassInteger, Size: 4, Signed: true}, len(v)
	case []int64:
		return DataType{Class: ClassInteger, Size: 8, Signed: true}, len(v)
	case []uint8:
		return DataType{Class: ClassInteger, Size: 1}, len(v)
	case []uint16:
		return DataType{Class: ClassInteger, Size: 2}, len(v)
	case []uint32:
		return DataType{Class: ClassInteger, Size: 4}, len(v)
	case []uint64:
		return DataType{Class: ClassInteger, Size: 8}, len(v)
	case []float32:
		return DataType{Class: ClassFloat, Size: 4}, len(v)
	case []float64:
		return DataType{Class: ClassFloat, Size: 8}, len(v)
	case []string:
		return DataType{Class: ClassString}, len(v)
	case []bool:
		return DataType{Class: ClassBool, Size: 1}, len(v)
	}
	panic(fmt.Sprintf("h5: unsupported in-memory data %T", data))
}
