// Package hdf5file opens granules from disk through the HDF5 C library.
// It is kept apart from package h5 so that only the binaries link libhdf5.
package hdf5file

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"gonum.org/v1/hdf5"

	"github.com/gedi-geoparquet/gedi-geoparquet/internal/h5"
)

// DefaultAttributeNames are the dataset attributes probed for field
// metadata. The C binding exposes no attribute iteration, so the set is
// fixed; absent names are skipped.
var DefaultAttributeNames = []string{
	"description",
	"long_name",
	"units",
	"source",
	"coordinates",
	"valid_range",
	"valid_min",
	"valid_max",
	"_FillValue",
}

// File is an HDF5 granule opened read-only.
type File struct {
	name      string
	f         *hdf5.File
	attrNames []string
	handles   *handles
}

// handles collects objects opened through the file so Close can release
// them before the file itself.
type handles struct {
	groups   []*hdf5.Group
	datasets []*hdf5.Dataset
}

// Open opens path read-only.
func Open(name string) (*File, error) {
	if !hdf5.IsHDF5(name) {
		return nil, fmt.Errorf("hdf5file: %s is not an HDF5 file", name)
	}
	f, err := hdf5.OpenFile(name, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("hdf5file: open %s: %w", name, err)
	}
	return &File{name: name, f: f, attrNames: DefaultAttributeNames, handles: &handles{}}, nil
}

// WithAttributeNames overrides the attribute names probed on datasets.
func (f *File) WithAttributeNames(names []string) *File {
	f.attrNames = append([]string(nil), names...)
	return f
}

func (f *File) Name() string { return f.name }

func (f *File) Attribute(name string) (h5.Attribute, error) {
	a, err := f.f.OpenAttribute(name)
	if err != nil {
		return h5.Attribute{}, fmt.Errorf("%w: attribute %s in %s", h5.ErrNotFound, name, f.name)
	}
	defer a.Close()
	v, err := readAttribute(a)
	if err != nil {
		return h5.Attribute{}, fmt.Errorf("hdf5file: attribute %s: %w", name, err)
	}
	if v == nil {
		return h5.Attribute{}, fmt.Errorf("hdf5file: attribute %s in %s has no text or numeric form", name, f.name)
	}
	return h5.Attribute{Name: name, Value: v}, nil
}

func (f *File) Groups() ([]string, error) {
	return children(&f.f.CommonFG, hdf5.H5G_GROUP)
}

func (f *File) Group(name string) (h5.Group, error) {
	if !f.f.LinkExists(name) {
		return nil, fmt.Errorf("%w: group %s in %s", h5.ErrNotFound, name, f.name)
	}
	g, err := f.f.OpenGroup(name)
	if err != nil {
		return nil, fmt.Errorf("hdf5file: open group %s: %w", name, err)
	}
	f.handles.groups = append(f.handles.groups, g)
	return &group{name: name, g: g, attrNames: f.attrNames, handles: f.handles}, nil
}

func (f *File) Close() error {
	for _, ds := range f.handles.datasets {
		ds.Close()
	}
	for _, g := range f.handles.groups {
		g.Close()
	}
	f.handles.datasets, f.handles.groups = nil, nil
	return f.f.Close()
}

type group struct {
	name      string
	g         *hdf5.Group
	attrNames []string
	handles   *handles
}

func (g *group) Name() string { return g.name }

// exists walks the path one link at a time; H5Lexists fails rather than
// returning false when an intermediate link is missing.
func (g *group) exists(p string) bool {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i := range parts {
		if !g.g.LinkExists(strings.Join(parts[:i+1], "/")) {
			return false
		}
	}
	return true
}

func (g *group) Dataset(p string) (h5.Dataset, error) {
	if !g.exists(p) {
		return nil, fmt.Errorf("%w: dataset %s in %s", h5.ErrNotFound, p, g.name)
	}
	if _, err := g.Datasets(p); err == nil {
		return nil, fmt.Errorf("%w: %s in %s is a group", h5.ErrNotFound, p, g.name)
	}
	ds, err := g.g.OpenDataset(p)
	if err != nil {
		return nil, fmt.Errorf("hdf5file: open dataset %s/%s: %w", g.name, p, err)
	}
	d, err := newDataset(p, ds, g.attrNames)
	if err != nil {
		return nil, err
	}
	g.handles.datasets = append(g.handles.datasets, ds)
	return d, nil
}

func (g *group) Datasets(p string) ([]string, error) {
	if p == "" {
		return children(&g.g.CommonFG, hdf5.H5G_DATASET)
	}
	if !g.exists(p) {
		return nil, fmt.Errorf("%w: group %s in %s", h5.ErrNotFound, p, g.name)
	}
	sub, err := g.g.OpenGroup(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %s in %s", h5.ErrNotGroup, p, g.name)
	}
	defer sub.Close()
	return children(&sub.CommonFG, hdf5.H5G_DATASET)
}

func children(fg *hdf5.CommonFG, kind hdf5.GType) ([]string, error) {
	n, err := fg.NumObjects()
	if err != nil {
		return nil, fmt.Errorf("hdf5file: count objects: %w", err)
	}
	var names []string
	for i := uint(0); i < n; i++ {
		t, err := fg.ObjectTypeByIndex(i)
		if err != nil {
			return nil, fmt.Errorf("hdf5file: object %d type: %w", i, err)
		}
		if t != kind {
			continue
		}
		name, err := fg.ObjectNameByIndex(i)
		if err != nil {
			return nil, fmt.Errorf("hdf5file: object %d name: %w", i, err)
		}
		names = append(names, path.Base(name))
	}
	sort.Strings(names)
	return names, nil
}
