package h5

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemFile_GroupsAndAttributes(t *testing.T) {
	f := NewMemFile("granule.h5")
	f.SetAttribute("short_name", "GEDI_L4A")
	f.AddGroup("BEAM0101")
	f.AddGroup("BEAM0000")
	f.AddGroup("METADATA")

	groups, err := f.Groups()
	require.NoError(t, err)
	assert.Equal(t, []string{"BEAM0000", "BEAM0101", "METADATA"}, groups)

	a, err := f.Attribute("short_name")
	require.NoError(t, err)
	assert.Equal(t, "GEDI_L4A", a.Value)

	_, err = f.Attribute("missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = f.Group("BEAM1011")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, f.Close())
	assert.True(t, f.Closed())
}

func TestMemGroup_Datasets(t *testing.T) {
	f := NewMemFile("g.h5")
	beam := f.AddGroup("BEAM0000")
	beam.AddDataset("shot_number", []uint64{10, 11, 12})
	beam.AddDataset("land_cover_data/pft_class", []uint8{1, 2, 3})
	beam.AddDataset("land_cover_data/leaf_off_flag", []uint8{0, 0, 1})

	names, err := beam.Datasets("land_cover_data")
	require.NoError(t, err)
	assert.Equal(t, []string{"leaf_off_flag", "pft_class"}, names)

	top, err := beam.Datasets("")
	require.NoError(t, err)
	assert.Equal(t, []string{"shot_number"}, top)

	_, err = beam.Datasets("shot_number")
	assert.True(t, errors.Is(err, ErrNotGroup))

	_, err = beam.Datasets("geolocation")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = beam.Dataset("land_cover_data")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemDataset_Read(t *testing.T) {
	f := NewMemFile("g.h5")
	beam := f.AddGroup("BEAM0000")
	beam.AddDataset("rh", []float32{0, 1, 2, 10, 11, 12, 20, 21, 22}, 3, 3).
		WithAttribute("units", "m")

	ds, err := beam.Dataset("rh")
	require.NoError(t, err)
	assert.Equal(t, "rh", ds.Path())
	assert.Equal(t, DataType{Class: ClassFloat, Size: 4}, ds.Type())
	assert.Equal(t, []int{3, 3}, ds.Shape())
	assert.Equal(t, 3, Rows(ds))

	rows, err := ds.Read(1, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 11, 12, 20, 21, 22}, rows)

	_, err = ds.Read(2, 2)
	assert.True(t, errors.Is(err, ErrOutOfRange))

	attrs, err := ds.Attributes()
	require.NoError(t, err)
	assert.Equal(t, []Attribute{{Name: "units", Value: "m"}}, attrs)
}

func TestMemDataset_Opaque(t *testing.T) {
	beam := NewMemFile("g.h5").AddGroup("BEAM0000")
	beam.AddOpaque("flags", DataType{Class: ClassCompound, Size: 12}, 4)

	ds, err := beam.Dataset("flags")
	require.NoError(t, err)
	assert.Equal(t, "compound", ds.Type().String())
	_, err = ds.Read(0, 1)
	assert.Error(t, err)
}

func TestDataType_String(t *testing.T) {
	assert.Equal(t, "int16", DataType{Class: ClassInteger, Size: 2, Signed: true}.String())
	assert.Equal(t, "uint64", DataType{Class: ClassInteger, Size: 8}.String())
	assert.Equal(t, "float64", DataType{Class: ClassFloat, Size: 8}.String())
	assert.Equal(t, "string", DataType{Class: ClassString}.String())
	assert.Equal(t, "opaque", DataType{Class: ClassOpaque}.String())
}
