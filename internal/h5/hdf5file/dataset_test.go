package hdf5file

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/hdf5"
)

// writeAttr stores value under name with dims; value is a pointer to a
// scalar or to the first element of a slice.
func writeAttr(t *testing.T, ds *hdf5.Dataset, name string, dtype *hdf5.Datatype, dims []uint, value interface{}) {
	t.Helper()
	space, err := hdf5.CreateSimpleDataspace(dims, nil)
	require.NoError(t, err)
	defer space.Close()
	a, err := ds.CreateAttribute(name, dtype, space)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Write(value, dtype))
}

func TestAttributes_NativeTypes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "g.h5")
	f, err := hdf5.CreateFile(path, hdf5.F_ACC_TRUNC)
	require.NoError(t, err)
	g, err := f.CreateGroup("BEAM0000")
	require.NoError(t, err)
	space, err := hdf5.CreateSimpleDataspace([]uint{3}, nil)
	require.NoError(t, err)
	ds, err := g.CreateDataset("shot_number", hdf5.T_NATIVE_UINT64, space)
	require.NoError(t, err)
	shots := []uint64{1, 2, 3}
	require.NoError(t, ds.Write(&shots))

	// 2^53+1 does not survive a float64 round trip.
	fill := int64(9007199254740993)
	writeAttr(t, ds, "_FillValue", hdf5.T_NATIVE_INT64, []uint{1}, &fill)
	valid := []uint64{0, 18446744073709551615}
	writeAttr(t, ds, "valid_range", hdf5.T_NATIVE_UINT64, []uint{2}, &valid[0])
	scale := 0.5
	writeAttr(t, ds, "valid_min", hdf5.T_NATIVE_DOUBLE, []uint{1}, &scale)
	units := "counts"
	writeAttr(t, ds, "units", hdf5.T_GO_STRING, []uint{1}, &units)

	require.NoError(t, ds.Close())
	require.NoError(t, space.Close())
	require.NoError(t, g.Close())
	require.NoError(t, f.Close())

	file, err := Open(path)
	require.NoError(t, err)
	defer file.Close()
	beam, err := file.Group("BEAM0000")
	require.NoError(t, err)
	d, err := beam.Dataset("shot_number")
	require.NoError(t, err)
	attrs, err := d.Attributes()
	require.NoError(t, err)

	got := make(map[string]interface{}, len(attrs))
	for _, a := range attrs {
		got[a.Name] = a.Value
	}
	assert.Equal(t, map[string]interface{}{
		"units":       "counts",
		"valid_range": []uint64{0, 18446744073709551615},
		"valid_min":   0.5,
		"_FillValue":  int64(9007199254740993),
	}, got)
}
