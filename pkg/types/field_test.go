package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatasetPath_FieldName(t *testing.T) {
	tests := []struct {
		path DatasetPath
		want string
	}{
		{"agbd", "agbd"},
		{"geolocation/latitude_bin0", "latitude_bin0"},
		{"land_cover_data/leaf_off_doy", "leaf_off_doy"},
		{"rx_processing_a1/zcross", "zcross_a1"},
		{"rx_processing_a2/zcross", "zcross_a2"},
		{"rx_processing_a10/rx_energy", "rx_energy_a10"},
		{"not_rx_processing_a1x/zcross", "zcross"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.path.FieldName(), string(tt.path))
	}
}

func TestDatasetPath_Navigation(t *testing.T) {
	p := DatasetPath("geolocation/lat_lowestmode")
	assert.Equal(t, "lat_lowestmode", p.Leaf())
	assert.Equal(t, DatasetPath("geolocation"), p.Dir())
	assert.Equal(t, DatasetPath("geolocation/lon_lowestmode"), p.Sibling("lon_lowestmode"))

	top := DatasetPath("pgap_theta_z")
	assert.Equal(t, DatasetPath(""), top.Dir())
	assert.Equal(t, DatasetPath("rx_sample_count"), top.Sibling("rx_sample_count"))
	assert.Equal(t, DatasetPath("land_cover_data/pft_class"), DatasetPath("land_cover_data").Join("pft_class"))
	assert.Equal(t, DatasetPath("x"), DatasetPath("").Join("x"))
}

func TestCardinality(t *testing.T) {
	assert.Equal(t, "scalar", ScalarCardinality().String())
	assert.Equal(t, "fixed_list(101)", FixedListCardinality(101).String())
	assert.Equal(t, "fixed_list(4x3)", FixedListCardinality(4, 3).String())
	assert.Equal(t, "variable_list", VariableListCardinality().String())

	assert.Equal(t, 12, FixedListCardinality(4, 3).Width())
	assert.Equal(t, 1, ScalarCardinality().Width())

	assert.True(t, FixedListCardinality(30).Equal(FixedListCardinality(30)))
	assert.False(t, FixedListCardinality(30).Equal(FixedListCardinality(31)))
	assert.False(t, ScalarCardinality().Equal(VariableListCardinality()))
}

func TestMetadata_Order(t *testing.T) {
	md := Metadata{{"units", `"m"`}, {"description", `"height"`}}
	assert.Equal(t, []string{"units", "description"}, md.Keys())
	assert.Equal(t, []string{`"m"`, `"height"`}, md.Values())
	v, ok := md.Get("description")
	assert.True(t, ok)
	assert.Equal(t, `"height"`, v)
	_, ok = md.Get("missing")
	assert.False(t, ok)
}

func TestBeams(t *testing.T) {
	got := BeamNames([]string{"METADATA", "BEAM1011", "BEAM0000", "ANCILLARY", "BEAM0101"})
	assert.Equal(t, []string{"BEAM0000", "BEAM0101", "BEAM1011"}, got)

	bt, ok := BeamTypeOf("BEAM0011")
	require.True(t, ok)
	assert.Equal(t, BeamCoverage, bt)
	bt, ok = BeamTypeOf("BEAM1000")
	require.True(t, ok)
	assert.Equal(t, BeamPower, bt)
	_, ok = BeamTypeOf("BEAM0100")
	assert.False(t, ok)
}

func TestDeltaTimeNanos(t *testing.T) {
	assert.Equal(t, Epoch.UnixNano(), DeltaTimeNanos(0))
	got := time.Unix(0, DeltaTimeNanos(86400.5)).UTC()
	assert.Equal(t, time.Date(2018, 1, 2, 0, 0, 0, 500000000, time.UTC), got)
}

func TestParseGranuleID(t *testing.T) {
	id, err := ParseGranuleID("/data/GEDI02_A_2019108002011_O01959_01_T03909_02_003_01_V002.h5")
	require.NoError(t, err)
	assert.Equal(t, "L2A", id.Product)
	assert.Equal(t, 1959, id.Orbit)
	assert.Equal(t, 1, id.SubOrbit)
	assert.Equal(t, 3909, id.Track)
	assert.Equal(t, "V002", id.Version)
	assert.Equal(t, time.Date(2019, 4, 18, 0, 20, 11, 0, time.UTC), id.Start)
	assert.Equal(t, "2019108002011_O01959_01", id.OrbitKey())

	l4a, err := ParseGranuleID("GEDI04_A_2019108002011_O01959_01_T03909_02_002_02_V002.zstd-3.parquet")
	require.NoError(t, err)
	assert.Equal(t, "L4A", l4a.Product)
	assert.Equal(t, id.OrbitKey(), l4a.OrbitKey())

	// Zero-padded fields are decimal.
	padded, err := ParseGranuleID("GEDI02_B_2019108002011_O00008_09_T00089_02_003_01_V002.h5")
	require.NoError(t, err)
	assert.Equal(t, 8, padded.Orbit)
	assert.Equal(t, 9, padded.SubOrbit)
	assert.Equal(t, 89, padded.Track)

	_, err = ParseGranuleID("notes.txt")
	assert.Error(t, err)
}

func TestBasename(t *testing.T) {
	assert.Equal(t, "GEDI02_A_x", Basename("/a/b/GEDI02_A_x.h5"))
	assert.Equal(t, "GEDI02_A_x", Basename("GEDI02_A_x.zstd-3.parquet"))
}
