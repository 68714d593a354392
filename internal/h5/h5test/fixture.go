// Package h5test builds synthetic GEDI granules in memory.
package h5test

import (
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/h5"
	"github.com/gedi-geoparquet/gedi-geoparquet/pkg/types"
)

// Beam sizes one synthetic beam group.
type Beam struct {
	Name string
	Rows int
}

// ProfileLen is the width of the fixture's fixed-size "rh" profile.
const ProfileLen = 5

// Catalog lists every dataset the fixture granule provides, with the ragged
// companions spelled out and land_cover_data given as a group.
var Catalog = []types.DatasetPath{
	"shot_number",
	"delta_time",
	"lat_lowestmode",
	"lon_lowestmode",
	"agbd",
	"rh",
	"land_cover_data",
	"pgap_theta_z",
	"rx_sample_count",
	"rx_sample_start_index",
}

// Shot returns the fixture shot number of row i of beam index b.
func Shot(base uint64, b, i int) uint64 {
	return base + uint64(b)*1_000_000 + uint64(i)
}

// SampleCount returns the ragged list length of row i.
func SampleCount(i int) int {
	return i%3 + 1
}

// NewGranule builds a granule whose beams hold deterministic values. Shot
// numbers start at base and never collide across beams.
func NewGranule(name, shortName string, base uint64, beams ...Beam) *h5.MemFile {
	f := h5.NewMemFile(name)
	if shortName != "" {
		f.SetAttribute("short_name", shortName)
	}
	f.AddGroup("METADATA")
	for b, beam := range beams {
		g := f.AddGroup(beam.Name)
		n := beam.Rows

		shots := make([]uint64, n)
		delta := make([]float64, n)
		lat := make([]float64, n)
		lon := make([]float64, n)
		agbd := make([]float32, n)
		rh := make([]float32, n*ProfileLen)
		pft := make([]uint8, n)
		leafOff := make([]uint8, n)
		start := make([]uint64, n)
		count := make([]uint16, n)
		var pgap []float32

		for i := 0; i < n; i++ {
			shots[i] = Shot(base, b, i)
			delta[i] = 44113308 + float64(i)*0.01
			lat[i] = -51.5 + float64(b) + float64(i)*0.001
			lon[i] = -70.5 + float64(b) + float64(i)*0.001
			agbd[i] = float32(i) * 1.5
			for j := 0; j < ProfileLen; j++ {
				rh[i*ProfileLen+j] = float32(i) + float32(j)/10
			}
			pft[i] = uint8(i % 11)
			leafOff[i] = uint8(i % 2)
			start[i] = uint64(len(pgap) + 1)
			count[i] = uint16(SampleCount(i))
			for k := 0; k < SampleCount(i); k++ {
				pgap = append(pgap, float32(i)+float32(k)/100)
			}
		}

		g.AddDataset("shot_number", shots).
			WithAttribute("description", "Unique shot ID")
		g.AddDataset("delta_time", delta).
			WithAttribute("units", "seconds since 2018-01-01")
		g.AddDataset("lat_lowestmode", lat).
			WithAttribute("units", "degrees").
			WithAttribute("_FillValue", -9999.0)
		g.AddDataset("lon_lowestmode", lon).
			WithAttribute("units", "degrees").
			WithAttribute("_FillValue", -9999.0)
		g.AddDataset("agbd", agbd).
			WithAttribute("description", "Aboveground biomass density").
			WithAttribute("units", "Mg / ha").
			WithAttribute("_FillValue", -9999.0)
		g.AddDataset("rh", rh, n, ProfileLen).
			WithAttribute("units", "m")
		g.AddDataset("land_cover_data/pft_class", pft)
		g.AddDataset("land_cover_data/leaf_off_flag", leafOff)
		g.AddDataset("pgap_theta_z", pgap)
		g.AddDataset("rx_sample_count", count)
		g.AddDataset("rx_sample_start_index", start)
	}
	return f
}
