package types

import (
	"sort"
	"time"
)

// BeamType is the laser class of a beam.
type BeamType string

const (
	BeamCoverage BeamType = "coverage"
	BeamPower    BeamType = "power"
)

var beamTypes = map[string]BeamType{
	"BEAM0000": BeamCoverage,
	"BEAM0001": BeamCoverage,
	"BEAM0010": BeamCoverage,
	"BEAM0011": BeamCoverage,
	"BEAM0101": BeamPower,
	"BEAM0110": BeamPower,
	"BEAM1000": BeamPower,
	"BEAM1011": BeamPower,
}

// IsBeam reports whether name is one of the eight GEDI beam groups.
func IsBeam(name string) bool {
	_, ok := beamTypes[name]
	return ok
}

// BeamTypeOf returns the beam type for a beam group name.
func BeamTypeOf(name string) (BeamType, bool) {
	bt, ok := beamTypes[name]
	return bt, ok
}

// BeamNames filters names down to beam groups in lexicographic order.
func BeamNames(names []string) []string {
	var beams []string
	for _, n := range names {
		if IsBeam(n) {
			beams = append(beams, n)
		}
	}
	sort.Strings(beams)
	return beams
}

// Epoch is the GEDI mission epoch; delta_time counts seconds from it.
var Epoch = time.Date(2018, time.January, 1, 0, 0, 0, 0, time.UTC)

// DeltaTimeNanos converts a delta_time value to Unix nanoseconds.
func DeltaTimeNanos(deltaSeconds float64) int64 {
	return Epoch.UnixNano() + int64(deltaSeconds*1e9)
}
