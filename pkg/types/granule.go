package types

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// GranuleID is the identity encoded in a GEDI granule file name, e.g.
// GEDI02_A_2019108002011_O01959_01_T03909_02_003_01_V002.h5.
type GranuleID struct {
	// Product is the collection label, e.g. "L2A".
	Product  string
	Start    time.Time
	Orbit    int
	SubOrbit int
	Track    int
	Version  string
}

var granulePattern = regexp.MustCompile(
	`^GEDI0(\d)_([A-Z])_(\d{13})_O(\d{5})_(\d{2})_T(\d{5})_\d{2}_\d{3}_\d{2}_(V\d{3})`)

// ParseGranuleID parses a granule file name or any file derived from one.
func ParseGranuleID(name string) (GranuleID, error) {
	base := filepath.Base(name)
	m := granulePattern.FindStringSubmatch(base)
	if m == nil {
		return GranuleID{}, fmt.Errorf("types: %q is not a GEDI granule name", base)
	}
	start, err := time.Parse("2006002150405", m[3])
	if err != nil {
		return GranuleID{}, fmt.Errorf("types: granule start time %q: %w", m[3], err)
	}
	id := GranuleID{Product: "L" + m[1] + m[2], Start: start.UTC(), Version: m[7]}
	for _, f := range []struct {
		name string
		s    string
		dst  *int
	}{
		{"orbit", m[4], &id.Orbit},
		{"sub-orbit", m[5], &id.SubOrbit},
		{"track", m[6], &id.Track},
	} {
		n, err := strconv.Atoi(f.s)
		if err != nil {
			return GranuleID{}, fmt.Errorf("types: granule %s %q: %w", f.name, f.s, err)
		}
		*f.dst = n
	}
	return id, nil
}

// OrbitKey identifies the overpass shared by granules of different
// collections. Granules with equal keys are joinable on shot_number.
func (g GranuleID) OrbitKey() string {
	return fmt.Sprintf("%s_O%05d_%02d", g.Start.Format("2006002150405"), g.Orbit, g.SubOrbit)
}

// Basename strips directory and every extension from a path.
func Basename(name string) string {
	base := filepath.Base(name)
	if i := strings.IndexByte(base, '.'); i > 0 {
		return base[:i]
	}
	return base
}
