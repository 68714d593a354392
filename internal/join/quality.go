package join

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	gerrors "github.com/gedi-geoparquet/gedi-geoparquet/internal/errors"
)

// DegradeFlags are the degrade_flag values of shots acquired in a usable
// platform state.
var DegradeFlags = map[int64]bool{
	0: true, 3: true, 8: true, 10: true, 13: true, 18: true, 20: true, 23: true, 28: true,
	30: true, 33: true, 38: true, 40: true, 43: true, 48: true, 60: true, 63: true, 68: true,
}

// MinSensitivity is the beam sensitivity a shot needs on both algorithms.
const MinSensitivity = 0.95

// QualityColumns are consumed by the quality screen. The flag columns are
// constant after screening and are dropped from the output.
var QualityColumns = []string{"degrade_flag", "sensitivity", "sensitivity_a2", "quality_flag", "surface_flag"}

type qualityFilter struct {
	degrade, sens, sensA2, quality, surface int
}

func newQualityFilter(s *arrow.Schema) (*qualityFilter, error) {
	idx := make([]int, len(QualityColumns))
	for i, name := range QualityColumns {
		found := s.FieldIndices(name)
		if len(found) == 0 {
			return nil, gerrors.NewJoinError(gerrors.CodeInvalidArgument,
				fmt.Sprintf("quality filter needs column %q in some input", name))
		}
		idx[i] = found[0]
	}
	return &qualityFilter{degrade: idx[0], sens: idx[1], sensA2: idx[2], quality: idx[3], surface: idx[4]}, nil
}

// dropped returns the column indices removed after screening.
func (q *qualityFilter) dropped() map[int]bool {
	return map[int]bool{q.quality: true, q.surface: true}
}

// mask evaluates the screen for every row of rec. Null values fail.
func (q *qualityFilter) mask(rec arrow.Record, mem memory.Allocator) (arrow.Array, error) {
	getters := make([]func(int) float64, 0, 5)
	for _, c := range []int{q.degrade, q.sens, q.sensA2, q.quality, q.surface} {
		g, err := numeric(rec.Column(c))
		if err != nil {
			return nil, gerrors.NewJoinError(gerrors.CodeInvalidArgument,
				fmt.Sprintf("quality column %s: %v", rec.ColumnName(c), err))
		}
		getters = append(getters, g)
	}
	degrade, sens, sensA2, quality, surface := getters[0], getters[1], getters[2], getters[3], getters[4]

	b := array.NewBooleanBuilder(mem)
	defer b.Release()
	b.Reserve(int(rec.NumRows()))
	for i := 0; i < int(rec.NumRows()); i++ {
		valid := true
		for _, c := range []int{q.degrade, q.sens, q.sensA2, q.quality, q.surface} {
			if rec.Column(c).IsNull(i) {
				valid = false
				break
			}
		}
		keep := valid &&
			DegradeFlags[int64(degrade(i))] &&
			sens(i) >= MinSensitivity &&
			sensA2(i) >= MinSensitivity &&
			quality(i) == 1 &&
			surface(i) == 1
		b.UnsafeAppend(keep)
	}
	return b.NewArray(), nil
}

func numeric(arr arrow.Array) (func(int) float64, error) {
	switch a := arr.(type) {
	case *array.Float32:
		return func(i int) float64 { return float64(a.Value(i)) }, nil
	case *array.Float64:
		return a.Value, nil
	case *array.Int8:
		return func(i int) float64 { return float64(a.Value(i)) }, nil
	case *array.Int16:
		return func(i int) float64 { return float64(a.Value(i)) }, nil
	case *array.Int32:
		return func(i int) float64 { return float64(a.Value(i)) }, nil
	case *array.Int64:
		return func(i int) float64 { return float64(a.Value(i)) }, nil
	case *array.Uint8:
		return func(i int) float64 { return float64(a.Value(i)) }, nil
	case *array.Uint16:
		return func(i int) float64 { return float64(a.Value(i)) }, nil
	case *array.Uint32:
		return func(i int) float64 { return float64(a.Value(i)) }, nil
	case *array.Uint64:
		return func(i int) float64 { return float64(a.Value(i)) }, nil
	}
	return nil, fmt.Errorf("type %s is not numeric", arr.DataType())
}
