package join

import (
	"encoding/binary"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/spaolacci/murmur3"
)

// keyValues widens an integer key column to uint64. Nulls are rejected.
func keyValues(arr arrow.Array) ([]uint64, error) {
	if arr.NullN() > 0 {
		return nil, fmt.Errorf("%d null keys", arr.NullN())
	}
	out := make([]uint64, arr.Len())
	switch a := arr.(type) {
	case *array.Uint64:
		copy(out, a.Uint64Values())
	case *array.Int64:
		for i, v := range a.Int64Values() {
			out[i] = uint64(v)
		}
	case *array.Uint32:
		for i, v := range a.Uint32Values() {
			out[i] = uint64(v)
		}
	case *array.Int32:
		for i, v := range a.Int32Values() {
			out[i] = uint64(v)
		}
	case *array.Uint16:
		for i, v := range a.Uint16Values() {
			out[i] = uint64(v)
		}
	case *array.Int16:
		for i, v := range a.Int16Values() {
			out[i] = uint64(v)
		}
	case *array.Uint8:
		for i, v := range a.Uint8Values() {
			out[i] = uint64(v)
		}
	case *array.Int8:
		for i, v := range a.Int8Values() {
			out[i] = uint64(v)
		}
	default:
		return nil, fmt.Errorf("key type %s is not an integer", arr.DataType())
	}
	return out, nil
}

// bucketOf assigns key to one of n partitions.
func bucketOf(key uint64, n int) int {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], key)
	return int(murmur3.Sum64(b[:]) % uint64(n))
}

func indexArray(b *array.Int32Builder, rows []int32) arrow.Array {
	b.AppendValues(rows, nil)
	return b.NewArray()
}
