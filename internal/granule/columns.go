package granule

import (
	"fmt"
	"reflect"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// flatArray wraps a flat slice read from a dataset as an Arrow array.
func flatArray(mem memory.Allocator, data interface{}) (arrow.Array, error) {
	switch v := data.(type) {
	case []int8:
		b := array.NewInt8Builder(mem)
		defer b.Release()
		b.AppendValues(v, nil)
		return b.NewArray(), nil
	case []int16:
		b := array.NewInt16Builder(mem)
		defer b.Release()
		b.AppendValues(v, nil)
		return b.NewArray(), nil
	case []int32:
		b := array.NewInt32Builder(mem)
		defer b.Release()
		b.AppendValues(v, nil)
		return b.NewArray(), nil
	case []int64:
		b := array.NewInt64Builder(mem)
		defer b.Release()
		b.AppendValues(v, nil)
		return b.NewArray(), nil
	case []uint8:
		b := array.NewUint8Builder(mem)
		defer b.Release()
		b.AppendValues(v, nil)
		return b.NewArray(), nil
	case []uint16:
		b := array.NewUint16Builder(mem)
		defer b.Release()
		b.AppendValues(v, nil)
		return b.NewArray(), nil
	case []uint32:
		b := array.NewUint32Builder(mem)
		defer b.Release()
		b.AppendValues(v, nil)
		return b.NewArray(), nil
	case []uint64:
		b := array.NewUint64Builder(mem)
		defer b.Release()
		b.AppendValues(v, nil)
		return b.NewArray(), nil
	case []float32:
		b := array.NewFloat32Builder(mem)
		defer b.Release()
		b.AppendValues(v, nil)
		return b.NewArray(), nil
	case []float64:
		b := array.NewFloat64Builder(mem)
		defer b.Release()
		b.AppendValues(v, nil)
		return b.NewArray(), nil
	case []string:
		b := array.NewStringBuilder(mem)
		defer b.Release()
		b.AppendValues(v, nil)
		return b.NewArray(), nil
	case []bool:
		b := array.NewBooleanBuilder(mem)
		defer b.Release()
		b.AppendValues(v, nil)
		return b.NewArray(), nil
	}
	return nil, fmt.Errorf("granule: unsupported buffer %T", data)
}

// fixedListArray nests a flat array of n*prod(dims) values into n rows of
// fixed-size lists, outermost dimension first.
func fixedListArray(values arrow.Array, dims []int) arrow.Array {
	cur := values
	for i := len(dims) - 1; i >= 0; i-- {
		d := dims[i]
		typ := arrow.FixedSizeListOf(int32(d), cur.DataType())
		data := array.NewData(typ, cur.Len()/d, []*memory.Buffer{nil}, []arrow.ArrayData{cur.Data()}, 0, 0)
		next := array.MakeFromData(data)
		data.Release()
		cur.Release()
		cur = next
	}
	return cur
}

// raggedArray slices a flat buffer into list rows. flat holds buffer
// elements [lo, lo+len(flat)); starts are already rebased to 0.
func raggedArray(mem memory.Allocator, flat interface{}, lo int64, starts, counts []int64) (arrow.Array, error) {
	src := reflect.ValueOf(flat)
	gathered := reflect.MakeSlice(src.Type(), 0, src.Len())
	offsets := make([]int32, len(starts)+1)
	for i := range starts {
		if c := counts[i]; c > 0 {
			s := starts[i] - lo
			gathered = reflect.AppendSlice(gathered, src.Slice(int(s), int(s+c)))
		}
		offsets[i+1] = int32(gathered.Len())
	}

	values, err := flatArray(mem, gathered.Interface())
	if err != nil {
		return nil, err
	}
	defer values.Release()

	offsetBuf := memory.NewBufferBytes(arrow.Int32Traits.CastToBytes(offsets))
	data := array.NewData(arrow.ListOf(values.DataType()), len(starts),
		[]*memory.Buffer{nil, offsetBuf}, []arrow.ArrayData{values.Data()}, 0, 0)
	defer data.Release()
	return array.MakeFromData(data), nil
}

// int64s widens an integer buffer.
func int64s(data interface{}) ([]int64, error) {
	v := reflect.ValueOf(data)
	if v.Kind() != reflect.Slice {
		return nil, fmt.Errorf("granule: index buffer is %T", data)
	}
	out := make([]int64, v.Len())
	switch v.Type().Elem().Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		for i := range out {
			out[i] = v.Index(i).Int()
		}
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		for i := range out {
			out[i] = int64(v.Index(i).Uint())
		}
	default:
		return nil, fmt.Errorf("granule: index buffer is %T", data)
	}
	return out, nil
}

// float64s widens a float buffer.
func float64s(data interface{}) ([]float64, error) {
	switch v := data.(type) {
	case []float64:
		return v, nil
	case []float32:
		out := make([]float64, len(v))
		for i, f := range v {
			out[i] = float64(f)
		}
		return out, nil
	}
	return nil, fmt.Errorf("granule: time buffer is %T", data)
}

func repeatString(mem memory.Allocator, s string, n int) arrow.Array {
	b := array.NewStringBuilder(mem)
	defer b.Release()
	b.Reserve(n)
	for i := 0; i < n; i++ {
		b.Append(s)
	}
	return b.NewArray()
}
