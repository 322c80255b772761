package hostarray

import (
	"math"
	"unsafe"

	"github.com/gomlx/goaccel/dtypes"
	"github.com/x448/float16"
)

// Iota allocates an array (see New) whose elements, in row-major order of their indices, count 0, 1, 2, ...
// regardless of the memory order.
//
// Integer values wrap around to 0 after the highest value of the dtype, and Bool values alternate false and true.
// Complex values have a zero imaginary part.
func Iota(dtype dtypes.DType, order Order, dimensions ...int) (*Dense, error) {
	d, err := New(dtype, order, dimensions...)
	if err != nil {
		return nil, err
	}
	period := iotaPeriod(dtype)
	count := 0
	forEachOffset(d.shape, d.strides, func(offset int) {
		value := count
		count++
		if period > 0 {
			value %= period
		}
		switch dtype {
		case dtypes.Bool:
			setAt(d.data, offset, value != 0)
		case dtypes.Int8:
			setAt(d.data, offset, int8(value))
		case dtypes.Int16:
			setAt(d.data, offset, int16(value))
		case dtypes.Int32:
			setAt(d.data, offset, int32(value))
		case dtypes.Int64:
			setAt(d.data, offset, int64(value))
		case dtypes.Uint8:
			setAt(d.data, offset, uint8(value))
		case dtypes.Uint16:
			setAt(d.data, offset, uint16(value))
		case dtypes.Uint32:
			setAt(d.data, offset, uint32(value))
		case dtypes.Uint64:
			setAt(d.data, offset, uint64(value))
		case dtypes.Float16:
			setAt(d.data, offset, float16.Fromfloat32(float32(value)))
		case dtypes.Float32:
			setAt(d.data, offset, float32(value))
		case dtypes.Float64:
			setAt(d.data, offset, float64(value))
		case dtypes.Complex64:
			setAt(d.data, offset, complex(float32(value), 0))
		case dtypes.Complex128:
			setAt(d.data, offset, complex(float64(value), 0))
		}
	})
	return d, nil
}

// iotaPeriod returns after how many values Iota wraps around for dtype, or 0 if it doesn't.
func iotaPeriod(dtype dtypes.DType) int {
	var highest uint64
	switch value := dtype.HighestValue().(type) {
	case bool:
		return 2
	case int8:
		highest = uint64(value)
	case int16:
		highest = uint64(value)
	case int32:
		highest = uint64(value)
	case uint8:
		highest = uint64(value)
	case uint16:
		highest = uint64(value)
	case uint32:
		highest = uint64(value)
	default:
		// 64 bits integers don't wrap within an int, and floating point types have no highest finite value.
		return 0
	}
	if highest >= math.MaxInt {
		return 0
	}
	return int(highest) + 1
}

func setAt[T any](data []byte, offset int, value T) {
	*(*T)(unsafe.Pointer(&data[offset])) = value
}

// forEachOffset calls fn with the byte offset of every element, in row-major order of their indices.
func forEachOffset(shape, strides []int, fn func(offset int)) {
	if NumElements(shape) == 0 {
		return
	}
	index := make([]int, len(shape))
	for {
		offset := 0
		for axis, i := range index {
			offset += i * strides[axis]
		}
		fn(offset)
		axis := len(shape) - 1
		for ; axis >= 0; axis-- {
			index[axis]++
			if index[axis] < shape[axis] {
				break
			}
			index[axis] = 0
		}
		if axis < 0 {
			return
		}
	}
}
