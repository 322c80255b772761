package dtypes

import (
	"math"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestDType_HighestLowestValues(t *testing.T) {
	require.True(t, math.IsInf(Float64.HighestValue().(float64), 1))
	require.True(t, math.IsInf(float64(Float32.LowestValue().(float32)), -1))
	f16, ok := Float16.HighestValue().(float16.Float16)
	require.True(t, ok)
	require.True(t, f16.IsInf(1))
	require.Equal(t, int8(-128), Int8.LowestValue())
	require.Equal(t, uint16(math.MaxUint16), Uint16.HighestValue())

	// Complex numbers don't define Highest of Lowest, and instead return 0
	require.Equal(t, complex64(0), Complex64.HighestValue().(complex64))
	require.Equal(t, complex128(0), Complex128.LowestValue().(complex128))
	require.Nil(t, InvalidDType.HighestValue())
}

func TestMapOfNames(t *testing.T) {
	require.Equal(t, Float16, MapOfNames["Float16"])
	require.Equal(t, Float16, MapOfNames["float16"])
	require.Equal(t, Float16, MapOfNames["F16"])
	require.Equal(t, Float16, MapOfNames["f16"])

	require.Equal(t, Bool, MapOfNames["PRED"])
	require.Equal(t, Int64, MapOfNames["s64"])
	_, found := MapOfNames["InvalidDType"]
	require.False(t, found)
}

func TestSizes(t *testing.T) {
	require.Equal(t, 1, Bool.Size())
	require.Equal(t, 2, Float16.Size())
	require.Equal(t, 4, Float32.Size())
	require.Equal(t, 16, Complex128.Size())
	require.Equal(t, 0, InvalidDType.Size())
	require.Equal(t, 4*4*4, Float32.SizeForDimensions(4, 4))
	require.Equal(t, 8, Float64.SizeForDimensions())
}

func TestGoTypes(t *testing.T) {
	for dtype := Bool; dtype <= Complex128; dtype++ {
		require.Truef(t, dtype.IsValid(), "dtype %s", dtype)
		require.Equal(t, dtype, FromGoType(dtype.GoType()))
	}
	require.Equal(t, InvalidDType, FromGoType(reflect.TypeOf("")))
	require.Equal(t, InvalidDType, FromGoType(nil))
	require.Equal(t, Float32, FromGenericsType[float32]())
	require.Equal(t, Float16, FromGenericsType[float16.Float16]())
	require.Equal(t, Uint8, FromGenericsType[uint8]())
	require.Equal(t, "DType(99)", DType(99).String())
}
