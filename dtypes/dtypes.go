// Package dtypes defines the element types of host and device arrays, their sizes and their Go equivalents.
package dtypes

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/chewxy/math32"
	"github.com/x448/float16"
)

// DType is the element type of an array.
type DType int

const (
	// InvalidDType represents an invalid (or not set) dtype.
	InvalidDType DType = iota

	// Bool is stored as one byte per element.
	Bool

	Int8
	Int16
	Int32
	Int64

	Uint8
	Uint16
	Uint32
	Uint64

	Float16
	Float32
	Float64

	Complex64
	Complex128
)

// Aliases following the short naming of the accelerator libraries.
const (
	Invalid = InvalidDType
	PRED    = Bool
	S8      = Int8
	S16     = Int16
	S32     = Int32
	S64     = Int64
	U8      = Uint8
	U16     = Uint16
	U32     = Uint32
	U64     = Uint64
	F16     = Float16
	F32     = Float32
	F64     = Float64
	C64     = Complex64
	C128    = Complex128
)

var dtypeNames = [...]string{
	InvalidDType: "InvalidDType",
	Bool:         "Bool",
	Int8:         "Int8",
	Int16:        "Int16",
	Int32:        "Int32",
	Int64:        "Int64",
	Uint8:        "Uint8",
	Uint16:       "Uint16",
	Uint32:       "Uint32",
	Uint64:       "Uint64",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
	Complex64:    "Complex64",
	Complex128:   "Complex128",
}

var shortNames = map[DType]string{
	Bool:       "PRED",
	Int8:       "S8",
	Int16:      "S16",
	Int32:      "S32",
	Int64:      "S64",
	Uint8:      "U8",
	Uint16:     "U16",
	Uint32:     "U32",
	Uint64:     "U64",
	Float16:    "F16",
	Float32:    "F32",
	Float64:    "F64",
	Complex64:  "C64",
	Complex128: "C128",
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if dtype < 0 || int(dtype) >= len(dtypeNames) {
		return fmt.Sprintf("DType(%d)", int(dtype))
	}
	return dtypeNames[dtype]
}

// IsValid returns whether dtype is one of the known types, other than InvalidDType.
func (dtype DType) IsValid() bool {
	return dtype > InvalidDType && int(dtype) < len(dtypeNames)
}

// MapOfNames maps the long names, short names and their lower-case versions to the DType.
var MapOfNames = func() map[string]DType {
	m := make(map[string]DType)
	for ii, name := range dtypeNames {
		dtype := DType(ii)
		if dtype == InvalidDType {
			continue
		}
		m[name] = dtype
		m[strings.ToLower(name)] = dtype
		if short, ok := shortNames[dtype]; ok {
			m[short] = dtype
			m[strings.ToLower(short)] = dtype
		}
	}
	return m
}()

var goTypes = [...]reflect.Type{
	Bool:       reflect.TypeOf(false),
	Int8:       reflect.TypeOf(int8(0)),
	Int16:      reflect.TypeOf(int16(0)),
	Int32:      reflect.TypeOf(int32(0)),
	Int64:      reflect.TypeOf(int64(0)),
	Uint8:      reflect.TypeOf(uint8(0)),
	Uint16:     reflect.TypeOf(uint16(0)),
	Uint32:     reflect.TypeOf(uint32(0)),
	Uint64:     reflect.TypeOf(uint64(0)),
	Float16:    reflect.TypeOf(float16.Float16(0)),
	Float32:    reflect.TypeOf(float32(0)),
	Float64:    reflect.TypeOf(float64(0)),
	Complex64:  reflect.TypeOf(complex64(0)),
	Complex128: reflect.TypeOf(complex128(0)),
}

// GoType returns the Go type used to hold one element of dtype, or nil for InvalidDType.
func (dtype DType) GoType() reflect.Type {
	if !dtype.IsValid() {
		return nil
	}
	return goTypes[dtype]
}

// Size returns the number of bytes of one element, or 0 for an invalid dtype.
func (dtype DType) Size() int {
	goType := dtype.GoType()
	if goType == nil {
		return 0
	}
	return int(goType.Size())
}

// SizeForDimensions returns the number of bytes of a densely packed array with the given dimensions.
// With no dimensions it is the size of a scalar.
func (dtype DType) SizeForDimensions(dimensions ...int) int {
	size := dtype.Size()
	for _, dim := range dimensions {
		size *= dim
	}
	return size
}

// FromGoType returns the DType for the given Go type, or InvalidDType if there is none.
func FromGoType(t reflect.Type) DType {
	if t == nil {
		return InvalidDType
	}
	for ii, goType := range goTypes {
		if goType == t {
			return DType(ii)
		}
	}
	return InvalidDType
}

// Supported lists the Go types that have a corresponding DType.
type Supported interface {
	bool | float16.Float16 | float32 | float64 | int8 | int16 | int32 | int64 |
		uint8 | uint16 | uint32 | uint64 | complex64 | complex128
}

// FromGenericsType returns the DType of the generic type T.
func FromGenericsType[T Supported]() DType {
	var v T
	switch any(v).(type) {
	case bool:
		return Bool
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	case float16.Float16:
		return Float16
	case float32:
		return Float32
	case float64:
		return Float64
	case complex64:
		return Complex64
	case complex128:
		return Complex128
	}
	return InvalidDType
}

// HighestValue returns the highest representable value for the dtype, with the corresponding Go type.
// Floating point types return +Inf. Complex numbers are not ordered and return 0.
func (dtype DType) HighestValue() any {
	switch dtype {
	case Bool:
		return true
	case Int8:
		return int8(math.MaxInt8)
	case Int16:
		return int16(math.MaxInt16)
	case Int32:
		return int32(math.MaxInt32)
	case Int64:
		return int64(math.MaxInt64)
	case Uint8:
		return uint8(math.MaxUint8)
	case Uint16:
		return uint16(math.MaxUint16)
	case Uint32:
		return uint32(math.MaxUint32)
	case Uint64:
		return uint64(math.MaxUint64)
	case Float16:
		return float16.Inf(1)
	case Float32:
		return math32.Inf(1)
	case Float64:
		return math.Inf(1)
	case Complex64:
		return complex64(0)
	case Complex128:
		return complex128(0)
	}
	return nil
}

// LowestValue returns the lowest representable value for the dtype, with the corresponding Go type.
// Floating point types return -Inf. Complex numbers are not ordered and return 0.
func (dtype DType) LowestValue() any {
	switch dtype {
	case Bool:
		return false
	case Int8:
		return int8(math.MinInt8)
	case Int16:
		return int16(math.MinInt16)
	case Int32:
		return int32(math.MinInt32)
	case Int64:
		return int64(math.MinInt64)
	case Uint8:
		return uint8(0)
	case Uint16:
		return uint16(0)
	case Uint32:
		return uint32(0)
	case Uint64:
		return uint64(0)
	case Float16:
		return float16.Inf(-1)
	case Float32:
		return math32.Inf(-1)
	case Float64:
		return math.Inf(-1)
	case Complex64:
		return complex64(0)
	case Complex128:
		return complex128(0)
	}
	return nil
}
