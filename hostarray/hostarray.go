// Package hostarray defines the view of host-resident arrays consumed by the accel package: shape, byte strides,
// dtype, contiguity flags and the raw data address.
//
// Arrays are only read by accel, never owned. The Dense type is a Go-memory implementation of Array.
package hostarray

import (
	"math"
	"math/bits"
	"unsafe"

	"github.com/gomlx/goaccel/dtypes"
	"github.com/pkg/errors"
)

// Array is a host-resident array-like buffer.
//
// The memory pointed by Data must stay alive (and not be moved) while it is used by an accel operation,
// which is always the case for Go heap memory referenced by the Array itself.
type Array interface {
	// Shape returns the extent of each axis. Don't change the returned slice.
	Shape() []int

	// Strides returns the number of bytes between consecutive elements of each axis. Don't change the returned slice.
	Strides() []int

	// DType of the elements.
	DType() dtypes.DType

	// Flags returns the contiguity flags.
	Flags() Flags

	// DataSize is the number of bytes spanned by the array, starting at Data.
	DataSize() uintptr

	// Data is the address of the first element. It can be nil if DataSize is 0.
	Data() unsafe.Pointer
}

// Flags holds the contiguity of an array.
// An array can be both C and F contiguous (e.g.: 1D arrays or arrays where all but one axis have dimension 1).
type Flags struct {
	CContiguous, FContiguous bool
}

// Order is the layout of an array: row-major (C), column-major (F) or unspecified.
type Order string

const (
	OrderC           Order = "C"
	OrderF           Order = "F"
	OrderUnspecified Order = ""
)

// String implements fmt.Stringer.
func (o Order) String() string {
	if o == OrderUnspecified {
		return "unspecified"
	}
	return string(o)
}

// OrderOf returns the layout of the array given its flags: C takes precedence over F, and if
// neither holds the order is OrderUnspecified.
func OrderOf(flags Flags) Order {
	switch {
	case flags.CContiguous:
		return OrderC
	case flags.FContiguous:
		return OrderF
	}
	return OrderUnspecified
}

// ContiguousStrides returns the byte strides of a densely packed array in the given order.
// OrderUnspecified is taken as OrderC.
func ContiguousStrides(itemSize int, order Order, shape ...int) []int {
	strides := make([]int, len(shape))
	stride := itemSize
	if order == OrderF {
		for axis, dim := range shape {
			strides[axis] = stride
			stride *= max(dim, 1)
		}
		return strides
	}
	for axis := len(shape) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= max(shape[axis], 1)
	}
	return strides
}

// ComputeFlags returns the contiguity flags for the given geometry.
//
// Axes of dimension 1 are ignored, since their stride is never used.
// Empty arrays (any dimension 0) are both C and F contiguous.
func ComputeFlags(shape, strides []int, itemSize int) Flags {
	for _, d := range shape {
		if d == 0 {
			return Flags{CContiguous: true, FContiguous: true}
		}
	}
	flags := Flags{CContiguous: true, FContiguous: true}
	expected := itemSize
	for axis := len(shape) - 1; axis >= 0; axis-- {
		if shape[axis] == 1 {
			continue
		}
		if strides[axis] != expected {
			flags.CContiguous = false
			break
		}
		expected *= shape[axis]
	}
	expected = itemSize
	for axis := 0; axis < len(shape); axis++ {
		if shape[axis] == 1 {
			continue
		}
		if strides[axis] != expected {
			flags.FContiguous = false
			break
		}
		expected *= shape[axis]
	}
	return flags
}

// Extent returns the number of bytes spanned by an array with the given geometry, from its first element
// to the end of its last element. It is 0 if any dimension is 0.
//
// It is only meaningful for geometries accepted by ValidateGeometry.
func Extent(shape, strides []int, itemSize int) int {
	extent, _ := checkedExtent(shape, strides, itemSize)
	return extent
}

// checkedExtent computes Extent, and returns false if it overflows an int.
func checkedExtent(shape, strides []int, itemSize int) (int, bool) {
	for _, d := range shape {
		if d == 0 {
			return 0, true
		}
	}
	extent := itemSize
	for axis, d := range shape {
		hi, lo := bits.Mul64(uint64(d-1), uint64(strides[axis]))
		if hi != 0 || lo > uint64(math.MaxInt-extent) {
			return 0, false
		}
		extent += int(lo)
	}
	return extent, true
}

// checkedNumBytes returns the number of bytes of a densely packed array, and false if it overflows an int.
func checkedNumBytes(itemSize int, shape []int) (int, bool) {
	n := uint64(itemSize)
	for _, d := range shape {
		hi, lo := bits.Mul64(n, uint64(d))
		if hi != 0 || lo > math.MaxInt {
			return 0, false
		}
		n = lo
	}
	return int(n), true
}

// ValidateGeometry checks that shape and strides are compatible, that dtype is valid and that the bytes spanned
// fit in an int.
func ValidateGeometry(shape, strides []int, dtype dtypes.DType) error {
	if !dtype.IsValid() {
		return errors.Errorf("invalid dtype %s", dtype)
	}
	if len(shape) != len(strides) {
		return errors.Errorf("shape %v has rank %d but strides %v has rank %d", shape, len(shape), strides, len(strides))
	}
	for axis, d := range shape {
		if d < 0 {
			return errors.Errorf("shape %v has negative dimension at axis %d", shape, axis)
		}
		if strides[axis] < 0 {
			return errors.Errorf("strides %v has negative stride at axis %d, only non-negative strides are supported", strides, axis)
		}
	}
	if _, ok := checkedExtent(shape, strides, dtype.Size()); !ok {
		return errors.Errorf("shape %v with strides %v spans more than %d bytes", shape, strides, math.MaxInt)
	}
	return nil
}

// NumElements returns the number of elements of the shape: 1 for scalars.
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
