package hostarray

import (
	"fmt"
	"slices"
	"unsafe"

	"github.com/gomlx/goaccel/dtypes"
	"github.com/pkg/errors"
)

// Dense is an Array backed by Go memory.
//
// Different Dense values may share the same storage, see View and Transpose.
type Dense struct {
	dtype   dtypes.DType
	shape   []int
	strides []int
	flags   Flags

	// data holds exactly the bytes spanned by the array, starting at its first element.
	data []byte
}

var _ Array = (*Dense)(nil)

// New allocates a zero-filled densely packed array with the given order and dimensions.
// OrderUnspecified is taken as OrderC.
//
// The storage is aligned to BufferAlignment.
func New(dtype dtypes.DType, order Order, dimensions ...int) (*Dense, error) {
	if !dtype.IsValid() {
		return nil, errors.Errorf("hostarray.New given invalid dtype %s", dtype)
	}
	for axis, d := range dimensions {
		if d < 0 {
			return nil, errors.Errorf("hostarray.New given negative dimension at axis %d: %v", axis, dimensions)
		}
	}
	if _, ok := checkedNumBytes(dtype.Size(), dimensions); !ok {
		return nil, errors.Errorf("hostarray.New given dimensions %v of %s that overflow the addressable memory", dimensions, dtype)
	}
	strides := ContiguousStrides(dtype.Size(), order, dimensions...)
	extent := Extent(dimensions, strides, dtype.Size())
	return newDense(dtype, slices.Clone(dimensions), strides, AlignedAlloc(uintptr(extent), BufferAlignment)), nil
}

// FromFlat creates a C-ordered (row-major) array that shares its storage with flat: changes to one are visible in the other.
// The length of flat must match the product of dimensions; with no dimensions flat must hold one element (a scalar).
func FromFlat[T dtypes.Supported](flat []T, dimensions ...int) (*Dense, error) {
	dtype := dtypes.FromGenericsType[T]()
	for axis, d := range dimensions {
		if d < 0 {
			return nil, errors.Errorf("FromFlat given negative dimension at axis %d: %v", axis, dimensions)
		}
	}
	if NumElements(dimensions) != len(flat) {
		return nil, errors.Errorf("FromFlat(flat, dimensions=%v) needs %d values to match dimensions, but got len(flat)=%d",
			dimensions, NumElements(dimensions), len(flat))
	}
	var data []byte
	if len(flat) > 0 {
		data = unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))), len(flat)*dtype.Size())
	}
	strides := ContiguousStrides(dtype.Size(), OrderC, dimensions...)
	return newDense(dtype, slices.Clone(dimensions), strides, data), nil
}

func newDense(dtype dtypes.DType, shape, strides []int, data []byte) *Dense {
	return &Dense{
		dtype:   dtype,
		shape:   shape,
		strides: strides,
		flags:   ComputeFlags(shape, strides, dtype.Size()),
		data:    data,
	}
}

// View returns an array with a new geometry over the same storage, starting at the same first element.
// The new geometry must not span more bytes than the current storage.
func (d *Dense) View(shape, strides []int) (*Dense, error) {
	if err := ValidateGeometry(shape, strides, d.dtype); err != nil {
		return nil, errors.WithMessage(err, "Dense.View")
	}
	extent := Extent(shape, strides, d.dtype.Size())
	if extent > len(d.data) {
		return nil, errors.Errorf("Dense.View(shape=%v, strides=%v) spans %d bytes, but storage only has %d bytes",
			shape, strides, extent, len(d.data))
	}
	return newDense(d.dtype, slices.Clone(shape), slices.Clone(strides), d.data[:extent:extent]), nil
}

// Transpose returns a view with the axes reversed: a C-contiguous array becomes F-contiguous and vice-versa.
func (d *Dense) Transpose() *Dense {
	shape := slices.Clone(d.shape)
	strides := slices.Clone(d.strides)
	slices.Reverse(shape)
	slices.Reverse(strides)
	return newDense(d.dtype, shape, strides, d.data)
}

// Shape implements Array.
func (d *Dense) Shape() []int { return d.shape }

// Strides implements Array.
func (d *Dense) Strides() []int { return d.strides }

// DType implements Array.
func (d *Dense) DType() dtypes.DType { return d.dtype }

// Flags implements Array.
func (d *Dense) Flags() Flags { return d.flags }

// DataSize implements Array.
func (d *Dense) DataSize() uintptr { return uintptr(len(d.data)) }

// Data implements Array.
func (d *Dense) Data() unsafe.Pointer {
	if len(d.data) == 0 {
		return nil
	}
	return unsafe.Pointer(unsafe.SliceData(d.data))
}

// Bytes returns the storage spanned by the array. It is shared, not a copy.
func (d *Dense) Bytes() []byte { return d.data }

// String implements fmt.Stringer.
func (d *Dense) String() string {
	return fmt.Sprintf("(%s)%v strides=%v order=%s", d.dtype, d.shape, d.strides, OrderOf(d.flags))
}

// Bytes returns the bytes spanned by any Array, sharing its memory.
// It returns nil for empty arrays.
func Bytes(a Array) []byte {
	size := a.DataSize()
	ptr := a.Data()
	if size == 0 || ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(ptr), size)
}
