package accel

import (
	"runtime"
	"unsafe"

	"github.com/gomlx/goaccel/dtypes"
	"github.com/gomlx/goaccel/hostarray"
	"github.com/pkg/errors"
)

// ToHost transfers the bytes spanned by the buffer (see DeviceBuffer.Size) to dst, using the buffer's stream.
// The space in dst has to hold enough space to hold the required data, or an error is returned.
//
// The bytes are copied as they are laid out on the device, following the buffer strides.
func (b *DeviceBuffer) ToHost(dst []byte) error {
	const op = "DeviceBuffer.ToHost()"
	if err := b.check(op); err != nil {
		return err
	}
	if uintptr(len(dst)) < b.size {
		return errors.Wrapf(ErrInvalidArgument, "%s: destination has %d bytes, but %s requires %d bytes", op, len(dst), b, b.size)
	}
	return b.copyToHost(op, unsafe.Pointer(unsafe.SliceData(dst)), b.stream)
}

// CopyToHost copies the contents of the buffer to the host array, which must have the same shape, strides and
// dtype as the buffer.
//
// If stream is nil, the buffer's stream is used.
func (b *DeviceBuffer) CopyToHost(array hostarray.Array, stream *Stream) error {
	const op = "DeviceBuffer.CopyToHost()"
	if err := b.check(op); err != nil {
		return err
	}
	if err := b.checkSameGeometry(op, array); err != nil {
		return err
	}
	if stream == nil {
		stream = b.stream
	}
	return b.copyToHost(op, array.Data(), stream)
}

func (b *DeviceBuffer) copyToHost(op string, dst unsafe.Pointer, stream *Stream) error {
	ctx := b.wrapper.ctx
	if err := stream.checkFor(ctx, op); err != nil {
		return err
	}
	if b.size == 0 {
		return nil
	}
	var pinner runtime.Pinner
	defer pinner.Unpin()
	pinner.Pin(dst)
	err := b.wrapper.driver.CopyDeviceToHost(ctx.handle, dst, b.wrapper.ptr, b.size, stream.Handle())
	if err != nil {
		return errors.WithMessagef(err, "%s failed to copy %d bytes from %s", op, b.size, b)
	}
	return nil
}

// BufferToFlat transfers the contents of a C-contiguous buffer to a newly allocated flat slice.
// T must match the buffer's dtype.
func BufferToFlat[T dtypes.Supported](b *DeviceBuffer) ([]T, error) {
	const op = "BufferToFlat()"
	if err := b.check(op); err != nil {
		return nil, err
	}
	dtype := dtypes.FromGenericsType[T]()
	if dtype != b.dtype {
		return nil, errors.Wrapf(ErrInvalidArgument, "%s[%s] called for a buffer of dtype %s", op, dtype, b.dtype)
	}
	if !b.Flags().CContiguous {
		return nil, errors.Wrapf(ErrInvalidArgument, "%s requires a C-contiguous buffer, got %s", op, b)
	}
	flat := make([]T, hostarray.NumElements(b.shape))
	if len(flat) == 0 {
		return flat, nil
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))), len(flat)*dtype.Size())
	if err := b.ToHost(dst); err != nil {
		return nil, err
	}
	return flat, nil
}
