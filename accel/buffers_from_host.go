package accel

import (
	"runtime"
	"slices"

	"github.com/gomlx/goaccel/dtypes"
	"github.com/gomlx/goaccel/hostarray"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ToDeviceConfig is used to configure the transfer of a host array to a new DeviceBuffer, it is
// created with Session.ToDevice.
//
// By default, it uses the default stream and copies the contents of the array. At the end call
// ToDeviceConfig.Done to allocate the buffer and issue the copy.
type ToDeviceConfig struct {
	session *Session
	array   hostarray.Array
	stream  *Stream
	copy    bool
}

// ToDevice returns a configuration to transfer the host array to a new DeviceBuffer with the
// same shape, strides and dtype. Call ToDeviceConfig.Done to execute it:
//
//	buf, err := session.ToDevice(array).Done()
func (s *Session) ToDevice(array hostarray.Array) *ToDeviceConfig {
	return &ToDeviceConfig{session: s, array: array, copy: true}
}

// OnStream configures the stream on which the copy is issued. The buffer also keeps it as its default stream.
// Default is DefaultStream.
func (c *ToDeviceConfig) OnStream(stream *Stream) *ToDeviceConfig {
	c.stream = stream
	return c
}

// Copy configures whether the contents of the array are copied to the new buffer. Default is true.
// If false, the buffer contents are left uninitialized.
func (c *ToDeviceConfig) Copy(enabled bool) *ToDeviceConfig {
	c.copy = enabled
	return c
}

// Done allocates the DeviceBuffer and, if configured to, copies the contents of the array to it.
// It is synchronous.
//
// It fails with ErrNoActiveContext if the session has no current context, ErrAllocation if the device memory
// can't be allocated and ErrInvalidArgument if the array geometry is invalid.
func (c *ToDeviceConfig) Done() (*DeviceBuffer, error) {
	const op = "Session.ToDevice()"
	ctx, err := c.session.requireContext(op)
	if err != nil {
		return nil, err
	}
	if c.array == nil {
		return nil, errors.Wrapf(ErrInvalidArgument, "%s given a nil array", op)
	}
	if err := checkArrayLayout(op, c.array); err != nil {
		return nil, err
	}
	order := hostarray.OrderOf(c.array.Flags())
	buffer, err := c.session.allocate(op, ctx, c.array.Shape(), c.array.Strides(), c.array.DType(), order, c.stream)
	if err != nil {
		return nil, err
	}
	if !c.copy {
		return buffer, nil
	}
	if err = buffer.CopyFromHost(c.array, c.stream); err != nil {
		if destroyErr := buffer.Destroy(); destroyErr != nil {
			klog.Errorf("%s failed to free buffer after failed copy: %v", op, destroyErr)
		}
		return nil, err
	}
	return buffer, nil
}

// DeviceArray allocates an uninitialized DeviceBuffer with the given geometry.
//
// The order only documents the intended layout and is stored in the buffer: it doesn't change the strides,
// which must be given exactly by the caller (see hostarray.ContiguousStrides).
func (s *Session) DeviceArray(shape, strides []int, dtype dtypes.DType, order hostarray.Order, stream *Stream) (*DeviceBuffer, error) {
	const op = "Session.DeviceArray()"
	ctx, err := s.requireContext(op)
	if err != nil {
		return nil, err
	}
	return s.allocate(op, ctx, shape, strides, dtype, order, stream)
}

// DeviceArrayLike allocates an uninitialized DeviceBuffer with the same shape, strides and dtype as
// the array, without copying its contents.
//
// The order of the buffer is derived from the array flags: OrderC if it is C-contiguous, else OrderF if it is
// F-contiguous, else OrderUnspecified. Strides are kept as they are, the order is only advisory.
func (s *Session) DeviceArrayLike(array hostarray.Array, stream *Stream) (*DeviceBuffer, error) {
	const op = "Session.DeviceArrayLike()"
	ctx, err := s.requireContext(op)
	if err != nil {
		return nil, err
	}
	if array == nil {
		return nil, errors.Wrapf(ErrInvalidArgument, "%s given a nil array", op)
	}
	order := hostarray.OrderOf(array.Flags())
	return s.allocate(op, ctx, array.Shape(), array.Strides(), array.DType(), order, stream)
}

// CopyFromHost copies the contents of the host array to the buffer. The array must have the same shape,
// strides and dtype as the buffer.
//
// If stream is nil, the buffer's stream is used.
func (b *DeviceBuffer) CopyFromHost(array hostarray.Array, stream *Stream) error {
	const op = "DeviceBuffer.CopyFromHost()"
	if err := b.check(op); err != nil {
		return err
	}
	if err := b.checkSameGeometry(op, array); err != nil {
		return err
	}
	if stream == nil {
		stream = b.stream
	}
	ctx := b.wrapper.ctx
	if err := stream.checkFor(ctx, op); err != nil {
		return err
	}
	if b.size == 0 {
		return nil
	}
	src := array.Data()
	var pinner runtime.Pinner
	defer pinner.Unpin()
	pinner.Pin(src)
	err := b.wrapper.driver.CopyHostToDevice(ctx.handle, b.wrapper.ptr, src, b.size, stream.Handle())
	if err != nil {
		return errors.WithMessagef(err, "%s failed to copy %d bytes to %s", op, b.size, b)
	}
	return nil
}

// checkArrayLayout verifies that the array geometry is valid and that its data spans the expected number of bytes.
func checkArrayLayout(op string, array hostarray.Array) error {
	shape, strides, dtype := array.Shape(), array.Strides(), array.DType()
	if err := hostarray.ValidateGeometry(shape, strides, dtype); err != nil {
		return wrapKind(ErrInvalidArgument, err, "%s", op)
	}
	extent := uintptr(hostarray.Extent(shape, strides, dtype.Size()))
	if array.DataSize() != extent {
		return errors.Wrapf(ErrInvalidArgument, "%s: array (%s)%v with strides %v spans %d bytes, but it reports a data size of %d bytes",
			op, dtype, shape, strides, extent, array.DataSize())
	}
	if extent > 0 && array.Data() == nil {
		return errors.Wrapf(ErrInvalidArgument, "%s: array of %d bytes has no data", op, extent)
	}
	return nil
}

// checkSameGeometry verifies that the array can be copied to/from the buffer.
func (b *DeviceBuffer) checkSameGeometry(op string, array hostarray.Array) error {
	if array == nil {
		return errors.Wrapf(ErrInvalidArgument, "%s given a nil array", op)
	}
	if err := checkArrayLayout(op, array); err != nil {
		return err
	}
	if array.DType() != b.dtype || !slices.Equal(array.Shape(), b.shape) || !slices.Equal(array.Strides(), b.strides) {
		return errors.Wrapf(ErrInvalidArgument, "%s: array (%s)%v strides=%v doesn't match buffer (%s)%v strides=%v",
			op, array.DType(), array.Shape(), array.Strides(), b.dtype, b.shape, b.strides)
	}
	return nil
}
