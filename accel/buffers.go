package accel

import (
	"fmt"
	"runtime"
	"slices"
	"sync/atomic"

	"github.com/gomlx/goaccel/driver"
	"github.com/gomlx/goaccel/dtypes"
	"github.com/gomlx/goaccel/hostarray"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DeviceBuffer is a device-resident array: a device pointer plus its shape, byte strides, dtype and order.
// The geometry is fixed at construction.
//
// There are two kinds of DeviceBuffer:
//
//   - Allocated: created by Session.ToDevice, Session.DeviceArray or Session.DeviceArrayLike. It owns its device
//     memory, which is freed by Destroy, or when the buffer is garbage collected.
//   - Mapped: created by Session.Map (or Session.Mapped). It is a view of page-locked host memory through a device
//     pointer, owns no device memory and becomes invalid when the Pinning that created it is released.
type DeviceBuffer struct {
	wrapper *bufferWrapper
	stream  *Stream

	shape   []int
	strides []int
	dtype   dtypes.DType
	order   hostarray.Order
	size    uintptr

	// region is set for mapped buffers. It is not owned by the buffer.
	region *PinnedRegion
}

// bufferWrapper holds what is needed to free the device memory, so it can be done by a cleanup function.
type bufferWrapper struct {
	driver    driver.Driver
	ctx       *Context
	ptr       driver.DevicePointer
	owned     bool
	destroyed atomic.Bool
}

func (w *bufferWrapper) IsValid() bool {
	return w != nil && !w.destroyed.Load()
}

func (w *bufferWrapper) Destroy() error {
	if w == nil || !w.destroyed.CompareAndSwap(false, true) {
		// Already destroyed, no-op.
		return nil
	}
	buffersAlive.Add(-1)
	if !w.owned || w.ptr == 0 {
		return nil
	}
	if err := w.ctx.check("DeviceBuffer.Destroy()"); err != nil {
		// Memory was released along with the context.
		return err
	}
	if err := w.driver.FreeDevice(w.ctx.handle, w.ptr); err != nil {
		return errors.WithMessagef(err, "DeviceBuffer.Destroy() failed to free device pointer %#x", uintptr(w.ptr))
	}
	return nil
}

// destroyLater is called when the DeviceBuffer is garbage collected: it issues no driver call, and queues
// the device memory to be freed by the Session that owns the context.
func (w *bufferWrapper) destroyLater() {
	if !w.destroyed.CompareAndSwap(false, true) {
		return
	}
	buffersAlive.Add(-1)
	if !w.owned || w.ptr == 0 {
		return
	}
	if w.ctx.deferRelease(pendingRelease{ptr: w.ptr}) {
		klog.V(2).Infof("accel: DeviceBuffer @ %#x collected, queued for release in %s", uintptr(w.ptr), w.ctx)
	}
}

var buffersAlive atomic.Int64

// BuffersAlive returns the number of DeviceBuffers created and not yet destroyed, including mapped ones.
func BuffersAlive() int64 {
	return buffersAlive.Load()
}

// newDeviceBuffer creates a DeviceBuffer and registers it for clean up.
func newDeviceBuffer(drv driver.Driver, ctx *Context, ptr driver.DevicePointer, owned bool,
	shape, strides []int, dtype dtypes.DType, order hostarray.Order, size uintptr, stream *Stream) *DeviceBuffer {
	b := &DeviceBuffer{
		wrapper: &bufferWrapper{driver: drv, ctx: ctx, ptr: ptr, owned: owned},
		stream:  stream,
		shape:   slices.Clone(shape),
		strides: slices.Clone(strides),
		dtype:   dtype,
		order:   order,
		size:    size,
	}
	buffersAlive.Add(1)
	runtime.AddCleanup(b, func(wrapper *bufferWrapper) { wrapper.destroyLater() }, b.wrapper)
	return b
}

// Destroy releases the device memory of an allocated buffer; the buffer is no longer valid afterwards.
// Destroying twice is a no-op.
//
// If the DeviceBuffer is garbage collected without being destroyed, its memory is freed by its Session
// at the start of the next operation, or when the Session is closed.
//
// Mapped buffers own no device memory: Destroy only invalidates them.
// If the context of the buffer was closed, the memory was already released with it and ErrStaleContext is returned.
func (b *DeviceBuffer) Destroy() error {
	if b == nil {
		return nil
	}
	return b.wrapper.Destroy()
}

// IsValid returns whether the buffer can still be used: not destroyed, its context not closed and, for
// mapped buffers, its pinned region still locked.
func (b *DeviceBuffer) IsValid() bool {
	return b.check("") == nil
}

// check returns an error if the buffer can't be used by op.
func (b *DeviceBuffer) check(op string) error {
	if b == nil || !b.wrapper.IsValid() {
		return errors.Wrapf(ErrInvalidArgument, "%s: DeviceBuffer is nil or has been destroyed", op)
	}
	if err := b.wrapper.ctx.check(op); err != nil {
		return err
	}
	if b.region != nil && !b.region.IsLocked() {
		return errors.Wrapf(ErrInvalidArgument, "%s: mapped DeviceBuffer used after its host memory was unlocked", op)
	}
	return nil
}

// Shape of the buffer. Don't change the returned slice.
func (b *DeviceBuffer) Shape() []int { return b.shape }

// Strides in bytes of the buffer. Don't change the returned slice.
func (b *DeviceBuffer) Strides() []int { return b.strides }

// DType of the buffer elements.
func (b *DeviceBuffer) DType() dtypes.DType { return b.dtype }

// Order is the layout the buffer was created with. It is advisory only: Strides are authoritative.
func (b *DeviceBuffer) Order() hostarray.Order { return b.order }

// Size in bytes spanned by the buffer.
func (b *DeviceBuffer) Size() int { return int(b.size) }

// Flags returns the contiguity flags computed from the buffer's geometry.
func (b *DeviceBuffer) Flags() hostarray.Flags {
	return hostarray.ComputeFlags(b.shape, b.strides, b.dtype.Size())
}

// DevicePointer returns the address of the first element in the device address space.
// It is 0 for empty buffers.
func (b *DeviceBuffer) DevicePointer() driver.DevicePointer { return b.wrapper.ptr }

// IsMapped returns whether the buffer is a view of page-locked host memory.
func (b *DeviceBuffer) IsMapped() bool { return b.region != nil }

// Region returns the pinned region aliased by a mapped buffer, or nil for allocated buffers.
func (b *DeviceBuffer) Region() *PinnedRegion { return b.region }

// Context returns the context the buffer was created under.
func (b *DeviceBuffer) Context() *Context { return b.wrapper.ctx }

// Stream returns the stream the buffer was created with, used by default by its copies.
func (b *DeviceBuffer) Stream() *Stream { return b.stream }

// String implements fmt.Stringer.
func (b *DeviceBuffer) String() string {
	kind := "allocated"
	if b.IsMapped() {
		kind = "mapped"
	}
	return fmt.Sprintf("DeviceBuffer(%s, (%s)%v, strides=%v, order=%s, %d bytes @ %#x)",
		kind, b.dtype, b.shape, b.strides, b.order, b.size, uintptr(b.wrapper.ptr))
}

// allocate is the common path of ToDevice, DeviceArray and DeviceArrayLike: it validates the geometry and
// allocates the device memory.
func (s *Session) allocate(op string, ctx *Context, shape, strides []int, dtype dtypes.DType, order hostarray.Order,
	stream *Stream) (*DeviceBuffer, error) {
	if err := hostarray.ValidateGeometry(shape, strides, dtype); err != nil {
		return nil, wrapKind(ErrInvalidArgument, err, "%s", op)
	}
	switch order {
	case hostarray.OrderC, hostarray.OrderF, hostarray.OrderUnspecified:
	default:
		return nil, errors.Wrapf(ErrInvalidArgument, "%s: unknown order %q, valid values are \"C\", \"F\" or \"\"", op, string(order))
	}
	if err := stream.checkFor(ctx, op); err != nil {
		return nil, err
	}
	size := uintptr(hostarray.Extent(shape, strides, dtype.Size()))
	var ptr driver.DevicePointer
	if size > 0 {
		var err error
		ptr, err = s.runtime.driver.AllocateDevice(ctx.handle, size)
		if err != nil {
			return nil, wrapKind(ErrAllocation, err, "%s failed to allocate %d bytes for (%s)%v in %s", op, size, dtype, shape, ctx)
		}
	}
	return newDeviceBuffer(s.runtime.driver, ctx, ptr, true, shape, strides, dtype, order, size, stream), nil
}
