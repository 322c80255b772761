package accel

import (
	"fmt"
	"runtime"
	"slices"
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/goaccel/driver"
	"github.com/gomlx/goaccel/hostarray"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// States of a PinnedRegion.
const (
	regionUnlocked int32 = iota
	regionLocked
	regionReleased
)

// PinnedRegion is the host memory of one array, page-locked by the driver while its Pinning is alive.
// If mapped, it is also reachable from the device through DevicePointer.
//
// Empty arrays give empty regions: they are considered locked, but no driver call is issued for them.
type PinnedRegion struct {
	ctx       *Context
	host      unsafe.Pointer
	size      uintptr
	mapped    bool
	devicePtr driver.DevicePointer
	lock      driver.HostLock
	state     atomic.Int32
}

// Host returns the address of the locked host memory.
func (r *PinnedRegion) Host() unsafe.Pointer { return r.host }

// Size in bytes of the region.
func (r *PinnedRegion) Size() int { return int(r.size) }

// IsMapped returns whether the region is mapped in the device address space.
func (r *PinnedRegion) IsMapped() bool { return r.mapped }

// DevicePointer returns the device address of a mapped region, or 0.
func (r *PinnedRegion) DevicePointer() driver.DevicePointer { return r.devicePtr }

// IsLocked returns whether the region is still page-locked: it is false after the Pinning is released,
// or after its context is closed.
func (r *PinnedRegion) IsLocked() bool {
	return r.state.Load() == regionLocked && !r.ctx.IsReleased()
}

// String implements fmt.Stringer.
func (r *PinnedRegion) String() string {
	if r.mapped {
		return fmt.Sprintf("PinnedRegion(%d bytes @ %p, mapped @ %#x)", r.size, r.host, uintptr(r.devicePtr))
	}
	return fmt.Sprintf("PinnedRegion(%d bytes @ %p)", r.size, r.host)
}

func (r *PinnedRegion) doLock(drv driver.Driver) error {
	if r.state.Load() != regionUnlocked {
		return errors.Errorf("%s already locked", r)
	}
	if r.size == 0 {
		r.state.Store(regionLocked)
		return nil
	}
	lock, devicePtr, err := drv.LockHostMemory(r.ctx.handle, r.host, r.size, r.mapped)
	if err != nil {
		return err
	}
	r.lock, r.devicePtr = lock, devicePtr
	r.state.Store(regionLocked)
	return nil
}

// doUnlock releases the lock. It is only attempted once, even if the driver fails.
func (r *PinnedRegion) doUnlock(drv driver.Driver) error {
	if !r.state.CompareAndSwap(regionLocked, regionReleased) {
		return nil
	}
	if r.size == 0 {
		return nil
	}
	if err := r.ctx.check("PinnedRegion.unlock()"); err != nil {
		return err
	}
	if err := drv.UnlockHostMemory(r.ctx.handle, r.lock); err != nil {
		return errors.WithMessagef(err, "failed to unlock %s", r)
	}
	return nil
}

// Pinning holds the host memory of a list of arrays page-locked (and optionally mapped in the device address space)
// until Release is called. Create it with Session.Pin or Session.Map, or use the scoped versions Session.Pinned and
// Session.Mapped, which release it on every exit path.
//
// Regions are locked in input order and unlocked in input order. A Pinning is not safe for concurrent use,
// and it should always be released: the Go memory of the arrays stays pinned until then. A Pinning garbage
// collected without Release is logged as leaked: its Go memory is unpinned, and its regions are unlocked by its
// Session at the start of the next operation, or when the Session is closed.
type Pinning struct {
	wrapper *pinningWrapper
	cleanup runtime.Cleanup
	buffers []*DeviceBuffer
	mapped  bool
}

// pinningWrapper holds what is needed to release a Pinning, so it can be done by a cleanup function.
type pinningWrapper struct {
	driver  driver.Driver
	ctx     *Context
	regions []*PinnedRegion

	// pinner keeps the Go memory of the arrays from moving while it is locked.
	pinner   runtime.Pinner
	released atomic.Bool
}

var pinningsLeaked atomic.Int64

// PinningsLeaked returns the number of Pinnings garbage collected without being released.
func PinningsLeaked() int64 {
	return pinningsLeaked.Load()
}

// releaseLater is called when a Pinning is garbage collected without Release: it issues no driver call, and
// queues the locked regions to be unlocked by the Session that owns the context.
func (w *pinningWrapper) releaseLater() {
	if !w.released.CompareAndSwap(false, true) {
		return
	}
	pinningsLeaked.Add(1)
	klog.Warningf("accel: Pinning of %d regions in %s leaked without Release, releasing", len(w.regions), w.ctx)
	for _, region := range w.regions {
		if !region.state.CompareAndSwap(regionLocked, regionReleased) || region.size == 0 {
			continue
		}
		w.ctx.deferRelease(pendingRelease{lock: region.lock, host: region.host})
	}
	w.pinner.Unpin()
}

// Pin page-locks the host memory of the arrays, in order. Call Pinning.Release when done.
//
// If the driver rejects one of the arrays (e.g.: pinnable memory exhausted), the arrays already locked are unlocked
// and an ErrPinning error is returned.
func (s *Session) Pin(arrays ...hostarray.Array) (*Pinning, error) {
	const op = "Session.Pin()"
	ctx, err := s.requireContext(op)
	if err != nil {
		return nil, err
	}
	return s.pin(op, ctx, arrays, false, DefaultStream)
}

// Map page-locks the host memory of the arrays, in order, and maps them in the device address space.
// Each array is exposed as a mapped DeviceBuffer (see Pinning.Value), valid until Pinning.Release is called.
//
// The only valid option is OptionStream, the stream of the mapped buffers. Any other option yields ErrInvalidArgument.
// The device must support mapping host memory, otherwise ErrPinning is returned.
func (s *Session) Map(arrays []hostarray.Array, options NamedValuesMap) (*Pinning, error) {
	const op = "Session.Map()"
	ctx, err := s.requireContext(op)
	if err != nil {
		return nil, err
	}
	opts, err := parseMapOptions(op, options)
	if err != nil {
		return nil, err
	}
	return s.pin(op, ctx, arrays, true, opts.stream)
}

// pin implements Pin and Map.
func (s *Session) pin(op string, ctx *Context, arrays []hostarray.Array, mapped bool, stream *Stream) (*Pinning, error) {
	for ii, array := range arrays {
		if array == nil {
			return nil, errors.Wrapf(ErrInvalidArgument, "%s: array #%d is nil", op, ii)
		}
		if err := checkArrayLayout(fmt.Sprintf("%s array #%d", op, ii), array); err != nil {
			return nil, err
		}
	}
	if err := stream.checkFor(ctx, op); err != nil {
		return nil, err
	}

	drv := s.runtime.driver
	w := &pinningWrapper{
		driver:  drv,
		ctx:     ctx,
		regions: make([]*PinnedRegion, 0, len(arrays)),
	}
	p := &Pinning{wrapper: w, mapped: mapped}
	p.cleanup = runtime.AddCleanup(p, func(w *pinningWrapper) { w.releaseLater() }, w)
	for ii, array := range arrays {
		region := &PinnedRegion{ctx: ctx, host: array.Data(), size: array.DataSize(), mapped: mapped}
		if region.host != nil {
			w.pinner.Pin(region.host)
		}
		if err := region.doLock(drv); err != nil {
			if releaseErr := p.Release(); releaseErr != nil {
				klog.Errorf("%s failed to unlock regions after failure: %v", op, releaseErr)
			}
			return nil, wrapKind(ErrPinning, err, "%s failed to page-lock array #%d (%d bytes)", op, ii, region.size)
		}
		w.regions = append(w.regions, region)
	}
	if mapped {
		p.buffers = make([]*DeviceBuffer, len(arrays))
		for ii, array := range arrays {
			p.buffers[ii] = newMappedBuffer(drv, ctx, w.regions[ii], array, stream)
		}
	}
	klog.V(2).Infof("accel: %s locked %d regions in %s", op, len(w.regions), ctx)
	return p, nil
}

// newMappedBuffer creates a DeviceBuffer that aliases the mapped region, with the geometry of array.
// It owns no device memory.
func newMappedBuffer(drv driver.Driver, ctx *Context, region *PinnedRegion, array hostarray.Array, stream *Stream) *DeviceBuffer {
	b := newDeviceBuffer(drv, ctx, region.devicePtr, false, array.Shape(), array.Strides(), array.DType(),
		hostarray.OrderOf(array.Flags()), region.size, stream)
	b.region = region
	return b
}

// Release unlocks every region, in input order, and invalidates the mapped buffers.
// It is idempotent: only the first call has any effect.
//
// Every region is unlocked even if some fail: the first error is returned and the others are logged.
func (p *Pinning) Release() error {
	if p == nil || !p.wrapper.released.CompareAndSwap(false, true) {
		return nil
	}
	p.cleanup.Stop()
	w := p.wrapper
	for _, buffer := range p.buffers {
		// Mapped buffers own no device memory, so this doesn't fail.
		_ = buffer.Destroy()
	}
	var firstErr error
	for ii, region := range w.regions {
		err := region.doUnlock(w.driver)
		if err == nil {
			continue
		}
		if firstErr == nil {
			firstErr = errors.WithMessagef(err, "Pinning.Release() region #%d", ii)
		} else {
			klog.Errorf("Pinning.Release() failed to unlock region #%d: %v", ii, err)
		}
	}
	w.pinner.Unpin()
	klog.V(2).Infof("accel: released %d pinned regions in %s", len(w.regions), w.ctx)
	return firstErr
}

// IsReleased returns whether Release has been called.
func (p *Pinning) IsReleased() bool { return p.wrapper.released.Load() }

// IsMapped returns whether the regions are mapped in the device address space.
func (p *Pinning) IsMapped() bool { return p.mapped }

// Len returns the number of pinned arrays.
func (p *Pinning) Len() int { return len(p.wrapper.regions) }

// Regions returns the pinned regions, in input order. Don't change the returned slice.
func (p *Pinning) Regions() []*PinnedRegion { return p.wrapper.regions }

// Value returns what a mapping yields: a single *DeviceBuffer if exactly one array was mapped, otherwise
// a []*DeviceBuffer in input order. It returns nil for a Pinning that is not mapped.
func (p *Pinning) Value() any {
	if !p.mapped {
		return nil
	}
	if len(p.buffers) == 1 {
		return p.buffers[0]
	}
	return slices.Clone(p.buffers)
}

// Buffer returns the mapped buffer if exactly one array was mapped, or nil.
func (p *Pinning) Buffer() *DeviceBuffer {
	if len(p.buffers) != 1 {
		return nil
	}
	return p.buffers[0]
}

// Buffers returns the mapped buffers, in input order. It is empty for a Pinning that is not mapped.
func (p *Pinning) Buffers() []*DeviceBuffer { return p.buffers }

// String implements fmt.Stringer.
func (p *Pinning) String() string {
	kind := "pinned"
	if p.mapped {
		kind = "mapped"
	}
	return fmt.Sprintf("Pinning(%s, %d regions, released=%v)", kind, len(p.wrapper.regions), p.IsReleased())
}

// Pinned page-locks the arrays (see Session.Pin) for the duration of fn. The memory is unlocked when fn returns,
// fails or panics.
//
// The error of fn takes precedence over an error releasing the memory, which is then only logged.
func (s *Session) Pinned(arrays []hostarray.Array, fn func() error) (err error) {
	p, err := s.Pin(arrays...)
	if err != nil {
		return err
	}
	defer releaseScope("Session.Pinned()", p, &err)
	return fn()
}

// Mapped page-locks and maps the arrays (see Session.Map) for the duration of fn, which is given the Pinning
// from where to take the mapped buffers (Pinning.Value, Pinning.Buffer or Pinning.Buffers). The memory is unlocked
// when fn returns, fails or panics.
//
// The error of fn takes precedence over an error releasing the memory, which is then only logged.
func (s *Session) Mapped(arrays []hostarray.Array, options NamedValuesMap, fn func(p *Pinning) error) (err error) {
	p, err := s.Map(arrays, options)
	if err != nil {
		return err
	}
	defer releaseScope("Session.Mapped()", p, &err)
	return fn(p)
}

// releaseScope releases p at the end of a scope, and sets *err if it is not yet set.
func releaseScope(op string, p *Pinning, err *error) {
	releaseErr := p.Release()
	if releaseErr == nil {
		return
	}
	if *err == nil {
		*err = releaseErr
		return
	}
	klog.Errorf("%s failed to release pinned memory after error (%v): %v", op, *err, releaseErr)
}
