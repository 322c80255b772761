// Package simulated implements driver.Driver in host memory.
//
// Device memory is kept in Go byte slices, page-locking only does the bookkeeping (quota, overlapping ranges)
// and mapped host memory is accessed directly through the device pointers handed out.
// It is used for tests and for running the accel package where no accelerator is available.
//
// The Driver keeps Stats of every call, so tests can check that operations balance out (e.g., lock/unlock).
package simulated

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/gomlx/goaccel/driver"
	"k8s.io/klog/v2"
)

// Op names a driver operation, used by Stats and InjectFailure.
type Op string

const (
	OpInitialize       Op = "Initialize"
	OpDeviceCount      Op = "DeviceCount"
	OpDeviceName       Op = "DeviceName"
	OpCreateContext    Op = "CreateContext"
	OpReleaseContext   Op = "ReleaseContext"
	OpCurrentContext   Op = "CurrentContext"
	OpAllocateDevice   Op = "AllocateDevice"
	OpFreeDevice       Op = "FreeDevice"
	OpCopyHostToDevice Op = "CopyHostToDevice"
	OpCopyDeviceToHost Op = "CopyDeviceToHost"
	OpLockHostMemory   Op = "LockHostMemory"
	OpUnlockHostMemory Op = "UnlockHostMemory"
	OpCreateStream     Op = "CreateStream"
	OpDestroyStream    Op = "DestroyStream"
)

// deviceAlignment of the simulated device pointers.
const deviceAlignment = 256

// baseDevicePointer is where the simulated device address space starts.
const baseDevicePointer = 0x7f00_0000_0000

type simContext struct {
	device int
}

type allocation struct {
	ctx  driver.ContextHandle
	base driver.DevicePointer
	data []byte
}

type hostLock struct {
	ctx        driver.ContextHandle
	start, end uintptr
	mapped     bool
	devicePtr  driver.DevicePointer

	// host is the locked memory, used to serve mapped device pointers.
	host []byte
}

type injectedFailure struct {
	skip int
	code driver.ErrorCode
}

// Driver is an in-memory driver.Driver. It is safe for concurrent use.
type Driver struct {
	mu     sync.Mutex
	config Config

	initialized bool
	nextHandle  uintptr
	nextDevPtr  uintptr

	contexts      map[driver.ContextHandle]*simContext
	contextsStack []driver.ContextHandle
	allocations   map[driver.DevicePointer]*allocation
	deviceBytes   []uint64
	locks         map[driver.HostLock]*hostLock
	pinnedBytes   uint64
	streams       map[driver.StreamHandle]driver.ContextHandle
	failures      map[Op][]*injectedFailure
	calls         map[Op]int
	peakPinned    uint64
}

var (
	_ driver.Driver      = (*Driver)(nil)
	_ driver.InitChecker = (*Driver)(nil)
)

// New creates a simulated driver with the given configuration. Use DefaultConfig for a one device setup.
func New(config Config) (*Driver, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Driver{
		config:      config,
		nextHandle:  1,
		nextDevPtr:  baseDevicePointer,
		contexts:    make(map[driver.ContextHandle]*simContext),
		allocations: make(map[driver.DevicePointer]*allocation),
		deviceBytes: make([]uint64, len(config.Devices)),
		locks:       make(map[driver.HostLock]*hostLock),
		streams:     make(map[driver.StreamHandle]driver.ContextHandle),
		failures:    make(map[Op][]*injectedFailure),
		calls:       make(map[Op]int),
	}, nil
}

// String implements fmt.Stringer.
func (d *Driver) String() string {
	return fmt.Sprintf("simulated driver (%d devices)", len(d.config.Devices))
}

// InjectFailure makes the call to op fail with code after skip more successful calls.
// Each injected failure triggers only once.
func (d *Driver) InjectFailure(op Op, skip int, code driver.ErrorCode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op] = append(d.failures[op], &injectedFailure{skip: skip, code: code})
}

// enter registers the call to op and returns an injected failure for it, if one is due.
// It must be called with the lock held.
func (d *Driver) enter(op Op) error {
	d.calls[op]++
	if op != OpInitialize && !d.initialized {
		return driver.Errorf(driver.CodeNotInitialized, "%s called before Initialize", op)
	}
	var triggered *injectedFailure
	kept := d.failures[op][:0]
	for _, f := range d.failures[op] {
		if triggered == nil && f.skip == 0 {
			triggered = f
			continue
		}
		if f.skip > 0 {
			f.skip--
		}
		kept = append(kept, f)
	}
	d.failures[op] = kept
	if triggered != nil {
		return driver.Errorf(triggered.code, "injected failure for %s", op)
	}
	return nil
}

func (d *Driver) newHandle() uintptr {
	h := d.nextHandle
	d.nextHandle++
	return h
}

// newDeviceRange reserves a range of the simulated device address space.
func (d *Driver) newDeviceRange(size uintptr) driver.DevicePointer {
	ptr := d.nextDevPtr
	d.nextDevPtr += (size + 2*deviceAlignment - 1) &^ (deviceAlignment - 1)
	return driver.DevicePointer(ptr)
}

func (d *Driver) checkContext(ctx driver.ContextHandle) (*simContext, error) {
	c, found := d.contexts[ctx]
	if !found {
		return nil, driver.Errorf(driver.CodeInvalidContext, "invalid or released context %#x", uintptr(ctx))
	}
	return c, nil
}

// Initialize implements driver.Driver.
func (d *Driver) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpInitialize); err != nil {
		return err
	}
	if !d.initialized {
		klog.V(1).Infof("Initialized %s", d)
	}
	d.initialized = true
	return nil
}

// IsInitialized implements driver.InitChecker.
func (d *Driver) IsInitialized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initialized
}

// DeviceCount implements driver.Driver.
func (d *Driver) DeviceCount() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpDeviceCount); err != nil {
		return 0, err
	}
	return len(d.config.Devices), nil
}

// DeviceName implements driver.Driver.
func (d *Driver) DeviceName(device int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpDeviceName); err != nil {
		return "", err
	}
	if device < 0 || device >= len(d.config.Devices) {
		return "", driver.Errorf(driver.CodeInvalidDevice, "invalid device %d, there are %d devices", device, len(d.config.Devices))
	}
	return d.config.Devices[device].Name, nil
}

// CreateContext implements driver.Driver.
func (d *Driver) CreateContext(device int) (driver.ContextHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpCreateContext); err != nil {
		return 0, err
	}
	if device < 0 || device >= len(d.config.Devices) {
		return 0, driver.Errorf(driver.CodeInvalidDevice, "invalid device %d, there are %d devices", device, len(d.config.Devices))
	}
	if maxContexts := d.config.Devices[device].MaxContexts; maxContexts > 0 {
		count := 0
		for _, c := range d.contexts {
			if c.device == device {
				count++
			}
		}
		if count >= maxContexts {
			return 0, driver.Errorf(driver.CodeContextAlreadyInUse, "device %d is busy: %d of %d contexts in use", device, count, maxContexts)
		}
	}
	ctx := driver.ContextHandle(d.newHandle())
	d.contexts[ctx] = &simContext{device: device}
	d.contextsStack = append(d.contextsStack, ctx)
	return ctx, nil
}

// ReleaseContext implements driver.Driver.
// All allocations, locks and streams of the context are released with it.
func (d *Driver) ReleaseContext(ctx driver.ContextHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpReleaseContext); err != nil {
		return err
	}
	c, err := d.checkContext(ctx)
	if err != nil {
		return err
	}
	for ptr, alloc := range d.allocations {
		if alloc.ctx == ctx {
			d.deviceBytes[c.device] -= uint64(len(alloc.data))
			delete(d.allocations, ptr)
		}
	}
	for handle, lock := range d.locks {
		if lock.ctx == ctx {
			d.pinnedBytes -= uint64(lock.end - lock.start)
			delete(d.locks, handle)
		}
	}
	for stream, owner := range d.streams {
		if owner == ctx {
			delete(d.streams, stream)
		}
	}
	delete(d.contexts, ctx)
	for ii, h := range d.contextsStack {
		if h == ctx {
			d.contextsStack = append(d.contextsStack[:ii], d.contextsStack[ii+1:]...)
			break
		}
	}
	return nil
}

// CurrentContext implements driver.Driver.
func (d *Driver) CurrentContext() (driver.ContextHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpCurrentContext); err != nil {
		return 0, err
	}
	if len(d.contextsStack) == 0 {
		return 0, nil
	}
	return d.contextsStack[len(d.contextsStack)-1], nil
}

// AllocateDevice implements driver.Driver.
func (d *Driver) AllocateDevice(ctx driver.ContextHandle, size uintptr) (driver.DevicePointer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpAllocateDevice); err != nil {
		return 0, err
	}
	c, err := d.checkContext(ctx)
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, driver.Errorf(driver.CodeInvalidValue, "cannot allocate 0 bytes")
	}
	devConfig := d.config.Devices[c.device]
	if d.deviceBytes[c.device]+uint64(size) > devConfig.MemoryBytes {
		return 0, driver.Errorf(driver.CodeOutOfMemory, "device %d out of memory allocating %d bytes: %d of %d bytes in use",
			c.device, size, d.deviceBytes[c.device], devConfig.MemoryBytes)
	}
	ptr := d.newDeviceRange(size)
	d.allocations[ptr] = &allocation{ctx: ctx, base: ptr, data: make([]byte, size)}
	d.deviceBytes[c.device] += uint64(size)
	return ptr, nil
}

// FreeDevice implements driver.Driver.
func (d *Driver) FreeDevice(ctx driver.ContextHandle, ptr driver.DevicePointer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpFreeDevice); err != nil {
		return err
	}
	c, err := d.checkContext(ctx)
	if err != nil {
		return err
	}
	alloc, found := d.allocations[ptr]
	if !found || alloc.ctx != ctx {
		return driver.Errorf(driver.CodeInvalidValue, "device pointer %#x was not allocated in context %#x", uintptr(ptr), uintptr(ctx))
	}
	d.deviceBytes[c.device] -= uint64(len(alloc.data))
	delete(d.allocations, ptr)
	return nil
}

// resolve returns the memory backing [ptr, ptr+size) in the device address space: either device
// allocations or mapped host memory.
func (d *Driver) resolve(ctx driver.ContextHandle, ptr driver.DevicePointer, size uintptr) ([]byte, error) {
	for _, alloc := range d.allocations {
		if ptr >= alloc.base && uintptr(ptr) < uintptr(alloc.base)+uintptr(len(alloc.data)) {
			if alloc.ctx != ctx {
				return nil, driver.Errorf(driver.CodeInvalidContext, "device pointer %#x belongs to another context", uintptr(ptr))
			}
			offset := uintptr(ptr - alloc.base)
			if offset+size > uintptr(len(alloc.data)) {
				return nil, driver.Errorf(driver.CodeInvalidValue, "range of %d bytes at %#x goes beyond its allocation", size, uintptr(ptr))
			}
			return alloc.data[offset : offset+size], nil
		}
	}
	for _, lock := range d.locks {
		if !lock.mapped || ptr < lock.devicePtr || uintptr(ptr) >= uintptr(lock.devicePtr)+uintptr(len(lock.host)) {
			continue
		}
		if lock.ctx != ctx {
			return nil, driver.Errorf(driver.CodeInvalidContext, "mapped device pointer %#x belongs to another context", uintptr(ptr))
		}
		offset := uintptr(ptr - lock.devicePtr)
		if offset+size > uintptr(len(lock.host)) {
			return nil, driver.Errorf(driver.CodeInvalidValue, "range of %d bytes at %#x goes beyond its mapped host memory", size, uintptr(ptr))
		}
		return lock.host[offset : offset+size], nil
	}
	return nil, driver.Errorf(driver.CodeInvalidValue, "device pointer %#x is not allocated nor mapped", uintptr(ptr))
}

func (d *Driver) checkStream(ctx driver.ContextHandle, stream driver.StreamHandle) error {
	if stream == driver.DefaultStream {
		return nil
	}
	owner, found := d.streams[stream]
	if !found || owner != ctx {
		return driver.Errorf(driver.CodeInvalidHandle, "stream %#x is not valid in context %#x", uintptr(stream), uintptr(ctx))
	}
	return nil
}

// CopyHostToDevice implements driver.Driver.
func (d *Driver) CopyHostToDevice(ctx driver.ContextHandle, dst driver.DevicePointer, src unsafe.Pointer, size uintptr, stream driver.StreamHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpCopyHostToDevice); err != nil {
		return err
	}
	if _, err := d.checkContext(ctx); err != nil {
		return err
	}
	if err := d.checkStream(ctx, stream); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	if src == nil {
		return driver.Errorf(driver.CodeInvalidValue, "nil host source for copy of %d bytes", size)
	}
	deviceMem, err := d.resolve(ctx, dst, size)
	if err != nil {
		return err
	}
	copy(deviceMem, unsafe.Slice((*byte)(src), size))
	return nil
}

// CopyDeviceToHost implements driver.Driver.
func (d *Driver) CopyDeviceToHost(ctx driver.ContextHandle, dst unsafe.Pointer, src driver.DevicePointer, size uintptr, stream driver.StreamHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpCopyDeviceToHost); err != nil {
		return err
	}
	if _, err := d.checkContext(ctx); err != nil {
		return err
	}
	if err := d.checkStream(ctx, stream); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	if dst == nil {
		return driver.Errorf(driver.CodeInvalidValue, "nil host destination for copy of %d bytes", size)
	}
	deviceMem, err := d.resolve(ctx, src, size)
	if err != nil {
		return err
	}
	copy(unsafe.Slice((*byte)(dst), size), deviceMem)
	return nil
}

// LockHostMemory implements driver.Driver.
func (d *Driver) LockHostMemory(ctx driver.ContextHandle, ptr unsafe.Pointer, size uintptr, mapped bool) (driver.HostLock, driver.DevicePointer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpLockHostMemory); err != nil {
		return 0, 0, err
	}
	c, err := d.checkContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	if ptr == nil || size == 0 {
		return 0, 0, driver.Errorf(driver.CodeInvalidValue, "cannot page-lock empty host range (ptr=%p, size=%d)", ptr, size)
	}
	if mapped && !d.config.Devices[c.device].CanMapHostMemory {
		return 0, 0, driver.Errorf(driver.CodeNotSupported, "device %d cannot map host memory", c.device)
	}
	start := uintptr(ptr)
	end := start + size
	for _, lock := range d.locks {
		if start < lock.end && lock.start < end {
			return 0, 0, driver.Errorf(driver.CodeHostMemoryRegistered,
				"host range [%#x, %#x) overlaps already page-locked range [%#x, %#x)", start, end, lock.start, lock.end)
		}
	}
	if d.config.PinnableBytes > 0 && d.pinnedBytes+uint64(size) > d.config.PinnableBytes {
		return 0, 0, driver.Errorf(driver.CodeOutOfMemory, "page-locking %d bytes exceeds the pinnable quota: %d of %d bytes in use",
			size, d.pinnedBytes, d.config.PinnableBytes)
	}
	lock := &hostLock{ctx: ctx, start: start, end: end, mapped: mapped, host: unsafe.Slice((*byte)(ptr), size)}
	if mapped {
		lock.devicePtr = d.newDeviceRange(size)
	}
	handle := driver.HostLock(d.newHandle())
	d.locks[handle] = lock
	d.pinnedBytes += uint64(size)
	d.peakPinned = max(d.peakPinned, d.pinnedBytes)
	return handle, lock.devicePtr, nil
}

// UnlockHostMemory implements driver.Driver.
func (d *Driver) UnlockHostMemory(ctx driver.ContextHandle, handle driver.HostLock) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpUnlockHostMemory); err != nil {
		return err
	}
	if _, err := d.checkContext(ctx); err != nil {
		return err
	}
	lock, found := d.locks[handle]
	if !found || lock.ctx != ctx {
		return driver.Errorf(driver.CodeHostMemoryNotRegistered, "host lock %#x is not registered in context %#x", uintptr(handle), uintptr(ctx))
	}
	d.pinnedBytes -= uint64(lock.end - lock.start)
	delete(d.locks, handle)
	return nil
}

// CreateStream implements driver.Driver.
func (d *Driver) CreateStream(ctx driver.ContextHandle) (driver.StreamHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpCreateStream); err != nil {
		return 0, err
	}
	if _, err := d.checkContext(ctx); err != nil {
		return 0, err
	}
	stream := driver.StreamHandle(d.newHandle())
	d.streams[stream] = ctx
	return stream, nil
}

// DestroyStream implements driver.Driver.
func (d *Driver) DestroyStream(ctx driver.ContextHandle, stream driver.StreamHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpDestroyStream); err != nil {
		return err
	}
	if _, err := d.checkContext(ctx); err != nil {
		return err
	}
	if stream == driver.DefaultStream {
		return driver.Errorf(driver.CodeInvalidHandle, "the default stream cannot be destroyed")
	}
	if err := d.checkStream(ctx, stream); err != nil {
		return err
	}
	delete(d.streams, stream)
	return nil
}
