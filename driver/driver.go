// Package driver defines the capabilities the accel package needs from a low-level accelerator driver binding:
// contexts, device memory, page-locking of host memory, copies and streams.
//
// A binding to a real driver (e.g. CUDA's driver API) implements Driver. Package driver/simulated
// provides an in-memory implementation.
//
// Handles are opaque to the callers. Zero values mean "no handle", except for StreamHandle where 0 is the
// default stream.
package driver

import (
	"unsafe"
)

// ContextHandle identifies a driver context.
type ContextHandle uintptr

// DevicePointer is an address in the device address space.
type DevicePointer uintptr

// HostLock identifies a page-locked host memory range.
type HostLock uintptr

// StreamHandle identifies an execution queue. DefaultStream (0) is the implicit default queue.
type StreamHandle uintptr

// DefaultStream is the handle of the implicit default queue.
const DefaultStream StreamHandle = 0

// Driver is the set of raw operations issued by the accel package.
//
// All calls are synchronous. The context is always given explicitly, instead of relying on a per-thread
// "current context" kept by the driver; CurrentContext is only used for consistency checks.
//
// Failures should be returned as *Error, so they can be classified by their Code.
type Driver interface {
	// Initialize the driver. It may be called more than once, and it must be idempotent.
	Initialize() error

	// DeviceCount returns the number of devices; device ids range from 0 to DeviceCount-1.
	DeviceCount() (int, error)

	// DeviceName returns a human-readable name for the device.
	DeviceName(device int) (string, error)

	// CreateContext creates a context bound to the device and makes it current.
	CreateContext(device int) (ContextHandle, error)

	// ReleaseContext destroys the context. Any memory allocated, locked or streams created under it are released.
	ReleaseContext(ctx ContextHandle) error

	// CurrentContext returns the context most recently made current, or 0 if there is none.
	CurrentContext() (ContextHandle, error)

	// AllocateDevice allocates size bytes of (uninitialized) device memory.
	AllocateDevice(ctx ContextHandle, size uintptr) (DevicePointer, error)

	// FreeDevice frees memory returned by AllocateDevice.
	FreeDevice(ctx ContextHandle, ptr DevicePointer) error

	// CopyHostToDevice copies size bytes from src in host memory to dst, queued on stream.
	CopyHostToDevice(ctx ContextHandle, dst DevicePointer, src unsafe.Pointer, size uintptr, stream StreamHandle) error

	// CopyDeviceToHost copies size bytes from src to dst in host memory, queued on stream.
	CopyDeviceToHost(ctx ContextHandle, dst unsafe.Pointer, src DevicePointer, size uintptr, stream StreamHandle) error

	// LockHostMemory page-locks the host range [ptr, ptr+size).
	// If mapped is true, the range is also mapped in the device address space, and the returned DevicePointer
	// refers to it. Otherwise, the returned DevicePointer is 0.
	LockHostMemory(ctx ContextHandle, ptr unsafe.Pointer, size uintptr, mapped bool) (HostLock, DevicePointer, error)

	// UnlockHostMemory releases a lock returned by LockHostMemory.
	UnlockHostMemory(ctx ContextHandle, lock HostLock) error

	// CreateStream creates a new execution queue.
	CreateStream(ctx ContextHandle) (StreamHandle, error)

	// DestroyStream destroys a stream returned by CreateStream.
	DestroyStream(ctx ContextHandle, stream StreamHandle) error
}

// InitChecker is optionally implemented by a Driver that keeps track of its own initialization.
type InitChecker interface {
	// IsInitialized returns whether Initialize already succeeded.
	IsInitialized() bool
}
