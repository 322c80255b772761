package accel

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/goaccel/driver"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context is a live binding between a Session and one device, created by Session.SelectDevice and
// destroyed by Session.Close.
//
// Buffers, streams and pinned regions keep a reference to the Context they were created under, and
// fail with ErrStaleContext once it is released.
type Context struct {
	id       uuid.UUID
	handle   driver.ContextHandle
	device   *Device
	released atomic.Bool

	// pending holds the memory of garbage collected buffers and pinnings, released by the owning
	// Session on its own thread.
	pendingMu sync.Mutex
	pending   []pendingRelease
}

// pendingRelease is either a device allocation (ptr != 0) or a host memory lock to release.
type pendingRelease struct {
	ptr  driver.DevicePointer
	lock driver.HostLock

	// host keeps the locked Go memory reachable until it is unlocked.
	host unsafe.Pointer
}

// ID is a unique identifier of the context, used in logs.
func (c *Context) ID() uuid.UUID {
	return c.id
}

// Handle returns the driver handle of the context.
func (c *Context) Handle() driver.ContextHandle {
	return c.handle
}

// Device the context is bound to.
func (c *Context) Device() *Device {
	return c.device
}

// IsReleased returns whether the context has been closed.
func (c *Context) IsReleased() bool {
	return c.released.Load()
}

// String implements fmt.Stringer.
func (c *Context) String() string {
	return fmt.Sprintf("Context(%s, %s)", c.id.String()[:8], c.device)
}

// check returns ErrStaleContext if the context was released.
func (c *Context) check(op string) error {
	if c.IsReleased() {
		return errors.Wrapf(ErrStaleContext, "%s: %s has been closed", op, c)
	}
	return nil
}

// deferRelease queues r to be released by the owning Session. It returns false if the context
// is already released, in which case the memory was freed along with it.
func (c *Context) deferRelease(r pendingRelease) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.IsReleased() {
		return false
	}
	c.pending = append(c.pending, r)
	return true
}

func (c *Context) takePending() []pendingRelease {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	pending := c.pending
	c.pending = nil
	return pending
}

func (c *Context) pendingLen() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// markReleased invalidates the context and drops what is still queued for release.
func (c *Context) markReleased() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.released.Store(true)
	c.pending = nil
}

// Session holds the current context of one caller. It plays the role of the calling thread of
// accelerator APIs: it is not safe for concurrent use, and it should be used from a single goroutine.
//
// Create it with Runtime.NewSession.
type Session struct {
	runtime        *Runtime
	current        *Context
	lockedOSThread bool
}

// Runtime returns the Runtime that created the Session.
func (s *Session) Runtime() *Runtime {
	return s.runtime
}

// SelectDevice creates a context bound to the device with the given id and makes it the current context
// of the session. It must be called before any other operation of the Session.
//
// It fails with ErrDeviceNotFound if deviceID is not valid, with ErrContextCreation if the driver
// can't create the context, and with ErrInvalidArgument if the session already has a current context.
// On failure the session is left as it was.
func (s *Session) SelectDevice(deviceID int) (*Device, error) {
	if s.current != nil {
		return nil, errors.Wrapf(ErrInvalidArgument, "Session.SelectDevice(%d): session already has the active %s, Close it first",
			deviceID, s.current)
	}
	drv := s.runtime.driver
	count, err := drv.DeviceCount()
	if err != nil {
		return nil, wrapKind(ErrDeviceNotFound, err, "Session.SelectDevice(%d) failed to enumerate devices", deviceID)
	}
	if deviceID < 0 || deviceID >= count {
		return nil, errors.Wrapf(ErrDeviceNotFound, "Session.SelectDevice(%d): there are %d devices", deviceID, count)
	}
	device := &Device{id: deviceID}
	device.name, err = drv.DeviceName(deviceID)
	if err != nil {
		// Non-fatal
		klog.Errorf("Failed to retrieve name of device %d: %v", deviceID, err)
	}

	locked := s.runtime.config.LockOSThread
	if locked {
		runtime.LockOSThread()
	}
	handle, err := drv.CreateContext(deviceID)
	if err != nil {
		if locked {
			runtime.UnlockOSThread()
		}
		kind := ErrContextCreation
		if driver.CodeOf(err) == driver.CodeInvalidDevice {
			kind = ErrDeviceNotFound
		}
		return nil, wrapKind(kind, err, "Session.SelectDevice(%d)", deviceID)
	}
	s.current = &Context{id: uuid.New(), handle: handle, device: device}
	s.lockedOSThread = locked
	klog.V(1).Infof("accel: created %s", s.current)
	return device, nil
}

// Close releases the current context and leaves the session without one.
// It fails with ErrNoActiveContext if there is no current context.
//
// Buffers, streams and pinned regions created under the context become invalid, and their operations fail
// with ErrStaleContext. Memory of collected buffers and pinnings is released before the context.
// If the driver fails to release the context, it remains current.
func (s *Session) Close() error {
	ctx, err := s.requireContext("Session.Close()")
	if err != nil {
		return err
	}
	drv := s.runtime.driver
	if current, err := drv.CurrentContext(); err != nil {
		klog.Warningf("Session.Close(): failed to query the driver current context: %v", err)
	} else if current != ctx.handle {
		klog.Warningf("Session.Close(): driver reports current context %#x, but the session is closing %s (handle %#x)",
			uintptr(current), ctx, uintptr(ctx.handle))
	}
	if err := drv.ReleaseContext(ctx.handle); err != nil {
		return errors.WithMessagef(err, "Session.Close() failed to release %s", ctx)
	}
	ctx.markReleased()
	s.current = nil
	if s.lockedOSThread {
		runtime.UnlockOSThread()
		s.lockedOSThread = false
	}
	klog.V(1).Infof("accel: released %s", ctx)
	return nil
}

// CurrentContext returns the current context, or ErrNoActiveContext.
func (s *Session) CurrentContext() (*Context, error) {
	return s.requireContext("Session.CurrentContext()")
}

// Device returns the device of the current context, or nil if there is no current context.
func (s *Session) Device() *Device {
	if s.current == nil {
		return nil
	}
	return s.current.device
}

// HasContext returns whether the session has a current context.
func (s *Session) HasContext() bool {
	return s.current != nil
}

// requireContext is the guard at the start of every operation that touches the accelerator.
// Without a current context it doesn't issue any driver call. Otherwise it first releases the memory of the
// buffers and pinnings of the context collected since the last operation.
func (s *Session) requireContext(op string) (*Context, error) {
	if s == nil || s.current == nil {
		return nil, errors.Wrapf(ErrNoActiveContext, "%s", op)
	}
	s.releasePending(s.current)
	return s.current, nil
}

// releasePending releases the memory queued by garbage collected objects of ctx, from the session's thread.
// Failures are logged.
func (s *Session) releasePending(ctx *Context) {
	pending := ctx.takePending()
	if len(pending) == 0 {
		return
	}
	drv := s.runtime.driver
	for _, r := range pending {
		if r.ptr != 0 {
			if err := drv.FreeDevice(ctx.handle, r.ptr); err != nil {
				klog.Errorf("accel: failed to free device pointer %#x of collected DeviceBuffer in %s: %v", uintptr(r.ptr), ctx, err)
			}
			continue
		}
		if err := drv.UnlockHostMemory(ctx.handle, r.lock); err != nil {
			klog.Errorf("accel: failed to unlock host memory %p of leaked Pinning in %s: %v", r.host, ctx, err)
		}
	}
	klog.V(2).Infof("accel: released %d collected objects in %s", len(pending), ctx)
}

// String implements fmt.Stringer.
func (s *Session) String() string {
	if s.current == nil {
		return "Session(no context)"
	}
	return fmt.Sprintf("Session(%s)", s.current)
}
