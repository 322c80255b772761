// Package accel is a host-side control layer over a compute accelerator: it manages execution contexts,
// moves array-shaped buffers between host and device memory, and page-locks ("pins") host memory for the
// duration of a scope, optionally mapping it in the device address space.
//
// The entry point is a Runtime, created once per process with the driver binding to use:
//
//	rt, err := accel.New(drv, accel.DefaultConfig())
//	session := rt.NewSession()
//	device, err := session.SelectDevice(0)
//	defer session.Close()
//
//	buf, err := session.ToDevice(hostArray).Done()
//	err = session.Pinned([]hostarray.Array{a, b}, func() error { ... })
//
// A Session plays the role of the calling thread: it holds the current Context and it is not safe for
// concurrent use. While a context is current, the goroutine is locked to its OS thread (see Config.LockOSThread),
// since accelerator drivers bind contexts to threads.
//
// Every operation of a Session, other than SelectDevice, requires an active context and fails with
// ErrNoActiveContext, before issuing any driver call, if there is none.
package accel

import (
	"fmt"
	"sync"

	"github.com/gomlx/goaccel/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Runtime holds the driver binding, initialized once, and creates Sessions.
type Runtime struct {
	driver driver.Driver
	config Config
}

type driverInit struct {
	once sync.Once
	err  error
}

// driverInits holds one driverInit per driver instance that doesn't implement driver.InitChecker, so each
// driver is initialized only once per process. Entries are never removed: such drivers are kept alive
// for the life of the process.
var driverInits sync.Map

// New creates a Runtime over the given driver.
//
// If the driver implements driver.InitChecker it is initialized unless it reports being already initialized,
// so a failed initialization is retried by the next call to New. Otherwise the driver is initialized the first
// time it is given to New, and later calls (even if the first one failed) reuse the result: such a driver must be
// of a comparable type (typically a pointer), and it is never garbage collected.
func New(drv driver.Driver, config Config) (*Runtime, error) {
	if drv == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "accel.New() requires a driver")
	}
	if err := initializeDriver(drv); err != nil {
		return nil, errors.WithMessagef(err, "accel.New() failed to initialize driver %v", drv)
	}
	return &Runtime{driver: drv, config: config}, nil
}

func initializeDriver(drv driver.Driver) error {
	if checker, ok := drv.(driver.InitChecker); ok {
		if checker.IsInitialized() {
			return nil
		}
		if err := drv.Initialize(); err != nil {
			return err
		}
		klog.V(1).Infof("accel: driver %v initialized", drv)
		return nil
	}
	value, _ := driverInits.LoadOrStore(drv, &driverInit{})
	di := value.(*driverInit)
	di.once.Do(func() {
		di.err = drv.Initialize()
		if di.err == nil {
			klog.V(1).Infof("accel: driver %v initialized", drv)
		}
	})
	return di.err
}

// Driver returns the driver binding used by the Runtime.
func (r *Runtime) Driver() driver.Driver {
	return r.driver
}

// Config returns the configuration of the Runtime.
func (r *Runtime) Config() Config {
	return r.config
}

// DeviceCount returns the number of devices available. It doesn't require an active context.
func (r *Runtime) DeviceCount() (int, error) {
	count, err := r.driver.DeviceCount()
	if err != nil {
		return 0, errors.WithMessage(err, "Runtime.DeviceCount()")
	}
	return count, nil
}

// NewSession creates a Session with no active context. Call Session.SelectDevice before using it.
func (r *Runtime) NewSession() *Session {
	return &Session{runtime: r}
}

// String implements fmt.Stringer.
func (r *Runtime) String() string {
	return fmt.Sprintf("accel.Runtime(%v)", r.driver)
}
