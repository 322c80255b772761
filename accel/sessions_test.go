package accel

import (
	"fmt"
	"testing"

	"github.com/gomlx/goaccel/driver"
	"github.com/gomlx/goaccel/driver/simulated"
	"github.com/gomlx/goaccel/dtypes"
	"github.com/gomlx/goaccel/hostarray"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func TestSelectDeviceAndClose(t *testing.T) {
	rt, drv := newTestRuntime(t, simulated.DefaultConfig())
	s := rt.NewSession()
	require.False(t, s.HasContext())
	require.Nil(t, s.Device())

	device, err := s.SelectDevice(0)
	require.NoError(t, err)
	require.Equal(t, 0, device.ID())
	require.Equal(t, "Simulated GPU 0", device.Name())
	require.Equal(t, device, s.Device())
	ctx, err := s.CurrentContext()
	require.NoError(t, err)
	require.Equal(t, device, ctx.Device())
	require.False(t, ctx.IsReleased())
	require.Equal(t, 1, drv.Stats().LiveContexts)
	fmt.Printf("\t%s\n", s)

	require.NoError(t, s.Close())
	require.False(t, s.HasContext())
	require.True(t, ctx.IsReleased())
	require.Equal(t, 0, drv.Stats().LiveContexts)

	_, err = s.CurrentContext()
	require.ErrorIs(t, err, ErrNoActiveContext)
	_, err = s.ToDevice(iotaFloat32(4, 4)).Done()
	require.ErrorIs(t, err, ErrNoActiveContext)
	require.ErrorIs(t, s.Close(), ErrNoActiveContext)

	// The device can be selected again after closing.
	_, err = s.SelectDevice(0)
	require.NoError(t, err)
	ctx2 := must.M1(s.CurrentContext())
	require.NotEqual(t, ctx.ID(), ctx2.ID())
	require.NoError(t, s.Close())
}

func TestSelectDeviceLockOSThread(t *testing.T) {
	drv := must.M1(simulated.New(simulated.DefaultConfig()))
	rt := must.M1(New(drv, Config{LockOSThread: true}))
	s := rt.NewSession()
	_, err := s.SelectDevice(0)
	require.NoError(t, err)
	require.True(t, s.lockedOSThread)
	require.NoError(t, s.Close())
	require.False(t, s.lockedOSThread)

	// Failed selection leaves the thread unlocked.
	_, err = s.SelectDevice(7)
	require.ErrorIs(t, err, ErrDeviceNotFound)
	require.False(t, s.lockedOSThread)
}

func TestSelectDeviceErrors(t *testing.T) {
	config := simulated.DefaultConfig()
	rt, drv := newTestRuntime(t, config)
	s := rt.NewSession()

	for _, deviceID := range []int{-1, 1, 100} {
		_, err := s.SelectDevice(deviceID)
		require.ErrorIs(t, err, ErrDeviceNotFound, "deviceID=%d", deviceID)
		require.False(t, s.HasContext())
	}
	require.Equal(t, 0, drv.Stats().Calls[simulated.OpCreateContext])

	// Context creation failure leaves the session unchanged.
	drv.InjectFailure(simulated.OpCreateContext, 0, driver.CodeOutOfMemory)
	_, err := s.SelectDevice(0)
	require.ErrorIs(t, err, ErrContextCreation)
	require.Equal(t, driver.CodeOutOfMemory, driver.CodeOf(err))
	require.False(t, s.HasContext())

	_, err = s.SelectDevice(0)
	require.NoError(t, err)

	// At most one current context per session.
	_, err = s.SelectDevice(0)
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.True(t, s.HasContext())

	// Device accepts only one context at a time: a second session finds it busy.
	s2 := rt.NewSession()
	_, err = s2.SelectDevice(0)
	require.ErrorIs(t, err, ErrContextCreation)
	require.Equal(t, driver.CodeContextAlreadyInUse, driver.CodeOf(err))
	require.False(t, s2.HasContext())

	require.NoError(t, s.Close())
	_, err = s2.SelectDevice(0)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestCloseFailure(t *testing.T) {
	s, drv := newTestSession(t, simulated.DefaultConfig())
	drv.InjectFailure(simulated.OpReleaseContext, 0, driver.CodeUnknown)
	require.Error(t, s.Close())
	require.True(t, s.HasContext(), "context should remain current if the driver fails to release it")
	require.NoError(t, s.Close())
}

func TestNoActiveContext(t *testing.T) {
	rt, drv := newTestRuntime(t, simulated.DefaultConfig())
	s := rt.NewSession()
	a := iotaFloat32(2, 3)
	before := drv.Stats().TotalCalls()

	var scopeCalled bool
	operations := map[string]func() error{
		"ToDevice": func() error {
			_, err := s.ToDevice(a).Done()
			return err
		},
		"ToDeviceNoCopy": func() error {
			_, err := s.ToDevice(a).Copy(false).Done()
			return err
		},
		"DeviceArray": func() error {
			_, err := s.DeviceArray([]int{2, 3}, hostarray.ContiguousStrides(4, hostarray.OrderC, 2, 3),
				dtypes.Float32, hostarray.OrderC, DefaultStream)
			return err
		},
		"DeviceArrayLike": func() error {
			_, err := s.DeviceArrayLike(a, DefaultStream)
			return err
		},
		"Pin": func() error {
			_, err := s.Pin(a)
			return err
		},
		"Map": func() error {
			_, err := s.Map([]hostarray.Array{a}, nil)
			return err
		},
		"Pinned": func() error {
			return s.Pinned([]hostarray.Array{a}, func() error {
				scopeCalled = true
				return nil
			})
		},
		"Mapped": func() error {
			return s.Mapped([]hostarray.Array{a}, NamedValuesMap{"bad option": 1}, func(*Pinning) error {
				scopeCalled = true
				return nil
			})
		},
		"NewStream": func() error {
			_, err := s.NewStream()
			return err
		},
		"CurrentContext": func() error {
			_, err := s.CurrentContext()
			return err
		},
		"Close": s.Close,
	}
	for name, fn := range operations {
		require.ErrorIs(t, fn(), ErrNoActiveContext, "operation %s", name)
	}
	require.False(t, scopeCalled)
	require.Equal(t, before, drv.Stats().TotalCalls(), "no driver calls should be issued without an active context")
}

func TestStaleContext(t *testing.T) {
	s, drv := newTestSession(t, simulated.DefaultConfig())
	stream := must.M1(s.NewStream())
	buffer := must.M1(s.ToDevice(iotaFloat32(3)).OnStream(stream).Done())
	pinning := must.M1(s.Pin(iotaFloat32(5)))
	require.True(t, buffer.IsValid())
	require.True(t, pinning.Regions()[0].IsLocked())
	require.NoError(t, s.Close())

	stats := drv.Stats()
	require.Equal(t, 0, stats.LiveAllocations)
	require.Equal(t, 0, stats.LiveLocks)
	require.Equal(t, 0, stats.LiveStreams)

	require.False(t, buffer.IsValid())
	require.False(t, pinning.Regions()[0].IsLocked())
	require.ErrorIs(t, buffer.ToHost(make([]byte, 12)), ErrStaleContext)
	require.ErrorIs(t, buffer.Destroy(), ErrStaleContext)
	require.NoError(t, buffer.Destroy(), "second Destroy is a no-op")
	require.ErrorIs(t, stream.Destroy(), ErrStaleContext)
	require.ErrorIs(t, pinning.Release(), ErrStaleContext)
	require.NoError(t, pinning.Release())
	require.Equal(t, 0, drv.Stats().Calls[simulated.OpFreeDevice])
	require.Equal(t, 0, drv.Stats().Calls[simulated.OpUnlockHostMemory])
}
