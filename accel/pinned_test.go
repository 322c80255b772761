package accel

import (
	"fmt"
	"runtime"
	"testing"

	"github.com/gomlx/goaccel/driver"
	"github.com/gomlx/goaccel/driver/simulated"
	"github.com/gomlx/goaccel/hostarray"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func makeArrays(n, size int) []hostarray.Array {
	arrays := make([]hostarray.Array, n)
	for ii := range arrays {
		arrays[ii] = iotaFloat32(size)
	}
	return arrays
}

// lockCalls returns the number of lock and unlock calls issued so far.
func lockCalls(drv *simulated.Driver) (locks, unlocks int) {
	stats := drv.Stats()
	return stats.Calls[simulated.OpLockHostMemory], stats.Calls[simulated.OpUnlockHostMemory]
}

func TestPinnedBalanced(t *testing.T) {
	s, drv := newTestSession(t, simulated.DefaultConfig())
	errScope := errors.New("scope failed")
	for n := range 4 {
		arrays := makeArrays(n, 8)

		// Normal exit.
		var called bool
		err := s.Pinned(arrays, func() error {
			called = true
			require.Equal(t, n, drv.Stats().LiveLocks)
			require.Equal(t, uint64(n*32), drv.Stats().PinnedBytes)
			return nil
		})
		require.NoError(t, err)
		require.True(t, called)
		locks, unlocks := lockCalls(drv)
		require.Equal(t, locks, unlocks, "n=%d", n)
		require.Equal(t, 0, drv.Stats().LiveLocks)

		// Error exit.
		err = s.Pinned(arrays, func() error { return errScope })
		require.ErrorIs(t, err, errScope)
		locks, unlocks = lockCalls(drv)
		require.Equal(t, locks, unlocks, "n=%d", n)

		// Panic exit.
		require.PanicsWithValue(t, "boom", func() {
			_ = s.Pinned(arrays, func() error { panic("boom") })
		})
		locks, unlocks = lockCalls(drv)
		require.Equal(t, locks, unlocks, "n=%d", n)

		// Same for mapped.
		require.PanicsWithValue(t, "boom", func() {
			_ = s.Mapped(arrays, nil, func(*Pinning) error { panic("boom") })
		})
		err = s.Mapped(arrays, nil, func(*Pinning) error { return errScope })
		require.ErrorIs(t, err, errScope)
		locks, unlocks = lockCalls(drv)
		require.Equal(t, locks, unlocks, "n=%d", n)
		require.Equal(t, 0, drv.Stats().LiveLocks)
	}
	locks, _ := lockCalls(drv)
	require.Equal(t, 5*(0+1+2+3), locks)
}

func TestPinMidListFailure(t *testing.T) {
	config := simulated.DefaultConfig()
	config.PinnableBytes = 100
	s, drv := newTestSession(t, config)

	// 4 arrays of 32 bytes: the 4th exceeds the quota.
	arrays := makeArrays(4, 8)
	var called bool
	err := s.Pinned(arrays, func() error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrPinning)
	require.Equal(t, driver.CodeOutOfMemory, driver.CodeOf(err))
	require.False(t, called)
	locks, unlocks := lockCalls(drv)
	require.Equal(t, 4, locks)
	require.Equal(t, 3, unlocks)
	require.Equal(t, 0, drv.Stats().LiveLocks)
	require.Equal(t, uint64(96), drv.Stats().PeakPinnedBytes)

	// Fits after the first ones are released.
	p, err := s.Pin(arrays[:3]...)
	require.NoError(t, err)
	require.NoError(t, p.Release())
}

func TestPinOverlap(t *testing.T) {
	s, drv := newTestSession(t, simulated.DefaultConfig())
	a := iotaFloat32(16)
	_, err := s.Pin(a, a)
	require.ErrorIs(t, err, ErrPinning)
	require.Equal(t, driver.CodeHostMemoryRegistered, driver.CodeOf(err))
	require.Equal(t, 0, drv.Stats().LiveLocks)

	// A view of the same memory also overlaps.
	view := must.M1(a.View([]int{4}, []int{16}))
	_, err = s.Pin(a, view)
	require.ErrorIs(t, err, ErrPinning)
	require.Equal(t, 0, drv.Stats().LiveLocks)
}

func TestPinning(t *testing.T) {
	s, drv := newTestSession(t, simulated.DefaultConfig())
	arrays := makeArrays(2, 10)
	p, err := s.Pin(arrays...)
	require.NoError(t, err)
	fmt.Printf("\t%s\n", p)
	require.False(t, p.IsMapped())
	require.Nil(t, p.Value())
	require.Empty(t, p.Buffers())
	require.Nil(t, p.Buffer())
	require.Equal(t, 2, p.Len())
	for ii, region := range p.Regions() {
		require.True(t, region.IsLocked())
		require.False(t, region.IsMapped())
		require.Zero(t, region.DevicePointer())
		require.Equal(t, 40, region.Size())
		require.Equal(t, arrays[ii].Data(), region.Host())
	}
	require.Equal(t, 2, drv.Stats().LiveLocks)

	require.NoError(t, p.Release())
	require.True(t, p.IsReleased())
	require.NoError(t, p.Release())
	for _, region := range p.Regions() {
		require.False(t, region.IsLocked())
	}
	locks, unlocks := lockCalls(drv)
	require.Equal(t, 2, locks)
	require.Equal(t, 2, unlocks)

	_, err = s.Pin(nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPinningReleaseFailure(t *testing.T) {
	s, drv := newTestSession(t, simulated.DefaultConfig())
	p := must.M1(s.Pin(makeArrays(3, 4)...))
	drv.InjectFailure(simulated.OpUnlockHostMemory, 0, driver.CodeUnknown)
	err := p.Release()
	require.Error(t, err)
	_, unlocks := lockCalls(drv)
	require.Equal(t, 3, unlocks, "all regions should be unlocked even if one fails")
	require.Equal(t, 1, drv.Stats().LiveLocks)
}

func TestPinEmptyArrays(t *testing.T) {
	s, drv := newTestSession(t, simulated.DefaultConfig())
	empty := must.M1(hostarray.FromFlat([]float32{}, 0))
	p, err := s.Pin(empty, iotaFloat32(3))
	require.NoError(t, err)
	require.Equal(t, 0, p.Regions()[0].Size())
	require.True(t, p.Regions()[0].IsLocked())
	locks, _ := lockCalls(drv)
	require.Equal(t, 1, locks)
	require.NoError(t, p.Release())
	_, unlocks := lockCalls(drv)
	require.Equal(t, 1, unlocks)

	err = s.Mapped([]hostarray.Array{empty}, nil, func(p *Pinning) error {
		buffer := p.Buffer()
		require.NotNil(t, buffer)
		require.Zero(t, buffer.DevicePointer())
		require.Equal(t, 0, buffer.Size())
		require.Equal(t, []int{0}, buffer.Shape())
		return nil
	})
	require.NoError(t, err)
	locks, _ = lockCalls(drv)
	require.Equal(t, 1, locks)
}

func TestMapped(t *testing.T) {
	s, _ := newTestSession(t, simulated.DefaultConfig())

	// One array yields a single buffer.
	flat := []float32{1, 2, 3, 4, 5, 6}
	a := must.M1(hostarray.FromFlat(flat, 2, 3))
	var mapped *DeviceBuffer
	err := s.Mapped([]hostarray.Array{a}, nil, func(p *Pinning) error {
		require.True(t, p.IsMapped())
		buffer, ok := p.Value().(*DeviceBuffer)
		require.True(t, ok, "expected a single *DeviceBuffer, got %T", p.Value())
		require.Equal(t, buffer, p.Buffer())
		mapped = buffer
		fmt.Printf("\t%s\n", buffer)
		require.True(t, buffer.IsMapped())
		require.True(t, buffer.IsValid())
		require.Equal(t, a.Shape(), buffer.Shape())
		require.Equal(t, a.Strides(), buffer.Strides())
		require.Equal(t, hostarray.OrderC, buffer.Order())
		require.NotZero(t, buffer.DevicePointer())
		require.Equal(t, p.Regions()[0].DevicePointer(), buffer.DevicePointer())
		require.Equal(t, p.Regions()[0], buffer.Region())

		// The buffer aliases the host memory.
		require.Equal(t, flat, must.M1(BufferToFlat[float32](buffer)))
		flat[0] = 100
		require.Equal(t, float32(100), must.M1(BufferToFlat[float32](buffer))[0])
		return nil
	})
	require.NoError(t, err)
	require.False(t, mapped.IsValid())
	require.ErrorIs(t, mapped.ToHost(make([]byte, 24)), ErrInvalidArgument)

	// Several arrays yield the buffers in order.
	arrays := makeArrays(3, 5)
	err = s.Mapped(arrays, nil, func(p *Pinning) error {
		buffers, ok := p.Value().([]*DeviceBuffer)
		require.True(t, ok, "expected []*DeviceBuffer, got %T", p.Value())
		require.Len(t, buffers, 3)
		require.Nil(t, p.Buffer())
		for ii, buffer := range buffers {
			require.Equal(t, p.Regions()[ii].DevicePointer(), buffer.DevicePointer())
			require.Equal(t, arrays[ii].Data(), buffer.Region().Host())
		}
		return nil
	})
	require.NoError(t, err)

	// No arrays yields an empty list.
	err = s.Mapped(nil, nil, func(p *Pinning) error {
		buffers, ok := p.Value().([]*DeviceBuffer)
		require.True(t, ok)
		require.Empty(t, buffers)
		return nil
	})
	require.NoError(t, err)
}

func TestMapOptions(t *testing.T) {
	s, drv := newTestSession(t, simulated.DefaultConfig())
	a := iotaFloat32(4)
	stream := must.M1(s.NewStream())

	p, err := s.Map([]hostarray.Array{a}, NamedValuesMap{OptionStream: stream})
	require.NoError(t, err)
	require.Equal(t, stream, p.Buffer().Stream())
	require.Equal(t, []float32{0, 1, 2, 3}, must.M1(BufferToFlat[float32](p.Buffer())))
	require.NoError(t, p.Release())

	p, err = s.Map([]hostarray.Array{a}, NamedValuesMap{OptionStream: nil})
	require.NoError(t, err)
	require.True(t, p.Buffer().Stream().IsDefault())
	require.NoError(t, p.Release())

	before := drv.Stats().TotalCalls()
	for _, options := range []NamedValuesMap{
		{"queue": stream},
		{OptionStream: 1},
		{OptionStream: stream, "async": true},
	} {
		_, err = s.Map([]hostarray.Array{a}, options)
		require.ErrorIs(t, err, ErrInvalidArgument, "options=%v", options)
	}
	require.Equal(t, before, drv.Stats().TotalCalls())

	require.NoError(t, stream.Destroy())
	_, err = s.Map([]hostarray.Array{a}, NamedValuesMap{OptionStream: stream})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestMapNotSupported(t *testing.T) {
	config := simulated.DefaultConfig()
	config.Devices[0].CanMapHostMemory = false
	s, drv := newTestSession(t, config)
	arrays := makeArrays(2, 4)
	_, err := s.Map(arrays, nil)
	require.ErrorIs(t, err, ErrPinning)
	require.Equal(t, driver.CodeNotSupported, driver.CodeOf(err))
	require.Equal(t, 0, drv.Stats().LiveLocks)

	// Plain pinning still works.
	require.NoError(t, s.Pinned(arrays, func() error { return nil }))
}

func BenchmarkPinned(b *testing.B) {
	s, _ := newTestSession(b, simulated.DefaultConfig())
	arrays := makeArrays(4, 1024)
	noop := func() error { return nil }
	b.ResetTimer()
	for range b.N {
		must.M(s.Pinned(arrays, noop))
	}
}

func TestLeakedPinning(t *testing.T) {
	s, drv := newTestSession(t, simulated.DefaultConfig())
	ctx := must.M1(s.CurrentContext())
	leaked := PinningsLeaked()
	func() {
		_ = must.M1(s.Pin(iotaFloat32(16), iotaFloat32(8)))
	}()
	collectUntil(t, func() bool { return ctx.pendingLen() == 2 })
	require.Equal(t, leaked+1, PinningsLeaked())
	require.Equal(t, 2, drv.Stats().LiveLocks)
	_, unlocks := lockCalls(drv)
	require.Zero(t, unlocks, "leaked regions are unlocked by the session")

	// Unlocked at the start of the next operation.
	require.NoError(t, s.Pinned(makeArrays(1, 4), func() error { return nil }))
	_, unlocks = lockCalls(drv)
	require.Equal(t, 3, unlocks)
	require.Equal(t, 0, drv.Stats().LiveLocks)

	// Leaked after the context is closed: the locks were released with the context.
	func() {
		p := must.M1(s.Map([]hostarray.Array{iotaFloat32(4)}, nil))
		require.True(t, p.IsMapped())
		require.NoError(t, s.Close())
	}()
	collectUntil(t, func() bool { return PinningsLeaked() == leaked+2 })
	require.Zero(t, ctx.pendingLen())
	_, unlocks = lockCalls(drv)
	require.Equal(t, 3, unlocks)

	// Released pinnings are not reported as leaked.
	_, err := s.SelectDevice(0)
	require.NoError(t, err)
	func() {
		require.NoError(t, must.M1(s.Pin(iotaFloat32(4))).Release())
	}()
	runtime.GC()
	runtime.GC()
	require.Equal(t, leaked+2, PinningsLeaked())
}
