// accel_smoke runs a short end-to-end scenario of the accel package on the simulated driver: it selects a device,
// moves an array to the device and back, pins and maps host arrays, closes the context and checks that operations
// then fail with accel.ErrNoActiveContext.
//
// The simulated devices can be configured with a YAML file (see simulated.Config), given by -config or by the
// environment variable GOACCEL_SIMULATED_CONFIG, which can also be set in a .env file.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/goaccel/accel"
	"github.com/gomlx/goaccel/driver/simulated"
	"github.com/gomlx/goaccel/dtypes"
	"github.com/gomlx/goaccel/hostarray"
	"github.com/janpfeifer/must"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagConfig = flag.String("config", "", "YAML configuration of the simulated driver. "+
		"If empty, it uses $GOACCEL_SIMULATED_CONFIG, or else a single simulated device.")
	flagDevice = flag.Int("device", 0, "Device to select.")
	flagDType  = flag.String("dtype", "float32", "DType of the matrix transferred to the device. "+
		"Integer values wrap around after the highest value of the dtype.")
	flagRows   = flag.Int("rows", 4, "Rows of the matrix transferred to the device.")
	flagCols   = flag.Int("cols", 4, "Columns of the matrix transferred to the device.")
	flagPinned = flag.Int("pinned", 3, "Number of host arrays to pin and map.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		klog.Warningf("Failed to load .env file: %v", err)
	}

	config := simulated.DefaultConfig()
	configPath := *flagConfig
	if configPath == "" {
		configPath = os.Getenv("GOACCEL_SIMULATED_CONFIG")
	}
	if configPath != "" {
		config = must.M1(simulated.LoadConfig(configPath))
	}
	drv := must.M1(simulated.New(config))
	rt := must.M1(accel.New(drv, accel.DefaultConfig()))
	fmt.Printf("%s: %d device(s)\n", rt, must.M1(rt.DeviceCount()))

	if err := run(rt); err != nil {
		klog.Fatalf("%+v", err)
	}
	stats := drv.Stats()
	fmt.Printf("Driver calls: %d, live allocations: %d, live locks: %d, peak pinned: %d bytes\n",
		stats.TotalCalls(), stats.LiveAllocations, stats.LiveLocks, stats.PeakPinnedBytes)
	if stats.Calls[simulated.OpLockHostMemory] != stats.Calls[simulated.OpUnlockHostMemory] {
		klog.Fatalf("unbalanced page-locking: %d locks, %d unlocks",
			stats.Calls[simulated.OpLockHostMemory], stats.Calls[simulated.OpUnlockHostMemory])
	}
}

func run(rt *accel.Runtime) error {
	session := rt.NewSession()
	device, err := session.SelectDevice(*flagDevice)
	if err != nil {
		return err
	}
	fmt.Printf("Selected %s\n", device)

	dtype, found := dtypes.MapOfNames[*flagDType]
	if !found {
		return errors.Errorf("unknown -dtype=%q", *flagDType)
	}
	rows, cols := *flagRows, *flagCols
	matrix, err := hostarray.Iota(dtype, hostarray.OrderC, rows, cols)
	if err != nil {
		return err
	}
	buffer, err := session.ToDevice(matrix).Done()
	if err != nil {
		return err
	}
	fmt.Printf("Transferred %s\n", buffer)
	if err = checkContents("read back", buffer, matrix); err != nil {
		return err
	}
	if err = buffer.Destroy(); err != nil {
		return err
	}

	arrays := make([]hostarray.Array, *flagPinned)
	for ii := range arrays {
		arrays[ii], err = hostarray.Iota(dtype, hostarray.OrderC, rows, cols)
		if err != nil {
			return err
		}
	}
	err = session.Pinned(arrays, func() error {
		fmt.Printf("Pinned %d arrays\n", len(arrays))
		return nil
	})
	if err != nil {
		return err
	}
	err = session.Mapped(arrays, nil, func(p *accel.Pinning) error {
		for ii, mapped := range p.Buffers() {
			if err := checkContents(fmt.Sprintf("mapped array #%d", ii), mapped, arrays[ii]); err != nil {
				return err
			}
		}
		fmt.Printf("Mapped %d arrays: %T\n", p.Len(), p.Value())
		return nil
	})
	if err != nil {
		return err
	}

	if err = session.Close(); err != nil {
		return err
	}
	_, err = session.ToDevice(matrix).Done()
	if !errors.Is(err, accel.ErrNoActiveContext) {
		return errors.Errorf("expected ErrNoActiveContext after Close, got %v", err)
	}
	fmt.Printf("After Close: %v\n", err)
	return nil
}

// checkContents compares the bytes of the buffer with the ones of the host array it was created from.
func checkContents(what string, buffer *accel.DeviceBuffer, want hostarray.Array) error {
	got := make([]byte, buffer.Size())
	if err := buffer.ToHost(got); err != nil {
		return err
	}
	if !bytes.Equal(got, hostarray.Bytes(want)) {
		return errors.Errorf("%s: %s holds % x, wanted % x", what, buffer, got, hostarray.Bytes(want))
	}
	return nil
}
