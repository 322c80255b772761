package accel_test

import (
	"fmt"

	"github.com/gomlx/goaccel/accel"
	"github.com/gomlx/goaccel/driver/simulated"
	"github.com/gomlx/goaccel/hostarray"
	"github.com/janpfeifer/must"
)

func Example() {
	drv := must.M1(simulated.New(simulated.DefaultConfig()))
	rt := must.M1(accel.New(drv, accel.Config{}))
	session := rt.NewSession()
	device := must.M1(session.SelectDevice(0))
	fmt.Println(device)

	matrix := must.M1(hostarray.FromFlat([]float32{1, 2, 3, 4}, 2, 2))
	buffer := must.M1(session.ToDevice(matrix).Done())
	fmt.Println(buffer.Shape(), buffer.Order(), buffer.Size())
	fmt.Println(must.M1(accel.BufferToFlat[float32](buffer)))

	err := session.Mapped([]hostarray.Array{matrix}, nil, func(p *accel.Pinning) error {
		mapped := p.Value().(*accel.DeviceBuffer)
		fmt.Println(must.M1(accel.BufferToFlat[float32](mapped)))
		return nil
	})
	must.M(err)

	must.M(session.Close())
	_, err = session.ToDevice(matrix).Done()
	fmt.Println(err != nil)

	// Output:
	// Device(0, "Simulated GPU 0")
	// [2 2] C 16
	// [1 2 3 4]
	// [1 2 3 4]
	// true
}
